package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/internal/config"
	"quire/internal/entry"
	"quire/internal/index"
	"quire/internal/source"
	"quire/internal/tree"
)

var layout = entry.NewLayout(config.ContentConfig{Workspaces: map[string]config.WorkspaceConfig{
	"main": {Roots: map[string]config.RootConfig{
		"pages": {Locales: []string{"en", "fr"}},
		"data":  {},
	}},
}})

var files = map[string]string{
	"main/pages/en/blog.json":            `{"_id":"blog","_type":"Folder","_index":"a0","title":"Blog"}`,
	"main/pages/fr/blog.json":            `{"_id":"blog","_type":"Folder","_index":"a0","title":"Le blog"}`,
	"main/pages/en/blog/post.json":       `{"_id":"post","_type":"Post","_index":"a1","title":"Published","author":"ann","related":["other","missing",{"_entry":"other"}],"seo":{"desc":"d"}}`,
	"main/pages/en/blog/post.draft.json": `{"_id":"post","_type":"Post","_index":"a1","title":"Draft","author":"gone"}`,
	"main/pages/en/blog/other.json":      `{"_id":"other","_type":"Post","_index":"a0","title":"Other"}`,
	"main/pages/en/blog/wip.draft.json":  `{"_id":"wip","_type":"Post","_index":"Zz","title":"WIP"}`,
	"main/pages/fr/footer.json":          `{"_id":"footer","_type":"Footer","_index":"a0","_shared":true,"text":"shared"}`,
	"main/pages/en/old.archived.json":    `{"_id":"old","_type":"Post","_index":"a5","title":"Old"}`,
	"main/data/ann.json":                 `{"_id":"ann","_type":"Author","_index":"a0","name":"Ann"}`,
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	ctx := context.Background()
	src := source.NewMemory()
	hashes := map[string]string{}
	for p, body := range files {
		h, err := src.AddBlob(ctx, []byte(body))
		require.NoError(t, err)
		hashes[p] = h
	}
	tr, err := tree.FromMap(hashes)
	require.NoError(t, err)
	require.NoError(t, src.UpdateTree(ctx, tr))

	st := index.NewStore(index.Parser{Layout: layout, Registry: entry.DefaultRegistry()}, nil)
	_, err = st.Sync(ctx, src)
	require.NoError(t, err)
	require.Empty(t, st.Current().Malformed())
	return New(st.Current(), layout)
}

func TestRealms(t *testing.T) {
	r := newResolver(t)
	title := Projection{"title": &Field{Path: "title"}}

	tests := []struct {
		realm Realm
		id    string
		want  any
	}{
		{Published, "post", "Published"},
		{Draft, "post", "Draft"},
		{PreferDraft, "post", "Draft"},
		{PreferPublished, "post", "Published"},
		{Archived, "post", nil},
		{Published, "wip", nil},
		{Draft, "wip", "WIP"},
		{PreferPublished, "wip", "WIP"},
		{PreferPublished, "old", "Old"},
		{PreferDraft, "old", "Old"},
		{Draft, "old", nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.realm)+"/"+tt.id, func(t *testing.T) {
			got := r.Resolve(tt.id, title, Context{Locale: "en", Realm: tt.realm})
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got["title"])
		})
	}

	all := r.ResolveVersions("post", title, Context{Locale: "en", Realm: All})
	require.Len(t, all, 2)
	assert.Equal(t, "Published", all[0]["title"])
	assert.Equal(t, "Draft", all[1]["title"])
}

func TestLocales(t *testing.T) {
	r := newResolver(t)
	title := Projection{"title": &Field{Path: "title"}}

	fr := r.Resolve("blog", title, Context{Locale: "fr", Realm: Published})
	assert.Equal(t, "Le blog", fr["title"])

	// No locale, or one the root lacks, falls back to the root's first.
	assert.Equal(t, "Blog", r.Resolve("blog", title, Context{Realm: Published})["title"])
	assert.Equal(t, "Blog", r.Resolve("blog", title, Context{Locale: "de", Realm: Published})["title"])

	assert.Nil(t, r.Resolve("post", title, Context{Locale: "fr", Realm: Published}), "no french version")

	text := Projection{"text": &Field{Path: "text"}}
	assert.Equal(t, "shared", r.Resolve("footer", text, Context{Locale: "en", Realm: Published})["text"])

	name := Projection{"name": &Field{Path: "name"}}
	assert.Equal(t, "Ann", r.Resolve("ann", name, Context{Locale: "fr", Realm: Published})["name"], "unlocalized roots match every locale")
}

func TestProjection(t *testing.T) {
	r := newResolver(t)
	p, err := ParseProjection(map[string]any{
		"title":   "title",
		"desc":    "$.seo.desc",
		"missing": "nope",
		"kind":    map[string]any{"$literal": "post"},
		"n":       float64(3),
		"meta":    map[string]any{"id": "_id", "url": "_url"},
		"author":  map[string]any{"$link": "author", "select": map[string]any{"name": "name"}},
		"related": map[string]any{"$link": "related", "select": map[string]any{"title": "title"}},
		"parent":  map[string]any{"$parent": map[string]any{"title": "title"}},
	})
	require.NoError(t, err)

	got := r.Resolve("post", p, Context{Locale: "en", Realm: Published})
	assert.Equal(t, map[string]any{
		"title":   "Published",
		"desc":    "d",
		"kind":    "post",
		"n":       float64(3),
		"meta":    map[string]any{"id": "post", "url": "/blog/post"},
		"author":  map[string]any{"name": "Ann"},
		"related": []any{map[string]any{"title": "Other"}, map[string]any{"title": "Other"}},
		"parent":  map[string]any{"title": "Blog"},
	}, got)

	draft := r.Resolve("post", p, Context{Locale: "en", Realm: Draft})
	assert.Nil(t, draft["author"], "broken link resolves to nil")
	assert.Contains(t, draft, "author")
}

func TestChildren(t *testing.T) {
	r := newResolver(t)
	p, err := ParseProjection(map[string]any{
		"items": map[string]any{"$children": map[string]any{"id": "_id"}},
	})
	require.NoError(t, err)

	ids := func(realm Realm) []any {
		got := r.Resolve("blog", p, Context{Locale: "en", Realm: realm})
		var out []any
		for _, item := range got["items"].([]any) {
			out = append(out, item.(map[string]any)["id"])
		}
		return out
	}
	assert.Equal(t, []any{"other", "post"}, ids(Published))
	assert.Equal(t, []any{"wip", "other", "post"}, ids(PreferDraft))
}

func TestQuery(t *testing.T) {
	r := newResolver(t)
	p := Projection{"id": &Field{Path: "_id"}}
	got := r.Query(index.Filter{Type: "Post"}, p, Context{Locale: "en", Realm: Published})
	var ids []any
	for _, v := range got {
		ids = append(ids, v["id"])
	}
	assert.ElementsMatch(t, []any{"post", "other"}, ids)
}

func TestParseProjectionErrors(t *testing.T) {
	_, err := ParseProjection(map[string]any{"x": map[string]any{"$link": 3}})
	assert.Error(t, err)
	_, err = ParseProjection(map[string]any{"x": map[string]any{"$children": "nope"}})
	assert.Error(t, err)
	_, err = ParseRealm("sometimes")
	assert.Error(t, err)
}
