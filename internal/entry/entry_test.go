package entry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/internal/config"
	"quire/internal/errors"
)

func testLayout() *Layout {
	return NewLayout(config.ContentConfig{Workspaces: map[string]config.WorkspaceConfig{
		"main": {Roots: map[string]config.RootConfig{
			"pages": {Locales: []string{"en", "fr"}},
			"media": {},
		}},
	}})
}

func TestLayoutParse(t *testing.T) {
	layout := testLayout()
	reg := DefaultRegistry()

	tests := []struct {
		name string
		path string
		want Location
	}{
		{
			name: "published localized",
			path: "main/pages/en/home.json",
			want: Location{Workspace: "main", Root: "pages", Locale: "en", Parents: []string{}, Slug: "home", Status: StatusPublished, Ext: "json"},
		},
		{
			name: "nested draft",
			path: "main/pages/fr/docs/intro/setup.draft.yaml",
			want: Location{Workspace: "main", Root: "pages", Locale: "fr", Parents: []string{"docs", "intro"}, Slug: "setup", Status: StatusDraft, Ext: "yaml"},
		},
		{
			name: "unlocalized archived",
			path: "main/media/logo.archived.yml",
			want: Location{Workspace: "main", Root: "media", Parents: []string{}, Slug: "logo", Status: StatusArchived, Ext: "yml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := layout.Parse(tt.path, reg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.path, got.FilePath())
		})
	}
}

func TestLayoutParseRejects(t *testing.T) {
	layout := testLayout()
	reg := DefaultRegistry()

	_, err := layout.Parse("main/media/logo.png", reg)
	assert.ErrorIs(t, err, ErrNotEntry)
	_, err = layout.Parse("README", reg)
	assert.ErrorIs(t, err, ErrNotEntry)

	for _, p := range []string{
		"top.json",
		"main/pages/home.json",
		"main/pages/de/home.json",
		"main/media/home.old.json",
		"main/media/bad slug.json",
	} {
		_, err := layout.Parse(p, reg)
		assert.ErrorIs(t, err, errors.ErrMalformed, p)
	}
}

func TestLocationKeys(t *testing.T) {
	loc := Location{Workspace: "w", Root: "r", Locale: "en", Parents: []string{"a", "b"}, Slug: "c", Status: StatusPublished, Ext: "json"}
	assert.Equal(t, "w/r/en/a/b", loc.ContainerKey())
	assert.Equal(t, "w/r/en/a/b/c", loc.ChildrenKey())
	assert.Equal(t, "w/r/en/a/b", loc.ParentKey())

	top := Location{Workspace: "w", Root: "r", Slug: "c"}
	assert.Equal(t, "", top.ParentKey())
	assert.Equal(t, "w/r//c", top.ChildrenKey())
}

func TestParseAndFormat(t *testing.T) {
	reg := DefaultRegistry()
	loc := Location{Workspace: "main", Root: "media", Slug: "logo", Status: StatusDraft, Ext: "json"}
	raw := []byte(`{"_id":"e1","_type":"Image","_index":"a0","title":"Logo","size":{"w":10}}`)

	e, err := Parse(loc, loc.FilePath(), raw, reg)
	require.NoError(t, err)
	assert.Equal(t, "e1", e.ID)
	assert.Equal(t, "Image", e.Type)
	assert.Equal(t, "a0", e.Index)
	assert.Equal(t, StatusDraft, e.Status)
	assert.Equal(t, map[string]any{"title": "Logo", "size": map[string]any{"w": float64(10)}}, e.Data)
	assert.Equal(t, "/logo", e.URL())

	out, err := Format(e, reg)
	require.NoError(t, err)
	again, err := Parse(loc, loc.FilePath(), out, reg)
	require.NoError(t, err)
	assert.Equal(t, e.RowHash, again.RowHash)
	assert.Equal(t, e.Data, again.Data)
}

func TestRowHashIgnoresFormatting(t *testing.T) {
	reg := DefaultRegistry()
	loc := Location{Workspace: "w", Root: "r", Slug: "s", Status: StatusPublished}

	loc.Ext = "json"
	a, err := Parse(loc, "a", []byte(`{"_id":"x","_type":"T","_index":"a0","n":1,"tags":["a","b"]}`), reg)
	require.NoError(t, err)
	b, err := Parse(loc, "b", []byte("{\n  \"tags\": [\"a\", \"b\"],\n  \"n\": 1.0,\n  \"_index\": \"a0\", \"_type\": \"T\", \"_id\": \"x\"\n}\n"), reg)
	require.NoError(t, err)
	assert.Equal(t, a.RowHash, b.RowHash)

	loc.Ext = "yaml"
	c, err := Parse(loc, "c", []byte("_id: x\n_type: T\n_index: a0\nn: 1\ntags: [a, b]\n"), reg)
	require.NoError(t, err)
	assert.Equal(t, a.RowHash, c.RowHash)

	loc.Ext = "json"
	d, err := Parse(loc, "d", []byte(`{"_id":"x","_type":"T","_index":"a0","n":2,"tags":["a","b"]}`), reg)
	require.NoError(t, err)
	assert.NotEqual(t, a.RowHash, d.RowHash)
}

func TestParseMalformed(t *testing.T) {
	reg := DefaultRegistry()
	loc := Location{Workspace: "w", Root: "r", Slug: "s", Status: StatusPublished, Ext: "json"}
	for name, raw := range map[string]string{
		"syntax":      `{"_id":`,
		"not object":  `[1,2]`,
		"missing id":  `{"_type":"T","_index":"a0"}`,
		"bad index":   `{"_id":"x","_type":"T","_index":"!!"}`,
		"shared type": `{"_id":"x","_type":"T","_index":"a0","_shared":"yes"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(loc, "w/r/s.json", []byte(raw), reg)
			assert.ErrorIs(t, err, errors.ErrMalformed)
		})
	}
}

func TestDocument(t *testing.T) {
	e := &Entry{ID: "x", Type: "Page", Locale: "en", Status: StatusPublished, Parents: []string{"docs"}, Slug: "intro", Index: "a0", Data: map[string]any{"title": "Intro"}}
	doc := e.Document()
	assert.Equal(t, "Intro", doc["title"])
	assert.Equal(t, "/docs/intro", doc["_url"])
	assert.Equal(t, "published", doc["_status"])
	assert.NotContains(t, e.Data, "_id", "Document must not write through to Data")
}
