package mutation

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/internal/config"
	"quire/internal/entry"
	"quire/internal/errors"
	"quire/internal/index"
	"quire/internal/source"
	"quire/internal/tree"
)

func testParser() index.Parser {
	return index.Parser{
		Layout: entry.NewLayout(config.ContentConfig{Workspaces: map[string]config.WorkspaceConfig{
			"main": {Roots: map[string]config.RootConfig{
				"pages": {Locales: []string{"en", "fr"}},
				"media": {},
			}},
		}}),
		Registry: entry.DefaultRegistry(),
	}
}

func doc(id, typ, index, title string) string {
	return fmt.Sprintf(`{"_id":%q,"_type":%q,"_index":%q,"title":%q}`, id, typ, index, title)
}

var fixture = map[string]string{
	"main/pages/en/docs.json":         doc("docs", "Folder", "a0", "Docs"),
	"main/pages/en/docs/a.json":       doc("a", "Page", "a0", "A"),
	"main/pages/en/docs/a.draft.json": doc("a", "Page", "a0", "A draft"),
	"main/pages/en/docs/a/img.png":    "png bytes",
	"main/pages/en/home.json":         doc("home", "Page", "a1", "Home"),
	"main/pages/fr/home.json":         doc("home", "Page", "a1", "Accueil"),
}

func newStore(t *testing.T, files map[string]string) *index.Store {
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

	st := index.NewStore(testParser(), nil)
	_, err = st.Sync(ctx, src)
	require.NoError(t, err)
	return st
}

// run plans muts and applies the result to st.
func run(t *testing.T, st *index.Store, muts ...Mutation) (*Plan, *index.Index) {
	t.Helper()
	plan, err := Build(st.Current(), testParser(), muts)
	require.NoError(t, err)
	ix, err := st.ApplyLocal(context.Background(), plan.Changes, plan.Blobs)
	require.NoError(t, err)
	return plan, ix
}

func ops(cs tree.Changeset) map[string]tree.Op {
	out := map[string]tree.Op{}
	for _, c := range cs {
		out[c.Path] = c.Op
	}
	return out
}

func TestInsertOrder(t *testing.T) {
	st := newStore(t, fixture)
	_, ix := run(t, st,
		Mutation{Kind: KindCreate, EntryID: "A", Type: "Page", ParentID: "home", Locale: "en", Slug: "a"},
		Mutation{Kind: KindCreate, EntryID: "B", Type: "Page", ParentID: "home", Locale: "en", Slug: "b", InsertOrder: First},
		Mutation{Kind: KindCreate, EntryID: "C", Type: "Page", ParentID: "home", Locale: "en", Slug: "c", InsertOrder: Last},
	)
	assert.Equal(t, []string{"B", "A", "C"}, ix.Children("home"))

	_, ix = run(t, st, Mutation{Kind: KindMove, EntryID: "C", After: "B"})
	assert.Equal(t, []string{"B", "C", "A"}, ix.Children("home"))
}

func TestCreate(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		st := newStore(t, fixture)
		plan, ix := run(t, st, Mutation{
			Kind: KindCreate, Type: "Page", Workspace: "main", Root: "pages",
			Data: map[string]any{"title": "About Us"},
		})
		require.Len(t, plan.IDs, 1)
		id := plan.IDs[0]
		assert.NotEmpty(t, id)

		e, ok := ix.Get(id, "en", entry.StatusDraft)
		require.True(t, ok)
		assert.Equal(t, "main/pages/en/about-us.draft.json", e.FilePath)
		assert.Equal(t, "About Us", e.Data["title"])
		assert.Greater(t, e.Index, "a1")
		assert.Equal(t, map[string]tree.Op{e.FilePath: tree.OpAdd}, ops(plan.Changes))
	})

	t.Run("unlocalized root", func(t *testing.T) {
		st := newStore(t, fixture)
		_, ix := run(t, st, Mutation{
			Kind: KindCreate, EntryID: "logo", Type: "Image", Workspace: "main", Root: "media",
			Status: entry.StatusPublished,
		})
		e, ok := ix.Get("logo", "", entry.StatusPublished)
		require.True(t, ok)
		assert.Equal(t, "main/media/logo.json", e.FilePath)
	})

	rejects := []struct {
		name string
		mut  Mutation
		want error
	}{
		{"existing id", Mutation{Kind: KindCreate, EntryID: "home", Type: "Page", Workspace: "main", Root: "pages"}, errors.ErrIntegrity},
		{"taken slug", Mutation{Kind: KindCreate, Type: "Page", Workspace: "main", Root: "pages", Slug: "docs"}, errors.ErrIntegrity},
		{"unknown locale", Mutation{Kind: KindCreate, Type: "Page", Workspace: "main", Root: "pages", Locale: "de"}, errors.ErrValidation},
		{"locale on flat root", Mutation{Kind: KindCreate, Type: "Page", Workspace: "main", Root: "media", Locale: "en"}, errors.ErrValidation},
		{"missing parent", Mutation{Kind: KindCreate, Type: "Page", ParentID: "nope"}, errors.ErrNotFound},
		{"unknown ext", Mutation{Kind: KindCreate, Type: "Page", Workspace: "main", Root: "media", Ext: "toml"}, errors.ErrValidation},
	}
	for _, tc := range rejects {
		t.Run(tc.name, func(t *testing.T) {
			st := newStore(t, fixture)
			_, err := Build(st.Current(), testParser(), []Mutation{tc.mut})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestUpdateWritesDraft(t *testing.T) {
	st := newStore(t, fixture)
	plan, ix := run(t, st, Mutation{
		Kind: KindUpdate, EntryID: "home", Locale: "fr",
		Data: map[string]any{"title": "Bienvenue", "subtitle": "Salut"},
	})
	assert.Equal(t, map[string]tree.Op{"main/pages/fr/home.draft.json": tree.OpAdd}, ops(plan.Changes))

	draft, ok := ix.Get("home", "fr", entry.StatusDraft)
	require.True(t, ok)
	assert.Equal(t, "Bienvenue", draft.Data["title"])
	assert.Equal(t, "a1", draft.Index)
	pub, _ := ix.Get("home", "fr", entry.StatusPublished)
	assert.Equal(t, "Accueil", pub.Data["title"])

	_, ix = run(t, st, Mutation{Kind: KindUpdate, EntryID: "home", Locale: "fr", Data: map[string]any{"subtitle": nil}})
	draft, _ = ix.Get("home", "fr", entry.StatusDraft)
	assert.NotContains(t, draft.Data, "subtitle")
	assert.Equal(t, "Bienvenue", draft.Data["title"])

	_, err := Build(ix, testParser(), []Mutation{{Kind: KindUpdate, EntryID: "home", Data: map[string]any{"x": "y"}}})
	assert.ErrorIs(t, err, errors.ErrValidation, "several locales need an explicit one")
}

func TestStatusTransitions(t *testing.T) {
	t.Run("publish", func(t *testing.T) {
		st := newStore(t, fixture)
		plan, ix := run(t, st, Mutation{Kind: KindPublish, EntryID: "a"})
		assert.Equal(t, map[string]tree.Op{
			"main/pages/en/docs/a.draft.json": tree.OpDelete,
			"main/pages/en/docs/a.json":       tree.OpModify,
		}, ops(plan.Changes))
		pub, _ := ix.Get("a", "en", entry.StatusPublished)
		assert.Equal(t, "A draft", pub.Data["title"])
		_, hasDraft := ix.Get("a", "en", entry.StatusDraft)
		assert.False(t, hasDraft)

		_, err := Build(ix, testParser(), []Mutation{{Kind: KindPublish, EntryID: "a"}})
		assert.ErrorIs(t, err, errors.ErrValidation)
	})

	t.Run("unpublish keeps a draft", func(t *testing.T) {
		st := newStore(t, fixture)
		plan, ix := run(t, st, Mutation{Kind: KindUnpublish, EntryID: "home", Locale: "en"})
		assert.Equal(t, map[string]tree.Op{
			"main/pages/en/home.json":       tree.OpDelete,
			"main/pages/en/home.draft.json": tree.OpAdd,
		}, ops(plan.Changes))
		d, ok := ix.Get("home", "en", entry.StatusDraft)
		require.True(t, ok)
		assert.Equal(t, "Home", d.Data["title"])
	})

	t.Run("unpublish with existing draft", func(t *testing.T) {
		st := newStore(t, fixture)
		_, ix := run(t, st, Mutation{Kind: KindUnpublish, EntryID: "a"})
		d, _ := ix.Get("a", "en", entry.StatusDraft)
		assert.Equal(t, "A draft", d.Data["title"])
		_, ok := ix.Get("a", "en", entry.StatusPublished)
		assert.False(t, ok)
	})

	t.Run("archive", func(t *testing.T) {
		st := newStore(t, fixture)
		_, ix := run(t, st, Mutation{Kind: KindArchive, EntryID: "home"})
		for _, loc := range []string{"en", "fr"} {
			_, ok := ix.Get("home", loc, entry.StatusArchived)
			assert.True(t, ok, loc)
			_, ok = ix.Get("home", loc, entry.StatusPublished)
			assert.False(t, ok, loc)
		}
	})
}

func TestRemoveTakesSubtree(t *testing.T) {
	st := newStore(t, fixture)
	plan, ix := run(t, st, Mutation{Kind: KindRemove, EntryID: "docs"})
	assert.Equal(t, map[string]tree.Op{
		"main/pages/en/docs.json":         tree.OpDelete,
		"main/pages/en/docs/a.json":       tree.OpDelete,
		"main/pages/en/docs/a.draft.json": tree.OpDelete,
		"main/pages/en/docs/a/img.png":    tree.OpDelete,
	}, ops(plan.Changes))
	assert.False(t, ix.Has("docs"))
	assert.False(t, ix.Has("a"))
	assert.True(t, ix.Has("home"))
}

func TestMove(t *testing.T) {
	t.Run("relocates subtree", func(t *testing.T) {
		st := newStore(t, fixture)
		before := st.Current().Tree()
		imgHash, _ := before.Get("main/pages/en/docs/a/img.png")

		plan, ix := run(t, st, Mutation{Kind: KindMove, EntryID: "a", ParentID: "home"})
		assert.Equal(t, []string{"home"}, ix.Ancestors("a"))
		assert.Empty(t, ix.Children("docs"))
		assert.True(t, ix.Tree().Has("main/pages/en/home/a.json"))
		assert.True(t, ix.Tree().Has("main/pages/en/home/a.draft.json"))

		moved, ok := plan.Next.Get("main/pages/en/home/a/img.png")
		require.True(t, ok)
		assert.Equal(t, imgHash, moved)
		assert.NotContains(t, plan.Blobs, imgHash, "moved files reuse their blob")
	})

	t.Run("to root level", func(t *testing.T) {
		st := newStore(t, fixture)
		_, ix := run(t, st, Mutation{Kind: KindMove, EntryID: "a", Workspace: "main", Root: "pages", InsertOrder: First})
		assert.Equal(t, "a", ix.RootChildren("main", "pages")[0])
		assert.Empty(t, ix.Ancestors("a"))
	})

	rejects := []struct {
		name string
		mut  Mutation
		want error
	}{
		{"under descendant", Mutation{Kind: KindMove, EntryID: "docs", ParentID: "a"}, errors.ErrIntegrity},
		{"under itself", Mutation{Kind: KindMove, EntryID: "docs", ParentID: "docs"}, errors.ErrIntegrity},
		{"across roots", Mutation{Kind: KindMove, EntryID: "a", Workspace: "main", Root: "media"}, errors.ErrValidation},
		{"parent without locale", Mutation{Kind: KindMove, EntryID: "home", ParentID: "docs"}, errors.ErrIntegrity},
		{"after a stranger", Mutation{Kind: KindMove, EntryID: "home", After: "a"}, errors.ErrValidation},
	}
	for _, tc := range rejects {
		t.Run(tc.name, func(t *testing.T) {
			st := newStore(t, fixture)
			_, err := Build(st.Current(), testParser(), []Mutation{tc.mut})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFiles(t *testing.T) {
	st := newStore(t, fixture)
	plan, ix := run(t, st, Mutation{Kind: KindUploadFile, File: &File{Path: "main/media/icon.svg", Data: []byte("<svg/>")}})
	require.Len(t, plan.Blobs, 1)
	assert.True(t, ix.Tree().Has("main/media/icon.svg"))

	plan, ix = run(t, st, Mutation{Kind: KindRemoveFile, File: &File{Path: "main/media/icon.svg"}})
	assert.Equal(t, map[string]tree.Op{"main/media/icon.svg": tree.OpDelete}, ops(plan.Changes))
	assert.False(t, ix.Tree().Has("main/media/icon.svg"))

	_, err := Build(ix, testParser(), []Mutation{{Kind: KindRemoveFile, File: &File{Path: "main/media/icon.svg"}}})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = Build(ix, testParser(), []Mutation{{Kind: KindUploadFile, File: &File{Path: "main/pages/en/home.json", Data: []byte("{}")}}})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestBatchSeesEarlierMutations(t *testing.T) {
	st := newStore(t, fixture)
	plan, ix := run(t, st,
		Mutation{Kind: KindCreate, EntryID: "news", Type: "Page", Workspace: "main", Root: "pages", Locale: "en"},
		Mutation{Kind: KindUpdate, EntryID: "news", Data: map[string]any{"title": "News"}},
		Mutation{Kind: KindPublish, EntryID: "news"},
		Mutation{Kind: KindUploadFile, File: &File{Path: "main/pages/en/news/banner.png", Data: []byte("banner")}},
		Mutation{Kind: KindMove, EntryID: "news", ParentID: "docs"},
	)
	assert.Equal(t, []string{"news", "news", "news", "", "news"}, plan.IDs)
	assert.Equal(t, map[string]tree.Op{
		"main/pages/en/docs/news.json":       tree.OpAdd,
		"main/pages/en/docs/news/banner.png": tree.OpAdd,
	}, ops(plan.Changes))

	e, ok := ix.Get("news", "en", entry.StatusPublished)
	require.True(t, ok)
	assert.Equal(t, "News", e.Data["title"])
	assert.Equal(t, "docs", e.ParentID)
}

func TestFailedBatchPlansNothing(t *testing.T) {
	st := newStore(t, fixture)
	before := st.Current()
	_, err := Build(before, testParser(), []Mutation{
		{Kind: KindUpdate, EntryID: "home", Locale: "en", Data: map[string]any{"title": "x"}},
		{Kind: KindRemove, EntryID: "ghost"},
	})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Same(t, before, st.Current())
}
