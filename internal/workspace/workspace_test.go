package workspace

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/internal/commit"
	"quire/internal/config"
	"quire/internal/errors"
	"quire/internal/mutation"
	"quire/internal/source"
	"quire/internal/tree"
	shared "quire/shared/types"
)

// hosted serves an authority's tree and accepts commits against it.
type hosted struct {
	source.Source
	auth *commit.Authority
}

func (h hosted) Commit(ctx context.Context, req *shared.CommitRequest) (*shared.CommitResult, error) {
	return h.auth.Commit(ctx, req)
}

func newRemote(t *testing.T) hosted {
	t.Helper()
	ctx := context.Background()
	m := source.NewMemory()
	files := map[string]string{
		"main/pages/home.json":  `{"_id":"home","_type":"Page","_index":"a0","title":"Home"}`,
		"main/pages/about.json": `{"_id":"about","_type":"Page","_index":"a1","title":"About"}`,
	}
	hashes := map[string]string{}
	for p, body := range files {
		h, err := m.AddBlob(ctx, []byte(body))
		require.NoError(t, err)
		hashes[p] = h
	}
	tr, err := tree.FromMap(hashes)
	require.NoError(t, err)
	require.NoError(t, m.UpdateTree(ctx, tr))
	return hosted{Source: m, auth: commit.NewAuthority(m, nil, nil)}
}

func contentConfig() *config.Config {
	cfg := config.Default()
	cfg.Content = config.ContentConfig{Workspaces: map[string]config.WorkspaceConfig{
		"main": {Roots: map[string]config.RootConfig{"pages": {}}},
	}}
	return cfg
}

func newWorkspace(t *testing.T, remote Remote) (*Workspace, billy.Filesystem) {
	t.Helper()
	bfs := memfs.New()
	return New("/", contentConfig(), source.NewFS(bfs), source.NewMemory(), remote, nil), bfs
}

func sha(t *testing.T, src source.Source) string {
	t.Helper()
	tr, err := src.GetTree(context.Background())
	require.NoError(t, err)
	return tr.SHA()
}

func TestPullThenPush(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	w, bfs := newWorkspace(t, remote)

	pulled, err := w.Pull(ctx, false)
	require.NoError(t, err)
	assert.Len(t, pulled.Files.Changes, 2)
	assert.Equal(t, sha(t, remote), sha(t, w.Files))

	status, err := w.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Empty())

	require.NoError(t, util.WriteFile(bfs, "main/pages/home.json",
		[]byte(`{"_id":"home","_type":"Page","_index":"a0","title":"Welcome home"}`), 0o644))

	status, err = w.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.Equal(t, tree.OpModify, status[0].Op)

	files, err := w.Diff(ctx, 3)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Contains(t, files[0].Result.Format(), "+")

	res, err := w.Push(ctx, "ana", "retitle home")
	require.NoError(t, err)
	assert.Equal(t, commit.StateAccepted, res.State)
	assert.Equal(t, res.IntoSha, res.Sha)
	assert.Equal(t, res.Sha, sha(t, remote))
	assert.Equal(t, res.Sha, sha(t, w.Mirror))

	status, err = w.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Empty())

	again, err := w.Push(ctx, "ana", "")
	require.NoError(t, err)
	assert.Equal(t, commit.StateDone, again.State)
}

func TestPushConflictResyncsMirror(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	a, afs := newWorkspace(t, remote)
	b, bfs := newWorkspace(t, remote)
	_, err := a.Pull(ctx, false)
	require.NoError(t, err)
	_, err = b.Pull(ctx, false)
	require.NoError(t, err)

	require.NoError(t, util.WriteFile(afs, "main/pages/home.json",
		[]byte(`{"_id":"home","_type":"Page","_index":"a0","title":"A"}`), 0o644))
	res, err := a.Push(ctx, "a", "")
	require.NoError(t, err)
	require.Equal(t, commit.StateAccepted, res.State)

	require.NoError(t, util.WriteFile(bfs, "main/pages/about.json",
		[]byte(`{"_id":"about","_type":"Page","_index":"a1","title":"About B"}`), 0o644))
	res, err = b.Push(ctx, "b", "")
	require.NoError(t, err)
	assert.Equal(t, commit.StateConflict, res.State)
	assert.NotEqual(t, res.IntoSha, res.Sha)
	assert.Equal(t, sha(t, remote), sha(t, b.Mirror))
	assert.Equal(t, sha(t, a.Files), sha(t, remote))
}

func TestPullRefusesDirtyTree(t *testing.T) {
	ctx := context.Background()
	w, bfs := newWorkspace(t, newRemote(t))
	_, err := w.Pull(ctx, false)
	require.NoError(t, err)

	require.NoError(t, util.WriteFile(bfs, "main/pages/draft.json",
		[]byte(`{"_id":"draft","_type":"Page","_index":"a2"}`), 0o644))
	_, err = w.Pull(ctx, false)
	assert.True(t, stderrors.Is(err, errors.ErrConflict))

	_, err = w.Pull(ctx, true)
	require.NoError(t, err)
	_, err = bfs.Stat("main/pages/draft.json")
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineWithRole(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t)
	w, _ := newWorkspace(t, remote)
	w.Config.Policy.Roles = map[string]config.RoleConfig{
		"homeEditor": {Entries: map[string][]string{"home": {"update"}}},
	}

	_, err := w.Pipeline(ctx, "ana", "nobody")
	assert.True(t, stderrors.Is(err, errors.ErrValidation))

	p, err := w.Pipeline(ctx, "ana", "homeEditor")
	require.NoError(t, err)

	err = p.Submit(mutation.Mutation{Kind: mutation.KindUpdate, EntryID: "about", Data: map[string]any{"title": "x"}})
	assert.True(t, stderrors.Is(err, errors.ErrPermissionDenied))

	res, err := p.Commit(ctx, mutation.Mutation{Kind: mutation.KindUpdate, EntryID: "home", Data: map[string]any{"title": "Home v2"}})
	require.NoError(t, err)
	assert.True(t, res.Accepted())

	_, err = w.Pull(ctx, false)
	require.NoError(t, err)
	st, err := w.Index(ctx)
	require.NoError(t, err)
	draft, ok := st.Current().Get("home", "", "draft")
	require.True(t, ok)
	assert.Equal(t, "Home v2", draft.Data["title"])
}

func TestNoRemote(t *testing.T) {
	w, _ := newWorkspace(t, nil)
	_, err := w.Push(context.Background(), "", "")
	assert.True(t, stderrors.Is(err, errors.ErrValidation))
}

func TestIndexExportImport(t *testing.T) {
	ctx := context.Background()
	w, _ := newWorkspace(t, newRemote(t))
	_, err := w.Pull(ctx, false)
	require.NoError(t, err)

	st, err := w.Index(ctx)
	require.NoError(t, err)
	home, ok := st.Current().Get("home", "", "published")
	require.True(t, ok)
	assert.Equal(t, "Home", home.Data["title"])

	snap, err := w.Export(ctx)
	require.NoError(t, err)

	other, _ := newWorkspace(t, nil)
	_, err = other.Import(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, sha(t, w.Files), sha(t, other.Files))
}

func TestInitializeAndOpen(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Initialize(root, "http://localhost:4500", "tok"))
	assert.Error(t, Initialize(root, "", ""))

	nested := filepath.Join(root, "main", "pages")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	found, err := FindRoot(nested)
	require.NoError(t, err)
	assert.Equal(t, root, found)

	_, err = FindRoot(t.TempDir())
	assert.Error(t, err)

	w, err := Open(root, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.NotNil(t, w.Remote)
	assert.Equal(t, "http://localhost:4500", w.Config.Remote.URL)

	status, err := w.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Empty())
}
