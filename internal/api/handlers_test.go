package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/client"
	"quire/internal/commit"
	"quire/internal/config"
	"quire/internal/entry"
	"quire/internal/errors"
	"quire/internal/index"
	"quire/internal/middleware"
	"quire/internal/mutation"
	"quire/internal/policy"
	"quire/internal/source"
	"quire/internal/storage"
	"quire/internal/syncer"
	"quire/internal/tree"
	shared "quire/shared/types"
	"quire/shared/utils"
)

const secret = "test-secret"

type fixture struct {
	hosted    *source.Memory
	authority *commit.Authority
	server    *httptest.Server
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	hosted := source.NewMemory()
	h, err := hosted.AddBlob(ctx, []byte(`{"_id":"home","_type":"Page","_index":"a0","title":"Home"}`))
	require.NoError(t, err)
	tr, err := tree.FromMap(map[string]string{"main/pages/home.json": h})
	require.NoError(t, err)
	require.NoError(t, hosted.UpdateTree(ctx, tr))

	auth := commit.NewAuthority(hosted, storage.NewMemoryKV(), nil)
	ts := httptest.NewServer(NewServer(auth, nil).Handler(opts))
	t.Cleanup(ts.Close)
	return &fixture{hosted: hosted, authority: auth, server: ts}
}

func (f *fixture) client(t *testing.T, subject string) *client.Client {
	t.Helper()
	opts := []client.Option{client.WithRetries(0, time.Millisecond, time.Millisecond)}
	if subject != "" {
		token, err := middleware.IssueToken(secret, subject, "editor", time.Hour)
		require.NoError(t, err)
		opts = append(opts, client.WithToken(token))
	}
	return client.New(f.server.URL, opts...)
}

func TestTreeAndBlobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Secret: secret})
	c := f.client(t, "ana")

	resp, err := c.GetTree(ctx, "")
	require.NoError(t, err)
	want, err := f.hosted.GetTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.SHA(), resp.Sha)
	assert.True(t, resp.Tree.Equals(want))

	again, err := c.GetTree(ctx, resp.Sha)
	require.NoError(t, err)
	assert.Nil(t, again, "known sha answers 304")

	h, _ := want.Get("main/pages/home.json")
	blobs, err := c.GetBlobs(ctx, []string{h})
	require.NoError(t, err)
	assert.Equal(t, h, utils.HashContent(blobs[h]))

	_, err = c.GetBlobs(ctx, []string{utils.HashContent([]byte("absent"))})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	put, err := c.PutBlob(ctx, []byte("fresh"))
	require.NoError(t, err)
	assert.Equal(t, utils.HashContent([]byte("fresh")), put)
}

func TestAuthAndHealth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Secret: secret})

	_, err := f.client(t, "").GetTree(ctx, "")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestCommitEndpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Secret: secret})
	c := f.client(t, "ana")
	cur, err := f.hosted.GetTree(ctx)
	require.NoError(t, err)

	body := []byte(`{"_id":"about","_type":"Page","_index":"a1"}`)
	h := utils.HashContent(body)
	changes := tree.Changeset{{Op: tree.OpAdd, Path: "main/pages/about.json", Hash: h}}
	next, err := cur.Apply(changes)
	require.NoError(t, err)

	t.Run("malformed request", func(t *testing.T) {
		_, err := c.Commit(ctx, &shared.CommitRequest{FromSha: "x"})
		assert.ErrorIs(t, err, errors.ErrValidation)
	})

	t.Run("integrity", func(t *testing.T) {
		_, err := c.Commit(ctx, &shared.CommitRequest{FromSha: cur.SHA(), IntoSha: next.SHA(), Changes: changes})
		assert.ErrorIs(t, err, errors.ErrIntegrity)
	})

	t.Run("accepted", func(t *testing.T) {
		res, err := c.Commit(ctx, &shared.CommitRequest{
			FromSha: cur.SHA(), IntoSha: next.SHA(), Changes: changes,
			Blobs: map[string][]byte{h: body},
		})
		require.NoError(t, err)
		assert.Equal(t, next.SHA(), res.Sha)

		log, err := c.Commits(ctx)
		require.NoError(t, err)
		require.Len(t, log, 1)
		assert.Equal(t, "ana", log[0].Author)
	})

	t.Run("stale base gets current sha", func(t *testing.T) {
		res, err := c.Commit(ctx, &shared.CommitRequest{
			FromSha: cur.SHA(), IntoSha: next.SHA(), Changes: changes,
			Blobs: map[string][]byte{h: body},
		})
		require.NoError(t, err)
		assert.Equal(t, next.SHA(), res.Sha)
		log, err := c.Commits(ctx)
		require.NoError(t, err)
		assert.Len(t, log, 1)
	})
}

func TestPipelineOverHTTP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Secret: secret})
	remote := source.NewRemote(f.client(t, "ana"))

	parser := index.Parser{
		Layout: entry.NewLayout(config.ContentConfig{Workspaces: map[string]config.WorkspaceConfig{
			"main": {Roots: map[string]config.RootConfig{"pages": {}}},
		}}),
		Registry: entry.DefaultRegistry(),
	}
	st := index.NewStore(parser, nil)
	_, err := st.Sync(ctx, remote)
	require.NoError(t, err)
	require.True(t, st.Current().Has("home"))

	events, err := f.client(t, "ana").Subscribe(ctx)
	require.NoError(t, err)

	p := commit.NewPipeline(st, parser, remote, syncer.NewThrottle(st.SyncFunc(remote), nil),
		commit.WithPolicy(policy.AllowAll))
	res, err := p.Commit(ctx,
		mutation.Mutation{Kind: mutation.KindUpdate, EntryID: "home", Data: map[string]any{"title": "Welcome"}},
		mutation.Mutation{Kind: mutation.KindPublish, EntryID: "home"},
	)
	require.NoError(t, err)
	require.True(t, res.Accepted(), "state %s", res.State)

	hostedTree, err := f.hosted.GetTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostedTree.SHA(), res.Sha)

	select {
	case ev := <-events:
		assert.Equal(t, res.Sha, ev.Sha)
	case <-time.After(2 * time.Second):
		t.Fatal("no event over websocket")
	}
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, Options{RPS: 0.001, Burst: 1})
	get := func() int {
		resp, err := http.Post(f.server.URL+"/api/blobs", "application/json", bytes.NewReader([]byte(`{}`)))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusBadRequest, get())
	assert.Equal(t, http.StatusTooManyRequests, get())
}
