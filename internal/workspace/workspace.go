// Package workspace manages a working copy of hosted content: the files on
// disk, a mirror of the last pulled remote tree kept under .quire/, and the
// remote it pulls from and pushes to.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"quire/client"
	"quire/internal/commit"
	"quire/internal/config"
	"quire/internal/content"
	"quire/internal/diff"
	"quire/internal/entry"
	qerrors "quire/internal/errors"
	"quire/internal/index"
	"quire/internal/policy"
	"quire/internal/source"
	"quire/internal/storage"
	"quire/internal/syncer"
	"quire/internal/tree"
	shared "quire/shared/types"
)

const Dir = ".quire"

// Remote is what a workspace needs from the hosted side.
type Remote interface {
	source.Source
	commit.Transport
}

type Workspace struct {
	Root   string
	Config *config.Config
	Files  *source.FS
	Mirror source.Mutable
	Remote Remote

	db     *badger.DB
	logger *zap.Logger
}

func configPath(root string) string {
	return filepath.Join(root, Dir, "config.json")
}

// FindRoot searches upwards from startDir for a directory holding .quire.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, Dir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.New("not inside a quire workspace")
}

// Initialize creates .quire under root with a config pointing at remoteURL.
func Initialize(root, remoteURL, token string) error {
	qdir := filepath.Join(root, Dir)
	for _, dir := range []string{qdir, filepath.Join(qdir, "db"), filepath.Join(qdir, "content")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	if _, err := os.Stat(configPath(root)); err == nil {
		return fmt.Errorf("%s is already a workspace", root)
	}

	cfg := config.Default()
	cfg.Remote.URL = remoteURL
	cfg.Remote.Token = token
	cfg.Storage.Type = "badger"
	cfg.Storage.Path = filepath.Join(Dir, "db")
	cfg.Blobs.Type = "safe"
	cfg.Blobs.Path = filepath.Join(Dir, "content")
	return cfg.Save(configPath(root))
}

// Open loads the workspace rooted at root.
func Open(root string, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.Load(configPath(root))
	if err != nil {
		return nil, fmt.Errorf("loading workspace config: %w", err)
	}

	db, err := storage.OpenBadger(filepath.Join(root, cfg.Storage.Path))
	if err != nil {
		return nil, err
	}
	blobsCfg := cfg.Blobs
	if blobsCfg.Type == "safe" && !filepath.IsAbs(blobsCfg.Path) {
		blobsCfg.Path = filepath.Join(root, blobsCfg.Path)
	}
	kv := storage.NewBadgerKV(db, "mirror")
	blobs, err := content.Open(context.Background(), blobsCfg, storage.Prefixed(kv, "blob:"), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	files, err := source.NewFSDir(root, source.WithLogger(logger.Named("files")))
	if err != nil {
		db.Close()
		return nil, err
	}

	w := New(root, cfg, files, source.NewLocal(kv, blobs), nil, logger)
	w.db = db
	if cfg.Remote.URL != "" {
		w.Remote = source.NewRemote(client.New(cfg.Remote.URL, client.WithToken(cfg.Remote.Token)))
	}
	return w, nil
}

// New assembles a workspace from parts.
func New(root string, cfg *config.Config, files *source.FS, mirror source.Mutable, remote Remote, logger *zap.Logger) *Workspace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{Root: root, Config: cfg, Files: files, Mirror: mirror, Remote: remote, logger: logger}
}

func (w *Workspace) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

func (w *Workspace) remote() (Remote, error) {
	if w.Remote == nil {
		return nil, qerrors.ValidationError("workspace has no remote configured", nil)
	}
	return w.Remote, nil
}

// Status lists working tree changes against the mirror.
func (w *Workspace) Status(ctx context.Context) (tree.Changeset, error) {
	mirrorTree, err := w.Mirror.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	filesTree, err := w.Files.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	return mirrorTree.Diff(filesTree), nil
}

// Diff renders the line diffs behind Status.
func (w *Workspace) Diff(ctx context.Context, contextLines int) ([]diff.File, error) {
	mirrorTree, err := w.Mirror.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	filesTree, err := w.Files.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	return diff.NewEngine(contextLines).Changes(ctx, mirrorTree.Diff(filesTree), mirrorTree, w.Mirror, w.Files)
}

type PullResult struct {
	Mirror *syncer.Result
	Files  *syncer.Result
}

// Pull brings the mirror up to date with the remote, then the working tree
// up to date with the mirror. Unpushed edits block a pull unless force is
// set, in which case they are overwritten.
func (w *Workspace) Pull(ctx context.Context, force bool) (*PullResult, error) {
	remote, err := w.remote()
	if err != nil {
		return nil, err
	}
	if !force {
		dirty, err := w.Status(ctx)
		if err != nil {
			return nil, err
		}
		if !dirty.Empty() {
			return nil, qerrors.Conflict("working tree has unpushed changes", dirty.Paths())
		}
	}
	mirrored, err := syncer.SyncWith(ctx, w.Mirror, remote)
	if err != nil {
		return nil, err
	}
	written, err := syncer.SyncWith(ctx, w.Files, w.Mirror)
	if err != nil {
		return nil, err
	}
	w.logger.Info("pulled", zap.String("sha", mirrored.SHA), zap.Int("files", len(written.Changes)))
	return &PullResult{Mirror: mirrored, Files: written}, nil
}

type PushResult struct {
	State   commit.State   `json:"state"`
	FromSha string         `json:"fromSha"`
	IntoSha string         `json:"intoSha"`
	Sha     string         `json:"sha"`
	Changes tree.Changeset `json:"changes"`
}

// Push commits the working tree changes against the mirror's sha. The
// mirror is resynced from the remote afterwards whatever the outcome, so a
// conflict leaves it showing what the remote holds.
func (w *Workspace) Push(ctx context.Context, author, message string) (*PushResult, error) {
	remote, err := w.remote()
	if err != nil {
		return nil, err
	}
	mirrorTree, err := w.Mirror.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	filesTree, err := w.Files.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	res := &PushResult{
		FromSha: mirrorTree.SHA(),
		IntoSha: filesTree.SHA(),
		Changes: mirrorTree.Diff(filesTree),
	}
	if res.Changes.Empty() {
		res.State, res.Sha = commit.StateDone, res.FromSha
		return res, nil
	}
	blobs, err := source.ReadBlobs(ctx, w.Files, res.Changes.Wanted())
	if err != nil {
		return nil, err
	}

	defer func() {
		if _, err := syncer.SyncWith(context.WithoutCancel(ctx), w.Mirror, remote); err != nil {
			w.logger.Error("resyncing mirror after push", zap.Error(err))
		}
	}()

	out, err := remote.Commit(ctx, &shared.CommitRequest{
		FromSha: res.FromSha,
		IntoSha: res.IntoSha,
		Changes: res.Changes,
		Blobs:   blobs,
		Author:  author,
		Message: message,
	})
	if err != nil {
		return nil, err
	}
	res.Sha = out.Sha
	if out.Sha != res.IntoSha {
		res.State = commit.StateConflict
		w.logger.Warn("push rejected, remote moved", zap.String("sha", out.Sha))
		return res, nil
	}
	res.State = commit.StateAccepted
	// Seed the mirror so the resync does not fetch what was just sent.
	for _, data := range blobs {
		if _, err := w.Mirror.AddBlob(ctx, data); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Parser reads entries with the configured layout.
func (w *Workspace) Parser() index.Parser {
	return index.Parser{
		Layout:   entry.NewLayout(w.Config.Content),
		Registry: entry.DefaultRegistry(),
	}
}

// Index builds an entry index over the working tree.
func (w *Workspace) Index(ctx context.Context) (*index.Store, error) {
	st := index.NewStore(w.Parser(), w.logger.Named("index"))
	if _, err := st.Sync(ctx, w.Files); err != nil {
		return nil, err
	}
	return st, nil
}

// Policy builds the configured role's policy over the tags of st. An empty
// role allows everything.
func (w *Workspace) Policy(role string, st *index.Store) (*policy.Policy, error) {
	if role == "" {
		return policy.AllowAll, nil
	}
	rc, ok := w.Config.Policy.Roles[role]
	if !ok {
		return nil, qerrors.ValidationError(fmt.Sprintf("unknown role %q", role), nil)
	}
	mode, err := policy.ParseMode(w.Config.Policy.Inheritance)
	if err != nil {
		return nil, err
	}
	return policy.FromRole(rc, st.Tags, mode)
}

// Pipeline returns a mutation pipeline committing straight to the remote.
// Its index follows the remote, not the working tree.
func (w *Workspace) Pipeline(ctx context.Context, author, role string) (*commit.Pipeline, error) {
	remote, err := w.remote()
	if err != nil {
		return nil, err
	}
	parser := w.Parser()
	st := index.NewStore(parser, w.logger.Named("index"))
	throttle := syncer.NewThrottle(st.SyncFunc(remote), w.logger.Named("sync"))
	if _, err := throttle.SyncNow(ctx); err != nil {
		return nil, err
	}
	p, err := w.Policy(role, st)
	if err != nil {
		return nil, err
	}
	return commit.NewPipeline(st, parser, remote, throttle,
		commit.WithPolicy(p),
		commit.WithAuthor(author),
		commit.WithLogger(w.logger.Named("commit")),
	), nil
}

// Export snapshots the working tree.
func (w *Workspace) Export(ctx context.Context) (*source.Snapshot, error) {
	return source.Export(ctx, w.Files)
}

// Import replaces the working tree with a snapshot.
func (w *Workspace) Import(ctx context.Context, snap *source.Snapshot) (*syncer.Result, error) {
	mem, err := source.Import(ctx, snap)
	if err != nil {
		return nil, err
	}
	return syncer.SyncWith(ctx, w.Files, mem)
}
