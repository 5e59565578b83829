package commit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quire/internal/errors"
	"quire/internal/source"
	"quire/internal/storage"
	"quire/internal/syncer"
	"quire/internal/tree"
	shared "quire/shared/types"
)

const journalPrefix = "commit"

// Authority is the hosted side of a commit: it owns the canonical tree and
// applies a request only when it was computed against that tree.
type Authority struct {
	mu      sync.Mutex
	target  source.Mutable
	journal *storage.EntityStore
	logger  *zap.Logger

	subsMu sync.Mutex
	subs   map[chan shared.Event]struct{}
}

// NewAuthority serves commits against target. Accepted commits are
// journaled in kv when it is not nil.
func NewAuthority(target source.Mutable, kv storage.KV, logger *zap.Logger) *Authority {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Authority{
		target: target,
		logger: logger,
		subs:   map[chan shared.Event]struct{}{},
	}
	if kv != nil {
		a.journal = storage.NewEntityStore(kv, journalPrefix)
	}
	return a
}

// Source is the canonical tree and blob store.
func (a *Authority) Source() source.Mutable {
	return a.target
}

// Commit applies req if its fromSha names the current tree. A stale request
// is not an error: the current sha comes back and the caller sees that it
// differs from its intoSha.
func (a *Authority) Commit(ctx context.Context, req *shared.CommitRequest) (*shared.CommitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.target.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	sha := cur.SHA()
	if req.FromSha != sha {
		a.logger.Warn("commit against stale tree",
			zap.String("fromSha", req.FromSha),
			zap.String("sha", sha))
		return &shared.CommitResult{Sha: sha}, nil
	}

	next, err := cur.Apply(req.Changes)
	if err != nil {
		return nil, err
	}
	if req.IntoSha != "" && next.SHA() != req.IntoSha {
		return nil, errors.ValidationError("changes do not produce intoSha", map[string]string{
			"intoSha": req.IntoSha,
			"got":     next.SHA(),
		})
	}
	for hash, data := range req.Blobs {
		got, err := a.target.AddBlob(ctx, data)
		if err != nil {
			return nil, err
		}
		if got != hash {
			return nil, errors.Integrity(fmt.Sprintf("blob %s hashes to %s", hash, got), nil)
		}
	}
	if err := a.target.UpdateTree(ctx, next); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a.record(ctx, &shared.CommitRecord{
		ID:        uuid.New().String(),
		FromSha:   sha,
		Sha:       next.SHA(),
		Changes:   len(req.Changes),
		Author:    req.Author,
		Message:   req.Message,
		CreatedAt: now,
	})
	a.publish(shared.Event{Sha: next.SHA(), At: now, Kind: "commit"})
	a.logger.Info("commit accepted",
		zap.String("fromSha", sha),
		zap.String("sha", next.SHA()),
		zap.Int("changes", len(req.Changes)),
		zap.String("author", req.Author))
	return &shared.CommitResult{Sha: next.SHA()}, nil
}

// record journals an applied commit. The tree has already moved, so a
// journal failure is logged rather than returned.
func (a *Authority) record(ctx context.Context, rec *shared.CommitRecord) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Create(ctx, rec); err != nil {
		a.logger.Error("journaling commit", zap.String("sha", rec.Sha), zap.Error(err))
	}
}

// Commits lists the journal, oldest first.
func (a *Authority) Commits(ctx context.Context) ([]*shared.CommitRecord, error) {
	if a.journal == nil {
		return nil, nil
	}
	var out []*shared.CommitRecord
	if err := a.journal.List(ctx, &out); err != nil {
		return nil, errors.Internal("listing commits", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Tree returns the current tree.
func (a *Authority) Tree(ctx context.Context) (*tree.Tree, error) {
	return a.target.GetTree(ctx)
}

// Subscribe delivers an event for every accepted commit until ctx is done.
// Slow subscribers miss events rather than stall commits.
func (a *Authority) Subscribe(ctx context.Context) <-chan shared.Event {
	ch := make(chan shared.Event, 16)
	a.subsMu.Lock()
	a.subs[ch] = struct{}{}
	a.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		a.subsMu.Lock()
		delete(a.subs, ch)
		close(ch)
		a.subsMu.Unlock()
	}()
	return ch
}

// Seed copies src into an empty target. A target that already holds a
// tree is left alone and Seed reports false.
func (a *Authority) Seed(ctx context.Context, src source.Source) (bool, error) {
	a.mu.Lock()
	cur, err := a.target.GetTree(ctx)
	if err != nil {
		a.mu.Unlock()
		return false, err
	}
	if cur.Len() > 0 {
		a.mu.Unlock()
		return false, nil
	}
	res, err := syncer.SyncWith(ctx, a.target, src)
	a.mu.Unlock()
	if err != nil {
		return false, err
	}
	a.logger.Info("seeded", zap.String("sha", res.SHA), zap.Int("paths", len(res.Changes)))
	a.Notify("seed")
	return true, nil
}

// Notify tells subscribers the tree changed outside Commit.
func (a *Authority) Notify(kind string) {
	t, err := a.target.GetTree(context.Background())
	if err != nil {
		a.logger.Error("reading tree for notification", zap.Error(err))
		return
	}
	a.publish(shared.Event{Sha: t.SHA(), At: time.Now().UTC(), Kind: kind})
}

func (a *Authority) publish(ev shared.Event) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
			a.logger.Debug("dropping event for slow subscriber", zap.String("sha", ev.Sha))
		}
	}
}
