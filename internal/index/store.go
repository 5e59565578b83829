package index

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"quire/internal/source"
	"quire/internal/syncer"
	"quire/internal/tree"
)

// Store owns the current index and the staging source it is built from.
// Sync and ApplyLocal are serialized; Current never blocks and always
// returns a complete snapshot.
type Store struct {
	parser  Parser
	logger  *zap.Logger
	staging *source.Memory

	mu      sync.Mutex
	current atomic.Pointer[Index]
}

func NewStore(p Parser, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{parser: p, logger: logger, staging: source.NewMemory()}
	s.current.Store(Empty())
	return s
}

func (s *Store) Current() *Index {
	return s.current.Load()
}

// Staging is the source the index reflects, including optimistic local
// changes.
func (s *Store) Staging() source.Source {
	return s.staging
}

// Sync pulls src into staging and updates the index from whatever staging
// now holds. Staging is diffed against the index's own tree, so changes
// from a pass whose index update failed are picked up by the next one.
func (s *Store) Sync(ctx context.Context, src source.Source) (*syncer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := syncer.SyncWith(ctx, s.staging, src)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// SyncFunc adapts Sync for a syncer.Throttle.
func (s *Store) SyncFunc(src source.Source) syncer.SyncFunc {
	return func(ctx context.Context) (*syncer.Result, error) {
		return s.Sync(ctx, src)
	}
}

// ApplyLocal applies changes optimistically. Either both staging and the
// index take the changes or neither does.
func (s *Store) ApplyLocal(ctx context.Context, changes tree.Changeset, blobs map[string][]byte) (*Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, data := range blobs {
		if _, err := s.staging.AddBlob(ctx, data); err != nil {
			return nil, err
		}
	}
	prev, err := s.staging.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	next, err := prev.Apply(changes)
	if err != nil {
		return nil, err
	}
	if err := s.staging.UpdateTree(ctx, next); err != nil {
		return nil, err
	}
	if err := s.refresh(ctx); err != nil {
		// Roll staging back so it keeps matching the index.
		if rerr := s.staging.UpdateTree(ctx, prev); rerr != nil {
			s.logger.Error("restoring staging tree", zap.Error(rerr))
		}
		return nil, err
	}
	return s.current.Load(), nil
}

func (s *Store) refresh(ctx context.Context) error {
	cur := s.current.Load()
	staged, err := s.staging.GetTree(ctx)
	if err != nil {
		return err
	}
	changes := cur.Tree().Diff(staged)
	if changes.Empty() {
		return nil
	}
	next, err := cur.Apply(ctx, s.parser, staged, changes, s.staging)
	if err != nil {
		s.logger.Warn("index update rejected, keeping previous snapshot", zap.Error(err))
		return err
	}
	for path, msg := range next.Malformed() {
		if _, known := cur.malformed[path]; !known {
			s.logger.Warn("skipping malformed file", zap.String("path", path), zap.String("error", msg))
		}
	}
	s.current.Store(next)
	s.logger.Debug("index updated", zap.String("sha", staged.SHA()), zap.Int("changes", len(changes)), zap.Int("entries", next.Len()))
	return nil
}

// Tags reads policy tags from the current snapshot.
func (s *Store) Tags(tag string) []string {
	return s.Current().Tags(tag)
}
