package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"quire/internal/source"
)

// SyncFunc performs one sync pass.
type SyncFunc func(ctx context.Context) (*Result, error)

// Pair returns a SyncFunc syncing target from src.
func Pair(target source.Mutable, src source.Source) SyncFunc {
	return func(ctx context.Context) (*Result, error) {
		return SyncWith(ctx, target, src)
	}
}

const syncKey = "sync"

// Throttle runs at most one sync at a time. Callers arriving while a sync is
// in flight share its result instead of queueing another pass.
type Throttle struct {
	fn     SyncFunc
	group  singleflight.Group
	logger *zap.Logger
	// runMu keeps a forced pass from overlapping the one it replaced.
	runMu sync.Mutex

	runs   atomic.Int64
	lastAt atomic.Pointer[time.Time]
}

func NewThrottle(fn SyncFunc, logger *zap.Logger) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{fn: fn, logger: logger}
}

// Sync joins the in-flight pass or starts one.
func (t *Throttle) Sync(ctx context.Context) (*Result, error) {
	v, err, shared := t.group.Do(syncKey, func() (any, error) {
		return t.run(ctx)
	})
	if shared {
		t.logger.Debug("sync coalesced")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// SyncNow starts a fresh pass even if one is in flight, since that pass may
// have read the source before the caller's change landed. The fresh pass
// waits for the in-flight one to finish.
func (t *Throttle) SyncNow(ctx context.Context) (*Result, error) {
	t.group.Forget(syncKey)
	return t.Sync(ctx)
}

func (t *Throttle) run(ctx context.Context) (*Result, error) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	start := time.Now()
	res, err := t.fn(ctx)
	t.runs.Add(1)
	if err != nil {
		t.logger.Error("sync failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return nil, err
	}
	now := time.Now()
	t.lastAt.Store(&now)
	if !res.Changes.Empty() {
		added, modified, deleted := res.Changes.Counts()
		t.logger.Info("synced",
			zap.String("sha", res.SHA),
			zap.Int("added", added),
			zap.Int("modified", modified),
			zap.Int("deleted", deleted),
			zap.Int("fetched", res.Fetched),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return res, nil
}

// Runs reports how many passes actually executed.
func (t *Throttle) Runs() int64 {
	return t.runs.Load()
}

// LastSync is the completion time of the last successful pass.
func (t *Throttle) LastSync() (time.Time, bool) {
	p := t.lastAt.Load()
	if p == nil {
		return time.Time{}, false
	}
	return *p, true
}
