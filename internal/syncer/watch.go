package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"quire/internal/source"
)

// Update is one pass of a watch stream.
type Update struct {
	Result *Result
	Err    error
}

// Stream delivers sync updates until Close is called or its context ends.
type Stream struct {
	C <-chan Update

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the producer and waits for it to exit. C is closed afterwards.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Watch syncs once immediately, then on every tick of interval and every
// event from src when it is a source.Watcher. A zero interval disables
// polling.
func Watch(ctx context.Context, t *Throttle, src source.Source, interval time.Duration, logger *zap.Logger) (*Stream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)

	var events <-chan source.Event
	if w, ok := src.(source.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			logger.Warn("source cannot be watched, polling only", zap.Error(err))
		} else {
			events = ch
		}
	}

	out := make(chan Update, 1)
	s := &Stream{C: out, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(out)

		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}

		pass := func() bool {
			res, err := t.Sync(ctx)
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- Update{Result: res, Err: err}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !pass() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			case _, ok := <-events:
				if !ok {
					events = nil
					continue
				}
			}
			if !pass() {
				return
			}
		}
	}()
	return s, nil
}
