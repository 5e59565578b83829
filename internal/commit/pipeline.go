// Package commit moves local edits to the authority that owns the canonical
// tree: the client Pipeline plans and sends batches, the server Authority
// accepts or rejects them by comparing tree hashes.
package commit

import (
	"context"
	stderrors "errors"
	"sync"

	"go.uber.org/zap"

	"quire/internal/errors"
	"quire/internal/index"
	"quire/internal/mutation"
	"quire/internal/policy"
	"quire/internal/syncer"
	"quire/internal/tree"
	shared "quire/shared/types"
)

// Transport delivers a commit to the authority. source.Remote and Authority
// both implement it.
type Transport interface {
	Commit(ctx context.Context, req *shared.CommitRequest) (*shared.CommitResult, error)
}

// State is a step of one commit attempt.
type State string

const (
	StatePending       State = "pending"
	StateApplyingLocal State = "applying-local"
	StateSent          State = "sent"
	StateAccepted      State = "accepted"
	StateConflict      State = "conflict"
	StateDone          State = "done"
)

// Result describes one attempt. A conflict is a result, not an error.
type Result struct {
	State   State   `json:"state"`
	Trace   []State `json:"trace"`
	FromSha string  `json:"fromSha,omitempty"`
	IntoSha string  `json:"intoSha,omitempty"`

	// Sha is what the authority reported as its tree after the attempt.
	Sha     string         `json:"sha,omitempty"`
	IDs     []string       `json:"ids,omitempty"`
	Changes tree.Changeset `json:"changes,omitempty"`

	Resync    *syncer.Result `json:"-"`
	ResyncErr error          `json:"-"`
}

func (r *Result) Accepted() bool   { return r.State == StateAccepted }
func (r *Result) Conflicted() bool { return r.State == StateConflict }

func (r *Result) enter(s State, logger *zap.Logger) {
	r.Trace = append(r.Trace, s)
	if s != StateDone {
		r.State = s
	}
	logger.Debug("commit state", zap.String("state", string(s)))
}

type Option func(*Pipeline)

func WithPolicy(p *policy.Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(pl *Pipeline) { pl.logger = l }
}

// WithAuthor stamps every request with author.
func WithAuthor(author string) Option {
	return func(pl *Pipeline) { pl.author = author }
}

// Pipeline queues mutations, applies them to the local index and commits
// them to one authority. Attempts against the target never interleave.
type Pipeline struct {
	store     *index.Store
	parser    index.Parser
	transport Transport
	throttle  *syncer.Throttle
	policy    *policy.Policy
	logger    *zap.Logger
	author    string

	mu      sync.Mutex
	pending []mutation.Mutation

	commitMu sync.Mutex
}

// NewPipeline commits to transport and resyncs store through throttle after
// every attempt. Without WithPolicy nothing is permitted.
func NewPipeline(store *index.Store, parser index.Parser, transport Transport, throttle *syncer.Throttle, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		parser:    parser,
		transport: transport,
		throttle:  throttle,
		policy:    policy.AllowNone,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit validates and permission-checks muts and queues them. Either the
// whole batch is queued or none of it is.
func (p *Pipeline) Submit(muts ...mutation.Mutation) error {
	ix := p.store.Current()
	created := map[string]bool{}
	for i := range muts {
		m := &muts[i]
		if err := m.Validate(); err != nil {
			return err
		}
		for _, need := range m.Needs() {
			// Entries created earlier in the batch are the submitter's own.
			if created[need.Tag] && !ix.Has(need.Tag) {
				continue
			}
			if err := p.policy.Check(need.Permission, need.Tag); err != nil {
				return err
			}
		}
		if m.Kind == mutation.KindCreate && m.EntryID != "" {
			created[m.EntryID] = true
		}
	}

	p.mu.Lock()
	p.pending = append(p.pending, muts...)
	p.mu.Unlock()
	return nil
}

// Pending reports how many mutations are queued.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pipeline) take() []mutation.Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.pending
	p.pending = nil
	return batch
}

// requeue puts a batch that never reached the index back in front of
// anything submitted since.
func (p *Pipeline) requeue(batch []mutation.Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(batch, p.pending...)
}

// Commit submits muts and flushes them.
func (p *Pipeline) Commit(ctx context.Context, muts ...mutation.Mutation) (*Result, error) {
	if err := p.Submit(muts...); err != nil {
		return nil, err
	}
	return p.Flush(ctx)
}

// Flush commits everything queued as one batch. Once the batch reaches the
// local index a resync runs whatever happens next, so the index always ends
// up reconciled with the authority. A batch that fails before that stays
// queued.
func (p *Pipeline) Flush(ctx context.Context) (res *Result, err error) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	batch := p.take()
	res = &Result{}
	res.enter(StatePending, p.logger)
	if len(batch) == 0 {
		res.enter(StateDone, p.logger)
		return res, nil
	}

	base := p.store.Current()
	plan, err := mutation.Build(base, p.parser, batch)
	if err != nil {
		p.requeue(batch)
		return nil, err
	}
	changes, blobs := plan.Changeset()
	res.IDs = plan.IDs
	res.Changes = changes
	res.FromSha = base.Tree().SHA()
	res.IntoSha = plan.Next.SHA()
	log := p.logger.With(
		zap.Int("mutations", len(batch)),
		zap.String("fromSha", res.FromSha),
		zap.String("intoSha", res.IntoSha))
	if changes.Empty() {
		res.Sha = res.FromSha
		res.State = StateAccepted
		res.enter(StateDone, log)
		return res, nil
	}

	res.enter(StateApplyingLocal, log)
	if _, err := p.store.ApplyLocal(ctx, changes, blobs); err != nil {
		p.requeue(batch)
		return nil, err
	}

	defer func() {
		// The commit is out of our hands now; resync even if ctx was
		// cancelled while waiting on the authority.
		res.Resync, res.ResyncErr = p.throttle.SyncNow(context.WithoutCancel(ctx))
		if res.ResyncErr != nil {
			log.Error("resync after commit failed", zap.Error(res.ResyncErr))
		}
		res.enter(StateDone, log)
	}()

	res.enter(StateSent, log)
	out, err := p.transport.Commit(ctx, &shared.CommitRequest{
		FromSha: res.FromSha,
		IntoSha: res.IntoSha,
		Changes: changes,
		Blobs:   blobs,
		Author:  p.author,
	})
	if err != nil {
		log.Error("commit failed", zap.Error(err))
		var typed *errors.Error
		if !stderrors.As(err, &typed) {
			err = errors.Transport("sending commit", err)
		}
		return res, err
	}

	res.Sha = out.Sha
	if out.Sha != res.IntoSha {
		res.enter(StateConflict, log)
		log.Warn("commit conflict, resyncing", zap.String("sha", out.Sha))
		return res, nil
	}
	res.enter(StateAccepted, log)
	log.Info("commit accepted", zap.Int("changes", len(changes)))
	return res, nil
}
