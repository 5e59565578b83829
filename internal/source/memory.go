package source

import (
	"context"
	"iter"
	"sync"

	"quire/internal/tree"
	"quire/shared/utils"
)

// Memory holds a tree and its blobs in memory. It serves tests, snapshots
// and the index's staging area.
type Memory struct {
	mu    sync.RWMutex
	tree  *tree.Tree
	blobs map[string][]byte
	subs  map[chan Event]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		tree:  tree.New(),
		blobs: make(map[string][]byte),
		subs:  make(map[chan Event]struct{}),
	}
}

// NewMemoryFrom builds a source from a tree and its blobs. Blob keys are not
// trusted; every blob is rehashed.
func NewMemoryFrom(ctx context.Context, t *tree.Tree, blobs [][]byte) (*Memory, error) {
	m := NewMemory()
	for _, b := range blobs {
		if _, err := m.AddBlob(ctx, b); err != nil {
			return nil, err
		}
	}
	if err := m.UpdateTree(ctx, t); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Memory) GetTree(context.Context) (*tree.Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree, nil
}

func (m *Memory) GetTreeIfDifferent(_ context.Context, knownSHA string) (*tree.Tree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if knownSHA != "" && m.tree.SHA() == knownSHA {
		return nil, nil
	}
	return m.tree, nil
}

func (m *Memory) GetBlobs(ctx context.Context, hashes []string) iter.Seq2[Blob, error] {
	return func(yield func(Blob, error) bool) {
		for _, h := range hashes {
			if err := ctx.Err(); err != nil {
				yield(Blob{Hash: h}, err)
				return
			}
			m.mu.RLock()
			data, ok := m.blobs[h]
			m.mu.RUnlock()
			if !ok {
				yield(Blob{Hash: h}, blobNotFound(h))
				return
			}
			if !yield(Blob{Hash: h, Data: data}, nil) {
				return
			}
		}
	}
}

func (m *Memory) AddBlob(_ context.Context, data []byte) (string, error) {
	hash := utils.HashContent(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[hash]; !ok {
		m.blobs[hash] = append([]byte{}, data...)
	}
	return hash, nil
}

func (m *Memory) HasBlob(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok, nil
}

func (m *Memory) UpdateTree(ctx context.Context, t *tree.Tree) error {
	if err := checkBlobs(ctx, t, m.HasBlob); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tree.Equals(t) {
		m.tree = t
		return nil
	}
	m.tree = t
	ev := Event{SHA: t.SHA()}
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// an undelivered event is already pending
		}
	}
	return nil
}

// Watch delivers an event after every UpdateTree that changes the tree.
func (m *Memory) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
