package source

import (
	"context"
	stderrors "errors"
	"iter"
	"sync"

	"quire/internal/content"
	"quire/internal/errors"
	"quire/internal/storage"
	"quire/internal/tree"
)

const treeKey = "tree"

// Local persists its tree in a KV store and its blobs in a content store.
// It is the durable mirror a client keeps between sessions. A store that has
// never been written reads as an empty tree.
type Local struct {
	kv    storage.KV
	blobs content.Store

	mu   sync.RWMutex
	tree *tree.Tree
}

func NewLocal(kv storage.KV, blobs content.Store) *Local {
	return &Local{kv: kv, blobs: blobs}
}

func (l *Local) load(ctx context.Context) (*tree.Tree, error) {
	l.mu.RLock()
	t := l.tree
	l.mu.RUnlock()
	if t != nil {
		return t, nil
	}

	data, err := l.kv.Get(ctx, treeKey)
	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		t = tree.New()
	case err != nil:
		return nil, errors.Internal("read local tree", err)
	default:
		t, err = tree.FromJSON(data)
		if err != nil {
			return nil, errors.Integrity("stored tree is corrupt", err.Error())
		}
	}

	l.mu.Lock()
	if l.tree == nil {
		l.tree = t
	}
	t = l.tree
	l.mu.Unlock()
	return t, nil
}

func (l *Local) GetTree(ctx context.Context) (*tree.Tree, error) {
	return l.load(ctx)
}

func (l *Local) GetTreeIfDifferent(ctx context.Context, knownSHA string) (*tree.Tree, error) {
	t, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if knownSHA != "" && t.SHA() == knownSHA {
		return nil, nil
	}
	return t, nil
}

func (l *Local) GetBlobs(ctx context.Context, hashes []string) iter.Seq2[Blob, error] {
	return func(yield func(Blob, error) bool) {
		for _, h := range hashes {
			data, err := l.blobs.Get(ctx, h)
			if stderrors.Is(err, content.ErrContentNotFound) {
				yield(Blob{Hash: h}, blobNotFound(h))
				return
			}
			if err != nil {
				yield(Blob{Hash: h}, errors.Internal("read blob", err))
				return
			}
			if !yield(Blob{Hash: h, Data: data}, nil) {
				return
			}
		}
	}
}

func (l *Local) AddBlob(ctx context.Context, data []byte) (string, error) {
	h, err := l.blobs.Store(ctx, data)
	if err != nil {
		return "", errors.Internal("store blob", err)
	}
	return h, nil
}

func (l *Local) HasBlob(ctx context.Context, hash string) (bool, error) {
	return l.blobs.Exists(ctx, hash)
}

func (l *Local) UpdateTree(ctx context.Context, t *tree.Tree) error {
	if err := checkBlobs(ctx, t, l.HasBlob); err != nil {
		return err
	}
	data, err := t.MarshalJSON()
	if err != nil {
		return errors.Internal("encode tree", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.kv.Set(ctx, treeKey, data); err != nil {
		return errors.Internal("write local tree", err)
	}
	l.tree = t
	return nil
}
