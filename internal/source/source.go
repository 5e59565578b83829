// Package source defines the capability contract every content backend
// implements: a current tree plus blobs fetchable by hash.
package source

import (
	"context"
	"fmt"
	"iter"

	"quire/internal/errors"
	"quire/internal/tree"
)

// Blob is a content-addressed byte slice.
type Blob struct {
	Hash string
	Data []byte
}

// Source exposes a tree and its blobs.
type Source interface {
	GetTree(ctx context.Context) (*tree.Tree, error)
	// GetBlobs yields the requested blobs in any order. The sequence is lazy
	// and may be iterated more than once. A hash the source cannot provide
	// yields a NOT_FOUND error and ends the sequence.
	GetBlobs(ctx context.Context, hashes []string) iter.Seq2[Blob, error]
}

// Mutable is a source that can store blobs and replace its tree.
type Mutable interface {
	Source
	AddBlob(ctx context.Context, data []byte) (string, error)
	// UpdateTree makes t the current tree. Every hash in t must already be
	// stored.
	UpdateTree(ctx context.Context, t *tree.Tree) error
}

// ChangeDetector avoids transferring a tree the caller already has.
type ChangeDetector interface {
	// GetTreeIfDifferent returns nil when the current tree's SHA is knownSHA.
	GetTreeIfDifferent(ctx context.Context, knownSHA string) (*tree.Tree, error)
}

// BlobChecker reports blobs a source retains beyond its current tree.
type BlobChecker interface {
	HasBlob(ctx context.Context, hash string) (bool, error)
}

// Event signals that a source's tree may have changed. SHA is empty when the
// source cannot tell the new tree's SHA cheaply.
type Event struct {
	SHA   string
	Paths []string
}

// Watcher streams change events until ctx is done.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

// TreeIfDifferent uses the source's ChangeDetector when it has one and
// otherwise compares SHAs locally.
func TreeIfDifferent(ctx context.Context, src Source, knownSHA string) (*tree.Tree, error) {
	if cd, ok := src.(ChangeDetector); ok {
		return cd.GetTreeIfDifferent(ctx, knownSHA)
	}
	t, err := src.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	if knownSHA != "" && t.SHA() == knownSHA {
		return nil, nil
	}
	return t, nil
}

// ReadBlob fetches a single blob.
func ReadBlob(ctx context.Context, src Source, hash string) ([]byte, error) {
	for b, err := range src.GetBlobs(ctx, []string{hash}) {
		if err != nil {
			return nil, err
		}
		if b.Hash == hash {
			return b.Data, nil
		}
	}
	return nil, blobNotFound(hash)
}

// ReadBlobs collects the requested blobs into a map.
func ReadBlobs(ctx context.Context, src Source, hashes []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(hashes))
	for b, err := range src.GetBlobs(ctx, hashes) {
		if err != nil {
			return nil, err
		}
		out[b.Hash] = b.Data
	}
	for _, h := range hashes {
		if _, ok := out[h]; !ok {
			return nil, blobNotFound(h)
		}
	}
	return out, nil
}

func blobNotFound(hash string) error {
	return errors.NotFound(fmt.Sprintf("blob %s not found", hash))
}

// checkBlobs verifies every hash of t is either in have or reported present
// by has.
func checkBlobs(ctx context.Context, t *tree.Tree, has func(context.Context, string) (bool, error)) error {
	for h := range t.Hashes() {
		ok, err := has(ctx, h)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Integrity(fmt.Sprintf("tree references missing blob %s", h), nil)
		}
	}
	return nil
}
