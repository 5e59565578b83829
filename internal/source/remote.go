package source

import (
	"context"
	"fmt"
	"iter"

	lru "github.com/hashicorp/golang-lru/v2"

	"quire/client"
	"quire/internal/errors"
	"quire/internal/tree"
	"quire/shared/types"
	"quire/shared/utils"
)

const (
	blobBatchSize        = 64
	defaultBlobCacheSize = 512
)

// Remote reads a hosted content server. Its tree changes only through
// Commit.
type Remote struct {
	client *client.Client
	cache  *lru.Cache[string, []byte]
}

func NewRemote(c *client.Client) *Remote {
	cache, _ := lru.New[string, []byte](defaultBlobCacheSize)
	return &Remote{client: c, cache: cache}
}

func (r *Remote) GetTree(ctx context.Context) (*tree.Tree, error) {
	resp, err := r.client.GetTree(ctx, "")
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Tree == nil {
		return tree.New(), nil
	}
	return resp.Tree, nil
}

func (r *Remote) GetTreeIfDifferent(ctx context.Context, knownSHA string) (*tree.Tree, error) {
	resp, err := r.client.GetTree(ctx, knownSHA)
	if err != nil || resp == nil {
		return nil, err
	}
	if resp.Tree == nil {
		return tree.New(), nil
	}
	return resp.Tree, nil
}

// GetBlobs serves cached blobs first and fetches the rest in batches.
func (r *Remote) GetBlobs(ctx context.Context, hashes []string) iter.Seq2[Blob, error] {
	return func(yield func(Blob, error) bool) {
		var missing []string
		for _, h := range hashes {
			if data, ok := r.cache.Get(h); ok {
				if !yield(Blob{Hash: h, Data: data}, nil) {
					return
				}
				continue
			}
			missing = append(missing, h)
		}

		for start := 0; start < len(missing); start += blobBatchSize {
			batch := missing[start:min(start+blobBatchSize, len(missing))]
			blobs, err := r.client.GetBlobs(ctx, batch)
			if err != nil {
				yield(Blob{}, err)
				return
			}
			for _, h := range batch {
				data, ok := blobs[h]
				if !ok {
					yield(Blob{Hash: h}, blobNotFound(h))
					return
				}
				if utils.HashContent(data) != h {
					yield(Blob{Hash: h}, errors.Integrity(fmt.Sprintf("server returned wrong content for %s", h), nil))
					return
				}
				r.cache.Add(h, data)
				if !yield(Blob{Hash: h, Data: data}, nil) {
					return
				}
			}
		}
	}
}

func (r *Remote) AddBlob(ctx context.Context, data []byte) (string, error) {
	h, err := r.client.PutBlob(ctx, data)
	if err != nil {
		return "", err
	}
	if want := utils.HashContent(data); h != want {
		return "", errors.Integrity(fmt.Sprintf("server stored blob as %s, expected %s", h, want), nil)
	}
	r.cache.Add(h, data)
	return h, nil
}

func (r *Remote) Commit(ctx context.Context, req *shared.CommitRequest) (*shared.CommitResult, error) {
	return r.client.Commit(ctx, req)
}

// Watch follows the server's event stream.
func (r *Remote) Watch(ctx context.Context) (<-chan Event, error) {
	events, err := r.client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 1)
	go func() {
		defer close(out)
		for ev := range events {
			select {
			case out <- Event{SHA: ev.Sha}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
