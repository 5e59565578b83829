// Package syncer moves content between sources.
package syncer

import (
	"context"
	stderrors "errors"
	"fmt"

	"quire/internal/errors"
	"quire/internal/source"
	"quire/internal/tree"
	"quire/shared/utils"
)

// Result describes one SyncWith pass.
type Result struct {
	Changes tree.Changeset
	// Fetched counts blobs transferred from the source.
	Fetched int
	SHA     string
}

// SyncWith makes target's tree equal to src's. Only blobs target lacks are
// fetched, and target's tree is replaced only after all of them are stored,
// so a failed pass leaves target as it was.
func SyncWith(ctx context.Context, target source.Mutable, src source.Source) (*Result, error) {
	current, err := target.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	next, err := source.TreeIfDifferent(ctx, src, current.SHA())
	if err != nil {
		return nil, wrapTransport("read source tree", err)
	}
	if next == nil {
		return &Result{SHA: current.SHA()}, nil
	}

	changes := current.Diff(next)
	if changes.Empty() {
		return &Result{SHA: current.SHA()}, nil
	}

	needed, err := missing(ctx, target, current, changes.Wanted())
	if err != nil {
		return nil, err
	}

	fetched := 0
	if len(needed) > 0 {
		for b, err := range src.GetBlobs(ctx, needed) {
			if err != nil {
				return nil, wrapTransport("fetch blobs", err)
			}
			h, err := target.AddBlob(ctx, b.Data)
			if err != nil {
				return nil, err
			}
			if h != b.Hash || utils.HashContent(b.Data) != b.Hash {
				return nil, errors.Integrity(fmt.Sprintf("source returned wrong content for %s", b.Hash), nil)
			}
			fetched++
		}
	}

	if err := target.UpdateTree(ctx, next); err != nil {
		return nil, err
	}
	return &Result{Changes: changes, Fetched: fetched, SHA: next.SHA()}, nil
}

// missing returns the hashes target has to fetch: wanted minus those in its
// current tree and those it reports retaining.
func missing(ctx context.Context, target source.Source, current *tree.Tree, wanted []string) ([]string, error) {
	have := current.Hashes()
	checker, _ := target.(source.BlobChecker)

	var out []string
	for _, h := range wanted {
		if _, ok := have[h]; ok {
			continue
		}
		if checker != nil {
			ok, err := checker.HasBlob(ctx, h)
			if err != nil {
				return nil, err
			}
			if ok {
				continue
			}
		}
		out = append(out, h)
	}
	return out, nil
}

// wrapTransport keeps typed errors and marks everything else as a transport
// failure.
func wrapTransport(msg string, err error) error {
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Transport(msg, err)
}
