// Package validation decodes and checks request payloads before they reach
// the commit authority or the blob store.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"quire/internal/errors"
	"quire/internal/tree"
	shared "quire/shared/types"
	"quire/shared/utils"
)

const (
	MaxBodySize    = 64 << 20
	MaxBlobSize    = 32 << 20
	MaxChanges     = 10000
	MaxBlobsPerReq = 1024
)

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.ValidationError("invalid request body", err.Error())
	}
	return nil
}

// DecodeCommit reads and validates a commit request.
func DecodeCommit(r *http.Request) (*shared.CommitRequest, error) {
	var req shared.CommitRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if err := ValidateCommit(r.Context(), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ValidateCommit checks shape and blob integrity. Whether the changes fit
// the current tree is the authority's call.
func ValidateCommit(ctx context.Context, req *shared.CommitRequest) error {
	if !tree.ValidHash(req.FromSha) {
		return errors.ValidationError("fromSha must be a tree sha", req.FromSha)
	}
	if !tree.ValidHash(req.IntoSha) {
		return errors.ValidationError("intoSha must be a tree sha", req.IntoSha)
	}
	if len(req.Changes) == 0 {
		return errors.ValidationError("changes are required", nil)
	}
	if len(req.Changes) > MaxChanges {
		return errors.ValidationError(fmt.Sprintf("at most %d changes per commit", MaxChanges), len(req.Changes))
	}

	seen := make(map[string]bool, len(req.Changes))
	for _, c := range req.Changes {
		if seen[c.Path] {
			return errors.ValidationError(fmt.Sprintf("path %s changes twice", c.Path), nil)
		}
		seen[c.Path] = true
		if err := tree.ValidatePath(c.Path); err != nil {
			return err
		}
		switch c.Op {
		case tree.OpAdd, tree.OpModify:
			if !tree.ValidHash(c.Hash) {
				return errors.ValidationError(fmt.Sprintf("invalid hash for %s", c.Path), c.Hash)
			}
		case tree.OpDelete:
		default:
			return errors.ValidationError(fmt.Sprintf("unknown op %q", c.Op), nil)
		}
	}
	return VerifyBlobs(ctx, req.Blobs)
}

// VerifyBlobs checks every blob hashes to its key.
func VerifyBlobs(ctx context.Context, blobs map[string][]byte) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for hash, data := range blobs {
		g.Go(func() error {
			if len(data) > MaxBlobSize {
				return errors.ValidationError(fmt.Sprintf("blob %s exceeds %d bytes", hash, MaxBlobSize), nil)
			}
			if got := utils.HashContent(data); got != hash {
				return errors.Integrity(fmt.Sprintf("blob %s hashes to %s", hash, got), nil)
			}
			return nil
		})
	}
	return g.Wait()
}

// DecodeBlobsRequest reads a list of hashes to fetch.
func DecodeBlobsRequest(r *http.Request) (*shared.BlobsRequest, error) {
	var req shared.BlobsRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if len(req.Hashes) == 0 {
		return nil, errors.ValidationError("hashes are required", nil)
	}
	if len(req.Hashes) > MaxBlobsPerReq {
		return nil, errors.ValidationError(fmt.Sprintf("at most %d hashes per request", MaxBlobsPerReq), len(req.Hashes))
	}
	for _, h := range req.Hashes {
		if !tree.ValidHash(h) {
			return nil, errors.ValidationError("invalid hash", h)
		}
	}
	return &req, nil
}

// ReadBlob reads a raw blob upload.
func ReadBlob(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBlobSize+1))
	if err != nil {
		return nil, errors.ValidationError("reading body", err.Error())
	}
	if len(data) > MaxBlobSize {
		return nil, errors.ValidationError(fmt.Sprintf("blob exceeds %d bytes", MaxBlobSize), nil)
	}
	return data, nil
}
