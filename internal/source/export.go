package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"quire/internal/errors"
	"quire/internal/tree"
)

// Snapshot is a whole content set in one document. Blobs is the base64 of a
// JSON object mapping each hash to the blob's text.
type Snapshot struct {
	Tree  *tree.Tree `json:"tree"`
	Blobs string     `json:"blobs"`
}

// Export reads src's tree and every blob it references. Blobs must be valid
// UTF-8 since the document stores them as text.
func Export(ctx context.Context, src Source) (*Snapshot, error) {
	t, err := src.GetTree(ctx)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, t.Len())
	for h := range t.Hashes() {
		hashes = append(hashes, h)
	}
	blobs, err := ReadBlobs(ctx, src, hashes)
	if err != nil {
		return nil, err
	}

	text := make(map[string]string, len(blobs))
	for h, data := range blobs {
		if !utf8.Valid(data) {
			return nil, errors.ValidationError(fmt.Sprintf("blob %s is not valid UTF-8 and cannot be exported", h), nil)
		}
		text[h] = string(data)
	}
	raw, err := json.Marshal(text)
	if err != nil {
		return nil, errors.Internal("encode blobs", err)
	}
	return &Snapshot{Tree: t, Blobs: base64.StdEncoding.EncodeToString(raw)}, nil
}

// Import rebuilds an in-memory source from a snapshot, verifying that every
// blob matches its hash and every tree entry has a blob.
func Import(ctx context.Context, snap *Snapshot) (*Memory, error) {
	raw, err := base64.StdEncoding.DecodeString(snap.Blobs)
	if err != nil {
		return nil, errors.ValidationError("snapshot blobs are not base64", err.Error())
	}
	text := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, errors.ValidationError("snapshot blobs are not a JSON object", err.Error())
		}
	}

	m := NewMemory()
	for h, s := range text {
		got, err := m.AddBlob(ctx, []byte(s))
		if err != nil {
			return nil, err
		}
		if got != h {
			return nil, errors.Integrity(fmt.Sprintf("snapshot blob %s hashes to %s", h, got), nil)
		}
	}
	t := snap.Tree
	if t == nil {
		t = tree.New()
	}
	if err := m.UpdateTree(ctx, t); err != nil {
		return nil, err
	}
	return m, nil
}

// MarshalSnapshot and UnmarshalSnapshot move snapshots through files.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.ValidationError("invalid snapshot document", err.Error())
	}
	return &s, nil
}
