// internal/safe/safe.go
package safe

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"quire/shared/utils"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	ErrContentNotFound = errors.New("content not found")
	ErrInvalidHash     = errors.New("invalid content hash")
)

// ContentMeta stores metadata about stored content
type ContentMeta struct {
	Hash       string    `json:"hash"`
	Size       int64     `json:"size"`
	StoredSize int64     `json:"stored_size"`
	Compressed bool      `json:"compressed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Safe is a content-addressed blob store on disk. Files live at
// root/hash[:2]/hash[2:], metadata in badger under content:<hash>. Blobs are
// never removed.
type Safe struct {
	root  string
	db    *badger.DB
	cache *lru.Cache[string, []byte]
	comp  *compressionManager
}

// Options configures Safe behavior
type Options struct {
	Root        string
	CacheSize   int
	Compression *CompressionOptions
}

func New(db *badger.DB, opts Options) (*Safe, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	compression := DefaultCompressionOptions()
	if opts.Compression != nil {
		compression = *opts.Compression
	}
	comp, err := newCompressionManager(compression)
	if err != nil {
		return nil, err
	}

	return &Safe{
		root:  opts.Root,
		db:    db,
		cache: cache,
		comp:  comp,
	}, nil
}

// Store saves content and returns its hash. Storing existing content only
// returns the hash.
func (s *Safe) Store(ctx context.Context, content []byte) (string, error) {
	if content == nil {
		content = []byte{}
	}
	hash := utils.HashContent(content)

	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		return hash, nil
	}

	stored, compressed := s.comp.compress(content)

	contentPath := s.contentPath(hash)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0755); err != nil {
		return "", fmt.Errorf("creating content directory: %w", err)
	}
	// Write then rename so a reader never sees a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(contentPath), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(stored); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing content file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing content file: %w", err)
	}
	if err := os.Rename(tmp.Name(), contentPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("placing content file: %w", err)
	}

	meta := ContentMeta{
		Hash:       hash,
		Size:       int64(len(content)),
		StoredSize: int64(len(stored)),
		Compressed: compressed,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.storeMeta(meta); err != nil {
		return "", fmt.Errorf("storing metadata: %w", err)
	}

	s.cache.Add(hash, content)
	return hash, nil
}

// Get retrieves content by hash and verifies it.
func (s *Safe) Get(_ context.Context, hash string) ([]byte, error) {
	if !isValidHash(hash) {
		return nil, ErrInvalidHash
	}
	if content, ok := s.cache.Get(hash); ok {
		return content, nil
	}

	meta, err := s.getMeta(hash)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.contentPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrContentNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}

	if meta.Compressed {
		content, err = s.comp.decompress(content)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}

	if utils.HashContent(content) != hash {
		return nil, fmt.Errorf("content hash mismatch for %s", hash)
	}

	s.cache.Add(hash, content)
	return content, nil
}

func (s *Safe) Exists(_ context.Context, hash string) (bool, error) {
	if !isValidHash(hash) {
		return false, ErrInvalidHash
	}
	if s.cache.Contains(hash) {
		return true, nil
	}

	_, err := s.getMeta(hash)
	if errors.Is(err, ErrContentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Meta returns the stored metadata for hash.
func (s *Safe) Meta(hash string) (ContentMeta, error) {
	if !isValidHash(hash) {
		return ContentMeta{}, ErrInvalidHash
	}
	return s.getMeta(hash)
}

func (s *Safe) contentPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash[2:])
}

func isValidHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func metaKey(hash string) []byte {
	return []byte(fmt.Sprintf("content:%s", hash))
}

func (s *Safe) storeMeta(meta ContentMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(meta.Hash), data)
	})
}

func (s *Safe) getMeta(hash string) (ContentMeta, error) {
	var meta ContentMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrContentNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	return meta, err
}
