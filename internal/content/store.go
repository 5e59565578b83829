// internal/content/store.go
package content

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"quire/internal/storage"
	"quire/shared/utils"
)

// MemoryStore keeps blobs in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Store(_ context.Context, data []byte) (string, error) {
	hash := utils.HashContent(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[hash]; !ok {
		s.blobs[hash] = append([]byte{}, data...)
	}
	return hash, nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, ErrContentNotFound
	}
	return data, nil
}

func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

// KVStore keeps blobs under "blob:<hash>" keys of a storage.KV.
type KVStore struct {
	kv storage.KV
}

func NewKVStore(kv storage.KV) *KVStore {
	return &KVStore{kv: kv}
}

func blobKey(hash string) string {
	return "blob:" + hash
}

func (s *KVStore) Store(ctx context.Context, data []byte) (string, error) {
	if data == nil {
		data = []byte{}
	}
	hash := utils.HashContent(data)
	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return "", err
	}
	if exists {
		return hash, nil
	}
	if err := s.kv.Set(ctx, blobKey(hash), data); err != nil {
		return "", fmt.Errorf("storing blob %s: %w", hash, err)
	}
	return hash, nil
}

func (s *KVStore) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.kv.Get(ctx, blobKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	return data, nil
}

func (s *KVStore) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.kv.Get(ctx, blobKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
