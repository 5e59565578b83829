package safe

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"quire/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (*badger.DB, func()) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	opts.Dir = ""
	opts.ValueDir = ""

	db, err := badger.Open(opts)
	require.NoError(t, err)

	return db, func() { db.Close() }
}

func newTestSafe(t *testing.T, cacheSize int) (*Safe, func()) {
	db, cleanup := setupTestDB(t)
	s, err := New(db, Options{Root: t.TempDir(), CacheSize: cacheSize})
	require.NoError(t, err)
	return s, cleanup
}

func TestSafe(t *testing.T) {
	ctx := context.Background()

	t.Run("store and get small content", func(t *testing.T) {
		s, cleanup := newTestSafe(t, 8)
		defer cleanup()

		data := []byte(`{"_id":"home"}`)
		hash, err := s.Store(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, utils.HashContent(data), hash)

		got, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		meta, err := s.Meta(hash)
		require.NoError(t, err)
		assert.False(t, meta.Compressed)
	})

	t.Run("large content is compressed on disk", func(t *testing.T) {
		// A cache of one entry forces reads back to disk.
		s, cleanup := newTestSafe(t, 1)
		defer cleanup()

		data := bytes.Repeat([]byte("quire content block\n"), 1000)
		hash, err := s.Store(ctx, data)
		require.NoError(t, err)
		_, err = s.Store(ctx, []byte("evict"))
		require.NoError(t, err)

		meta, err := s.Meta(hash)
		require.NoError(t, err)
		assert.True(t, meta.Compressed)
		assert.Less(t, meta.StoredSize, meta.Size)

		onDisk, err := os.ReadFile(s.contentPath(hash))
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(onDisk, zstdMagic))

		got, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("storing twice is a no-op", func(t *testing.T) {
		s, cleanup := newTestSafe(t, 8)
		defer cleanup()

		var wg sync.WaitGroup
		hashes := make([]string, 8)
		for i := range hashes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				h, err := s.Store(ctx, []byte("same"))
				assert.NoError(t, err)
				hashes[i] = h
			}(i)
		}
		wg.Wait()
		for _, h := range hashes {
			assert.Equal(t, hashes[0], h)
		}
	})

	t.Run("missing and invalid hashes", func(t *testing.T) {
		s, cleanup := newTestSafe(t, 8)
		defer cleanup()

		_, err := s.Get(ctx, utils.HashContent([]byte("nothing")))
		assert.True(t, errors.Is(err, ErrContentNotFound))

		_, err = s.Get(ctx, "not-a-hash")
		assert.True(t, errors.Is(err, ErrInvalidHash))

		ok, err := s.Exists(ctx, utils.HashContent([]byte("nothing")))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("detects corruption", func(t *testing.T) {
		s, cleanup := newTestSafe(t, 1)
		defer cleanup()

		hash, err := s.Store(ctx, []byte("original"))
		require.NoError(t, err)
		_, err = s.Store(ctx, []byte("evict"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(s.contentPath(hash), []byte("tampered"), 0644))

		_, err = s.Get(ctx, hash)
		assert.Error(t, err)
	})
}

func TestNewRequiresRoot(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	_, err := New(db, Options{})
	assert.Error(t, err)
}
