package content

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"quire/internal/config"
	"quire/internal/storage"
	"quire/shared/utils"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	data := []byte(`{"_id":"home","title":"Home"}`)

	t.Run("store returns content hash", func(t *testing.T) {
		hash, err := s.Store(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, utils.HashContent(data), hash)

		again, err := s.Store(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, hash, again)

		got, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		ok, err := s.Exists(ctx, hash)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing", func(t *testing.T) {
		missing := utils.HashContent([]byte("never stored"))
		_, err := s.Get(ctx, missing)
		assert.True(t, errors.Is(err, ErrContentNotFound))

		ok, err := s.Exists(ctx, missing)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty blob", func(t *testing.T) {
		hash, err := s.Store(ctx, nil)
		require.NoError(t, err)
		got, err := s.Get(ctx, hash)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestKVStore(t *testing.T) {
	testStore(t, NewKVStore(storage.NewMemoryKV()))
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	s := newS3Store(fake, "content", "blobs/")
	testStore(t, s)

	t.Run("idempotent put and key layout", func(t *testing.T) {
		ctx := context.Background()
		before := fake.puts
		hash, err := s.Store(ctx, []byte("logo"))
		require.NoError(t, err)
		_, err = s.Store(ctx, []byte("logo"))
		require.NoError(t, err)
		assert.Equal(t, before+1, fake.puts)
		assert.Contains(t, fake.objects, "blobs/"+hash+".blob")
	})

	t.Run("detects corrupted objects", func(t *testing.T) {
		ctx := context.Background()
		hash := utils.HashContent([]byte("original"))
		fake.objects["blobs/"+hash+".blob"] = []byte("tampered")
		_, err := s.Get(ctx, hash)
		assert.Error(t, err)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, configFor("kv"), storage.NewMemoryKV(), nil)
	require.NoError(t, err)
	assert.IsType(t, &KVStore{}, s)

	_, err = Open(ctx, configFor("kv"), nil, nil)
	assert.Error(t, err)

	_, err = Open(ctx, configFor("safe"), nil, nil)
	assert.Error(t, err)

	_, err = Open(ctx, configFor("tape"), nil, nil)
	assert.Error(t, err)
}

func configFor(kind string) config.BlobsConfig {
	cfg := config.Default().Blobs
	cfg.Type = kind
	return cfg
}
