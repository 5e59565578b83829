package content

import (
	"context"
	"fmt"

	"quire/internal/config"
	"quire/internal/safe"
	"quire/internal/storage"

	"github.com/dgraph-io/badger/v4"
)

// Open returns the blob store selected by cfg. kv backs the "kv" type and db
// holds metadata for the "safe" type; either may be nil when unused.
func Open(ctx context.Context, cfg config.BlobsConfig, kv storage.KV, db *badger.DB) (Store, error) {
	switch cfg.Type {
	case "", "kv":
		if kv == nil {
			return nil, fmt.Errorf("kv blob store needs a key/value store")
		}
		return NewKVStore(kv), nil
	case "safe":
		if db == nil {
			return nil, fmt.Errorf("safe blob store needs a badger database")
		}
		return safe.New(db, safe.Options{Root: cfg.Path, CacheSize: cfg.CacheSize})
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3.Bucket,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
			Prefix:   cfg.S3.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown blob store type %q", cfg.Type)
	}
}
