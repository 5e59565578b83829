// internal/storage/badger_store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerKV stores keys in a badger database, optionally under a prefix so
// several stores can share one database.
type BadgerKV struct {
	db     *badger.DB
	prefix string
}

func NewBadgerKV(db *badger.DB, prefix string) *BadgerKV {
	return &BadgerKV{
		db:     db,
		prefix: prefix,
	}
}

// OpenBadger opens (or creates) a database at dir. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", dir, err)
	}
	return db, nil
}

func (s *BadgerKV) makeKey(key string) []byte {
	if s.prefix == "" {
		return []byte(key)
	}
	return []byte(fmt.Sprintf("%s:%s", s.prefix, key))
}

func (s *BadgerKV) stripPrefix(key []byte) string {
	if s.prefix == "" {
		return string(key)
	}
	return strings.TrimPrefix(string(key), fmt.Sprintf("%s:", s.prefix))
}

func (s *BadgerKV) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.makeKey(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *BadgerKV) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.makeKey(key), value)
	})
}

func (s *BadgerKV) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.makeKey(key))
	})
}

func (s *BadgerKV) Batch(_ context.Context, ops []Op) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			var err error
			if op.Delete {
				err = txn.Delete(s.makeKey(op.Key))
			} else {
				err = txn.Set(s.makeKey(op.Key), op.Value)
			}
			if err != nil {
				return fmt.Errorf("batch %s: %w", op.Key, err)
			}
		}
		return nil
	})
}

func (s *BadgerKV) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := s.makeKey(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(s.stripPrefix(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}
