// Package storage provides the key/value persistence used by local sources,
// the hosted tree and the commit journal.
package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("key not found")

// Op is one write in a Batch. Delete ignores Value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// KV is an ordered byte store. Batch applies all ops atomically.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Batch(ctx context.Context, ops []Op) error
	// Scan visits keys with the given prefix in key order.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
}

// MemoryKV keeps everything in a map.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Batch(_ context.Context, ops []Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			delete(m.data, op.Key)
			continue
		}
		m.data[op.Key] = append([]byte(nil), op.Value...)
	}
	return nil
}

func (m *MemoryKV) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), m.data[k]...)
	}
	m.mu.RUnlock()

	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Prefixed namespaces every key of kv under prefix + ":".
func Prefixed(kv KV, prefix string) KV {
	return &prefixed{kv: kv, prefix: prefix + ":"}
}

type prefixed struct {
	kv     KV
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.kv.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key string, value []byte) error {
	return p.kv.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.kv.Delete(ctx, p.prefix+key)
}

func (p *prefixed) Batch(ctx context.Context, ops []Op) error {
	scoped := make([]Op, len(ops))
	for i, op := range ops {
		scoped[i] = op
		scoped[i].Key = p.prefix + op.Key
	}
	return p.kv.Batch(ctx, scoped)
}

func (p *prefixed) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	return p.kv.Scan(ctx, p.prefix+prefix, func(key string, value []byte) error {
		return fn(strings.TrimPrefix(key, p.prefix), value)
	})
}
