package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Entity represents any storable entity with an ID
type Entity interface {
	GetID() string
}

// EntityStore keeps JSON-encoded entities under a prefix of a KV.
type EntityStore struct {
	kv     KV
	prefix string
}

func NewEntityStore(kv KV, prefix string) *EntityStore {
	return &EntityStore{kv: kv, prefix: prefix}
}

func (s *EntityStore) makeKey(id string) string {
	return fmt.Sprintf("%s:%s", s.prefix, id)
}

func (s *EntityStore) Create(ctx context.Context, entity Entity) error {
	if entity.GetID() == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	if _, err := s.kv.Get(ctx, s.makeKey(entity.GetID())); err == nil {
		return fmt.Errorf("entity already exists: %s", entity.GetID())
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.put(ctx, entity)
}

func (s *EntityStore) Get(ctx context.Context, id string, entity Entity) error {
	data, err := s.kv.Get(ctx, s.makeKey(id))
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("entity not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, entity)
}

func (s *EntityStore) Update(ctx context.Context, entity Entity) error {
	if _, err := s.kv.Get(ctx, s.makeKey(entity.GetID())); errors.Is(err, ErrNotFound) {
		return fmt.Errorf("entity not found: %s: %w", entity.GetID(), ErrNotFound)
	} else if err != nil {
		return err
	}
	return s.put(ctx, entity)
}

func (s *EntityStore) Delete(ctx context.Context, id string) error {
	if _, err := s.kv.Get(ctx, s.makeKey(id)); errors.Is(err, ErrNotFound) {
		return fmt.Errorf("entity not found: %s: %w", id, ErrNotFound)
	} else if err != nil {
		return err
	}
	return s.kv.Delete(ctx, s.makeKey(id))
}

// List decodes every entity into results, which must point to a slice.
func (s *EntityStore) List(ctx context.Context, results interface{}) error {
	var values []json.RawMessage
	err := s.kv.Scan(ctx, s.prefix+":", func(_ string, val []byte) error {
		values = append(values, val)
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing entities: %w", err)
	}

	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, results)
}

func (s *EntityStore) put(ctx context.Context, entity Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}
	return s.kv.Set(ctx, s.makeKey(entity.GetID()), data)
}
