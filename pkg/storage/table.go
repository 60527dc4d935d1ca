package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is anything stored in a Table.
type Record interface {
	Key() string
}

// PersistenceDAO is the point read / upsert contract the merge workers need.
type PersistenceDAO[T any] interface {
	Get(ctx context.Context, id string) (T, error)
	Upsert(ctx context.Context, rec T) error
}

// Table stores records of one type, JSON-encoded, in a keyspace.
// T is normally a pointer type such as *model.Metric.
type Table[T Record] struct {
	name string
	kv   KV
}

// NewTable binds a typed table to kv.
func NewTable[T Record](name string, kv KV) *Table[T] {
	return &Table[T]{name: name, kv: kv}
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// Get returns the record stored under id, or ErrNotFound.
func (t *Table[T]) Get(ctx context.Context, id string) (T, error) {
	var rec T
	data, err := t.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return rec, err
		}
		return rec, fmt.Errorf("%s: get %s: %w", t.name, id, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%s: decode %s: %w", t.name, id, err)
	}
	return rec, nil
}

// Upsert writes rec under its key, replacing any stored value. Writing the
// same record twice leaves the same state as writing it once.
func (t *Table[T]) Upsert(ctx context.Context, rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: encode %s: %w", t.name, rec.Key(), err)
	}
	if err := t.kv.Set(ctx, rec.Key(), data); err != nil {
		return fmt.Errorf("%s: upsert %s: %w", t.name, rec.Key(), err)
	}
	return nil
}

// Delete removes the record stored under id.
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	return t.kv.Delete(ctx, id)
}

// Scan decodes every record whose key starts with prefix and passes it to fn
// until fn returns false.
func (t *Table[T]) Scan(ctx context.Context, prefix string, fn func(T) bool) error {
	return t.kv.Scan(ctx, prefix, func(key string, value []byte) (bool, error) {
		var rec T
		if err := json.Unmarshal(value, &rec); err != nil {
			return false, fmt.Errorf("%s: decode %s: %w", t.name, key, err)
		}
		return fn(rec), nil
	})
}

// List returns every record accepted by keep, stopping after limit matches
// (0 = no limit).
func (t *Table[T]) List(ctx context.Context, prefix string, keep func(T) bool, limit int) ([]T, error) {
	var out []T
	err := t.Scan(ctx, prefix, func(rec T) bool {
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}
