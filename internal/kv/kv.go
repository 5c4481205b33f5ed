// Package kv is the key-value abstraction backing NodeStore & Config
// (C4): string keys mapping to JSON values, single-writer, read-modify-
// write for patches. Two implementations are provided: an in-memory one
// for tests and standalone runs, and one backed by Postgrest through
// supabase-community/supabase-go (repurposing the teacher's blob-upload
// client into table access).
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Store is the KV contract every component in the graph depends on.
type Store interface {
	// Get fetches the raw JSON value stored at key. Returns ErrNotFound
	// if absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value (already JSON-encoded) at key, replacing any
	// prior value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key, if present. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error
}

// GetJSON fetches key and unmarshals it into dst. Returns ErrNotFound
// if absent, leaving dst untouched.
func GetJSON(ctx context.Context, s Store, key string, dst any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// SetJSON marshals v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, raw)
}

// Memory is an in-process Store; the KV store is documented
// (spec §5) as single-writer, so a plain mutex-guarded map matches the
// resource model exactly.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
