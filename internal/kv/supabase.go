package kv

import (
	"context"
	"encoding/json"
	"fmt"

	supa "github.com/supabase-community/supabase-go"
)

// table is the Postgrest table backing the KV store:
// create table graph_kv (key text primary key, value jsonb not null).
const table = "graph_kv"

type row struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Supabase adapts the Postgrest table access of supabase-community/
// supabase-go into the Store contract, superseding the teacher's
// Storage.UploadFile blob-storage use of the same client.
type Supabase struct {
	client *supa.Client
}

// SupabaseConfig names the remote project this Store talks to.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
}

// NewSupabase constructs a Supabase-backed Store. Unlike the teacher's
// Storage.New, construction failures are returned rather than panicked.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	client, err := supa.NewClient(cfg.URL, cfg.ServiceRoleKey, &supa.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("kv: failed to create supabase client: %w", err)
	}
	return &Supabase{client: client}, nil
}

func (s *Supabase) Get(_ context.Context, key string) ([]byte, error) {
	var rows []row
	data, _, err := s.client.From(table).
		Select("key,value", "", false).
		Eq("key", key).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("kv: select %q: %w", key, err)
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("kv: decode select result for %q: %w", key, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].Value, nil
}

func (s *Supabase) Set(_ context.Context, key string, value []byte) error {
	payload := row{Key: key, Value: value}
	_, _, err := s.client.From(table).
		Upsert(payload, "key", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("kv: upsert %q: %w", key, err)
	}
	return nil
}

func (s *Supabase) Delete(_ context.Context, key string) error {
	_, _, err := s.client.From(table).
		Delete("", "").
		Eq("key", key).
		Execute()
	if err != nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}
