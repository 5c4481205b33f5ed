// Package nodestore implements C4 NodeStore & Config: per-node
// configuration records with typed defaults, durable via the kv.Store
// abstraction, plus the graph-wide transport/wire/graphId record.
package nodestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/robit-man/voice-llm-interaction-graph/internal/kv"
)

// NodeRecord is the durable {id, type, config} triple described in §3.
type NodeRecord struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// WireRecord is the durable form of a router.Wire: string port
// addresses rather than portaddr.Address, so it round-trips through JSON
// without importing the router package.
type WireRecord struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// GraphConfig is the graph-wide record persisted at the "graph.cfg" key.
type GraphConfig struct {
	Transport string       `json:"transport"` // "http" or "relay"
	Wires     []WireRecord `json:"wires"`
	GraphID   string       `json:"graphId"`
}

func nodeKey(id string) string { return "graph.node." + id }

const graphConfigKey = "graph.cfg"

// Store is the NodeStore: node records keyed by id, each serialized
// through the injected kv.Store, with per-id read-modify-write
// serialization (spec §5: "concurrent updates to the same node id use
// read-modify-write").
type Store struct {
	kv kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a NodeStore over the given kv.Store.
func New(store kv.Store) *Store {
	return &Store{kv: store, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Defaults returns the typed default config for a node type. Unknown
// types get an empty config (the type itself still gets recorded).
func Defaults(nodeType string) map[string]any {
	switch nodeType {
	case "asr":
		return map[string]any{
			"rate":           16000,
			"chunkMs":        120,
			"phraseMin":      3,
			"phraseStableMs": 350,
			"silenceMs":      700,
			"preMs":          450,
			"holdMs":         250,
			"minTailMs":      700,
			"live":           true,
		}
	case "llm":
		return map[string]any{
			"stream":   true,
			"maxTurns": 8,
			"memoryOn": true,
			"model":    "",
			"useSystem": false,
		}
	case "tts":
		return map[string]any{
			"mode":   "stream",
			"format": "raw",
			"voice":  "",
			"model":  "",
		}
	case "textinput":
		return map[string]any{}
	case "template":
		return map[string]any{"template": ""}
	case "peerdm":
		return map[string]any{
			"autoAccept":        false,
			"heartbeatInterval": 15,
			"chunkBytes":        1800,
			"allowedPeers":      []string{},
		}
	default:
		return map[string]any{}
	}
}

// Ensure loads the record at id, creating one with type-defaults when
// absent or when the stored type doesn't match nodeType.
func (s *Store) Ensure(ctx context.Context, id, nodeType string) (*NodeRecord, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := s.loadLocked(ctx, id)
	if err == nil && rec.Type == nodeType {
		return rec, nil
	}
	if err != nil && err != kv.ErrNotFound {
		return nil, err
	}

	fresh := &NodeRecord{ID: id, Type: nodeType, Config: Defaults(nodeType)}
	if err := s.saveLocked(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Load fetches the record at id without creating it.
func (s *Store) Load(ctx context.Context, id string) (*NodeRecord, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.loadLocked(ctx, id)
}

func (s *Store) loadLocked(ctx context.Context, id string) (*NodeRecord, error) {
	var rec NodeRecord
	if err := kv.GetJSON(ctx, s.kv, nodeKey(id), &rec); err != nil {
		return nil, err
	}
	if rec.Config == nil {
		rec.Config = map[string]any{}
	}
	return &rec, nil
}

// SaveObj persists rec verbatim.
func (s *Store) SaveObj(ctx context.Context, id string, rec *NodeRecord) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.saveLocked(ctx, rec)
}

func (s *Store) saveLocked(ctx context.Context, rec *NodeRecord) error {
	return kv.SetJSON(ctx, s.kv, nodeKey(rec.ID), rec)
}

// Update performs a read-modify-write: loads id (erroring if absent),
// shallow-merges patch into its config, persists, and returns the
// updated record.
func (s *Store) Update(ctx context.Context, id string, patch map[string]any) (*NodeRecord, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	rec, err := s.loadLocked(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("nodestore: update %q: %w", id, err)
	}
	for k, v := range patch {
		rec.Config[k] = v
	}
	if err := s.saveLocked(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Erase removes the record at id.
func (s *Store) Erase(ctx context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return s.kv.Delete(ctx, nodeKey(id))
}

// SetRelay ensures a record exists for id (creating it with nodeType's
// defaults if absent) and merges relay connection info into its config
// under the "relay" key. Used by PeerDM/ASR/TTS nodes that need to
// remember which relay identity they last bound to.
func (s *Store) SetRelay(ctx context.Context, id, nodeType string, relay map[string]any) (*NodeRecord, error) {
	if _, err := s.Ensure(ctx, id, nodeType); err != nil {
		return nil, err
	}
	return s.Update(ctx, id, map[string]any{"relay": relay})
}

// LoadGraphConfig fetches the graph-wide config, generating and
// persisting a fresh graphId on first use (spec §4.4).
func (s *Store) LoadGraphConfig(ctx context.Context) (*GraphConfig, error) {
	var cfg GraphConfig
	err := kv.GetJSON(ctx, s.kv, graphConfigKey, &cfg)
	if err != nil && err != kv.ErrNotFound {
		return nil, err
	}
	if err == kv.ErrNotFound {
		cfg = GraphConfig{Transport: "http"}
	}
	if cfg.GraphID == "" {
		cfg.GraphID = uuid.NewString()
		if err := kv.SetJSON(ctx, s.kv, graphConfigKey, &cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// SaveGraphConfig persists cfg verbatim.
func (s *Store) SaveGraphConfig(ctx context.Context, cfg *GraphConfig) error {
	return kv.SetJSON(ctx, s.kv, graphConfigKey, cfg)
}
