// Package graph assembles C1-C9 into one running dataflow graph: the
// NodeStore-backed node set, the Router wiring them together, the
// shared TransportMux/relay client, and the PeerDM controller, per
// spec.md §5 ("one process hosts one graph; NodeStore, Router,
// TransportMux, and the relay client are process-wide resources; every
// other component is instantiated per node").
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robit-man/voice-llm-interaction-graph/internal/asr"
	"github.com/robit-man/voice-llm-interaction-graph/internal/config"
	"github.com/robit-man/voice-llm-interaction-graph/internal/kv"
	"github.com/robit-man/voice-llm-interaction-graph/internal/llmctl"
	"github.com/robit-man/voice-llm-interaction-graph/internal/logging"
	"github.com/robit-man/voice-llm-interaction-graph/internal/nodestore"
	"github.com/robit-man/voice-llm-interaction-graph/internal/peerdm"
	"github.com/robit-man/voice-llm-interaction-graph/internal/portaddr"
	"github.com/robit-man/voice-llm-interaction-graph/internal/router"
	"github.com/robit-man/voice-llm-interaction-graph/internal/transportmux"
	"github.com/robit-man/voice-llm-interaction-graph/internal/ttsctl"
)

// Graph is the process's single running instance of the node graph.
type Graph struct {
	cfg   config.Config
	log   *slog.Logger
	Store *nodestore.Store
	Mux   *transportmux.Mux
	Wires *router.Router
	Peer  *peerdm.Controller

	mu      sync.Mutex
	asr     map[string]*asrNode
	llm     map[string]*llmctl.Controller
	tts     map[string]*ttsctl.Controller
	logs    map[string]*logging.Ring
	loggers map[string]*slog.Logger
}

type asrNode struct {
	ctrl   *asr.Controller
	cancel context.CancelFunc
}

// relaySender adapts transportmux.Mux's relay client to peerdm.Sender.
type relaySender struct{ mux *transportmux.Mux }

func (s relaySender) Send(ctx context.Context, dest string, payload []byte) error {
	client, err := s.mux.EnsureRelay(ctx)
	if err != nil {
		return err
	}
	return client.Send(ctx, dest, payload)
}

// New builds the KV backend, NodeStore, Router, TransportMux, and
// PeerDM controller, restoring persisted wires from the graph config.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*Graph, error) {
	if log == nil {
		log = logging.Root()
	}

	store, err := buildKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("graph: kv backend: %w", err)
	}

	ns := nodestore.New(store)
	gcfg, err := ns.LoadGraphConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: load graph config: %w", err)
	}
	if cfg.TransportMode != "" && gcfg.Transport != cfg.TransportMode {
		gcfg.Transport = cfg.TransportMode
		if err := ns.SaveGraphConfig(ctx, gcfg); err != nil {
			return nil, fmt.Errorf("graph: persist transport mode: %w", err)
		}
	}

	mux := transportmux.New(store, "graph-"+gcfg.GraphID)
	wires := router.New(log)

	g := &Graph{
		cfg: cfg, log: log, Store: ns, Mux: mux, Wires: wires,
		asr: make(map[string]*asrNode), llm: make(map[string]*llmctl.Controller), tts: make(map[string]*ttsctl.Controller),
		logs: make(map[string]*logging.Ring), loggers: make(map[string]*slog.Logger),
	}

	peerPorts := peerdm.Ports{
		Incoming: func(nodeID, text string, meta map[string]any) { wires.SendFrom(nodeID, "incoming", text) },
		Status: func(nodeID, level, code, peer string) {
			g.nodeLogger(nodeID).Info("peerdm: status", "level", level, "code", code, "peer", peer)
		},
		Raw: func(nodeID, text, pretty string) { wires.SendFrom(nodeID, "raw", pretty) },
	}
	g.Peer = peerdm.New(relaySender{mux: mux}, "graph-"+gcfg.GraphID, peerdm.Config{
		GraphID: gcfg.GraphID, HeartbeatIntervalSec: cfg.PeerHeartbeatInterval,
	}, peerPorts, log)

	for _, w := range gcfg.Wires {
		from, err1 := portaddr.Parse(w.From)
		to, err2 := portaddr.Parse(w.To)
		if err1 != nil || err2 != nil {
			log.Warn("graph: dropping malformed persisted wire", "from", w.From, "to", w.To)
			continue
		}
		if err := wires.AddWire(from, to); err != nil {
			log.Warn("graph: dropping invalid persisted wire", "err", err)
		}
	}

	return g, nil
}

func buildKV(cfg config.Config) (kv.Store, error) {
	if cfg.KVBackend == "supabase" {
		return kv.NewSupabase(kv.SupabaseConfig{URL: cfg.SupabaseURL, ServiceRoleKey: cfg.SupabaseServiceRoleKey})
	}
	return kv.NewMemory(), nil
}

// nodeLogger returns the bounded per-node logger for id (§7: "each node
// provides a bounded log surface (last 100 entries) and a status port"),
// creating it on first use and caching it so later calls share the same
// ring.
func (g *Graph) nodeLogger(id string) *slog.Logger {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.loggers[id]; ok {
		return l
	}
	logger, ring := logging.NodeLogger(g.log, id)
	g.loggers[id] = logger
	g.logs[id] = ring
	return logger
}

// NodeLogs returns the last 100 log entries captured for id, oldest
// first. Returns nil if no logger was ever created for id; a node with
// a logger but no entries yet gets an empty slice.
func (g *Graph) NodeLogs(id string) []logging.Entry {
	g.mu.Lock()
	ring, ok := g.logs[id]
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return ring.Entries()
}

// GraphID returns the durable graph identifier (§4.4).
func (g *Graph) GraphID() (string, error) {
	gc, err := g.Store.LoadGraphConfig(context.Background())
	if err != nil {
		return "", err
	}
	return gc.GraphID, nil
}

// Wire persists and activates an edge between two port addresses.
func (g *Graph) Wire(ctx context.Context, fromStr, toStr string) error {
	from, err := portaddr.Parse(fromStr)
	if err != nil {
		return err
	}
	to, err := portaddr.Parse(toStr)
	if err != nil {
		return err
	}
	if err := g.Wires.AddWire(from, to); err != nil {
		return err
	}
	return g.persistWires(ctx)
}

// Unwire removes an edge and persists the result.
func (g *Graph) Unwire(ctx context.Context, fromStr, toStr string) error {
	from, err := portaddr.Parse(fromStr)
	if err != nil {
		return err
	}
	to, err := portaddr.Parse(toStr)
	if err != nil {
		return err
	}
	g.Wires.RemoveWire(from, to)
	return g.persistWires(ctx)
}

func (g *Graph) persistWires(ctx context.Context) error {
	gc, err := g.Store.LoadGraphConfig(ctx)
	if err != nil {
		return err
	}
	wires := g.Wires.ListWires()
	recs := make([]nodestore.WireRecord, 0, len(wires))
	for _, w := range wires {
		recs = append(recs, nodestore.WireRecord{From: w.From.String(), To: w.To.String()})
	}
	gc.Wires = recs
	return g.Store.SaveGraphConfig(ctx, gc)
}

// Inject delivers payload directly into a node's input port, bypassing
// the wire table — used by external sources (HTTP text input, a
// telephony bridge) that aren't themselves graph nodes.
func (g *Graph) Inject(nodeID, port string, payload any) error {
	addr, err := portaddr.New(nodeID, portaddr.In, port)
	if err != nil {
		return err
	}
	if !g.Wires.Deliver(addr, payload) {
		return fmt.Errorf("graph: no node listening on %s", addr.String())
	}
	return nil
}

// RemoveNode tears down any live controller for id and erases its record.
func (g *Graph) RemoveNode(ctx context.Context, id string) error {
	g.mu.Lock()
	if n, ok := g.asr[id]; ok {
		n.cancel()
		delete(g.asr, id)
	}
	delete(g.llm, id)
	if c, ok := g.tts[id]; ok {
		c.Close()
		delete(g.tts, id)
	}
	delete(g.logs, id)
	delete(g.loggers, id)
	g.mu.Unlock()

	g.Wires.Unregister(mustAddr(id, portaddr.In, "text"))
	g.Wires.Unregister(mustAddr(id, portaddr.In, "prompt"))
	g.Wires.Unregister(mustAddr(id, portaddr.In, "system"))
	g.Wires.Unregister(mustAddr(id, portaddr.In, "audio"))
	return g.Store.Erase(ctx, id)
}

func mustAddr(nodeID string, dir portaddr.Direction, port string) portaddr.Address {
	a, _ := portaddr.New(nodeID, dir, port)
	return a
}

func decodeConfig(raw map[string]any, dst any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
