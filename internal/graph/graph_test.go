package graph

import (
	"context"
	"testing"

	"github.com/robit-man/voice-llm-interaction-graph/internal/config"
)

func newTestGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := New(context.Background(), config.Config{KVBackend: "memory"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestGraphIDIsStableAcrossCalls(t *testing.T) {
	g := newTestGraph(t)
	id1, err := g.GraphID()
	if err != nil {
		t.Fatalf("GraphID: %v", err)
	}
	id2, err := g.GraphID()
	if err != nil {
		t.Fatalf("GraphID: %v", err)
	}
	if id1 == "" || id1 != id2 {
		t.Fatalf("expected stable non-empty graphId, got %q then %q", id1, id2)
	}
}

func TestWireAndUnwirePersist(t *testing.T) {
	g := newTestGraph(t)
	if err := g.AddLLMNode(context.Background(), "llm-a", nil); err != nil {
		t.Fatalf("AddLLMNode: %v", err)
	}
	if err := g.AddTTSNode(context.Background(), "tts-a", nil, nil); err != nil {
		t.Fatalf("AddTTSNode: %v", err)
	}
	if err := g.Wire(context.Background(), "llm-a:out:final", "tts-a:in:text"); err != nil {
		t.Fatalf("Wire: %v", err)
	}
	if len(g.Wires.ListWires()) != 1 {
		t.Fatalf("expected 1 wire, got %d", len(g.Wires.ListWires()))
	}

	if err := g.Unwire(context.Background(), "llm-a:out:final", "tts-a:in:text"); err != nil {
		t.Fatalf("Unwire: %v", err)
	}
	if len(g.Wires.ListWires()) != 0 {
		t.Fatalf("expected wire removed, got %d", len(g.Wires.ListWires()))
	}
}

func TestInjectRequiresRegisteredNode(t *testing.T) {
	g := newTestGraph(t)
	if err := g.Inject("missing", "text", "hi"); err == nil {
		t.Fatalf("expected error injecting into an unregistered node")
	}
	if err := g.AddTTSNode(context.Background(), "tts-a", nil, nil); err != nil {
		t.Fatalf("AddTTSNode: %v", err)
	}
	if err := g.Inject("tts-a", "text", ""); err != nil {
		t.Fatalf("Inject: %v", err)
	}
}

func TestRemoveNodeErasesRecord(t *testing.T) {
	g := newTestGraph(t)
	if err := g.AddLLMNode(context.Background(), "llm-a", nil); err != nil {
		t.Fatalf("AddLLMNode: %v", err)
	}
	if err := g.RemoveNode(context.Background(), "llm-a"); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if _, err := g.Store.Load(context.Background(), "llm-a"); err == nil {
		t.Fatalf("expected node record erased")
	}
}

func TestEnsurePeerNodeRegistersWithController(t *testing.T) {
	g := newTestGraph(t)
	if err := g.EnsurePeerNode(context.Background(), "peer-a", []string{"addr1"}, true); err != nil {
		t.Fatalf("EnsurePeerNode: %v", err)
	}
	if err := g.Peer.RequestPeer(context.Background(), "peer-a", "addr1"); err != nil {
		t.Fatalf("RequestPeer: %v", err)
	}
}
