package router

import (
	"testing"

	"github.com/robit-man/voice-llm-interaction-graph/internal/portaddr"
)

func addr(t *testing.T, node string, dir portaddr.Direction, port string) portaddr.Address {
	t.Helper()
	a, err := portaddr.New(node, dir, port)
	if err != nil {
		t.Fatalf("portaddr.New: %v", err)
	}
	return a
}

func TestSendFromDeliversToWiredInput(t *testing.T) {
	r := New(nil)
	a := addr(t, "A", portaddr.Out, "x")
	b := addr(t, "B", portaddr.In, "y")

	var got any
	r.Register(b, func(payload any) { got = payload })
	if err := r.AddWire(a, b); err != nil {
		t.Fatalf("AddWire: %v", err)
	}

	r.SendFrom("A", "x", "hello")
	if got != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSendFromToUnregisteredIsNoop(t *testing.T) {
	r := New(nil)
	a := addr(t, "A", portaddr.Out, "x")
	b := addr(t, "B", portaddr.In, "y")
	if err := r.AddWire(a, b); err != nil {
		t.Fatalf("AddWire: %v", err)
	}
	// no panic, no handler registered
	r.SendFrom("A", "x", "hello")
}

func TestAddWireExclusivityReplaces(t *testing.T) {
	r := New(nil)
	a1 := addr(t, "A", portaddr.Out, "x")
	a2 := addr(t, "A2", portaddr.Out, "x")
	b := addr(t, "B", portaddr.In, "y")

	var removed *Wire
	r.OnWireRemoved = func(w Wire) { removed = &w }

	var got any
	r.Register(b, func(p any) { got = p })

	if err := r.AddWire(a1, b); err != nil {
		t.Fatalf("AddWire1: %v", err)
	}
	if err := r.AddWire(a2, b); err != nil {
		t.Fatalf("AddWire2: %v", err)
	}
	if removed == nil || removed.From != a1 {
		t.Fatalf("expected wire-removed event for a1, got %v", removed)
	}

	r.SendFrom("A", "x", "ignored")
	if got != nil {
		t.Fatalf("A should no longer reach B:in:y, got %v", got)
	}
	r.SendFrom("A2", "x", "accepted")
	if got != "accepted" {
		t.Fatalf("got %v", got)
	}
}

func TestAddWireIdempotent(t *testing.T) {
	r := New(nil)
	a := addr(t, "A", portaddr.Out, "x")
	b := addr(t, "B", portaddr.In, "y")
	called := false
	r.OnWireRemoved = func(w Wire) { called = true }
	if err := r.AddWire(a, b); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := r.AddWire(a, b); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if called {
		t.Fatalf("identical re-add must not fire wire-removed")
	}
	if len(r.ListWires()) != 1 {
		t.Fatalf("expected exactly one wire")
	}
}

func TestSelfLoopRejected(t *testing.T) {
	r := New(nil)
	a := addr(t, "A", portaddr.Out, "x")
	b := addr(t, "A", portaddr.In, "y")
	if err := r.AddWire(a, b); err == nil {
		t.Fatalf("expected self-loop error")
	}
}

func TestHandlerPanicDoesNotAbortDelivery(t *testing.T) {
	r := New(nil)
	a := addr(t, "A", portaddr.Out, "x")
	b1 := addr(t, "B1", portaddr.In, "y")
	b2 := addr(t, "B2", portaddr.In, "y")

	r.Register(b1, func(p any) { panic("boom") })
	var got any
	r.Register(b2, func(p any) { got = p })

	if err := r.AddWire(a, b1); err != nil {
		t.Fatalf("AddWire b1: %v", err)
	}
	if err := r.AddWire(a, b2); err != nil {
		t.Fatalf("AddWire b2: %v", err)
	}

	r.SendFrom("A", "x", "hi")
	if got != "hi" {
		t.Fatalf("expected B2 to still receive delivery, got %v", got)
	}
}

func TestSendFromSnapshotDuringMutation(t *testing.T) {
	r := New(nil)
	a := addr(t, "A", portaddr.Out, "x")
	b := addr(t, "B", portaddr.In, "y")
	c := addr(t, "C", portaddr.In, "z")

	var calls []string
	r.Register(b, func(p any) {
		calls = append(calls, "b")
		// mutate wires mid-delivery; must not affect this SendFrom call
		_ = r.AddWire(a, c)
	})
	r.Register(c, func(p any) { calls = append(calls, "c") })

	if err := r.AddWire(a, b); err != nil {
		t.Fatalf("AddWire: %v", err)
	}
	r.SendFrom("A", "x", "hi")
	if len(calls) != 1 || calls[0] != "b" {
		t.Fatalf("expected only b delivered on this call, got %v", calls)
	}
}
