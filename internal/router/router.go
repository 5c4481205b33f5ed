// Package router implements the graph's typed port/wire router (C3):
// publish/subscribe of messages keyed by port addresses, with fan-out
// on outputs and exclusivity on inputs.
package router

import (
	"log/slog"
	"sync"

	"github.com/robit-man/voice-llm-interaction-graph/internal/portaddr"
)

// Handler receives a message delivered to an input port.
type Handler func(payload any)

// Wire is a directed edge from an output port to an input port.
type Wire struct {
	From portaddr.Address
	To   portaddr.Address
}

// WireRemovedFunc is invoked when addWire replaces a pre-existing wire
// feeding the same input address.
type WireRemovedFunc func(removed Wire)

// Router is the process-level port/wire resource described in §9: one
// instance per graph, injected rather than a package-level singleton.
type Router struct {
	log *slog.Logger

	mu       sync.Mutex
	handlers map[portaddr.Address]Handler
	wires    []Wire // insertion order preserved
	byInput  map[portaddr.Address]int // index into wires, for O(1) exclusivity checks

	OnWireRemoved WireRemovedFunc
}

// New constructs an empty Router.
func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		handlers: make(map[portaddr.Address]Handler),
		byInput:  make(map[portaddr.Address]int),
	}
}

// Register attaches handler to an input port address.
func (r *Router) Register(addr portaddr.Address, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[addr] = h
}

// Unregister detaches any handler for addr.
func (r *Router) Unregister(addr portaddr.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, addr)
}

// AddWire connects from -> to. Idempotent: re-adding an identical wire
// is a no-op. Adding a second wire into an already-connected input
// replaces the prior edge and fires OnWireRemoved for it.
func (r *Router) AddWire(from, to portaddr.Address) error {
	if from.Dir != portaddr.Out {
		return errInvalidDir("from", from)
	}
	if to.Dir != portaddr.In {
		return errInvalidDir("to", to)
	}
	if from.NodeID == to.NodeID {
		return errSelfLoop(from, to)
	}

	r.mu.Lock()
	var removed *Wire
	if idx, ok := r.byInput[to]; ok {
		existing := r.wires[idx]
		if existing.From == from {
			r.mu.Unlock()
			return nil // identical wire already present
		}
		old := existing
		removed = &old
		r.wires[idx] = Wire{From: from, To: to}
	} else {
		r.wires = append(r.wires, Wire{From: from, To: to})
		r.byInput[to] = len(r.wires) - 1
	}
	cb := r.OnWireRemoved
	r.mu.Unlock()

	if removed != nil && cb != nil {
		cb(*removed)
	}
	return nil
}

// RemoveWire disconnects from -> to if present.
func (r *Router) RemoveWire(from, to portaddr.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.byInput[to]
	if !ok || r.wires[idx].From != from {
		return
	}
	r.removeAt(idx)
}

// removeAt deletes wires[idx], fixing up byInput indices. Caller holds mu.
func (r *Router) removeAt(idx int) {
	removedTo := r.wires[idx].To
	r.wires = append(r.wires[:idx], r.wires[idx+1:]...)
	delete(r.byInput, removedTo)
	for addr, i := range r.byInput {
		if i > idx {
			r.byInput[addr] = i - 1
		}
	}
}

// ListWires returns a snapshot of the current wire set in insertion order.
func (r *Router) ListWires() []Wire {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Wire, len(r.wires))
	copy(out, r.wires)
	return out
}

// SendFrom delivers payload to every input wired from nodeId:out:portName,
// in wire-insertion order, against a snapshot taken at call entry so that
// concurrent wire mutation can neither skip nor duplicate delivery within
// this call. A handler delivering to an address with no registered
// handler is a silent no-op. A handler panic is caught and logged and
// does not abort delivery to the remaining subscribers.
func (r *Router) SendFrom(nodeID, portName string, payload any) {
	from, err := portaddr.New(nodeID, portaddr.Out, portName)
	if err != nil {
		r.log.Error("router: invalid source port", "err", err)
		return
	}

	r.mu.Lock()
	snapshot := make([]Wire, len(r.wires))
	copy(snapshot, r.wires)
	r.mu.Unlock()

	for _, w := range snapshot {
		if w.From != from {
			continue
		}
		r.mu.Lock()
		h, ok := r.handlers[w.To]
		r.mu.Unlock()
		if !ok {
			continue
		}
		r.dispatch(h, w.To, payload)
	}
}

// Deliver invokes the handler registered at to directly, bypassing the
// wire table. Used for external injection (an HTTP control endpoint
// feeding a textinput node, or one controller handing data straight to
// another without a persisted wire). Returns false if nothing is
// registered at to.
func (r *Router) Deliver(to portaddr.Address, payload any) bool {
	r.mu.Lock()
	h, ok := r.handlers[to]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.dispatch(h, to, payload)
	return true
}

func (r *Router) dispatch(h Handler, to portaddr.Address, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("router: handler panic", "to", to.String(), "recover", rec)
		}
	}()
	h(payload)
}

func errInvalidDir(which string, a portaddr.Address) error {
	return &InvalidDirectionError{Which: which, Addr: a}
}

func errSelfLoop(from, to portaddr.Address) error {
	return &SelfLoopError{From: from, To: to}
}

// InvalidDirectionError reports a wire endpoint with the wrong direction.
type InvalidDirectionError struct {
	Which string
	Addr  portaddr.Address
}

func (e *InvalidDirectionError) Error() string {
	return "router: " + e.Which + " port " + e.Addr.String() + " has wrong direction"
}

// SelfLoopError reports an attempt to wire a node to itself.
type SelfLoopError struct {
	From, To portaddr.Address
}

func (e *SelfLoopError) Error() string {
	return "router: self-loop not allowed: " + e.From.String() + " -> " + e.To.String()
}
