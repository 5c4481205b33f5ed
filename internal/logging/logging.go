// Package logging wires up the process root logger and the per-node
// bounded log surface required by spec §7 ("each node provides a
// bounded log surface (last 100 entries) and a status port").
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

const ringCapacity = 100

// Entry is one captured log line, as surfaced to a node's log output.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Root builds the process-wide slog.Logger, writing text-formatted
// records to stdout.
func Root() *slog.Logger {
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}

// Ring is a bounded, thread-safe ring buffer of the last ringCapacity
// log entries for one graph node.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRing constructs an empty Ring.
func NewRing() *Ring { return &Ring{} }

// Entries returns a snapshot of the buffered entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Ring) push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > ringCapacity {
		r.entries = r.entries[len(r.entries)-ringCapacity:]
	}
}

// ringHandler adapts Ring to slog.Handler so it can be fanned into a
// per-node logger alongside the process root handler.
type ringHandler struct {
	ring  *Ring
	attrs []slog.Attr
}

func (h *ringHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *ringHandler) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.ring.push(Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		Attrs:   attrs,
	})
	return nil
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringHandler{ring: h.ring, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *ringHandler) WithGroup(string) slog.Handler { return h }

// NodeLogger returns a *slog.Logger scoped to nodeID: every record is
// fanned out to both root (so operators see a unified stream) and the
// returned Ring (so the node's own log surface stays bounded).
func NodeLogger(root *slog.Logger, nodeID string) (*slog.Logger, *Ring) {
	ring := NewRing()
	var rootHandler slog.Handler = slog.NewTextHandler(os.Stdout, nil)
	if root != nil {
		rootHandler = root.Handler()
	}
	fan := slogmulti.Fanout(rootHandler, &ringHandler{ring: ring})
	logger := slog.New(fan).With("node", nodeID)
	return logger, ring
}
