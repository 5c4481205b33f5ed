package logging

import "testing"

func TestNodeLoggerBoundsEntries(t *testing.T) {
	root := Root()
	logger, ring := NodeLogger(root, "node-1")
	for i := 0; i < ringCapacity+20; i++ {
		logger.Info("tick")
	}
	entries := ring.Entries()
	if len(entries) != ringCapacity {
		t.Fatalf("expected %d entries, got %d", ringCapacity, len(entries))
	}
}

func TestNodeLoggerCapturesAttrs(t *testing.T) {
	root := Root()
	logger, ring := NodeLogger(root, "node-2")
	logger.Warn("oops", "code", "timeout")
	entries := ring.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Attrs["code"] != "timeout" {
		t.Fatalf("expected code attr captured, got %v", entries[0].Attrs)
	}
	if entries[0].Attrs["node"] != "node-2" {
		t.Fatalf("expected node attr from With(), got %v", entries[0].Attrs)
	}
}
