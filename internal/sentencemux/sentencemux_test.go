package sentencemux

import (
	"strings"
	"testing"
	"time"
)

func TestSentenceStreamingScenario(t *testing.T) {
	m := New(50 * time.Millisecond)
	var emitted []string
	emit := func(s string) { emitted = append(emitted, s) }

	deltas := []string{"Hel", "lo wor", "ld. How", " are you?"}
	for _, d := range deltas {
		m.Push(d, emit)
	}

	if len(emitted) == 0 || emitted[0] != "Hello world." {
		t.Fatalf("expected first emission 'Hello world.', got %v", emitted)
	}

	// "How are you?" stays pending until stability timer or flush.
	time.Sleep(120 * time.Millisecond)
	found := false
	for _, s := range emitted {
		if s == "How are you?" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 'How are you?' to be emitted after stability window, got %v", emitted)
	}
}

func TestFlushEmitsPendingThenResidual(t *testing.T) {
	m := New(time.Hour) // long enough that the timer never fires in this test
	var emitted []string
	emit := func(s string) { emitted = append(emitted, s) }

	m.Push("Hello world. trailing fragment", emit)
	m.Flush(emit)

	if len(emitted) != 2 {
		t.Fatalf("expected 2 emissions, got %v", emitted)
	}
	if emitted[0] != "Hello world." {
		t.Fatalf("got %q", emitted[0])
	}
	if emitted[1] != "trailing fragment" {
		t.Fatalf("got %q", emitted[1])
	}
}

func TestPushConcatenationPreservedUpToBoundaryWhitespace(t *testing.T) {
	m := New(time.Hour)
	var emitted []string
	emit := func(s string) { emitted = append(emitted, s) }

	deltas := []string{"One. ", "Two. ", "Three"}
	for _, d := range deltas {
		m.Push(d, emit)
	}
	m.Flush(emit)

	got := strings.Join(emitted, " ")
	want := "One. Two. Three"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestParagraphBreakBoundary(t *testing.T) {
	m := New(time.Hour)
	var emitted []string
	emit := func(s string) { emitted = append(emitted, s) }
	m.Push("first paragraph\n\nsecond", emit)
	m.Flush(emit)
	if len(emitted) < 1 || emitted[0] != "first paragraph" {
		t.Fatalf("got %v", emitted)
	}
}
