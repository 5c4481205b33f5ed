package llmctl

import "testing"

func TestBuildMessagesWithSystemAndMemory(t *testing.T) {
	msgs := BuildMessages(BuildOptions{
		System: "be helpful", UseSystem: true,
		Memory:   []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
		MemoryOn: true, NewUser: "how are you", MaxTurns: 8,
	})
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != "system" || msgs[len(msgs)-1].Content != "how are you" {
		t.Fatalf("unexpected shape: %+v", msgs)
	}
}

func TestBuildMessagesPrunesToMaxTurns(t *testing.T) {
	memory := []Message{
		{Role: "user", Content: "turn1"}, {Role: "assistant", Content: "a1"},
		{Role: "user", Content: "turn2"}, {Role: "assistant", Content: "a2"},
	}
	msgs := BuildMessages(BuildOptions{Memory: memory, MemoryOn: true, NewUser: "turn3", MaxTurns: 2})
	users := countUserMessages(msgs)
	if users != 2 {
		t.Fatalf("expected pruning to 2 user turns, got %d: %+v", users, msgs)
	}
	if msgs[0].Content != "turn2" {
		t.Fatalf("expected oldest turn pruned first, got %+v", msgs)
	}
}

func TestBuildMessagesPreservesLeadingSystemWhilePruning(t *testing.T) {
	memory := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "turn1"}, {Role: "assistant", Content: "a1"},
		{Role: "user", Content: "turn2"}, {Role: "assistant", Content: "a2"},
	}
	msgs := BuildMessages(BuildOptions{Memory: memory, MemoryOn: true, NewUser: "turn3", MaxTurns: 1})
	if msgs[0].Role != "system" {
		t.Fatalf("expected leading system message preserved, got %+v", msgs)
	}
	if countUserMessages(msgs) != 1 {
		t.Fatalf("expected exactly 1 user turn, got %+v", msgs)
	}
}

func TestRebuildMemoryKeepsSystemUserAssistant(t *testing.T) {
	turn := []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "hi"}}
	updated := RebuildMemory(turn, "hi", "hello there", 8)
	if len(updated) != 3 {
		t.Fatalf("expected [system,user,assistant], got %+v", updated)
	}
	if updated[2].Role != "assistant" || updated[2].Content != "hello there" {
		t.Fatalf("unexpected assistant entry: %+v", updated)
	}
}

func TestRebuildMemoryOmitsEmptyAssistant(t *testing.T) {
	turn := []Message{{Role: "user", Content: "hi"}}
	updated := RebuildMemory(turn, "hi", "  ", 8)
	for _, m := range updated {
		if m.Role == "assistant" {
			t.Fatalf("expected no assistant entry for empty reply, got %+v", updated)
		}
	}
}

// TestRebuildMemoryAccumulatesAcrossTurns drives the same build-then-rebuild
// cycle HandlePrompt runs each turn and checks that memory keeps growing
// (up to MaxTurns) instead of collapsing back to a single exchange.
func TestRebuildMemoryAccumulatesAcrossTurns(t *testing.T) {
	var memory []Message
	const maxTurns = 8
	turns := []struct{ user, assistant string }{
		{"turn1", "reply1"}, {"turn2", "reply2"}, {"turn3", "reply3"},
	}
	for _, turn := range turns {
		msgs := BuildMessages(BuildOptions{Memory: memory, MemoryOn: true, NewUser: turn.user, MaxTurns: maxTurns})
		memory = RebuildMemory(msgs, turn.user, turn.assistant, maxTurns)
	}
	if got := countUserMessages(memory); got != len(turns) {
		t.Fatalf("expected %d accumulated user turns, got %d: %+v", len(turns), got, memory)
	}
	for i, turn := range turns {
		if memory[i*2].Content != turn.user || memory[i*2+1].Content != turn.assistant {
			t.Fatalf("expected turns preserved in order, got %+v", memory)
		}
	}
}

// TestRebuildMemoryPrunesOldestTurnsWhileAccumulating ensures growth still
// respects MaxTurns instead of either discarding everything or growing
// unbounded.
func TestRebuildMemoryPrunesOldestTurnsWhileAccumulating(t *testing.T) {
	var memory []Message
	const maxTurns = 2
	turns := []string{"turn1", "turn2", "turn3", "turn4"}
	for _, user := range turns {
		msgs := BuildMessages(BuildOptions{Memory: memory, MemoryOn: true, NewUser: user, MaxTurns: maxTurns})
		memory = RebuildMemory(msgs, user, "reply-"+user, maxTurns)
	}
	if got := countUserMessages(memory); got != maxTurns {
		t.Fatalf("expected pruning to %d user turns, got %d: %+v", maxTurns, got, memory)
	}
	if memory[0].Content != "turn3" {
		t.Fatalf("expected oldest turns pruned, kept most recent, got %+v", memory)
	}
}

func TestExtractDeltaPrecedence(t *testing.T) {
	text, done := extractDelta(map[string]any{
		"message": map[string]any{"content": "from message"},
		"response": "from response",
	})
	if text != "from message" || done {
		t.Fatalf("expected message.content to win, got %q done=%v", text, done)
	}

	text, _ = extractDelta(map[string]any{"response": "from response", "delta": "from delta"})
	if text != "from response" {
		t.Fatalf("expected response to beat delta, got %q", text)
	}

	text, _ = extractDelta(map[string]any{"delta": "from delta"})
	if text != "from delta" {
		t.Fatalf("expected delta fallback, got %q", text)
	}
}

func TestExtractDeltaDoneAcceptsFinalOrMessageContent(t *testing.T) {
	text, done := extractDelta(map[string]any{"done": true, "final": "the end"})
	if !done || text != "the end" {
		t.Fatalf("expected done terminal chunk from final, got %q done=%v", text, done)
	}
}

func TestStripTerminators(t *testing.T) {
	got := stripTerminators("hello</s> world<|eot_id|>")
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}
