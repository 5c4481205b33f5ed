// Package llmctl implements C7 LLM Controller: chat-message assembly,
// memory pruning, and streaming/non-streaming turn execution.
package llmctl

import "strings"

// Message is one chat-style entry; Role is "system", "user", or
// "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildOptions parameterizes BuildMessages (§4.7 "Message build").
type BuildOptions struct {
	System   string
	UseSystem bool
	Memory   []Message
	MemoryOn bool
	NewUser  string
	MaxTurns int
}

// BuildMessages assembles one turn's message list: optional system
// message, then stored memory (if enabled), then the new user message,
// pruned to at most MaxTurns user turns.
func BuildMessages(opts BuildOptions) []Message {
	var msgs []Message
	if opts.UseSystem && strings.TrimSpace(opts.System) != "" {
		msgs = append(msgs, Message{Role: "system", Content: opts.System})
	}
	if opts.MemoryOn {
		msgs = append(msgs, opts.Memory...)
	}
	msgs = append(msgs, Message{Role: "user", Content: opts.NewUser})

	if opts.MemoryOn {
		msgs = pruneToMaxTurns(msgs, opts.MaxTurns)
	}
	return msgs
}

// pruneToMaxTurns removes the oldest non-system user message (and its
// immediately following assistant reply, if any) until the user-message
// count is at most maxTurns.
func pruneToMaxTurns(msgs []Message, maxTurns int) []Message {
	if maxTurns <= 0 {
		return msgs
	}
	for countUserMessages(msgs) > maxTurns {
		idx := indexOfFirstUser(msgs)
		if idx == -1 {
			break
		}
		end := idx + 1
		if end < len(msgs) && msgs[end].Role == "assistant" {
			end++
		}
		msgs = append(msgs[:idx], msgs[end:]...)
	}
	return msgs
}

func countUserMessages(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == "user" {
			n++
		}
	}
	return n
}

func indexOfFirstUser(msgs []Message) int {
	for i, m := range msgs {
		if m.Role == "user" {
			return i
		}
	}
	return -1
}

// RebuildMemory implements §4.7's memory-update rule: keep the turn's
// full message list (system + prior memory + the new user message,
// exactly what was sent to the model), append the assistant reply (if
// non-empty), then prune so at most maxTurns of the most recent user
// turns remain.
func RebuildMemory(turnMessages []Message, newUser, assistantReply string, maxTurns int) []Message {
	rebuilt := make([]Message, len(turnMessages))
	copy(rebuilt, turnMessages)
	if n := len(rebuilt); n == 0 || rebuilt[n-1].Role != "user" || rebuilt[n-1].Content != newUser {
		rebuilt = append(rebuilt, Message{Role: "user", Content: newUser})
	}
	if strings.TrimSpace(assistantReply) != "" {
		rebuilt = append(rebuilt, Message{Role: "assistant", Content: assistantReply})
	}
	return pruneToMaxTurns(rebuilt, maxTurns)
}

// stripTerminators removes the literal stream terminators the spec names
// (§4.7): "</s>" and "<|eot_id|>".
func stripTerminators(s string) string {
	s = strings.ReplaceAll(s, "</s>", "")
	s = strings.ReplaceAll(s, "<|eot_id|>", "")
	return s
}

// extractDelta pulls a delta string out of a decoded NDJSON line object,
// preferring message.content, then response, then delta (§4.7).
func extractDelta(obj map[string]any) (text string, done bool) {
	if m, ok := obj["message"].(map[string]any); ok {
		if c, ok := m["content"].(string); ok && c != "" {
			text = c
		}
	}
	if text == "" {
		if r, ok := obj["response"].(string); ok {
			text = r
		}
	}
	if text == "" {
		if d, ok := obj["delta"].(string); ok {
			text = d
		}
	}

	if d, ok := obj["done"].(bool); ok && d {
		done = true
	}
	if s, ok := obj["status"].(string); ok && s == "complete" {
		done = true
	}
	if done && text == "" {
		if f, ok := obj["final"].(string); ok {
			text = f
		} else if m, ok := obj["message"].(map[string]any); ok {
			if c, ok := m["content"].(string); ok {
				text = c
			}
		}
	}
	return text, done
}
