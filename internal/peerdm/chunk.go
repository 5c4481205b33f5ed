package peerdm

import (
	"encoding/json"
	"sync"
)

const (
	defaultChunkBytes = 1800
	minChunkBytes      = 512
)

// SplitForEnvelope splits text into data envelopes whose JSON-encoded
// size each fits within chunkBytes, adaptively shrinking the limit by
// 0.8x on overflow (§4.9 "Chunked data").
func SplitForEnvelope(text, id, from, componentID, graphID string, ts int64, chunkBytes int) []WireEnvelope {
	if chunkBytes < minChunkBytes {
		chunkBytes = minChunkBytes
	}
	limit := chunkBytes

	for {
		guess := limit - 200
		if guess < 64 {
			guess = 64
		}
		parts := splitByRuneBudget(text, guess)
		envs := buildEnvelopes(parts, id, from, componentID, graphID, ts)
		if fitsWithin(envs, limit) {
			return envs
		}
		next := int(float64(limit) * 0.8)
		if next < minChunkBytes || next >= limit {
			return []WireEnvelope{NewData(id, 1, 1, text, from, componentID, graphID, ts)}
		}
		limit = next
	}
}

func splitByRuneBudget(text string, budget int) []string {
	if text == "" {
		return []string{""}
	}
	var parts []string
	runes := []rune(text)
	start := 0
	for start < len(runes) {
		end := start
		size := 0
		for end < len(runes) {
			rs := len(string(runes[end]))
			if size+rs > budget && end > start {
				break
			}
			size += rs
			end++
		}
		parts = append(parts, string(runes[start:end]))
		start = end
	}
	return parts
}

func buildEnvelopes(parts []string, id, from, componentID, graphID string, ts int64) []WireEnvelope {
	total := len(parts)
	envs := make([]WireEnvelope, total)
	for i, p := range parts {
		envs[i] = NewData(id, i+1, total, p, from, componentID, graphID, ts)
	}
	return envs
}

func fitsWithin(envs []WireEnvelope, limit int) bool {
	for _, e := range envs {
		b, err := json.Marshal(e)
		if err != nil || len(b) > limit {
			return false
		}
	}
	return true
}

// Inbox reassembles chunked data envelopes by batch id, grounded on
// §4.9's "accumulate parts into inbox[id].parts[seq-1]".
type Inbox struct {
	mu      sync.Mutex
	batches map[string]*batch
}

type batch struct {
	total int
	parts []string
	seen  []bool
	have  int
}

func NewInbox() *Inbox {
	return &Inbox{batches: map[string]*batch{}}
}

// Add records one chunk and returns the assembled text plus true once
// every slot of its batch has arrived.
func (ib *Inbox) Add(id string, seq, total int, text string) (string, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if seq < 1 || total < 1 || seq > total {
		return "", false
	}

	b, ok := ib.batches[id]
	if !ok {
		b = &batch{total: total, parts: make([]string, total), seen: make([]bool, total)}
		ib.batches[id] = b
	}
	if !b.seen[seq-1] {
		b.seen[seq-1] = true
		b.have++
	}
	b.parts[seq-1] = text

	if b.have >= b.total {
		assembled := ""
		for _, p := range b.parts {
			assembled += p
		}
		delete(ib.batches, id)
		return assembled, true
	}
	return "", false
}
