// Package sentencemux implements C1 TokenSentenceMux: it converts a raw
// stream of token deltas (as produced by a streaming LLM) into a
// sequence of complete sentences suitable for feeding to TTS.
package sentencemux

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

const defaultStableMs = 250 * time.Millisecond

// boundary matches the earliest sentence boundary in the unconsumed
// carry text: (a) a run of non-boundary characters (the lazy head),
// followed by one of:
//   - sentence punctuation, then optionally closing brackets/quotes,
//     then whitespace or the end of the carry (group 2/3),
//   - a paragraph break: "\n\n" or a newline then a list bullet (group 4),
//   - one or more emoji presentation characters then whitespace (group 5/6).
var boundary = regexp.MustCompile(`(?s)^(.*?)(?:([.!?;:]['"'”’)\]}»]?)(\s+|$)|(\n\n|\n[-*•])|(\p{So}+)(\s+))`)

// Mux is the token-to-sentence state machine described in spec §4.1.
// Zero value is not usable; construct with New.
type Mux struct {
	stableMs time.Duration

	mu      sync.Mutex
	carry   string
	pending string
	timer   *time.Timer
	emit    func(string)
}

// New constructs a Mux with the given stability window. A zero or
// negative stableMs falls back to the documented default of 250ms.
func New(stableMs time.Duration) *Mux {
	if stableMs <= 0 {
		stableMs = defaultStableMs
	}
	return &Mux{stableMs: stableMs}
}

// Push appends deltaText to the carry, extracts any complete sentences,
// and invokes emit per the ordering rules in §4.1. emit is called
// synchronously for sentences known complete at push time and
// asynchronously (from the stability timer) for a trailing pending
// sentence that receives no further continuation.
func (m *Mux) Push(deltaText string, emit func(string)) {
	m.mu.Lock()
	m.emit = emit
	m.carry += deltaText
	produced := m.extractAll()

	var toEmit []string
	switch {
	case len(produced) > 0:
		if m.pending != "" {
			toEmit = append(toEmit, m.pending)
		}
		if len(produced) > 1 {
			toEmit = append(toEmit, produced[:len(produced)-1]...)
		}
		m.pending = produced[len(produced)-1]
		m.armTimerLocked()
	case strings.TrimSpace(m.carry) != "" && m.pending != "":
		toEmit = append(toEmit, m.pending)
		m.pending = ""
		m.stopTimerLocked()
	case m.pending != "":
		m.armTimerLocked()
	}
	m.mu.Unlock()

	for _, s := range toEmit {
		emit(s)
	}
}

// Flush emits any pending sentence, then any trimmed residual carry,
// and resets all state.
func (m *Mux) Flush(emit func(string)) {
	m.mu.Lock()
	m.stopTimerLocked()
	pending := m.pending
	residual := strings.TrimSpace(m.carry)
	m.pending = ""
	m.carry = ""
	m.emit = nil
	m.mu.Unlock()

	if pending != "" {
		emit(pending)
	}
	if residual != "" {
		emit(residual)
	}
}

// extractAll repeatedly matches boundary against the current carry,
// returning the produced sentences in order and leaving m.carry set to
// whatever text remains unconsumed. Caller must hold m.mu.
func (m *Mux) extractAll() []string {
	var produced []string
	carry := m.carry
	for {
		loc := boundary.FindStringSubmatchIndex(carry)
		if loc == nil {
			break
		}
		headEnd := loc[3]
		var sentence string
		switch {
		case loc[4] != -1: // punctuation branch
			sentence = strings.TrimSpace(carry[0:loc[5]])
		case loc[8] != -1: // paragraph break branch
			sentence = strings.TrimSpace(carry[0:headEnd])
		case loc[10] != -1: // emoji branch
			sentence = carry[0:loc[11]]
		default:
			sentence = strings.TrimSpace(carry[0:headEnd])
		}
		if sentence != "" {
			produced = append(produced, sentence)
		}
		carry = carry[loc[1]:]
	}
	m.carry = carry
	return produced
}

// armTimerLocked (re)arms the stability timer. Caller must hold m.mu.
func (m *Mux) armTimerLocked() {
	m.stopTimerLocked()
	emit := m.emit
	m.timer = time.AfterFunc(m.stableMs, func() {
		m.mu.Lock()
		pending := m.pending
		m.pending = ""
		m.mu.Unlock()
		if pending != "" && emit != nil {
			emit(pending)
		}
	})
}

// stopTimerLocked cancels any armed stability timer. Caller must hold m.mu.
func (m *Mux) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
