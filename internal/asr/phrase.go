package asr

import (
	"regexp"
	"strings"
	"time"
)

// PhraseDetector accumulates a partial-text delta and decides when it is
// ready to emit on the "phrase" port (§4.6).
type PhraseDetector struct {
	phraseMin      int
	phraseStableMs time.Duration

	prior      string
	pend       string
	lastGrowth time.Time
}

// NewPhraseDetector constructs a detector requiring at least phraseMin
// whitespace-delimited tokens and phraseStable of stability.
func NewPhraseDetector(phraseMin int, phraseStable time.Duration) *PhraseDetector {
	return &PhraseDetector{phraseMin: phraseMin, phraseStableMs: phraseStable}
}

var sentenceEnd = regexp.MustCompile(`[.!?;:,]\s*$`)

// Update feeds a new partial transcript; it returns the pending phrase
// and true if it should be emitted now, given now.
func (d *PhraseDetector) Update(partial string, now time.Time) (phrase string, ready bool) {
	if strings.HasPrefix(partial, d.prior) {
		delta := partial[len(d.prior):]
		if delta != "" {
			d.pend += delta
			d.lastGrowth = now
		}
	} else {
		// non-extension growth: treat the whole partial as the pending text
		d.pend = partial
		d.lastGrowth = now
	}
	d.prior = partial

	if d.pend == "" {
		return "", false
	}
	tokens := len(strings.Fields(d.pend))
	if tokens < d.phraseMin {
		return "", false
	}
	if sentenceEnd.MatchString(d.pend) || now.Sub(d.lastGrowth) >= d.phraseStableMs {
		phrase = d.pend
		d.pend = ""
		return phrase, true
	}
	return "", false
}

// Flush returns and clears any pending phrase text unconditionally (used
// when a final arrives and pending phrase text must be flushed per §4.6).
func (d *PhraseDetector) Flush() string {
	p := d.pend
	d.pend = ""
	return p
}

// Reset clears accumulated state for a new uplink session.
func (d *PhraseDetector) Reset() {
	d.prior = ""
	d.pend = ""
}

// Dedup drops a final equal to the previously seen final within a 1500ms
// window (§4.6).
type Dedup struct {
	window   time.Duration
	lastText string
	lastAt   time.Time
}

// NewDedup constructs a Dedup with the spec's default 1500ms window.
func NewDedup() *Dedup { return &Dedup{window: 1500 * time.Millisecond} }

// Seen records text at now and reports whether it's a duplicate of the
// immediately preceding final within the window.
func (d *Dedup) Seen(text string, now time.Time) (duplicate bool) {
	if text == d.lastText && now.Sub(d.lastAt) < d.window {
		d.lastAt = now
		return true
	}
	d.lastText = text
	d.lastAt = now
	return false
}

// hallucinationPattern matches generic broadcast sign-offs (§4.6).
var hallucinationPattern = regexp.MustCompile(`(?i)(thanks? for watching|like and subscribe|subscribe to (my|the) channel|link (is )?in the description|see you (next time|in the next video)|don't forget to subscribe)`)

// Meta carries the server-side confidence metadata used by the
// hallucination guard.
type Meta struct {
	NoSpeechProb     float64
	AvgLogprob       float64
	CompressionRatio float64
}

// IsHallucination applies §4.6's guard: a final is dropped if it matches
// the sign-off pattern AND is short (<=7 words) AND any corroborating
// condition holds: no speech has been observed yet this session, the VAD
// is currently silent, or server metadata indicates low confidence.
func IsHallucination(text string, meta Meta, anySpeechObservedYet bool, vadState State) bool {
	if !hallucinationPattern.MatchString(text) {
		return false
	}
	if len(strings.Fields(text)) > 7 {
		return false
	}
	if !anySpeechObservedYet {
		return true
	}
	if vadState == Silence {
		return true
	}
	if meta.NoSpeechProb > 0.6 || meta.AvgLogprob < -1.0 || meta.CompressionRatio > 2.4 {
		return true
	}
	return false
}
