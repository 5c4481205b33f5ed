package asr

import (
	"testing"
	"time"
)

func TestPhraseDetectorEmitsOnPunctuation(t *testing.T) {
	d := NewPhraseDetector(3, 350*time.Millisecond)
	now := time.Now()
	if _, ready := d.Update("hello there", now); ready {
		t.Fatalf("should not be ready yet (2 tokens, no punctuation)")
	}
	phrase, ready := d.Update("hello there friend,", now.Add(10*time.Millisecond))
	if !ready || phrase != "hello there friend," {
		t.Fatalf("expected punctuation-triggered emit, got %q ready=%v", phrase, ready)
	}
}

func TestPhraseDetectorEmitsOnStability(t *testing.T) {
	d := NewPhraseDetector(3, 100*time.Millisecond)
	now := time.Now()
	d.Update("one two three", now)
	if _, ready := d.Update("one two three", now.Add(50*time.Millisecond)); ready {
		t.Fatalf("should not be ready before stability window elapses")
	}
	phrase, ready := d.Update("one two three", now.Add(150*time.Millisecond))
	if !ready || phrase != "one two three" {
		t.Fatalf("expected stability-triggered emit, got %q ready=%v", phrase, ready)
	}
}

func TestDedupDropsWithinWindow(t *testing.T) {
	d := NewDedup()
	now := time.Now()
	if d.Seen("hello", now) {
		t.Fatalf("first occurrence should not be a duplicate")
	}
	if !d.Seen("hello", now.Add(500*time.Millisecond)) {
		t.Fatalf("repeat within window should be a duplicate")
	}
	if d.Seen("hello", now.Add(2*time.Second)) {
		t.Fatalf("repeat after window should not be a duplicate")
	}
}

func TestIsHallucinationDropsShortSignoffWhenSilent(t *testing.T) {
	if !IsHallucination("thanks for watching", Meta{}, true, Silence) {
		t.Fatalf("expected drop: short sign-off while VAD silent")
	}
}

func TestIsHallucinationKeepsLongMatchingText(t *testing.T) {
	long := "thanks for watching this was a much longer sentence with real content in it"
	if IsHallucination(long, Meta{}, true, Voice) {
		t.Fatalf("expected long text to survive the guard regardless of match")
	}
}

func TestIsHallucinationKeepsConfidentVoiceSpeech(t *testing.T) {
	if IsHallucination("thanks for watching", Meta{NoSpeechProb: 0.1, AvgLogprob: -0.1, CompressionRatio: 1.0}, true, Voice) {
		t.Fatalf("expected confident in-voice speech to survive the guard")
	}
}
