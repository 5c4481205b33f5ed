package asr

import (
	"testing"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/audio"
)

func loudPCM(n int, amp int16) []byte {
	s := make([]float32, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = float32(amp) / 32768.0
		} else {
			s[i] = -float32(amp) / 32768.0
		}
	}
	return audio.FloatToPCM16LE(s)
}

func TestVADSilenceToVoice(t *testing.T) {
	v := NewVAD(500, 50, 250*time.Millisecond)
	now := time.Now()
	state, tr := v.Tick(loudPCM(320, 2000), now)
	if state != Voice || tr != WentVoice {
		t.Fatalf("expected immediate silence->voice, got state=%v tr=%v", state, tr)
	}
}

func TestVADVoiceToSilenceAfterHold(t *testing.T) {
	v := NewVAD(500, 50, 100*time.Millisecond)
	now := time.Now()
	v.Tick(loudPCM(320, 2000), now)

	quiet := make([]byte, 320)
	state, tr := v.Tick(quiet, now.Add(10*time.Millisecond))
	if state != Voice || tr != NoChange {
		t.Fatalf("expected to remain in voice before hold elapses, got %v/%v", state, tr)
	}

	state, tr = v.Tick(quiet, now.Add(200*time.Millisecond))
	if state != Silence || tr != WentSilence {
		t.Fatalf("expected voice->silence after hold, got %v/%v", state, tr)
	}
}

func TestPreRollBounded(t *testing.T) {
	p := NewPreRoll(100, 16000) // 100ms * 32 bytes/ms = 3200 bytes
	p.Push(make([]byte, 2000))
	p.Push(make([]byte, 2000))
	if got := len(p.Drain()); got != 3200 {
		t.Fatalf("expected ring capped at 3200 bytes, got %d", got)
	}
}
