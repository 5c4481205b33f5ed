package asr

import (
	"math"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/audio"
)

// State is the two-state voice-activity machine from §4.6.
type State string

const (
	Silence State = "silence"
	Voice   State = "voice"
)

// VAD tracks an exponential moving average of per-buffer RMS energy and
// derives silence/voice transitions from it, grounded on
// internal/transcript's AssemblyAIService.detectVoiceActivity RMS
// heuristic, generalized to the spec's EMA+hold state machine.
//
// rmsThreshold is the configured noise-floor threshold (onTh); offTh is
// 0.7 of it, per §4.6.
type VAD struct {
	rmsThreshold float64
	emaMs        float64
	hold         time.Duration

	ema           float64
	state         State
	belowOffSince time.Time
	haveTick      bool
	lastTick      time.Time
}

// NewVAD constructs a VAD with the given noise-floor threshold, EMA
// smoothing window, and hold duration before voice->silence fires.
func NewVAD(rmsThreshold, emaMs float64, hold time.Duration) *VAD {
	return &VAD{rmsThreshold: rmsThreshold, emaMs: emaMs, hold: hold, state: Silence}
}

// Transition describes what changed on this tick, if anything.
type Transition int

const (
	NoChange Transition = iota
	WentVoice
	WentSilence
)

// Tick feeds one PCM16LE buffer at time now and reports the resulting
// state and any transition that just occurred.
func (v *VAD) Tick(pcm []byte, now time.Time) (State, Transition) {
	rms := audio.RMS(pcm)
	prevEma, prevTick := v.ema, v.lastTick

	alpha := 1.0
	if v.haveTick && v.emaMs > 0 {
		dt := now.Sub(v.lastTick).Seconds() * 1000
		alpha = 1 - math.Exp(-dt/v.emaMs)
	}
	v.ema = (1-alpha)*v.ema + alpha*rms
	v.lastTick = now
	v.haveTick = true

	onTh := v.rmsThreshold
	offTh := 0.7 * v.rmsThreshold

	switch v.state {
	case Silence:
		if v.ema >= onTh {
			v.state = Voice
			v.belowOffSince = time.Time{}
			return Voice, WentVoice
		}
	case Voice:
		if v.ema < offTh {
			if v.belowOffSince.IsZero() {
				// The EMA decays continuously between ticks: date the
				// crossing of offTh inside the interval since the last tick.
				v.belowOffSince = now
				if v.emaMs > 0 && prevEma >= offTh && rms < offTh {
					ms := v.emaMs * math.Log((prevEma-rms)/(offTh-rms))
					if at := prevTick.Add(time.Duration(ms * float64(time.Millisecond))); at.Before(now) {
						v.belowOffSince = at
					}
				}
			}
			if now.Sub(v.belowOffSince) >= v.hold {
				v.state = Silence
				v.belowOffSince = time.Time{}
				return Silence, WentSilence
			}
		} else {
			v.belowOffSince = time.Time{}
		}
	}
	return v.state, NoChange
}

// State returns the current state without feeding a new sample.
func (v *VAD) CurrentState() State { return v.state }

// PreRoll is a bounded ring of the most recent audio captured while in
// silence, flushed ahead of live samples on silence->voice (§4.6).
type PreRoll struct {
	maxBytes int
	buf      []byte
}

// NewPreRoll sizes the ring to hold preMs of PCM16LE mono audio at rate.
func NewPreRoll(preMs int, rate int) *PreRoll {
	bytesPerMs := rate * 2 / 1000
	return &PreRoll{maxBytes: preMs * bytesPerMs}
}

// Push appends a chunk, discarding the oldest bytes beyond the ring size.
func (p *PreRoll) Push(chunk []byte) {
	p.buf = append(p.buf, chunk...)
	if excess := len(p.buf) - p.maxBytes; excess > 0 {
		p.buf = p.buf[excess:]
	}
}

// Drain returns and clears the buffered audio.
func (p *PreRoll) Drain() []byte {
	out := p.buf
	p.buf = nil
	return out
}
