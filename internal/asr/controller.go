// Package asr implements C6 ASR Controller: a VAD-gated uplink state
// machine driving a remote streaming recognition session, plus a batch
// mode for live=false nodes. Grounded on internal/transcript's
// AssemblyAIService (silence timer, continuation heuristic, VAD RMS
// gate), generalized to the spec's remote-session-agnostic protocol.
package asr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/audio"
)

// StartRequest is the body posted to /recognize/stream/start (§4.6).
type StartRequest struct {
	Mode                    string
	Temperature             float64
	ConditionOnPreviousText bool
	NoSpeechThreshold       float64
	LogprobThreshold        float64
	Prompt                  string
	Model                   string
}

// Event is one decoded SSE event from /recognize/stream/<sid>/events.
type Event struct {
	Type string // as sent by the server, e.g. "partial" or "asr.final"; handleEvent matches it case-insensitively
	Sid  string
	Text string
	Meta Meta
}

// Backend abstracts the remote recognition service so the state machine
// can be driven by a fake in tests; the concrete implementation wraps
// internal/transportmux.
type Backend interface {
	StartSession(ctx context.Context, req StartRequest) (sid string, err error)
	SendAudioChunk(ctx context.Context, sid string, pcm []byte, rate int) error
	Subscribe(ctx context.Context, sid string, onEvent func(Event)) (stop func(), err error)
	EndSession(ctx context.Context, sid string) error
	Recognize(ctx context.Context, wav []byte) (text string, err error)
}

// Config holds the per-node ASR settings (NodeStore's "asr" defaults,
// §4.6 and nodestore.Defaults).
type Config struct {
	Rate           int
	ChunkMs        int
	PhraseMin      int
	PhraseStableMs int
	SilenceMs      int
	PreMs          int
	HoldMs         int
	MinTailMs      int
	Live           bool
	RMSThreshold   float64
	EmaMs          float64
	Prompt         string
	Model          string
}

const (
	lingerMs        = 700
	forceQuietMaxMs = 2800
	maxInFlight     = 4
)

// Ports are the callbacks the controller routes events to (wired to
// router.Router by the graph assembler).
type Ports struct {
	Partial func(text string)
	Phrase  func(text string)
	Final   func(text string)
}

// Controller is one ASR node's state machine.
type Controller struct {
	cfg     Config
	backend Backend
	ports   Ports

	mu             sync.Mutex
	vad            *VAD
	preroll        *PreRoll
	phrases        *PhraseDetector
	dedup          *Dedup
	sid            string
	uplinkOpen     bool
	finalizing     bool
	tailDeadline   time.Time
	lastPostAt     time.Time
	lastPartialAt  time.Time
	inFlight       int
	anySpeechSeen  bool
	stopEvents     func()
	audioQueue     chan []byte
	pumpCancel     context.CancelFunc
}

// New constructs a Controller over backend with cfg and ports.
func New(cfg Config, backend Backend, ports Ports) *Controller {
	return &Controller{
		cfg:     cfg,
		backend: backend,
		ports:   ports,
		vad:     NewVAD(cfg.RMSThreshold, cfg.EmaMs, time.Duration(cfg.HoldMs)*time.Millisecond),
		preroll: NewPreRoll(cfg.PreMs, cfg.Rate),
		phrases: NewPhraseDetector(cfg.PhraseMin, time.Duration(cfg.PhraseStableMs)*time.Millisecond),
		dedup:   NewDedup(),
	}
}

// PushAudio feeds one PCM16LE mono buffer captured at cfg.Rate.
func (c *Controller) PushAudio(ctx context.Context, pcm []byte, now time.Time) error {
	if !c.cfg.Live {
		return c.pushBatch(ctx, pcm, now)
	}

	state, transition := c.vad.Tick(pcm, now)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch transition {
	case WentVoice:
		c.anySpeechSeen = true
		if !c.uplinkOpen {
			if err := c.openUplinkLocked(ctx); err != nil {
				return err
			}
		}
		pre := c.preroll.Drain()
		if len(pre) > 0 {
			c.enqueueAudioLocked(pre)
		}
		c.enqueueAudioLocked(pcm)
		c.tailDeadline = now.Add(durMax(time.Duration(c.cfg.SilenceMs)*time.Millisecond, time.Duration(c.cfg.MinTailMs)*time.Millisecond))

	case WentSilence:
		// nothing to send; tailDeadline governs close below

	default:
		switch state {
		case Voice:
			if c.uplinkOpen {
				c.enqueueAudioLocked(pcm)
				c.tailDeadline = now.Add(durMax(time.Duration(c.cfg.SilenceMs)*time.Millisecond, time.Duration(c.cfg.MinTailMs)*time.Millisecond))
			}
		case Silence:
			c.preroll.Push(pcm)
			if c.uplinkOpen && !now.Before(c.tailDeadline) {
				c.beginDrainLocked(ctx)
			}
		}
	}
	return nil
}

func durMax(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func (c *Controller) openUplinkLocked(ctx context.Context) error {
	sid, err := c.backend.StartSession(ctx, StartRequest{
		Mode:              "stream",
		Temperature:       0.0,
		NoSpeechThreshold: 0.6,
		LogprobThreshold:  -1.0,
		Prompt:            c.cfg.Prompt,
		Model:             c.cfg.Model,
	})
	if err != nil {
		return fmt.Errorf("asr: start session: %w", err)
	}
	c.sid = sid
	c.uplinkOpen = true
	c.finalizing = false
	c.phrases.Reset()
	c.audioQueue = make(chan []byte, 256)

	pumpCtx, cancel := context.WithCancel(ctx)
	c.pumpCancel = cancel
	go c.pump(pumpCtx, sid)

	stop, err := c.backend.Subscribe(ctx, sid, c.handleEvent)
	if err != nil {
		return fmt.Errorf("asr: subscribe: %w", err)
	}
	c.stopEvents = stop
	return nil
}

func (c *Controller) enqueueAudioLocked(pcm []byte) {
	select {
	case c.audioQueue <- pcm:
	default:
	}
}

// pump sends queued PCM16LE frames to the uplink, capped at maxInFlight
// concurrent POSTs, spaced by max(10, chunk/2) ms between iterations
// (§4.6's pacing loop).
func (c *Controller) pump(ctx context.Context, sid string) {
	sem := make(chan struct{}, maxInFlight)
	wait := time.Duration(c.cfg.ChunkMs/2) * time.Millisecond
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case chunk := <-c.audioQueue:
				sem <- struct{}{}
				c.mu.Lock()
				c.inFlight++
				c.mu.Unlock()
				go func(data []byte) {
					defer func() { <-sem }()
					_ = c.backend.SendAudioChunk(ctx, sid, data, c.cfg.Rate)
					c.mu.Lock()
					c.inFlight--
					c.lastPostAt = time.Now()
					c.mu.Unlock()
				}(chunk)
			default:
			}
		}
	}
}

// handleEvent is the Backend.Subscribe callback; it normalizes event
// type casing and dispatches to the phrase/dedup/hallucination pipeline.
func (c *Controller) handleEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Sid != c.sid || c.finalizing || !c.uplinkOpen {
		return
	}

	switch strings.ToLower(ev.Type) {
	case "asr.partial", "partial":
		if c.vad.CurrentState() == Silence {
			return
		}
		c.lastPartialAt = time.Now()
		if c.ports.Partial != nil {
			c.ports.Partial(ev.Text)
		}
		if phrase, ready := c.phrases.Update(ev.Text, time.Now()); ready {
			if c.ports.Phrase != nil {
				c.ports.Phrase(phrase)
			}
		}

	case "asr.detected", "detected":
		if IsHallucination(ev.Text, ev.Meta, c.anySpeechSeen, c.vad.CurrentState()) {
			return
		}
		if c.ports.Phrase != nil {
			c.ports.Phrase(ev.Text)
		}

	case "asr.final", "final":
		if IsHallucination(ev.Text, ev.Meta, c.anySpeechSeen, c.vad.CurrentState()) {
			return
		}
		now := time.Now()
		if c.dedup.Seen(ev.Text, now) {
			return
		}
		if c.ports.Final != nil {
			c.ports.Final(ev.Text)
		}
		if pend := c.phrases.Flush(); pend != "" && c.ports.Phrase != nil {
			c.ports.Phrase(pend)
		}
	}
}

// beginDrainLocked starts the quiescence-gated session teardown
// (drainAndEnd, §4.6). Runs asynchronously; must be called with c.mu held.
func (c *Controller) beginDrainLocked(ctx context.Context) {
	if c.finalizing {
		return
	}
	c.finalizing = true
	go c.drainAndEnd(ctx, c.sid)
}

func (c *Controller) drainAndEnd(ctx context.Context, sid string) {
	start := time.Now()
	for {
		c.mu.Lock()
		inFlight := c.inFlight
		queued := len(c.audioQueue)
		lastPostAt := c.lastPostAt
		lastPartialAt := c.lastPartialAt
		c.mu.Unlock()

		now := time.Now()
		quiet := inFlight == 0 && queued == 0 &&
			now.Sub(lastPostAt) >= lingerMs*time.Millisecond &&
			now.Sub(lastPartialAt) >= lingerMs*time.Millisecond
		hardQuiet := now.Sub(start) >= forceQuietMaxMs*time.Millisecond
		if quiet || hardQuiet {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	endCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	_ = c.backend.EndSession(endCtx, sid)

	c.mu.Lock()
	if c.stopEvents != nil {
		c.stopEvents()
	}
	if c.pumpCancel != nil {
		c.pumpCancel()
	}
	c.uplinkOpen = false
	c.finalizing = false
	c.sid = ""
	c.mu.Unlock()
}

// pushBatch implements live=false batch mode (§4.6).
func (c *Controller) pushBatch(ctx context.Context, pcm []byte, now time.Time) error {
	state, transition := c.vad.Tick(pcm, now)

	c.mu.Lock()
	if transition == WentVoice {
		c.anySpeechSeen = true
		c.preroll = NewPreRoll(c.cfg.PreMs, c.cfg.Rate) // reset accumulation buffer
	}
	if state == Voice || transition == WentVoice {
		c.preroll.Push(pcm)
		c.lastPartialAt = now
		c.mu.Unlock()
		return nil
	}

	// In silence: flush a batch recognition request once silenceMs has
	// elapsed since the last voice activity and audio is buffered.
	buffered := c.preroll.buf
	if len(buffered) == 0 || now.Sub(c.lastPartialAt) < time.Duration(c.cfg.SilenceMs)*time.Millisecond {
		c.mu.Unlock()
		return nil
	}
	c.preroll.buf = nil
	c.mu.Unlock()

	wavPCM := bytesToInt16(buffered)
	wav := audio.EncodeWAV16(wavPCM, c.cfg.Rate)
	text, err := c.backend.Recognize(ctx, wav)
	if err != nil {
		return fmt.Errorf("asr: batch recognize: %w", err)
	}
	if text != "" && c.ports.Final != nil {
		c.ports.Final(text)
	}
	return nil
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// DecodeB64 is a small helper for backends that carry audio/body as
// base64 inside JSON frames (relay path).
func DecodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
