package asr

import (
	"context"
	"fmt"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/transcript"
)

// AssemblyAIBackend adapts the teacher's WS-based AssemblyAIService to
// the Backend interface, so an ASR node can be configured against
// AssemblyAI directly instead of the spec's generic REST/SSE protocol.
// AssemblyAI's streaming-only API has no "stream id"; Subscribe ignores
// it and Start/End map onto Connect/Close.
type AssemblyAIBackend struct {
	svc *transcript.AssemblyAIService
}

// NewAssemblyAIBackend constructs a Backend bound to one AssemblyAI
// session, created fresh per StartSession call. The node's §4.6
// SilenceMs/HoldMs tunables drive AssemblyAI's own end-of-utterance
// timers instead of the teacher's fixed constants, so a node configured
// against AssemblyAI directly still honors its configured silence
// window.
func NewAssemblyAIBackend(apiKey string, cfg Config) *AssemblyAIBackend {
	silence := time.Duration(cfg.SilenceMs) * time.Millisecond
	hold := time.Duration(cfg.HoldMs) * time.Millisecond
	return &AssemblyAIBackend{svc: transcript.NewAssemblyAIServiceWithThresholds(apiKey, silence, hold, 0)}
}

func (a *AssemblyAIBackend) StartSession(ctx context.Context, req StartRequest) (string, error) {
	if err := a.svc.Connect(); err != nil {
		return "", fmt.Errorf("asr: assemblyai connect: %w", err)
	}
	return "assemblyai", nil
}

func (a *AssemblyAIBackend) SendAudioChunk(ctx context.Context, sid string, pcm []byte, rate int) error {
	return a.svc.SendPCM16KLE(pcm)
}

// Subscribe fans the service's partial-transcript and finalize channels
// into Event callbacks until ctx is done.
func (a *AssemblyAIBackend) Subscribe(ctx context.Context, sid string, onEvent func(Event)) (func(), error) {
	stopCtx, cancel := context.WithCancel(ctx)
	go func() {
		partials := a.svc.Partials()
		finals := a.svc.Finalize()
		for {
			select {
			case <-stopCtx.Done():
				return
			case text, ok := <-partials:
				if !ok {
					return
				}
				onEvent(Event{Type: "partial", Sid: sid, Text: text})
			case text, ok := <-finals:
				if !ok {
					return
				}
				onEvent(Event{Type: "final", Sid: sid, Text: text})
			}
		}
	}()
	return cancel, nil
}

func (a *AssemblyAIBackend) EndSession(ctx context.Context, sid string) error {
	return a.svc.Close()
}

// Recognize is not supported: AssemblyAI here is streaming-only, so
// batch-mode (live=false) nodes must use HTTPBackend instead.
func (a *AssemblyAIBackend) Recognize(ctx context.Context, wav []byte) (string, error) {
	return "", fmt.Errorf("asr: assemblyai backend does not support batch recognize")
}
