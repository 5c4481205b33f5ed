package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/asr"
	"github.com/robit-man/voice-llm-interaction-graph/internal/llmctl"
	"github.com/robit-man/voice-llm-interaction-graph/internal/message"
	"github.com/robit-man/voice-llm-interaction-graph/internal/portaddr"
	"github.com/robit-man/voice-llm-interaction-graph/internal/tts"
	"github.com/robit-man/voice-llm-interaction-graph/internal/ttsctl"
)

// AddASRNode ensures an "asr" node record, builds its Controller against
// either the generic HTTP/relay backend or (when the node's config sets
// backend="assemblyai") the direct AssemblyAI provider, and wires its
// "audio" input and "partial"/"phrase"/"final" outputs into the Router.
func (g *Graph) AddASRNode(ctx context.Context, id string, cfgPatch map[string]any) error {
	rec, err := g.Store.Ensure(ctx, id, "asr")
	if err != nil {
		return err
	}
	if len(cfgPatch) > 0 {
		rec, err = g.Store.Update(ctx, id, cfgPatch)
		if err != nil {
			return err
		}
	}
	var acfg asr.Config
	if err := decodeConfig(rec.Config, &acfg); err != nil {
		return fmt.Errorf("graph: decode asr config for %q: %w", id, err)
	}

	var backend asr.Backend
	if b, _ := rec.Config["backend"].(string); b == "assemblyai" {
		backend = asr.NewAssemblyAIBackend(g.cfg.AssemblyAIKey, acfg)
	} else {
		backend = &asr.HTTPBackend{Mux: g.Mux, Base: g.cfg.ASRBaseURL, APIKey: g.cfg.ASRAPIKey, UseRelay: g.cfg.TransportMode == "relay"}
	}

	ports := asr.Ports{
		Partial: func(text string) { g.Wires.SendFrom(id, "partial", text) },
		Phrase:  func(text string) { g.Wires.SendFrom(id, "phrase", text) },
		Final:   func(text string) { g.Wires.SendFrom(id, "final", text) },
	}
	ctrl := asr.New(acfg, backend, ports)
	nodeLog := g.nodeLogger(id)

	nodeCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.asr[id] = &asrNode{ctrl: ctrl, cancel: cancel}
	g.mu.Unlock()

	addr, err := portaddr.New(id, portaddr.In, "audio")
	if err != nil {
		cancel()
		return err
	}
	g.Wires.Register(addr, func(payload any) {
		pcm, ok := payload.([]byte)
		if !ok || len(pcm) == 0 {
			return
		}
		if err := ctrl.PushAudio(nodeCtx, pcm, time.Now()); err != nil {
			nodeLog.Warn("asr push audio failed", "err", err)
		}
	})
	return nil
}

// AddLLMNode ensures an "llm" node record and wires its "prompt"/"system"
// inputs to a Controller whose output ports ("delta", "final", "memory")
// fan out through the Router.
func (g *Graph) AddLLMNode(ctx context.Context, id string, cfgPatch map[string]any) error {
	rec, err := g.Store.Ensure(ctx, id, "llm")
	if err != nil {
		return err
	}
	if len(cfgPatch) > 0 {
		rec, err = g.Store.Update(ctx, id, cfgPatch)
		if err != nil {
			return err
		}
	}
	var lcfg llmctl.Config
	if err := decodeConfig(rec.Config, &lcfg); err != nil {
		return fmt.Errorf("graph: decode llm config for %q: %w", id, err)
	}
	relayDest, _ := rec.Config["relayDest"].(string)

	ctrl := llmctl.New(g.Mux, g.cfg.LLMBaseURL, g.cfg.LLMAPIKey, g.cfg.TransportMode == "relay", relayDest,
		&llmctl.NodeMemory{Store: g.Store, NodeID: id}, lcfg)

	g.mu.Lock()
	g.llm[id] = ctrl
	g.mu.Unlock()
	nodeLog := g.nodeLogger(id)

	ports := llmctl.Ports{
		Delta:  func(text string) { g.Wires.SendFrom(id, "delta", text) },
		Final:  func(text string) { g.Wires.SendFrom(id, "final", text) },
		Memory: func(n int) { g.Wires.SendFrom(id, "memory", n) },
	}

	promptAddr, err := portaddr.New(id, portaddr.In, "prompt")
	if err != nil {
		return err
	}
	g.Wires.Register(promptAddr, func(payload any) {
		text := message.Extract(payload).Text
		if text == "" {
			return
		}
		go func() {
			if err := ctrl.HandlePrompt(context.Background(), text, ports); err != nil {
				nodeLog.Warn("llm turn failed", "err", err)
			}
		}()
	})

	systemAddr, err := portaddr.New(id, portaddr.In, "system")
	if err != nil {
		return err
	}
	g.Wires.Register(systemAddr, func(payload any) {
		ctrl.SetSystem(message.Extract(payload).Text)
	})
	return nil
}

// AddTTSNode ensures a "tts" node record and wires its "text" input to a
// Controller writing paced audio into sink. A nil sink is valid for
// nodes that only ever run in "file" mode (§4.8), which never touches
// AudioSink.
func (g *Graph) AddTTSNode(ctx context.Context, id string, cfgPatch map[string]any, sink ttsctl.AudioSink) error {
	rec, err := g.Store.Ensure(ctx, id, "tts")
	if err != nil {
		return err
	}
	if len(cfgPatch) > 0 {
		rec, err = g.Store.Update(ctx, id, cfgPatch)
		if err != nil {
			return err
		}
	}
	var tcfg ttsctl.Config
	if err := decodeConfig(rec.Config, &tcfg); err != nil {
		return fmt.Errorf("graph: decode tts config for %q: %w", id, err)
	}
	if sink == nil {
		sink = noopSink{}
	}

	ctrl := ttsctl.New(g.Mux, g.cfg.TTSBaseURL, g.cfg.TTSAPIKey, tcfg, sink, g.nodeLogger(id))
	switch provider, _ := rec.Config["provider"].(string); provider {
	case "deepgram":
		ctrl.SetProvider(tts.NewDeepgramClient(g.cfg.DeepgramKey, tcfg.Model))
	case "elevenlabs":
		ctrl.SetProvider(tts.NewElevenLabsClient(g.cfg.ElevenLabsKey, g.cfg.ElevenLabsVoiceID))
	}

	g.mu.Lock()
	g.tts[id] = ctrl
	g.mu.Unlock()

	addr, err := portaddr.New(id, portaddr.In, "text")
	if err != nil {
		return err
	}
	g.Wires.Register(addr, func(payload any) {
		ctrl.OnText(message.Extract(payload).Text)
	})
	return nil
}

// EnsurePeerNode ensures a "peerdm" node record and registers it with
// the process-wide PeerDM controller.
func (g *Graph) EnsurePeerNode(ctx context.Context, id string, allowedPeers []string, autoAccept bool) error {
	if _, err := g.Store.Ensure(ctx, id, "peerdm"); err != nil {
		return err
	}
	g.nodeLogger(id) // ensure the log ring exists even before the first event
	g.Peer.EnsureNode(id, allowedPeers, autoAccept)
	return nil
}

type noopSink struct{}

func (noopSink) WritePCM(_ []byte) {}
func (noopSink) FlushTail()        {}
func (noopSink) Reset()            {}
