package llmctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/reorder"
	"github.com/robit-man/voice-llm-interaction-graph/internal/sentencemux"
	"github.com/robit-man/voice-llm-interaction-graph/internal/transportmux"
)

// Requester is the narrow slice of internal/transportmux.Mux the
// controller depends on, so tests can drive it with a fake.
type Requester interface {
	PostJSON(ctx context.Context, base, path string, body any, apiKey string, timeout time.Duration) (any, error)
	StreamDirect(ctx context.Context, req transportmux.Request) (string, *http.Response, error)
	SendStream(ctx context.Context, req transportmux.Request, dest string, handlers transportmux.StreamHandlers, timeout time.Duration) error
}

// Config holds one LLM node's settings (nodestore.Defaults("llm")).
type Config struct {
	Stream    bool
	MaxTurns  int
	MemoryOn  bool
	Model     string
	UseSystem bool
}

// Ports are the callbacks the controller routes turn output to.
type Ports struct {
	Delta  func(text string)
	Final  func(text string)
	Memory func(size int)
}

// Controller is one LLM node's turn executor.
type Controller struct {
	req       Requester
	base      string
	apiKey    string
	useRelay  bool
	relayDest string
	store     MemoryStore
	cfg       Config
	system    string
}

// New constructs a Controller.
func New(req Requester, base, apiKey string, useRelay bool, relayDest string, store MemoryStore, cfg Config) *Controller {
	return &Controller{req: req, base: base, apiKey: apiKey, useRelay: useRelay, relayDest: relayDest, store: store, cfg: cfg}
}

// SetSystem updates the system message and flips UseSystem on (the
// "system" input port, §4.7).
func (c *Controller) SetSystem(text string) {
	c.system = text
	c.cfg.UseSystem = true
}

// HandlePrompt runs one turn for userText (the "prompt" input port).
func (c *Controller) HandlePrompt(ctx context.Context, userText string, ports Ports) error {
	var memory []Message
	if c.cfg.MemoryOn {
		m, err := c.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("llmctl: load memory: %w", err)
		}
		memory = m
	}
	msgs := BuildMessages(BuildOptions{
		System: c.system, UseSystem: c.cfg.UseSystem,
		Memory: memory, MemoryOn: c.cfg.MemoryOn,
		NewUser: userText, MaxTurns: c.cfg.MaxTurns,
	})

	var reply string
	var err error
	if c.cfg.Stream {
		reply, err = c.streamTurn(ctx, msgs, ports)
	} else {
		reply, err = c.nonStreamTurn(ctx, msgs, ports)
	}
	if err != nil {
		// §4.7 "Failures": logged by caller, turn simply produces nothing further.
		return err
	}

	if c.cfg.MemoryOn {
		updated := RebuildMemory(msgs, userText, reply, c.cfg.MaxTurns)
		if err := c.store.Save(ctx, updated); err != nil {
			return fmt.Errorf("llmctl: save memory: %w", err)
		}
		if ports.Memory != nil {
			ports.Memory(len(updated))
		}
	}
	return nil
}

func (c *Controller) nonStreamTurn(ctx context.Context, msgs []Message, ports Ports) (string, error) {
	v, err := c.req.PostJSON(ctx, c.base, "/api/chat", map[string]any{"messages": msgs, "model": c.cfg.Model, "stream": false}, c.apiKey, 60*time.Second)
	if err != nil {
		return "", err
	}
	obj, _ := v.(map[string]any)
	text, _ := extractDelta(obj)
	text = strings.TrimSpace(stripTerminators(text))

	mux := sentencemux.New(0)
	mux.Push(text, func(s string) {
		if ports.Delta != nil {
			ports.Delta(s)
		}
	})
	mux.Flush(func(s string) {
		if ports.Delta != nil {
			ports.Delta(s)
		}
	})
	if ports.Final != nil {
		ports.Final(text)
	}
	return text, nil
}

func (c *Controller) streamTurn(ctx context.Context, msgs []Message, ports Ports) (string, error) {
	var full strings.Builder
	mux := sentencemux.New(0)
	emit := func(s string) {
		if ports.Delta != nil {
			ports.Delta(s)
		}
	}

	onObj := func(raw string) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return
		}
		delta, _ := extractDelta(obj)
		delta = stripTerminators(delta)
		if delta == "" {
			return
		}
		full.WriteString(delta)
		mux.Push(delta, emit)
	}

	req := transportmux.Request{URL: c.base + "/api/chat", Method: "POST", JSON: map[string]any{"messages": msgs, "model": c.cfg.Model, "stream": true}, Stream: "lines"}

	if c.useRelay {
		rb := reorder.New[string]()
		err := c.req.SendStream(ctx, req, c.relayDest, transportmux.StreamHandlers{
			OnLines: func(lines []transportmux.LineEvent) {
				for _, l := range lines {
					for _, ordered := range rb.Submit(l.Seq, l.Line) {
						onObj(ordered)
					}
				}
			},
		}, 0)
		if err != nil {
			return "", err
		}
	} else {
		mode, resp, err := c.req.StreamDirect(ctx, req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if mode == "lines" {
			pump := newLineScanner(resp.Body, onObj)
			pump()
		}
	}

	mux.Flush(emit)
	reply := strings.TrimSpace(full.String())
	if ports.Final != nil {
		ports.Final(reply)
	}
	return reply, nil
}
