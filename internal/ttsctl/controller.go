package ttsctl

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/audio"
	"github.com/robit-man/voice-llm-interaction-graph/internal/reorder"
	"github.com/robit-man/voice-llm-interaction-graph/internal/transportmux"
)

const (
	sourceRate    = 22050
	prerollMs     = 40
	spacerMs      = 30
)

// AudioSink is the generalized form of internal/rtc's PCM48kSink: any
// consumer of paced 48kHz-or-sink-rate PCM16LE audio (§4.8).
type AudioSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
}

// Requester is the narrow transportmux surface the controller needs.
type Requester interface {
	PostJSON(ctx context.Context, base, path string, body any, apiKey string, timeout time.Duration) (any, error)
	FetchBlob(ctx context.Context, fullURL, apiKey string) (string, []byte, error)
	StreamDirect(ctx context.Context, req transportmux.Request) (string, *http.Response, error)
	SendStream(ctx context.Context, req transportmux.Request, dest string, handlers transportmux.StreamHandlers, timeout time.Duration) error
}

// Config is one TTS node's settings (nodestore.Defaults("tts")).
type Config struct {
	Mode      string // "stream", "file" or "provider"
	Format    string
	Voice     string
	Model     string
	SinkRate  int
	UseRelay  bool
	RelayDest string
}

// Controller serializes speech tasks for one node into a single FIFO
// chain, grounded on the teacher's sequential chunk dispatch in
// internal/agent's CHUNK_LOOP (session.go).
type Controller struct {
	req  Requester
	base string
	key  string
	cfg  Config
	sink AudioSink
	log  *slog.Logger

	tasks    chan func(context.Context)
	done     chan struct{}
	provider DirectVoiceProvider
}

// New constructs a Controller and starts its FIFO worker goroutine.
func New(req Requester, base, apiKey string, cfg Config, sink AudioSink, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{req: req, base: base, key: apiKey, cfg: cfg, sink: sink, log: log, tasks: make(chan func(context.Context), 64), done: make(chan struct{})}
	go c.worker()
	return c
}

func (c *Controller) worker() {
	for {
		select {
		case <-c.done:
			return
		case task := <-c.tasks:
			task(context.Background())
		}
	}
}

// Close stops the worker; queued tasks are dropped.
func (c *Controller) Close() { close(c.done) }

// OnText enqueues a speech task for text; tasks run FIFO, a failing task
// logs and yields to the next (§4.8).
func (c *Controller) OnText(text string) {
	clean := Sanitize(text)
	if clean == "" {
		return
	}
	c.tasks <- func(ctx context.Context) {
		var err error
		switch c.cfg.Mode {
		case "file":
			err = c.speakFile(ctx, clean)
		case "provider":
			err = c.speakProvider(ctx, clean)
		default:
			err = c.speakStream(ctx, clean)
		}
		if err != nil {
			c.log.Error("tts task failed", "error", err)
		}
	}
}

func (c *Controller) speakStream(ctx context.Context, text string) error {
	c.sink.Reset()
	c.sink.WritePCM(audio.FloatToPCM16LE(make([]float32, prerollMs*c.cfg.SinkRate/1000)))

	req := transportmux.Request{
		URL: c.base + "/speak", Method: "POST",
		JSON:   map[string]any{"text": text, "mode": "stream", "format": "raw", "model": c.cfg.Model, "voice": c.cfg.Voice},
		Stream: "chunks",
	}

	var carry []byte
	decode := func(chunk []byte) {
		if len(carry) > 0 {
			chunk = append(carry, chunk...)
			carry = nil
		}
		samples, odd := audio.PCM16LEToFloat(chunk)
		carry = odd
		if c.cfg.SinkRate != 0 && c.cfg.SinkRate != sourceRate {
			samples = audio.ResampleLinear(samples, sourceRate, c.cfg.SinkRate)
		}
		c.sink.WritePCM(audio.FloatToPCM16LE(samples))
	}

	var err error
	if c.cfg.UseRelay {
		rb := reorder.New[[]byte]()
		err = c.req.SendStream(ctx, req, c.cfg.RelayDest, transportmux.StreamHandlers{
			OnChunk: func(seq int, data []byte) {
				for _, ordered := range rb.Submit(seq, data) {
					decode(ordered)
				}
			},
		}, 0)
	} else {
		var mode string
		var resp *http.Response
		mode, resp, err = c.req.StreamDirect(ctx, req)
		if err == nil {
			defer resp.Body.Close()
			if mode == "chunks" || mode == "lines" {
				buf := make([]byte, 4096)
				for {
					n, rerr := resp.Body.Read(buf)
					if n > 0 {
						cp := make([]byte, n)
						copy(cp, buf[:n])
						decode(cp)
					}
					if rerr != nil {
						break
					}
				}
			}
		}
	}
	if err != nil {
		c.sink.FlushTail()
		return fmt.Errorf("ttsctl: stream speak: %w", err)
	}

	c.sink.WritePCM(audio.FloatToPCM16LE(make([]float32, spacerMs*c.cfg.SinkRate/1000)))
	c.sink.FlushTail()
	return nil
}

func (c *Controller) speakFile(ctx context.Context, text string) error {
	v, err := c.req.PostJSON(ctx, c.base, "/speak", map[string]any{"text": text, "mode": "file", "format": "ogg", "model": c.cfg.Model, "voice": c.cfg.Voice}, c.key, 30*time.Second)
	if err != nil {
		return fmt.Errorf("ttsctl: file speak request: %w", err)
	}
	obj, _ := v.(map[string]any)

	var blob []byte
	if files, ok := obj["files"].([]any); ok && len(files) > 0 {
		if f, ok := files[0].(map[string]any); ok {
			if url, ok := f["url"].(string); ok && url != "" {
				_, blob, err = c.req.FetchBlob(ctx, url, c.key)
				if err != nil {
					return fmt.Errorf("ttsctl: fetch file blob: %w", err)
				}
			}
		}
	}
	if blob == nil {
		if b64, ok := obj["audio_b64"].(string); ok && b64 != "" {
			blob, err = base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return fmt.Errorf("ttsctl: decode audio_b64: %w", err)
			}
		}
	}
	if blob == nil {
		return fmt.Errorf("ttsctl: file speak response had neither files[0].url nor audio_b64")
	}

	// File-mode playback is an HTML <audio> element in the original
	// browser-hosted implementation; this engine's concrete sink is the
	// WebRTC PCM path, so file-mode blobs are handed to the sink as an
	// opaque payload for the graph assembler's playback adapter to decode.
	c.sink.WritePCM(blob)
	c.sink.FlushTail()
	return nil
}
