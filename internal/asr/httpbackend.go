package asr

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/transportmux"
)

// HTTPBackend is the Backend implementation wired in production: it
// drives /recognize/stream/* over internal/transportmux, either direct
// HTTP or relay depending on graph transport configuration.
type HTTPBackend struct {
	Mux        *transportmux.Mux
	Base       string
	APIKey     string
	UseRelay   bool
	RelayDest  string
	RetryDelay time.Duration
}

func (b *HTTPBackend) StartSession(ctx context.Context, req StartRequest) (string, error) {
	body := map[string]any{
		"mode":                       req.Mode,
		"temperature":                req.Temperature,
		"condition_on_previous_text": req.ConditionOnPreviousText,
		"no_speech_threshold":        req.NoSpeechThreshold,
		"logprob_threshold":          req.LogprobThreshold,
	}
	if req.Prompt != "" {
		body["prompt"] = req.Prompt
	}
	if req.Model != "" {
		body["model"] = req.Model
	}

	v, err := b.Mux.PostJSON(ctx, b.Base, "/recognize/stream/start", body, b.APIKey, 20*time.Second)
	if err != nil {
		return "", err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("asr: start session: unexpected response shape")
	}
	sid, _ := m["sid"].(string)
	if sid == "" {
		return "", fmt.Errorf("asr: start session: missing sid")
	}
	return sid, nil
}

func (b *HTTPBackend) SendAudioChunk(ctx context.Context, sid string, pcm []byte, rate int) error {
	path := fmt.Sprintf("/recognize/stream/%s/audio?format=pcm16&sr=%d", sid, rate)
	_, err := b.Mux.PostJSON(ctx, b.Base, path, map[string]any{"b64": base64.StdEncoding.EncodeToString(pcm)}, b.APIKey, 10*time.Second)
	return err
}

// Subscribe opens the /recognize/stream/<sid>/events stream and parses
// it as SSE: bytes accumulate until a blank line, then the accumulated
// "data:" payload is parsed as JSON (§4.6).
func (b *HTTPBackend) Subscribe(ctx context.Context, sid string, onEvent func(Event)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	if b.UseRelay {
		err := b.subscribeRelay(subCtx, sid, onEvent)
		if err != nil {
			cancel()
			return nil, err
		}
		return cancel, nil
	}

	url := b.Base + fmt.Sprintf("/recognize/stream/%s/events", sid)
	mode, resp, err := b.Mux.StreamDirect(subCtx, transportmux.Request{URL: url, Method: "GET", Stream: "lines"})
	if err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer resp.Body.Close()
		if mode != "lines" {
			return
		}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var dataLines []string
		for scanner.Scan() {
			select {
			case <-subCtx.Done():
				return
			default:
			}
			line := scanner.Text()
			if line == "" {
				if len(dataLines) > 0 {
					dispatchSSEPayload(sid, strings.Join(dataLines, "\n"), onEvent)
					dataLines = nil
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
	}()
	return cancel, nil
}

func (b *HTTPBackend) subscribeRelay(ctx context.Context, sid string, onEvent func(Event)) error {
	url := b.Base + fmt.Sprintf("/recognize/stream/%s/events", sid)
	go func() {
		_ = b.Mux.SendStream(ctx, transportmux.Request{URL: url, Method: "GET"}, b.RelayDest, transportmux.StreamHandlers{
			OnLines: func(lines []transportmux.LineEvent) {
				for _, l := range lines {
					dispatchSSEPayload(sid, l.Line, onEvent)
				}
			},
		}, 0)
	}()
	return nil
}

func dispatchSSEPayload(sid, payload string, onEvent func(Event)) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return
	}
	var raw struct {
		Type             string  `json:"type"`
		Text             string  `json:"text"`
		NoSpeechProb     float64 `json:"no_speech_prob"`
		AvgLogprob       float64 `json:"avg_logprob"`
		CompressionRatio float64 `json:"compression_ratio"`
	}
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return
	}
	if raw.Type == "" {
		return
	}
	onEvent(Event{
		Type: raw.Type,
		Sid:  sid,
		Text: raw.Text,
		Meta: Meta{NoSpeechProb: raw.NoSpeechProb, AvgLogprob: raw.AvgLogprob, CompressionRatio: raw.CompressionRatio},
	})
}

func (b *HTTPBackend) EndSession(ctx context.Context, sid string) error {
	endCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	_, err := b.Mux.PostJSON(endCtx, b.Base, "/recognize/stream/"+sid+"/end", map[string]any{}, b.APIKey, 20*time.Second)
	return err
}

func (b *HTTPBackend) Recognize(ctx context.Context, wav []byte) (string, error) {
	v, err := b.Mux.PostJSON(ctx, b.Base, "/recognize", map[string]any{
		"audio_b64": base64.StdEncoding.EncodeToString(wav),
	}, b.APIKey, 30*time.Second)
	if err != nil {
		return "", err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", nil
	}
	if t, ok := m["text"].(string); ok && t != "" {
		return t, nil
	}
	if t, ok := m["transcript"].(string); ok {
		return t, nil
	}
	return "", nil
}

