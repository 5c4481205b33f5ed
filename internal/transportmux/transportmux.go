// Package transportmux implements C5 TransportMux: it unifies direct
// HTTP and the datagram relay (internal/relay) behind one request/
// response and ordered-streaming surface.
package transportmux

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robit-man/voice-llm-interaction-graph/internal/kv"
	"github.com/robit-man/voice-llm-interaction-graph/internal/relay"
)

const (
	defaultPostTimeout   = 45 * time.Second
	defaultStreamTimeout = 300 * time.Second
	defaultLinger        = 150 * time.Millisecond
	relayHoldHintSec     = 120
)

// Request is the shape handed to the relay's "http.request" envelope,
// and also drives the direct-HTTP path.
type Request struct {
	URL       string
	Method    string
	Headers   map[string]string
	TimeoutMs int
	JSON      any
	Stream    string // "", "lines", or "chunks"
}

// BeginMeta carries the response preamble for a streaming request.
type BeginMeta struct {
	Status  int
	Headers map[string]string
}

// EndMeta carries the terminal status of a streaming request.
type EndMeta struct {
	Ok    bool
	Error string
}

// LineEvent is one pre-split NDJSON/SSE line carried by a relay
// "relay.response.lines" frame.
type LineEvent struct {
	Line string
	Seq  int
	Ts   int64
}

// StreamHandlers receives the lifecycle of one streaming request. Exactly
// one of OnChunk/OnLines is used for a given stream, depending on mode.
// Neither fires after OnEnd.
type StreamHandlers struct {
	OnBegin func(BeginMeta)
	OnChunk func(seq int, data []byte)
	OnLines func(lines []LineEvent)
	OnEnd   func(EndMeta)
}

// Envelope is a single (non-streaming) relay response.
type Envelope struct {
	Ok      bool
	Status  int
	Headers map[string]string
	JSON    any
	Body    []byte
	Error   string
}

// Mux is the TransportMux (C5). Zero value is not usable; use New.
type Mux struct {
	httpClient *http.Client
	kvStore    kv.Store
	identifier string

	mu          sync.Mutex
	relayClient *relay.Client
	pend        map[string]chan *Envelope
	streams     map[string]*streamState
	lingerMs    time.Duration
}

type streamState struct {
	handlers StreamHandlers
	done     chan struct{}
}

// New constructs a Mux. identifier names this process's relay
// identity; kvStore backs relay seed persistence.
func New(kvStore kv.Store, identifier string) *Mux {
	return &Mux{
		httpClient: &http.Client{},
		kvStore:    kvStore,
		identifier: identifier,
		pend:       make(map[string]chan *Envelope),
		streams:    make(map[string]*streamState),
		lingerMs:   defaultLinger,
	}
}

// auth shapes outbound headers per §4.5: Content-Type defaults to
// application/json if absent; an apiKey starting with "Bearer " is set
// as Authorization verbatim, otherwise as X-API-Key.
func auth(headers map[string]string, apiKey string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	if _, ok := out["Content-Type"]; !ok {
		out["Content-Type"] = "application/json"
	}
	if apiKey != "" {
		if strings.HasPrefix(apiKey, "Bearer ") {
			out["Authorization"] = apiKey
		} else {
			out["X-API-Key"] = apiKey
		}
	}
	return out
}

func forGet(headers map[string]string, apiKey string) map[string]string {
	h := auth(headers, apiKey)
	delete(h, "Content-Type")
	h["Accept"] = "application/json"
	return h
}

// EnsureRelay idempotently brings up the relay client and wires its
// message dispatcher.
func (m *Mux) EnsureRelay(ctx context.Context) (*relay.Client, error) {
	m.mu.Lock()
	if m.relayClient != nil {
		c := m.relayClient
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	c, err := relay.Ensure(ctx, m.kvStore, m.identifier)
	if err != nil {
		return nil, err
	}
	c.OnMessage(m.dispatch)

	m.mu.Lock()
	m.relayClient = c
	m.mu.Unlock()
	return c, nil
}

// ---- Direct HTTP path ----

// GetJSON performs a direct GET against base+path and decodes a JSON
// response value.
func (m *Mux) GetJSON(ctx context.Context, base, path, apiKey string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, err
	}
	setHeaders(req, forGet(nil, apiKey))
	resp, err := m.doWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("transportmux: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeJSONResponse(resp)
}

// PostJSON performs a direct POST of body (marshaled to JSON) against
// base+path.
func (m *Mux) PostJSON(ctx context.Context, base, path string, body any, apiKey string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	setHeaders(req, auth(nil, apiKey))
	resp, err := m.doWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("transportmux: POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	return decodeJSONResponse(resp)
}

// FetchBlob performs a direct GET of fullURL and returns its content
// type and raw bytes.
func (m *Mux) FetchBlob(ctx context.Context, fullURL, apiKey string) (contentType string, data []byte, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return "", nil, err
	}
	setHeaders(req, auth(nil, apiKey))
	resp, err := m.doWithRetry(req)
	if err != nil {
		return "", nil, fmt.Errorf("transportmux: fetchBlob %s: %w", fullURL, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("transportmux: fetchBlob %s: %d %s", fullURL, resp.StatusCode, resp.Status)
	}
	return resp.Header.Get("Content-Type"), b, nil
}

// StreamDirect opens a direct streaming GET/POST and classifies the
// response as "lines" (NDJSON/SSE) or "chunks" (raw bytes), inferring
// the mode from Content-Type when the caller didn't pin one — the
// supplemented stream-mode-inference fallback: an ambiguous
// Content-Type degrades to raw chunked delivery instead of erroring.
func (m *Mux) StreamDirect(ctx context.Context, req Request) (mode string, resp *http.Response, err error) {
	var bodyReader io.Reader
	if req.JSON != nil {
		raw, mErr := json.Marshal(req.JSON)
		if mErr != nil {
			return "", nil, mErr
		}
		bodyReader = bytes.NewReader(raw)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return "", nil, err
	}
	setHeaders(httpReq, auth(req.Headers, ""))

	httpResp, err := m.doWithRetry(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("transportmux: stream %s: %w", req.URL, err)
	}
	return inferStreamMode(req.Stream, httpResp), httpResp, nil
}

func inferStreamMode(requested string, resp *http.Response) string {
	switch requested {
	case "lines", "ndjson", "line", "sse", "events":
		return "lines"
	}
	ctype := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ctype, "text/event-stream") || strings.Contains(ctype, "application/x-ndjson") {
		return "lines"
	}
	if strings.Contains(ctype, "json") && strings.Contains(ctype, "stream") {
		return "lines"
	}
	return "chunks"
}

func setHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

func decodeJSONResponse(resp *http.Response) (any, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%d %s", resp.StatusCode, resp.Status)
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// doWithRetry performs req, retrying once after a short backoff on a
// transient transport error, grounded on original_source/router.py's
// _http_request_with_retry.
func (m *Mux) doWithRetry(req *http.Request) (*http.Response, error) {
	resp, err := m.httpClient.Do(req)
	if err == nil {
		return resp, nil
	}
	if req.GetBody != nil {
		body, bErr := req.GetBody()
		if bErr == nil {
			req.Body = body
		}
	}
	time.Sleep(200 * time.Millisecond)
	return m.httpClient.Do(req)
}

// ---- Relay path ----

// SendRequest sends req to dest over the relay, awaiting a single
// relay.response envelope (or timeout).
func (m *Mux) SendRequest(ctx context.Context, req Request, dest string, timeout time.Duration) (*Envelope, error) {
	client, err := m.EnsureRelay(ctx)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultPostTimeout
	}

	id := uuid.NewString()
	ch := make(chan *Envelope, 1)
	m.mu.Lock()
	m.pend[id] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pend, id)
		m.mu.Unlock()
	}()

	payload := m.buildEnvelope(id, req, timeout)
	if err := m.sendWithRetry(ctx, client, dest, payload); err != nil {
		return nil, err
	}

	select {
	case env := <-ch:
		return env, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("transportmux: relay request %s timed out", id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendStream sends req to dest over the relay as a streaming request
// and drives handlers until the terminal relay.response.end frame (plus
// its bounded linger) arrives, or timeout elapses.
func (m *Mux) SendStream(ctx context.Context, req Request, dest string, handlers StreamHandlers, timeout time.Duration) error {
	client, err := m.EnsureRelay(ctx)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultStreamTimeout
	}
	req.Stream = "chunks"
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers["X-Relay-Stream"] = "chunks"

	id := uuid.NewString()
	st := &streamState{handlers: handlers, done: make(chan struct{})}
	m.mu.Lock()
	m.streams[id] = st
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
	}()

	payload := m.buildEnvelope(id, req, timeout)
	if err := m.sendWithRetry(ctx, client, dest, payload); err != nil {
		return err
	}

	select {
	case <-st.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("transportmux: relay stream %s timed out", id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mux) buildEnvelope(id string, req Request, timeout time.Duration) []byte {
	r := map[string]any{
		"url":        req.URL,
		"method":     req.Method,
		"headers":    req.Headers,
		"timeout_ms": timeout.Milliseconds(),
	}
	if req.JSON != nil {
		r["json"] = req.JSON
	}
	if req.Stream != "" {
		r["stream"] = req.Stream
	}
	env := map[string]any{
		"event": "http.request",
		"id":    id,
		"req":   r,
		"hold":  relayHoldHintSec,
	}
	raw, _ := json.Marshal(env)
	return raw
}

// sendWithRetry sends payload to dest, retrying once on a transient
// relay send failure before surfacing a transport error (the
// supplemented retry-once behavior from router.py's
// _http_request_with_retry, applied at the relay send boundary).
func (m *Mux) sendWithRetry(ctx context.Context, client *relay.Client, dest string, payload []byte) error {
	err := client.Send(ctx, dest, payload)
	if err == nil {
		return nil
	}
	time.Sleep(200 * time.Millisecond)
	if err2 := client.Send(ctx, dest, payload); err2 != nil {
		return fmt.Errorf("transportmux: relay send to %s failed after retry: %w", dest, err2)
	}
	return nil
}

// dispatch parses an inbound relay datagram as a relay.response* frame
// and routes it to the pending single request or the matching stream.
func (m *Mux) dispatch(msg relay.Message) {
	var frame struct {
		Event   string          `json:"event"`
		ID      string          `json:"id"`
		Ok      bool            `json:"ok"`
		Status  int             `json:"status"`
		Headers map[string]string `json:"headers"`
		JSON    any             `json:"json"`
		BodyB64 string          `json:"body_b64"`
		Error   string          `json:"error"`
		Seq     int             `json:"seq"`
		B64     string          `json:"b64"`
		Lines   []struct {
			Line string `json:"line"`
			Seq  int    `json:"seq"`
			Ts   int64  `json:"ts"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		return
	}

	switch frame.Event {
	case "relay.response":
		m.mu.Lock()
		ch, ok := m.pend[frame.ID]
		m.mu.Unlock()
		if !ok {
			return
		}
		var body []byte
		if frame.BodyB64 != "" {
			body, _ = base64.StdEncoding.DecodeString(frame.BodyB64)
		}
		ch <- &Envelope{Ok: frame.Ok, Status: frame.Status, Headers: frame.Headers, JSON: frame.JSON, Body: body, Error: frame.Error}

	case "relay.response.begin":
		m.withStream(frame.ID, func(st *streamState) {
			if st.handlers.OnBegin != nil {
				st.handlers.OnBegin(BeginMeta{Status: frame.Status, Headers: frame.Headers})
			}
		})

	case "relay.response.chunk":
		m.withStream(frame.ID, func(st *streamState) {
			if st.handlers.OnChunk != nil {
				data, _ := base64.StdEncoding.DecodeString(frame.B64)
				st.handlers.OnChunk(frame.Seq, data)
			}
		})

	case "relay.response.lines":
		m.withStream(frame.ID, func(st *streamState) {
			if st.handlers.OnLines != nil {
				lines := make([]LineEvent, 0, len(frame.Lines))
				for _, l := range frame.Lines {
					lines = append(lines, LineEvent{Line: l.Line, Seq: l.Seq, Ts: l.Ts})
				}
				st.handlers.OnLines(lines)
			}
		})

	case "relay.response.end":
		m.mu.Lock()
		st, ok := m.streams[frame.ID]
		m.mu.Unlock()
		if !ok {
			return
		}
		go func() {
			time.Sleep(m.lingerMs)
			if st.handlers.OnEnd != nil {
				st.handlers.OnEnd(EndMeta{Ok: frame.Ok, Error: frame.Error})
			}
			close(st.done)
		}()
	}
}

func (m *Mux) withStream(id string, fn func(*streamState)) {
	m.mu.Lock()
	st, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	fn(st)
}
