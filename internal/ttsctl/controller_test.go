package ttsctl

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/audio"
	"github.com/robit-man/voice-llm-interaction-graph/internal/transportmux"
)

type fakeSink struct {
	mu      sync.Mutex
	writes  [][]byte
	flushed bool
	resets  int
}

func (f *fakeSink) WritePCM(pcm []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	f.writes = append(f.writes, cp)
}
func (f *fakeSink) FlushTail() { f.mu.Lock(); f.flushed = true; f.mu.Unlock() }
func (f *fakeSink) Reset()     { f.mu.Lock(); f.resets++; f.mu.Unlock() }

func (f *fakeSink) totalBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		n += len(w)
	}
	return n
}

type fakeTTSRequester struct {
	streamBody []byte
	postResp   map[string]any
	blobCT     string
	blob       []byte
}

func (f *fakeTTSRequester) PostJSON(ctx context.Context, base, path string, body any, apiKey string, timeout time.Duration) (any, error) {
	return f.postResp, nil
}
func (f *fakeTTSRequester) FetchBlob(ctx context.Context, fullURL, apiKey string) (string, []byte, error) {
	return f.blobCT, f.blob, nil
}
func (f *fakeTTSRequester) StreamDirect(ctx context.Context, req transportmux.Request) (string, *http.Response, error) {
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(string(f.streamBody)))}
	return "chunks", resp, nil
}
func (f *fakeTTSRequester) SendStream(ctx context.Context, req transportmux.Request, dest string, handlers transportmux.StreamHandlers, timeout time.Duration) error {
	return nil
}

func waitForWrites(sink *fakeSink, minWrites int) bool {
	for i := 0; i < 100; i++ {
		sink.mu.Lock()
		n := len(sink.writes)
		sink.mu.Unlock()
		if n >= minWrites {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestControllerStreamModeDecodesAndPaces(t *testing.T) {
	samples := []float32{0.1, -0.1, 0.2, -0.2, 0.3}
	raw := audio.FloatToPCM16LE(samples)
	req := &fakeTTSRequester{streamBody: raw}
	sink := &fakeSink{}
	c := New(req, "http://svc", "", Config{Mode: "stream", SinkRate: 22050}, sink, nil)
	c.OnText("hello world")

	if !waitForWrites(sink, 3) {
		t.Fatalf("expected preroll+decoded+spacer writes, got %d", len(sink.writes))
	}
	sink.mu.Lock()
	flushed := sink.flushed
	resets := sink.resets
	sink.mu.Unlock()
	if !flushed || resets != 1 {
		t.Fatalf("expected FlushTail called and exactly one Reset, flushed=%v resets=%d", flushed, resets)
	}
}

func TestControllerFileModeFetchesBlobURL(t *testing.T) {
	req := &fakeTTSRequester{
		postResp: map[string]any{"files": []any{map[string]any{"url": "http://files/x.ogg"}}},
		blobCT:   "audio/ogg", blob: []byte{1, 2, 3, 4},
	}
	sink := &fakeSink{}
	c := New(req, "http://svc", "", Config{Mode: "file"}, sink, nil)
	c.OnText("hello")

	for i := 0; i < 100 && sink.totalBytes() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.totalBytes() != 4 {
		t.Fatalf("expected fetched blob bytes written to sink, got %d bytes", sink.totalBytes())
	}
}

func TestSanitizeEmptyTextIsNotEnqueued(t *testing.T) {
	req := &fakeTTSRequester{}
	sink := &fakeSink{}
	c := New(req, "http://svc", "", Config{Mode: "stream", SinkRate: 22050}, sink, nil)
	c.OnText("   ")
	time.Sleep(20 * time.Millisecond)
	if len(sink.writes) != 0 {
		t.Fatalf("expected no task enqueued for blank text, got %d writes", len(sink.writes))
	}
}
