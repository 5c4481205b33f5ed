package asr

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu           sync.Mutex
	started      int
	ended        int
	onEventFuncs map[string]func(Event)
	recognizeAt  []int
}

func (f *fakeBackend) StartSession(ctx context.Context, req StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return "sid-1", nil
}

func (f *fakeBackend) SendAudioChunk(ctx context.Context, sid string, pcm []byte, rate int) error {
	return nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, sid string, onEvent func(Event)) (func(), error) {
	f.mu.Lock()
	if f.onEventFuncs == nil {
		f.onEventFuncs = map[string]func(Event){}
	}
	f.onEventFuncs[sid] = onEvent
	f.mu.Unlock()
	return func() {}, nil
}

func (f *fakeBackend) EndSession(ctx context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return nil
}

func (f *fakeBackend) Recognize(ctx context.Context, wav []byte) (string, error) {
	return "batch result", nil
}

func (f *fakeBackend) emit(sid string, ev Event) {
	f.mu.Lock()
	fn := f.onEventFuncs[sid]
	f.mu.Unlock()
	if fn != nil {
		ev.Sid = sid
		fn(ev)
	}
}

func testConfig() Config {
	return Config{
		Rate: 16000, ChunkMs: 120, PhraseMin: 2, PhraseStableMs: 50,
		SilenceMs: 100, PreMs: 50, HoldMs: 30, MinTailMs: 100,
		Live: true, RMSThreshold: 500, EmaMs: 20,
	}
}

func TestControllerOpensSessionOnVoice(t *testing.T) {
	backend := &fakeBackend{}
	var finals []string
	c := New(testConfig(), backend, Ports{Final: func(s string) { finals = append(finals, s) }})

	now := time.Now()
	if err := c.PushAudio(context.Background(), loudPCM(320, 2000), now); err != nil {
		t.Fatalf("PushAudio: %v", err)
	}
	backend.mu.Lock()
	started := backend.started
	backend.mu.Unlock()
	if started != 1 {
		t.Fatalf("expected one StartSession call, got %d", started)
	}
}

func TestControllerRoutesFinalEvent(t *testing.T) {
	backend := &fakeBackend{}
	var finals []string
	c := New(testConfig(), backend, Ports{Final: func(s string) { finals = append(finals, s) }})

	now := time.Now()
	_ = c.PushAudio(context.Background(), loudPCM(320, 2000), now)
	backend.emit("sid-1", Event{Type: "final", Text: "hello world"})

	if len(finals) != 1 || finals[0] != "hello world" {
		t.Fatalf("expected final routed, got %v", finals)
	}
}

func TestControllerIgnoresEventsForStaleSid(t *testing.T) {
	backend := &fakeBackend{}
	var finals []string
	c := New(testConfig(), backend, Ports{Final: func(s string) { finals = append(finals, s) }})

	now := time.Now()
	_ = c.PushAudio(context.Background(), loudPCM(320, 2000), now)
	backend.emit("sid-stale", Event{Type: "final", Text: "should be dropped"})

	if len(finals) != 0 {
		t.Fatalf("expected stale-sid event to be dropped, got %v", finals)
	}
}

func TestControllerBatchModeRecognizesAfterSilence(t *testing.T) {
	backend := &fakeBackend{}
	var finals []string
	cfg := testConfig()
	cfg.Live = false
	c := New(cfg, backend, Ports{Final: func(s string) { finals = append(finals, s) }})

	now := time.Now()
	if err := c.PushAudio(context.Background(), loudPCM(320, 2000), now); err != nil {
		t.Fatalf("PushAudio voice: %v", err)
	}
	quiet := make([]byte, 320)
	if err := c.PushAudio(context.Background(), quiet, now.Add(200*time.Millisecond)); err != nil {
		t.Fatalf("PushAudio silence: %v", err)
	}

	if len(finals) != 1 || finals[0] != "batch result" {
		t.Fatalf("expected batch recognize result routed as final, got %v", finals)
	}
}
