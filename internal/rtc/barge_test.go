package rtc

import (
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"
)

func pcmSine(sampleRate int, hz float64, durMs int) []byte {
	n := sampleRate * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

type fakePacedSink struct {
	writes, flushes, resets int32
}

func (f *fakePacedSink) WritePCM(_ []byte) { atomic.AddInt32(&f.writes, 1) }
func (f *fakePacedSink) FlushTail()        { atomic.AddInt32(&f.flushes, 1) }
func (f *fakePacedSink) Reset()            { atomic.AddInt32(&f.resets, 1) }

func TestBargeTeeSink_ForwardsToUnderlyingSink(t *testing.T) {
	fake := &fakePacedSink{}
	engine := newBargeEngine("test-call", func() {})
	tee := bargeTeeSink{sink: fake, engine: engine}

	tee.WritePCM(make([]byte, 1920))
	tee.FlushTail()
	tee.Reset()

	if atomic.LoadInt32(&fake.writes) != 1 {
		t.Fatalf("expected WritePCM forwarded once, got %d", fake.writes)
	}
	if atomic.LoadInt32(&fake.flushes) != 1 {
		t.Fatalf("expected FlushTail forwarded once, got %d", fake.flushes)
	}
	if atomic.LoadInt32(&fake.resets) != 1 {
		t.Fatalf("expected Reset forwarded once, got %d", fake.resets)
	}
}

func TestNewBargeEngine_TriggersCallback(t *testing.T) {
	triggered := false
	engine := newBargeEngine("test-call", func() { triggered = true })
	engine.SetSpeaking(true)

	tts := pcmSine(48000, 440, 200)
	engine.FeedTTS48k(tts)
	go func() { engine.NotifyPartial("hello there assistant") }()
	mic := pcmSine(16000, 220, 400)
	engine.FeedMic16k(mic)

	if !triggered {
		t.Fatalf("expected bargeEngine's OnTrigger to invoke the onTrigger callback")
	}
}
