package rtc

import (
	"log"
	"time"

	"github.com/robit-man/voice-llm-interaction-graph/internal/barge"
)

// pacedSink is the subset of *OpusPacedWriter that bargeTeeSink forwards to.
type pacedSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
}

// bargeTeeSink wraps a PCM48kSink so outgoing TTS audio is also mirrored
// into the barge-in fusion engine's AEC reference, without disturbing the
// pacing/encoding path that writes the audio to the peer connection.
type bargeTeeSink struct {
	sink   pacedSink
	engine barge.Engine
}

func (s bargeTeeSink) WritePCM(pcm []byte) {
	s.sink.WritePCM(pcm)
	s.engine.FeedTTS48k(pcm)
}
func (s bargeTeeSink) FlushTail() { s.sink.FlushTail() }
func (s bargeTeeSink) Reset() {
	s.sink.Reset()
	s.engine.Reset()
}

// newBargeEngine builds the call's voice-activity fusion engine (residual
// VAD + ASR token growth + double-talk detection), wired to cut TTS output
// the moment the caller starts talking over it. callID is used only for
// logging.
func newBargeEngine(callID string, onTrigger func()) barge.Engine {
	return barge.NewEngine(barge.DefaultWebRTCHeadset(), barge.Events{
		OnTrigger: func(ts time.Time, cues barge.Cues, preRoll []byte) {
			log.Printf("[%s] barge-in: vad=%v asr=%v dtd=%v", callID, cues.VAD, cues.ASR, cues.DTD)
			onTrigger()
		},
		OnTTSStop: func(time.Time) {},
	})
}
