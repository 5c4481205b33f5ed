package ttsctl

import (
	"context"
	"fmt"

	"github.com/robit-man/voice-llm-interaction-graph/internal/audio"
)

// DirectVoiceProvider is the shape shared by internal/tts's DeepgramClient
// and ElevenLabsClient: each streams 48kHz PCM16LE over a channel pair
// rather than the generic /speak endpoint. Kept as a pluggable alternative
// for nodes configured against a named provider instead of a relay/direct
// HTTP TTS service (§4.8).
type DirectVoiceProvider interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// SetProvider attaches a direct voice provider (deepgram/elevenlabs) to the
// controller. When set, OnText's Mode=="provider" tasks are satisfied by
// streaming from the provider instead of the generic /speak endpoint.
func (c *Controller) SetProvider(p DirectVoiceProvider) { c.provider = p }

func (c *Controller) speakProvider(ctx context.Context, text string) error {
	if c.provider == nil {
		return fmt.Errorf("ttsctl: mode=provider but no DirectVoiceProvider attached")
	}
	c.sink.Reset()
	c.sink.WritePCM(audio.FloatToPCM16LE(make([]float32, prerollMs*c.cfg.SinkRate/1000)))

	pcmCh, errCh := c.provider.StreamPCM48k(ctx, text)
	const providerRate = 48000
	for chunk := range pcmCh {
		samples, _ := audio.PCM16LEToFloat(chunk)
		if c.cfg.SinkRate != 0 && c.cfg.SinkRate != providerRate {
			samples = audio.ResampleLinear(samples, providerRate, c.cfg.SinkRate)
		}
		c.sink.WritePCM(audio.FloatToPCM16LE(samples))
	}
	if err := <-errCh; err != nil {
		c.sink.FlushTail()
		return fmt.Errorf("ttsctl: provider speak: %w", err)
	}

	c.sink.WritePCM(audio.FloatToPCM16LE(make([]float32, spacerMs*c.cfg.SinkRate/1000)))
	c.sink.FlushTail()
	return nil
}
