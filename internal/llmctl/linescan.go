package llmctl

import (
	"io"

	"github.com/robit-man/voice-llm-interaction-graph/internal/ndjson"
)

// newLineScanner returns a function that reads r to EOF, feeding bytes
// through an ndjson.Pump (C2) so onObj sees one complete JSON object per
// call regardless of how the upstream chunked its response body.
func newLineScanner(r io.Reader, onObj func(raw string)) func() {
	return func() {
		pump := ndjson.New()
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				pump.Push(string(buf[:n]), onObj)
			}
			if err != nil {
				break
			}
		}
		pump.Flush(onObj)
	}
}
