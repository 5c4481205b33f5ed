// Package ndjson implements C2 NdjsonPump: a brace/string-aware
// splitter that turns a concatenated byte stream into one JSON object
// per callback, tolerating SSE-style "data:" prefixes and a "[DONE]"
// sentinel.
package ndjson

import "strings"

// Pump is the streaming NDJSON/SSE-ish frame splitter described in
// spec §4.2. Zero value is ready to use.
type Pump struct {
	buffer   strings.Builder
	inString bool
	escaped  bool
	depth    int
	start    int
}

// New constructs an empty Pump.
func New() *Pump { return &Pump{} }

// Push feeds more bytes (or a string) into the pump. onLine is invoked
// once per complete top-level JSON object encountered, after stripping
// a leading "data:" prefix. The literal token "[DONE]" (optionally
// prefixed by "data:") is recognized and never delivered.
func (p *Pump) Push(chunk string, onLine func(jsonText string)) {
	p.buffer.WriteString(chunk)
	buf := p.buffer.String()

	// p.start always sits at depth 0 outside any string, and the scan
	// below restarts there, so the scanner state restarts with it.
	p.inString = false
	p.escaped = false
	p.depth = 0

	for i := p.start; i < len(buf); i++ {
		c := buf[i]

		if p.inString {
			if p.escaped {
				p.escaped = false
			} else if c == '\\' {
				p.escaped = true
			} else if c == '"' {
				p.inString = false
			}
			continue
		}

		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			if p.depth > 0 {
				p.depth--
			}
			if p.depth == 0 {
				p.deliver(buf[p.start:i+1], onLine)
				p.start = i + 1
			}
		case '\n':
			if p.depth == 0 {
				// A bare newline outside of an object at depth 0 just
				// advances the scan window; it carries no payload of
				// its own (it precedes a [DONE] marker or is between
				// objects already delivered).
				p.start = i + 1
			}
		}
	}

	// Compact the buffer so it doesn't grow unboundedly across pushes.
	if p.start > 0 {
		remainder := buf[p.start:]
		p.buffer.Reset()
		p.buffer.WriteString(remainder)
		p.start = 0
	}
}

// Flush delivers any residual non-whitespace buffered content as a
// final object, provided the scanner is currently balanced (depth==0).
func (p *Pump) Flush(onLine func(jsonText string)) {
	buf := p.buffer.String()
	residual := strings.TrimSpace(buf[p.start:])
	if p.depth == 0 && residual != "" {
		p.deliver(residual, onLine)
	}
	p.buffer.Reset()
	p.inString = false
	p.escaped = false
	p.depth = 0
	p.start = 0
}

func (p *Pump) deliver(raw string, onLine func(jsonText string)) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "data:")
	text = strings.TrimSpace(text)
	if text == "" || text == "[DONE]" {
		return
	}
	onLine(text)
}
