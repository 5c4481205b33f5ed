// Package ttsctl implements C8 TTS Controller: per-node FIFO speech
// task serialization, text sanitization, and stream/file audio delivery.
package ttsctl

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	urlPattern        = regexp.MustCompile(`https?://\S+`)
	markdownEmphasis  = regexp.MustCompile(`[*_~` + "`" + `]+`)
	ellipsisRun       = regexp.MustCompile(`\.{3,}`)
	// Deliberately excludes the ASCII apostrophe: curly quotes are unified
	// to it above, not stripped.
	quotesAndBrackets = regexp.MustCompile(`["` + "`" + `“”‘’«»\[\](){}]`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
	spaceBeforePunct  = regexp.MustCompile(`\s+([,.!?;:])`)
)

// Sanitize prepares text for a TTS request per §4.8: NFKC-normalize,
// unify curly quotes, strip URLs, strip Markdown emphasis/code marks,
// collapse ellipsis runs, remove quote/bracket characters, compress
// whitespace, and normalize spacing around punctuation.
func Sanitize(text string) string {
	t := norm.NFKC.String(text)
	t = strings.NewReplacer("’", "'", "‘", "'", "‛", "'").Replace(t)
	t = urlPattern.ReplaceAllString(t, "")
	t = markdownEmphasis.ReplaceAllString(t, "")
	t = ellipsisRun.ReplaceAllString(t, ".")
	t = quotesAndBrackets.ReplaceAllString(t, "")
	t = whitespaceRun.ReplaceAllString(t, " ")
	t = spaceBeforePunct.ReplaceAllString(t, "$1")
	return strings.TrimSpace(t)
}
