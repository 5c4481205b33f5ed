// Package message implements the graph's payload normalization rule:
// pull a canonical text out of whatever shape a message arrives in.
package message

import "encoding/json"

// Normalized is the canonical record callers depend on instead of the
// raw payload shape (spec design note: "model as a small normalization
// function returning a canonical {text, meta, parsed?} record").
type Normalized struct {
	Text   string
	Meta   map[string]any
	Parsed any
}

// textKeys is the precedence order used to pull a string out of a map
// payload: text, then value, then content, then data.
var textKeys = []string{"text", "value", "content", "data"}

// Extract applies the normalized text-extraction rule from §3: a string
// "text" field wins, else "value", "content", or "data"; otherwise the
// payload is stringified.
func Extract(payload any) Normalized {
	switch v := payload.(type) {
	case string:
		return Normalized{Text: v}
	case map[string]any:
		for _, k := range textKeys {
			if s, ok := v[k].(string); ok && s != "" {
				return Normalized{Text: s, Meta: v, Parsed: payload}
			}
		}
		return Normalized{Text: stringify(payload), Meta: v, Parsed: payload}
	case nil:
		return Normalized{}
	default:
		return Normalized{Text: stringify(payload), Parsed: payload}
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
