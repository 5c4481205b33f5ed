// Package peerdm implements C9 PeerDM Controller: a handshake/heartbeat/
// chunking application protocol layered over the same datagram relay
// transport internal/transportmux drives (§4.9).
package peerdm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// WireEnvelope is the on-the-wire shape of every PeerDM frame. Which
// fields are populated, not a discriminator tag, determines the kind
// (§4.9's four envelope shapes all carry from/componentId/targetId/graphId/ts).
type WireEnvelope struct {
	From        string `json:"from"`
	ComponentID string `json:"componentId"`
	TargetID    string `json:"targetId,omitempty"`
	GraphID     string `json:"graphId"`
	Ts          int64  `json:"ts"`

	Action    string `json:"action,omitempty"`
	Heartbeat int    `json:"heartbeat,omitempty"`

	ID         string `json:"id,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	Total      int    `json:"total,omitempty"`
	Text       string `json:"text,omitempty"`
	B64        string `json:"b64,omitempty"`
	PayloadB64 string `json:"payload_b64,omitempty"`
	BodyB64    string `json:"body_b64,omitempty"`

	Note string `json:"note,omitempty"`
}

func NewHandshake(action, from, componentID, targetID, graphID string, heartbeatSec int, ts int64) WireEnvelope {
	return WireEnvelope{From: from, ComponentID: componentID, TargetID: targetID, GraphID: graphID, Ts: ts, Action: action, Heartbeat: heartbeatSec}
}

func NewHeartbeat(action, from, componentID, targetID, graphID string, ts int64) WireEnvelope {
	return WireEnvelope{From: from, ComponentID: componentID, TargetID: targetID, GraphID: graphID, Ts: ts, Action: action}
}

func NewData(id string, seq, total int, text, from, componentID, graphID string, ts int64) WireEnvelope {
	return WireEnvelope{From: from, ComponentID: componentID, GraphID: graphID, Ts: ts, ID: id, Seq: seq, Total: total, Text: text}
}

func NewDebug(action, note, from, componentID, graphID string, ts int64) WireEnvelope {
	return WireEnvelope{From: from, ComponentID: componentID, GraphID: graphID, Ts: ts, Action: action, Note: note}
}

// NormalizeInbound best-effort-hydrates a raw inbound datagram into a
// JSON object, repeating JSON-string and base64 decoding up to a few
// levels deep (§4.9 "parsing is best-effort with repeated hydration").
func NormalizeInbound(raw []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("peerdm: payload is not JSON: %w", err)
	}
	return hydrate(v, 0)
}

func hydrate(v any, depth int) (map[string]any, error) {
	if depth > 3 {
		return nil, fmt.Errorf("peerdm: payload hydration depth exceeded")
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		var inner any
		if err := json.Unmarshal([]byte(t), &inner); err == nil {
			return hydrate(inner, depth+1)
		}
		if decoded, err := base64.StdEncoding.DecodeString(t); err == nil {
			var inner2 any
			if err := json.Unmarshal(decoded, &inner2); err == nil {
				return hydrate(inner2, depth+1)
			}
		}
		return nil, fmt.Errorf("peerdm: payload string could not be hydrated into an object")
	default:
		return nil, fmt.Errorf("peerdm: payload was not an object")
	}
}

// ClassifyAndDecode re-marshals a normalized object into a WireEnvelope
// and classifies it by shape: "handshake", "heartbeat", "data", "debug",
// or "unknown".
func ClassifyAndDecode(obj map[string]any) (string, WireEnvelope) {
	b, _ := json.Marshal(obj)
	var env WireEnvelope
	_ = json.Unmarshal(b, &env)

	switch {
	case env.Total > 0 && env.Seq > 0:
		return "data", env
	case env.Action == "request" || env.Action == "accept" || env.Action == "decline" || env.Action == "sync":
		return "handshake", env
	case env.Action == "ping" || env.Action == "pong":
		return "heartbeat", env
	case env.Note != "" || env.Action != "":
		return "debug", env
	default:
		return "unknown", env
	}
}

// DataText extracts text from a data envelope, preferring the plain
// text field and falling back to its base64 variants (§4.9).
func DataText(env WireEnvelope) string {
	if env.Text != "" {
		return env.Text
	}
	for _, b64 := range []string{env.B64, env.PayloadB64, env.BodyB64} {
		if b64 == "" {
			continue
		}
		if decoded, err := base64.StdEncoding.DecodeString(b64); err == nil {
			return string(decoded)
		}
	}
	return ""
}

var textKeyPriority = []string{
	"text", "message", "content", "value", "body", "payload", "data",
	"note", "detail", "result", "entry", "summary", "description",
}

// ExtractText picks the best textual representation of an arbitrary
// normalized payload, trying keys in the priority order of §4.9.
func ExtractText(obj map[string]any) string {
	for _, k := range textKeyPriority {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
