package peerdm

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestNormalizeInboundPlainObject(t *testing.T) {
	raw := []byte(`{"action":"ping","from":"a","componentId":"c","graphId":"g"}`)
	obj, err := NormalizeInbound(raw)
	if err != nil {
		t.Fatalf("NormalizeInbound: %v", err)
	}
	if obj["action"] != "ping" {
		t.Fatalf("got %v", obj)
	}
}

func TestNormalizeInboundDoubleEncodedJSONString(t *testing.T) {
	inner := `{"action":"pong","from":"b"}`
	outer, _ := json.Marshal(inner)
	obj, err := NormalizeInbound(outer)
	if err != nil {
		t.Fatalf("NormalizeInbound: %v", err)
	}
	if obj["action"] != "pong" {
		t.Fatalf("got %v", obj)
	}
}

func TestNormalizeInboundBase64EncodedJSONString(t *testing.T) {
	inner := []byte(`{"text":"hello","id":"x","seq":1,"total":1}`)
	b64 := base64.StdEncoding.EncodeToString(inner)
	outer, _ := json.Marshal(b64)
	obj, err := NormalizeInbound(outer)
	if err != nil {
		t.Fatalf("NormalizeInbound: %v", err)
	}
	if obj["text"] != "hello" {
		t.Fatalf("got %v", obj)
	}
}

func TestClassifyAndDecodeHandshake(t *testing.T) {
	obj, _ := NormalizeInbound([]byte(`{"action":"request","from":"a","componentId":"c","graphId":"g"}`))
	kind, env := ClassifyAndDecode(obj)
	if kind != "handshake" || env.Action != "request" {
		t.Fatalf("got kind=%s env=%+v", kind, env)
	}
}

func TestClassifyAndDecodeHeartbeat(t *testing.T) {
	obj, _ := NormalizeInbound([]byte(`{"action":"ping","from":"a"}`))
	kind, _ := ClassifyAndDecode(obj)
	if kind != "heartbeat" {
		t.Fatalf("got kind=%s", kind)
	}
}

func TestClassifyAndDecodeData(t *testing.T) {
	obj, _ := NormalizeInbound([]byte(`{"id":"x","seq":1,"total":2,"text":"hi"}`))
	kind, env := ClassifyAndDecode(obj)
	if kind != "data" || env.Seq != 1 || env.Total != 2 {
		t.Fatalf("got kind=%s env=%+v", kind, env)
	}
}

func TestDataTextPrefersPlainTextThenB64(t *testing.T) {
	env := WireEnvelope{Text: "plain"}
	if got := DataText(env); got != "plain" {
		t.Fatalf("got %q", got)
	}
	b64 := base64.StdEncoding.EncodeToString([]byte("decoded"))
	env2 := WireEnvelope{B64: b64}
	if got := DataText(env2); got != "decoded" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractTextPrefersHigherPriorityKey(t *testing.T) {
	obj := map[string]any{"content": "second", "text": "first"}
	if got := ExtractText(obj); got != "first" {
		t.Fatalf("got %q", got)
	}
}
