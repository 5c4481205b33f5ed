package peerdm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type sentEnvelope struct {
	dest string
	env  WireEnvelope
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEnvelope
}

func (f *fakeSender) Send(ctx context.Context, dest string, payload []byte) error {
	var env WireEnvelope
	_ = json.Unmarshal(payload, &env)
	f.mu.Lock()
	f.sent = append(f.sent, sentEnvelope{dest: dest, env: env})
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) last() (sentEnvelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentEnvelope{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func TestHandshakeRequestAutoAcceptReplies(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, "self-addr", Config{GraphID: "g1"}, Ports{}, nil)
	c.EnsureNode("node-a", nil, true)

	raw, _ := json.Marshal(NewHandshake("request", "peer-addr", "peer-component", "", "g1", 15, 1))
	c.HandleInbound(context.Background(), raw, "peer-addr")

	st, _ := c.nodeState("node-a")
	if st.Handshake != HandshakeAccepted {
		t.Fatalf("expected auto-accept to flip state to accepted, got %s", st.Handshake)
	}
	sent, ok := sender.last()
	if !ok || sent.env.Action != "accept" || sent.dest != "peer-addr" {
		t.Fatalf("expected an accept reply sent to peer-addr, got %+v ok=%v", sent, ok)
	}
}

func TestHandshakeRequestWithoutAutoAcceptStaysPendingIncoming(t *testing.T) {
	sender := &fakeSender{}
	var statuses []string
	c := New(sender, "self-addr", Config{GraphID: "g1"}, Ports{Status: func(nodeID, level, code, peer string) {
		statuses = append(statuses, code)
	}}, nil)
	c.EnsureNode("node-a", nil, false)

	raw, _ := json.Marshal(NewHandshake("request", "peer-addr", "peer-component", "", "g1", 15, 1))
	c.HandleInbound(context.Background(), raw, "peer-addr")

	st, _ := c.nodeState("node-a")
	if st.Handshake != HandshakePending || st.Direction != DirectionIncoming {
		t.Fatalf("expected pending/incoming, got %s/%s", st.Handshake, st.Direction)
	}
	if len(statuses) != 1 || statuses[0] != "invite" {
		t.Fatalf("expected an invite status event, got %v", statuses)
	}
}

func TestDataReassemblyEmitsIncomingOnLastChunk(t *testing.T) {
	sender := &fakeSender{}
	var incoming []string
	c := New(sender, "self-addr", Config{GraphID: "g1"}, Ports{Incoming: func(nodeID, text string, meta map[string]any) {
		incoming = append(incoming, text)
	}}, nil)
	c.EnsureNode("node-a", nil, true)
	st, _ := c.nodeState("node-a")
	st.PeerAddress = "peer-addr"
	st.Handshake = HandshakeAccepted

	raw1, _ := json.Marshal(NewData("batch-1", 1, 2, "hello ", "peer-addr", "peer-component", "g1", 1))
	raw2, _ := json.Marshal(NewData("batch-1", 2, 2, "world", "peer-addr", "peer-component", "g1", 2))
	c.HandleInbound(context.Background(), raw1, "peer-addr")
	if len(incoming) != 0 {
		t.Fatalf("expected no incoming before all chunks arrive, got %v", incoming)
	}
	c.HandleInbound(context.Background(), raw2, "peer-addr")
	if len(incoming) != 1 || incoming[0] != "hello world" {
		t.Fatalf("expected assembled incoming text, got %v", incoming)
	}
}

func TestNoCandidateNodeEmitsWarningStatus(t *testing.T) {
	sender := &fakeSender{}
	var codes []string
	c := New(sender, "self-addr", Config{GraphID: "g1"}, Ports{Status: func(nodeID, level, code, peer string) {
		codes = append(codes, code)
	}}, nil)

	raw, _ := json.Marshal(NewData("batch-1", 1, 1, "hi", "unknown-peer", "c", "g1", 1))
	c.HandleInbound(context.Background(), raw, "unknown-peer")

	if len(codes) != 1 || codes[0] != "no_candidate" {
		t.Fatalf("expected a no_candidate status event, got %v", codes)
	}
}

func TestSendTextRequiresAcceptedSession(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, "self-addr", Config{GraphID: "g1"}, Ports{}, nil)
	c.EnsureNode("node-a", nil, false)

	if err := c.SendText(context.Background(), "node-a", "hello"); err == nil {
		t.Fatalf("expected SendText to fail before a session is accepted")
	}
}

func TestRequestPeerMovesToPendingOutgoing(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender, "self-addr", Config{GraphID: "g1"}, Ports{}, nil)
	c.EnsureNode("node-a", nil, false)

	if err := c.RequestPeer(context.Background(), "node-a", "peer-addr"); err != nil {
		t.Fatalf("RequestPeer: %v", err)
	}
	st, _ := c.nodeState("node-a")
	if st.Handshake != HandshakePending || st.Direction != DirectionOutgoing {
		t.Fatalf("expected pending/outgoing, got %s/%s", st.Handshake, st.Direction)
	}
	sent, ok := sender.last()
	if !ok || sent.env.Action != "request" {
		t.Fatalf("expected a request envelope sent, got %+v", sent)
	}
}
