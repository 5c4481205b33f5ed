package peerdm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender is the narrow internal/relay surface PeerDM needs: send a raw
// payload to a peer address. The same one-per-process relay client C5
// uses is handed in here (§5 Resource policy).
type Sender interface {
	Send(ctx context.Context, dest string, payload []byte) error
}

// Config is PeerDM-node-independent controller configuration.
type Config struct {
	GraphID              string
	HeartbeatIntervalSec int // min 5, default 15
	ChunkBytes           int // default 1800, min 512
}

// Ports mirrors the three PeerDM output ports of §3/§4.9.
type Ports struct {
	Incoming func(nodeID, text string, meta map[string]any)
	Status   func(nodeID, level, code, peer string)
	Raw      func(nodeID, text, pretty string)
}

// Controller routes PeerDM envelopes for every node registered on this
// process, grounded directly on spec.md §4.9 (new code; no teacher
// ancestor implements an application protocol like this).
type Controller struct {
	sender      Sender
	selfAddress string
	cfg         Config
	ports       Ports
	log         *slog.Logger

	mu    sync.Mutex
	nodes map[string]*NodeState
}

func New(sender Sender, selfAddress string, cfg Config, ports Ports, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{sender: sender, selfAddress: selfAddress, cfg: cfg, ports: ports, log: log, nodes: map[string]*NodeState{}}
}

// EnsureNode registers (or reconfigures) a PeerDM node.
func (c *Controller) EnsureNode(nodeID string, allowedPeers []string, autoAccept bool) *NodeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.nodes[nodeID]
	if !ok {
		st = NewNodeState()
		c.nodes[nodeID] = st
	}
	st.AllowedPeers = allowedPeers
	st.AutoAccept = autoAccept
	return st
}

func (c *Controller) nodeState(nodeID string) (*NodeState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.nodes[nodeID]
	return st, ok
}

func (c *Controller) heartbeatInterval() int {
	iv := c.cfg.HeartbeatIntervalSec
	if iv == 0 {
		return 15
	}
	if iv < 5 {
		return 5
	}
	return iv
}

func (c *Controller) chunkBytes() int {
	if c.cfg.ChunkBytes < minChunkBytes {
		if c.cfg.ChunkBytes == 0 {
			return defaultChunkBytes
		}
		return minChunkBytes
	}
	return c.cfg.ChunkBytes
}

func (c *Controller) send(ctx context.Context, dest string, env WireEnvelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("peerdm: encode envelope: %w", err)
	}
	if err := c.sender.Send(ctx, dest, b); err != nil {
		c.log.Error("peerdm: send failed", "dest", dest, "error", err)
		return err
	}
	return nil
}

// RequestPeer moves an idle node into pending/outgoing and sends the
// initial handshake request (§4.9).
func (c *Controller) RequestPeer(ctx context.Context, nodeID, peerAddress string) error {
	st, ok := c.nodeState(nodeID)
	if !ok {
		return fmt.Errorf("peerdm: unknown node %s", nodeID)
	}
	st.PeerAddress = peerAddress
	st.Handshake = HandshakePending
	st.Direction = DirectionOutgoing
	return c.send(ctx, peerAddress, NewHandshake("request", c.selfAddress, nodeID, "", c.cfg.GraphID, c.heartbeatInterval(), nowMs()))
}

// Accept moves a pending/incoming node to accepted and starts heartbeat.
func (c *Controller) Accept(ctx context.Context, nodeID string) error {
	st, ok := c.nodeState(nodeID)
	if !ok || st.Direction != DirectionIncoming {
		return fmt.Errorf("peerdm: node %s has no pending incoming invite", nodeID)
	}
	st.Handshake = HandshakeAccepted
	st.Direction = DirectionAccepted
	st.LastSeenAt = time.Now()
	st.MissedBeats = 0
	return c.send(ctx, st.PeerAddress, NewHandshake("accept", c.selfAddress, nodeID, st.RemoteComponentID, c.cfg.GraphID, 0, nowMs()))
}

// Decline moves a pending/incoming node to declined.
func (c *Controller) Decline(ctx context.Context, nodeID string) error {
	st, ok := c.nodeState(nodeID)
	if !ok {
		return fmt.Errorf("peerdm: unknown node %s", nodeID)
	}
	st.Handshake = HandshakeDeclined
	st.Direction = DirectionDeclined
	return c.send(ctx, st.PeerAddress, NewHandshake("decline", c.selfAddress, nodeID, st.RemoteComponentID, c.cfg.GraphID, 0, nowMs()))
}

// SendText splits text and ships it to an accepted node's peer.
func (c *Controller) SendText(ctx context.Context, nodeID, text string) error {
	st, ok := c.nodeState(nodeID)
	if !ok || st.Handshake != HandshakeAccepted {
		return fmt.Errorf("peerdm: node %s is not in an accepted session", nodeID)
	}
	batchID := uuid.NewString()
	envs := SplitForEnvelope(text, batchID, c.selfAddress, nodeID, c.cfg.GraphID, nowMs(), c.chunkBytes())
	for _, e := range envs {
		if err := c.send(ctx, st.PeerAddress, e); err != nil {
			return err
		}
	}
	return nil
}

// HandleInbound parses and routes one inbound relay datagram (§4.9
// "Routing to nodes" and "Payload normalization").
func (c *Controller) HandleInbound(ctx context.Context, raw []byte, src string) {
	obj, err := NormalizeInbound(raw)
	if err != nil {
		c.log.Warn("peerdm: could not normalize inbound payload", "src", src, "error", err)
		return
	}
	kind, env := ClassifyAndDecode(obj)
	targets := c.candidateNodeIDs(env, src)
	if len(targets) == 0 {
		if kind == "data" {
			c.log.Warn("peerdm: no candidate node for inbound data frame", "src", src, "id", env.ID)
			if c.ports.Status != nil {
				c.ports.Status("", "warning", "no_candidate", src)
			}
		}
		return
	}
	for _, id := range targets {
		switch kind {
		case "handshake":
			c.handleHandshake(ctx, id, env, src)
		case "heartbeat":
			c.handleHeartbeat(ctx, id, env, src)
		case "data":
			c.handleData(id, env)
		default:
			if c.ports.Raw != nil {
				pretty, _ := json.MarshalIndent(obj, "", "  ")
				c.ports.Raw(id, ExtractText(obj), string(pretty))
			}
		}
	}
}

// candidateNodeIDs implements §4.9's priority-ordered routing rules.
func (c *Controller) candidateNodeIDs(env WireEnvelope, src string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if env.TargetID != "" {
		for _, id := range ids {
			if id == env.TargetID {
				return []string{id}
			}
		}
	}

	var byAddr []string
	for _, id := range ids {
		if st := c.nodes[id]; st.PeerAddress != "" && st.PeerAddress == src {
			byAddr = append(byAddr, id)
		}
	}
	if len(byAddr) > 0 {
		return byAddr
	}

	if env.GraphID == "" || env.GraphID == c.cfg.GraphID {
		var open []string
		for _, id := range ids {
			st := c.nodes[id]
			if st.PeerAddress == "" || st.IsAllowed(src) || st.AutoAccept {
				open = append(open, id)
			}
		}
		return open
	}
	return nil
}

func (c *Controller) handleHandshake(ctx context.Context, nodeID string, env WireEnvelope, src string) {
	st, ok := c.nodeState(nodeID)
	if !ok {
		return
	}

	switch env.Action {
	case "request":
		if st.Handshake == HandshakeAccepted || st.IsAllowed(src) {
			st.PeerAddress = src
			st.RemoteComponentID = env.ComponentID
			st.Handshake = HandshakeAccepted
			st.Direction = DirectionAccepted
			st.LastSeenAt = time.Now()
			st.MissedBeats = 0
			c.send(ctx, src, NewHandshake("accept", c.selfAddress, nodeID, env.ComponentID, c.cfg.GraphID, 0, nowMs()))
			c.status(nodeID, "info", "accepted", src)
			return
		}
		st.PeerAddress = src
		st.RemoteComponentID = env.ComponentID
		st.Handshake = HandshakePending
		st.Direction = DirectionIncoming
		c.status(nodeID, "info", "invite", src)
	case "accept":
		if st.Direction == DirectionOutgoing {
			st.Handshake = HandshakeAccepted
			st.Direction = DirectionAccepted
			st.LastSeenAt = time.Now()
			st.MissedBeats = 0
			c.status(nodeID, "info", "accepted", src)
		}
	case "decline":
		st.Handshake = HandshakeDeclined
		st.Direction = DirectionDeclined
		c.status(nodeID, "info", "declined", src)
	case "sync":
		if st.Handshake == HandshakeAccepted {
			c.send(ctx, src, NewHandshake("accept", c.selfAddress, nodeID, env.ComponentID, c.cfg.GraphID, 0, nowMs()))
			st.LastSeenAt = time.Now()
			st.MissedBeats = 0
		}
	}
}

func (c *Controller) handleHeartbeat(ctx context.Context, nodeID string, env WireEnvelope, src string) {
	st, ok := c.nodeState(nodeID)
	if !ok {
		return
	}
	st.LastSeenAt = time.Now()
	st.MissedBeats = 0
	if env.Action == "ping" {
		c.send(ctx, src, NewHeartbeat("pong", c.selfAddress, nodeID, env.ComponentID, c.cfg.GraphID, nowMs()))
	}
}

func (c *Controller) handleData(nodeID string, env WireEnvelope) {
	st, ok := c.nodeState(nodeID)
	if !ok {
		return
	}
	text := DataText(env)
	if assembled, done := st.Inbox.Add(env.ID, env.Seq, env.Total, text); done {
		if c.ports.Incoming != nil {
			c.ports.Incoming(nodeID, assembled, map[string]any{"id": env.ID, "from": env.From})
		}
	}
}

func (c *Controller) status(nodeID, level, code, peer string) {
	if c.ports.Status != nil {
		c.ports.Status(nodeID, level, code, peer)
	}
}

// Run drives the heartbeat ticker until ctx is canceled: pinging
// accepted peers, resending pending outgoing requests, and flagging
// timeouts (§4.9 "Heartbeat").
func (c *Controller) Run(ctx context.Context) {
	interval := c.heartbeatInterval()
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	type target struct {
		id string
		st *NodeState
	}

	c.mu.Lock()
	var accepted, pendingOutgoing []target
	for id, st := range c.nodes {
		switch {
		case st.Handshake == HandshakeAccepted:
			st.MissedBeats++
			accepted = append(accepted, target{id, st})
		case st.Handshake == HandshakePending && st.Direction == DirectionOutgoing:
			pendingOutgoing = append(pendingOutgoing, target{id, st})
		}
	}
	c.mu.Unlock()

	now := time.Now()
	interval := c.heartbeatInterval()
	for _, tgt := range accepted {
		if tgt.st.TimedOut(now, interval) {
			c.status(tgt.id, "error", "timeout", tgt.st.PeerAddress)
			continue
		}
		c.send(ctx, tgt.st.PeerAddress, NewHeartbeat("ping", c.selfAddress, tgt.id, tgt.st.RemoteComponentID, c.cfg.GraphID, nowMs()))
		c.status(tgt.id, indicatorLevel(tgt.st.Indicator()), "heartbeat", tgt.st.PeerAddress)
	}
	for _, tgt := range pendingOutgoing {
		c.send(ctx, tgt.st.PeerAddress, NewHandshake("request", c.selfAddress, tgt.id, "", c.cfg.GraphID, interval, nowMs()))
	}
}

func indicatorLevel(i Indicator) string {
	switch i {
	case IndicatorCritical:
		return "error"
	case IndicatorWarning:
		return "warning"
	default:
		return "info"
	}
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
