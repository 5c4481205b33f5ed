package peerdm

import "time"

type Handshake string

const (
	HandshakeIdle     Handshake = "idle"
	HandshakePending  Handshake = "pending"
	HandshakeAccepted Handshake = "accepted"
	HandshakeDeclined Handshake = "declined"
)

type Direction string

const (
	DirectionIdle     Direction = "idle"
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionAccepted Direction = "accepted"
	DirectionDeclined Direction = "declined"
)

type Indicator string

const (
	IndicatorOnline   Indicator = "online"
	IndicatorWarning  Indicator = "warning"
	IndicatorCritical Indicator = "critical"
)

// NodeState is one PeerDM node's session state (§3 "PeerDM state").
type NodeState struct {
	Handshake         Handshake
	Direction         Direction
	PeerAddress       string
	RemoteComponentID string
	AllowedPeers      []string
	AutoAccept        bool
	LastSeenAt        time.Time
	MissedBeats       int
	Inbox             *Inbox
}

func NewNodeState() *NodeState {
	return &NodeState{Handshake: HandshakeIdle, Direction: DirectionIdle, Inbox: NewInbox()}
}

// IsAllowed reports whether addr may bypass the invite flow.
func (s *NodeState) IsAllowed(addr string) bool {
	if s.AutoAccept {
		return true
	}
	for _, p := range s.AllowedPeers {
		if p == addr {
			return true
		}
	}
	return false
}

// Indicator derives the online/warning/critical heartbeat indicator
// from missed beats (§4.9 "online → warning (≥1 missed) → critical (≥5 missed)").
func (s *NodeState) Indicator() Indicator {
	switch {
	case s.MissedBeats >= 5:
		return IndicatorCritical
	case s.MissedBeats >= 1:
		return IndicatorWarning
	default:
		return IndicatorOnline
	}
}

// TimedOut reports whether the peer has been silent for more than
// 5x the heartbeat interval.
func (s *NodeState) TimedOut(now time.Time, intervalSec int) bool {
	if s.LastSeenAt.IsZero() {
		return false
	}
	return now.Sub(s.LastSeenAt) > 5*time.Duration(intervalSec)*time.Second
}
