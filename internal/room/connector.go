package room

import (
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"

	"github.com/milletlovemouse/rtc-chatroom/internal/rtc"
)

// StreamKind says what one connector carries.
type StreamKind string

const (
	KindUserMedia     StreamKind = "user"
	KindLocalDisplay  StreamKind = "display"
	KindRemoteDisplay StreamKind = "remoteDisplay"
)

// wireKind is the value put on signaling messages. Both display kinds
// travel as "display"; the receiver records the connector as
// RemoteDisplay.
func (k StreamKind) wireKind() string {
	if k == KindRemoteDisplay {
		return string(KindLocalDisplay)
	}
	return string(k)
}

func kindFromWire(s string) StreamKind {
	if s == string(KindLocalDisplay) {
		return KindRemoteDisplay
	}
	return KindUserMedia
}

// Role distinguishes the side that initiates negotiation from the side
// that responds.
type Role string

const (
	Offerer  Role = "offerer"
	Answerer Role = "answerer"
)

// State is the connector lifecycle position.
type State string

const (
	StateCreated              State = "created"
	StateLocalOfferSet        State = "localOfferSet"
	StateAwaitingAnswer       State = "awaitingAnswer"
	StateRemoteOfferReceived  State = "remoteOfferReceived"
	StateLocalAnswerSet       State = "localAnswerSet"
	StateConnected            State = "connected"
	StateReconnecting         State = "reconnecting"
	StateClosed               State = "closed"
)

// Connector is one peer link to one remote member for one stream
// purpose. All fields are owned by the orchestrator's dispatch
// goroutine; callbacks from lower layers post tasks instead of
// touching a connector directly.
type Connector struct {
	ID                string
	Role              Role
	Kind              StreamKind
	RemoteMemberID    string
	RemoteConnectorID string
	RemoteUsername    string

	state        State
	peer         *rtc.Peer
	channel      dataChannel
	channelOpen  bool
	senders      []*pion.RTPSender
	remoteTracks []*pion.TrackRemote
	reassembly   *assembler
	negotiationT *time.Timer
	disposers    []func()

	// One offer/answer round at a time. A renegotiation requested
	// while a round is outstanding is queued and replayed when the
	// round completes; pion rejects a second local offer on top of an
	// unanswered one.
	offerInFlight      bool
	renegotiatePending bool
	pendingICERestart  bool
}

func newConnector(role Role, kind StreamKind, memberID string) *Connector {
	return &Connector{
		ID:             uuid.NewString(),
		Role:           role,
		Kind:           kind,
		RemoteMemberID: memberID,
		state:          StateCreated,
		reassembly:     newAssembler(),
	}
}

// State returns the current lifecycle state.
func (c *Connector) State() State { return c.state }

// HasRemoteStream reports whether remote media has arrived.
func (c *Connector) HasRemoteStream() bool { return len(c.remoteTracks) > 0 }

// RemoteTracks returns the inbound tracks seen so far.
func (c *Connector) RemoteTracks() []*pion.TrackRemote { return c.remoteTracks }

// channelUsable reports whether the fast path is available.
func (c *Connector) channelUsable() bool {
	return c.channel != nil && c.channelOpen &&
		c.channel.ReadyState() == pion.DataChannelStateOpen
}

// sendFrame pushes one frame over the data channel.
func (c *Connector) sendFrame(frameType string, payload any) error {
	if !c.channelUsable() {
		return ErrChannelNotOpen
	}
	data, err := encodeFrame(frameType, payload)
	if err != nil {
		return err
	}
	return c.channel.Send(data)
}

// stopNegotiationTimer cancels the stalled-negotiation deadline.
func (c *Connector) stopNegotiationTimer() {
	if c.negotiationT != nil {
		c.negotiationT.Stop()
		c.negotiationT = nil
	}
}

// close tears the connector down: timers, subscriptions, channel,
// peer. Idempotent; never cascades to other connectors.
func (c *Connector) close() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed

	c.stopNegotiationTimer()
	for _, dispose := range c.disposers {
		dispose()
	}
	c.disposers = nil

	if c.channel != nil {
		c.channel.Close()
	}
	if c.peer != nil {
		c.peer.Close()
	}
	c.senders = nil
	c.remoteTracks = nil
}

// ConnectorInfo is the roster-facing snapshot of one connector.
type ConnectorInfo struct {
	ConnectorID string
	MemberID    string
	Username    string
	Kind        StreamKind
	State       State
	HasStream   bool
}

func (c *Connector) info() ConnectorInfo {
	return ConnectorInfo{
		ConnectorID: c.ID,
		MemberID:    c.RemoteMemberID,
		Username:    c.RemoteUsername,
		Kind:        c.Kind,
		State:       c.state,
		HasStream:   c.HasRemoteStream(),
	}
}
