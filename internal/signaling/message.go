package signaling

import "encoding/json"

// Relay event names. The relay routes peer-addressed events on the
// payload's memberId and rewrites memberId to the sender's id before
// delivery, so a recipient always sees who a message came from.
const (
	EventJoin      = "join"
	EventGetOffer  = "getOffer"
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "icecandidate"
	EventLeave     = "leave"
	EventReconnect = "reconnect"
	EventError     = "error"
)

// Error types reported by the relay.
const (
	ErrorTypeDuplicateJoin = "DUPLICATE_JOIN"
)

// Message is the wire envelope for all relay traffic.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SDP mirrors a session description without depending on the WebRTC
// stack; Type is "offer" or "answer".
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// JoinPayload announces the local participant to a room.
type JoinPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	RoomName string `json:"roomname"`
}

// GetOfferPayload asks the recipient to open negotiation toward the
// named member.
type GetOfferPayload struct {
	MemberID string `json:"memberId"`
}

// OfferPayload carries an SDP offer. ConnectorID is the sender's
// connector; RemoteConnectorID is the recipient's connector when the
// sender already knows it (renegotiation).
type OfferPayload struct {
	ConnectorID       string `json:"connectorId"`
	RemoteConnectorID string `json:"remoteConnectorId,omitempty"`
	MemberID          string `json:"memberId"`
	Offer             SDP    `json:"offer"`
	StreamKind        string `json:"streamKind"`
}

// AnswerPayload carries an SDP answer, correlated by both connector
// ids.
type AnswerPayload struct {
	ConnectorID       string `json:"connectorId"`
	RemoteConnectorID string `json:"remoteConnectorId"`
	MemberID          string `json:"memberId"`
	Answer            SDP    `json:"answer"`
	StreamKind        string `json:"streamKind"`
}

// CandidatePayload carries one trickled ICE candidate. Candidate is
// the browser-shaped ICECandidateInit JSON.
type CandidatePayload struct {
	ConnectorID       string          `json:"connectorId"`
	RemoteConnectorID string          `json:"remoteConnectorId,omitempty"`
	MemberID          string          `json:"memberId"`
	Candidate         json.RawMessage `json:"candidate"`
}

// LeaveEntry addresses one remote connector to tear down.
type LeaveEntry struct {
	RemoteConnectorID string `json:"remoteConnectorId"`
	MemberID          string `json:"memberId"`
}

// LeavePayload lists every peer connector the leaving participant held.
type LeavePayload []LeaveEntry

// LeaveNotice is what the relay delivers to each addressed member:
// the recipient's own connector id plus the leaver's member id.
type LeaveNotice struct {
	ConnectorID string `json:"connectorId"`
	MemberID    string `json:"memberId"`
}

// ErrorPayload reports a relay-side failure.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
