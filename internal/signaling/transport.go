package signaling

import "encoding/json"

// Handler receives the raw payload of one relay event.
type Handler func(data json.RawMessage)

// Transport is the bidirectional event channel to the signaling relay.
// Handlers for a given event are invoked sequentially from a single
// dispatch goroutine, so ordering within one event name is preserved
// while the connection is stable. Reconnect callbacks fire exactly
// once per reestablished connection; missed messages are not replayed.
type Transport interface {
	Send(event string, payload any) error
	OnMessage(event string, h Handler)
	OnReconnect(fn func())
	Close() error
}
