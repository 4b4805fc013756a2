package signaling

import (
	"encoding/json"
	"sync"
)

// Hub is an in-process stand-in for the signaling relay. It applies
// the same routing contract: join fans a getOffer out to existing
// members, peer-addressed events route on memberId and have memberId
// rewritten to the sender, leave entries become per-target notices.
// Used by tests and the --local demo mode.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*LoopbackClient
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*LoopbackClient)}
}

// NewClient returns a transport attached to this hub. It takes part in
// routing once its join message arrives.
func (h *Hub) NewClient() *LoopbackClient {
	c := &LoopbackClient{
		hub:      h,
		handlers: make(map[string][]Handler),
		inbox:    make(chan Message, 256),
		done:     make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

func (h *Hub) route(from *LoopbackClient, msg Message) {
	switch msg.Event {
	case EventJoin:
		h.handleJoin(from, msg)
	case EventReconnect:
		h.handleResync(from, msg)
	case EventOffer, EventAnswer, EventCandidate:
		h.routeToMember(from, msg)
	case EventLeave:
		h.handleLeave(from, msg)
	}
}

func (h *Hub) handleJoin(from *LoopbackClient, msg Message) {
	var join JoinPayload
	if err := json.Unmarshal(msg.Data, &join); err != nil {
		return
	}

	h.mu.Lock()
	if existing, ok := h.clients[join.ID]; ok && existing != from {
		h.mu.Unlock()
		from.deliver(EventError, ErrorPayload{
			Type:    ErrorTypeDuplicateJoin,
			Message: "member id already joined",
		})
		return
	}
	from.memberID = join.ID
	h.clients[join.ID] = from
	others := h.othersLocked(join.ID)
	h.mu.Unlock()

	for _, peer := range others {
		peer.deliver(EventGetOffer, GetOfferPayload{MemberID: join.ID})
	}
}

// handleResync treats a reconnect announcement like a join without the
// duplicate check: every other member is asked to renegotiate toward
// the returning participant.
func (h *Hub) handleResync(from *LoopbackClient, msg Message) {
	var join JoinPayload
	if err := json.Unmarshal(msg.Data, &join); err != nil {
		return
	}

	h.mu.Lock()
	from.memberID = join.ID
	h.clients[join.ID] = from
	others := h.othersLocked(join.ID)
	h.mu.Unlock()

	for _, peer := range others {
		peer.deliver(EventGetOffer, GetOfferPayload{MemberID: join.ID})
	}
}

func (h *Hub) routeToMember(from *LoopbackClient, msg Message) {
	var fields map[string]any
	if err := json.Unmarshal(msg.Data, &fields); err != nil {
		return
	}
	target, _ := fields["memberId"].(string)

	h.mu.Lock()
	to := h.clients[target]
	h.mu.Unlock()
	if to == nil {
		return
	}

	fields["memberId"] = from.memberID
	data, err := json.Marshal(fields)
	if err != nil {
		return
	}
	to.deliverRaw(Message{Event: msg.Event, Data: data})
}

// handleLeave fans leave entries out as per-target notices. The sender
// stays routable: a leave payload may cover only part of its
// connectors (a cancelled display share), and full departure ends with
// the transport closing anyway.
func (h *Hub) handleLeave(from *LoopbackClient, msg Message) {
	var entries LeavePayload
	if err := json.Unmarshal(msg.Data, &entries); err != nil {
		return
	}

	h.mu.Lock()
	targets := make(map[*LoopbackClient][]LeaveNotice)
	for _, entry := range entries {
		if to := h.clients[entry.MemberID]; to != nil {
			targets[to] = append(targets[to], LeaveNotice{
				ConnectorID: entry.RemoteConnectorID,
				MemberID:    from.memberID,
			})
		}
	}
	h.mu.Unlock()

	for to, notices := range targets {
		for _, n := range notices {
			to.deliver(EventLeave, n)
		}
	}
}

func (h *Hub) othersLocked(exclude string) []*LoopbackClient {
	others := make([]*LoopbackClient, 0, len(h.clients))
	for id, c := range h.clients {
		if id != exclude {
			others = append(others, c)
		}
	}
	return others
}

func (h *Hub) remove(c *LoopbackClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.memberID != "" && h.clients[c.memberID] == c {
		delete(h.clients, c.memberID)
	}
}

// LoopbackClient implements Transport against an in-process Hub.
type LoopbackClient struct {
	hub      *Hub
	memberID string

	mu           sync.Mutex
	handlers     map[string][]Handler
	reconnectFns []func()

	inbox     chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// Send implements Transport.
func (c *LoopbackClient) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.hub.route(c, Message{Event: event, Data: data})
	return nil
}

// OnMessage implements Transport.
func (c *LoopbackClient) OnMessage(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnReconnect implements Transport.
func (c *LoopbackClient) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectFns = append(c.reconnectFns, fn)
}

// Close implements Transport.
func (c *LoopbackClient) Close() error {
	c.closeOnce.Do(func() {
		c.hub.remove(c)
		close(c.done)
	})
	return nil
}

// SimulateReconnect fires the reconnect callbacks as the websocket
// client would after reestablishing a dropped connection.
func (c *LoopbackClient) SimulateReconnect() {
	c.mu.Lock()
	fns := make([]func(), len(c.reconnectFns))
	copy(fns, c.reconnectFns)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *LoopbackClient) deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	c.deliverRaw(Message{Event: event, Data: data})
}

func (c *LoopbackClient) deliverRaw(msg Message) {
	select {
	case c.inbox <- msg:
	case <-c.done:
	}
}

func (c *LoopbackClient) dispatchLoop() {
	for {
		select {
		case msg := <-c.inbox:
			c.mu.Lock()
			hs := make([]Handler, len(c.handlers[msg.Event]))
			copy(hs, c.handlers[msg.Event])
			c.mu.Unlock()
			for _, h := range hs {
				h(msg.Data)
			}
		case <-c.done:
			return
		}
	}
}
