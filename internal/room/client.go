// Package room is the connection orchestrator: it owns the connector
// registry, drives offer/answer/ICE exchange against the signaling
// relay, multiplexes media and data per connector, and exposes the
// room session façade the UI consumes.
//
// Concurrency model: all registry mutation happens on one dispatch
// goroutine fed by a task channel. Callbacks from the transport, the
// peer connections, and the data channels post tasks; blocking work
// (device acquisition, SDP generation) runs on worker goroutines whose
// continuations re-resolve the connector by id and abort if it is
// gone.
package room

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
	"github.com/milletlovemouse/rtc-chatroom/internal/device"
	"github.com/milletlovemouse/rtc-chatroom/internal/rtc"
	"github.com/milletlovemouse/rtc-chatroom/internal/signaling"
)

// Identity names the local participant.
type Identity struct {
	ID       string
	Username string
	RoomName string
}

// Membership is the room session state.
type Membership string

const (
	MemberUnjoined Membership = "unjoined"
	MemberJoined   Membership = "joined"
	MemberLeft     Membership = "left"
)

type peerKey struct {
	member string
	kind   StreamKind
}

// Client orchestrates the mesh of peer connections for one room.
type Client struct {
	cfg       *config.Config
	log       *slog.Logger
	transport signaling.Transport
	devices   *device.Manager
	factory   *rtc.Factory

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the dispatch goroutine.
	identity      Identity
	membership    Membership
	connectors    map[string]*Connector
	byPeer        map[peerKey]*Connector
	userStream    *device.Stream
	displayStream *device.Stream
	localAudio    device.Track
	localVideo    device.Track
	audioEnabled  bool
	videoEnabled  bool

	sizeCtl *sizeController

	rosterObs  observers[[]ConnectorInfo]
	localObs   observers[*device.Stream]
	displayObs observers[*device.Stream]
	chatObs    observers[ChatMessage]
	fileObs    observers[FileMessage]
	errorObs   observers[error]
	rosterDeb  *debouncer
}

// NewClient wires the orchestrator to its transport and device
// manager and starts the dispatch loop. The transport should already
// be connected.
func NewClient(cfg *config.Config, transport signaling.Transport, devices *device.Manager, log *slog.Logger) (*Client, error) {
	factory, err := rtc.NewFactory(cfg, devices.Source().RegisterCodecs)
	if err != nil {
		return nil, fmt.Errorf("build peer factory: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		log:          log,
		transport:    transport,
		devices:      devices,
		factory:      factory,
		tasks:        make(chan func(), 128),
		done:         make(chan struct{}),
		membership:   MemberUnjoined,
		connectors:   make(map[string]*Connector),
		byPeer:       make(map[peerKey]*Connector),
		audioEnabled: true,
		videoEnabled: true,
		sizeCtl:      newSizeController(cfg.ChunkSize),
	}
	c.rosterDeb = newDebouncer(cfg.RosterDebounce, func() {
		c.post(c.emitRoster)
	})

	onEvent(c, signaling.EventGetOffer, c.handleGetOffer)
	onEvent(c, signaling.EventOffer, c.handleOffer)
	onEvent(c, signaling.EventAnswer, c.handleAnswer)
	onEvent(c, signaling.EventCandidate, c.handleCandidate)
	onEvent(c, signaling.EventLeave, c.handleLeave)
	onEvent(c, signaling.EventError, c.handleRelayError)
	transport.OnReconnect(func() {
		c.post(c.resync)
	})

	// the OS stopping a screen capture is the same as a local cancel
	devices.OnDisplayEnded(func() {
		go c.CancelShareDisplayMedia()
	})

	go c.run()
	return c, nil
}

// onEvent unmarshals a relay payload and hands it to the dispatch
// goroutine.
func onEvent[T any](c *Client, event string, handle func(T)) {
	c.transport.OnMessage(event, func(data json.RawMessage) {
		var p T
		if err := json.Unmarshal(data, &p); err != nil {
			c.log.Warn("malformed signaling payload", "event", event, "err", err)
			return
		}
		c.post(func() { handle(p) })
	})
}

func (c *Client) run() {
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.done:
			return
		}
	}
}

// post queues a task for the dispatch goroutine. Never call from the
// dispatch goroutine itself; tasks running there call helpers
// directly.
func (c *Client) post(fn func()) {
	select {
	case c.tasks <- fn:
	case <-c.done:
	}
}

// call runs fn on the dispatch goroutine and waits for its result.
func (c *Client) call(fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case c.tasks <- func() { errCh <- fn() }:
	case <-c.done:
		return ErrClientClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return ErrClientClosed
	}
}

// Join acquires camera and microphone, announces the identity to the
// relay, and starts accepting negotiation. A DuplicateJoin rejection
// arrives asynchronously through the error observers and resets the
// session to Unjoined.
func (c *Client) Join(identity Identity) error {
	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}

	stream, err := c.devices.AcquireUserMedia()
	if err != nil {
		return newError("join", err)
	}

	return c.call(func() error {
		if c.membership == MemberJoined {
			return newError("join", ErrAlreadyJoined)
		}
		c.identity = identity
		c.membership = MemberJoined
		c.adoptUserStream(stream)

		if err := c.transport.Send(signaling.EventJoin, signaling.JoinPayload{
			ID:       identity.ID,
			Username: identity.Username,
			RoomName: identity.RoomName,
		}); err != nil {
			c.membership = MemberUnjoined
			return &RoomError{Op: "join", Err: ErrTransportDisconnected, Details: err.Error()}
		}
		return nil
	})
}

func (c *Client) adoptUserStream(stream *device.Stream) {
	c.userStream = stream
	c.localAudio, c.localVideo = nil, nil
	if tracks := stream.AudioTracks(); len(tracks) > 0 {
		c.localAudio = tracks[0]
	}
	if tracks := stream.VideoTracks(); len(tracks) > 0 {
		c.localVideo = tracks[0]
	}
	c.localObs.emit(stream)
}

// Leave notifies every peer, tears down all connectors, releases the
// devices, and emits one final roster notification before dropping
// the observers.
func (c *Client) Leave() error {
	return c.call(c.leave)
}

func (c *Client) leave() error {
	if c.membership != MemberJoined {
		return newError("leave", ErrNotJoined)
	}

	entries := make(signaling.LeavePayload, 0, len(c.connectors))
	for _, conn := range c.connectors {
		if conn.channelUsable() {
			if err := conn.sendFrame(FrameClose, nil); err == nil {
				continue
			}
		}
		if conn.RemoteConnectorID != "" {
			entries = append(entries, signaling.LeaveEntry{
				RemoteConnectorID: conn.RemoteConnectorID,
				MemberID:          conn.RemoteMemberID,
			})
		}
	}
	if err := c.transport.Send(signaling.EventLeave, entries); err != nil {
		c.log.Warn("leave notification failed", "err", err)
	}

	for _, id := range c.connectorIDs() {
		c.closeConnector(id)
	}

	c.devices.Close()
	c.userStream = nil
	c.displayStream = nil
	c.localAudio, c.localVideo = nil, nil
	c.membership = MemberLeft

	c.rosterDeb.stop()
	c.emitRoster()
	c.clearObservers()
	return nil
}

// Close leaves the room if still joined, stops the dispatch loop, and
// closes the transport.
func (c *Client) Close() error {
	c.call(func() error {
		if c.membership == MemberJoined {
			return c.leave()
		}
		return nil
	})
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

func (c *Client) connectorIDs() []string {
	ids := make([]string, 0, len(c.connectors))
	for id := range c.connectors {
		ids = append(ids, id)
	}
	return ids
}

// closeConnector removes and tears down one connector. Idempotent;
// safe for unknown ids. Repeated close triggers (relay leave plus
// in-band close racing) funnel here.
func (c *Client) closeConnector(id string) {
	conn, ok := c.connectors[id]
	if !ok {
		return
	}
	delete(c.connectors, id)
	key := peerKey{conn.RemoteMemberID, conn.Kind}
	if c.byPeer[key] == conn {
		delete(c.byPeer, key)
	}
	conn.close()
	c.notifyRoster()
}

func (c *Client) reportError(err error) {
	c.log.Warn("room error", "err", err)
	c.errorObs.emit(err)
}

// notifyRoster schedules a debounced roster notification.
func (c *Client) notifyRoster() {
	c.rosterDeb.trigger()
}

// emitRoster snapshots and publishes the roster. Runs on the dispatch
// goroutine. Local display connectors are the local participant's own
// outbound share and stay out of the roster.
func (c *Client) emitRoster() {
	infos := make([]ConnectorInfo, 0, len(c.connectors))
	for _, conn := range c.connectors {
		if conn.Kind == KindLocalDisplay {
			continue
		}
		infos = append(infos, conn.info())
	}
	c.rosterObs.emit(infos)
}

func (c *Client) clearObservers() {
	c.rosterObs.clear()
	c.localObs.clear()
	c.displayObs.clear()
	c.chatObs.clear()
	c.fileObs.clear()
	c.errorObs.clear()
}

// Membership returns the session state.
func (c *Client) Membership() Membership {
	m := MemberUnjoined
	c.call(func() error { m = c.membership; return nil })
	return m
}

// LocalStream returns the camera/microphone stream, nil before Join.
func (c *Client) LocalStream() *device.Stream {
	var s *device.Stream
	c.call(func() error { s = c.userStream; return nil })
	return s
}

// DisplayStream returns the active local screen share, nil when not
// sharing.
func (c *Client) DisplayStream() *device.Stream {
	var s *device.Stream
	c.call(func() error { s = c.displayStream; return nil })
	return s
}

// Roster returns an immediate roster snapshot.
func (c *Client) Roster() []ConnectorInfo {
	var infos []ConnectorInfo
	c.call(func() error {
		for _, conn := range c.connectors {
			if conn.Kind == KindLocalDisplay {
				continue
			}
			infos = append(infos, conn.info())
		}
		return nil
	})
	return infos
}

// Observer registration. Each returns a disposer. Callbacks run on
// internal goroutines and must not call back into the Client
// synchronously.

// OnRosterChange subscribes to debounced roster snapshots.
func (c *Client) OnRosterChange(fn func([]ConnectorInfo)) func() {
	return c.rosterObs.subscribe(fn)
}

// OnLocalStreamChange subscribes to the camera stream being set or
// replaced.
func (c *Client) OnLocalStreamChange(fn func(*device.Stream)) func() {
	return c.localObs.subscribe(fn)
}

// OnDisplayStreamChange subscribes to the local screen share starting
// (non-nil) or stopping (nil).
func (c *Client) OnDisplayStreamChange(fn func(*device.Stream)) func() {
	return c.displayObs.subscribe(fn)
}

// OnChatMessage subscribes to reassembled chat messages.
func (c *Client) OnChatMessage(fn func(ChatMessage)) func() {
	return c.chatObs.subscribe(fn)
}

// OnFileMessage subscribes to reassembled file messages.
func (c *Client) OnFileMessage(fn func(FileMessage)) func() {
	return c.fileObs.subscribe(fn)
}

// OnError subscribes to non-fatal failures: negotiation errors,
// duplicate join, send failures.
func (c *Client) OnError(fn func(error)) func() {
	return c.errorObs.subscribe(fn)
}
