package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
)

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("signaling client closed")

// Client manages the WebSocket connection to the signaling relay.
// It reconnects automatically with capped exponential backoff and
// fires registered reconnect callbacks once per reestablished
// connection. Messages sent while the link is down stay queued until
// the next session flushes them.
type Client struct {
	serverURL string
	log       *slog.Logger

	mu           sync.Mutex
	handlers     map[string][]Handler
	reconnectFns []func()

	outgoing  chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signaling client for the given wss:// URL.
func NewClient(serverURL string, log *slog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		log:       log,
		handlers:  make(map[string][]Handler),
		outgoing:  make(chan Message, 32),
		done:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the pumps.
func (c *Client) Connect() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.startSession(conn)
	return nil
}

// Send implements Transport.
func (c *Client) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}

	select {
	case c.outgoing <- Message{Event: event, Data: data}:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// OnMessage implements Transport.
func (c *Client) OnMessage(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnReconnect implements Transport.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectFns = append(c.reconnectFns, fn)
}

// Close closes the connection and stops reconnecting. Safe to call
// multiple times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// dial opens a WebSocket connection using a dialer with the robust
// DNS lookup.
func (c *Client) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.NetDial = func(network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		resolvedIP, err := lookupHost(host)
		if err != nil {
			return nil, fmt.Errorf("dns lookup failed: %w", err)
		}

		return net.Dial(network, net.JoinHostPort(resolvedIP, port))
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return conn, nil
}

func (c *Client) startSession(conn *websocket.Conn) {
	sessionDone := make(chan struct{})
	go c.writePump(conn, sessionDone)
	go c.readPump(conn, sessionDone)
}

// readPump reads messages until the connection dies, then hands off to
// the reconnect loop unless the client was closed.
func (c *Client) readPump(conn *websocket.Conn, sessionDone chan struct{}) {
	defer func() {
		close(sessionDone)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.log.Warn("signaling connection lost", "err", err)
				go c.reconnectLoop()
			}
			return
		}
		c.dispatch(msg)
	}
}

// writePump writes queued messages and sends periodic pings.
func (c *Client) writePump(conn *websocket.Conn, sessionDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sessionDone:
			return

		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) reconnectLoop() {
	delay := reconnectBaseDelay

	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		conn, err := c.dial()
		if err != nil {
			c.log.Debug("reconnect attempt failed", "err", err, "next", delay)
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}

		c.log.Info("signaling connection reestablished")
		c.startSession(conn)

		c.mu.Lock()
		fns := make([]func(), len(c.reconnectFns))
		copy(fns, c.reconnectFns)
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		return
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	hs := make([]Handler, len(c.handlers[msg.Event]))
	copy(hs, c.handlers[msg.Event])
	c.mu.Unlock()

	for _, h := range hs {
		h(msg.Data)
	}
}
