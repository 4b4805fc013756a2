package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// echoServer upgrades connections and echoes every message back.
func echoServer(t *testing.T, conns *atomic.Int32, dropFirst bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if dropFirst && n == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientSendAndReceive(t *testing.T) {
	var conns atomic.Int32
	srv := echoServer(t, &conns, false)
	defer srv.Close()

	c := NewClient(wsURL(srv), slog.Default())
	defer c.Close()

	got := make(chan json.RawMessage, 1)
	c.OnMessage(EventGetOffer, func(data json.RawMessage) {
		got <- data
	})

	require.NoError(t, c.Connect())
	require.NoError(t, c.Send(EventGetOffer, GetOfferPayload{MemberID: "bob"}))

	select {
	case data := <-got:
		var p GetOfferPayload
		require.NoError(t, json.Unmarshal(data, &p))
		assert.Equal(t, "bob", p.MemberID)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo received")
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	srv := echoServer(t, &conns, true)
	defer srv.Close()

	c := NewClient(wsURL(srv), slog.Default())
	defer c.Close()

	reconnected := make(chan struct{}, 1)
	c.OnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	require.NoError(t, c.Connect())

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestSendAfterCloseFails(t *testing.T) {
	var conns atomic.Int32
	srv := echoServer(t, &conns, false)
	defer srv.Close()

	c := NewClient(wsURL(srv), slog.Default())
	require.NoError(t, c.Connect())
	require.NoError(t, c.Close())

	// drain the buffered queue so Send must observe the closed state
	for {
		select {
		case <-c.outgoing:
			continue
		default:
		}
		break
	}

	err := c.Send(EventJoin, JoinPayload{ID: "alice"})
	assert.ErrorIs(t, err, ErrClientClosed)
}
