package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvPayload[T any](t *testing.T, ch <-chan json.RawMessage) T {
	t.Helper()
	var v T
	select {
	case data := <-ch:
		require.NoError(t, json.Unmarshal(data, &v))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return v
}

func collect(c *LoopbackClient, event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 8)
	c.OnMessage(event, func(data json.RawMessage) {
		ch <- data
	})
	return ch
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	hub := NewHub()
	alice := hub.NewClient()
	bob := hub.NewClient()
	defer alice.Close()
	defer bob.Close()

	aliceGetOffer := collect(alice, EventGetOffer)

	require.NoError(t, alice.Send(EventJoin, JoinPayload{ID: "alice", RoomName: "demo"}))
	require.NoError(t, bob.Send(EventJoin, JoinPayload{ID: "bob", RoomName: "demo"}))

	got := recvPayload[GetOfferPayload](t, aliceGetOffer)
	assert.Equal(t, "bob", got.MemberID)
}

func TestDuplicateJoinReportsError(t *testing.T) {
	hub := NewHub()
	alice := hub.NewClient()
	impostor := hub.NewClient()
	defer alice.Close()
	defer impostor.Close()

	errCh := collect(impostor, EventError)

	require.NoError(t, alice.Send(EventJoin, JoinPayload{ID: "alice"}))
	require.NoError(t, impostor.Send(EventJoin, JoinPayload{ID: "alice"}))

	got := recvPayload[ErrorPayload](t, errCh)
	assert.Equal(t, ErrorTypeDuplicateJoin, got.Type)
}

func TestOfferRoutesWithSenderIdentity(t *testing.T) {
	hub := NewHub()
	alice := hub.NewClient()
	bob := hub.NewClient()
	defer alice.Close()
	defer bob.Close()

	bobOffers := collect(bob, EventOffer)

	require.NoError(t, alice.Send(EventJoin, JoinPayload{ID: "alice"}))
	require.NoError(t, bob.Send(EventJoin, JoinPayload{ID: "bob"}))

	require.NoError(t, alice.Send(EventOffer, OfferPayload{
		ConnectorID: "conn-1",
		MemberID:    "bob",
		Offer:       SDP{Type: "offer", SDP: "v=0"},
		StreamKind:  "user",
	}))

	got := recvPayload[OfferPayload](t, bobOffers)
	assert.Equal(t, "conn-1", got.ConnectorID)
	// relay rewrites memberId from target to sender
	assert.Equal(t, "alice", got.MemberID)
	assert.Equal(t, "v=0", got.Offer.SDP)
}

func TestLeaveDeliversPerTargetNotices(t *testing.T) {
	hub := NewHub()
	alice := hub.NewClient()
	bob := hub.NewClient()
	defer alice.Close()
	defer bob.Close()

	bobLeaves := collect(bob, EventLeave)

	require.NoError(t, alice.Send(EventJoin, JoinPayload{ID: "alice"}))
	require.NoError(t, bob.Send(EventJoin, JoinPayload{ID: "bob"}))

	require.NoError(t, alice.Send(EventLeave, LeavePayload{
		{RemoteConnectorID: "bob-conn", MemberID: "bob"},
	}))

	got := recvPayload[LeaveNotice](t, bobLeaves)
	assert.Equal(t, "bob-conn", got.ConnectorID)
	assert.Equal(t, "alice", got.MemberID)
}

func TestLeaveKeepsSenderRoutable(t *testing.T) {
	hub := NewHub()
	alice := hub.NewClient()
	bob := hub.NewClient()
	defer alice.Close()
	defer bob.Close()

	aliceOffers := collect(alice, EventOffer)

	require.NoError(t, alice.Send(EventJoin, JoinPayload{ID: "alice"}))
	require.NoError(t, bob.Send(EventJoin, JoinPayload{ID: "bob"}))

	// a leave payload may cover only some of the sender's connectors,
	// e.g. a cancelled display share; the member itself stays in the room
	require.NoError(t, alice.Send(EventLeave, LeavePayload{
		{RemoteConnectorID: "bob-display-conn", MemberID: "bob"},
	}))

	require.NoError(t, bob.Send(EventOffer, OfferPayload{
		ConnectorID: "conn-2",
		MemberID:    "alice",
		Offer:       SDP{Type: "offer", SDP: "v=0"},
		StreamKind:  "display",
	}))

	got := recvPayload[OfferPayload](t, aliceOffers)
	assert.Equal(t, "bob", got.MemberID)
}

func TestSimulateReconnectFiresCallbacks(t *testing.T) {
	hub := NewHub()
	c := hub.NewClient()
	defer c.Close()

	fired := make(chan struct{}, 2)
	c.OnReconnect(func() { fired <- struct{}{} })

	c.SimulateReconnect()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback not fired")
	}
	assert.Empty(t, fired)
}
