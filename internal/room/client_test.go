package room

import (
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
	"github.com/milletlovemouse/rtc-chatroom/internal/device"
	"github.com/milletlovemouse/rtc-chatroom/internal/logging"
	"github.com/milletlovemouse/rtc-chatroom/internal/signaling"
)

const (
	convergeWait = 20 * time.Second
	pollEvery    = 50 * time.Millisecond
)

type testPeer struct {
	client    *Client
	transport *signaling.LoopbackClient
}

func newTestPeer(t *testing.T, hub *signaling.Hub) *testPeer {
	t.Helper()

	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)

	tr := hub.NewClient()
	mgr := device.NewManager(device.NewStaticSource(), logging.Component("device"))
	c, err := NewClient(cfg, tr, mgr, logging.Component("room"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &testPeer{client: c, transport: tr}
}

func (p *testPeer) join(t *testing.T, id, username string) {
	t.Helper()
	require.NoError(t, p.client.Join(Identity{ID: id, Username: username, RoomName: "test-room"}))
}

// userConnected reports whether the roster holds exactly one connected
// user media connector toward the given member.
func userConnected(c *Client, member string) bool {
	n := 0
	for _, info := range c.Roster() {
		if info.Kind != KindUserMedia {
			continue
		}
		if info.MemberID != member || info.State != StateConnected {
			return false
		}
		n++
	}
	return n == 1
}

func remoteDisplayCount(c *Client) int {
	n := 0
	for _, info := range c.Roster() {
		if info.Kind == KindRemoteDisplay {
			n++
		}
	}
	return n
}

func TestTwoMembersConverge(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	assert.Equal(t, MemberJoined, a.client.Membership())
	assert.Empty(t, a.client.Roster(), "sole member has no connectors")
	require.NotNil(t, a.client.LocalStream())

	b.join(t, "bob", "Bob")

	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery, "both sides should reach one connected user connector")
}

func TestChatDelivery(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	var mu sync.Mutex
	var got []ChatMessage
	b.client.OnChatMessage(func(m ChatMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")

	// the channel opens shortly after the connection does
	require.Eventually(t, func() bool {
		return a.client.SendChatMessage("hello bob") == nil
	}, convergeWait, 200*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, convergeWait, pollEvery)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "alice", got[0].MemberID)
	assert.Equal(t, "Alice", got[0].Username)
	assert.Equal(t, "hello bob", got[0].Text)
}

func TestFileDeliveryAcrossChunks(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	var mu sync.Mutex
	var got *FileMessage
	b.client.OnFileMessage(func(m FileMessage) {
		mu.Lock()
		if got == nil {
			got = &m
		}
		mu.Unlock()
	})

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")

	payload := make([]byte, 100*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.client.SendFile("notes.txt", "text/plain", payload) == nil
	}, convergeWait, 200*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	}, convergeWait, pollEvery)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "notes.txt", got.Name)
	assert.Equal(t, "text/plain", got.MIME)
	assert.Equal(t, int64(len(payload)), got.Size)
	assert.Equal(t, payload, got.Data)
}

func TestDisplayShareIsExclusive(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")
	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)

	stream, err := a.client.ShareDisplayMedia()
	require.NoError(t, err)
	require.NotNil(t, stream)

	// sharing again returns the active stream unchanged
	again, err := a.client.ShareDisplayMedia()
	require.NoError(t, err)
	assert.Same(t, stream, again)

	require.Eventually(t, func() bool {
		return remoteDisplayCount(b.client) == 1
	}, convergeWait, pollEvery, "the receiver should see a remote display connector")

	_, err = b.client.ShareDisplayMedia()
	require.ErrorIs(t, err, ErrRemoteDisplayActive)

	require.NoError(t, a.client.CancelShareDisplayMedia())
	assert.Nil(t, a.client.DisplayStream())
	require.Eventually(t, func() bool {
		return remoteDisplayCount(b.client) == 0
	}, convergeWait, pollEvery)

	// with the room clear the other side may share
	require.Eventually(t, func() bool {
		_, err := b.client.ShareDisplayMedia()
		return err == nil
	}, convergeWait, 200*time.Millisecond)
}

func TestCancelShareWithoutShareIsNoop(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	a.join(t, "alice", "Alice")

	require.NoError(t, a.client.CancelShareDisplayMedia())
}

func TestLeaveTearsDownPeers(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")
	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)

	require.NoError(t, b.client.Leave())
	assert.Equal(t, MemberLeft, b.client.Membership())
	assert.Empty(t, b.client.Roster())

	require.Eventually(t, func() bool {
		return len(a.client.Roster()) == 0
	}, convergeWait, pollEvery, "the remaining member should drop the departed connector")

	err := b.client.Leave()
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestJoinTwiceFails(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	err := a.client.Join(Identity{ID: "alice2", Username: "Alice", RoomName: "test-room"})
	require.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestDuplicateJoinReportedAsynchronously(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	imposter := newTestPeer(t, hub)

	errs := make(chan error, 8)
	imposter.client.OnError(func(err error) { errs <- err })

	a.join(t, "alice", "Alice")
	// the relay rejects after accepting the join call
	imposter.join(t, "alice", "Mallory")

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrDuplicateJoin)
	case <-time.After(5 * time.Second):
		t.Fatal("no duplicate join error observed")
	}

	assert.Eventually(t, func() bool {
		return imposter.client.Membership() == MemberUnjoined
	}, 5*time.Second, pollEvery)
}

func TestReconnectResyncKeepsMesh(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")
	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)

	a.transport.SimulateReconnect()

	// renegotiation must settle back into a single connected link
	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)
}

func TestMuteUnmuteKeepsConnection(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")
	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)

	require.NoError(t, a.client.DisableVideo())
	require.NoError(t, a.client.DisableAudio())
	require.NoError(t, a.client.EnableAudio())
	require.NoError(t, a.client.EnableVideo())

	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)
}

func TestReplaceVideoTrackKeepsConnection(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")
	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)

	// fresh camera track, as if the user picked another device
	spare, err := device.NewStaticSource().UserMedia()
	require.NoError(t, err)
	tracks := spare.VideoTracks()
	require.NotEmpty(t, tracks)

	require.NoError(t, a.client.ReplaceVideoTrack(tracks[0]))

	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery, "renegotiation after the swap must settle")
}

func TestBackToBackRenegotiationsSettle(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	b := newTestPeer(t, hub)

	a.join(t, "alice", "Alice")
	b.join(t, "bob", "Bob")
	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery)

	// each call renegotiates; issued without waiting they must queue
	// behind the outstanding round instead of clobbering it
	require.NoError(t, a.client.DisableVideo())
	require.NoError(t, a.client.DisableAudio())
	require.NoError(t, a.client.EnableVideo())
	require.NoError(t, a.client.EnableAudio())

	require.Eventually(t, func() bool {
		return userConnected(a.client, "bob") && userConnected(b.client, "alice")
	}, convergeWait, pollEvery, "queued renegotiations must settle back to connected")
}

func TestSendWithNoPeersReportsNoChannel(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	a.join(t, "alice", "Alice")

	// the sole member has nobody to deliver to; the error lets callers
	// poll for readiness instead of sending into the void
	err := a.client.SendChatMessage("anyone here?")
	require.ErrorIs(t, err, ErrChannelNotOpen)
}

func TestSendBeforeJoinFails(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)

	err := a.client.SendChatMessage("hello")
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	hub := signaling.NewHub()
	a := newTestPeer(t, hub)
	a.join(t, "alice", "Alice")
	require.NoError(t, a.client.Close())

	err := a.client.SendChatMessage("hello")
	require.True(t, errors.Is(err, ErrClientClosed))
}
