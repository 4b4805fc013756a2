package rtc

import (
	"encoding/json"
	"testing"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
	"github.com/milletlovemouse/rtc-chatroom/internal/signaling"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	cfg, err := config.Load(config.Options{})
	require.NoError(t, err)
	f, err := NewFactory(cfg, nil)
	require.NoError(t, err)
	return f
}

// bridgeCandidates trickles every candidate gathered on from into to.
func bridgeCandidates(t *testing.T, from, to *Peer) {
	t.Helper()
	from.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		require.NoError(t, err)
		assert.NoError(t, to.AddICECandidate(data))
	})
}

func TestOfferAnswerOpensDataChannel(t *testing.T) {
	f := newTestFactory(t)

	caller, err := f.NewPeer()
	require.NoError(t, err)
	defer caller.Close()

	callee, err := f.NewPeer()
	require.NoError(t, err)
	defer callee.Close()

	bridgeCandidates(t, caller, callee)
	bridgeCandidates(t, callee, caller)

	opened := make(chan string, 1)
	callee.OnDataChannel(func(dc *pion.DataChannel) {
		opened <- dc.Label()
	})

	dc, err := caller.CreateDataChannel("chat")
	require.NoError(t, err)
	require.Equal(t, "chat", dc.Label())

	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)
	require.Equal(t, "offer", offer.Type)
	require.NotEmpty(t, offer.SDP)

	answer, err := callee.CreateAnswer(offer)
	require.NoError(t, err)
	require.Equal(t, "answer", answer.Type)

	require.NoError(t, caller.SetRemoteAnswer(answer))

	select {
	case label := <-opened:
		assert.Equal(t, "chat", label)
	case <-time.After(10 * time.Second):
		t.Fatal("data channel never opened")
	}
}

func TestCandidatesHeldUntilRemoteDescription(t *testing.T) {
	f := newTestFactory(t)

	caller, err := f.NewPeer()
	require.NoError(t, err)
	defer caller.Close()

	callee, err := f.NewPeer()
	require.NoError(t, err)
	defer callee.Close()

	// candidates arriving before the offer must not error
	early := make(chan json.RawMessage, 16)
	caller.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		early <- data
	})

	if _, err := caller.CreateDataChannel("chat"); err != nil {
		t.Fatal(err)
	}
	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)

	select {
	case data := <-early:
		require.NoError(t, callee.AddICECandidate(data))
	case <-time.After(5 * time.Second):
		t.Fatal("no candidate gathered")
	}

	// the held candidate flushes when the remote description lands
	_, err = callee.CreateAnswer(offer)
	require.NoError(t, err)
}

func TestConnectionStateReachesConnected(t *testing.T) {
	f := newTestFactory(t)

	caller, err := f.NewPeer()
	require.NoError(t, err)
	defer caller.Close()

	callee, err := f.NewPeer()
	require.NoError(t, err)
	defer callee.Close()

	bridgeCandidates(t, caller, callee)
	bridgeCandidates(t, callee, caller)

	connected := make(chan struct{}, 1)
	dispose := caller.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		if state == pion.PeerConnectionStateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	defer dispose()

	if _, err := caller.CreateDataChannel("chat"); err != nil {
		t.Fatal(err)
	}
	offer, err := caller.CreateOffer(false)
	require.NoError(t, err)
	answer, err := callee.CreateAnswer(offer)
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteAnswer(answer))

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("connection never reached connected state")
	}
}

func TestBadDescriptionTypeIsNegotiationFailure(t *testing.T) {
	f := newTestFactory(t)

	p, err := f.NewPeer()
	require.NoError(t, err)
	defer p.Close()

	err = p.SetRemoteAnswer(signaling.SDP{Type: "rollback", SDP: ""})
	assert.ErrorIs(t, err, ErrNegotiationFailed)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newTestFactory(t)

	p, err := f.NewPeer()
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.True(t, p.Closed())
}
