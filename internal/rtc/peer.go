package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"

	"github.com/milletlovemouse/rtc-chatroom/internal/config"
	"github.com/milletlovemouse/rtc-chatroom/internal/signaling"
)

// ErrNegotiationFailed marks any SDP or ICE operation that could not
// complete. Callers match it with errors.Is; the underlying cause stays
// in the message.
var ErrNegotiationFailed = errors.New("negotiation failed")

func negotiationError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrNegotiationFailed, err)
}

// Factory builds peer connections that share one media engine and one
// ICE configuration.
type Factory struct {
	cfg *config.Config
	api *pion.API
}

// NewFactory creates a factory. populate registers codecs on the media
// engine; pass nil to use pion's defaults.
func NewFactory(cfg *config.Config, populate func(*pion.MediaEngine) error) (*Factory, error) {
	engine := &pion.MediaEngine{}
	if populate == nil {
		populate = (*pion.MediaEngine).RegisterDefaultCodecs
	}
	if err := populate(engine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return &Factory{
		cfg: cfg,
		api: pion.NewAPI(pion.WithMediaEngine(engine)),
	}, nil
}

// NewPeer creates a wrapped peer connection using the factory's ICE
// servers and transport policy.
func (f *Factory) NewPeer() (*Peer, error) {
	iceServers := []pion.ICEServer{{URLs: f.cfg.GetSTUNServers()}}

	turnServers := f.cfg.GetTURNServers()
	if turnServers != nil {
		username, password := f.cfg.GetTURNCredentials()
		iceServers = append(iceServers, pion.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := pion.ICETransportPolicyAll
	if f.cfg.ShouldForceRelay() {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := f.api.NewPeerConnection(pion.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return newPeer(pc), nil
}

// Peer wraps a pion peer connection with multi-subscriber callbacks and
// a candidate queue. Pion applies remote candidates only after the
// remote description is set, so candidates that trickle in early are
// held and flushed once negotiation catches up.
//
// Every On* method returns a disposer that removes that subscriber.
type Peer struct {
	pc *pion.PeerConnection

	mu           sync.Mutex
	remoteSet    bool
	held         []pion.ICECandidateInit
	candidateFns map[int64]func(*pion.ICECandidate)
	trackFns     map[int64]func(*pion.TrackRemote, *pion.RTPReceiver)
	channelFns   map[int64]func(*pion.DataChannel)
	stateFns     map[int64]func(pion.PeerConnectionState)

	nextID atomic.Int64
	closed atomic.Bool
}

func newPeer(pc *pion.PeerConnection) *Peer {
	p := &Peer{
		pc:           pc,
		candidateFns: make(map[int64]func(*pion.ICECandidate)),
		trackFns:     make(map[int64]func(*pion.TrackRemote, *pion.RTPReceiver)),
		channelFns:   make(map[int64]func(*pion.DataChannel)),
		stateFns:     make(map[int64]func(pion.PeerConnectionState)),
	}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		for _, fn := range p.snapshotCandidateFns() {
			fn(c)
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		for _, fn := range p.snapshotTrackFns() {
			fn(track, receiver)
		}
	})
	pc.OnDataChannel(func(dc *pion.DataChannel) {
		for _, fn := range p.snapshotChannelFns() {
			fn(dc)
		}
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		for _, fn := range p.snapshotStateFns() {
			fn(state)
		}
	})

	return p
}

// OnICECandidate subscribes to gathered local candidates. The callback
// receives nil when gathering completes.
func (p *Peer) OnICECandidate(fn func(*pion.ICECandidate)) func() {
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.candidateFns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.candidateFns, id)
		p.mu.Unlock()
	}
}

// OnTrack subscribes to incoming remote media tracks.
func (p *Peer) OnTrack(fn func(*pion.TrackRemote, *pion.RTPReceiver)) func() {
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.trackFns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.trackFns, id)
		p.mu.Unlock()
	}
}

// OnDataChannel subscribes to channels opened by the remote side.
func (p *Peer) OnDataChannel(fn func(*pion.DataChannel)) func() {
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.channelFns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.channelFns, id)
		p.mu.Unlock()
	}
}

// OnConnectionStateChange subscribes to aggregate connection state
// transitions.
func (p *Peer) OnConnectionStateChange(fn func(pion.PeerConnectionState)) func() {
	id := p.nextID.Add(1)
	p.mu.Lock()
	p.stateFns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.stateFns, id)
		p.mu.Unlock()
	}
}

func (p *Peer) snapshotCandidateFns() []func(*pion.ICECandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fns := make([]func(*pion.ICECandidate), 0, len(p.candidateFns))
	for _, fn := range p.candidateFns {
		fns = append(fns, fn)
	}
	return fns
}

func (p *Peer) snapshotTrackFns() []func(*pion.TrackRemote, *pion.RTPReceiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fns := make([]func(*pion.TrackRemote, *pion.RTPReceiver), 0, len(p.trackFns))
	for _, fn := range p.trackFns {
		fns = append(fns, fn)
	}
	return fns
}

func (p *Peer) snapshotChannelFns() []func(*pion.DataChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fns := make([]func(*pion.DataChannel), 0, len(p.channelFns))
	for _, fn := range p.channelFns {
		fns = append(fns, fn)
	}
	return fns
}

func (p *Peer) snapshotStateFns() []func(pion.PeerConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fns := make([]func(pion.PeerConnectionState), 0, len(p.stateFns))
	for _, fn := range p.stateFns {
		fns = append(fns, fn)
	}
	return fns
}

// AddTrack attaches a local track for sending.
func (p *Peer) AddTrack(track pion.TrackLocal) (*pion.RTPSender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, negotiationError("add track", err)
	}
	return sender, nil
}

// RemoveTrack detaches a sending track.
func (p *Peer) RemoveTrack(sender *pion.RTPSender) error {
	if err := p.pc.RemoveTrack(sender); err != nil {
		return negotiationError("remove track", err)
	}
	return nil
}

// Senders returns the current RTP senders.
func (p *Peer) Senders() []*pion.RTPSender {
	return p.pc.GetSenders()
}

// CreateDataChannel opens an ordered reliable channel.
func (p *Peer) CreateDataChannel(label string) (*pion.DataChannel, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(label, &pion.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, negotiationError("create data channel", err)
	}
	return dc, nil
}

// CreateOffer builds an offer and sets it as the local description.
// Candidates trickle through OnICECandidate as they are gathered.
func (p *Peer) CreateOffer(iceRestart bool) (signaling.SDP, error) {
	var opts *pion.OfferOptions
	if iceRestart {
		opts = &pion.OfferOptions{ICERestart: true}
	}

	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return signaling.SDP{}, negotiationError("create offer", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, negotiationError("set local description", err)
	}

	return fromSessionDescription(p.pc.LocalDescription()), nil
}

// CreateAnswer applies a remote offer and builds the local answer. Any
// candidates held before this point are flushed.
func (p *Peer) CreateAnswer(offer signaling.SDP) (signaling.SDP, error) {
	desc, err := toSessionDescription(offer)
	if err != nil {
		return signaling.SDP{}, err
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return signaling.SDP{}, negotiationError("set remote description", err)
	}
	p.flushHeldCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, negotiationError("create answer", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, negotiationError("set local description", err)
	}

	return fromSessionDescription(p.pc.LocalDescription()), nil
}

// SetRemoteAnswer applies the remote answer and flushes held
// candidates.
func (p *Peer) SetRemoteAnswer(answer signaling.SDP) error {
	desc, err := toSessionDescription(answer)
	if err != nil {
		return err
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return negotiationError("set remote description", err)
	}
	p.flushHeldCandidates()
	return nil
}

// AddICECandidate applies a trickled remote candidate, holding it if
// the remote description is not set yet.
func (p *Peer) AddICECandidate(raw json.RawMessage) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return negotiationError("parse ICE candidate", err)
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.held = append(p.held, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return negotiationError("add ICE candidate", err)
	}
	return nil
}

func (p *Peer) flushHeldCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	held := p.held
	p.held = nil
	p.mu.Unlock()

	for _, init := range held {
		if err := p.pc.AddICECandidate(init); err != nil {
			continue
		}
	}
}

// ConnectionState returns the aggregate peer connection state.
func (p *Peer) ConnectionState() pion.PeerConnectionState {
	return p.pc.ConnectionState()
}

// Close tears down the connection. Safe to call multiple times.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pc.Close()
}

// Closed reports whether Close has run.
func (p *Peer) Closed() bool {
	return p.closed.Load()
}

func toSessionDescription(s signaling.SDP) (pion.SessionDescription, error) {
	var t pion.SDPType
	switch s.Type {
	case "offer":
		t = pion.SDPTypeOffer
	case "answer":
		t = pion.SDPTypeAnswer
	default:
		return pion.SessionDescription{}, negotiationError("parse description",
			fmt.Errorf("unexpected type %q", s.Type))
	}
	return pion.SessionDescription{Type: t, SDP: s.SDP}, nil
}

func fromSessionDescription(d *pion.SessionDescription) signaling.SDP {
	if d == nil {
		return signaling.SDP{}
	}
	return signaling.SDP{Type: d.Type.String(), SDP: d.SDP}
}
