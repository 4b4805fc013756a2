package room

import (
	"encoding/json"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/milletlovemouse/rtc-chatroom/internal/signaling"
)

// handleGetOffer reacts to the relay announcing a member that wants
// offers: a new participant, or one resynchronizing after a transport
// drop. An existing connector renegotiates; otherwise a fresh offerer
// connector is built, plus a display connector when a share is active.
func (c *Client) handleGetOffer(p signaling.GetOfferPayload) {
	if c.membership != MemberJoined {
		return
	}

	if conn, ok := c.byPeer[peerKey{p.MemberID, KindUserMedia}]; ok {
		switch {
		case conn.Role == Offerer:
			c.renegotiate(conn, true)
		case conn.channelUsable():
			// we answered originally; ask the offerer side to redo it
			conn.sendFrame(FrameGetOffer, nil)
		default:
			// dead link with no fast path, start the pair over
			c.closeConnector(conn.ID)
			c.createOffererConnector(p.MemberID, KindUserMedia)
		}
	} else {
		c.createOffererConnector(p.MemberID, KindUserMedia)
	}

	if c.displayStream != nil {
		if _, ok := c.byPeer[peerKey{p.MemberID, KindLocalDisplay}]; !ok {
			c.createOffererConnector(p.MemberID, KindLocalDisplay)
		}
	}
}

// createOffererConnector builds one outgoing peer link and starts
// negotiation. Duplicate (member, kind) requests are ignored.
func (c *Client) createOffererConnector(memberID string, kind StreamKind) {
	key := peerKey{memberID, kind}
	if _, exists := c.byPeer[key]; exists {
		return
	}

	conn := newConnector(Offerer, kind, memberID)
	peer, err := c.factory.NewPeer()
	if err != nil {
		c.reportError(newMemberError("create connector", memberID, err))
		return
	}
	conn.peer = peer
	c.connectors[conn.ID] = conn
	c.byPeer[key] = conn
	c.wirePeer(conn)

	if err := c.attachLocalTracks(conn); err != nil {
		c.reportError(newMemberError("attach tracks", memberID, err))
		c.closeConnector(conn.ID)
		return
	}

	// the channel must exist before the first offer so negotiation
	// includes it
	ch, err := peer.CreateDataChannel("chatroom")
	if err != nil {
		c.reportError(newMemberError("create channel", memberID, err))
		c.closeConnector(conn.ID)
		return
	}
	c.wireChannel(conn, ch)

	c.startNegotiationTimer(conn)
	c.sendOffer(conn, false)
	c.notifyRoster()
}

// attachLocalTracks adds the local tracks a connector of this kind
// carries, honoring the mute flags.
func (c *Client) attachLocalTracks(conn *Connector) error {
	switch conn.Kind {
	case KindUserMedia:
		if c.videoEnabled && c.localVideo != nil {
			sender, err := conn.peer.AddTrack(c.localVideo)
			if err != nil {
				return err
			}
			conn.senders = append(conn.senders, sender)
		}
		if c.audioEnabled && c.localAudio != nil {
			sender, err := conn.peer.AddTrack(c.localAudio)
			if err != nil {
				return err
			}
			conn.senders = append(conn.senders, sender)
		}
	case KindLocalDisplay:
		if c.displayStream == nil {
			return nil
		}
		for _, track := range c.displayStream.Tracks() {
			sender, err := conn.peer.AddTrack(track)
			if err != nil {
				return err
			}
			conn.senders = append(conn.senders, sender)
		}
	}
	return nil
}

// wirePeer subscribes the orchestrator to one peer's events. Every
// callback re-resolves the connector by id on the dispatch goroutine.
func (c *Client) wirePeer(conn *Connector) {
	id := conn.ID

	disposeCand := conn.peer.OnICECandidate(func(cand *pion.ICECandidate) {
		if cand == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				return
			}
			c.transport.Send(signaling.EventCandidate, signaling.CandidatePayload{
				ConnectorID:       conn.ID,
				RemoteConnectorID: conn.RemoteConnectorID,
				MemberID:          conn.RemoteMemberID,
				Candidate:         raw,
			})
		})
	})

	disposeTrack := conn.peer.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		go drainTrack(track)
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				return
			}
			conn.remoteTracks = append(conn.remoteTracks, track)
			c.notifyRoster()
		})
	})

	disposeDC := conn.peer.OnDataChannel(func(dc *pion.DataChannel) {
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				dc.Close()
				return
			}
			c.wireChannel(conn, dc)
		})
	})

	disposeState := conn.peer.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				return
			}
			switch state {
			case pion.PeerConnectionStateConnected:
				conn.state = StateConnected
				conn.stopNegotiationTimer()
				c.notifyRoster()
			case pion.PeerConnectionStateDisconnected:
				if conn.state == StateConnected {
					conn.state = StateReconnecting
					c.notifyRoster()
				}
			case pion.PeerConnectionStateFailed:
				c.reportError(newMemberError("peer connection failed", conn.RemoteMemberID, ErrNegotiationFailed))
				c.failConnector(id)
			case pion.PeerConnectionStateClosed:
				c.closeConnector(id)
			}
		})
	})

	conn.disposers = append(conn.disposers, disposeCand, disposeTrack, disposeDC, disposeState)
}

// wireChannel attaches a data channel to a connector, whichever side
// created it.
func (c *Client) wireChannel(conn *Connector, ch dataChannel) {
	conn.channel = ch
	ch.SetBufferedAmountLowThreshold(c.cfg.LowWaterMark)

	id := conn.ID
	ch.OnOpen(func() {
		c.post(func() {
			if conn, ok := c.connectors[id]; ok {
				conn.channelOpen = true
			}
		})
	})
	ch.OnClose(func() {
		c.post(func() {
			if conn, ok := c.connectors[id]; ok {
				conn.channelOpen = false
			}
		})
	})
	ch.OnMessage(func(msg pion.DataChannelMessage) {
		frame, err := decodeFrame(msg.Data)
		if err != nil {
			c.log.Warn("malformed channel frame", "err", err)
			return
		}
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				return
			}
			c.handleFrame(conn, frame)
		})
	})
}

func (c *Client) startNegotiationTimer(conn *Connector) {
	conn.stopNegotiationTimer()
	id := conn.ID
	conn.negotiationT = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok || conn.state == StateConnected {
				return
			}
			c.reportError(newMemberError("negotiation stalled", conn.RemoteMemberID, ErrNegotiationFailed))
			c.failConnector(id)
		})
	})
}

// sendOffer generates the local offer off the dispatch goroutine and
// delivers it over the fast path when open, the relay otherwise.
func (c *Client) sendOffer(conn *Connector, iceRestart bool) {
	id := conn.ID
	conn.state = StateLocalOfferSet
	conn.offerInFlight = true
	peer := conn.peer

	go func() {
		offer, err := peer.CreateOffer(iceRestart)
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				return
			}
			if err != nil {
				c.reportError(newMemberError("create offer", conn.RemoteMemberID, err))
				c.failConnector(id)
				return
			}
			conn.state = StateAwaitingAnswer

			if conn.channelUsable() {
				if conn.sendFrame(FrameOffer, sdpFrame{Type: offer.Type, SDP: offer.SDP}) == nil {
					return
				}
			}
			c.transport.Send(signaling.EventOffer, signaling.OfferPayload{
				ConnectorID:       conn.ID,
				RemoteConnectorID: conn.RemoteConnectorID,
				MemberID:          conn.RemoteMemberID,
				Offer:             offer,
				StreamKind:        conn.Kind.wireKind(),
			})
		})
	}()
}

// handleOffer answers an incoming offer. A display offer from a peer
// becomes a RemoteDisplay connector locally. Offers addressed to an
// existing connector are renegotiations on it, not new links.
func (c *Client) handleOffer(p signaling.OfferPayload) {
	if c.membership != MemberJoined {
		return
	}
	kind := kindFromWire(p.StreamKind)

	if p.RemoteConnectorID != "" {
		if conn, ok := c.connectors[p.RemoteConnectorID]; ok {
			conn.RemoteConnectorID = p.ConnectorID
			c.applyRemoteOffer(conn, p.Offer)
			return
		}
	}
	if existing, ok := c.byPeer[peerKey{p.MemberID, kind}]; ok {
		existing.RemoteConnectorID = p.ConnectorID
		c.applyRemoteOffer(existing, p.Offer)
		return
	}

	conn := newConnector(Answerer, kind, p.MemberID)
	conn.RemoteConnectorID = p.ConnectorID
	peer, err := c.factory.NewPeer()
	if err != nil {
		c.reportError(newMemberError("create connector", p.MemberID, err))
		return
	}
	conn.peer = peer
	c.connectors[conn.ID] = conn
	c.byPeer[peerKey{p.MemberID, kind}] = conn
	c.wirePeer(conn)

	// user media flows both ways over the one connector
	if kind == KindUserMedia {
		if err := c.attachLocalTracks(conn); err != nil {
			c.reportError(newMemberError("attach tracks", p.MemberID, err))
			c.closeConnector(conn.ID)
			return
		}
	}

	conn.state = StateRemoteOfferReceived
	c.startNegotiationTimer(conn)
	c.answerOffer(conn, p.Offer)
	c.notifyRoster()
}

// answerOffer applies the remote offer and replies, first negotiation
// or renegotiation alike.
func (c *Client) answerOffer(conn *Connector, offer signaling.SDP) {
	id := conn.ID
	peer := conn.peer

	go func() {
		answer, err := peer.CreateAnswer(offer)
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				return
			}
			if err != nil {
				c.reportError(newMemberError("create answer", conn.RemoteMemberID, err))
				c.failConnector(id)
				return
			}
			conn.state = StateLocalAnswerSet

			if conn.channelUsable() {
				if conn.sendFrame(FrameAnswer, sdpFrame{Type: answer.Type, SDP: answer.SDP}) == nil {
					c.finishNegotiation(conn)
					return
				}
			}
			c.transport.Send(signaling.EventAnswer, signaling.AnswerPayload{
				ConnectorID:       conn.ID,
				RemoteConnectorID: conn.RemoteConnectorID,
				MemberID:          conn.RemoteMemberID,
				Answer:            answer,
				StreamKind:        conn.Kind.wireKind(),
			})
			c.finishNegotiation(conn)
		})
	}()
}

// applyRemoteOffer handles a renegotiation offer on an existing
// connector: same dance as the initial exchange, replayed.
func (c *Client) applyRemoteOffer(conn *Connector, offer signaling.SDP) {
	if conn.state == StateConnected {
		conn.state = StateReconnecting
	}
	c.startNegotiationTimer(conn)
	c.answerOffer(conn, offer)
}

// handleAnswer correlates an answer to the offering connector by our
// connector id. Missing connectors mean it closed while the answer
// was in flight; the answer is dropped.
func (c *Client) handleAnswer(p signaling.AnswerPayload) {
	conn, ok := c.connectors[p.RemoteConnectorID]
	if !ok {
		return
	}
	conn.RemoteConnectorID = p.ConnectorID
	c.applyRemoteAnswer(conn, p.Answer)
}

func (c *Client) applyRemoteAnswer(conn *Connector, answer signaling.SDP) {
	id := conn.ID
	peer := conn.peer

	go func() {
		err := peer.SetRemoteAnswer(answer)
		c.post(func() {
			conn, ok := c.connectors[id]
			if !ok {
				return
			}
			if err != nil {
				c.reportError(newMemberError("apply answer", conn.RemoteMemberID, err))
				c.failConnector(id)
				return
			}
			c.finishNegotiation(conn)
		})
	}()
}

// finishNegotiation marks one offer/answer round complete. An SDP-only
// renegotiation does not re-fire the connected state callback, so the
// state is restored here when the transport stayed up. A renegotiation
// queued during the round runs now.
func (c *Client) finishNegotiation(conn *Connector) {
	conn.offerInFlight = false
	if conn.state != StateConnected &&
		conn.peer.ConnectionState() == pion.PeerConnectionStateConnected {
		conn.state = StateConnected
		conn.stopNegotiationTimer()
		c.notifyRoster()
	}
	if conn.renegotiatePending {
		conn.renegotiatePending = false
		restart := conn.pendingICERestart
		conn.pendingICERestart = false
		c.renegotiate(conn, restart)
	}
}

// failConnector tears a broken connector down and, when it was a user
// media link we initiated, rebuilds it so the member does not stay
// unlinked. Only the offerer side rebuilds; both sides recreating at
// once would collide on a fresh pair of offers.
func (c *Client) failConnector(id string) {
	conn, ok := c.connectors[id]
	if !ok {
		return
	}
	member := conn.RemoteMemberID
	rebuild := conn.Kind == KindUserMedia && conn.Role == Offerer
	c.closeConnector(id)
	if rebuild && c.membership == MemberJoined {
		c.createOffererConnector(member, KindUserMedia)
	}
}

// handleCandidate routes a trickled candidate. Resolution tries our
// connector id first, then the remote's, since candidates can race
// ahead of the answer. Unknown connectors drop the candidate silently.
func (c *Client) handleCandidate(p signaling.CandidatePayload) {
	conn, ok := c.connectors[p.RemoteConnectorID]
	if !ok {
		for _, candidate := range c.connectors {
			if candidate.RemoteConnectorID == p.ConnectorID && candidate.RemoteMemberID == p.MemberID {
				conn, ok = candidate, true
				break
			}
		}
	}
	if !ok {
		return
	}
	if err := conn.peer.AddICECandidate(p.Candidate); err != nil {
		c.log.Debug("candidate rejected", "connector", conn.ID, "err", err)
	}
}

// handleLeave closes the connector a departing member addressed to us.
func (c *Client) handleLeave(n signaling.LeaveNotice) {
	c.closeConnector(n.ConnectorID)
}

// handleRelayError maps relay-reported failures. A duplicate join
// resets the session so the caller can retry with another identity.
func (c *Client) handleRelayError(p signaling.ErrorPayload) {
	switch p.Type {
	case signaling.ErrorTypeDuplicateJoin:
		c.membership = MemberUnjoined
		c.reportError(&RoomError{Op: "join", Err: ErrDuplicateJoin, Details: p.Message})
	default:
		c.reportError(&RoomError{Op: "signaling", Err: ErrTransportDisconnected, Details: p.Message})
	}
}

// resync runs after the signaling transport reconnects: announce the
// identity again, then replay negotiation per connector. Offerers
// regenerate offers with an ICE restart; answerers ask their offerer
// to do so over the fast path.
func (c *Client) resync() {
	if c.membership != MemberJoined {
		return
	}

	c.transport.Send(signaling.EventReconnect, signaling.JoinPayload{
		ID:       c.identity.ID,
		Username: c.identity.Username,
		RoomName: c.identity.RoomName,
	})

	for _, conn := range c.connectors {
		c.renegotiate(conn, true)
	}
}

// renegotiate replays the offer exchange on an existing connector.
// Answerers cannot originate offers; they ask their offerer to redo
// the exchange over the fast path instead. While a round is already
// outstanding the request is queued, one offer at a time.
func (c *Client) renegotiate(conn *Connector, iceRestart bool) {
	if conn.Role != Offerer {
		if conn.channelUsable() {
			conn.sendFrame(FrameGetOffer, nil)
		}
		return
	}
	if conn.offerInFlight {
		conn.renegotiatePending = true
		conn.pendingICERestart = conn.pendingICERestart || iceRestart
		return
	}
	if conn.state == StateConnected {
		conn.state = StateReconnecting
	}
	c.startNegotiationTimer(conn)
	c.sendOffer(conn, iceRestart)
}

// handleFrame dispatches one in-band data-channel frame.
func (c *Client) handleFrame(conn *Connector, frame Frame) {
	switch frame.Type {
	case FrameClose:
		c.closeConnector(conn.ID)

	case FrameGetOffer:
		c.renegotiate(conn, false)

	case FrameOffer:
		p, err := decodePayload[sdpFrame](frame)
		if err != nil {
			c.log.Warn("bad offer frame", "err", err)
			return
		}
		c.applyRemoteOffer(conn, signaling.SDP{Type: p.Type, SDP: p.SDP})

	case FrameAnswer:
		p, err := decodePayload[sdpFrame](frame)
		if err != nil {
			c.log.Warn("bad answer frame", "err", err)
			return
		}
		c.applyRemoteAnswer(conn, signaling.SDP{Type: p.Type, SDP: p.SDP})

	case FrameChat, FrameFile:
		c.handleChunk(conn, frame)

	default:
		c.log.Debug("unknown frame type", "type", frame.Type)
	}
}

// drainTrack keeps a remote track's RTP flowing so buffers do not
// back up; the media itself is consumed by the UI layer if at all.
func drainTrack(track *pion.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
