package room

import (
	pion "github.com/pion/webrtc/v4"

	"github.com/milletlovemouse/rtc-chatroom/internal/device"
	"github.com/milletlovemouse/rtc-chatroom/internal/signaling"
)

// ShareDisplayMedia starts a screen share. At most one share exists
// room-wide: when this client already shares, the active stream comes
// back unchanged; when a remote participant shares, the call fails
// with ErrRemoteDisplayActive. One display connector is negotiated per
// connected peer.
func (c *Client) ShareDisplayMedia() (*device.Stream, error) {
	var existing *device.Stream
	if err := c.call(func() error {
		if c.membership != MemberJoined {
			return newError("share display", ErrNotJoined)
		}
		if c.displayStream != nil {
			existing = c.displayStream
			return nil
		}
		return c.checkNoRemoteShare()
	}); err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	stream, err := c.devices.AcquireDisplayMedia()
	if err != nil {
		return nil, newError("share display", err)
	}

	// the registry may have changed while the picker was up
	if err := c.call(func() error {
		if c.membership != MemberJoined {
			c.devices.ReleaseDisplayMedia()
			return newError("share display", ErrNotJoined)
		}
		if c.displayStream != nil {
			existing = c.displayStream
			return nil
		}
		if err := c.checkNoRemoteShare(); err != nil {
			c.devices.ReleaseDisplayMedia()
			return err
		}

		c.displayStream = stream
		c.displayObs.emit(stream)
		for member := range c.userMediaMembers() {
			c.createOffererConnector(member, KindLocalDisplay)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return stream, nil
}

func (c *Client) checkNoRemoteShare() error {
	for _, conn := range c.connectors {
		if conn.Kind == KindRemoteDisplay {
			return newMemberError("share display", conn.RemoteMemberID, ErrRemoteDisplayActive)
		}
	}
	return nil
}

func (c *Client) userMediaMembers() map[string]struct{} {
	members := make(map[string]struct{})
	for _, conn := range c.connectors {
		if conn.Kind == KindUserMedia {
			members[conn.RemoteMemberID] = struct{}{}
		}
	}
	return members
}

// CancelShareDisplayMedia stops the local screen share: peers get a
// close frame over the fast path, a relay leave entry when the display
// channel never opened, every display connector goes away, the capture
// is released. No-op when not sharing; the OS ending the capture
// funnels here too.
func (c *Client) CancelShareDisplayMedia() error {
	return c.call(func() error {
		if c.displayStream == nil {
			return nil
		}

		var displayIDs []string
		for id, conn := range c.connectors {
			if conn.Kind == KindLocalDisplay {
				displayIDs = append(displayIDs, id)
			}
		}
		var entries signaling.LeavePayload
		for _, id := range displayIDs {
			if conn := c.connectors[id]; conn != nil {
				if conn.sendFrame(FrameClose, nil) != nil && conn.RemoteConnectorID != "" {
					entries = append(entries, signaling.LeaveEntry{
						RemoteConnectorID: conn.RemoteConnectorID,
						MemberID:          conn.RemoteMemberID,
					})
				}
			}
			c.closeConnector(id)
		}
		if len(entries) > 0 {
			if err := c.transport.Send(signaling.EventLeave, entries); err != nil {
				c.log.Warn("display close notification failed", "err", err)
			}
		}

		c.devices.ReleaseDisplayMedia()
		c.displayStream = nil
		c.displayObs.emit(nil)
		return nil
	})
}

// ReplaceVideoTrack swaps the outgoing camera track on every user
// media connector and renegotiates so remote decoders pick it up.
// Audio is untouched.
func (c *Client) ReplaceVideoTrack(track device.Track) error {
	return c.replaceTrack(pion.RTPCodecTypeVideo, track)
}

// ReplaceAudioTrack swaps the outgoing microphone track, same
// mechanism as ReplaceVideoTrack.
func (c *Client) ReplaceAudioTrack(track device.Track) error {
	return c.replaceTrack(pion.RTPCodecTypeAudio, track)
}

func (c *Client) replaceTrack(kind pion.RTPCodecType, track device.Track) error {
	return c.call(func() error {
		if c.membership != MemberJoined {
			return newError("replace track", ErrNotJoined)
		}

		var old device.Track
		switch kind {
		case pion.RTPCodecTypeVideo:
			old, c.localVideo = c.localVideo, track
		case pion.RTPCodecTypeAudio:
			old, c.localAudio = c.localAudio, track
		}

		enabled := (kind == pion.RTPCodecTypeVideo && c.videoEnabled) ||
			(kind == pion.RTPCodecTypeAudio && c.audioEnabled)
		for _, conn := range c.connectors {
			if conn.Kind != KindUserMedia {
				continue
			}
			if enabled {
				c.swapSenders(conn, kind, track)
			}
			c.renegotiate(conn, false)
		}

		if old != nil && old != track {
			old.Close()
		}
		c.localObs.emit(c.userStream)
		return nil
	})
}

// EnableAudio resumes sending microphone audio.
func (c *Client) EnableAudio() error { return c.setTrackEnabled(pion.RTPCodecTypeAudio, true) }

// DisableAudio mutes by detaching the audio sender from every user
// media connector.
func (c *Client) DisableAudio() error { return c.setTrackEnabled(pion.RTPCodecTypeAudio, false) }

// EnableVideo resumes sending camera video.
func (c *Client) EnableVideo() error { return c.setTrackEnabled(pion.RTPCodecTypeVideo, true) }

// DisableVideo stops sending camera video.
func (c *Client) DisableVideo() error { return c.setTrackEnabled(pion.RTPCodecTypeVideo, false) }

// setTrackEnabled is mute/unmute: the replace-track mechanism without
// device re-acquisition.
func (c *Client) setTrackEnabled(kind pion.RTPCodecType, enabled bool) error {
	return c.call(func() error {
		if c.membership != MemberJoined {
			return newError("toggle track", ErrNotJoined)
		}

		var track device.Track
		switch kind {
		case pion.RTPCodecTypeVideo:
			if c.videoEnabled == enabled {
				return nil
			}
			c.videoEnabled = enabled
			track = c.localVideo
		case pion.RTPCodecTypeAudio:
			if c.audioEnabled == enabled {
				return nil
			}
			c.audioEnabled = enabled
			track = c.localAudio
		}

		var attach device.Track
		if enabled {
			attach = track
		}
		for _, conn := range c.connectors {
			if conn.Kind != KindUserMedia {
				continue
			}
			c.swapSenders(conn, kind, attach)
			c.renegotiate(conn, false)
		}
		return nil
	})
}

// swapSenders removes the connector's senders of one kind and attaches
// the replacement track, when given.
func (c *Client) swapSenders(conn *Connector, kind pion.RTPCodecType, track device.Track) {
	kept := conn.senders[:0]
	for _, sender := range conn.senders {
		if t := sender.Track(); t != nil && t.Kind() == kind {
			if err := conn.peer.RemoveTrack(sender); err != nil {
				c.log.Warn("remove track failed", "connector", conn.ID, "err", err)
			}
			continue
		}
		kept = append(kept, sender)
	}
	conn.senders = kept

	if track == nil {
		return
	}
	sender, err := conn.peer.AddTrack(track)
	if err != nil {
		c.reportError(newMemberError("add track", conn.RemoteMemberID, err))
		return
	}
	conn.senders = append(conn.senders, sender)
}
