package room

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ChatMessage is a delivered chat line.
type ChatMessage struct {
	MemberID string
	Username string
	Text     string
	SentAt   time.Time
}

// FileMessage is a delivered file.
type FileMessage struct {
	MemberID string
	Username string
	Name     string
	MIME     string
	Size     int64
	Data     []byte
}

// SendChatMessage fans a chat line out to every peer with an open
// data channel. Small messages still travel the chunk envelope so the
// receive path is uniform.
func (c *Client) SendChatMessage(text string) error {
	body, err := msgpack.Marshal(chatBody{
		Username: c.identityUsername(),
		Text:     text,
		SentAt:   time.Now(),
	})
	if err != nil {
		return newError("send chat", err)
	}
	return c.broadcast("send chat", FrameChat, body)
}

// SendFile fans a file out to every peer with an open data channel,
// chunked with adaptive sizing and buffered-amount backpressure.
func (c *Client) SendFile(name, mime string, data []byte) error {
	body, err := msgpack.Marshal(fileBody{
		Name:  name,
		MIME:  mime,
		Size:  int64(len(data)),
		Bytes: data,
	})
	if err != nil {
		return newError("send file", err)
	}
	return c.broadcast("send file", FrameFile, body)
}

func (c *Client) identityUsername() string {
	var name string
	c.call(func() error { name = c.identity.Username; return nil })
	return name
}

// broadcast snapshots the open channels under dispatch and streams the
// body to each on its own goroutine so one slow peer cannot stall the
// others.
func (c *Client) broadcast(op, frameType string, body []byte) error {
	return c.call(func() error {
		if c.membership != MemberJoined {
			return newError(op, ErrNotJoined)
		}

		reachable := 0
		for _, conn := range c.connectors {
			if conn.Kind != KindUserMedia || !conn.channelUsable() {
				continue
			}
			reachable++
			go c.streamFrames(conn.channel, conn.RemoteMemberID, op, frameType, body)
		}
		// no open channel means nothing was delivered, the empty room
		// included; callers use the error to wait for readiness
		if reachable == 0 {
			return newError(op, ErrChannelNotOpen)
		}
		return nil
	})
}

// streamFrames chunks one message onto one channel. Before every chunk
// the buffered amount is checked against the high-water mark; sends
// defer until the channel drains rather than piling up memory.
func (c *Client) streamFrames(ch dataChannel, member, op, frameType string, body []byte) {
	chunks := splitChunks(body, c.sizeCtl.size())
	messageID := uuid.NewString()
	count := len(chunks)

	for i, chunk := range chunks {
		if err := waitForWindow(ch, c.cfg.HighWaterMark, c.cfg.SendRetryDelay); err != nil {
			c.reportError(newMemberError(op, member, err))
			return
		}

		data, err := encodeFrame(frameType, chunkPayload{
			MessageID: messageID,
			Index:     i,
			Count:     count,
			Bytes:     chunk,
		})
		if err != nil {
			c.reportError(newMemberError(op, member, err))
			return
		}
		if err := ch.Send(data); err != nil {
			c.reportError(&RoomError{Op: op, Member: member, Err: ErrChannelNotOpen, Details: err.Error()})
			return
		}
		c.sizeCtl.record(int64(len(chunk)))
	}
}

// handleChunk feeds one chat/file chunk into the connector's
// reassembly buffer and emits the message once complete.
func (c *Client) handleChunk(conn *Connector, frame Frame) {
	p, err := decodePayload[chunkPayload](frame)
	if err != nil {
		c.log.Warn("bad chunk frame", "err", err)
		return
	}

	body, complete := conn.reassembly.add(p.MessageID, p.Index, p.Count, p.Bytes)
	if !complete {
		return
	}

	switch frame.Type {
	case FrameChat:
		var chat chatBody
		if err := msgpack.Unmarshal(body, &chat); err != nil {
			c.log.Warn("bad chat body", "err", err)
			return
		}
		conn.RemoteUsername = chat.Username
		c.chatObs.emit(ChatMessage{
			MemberID: conn.RemoteMemberID,
			Username: chat.Username,
			Text:     chat.Text,
			SentAt:   chat.SentAt,
		})

	case FrameFile:
		var file fileBody
		if err := msgpack.Unmarshal(body, &file); err != nil {
			c.log.Warn("bad file body", "err", err)
			return
		}
		c.fileObs.emit(FileMessage{
			MemberID: conn.RemoteMemberID,
			Username: conn.RemoteUsername,
			Name:     file.Name,
			MIME:     file.MIME,
			Size:     file.Size,
			Data:     file.Bytes,
		})
	}
}
