package room

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Data-channel frame types. Once a channel is open these replace the
// relay for chat, file chunks, teardown, and renegotiation.
const (
	FrameChat     = "chat"
	FrameFile     = "file"
	FrameClose    = "close"
	FrameGetOffer = "getOffer"
	FrameOffer    = "offer"
	FrameAnswer   = "answer"
)

// Frame is the envelope every data-channel message travels in.
type Frame struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

func encodeFrame(frameType string, payload any) ([]byte, error) {
	var raw msgpack.RawMessage
	if payload != nil {
		data, err := msgpack.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		raw = data
	}
	return msgpack.Marshal(Frame{Type: frameType, Payload: raw})
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}

func decodePayload[T any](f Frame) (T, error) {
	var v T
	if err := msgpack.Unmarshal(f.Payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s payload: %w", f.Type, err)
	}
	return v, nil
}

// chunkPayload carries one piece of a chat or file message. The
// receiver reassembles once count chunks with the same message id have
// arrived.
type chunkPayload struct {
	MessageID string `msgpack:"messageId"`
	Index     int    `msgpack:"index"`
	Count     int    `msgpack:"count"`
	Bytes     []byte `msgpack:"bytes"`
}

// sdpFrame carries a renegotiation description over the fast path.
type sdpFrame struct {
	Type string `msgpack:"type"`
	SDP  string `msgpack:"sdp"`
}

// chatBody is the reassembled payload of a chat message.
type chatBody struct {
	Username string    `msgpack:"username"`
	Text     string    `msgpack:"text"`
	SentAt   time.Time `msgpack:"sentAt"`
}

// fileBody is the reassembled payload of a file message.
type fileBody struct {
	Name  string `msgpack:"name"`
	MIME  string `msgpack:"mime"`
	Size  int64  `msgpack:"size"`
	Bytes []byte `msgpack:"bytes"`
}
