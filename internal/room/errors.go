package room

import (
	"errors"
	"fmt"

	"github.com/milletlovemouse/rtc-chatroom/internal/device"
	"github.com/milletlovemouse/rtc-chatroom/internal/rtc"
)

// Sentinel errors reported through the error observers and returned by
// the façade operations. Device and negotiation sentinels are shared
// with the packages that raise them.
var (
	ErrPermissionDenied  = device.ErrPermissionDenied
	ErrDeviceUnavailable = device.ErrDeviceUnavailable
	ErrUserCancelled     = device.ErrUserCancelled
	ErrNegotiationFailed = rtc.ErrNegotiationFailed

	ErrDuplicateJoin         = errors.New("identity already joined")
	ErrTransportDisconnected = errors.New("signaling transport disconnected")
	ErrChannelNotOpen        = errors.New("data channel not open")
	ErrBufferTimeout         = errors.New("buffer drain timeout")

	ErrNotJoined            = errors.New("not joined to a room")
	ErrAlreadyJoined        = errors.New("already joined")
	ErrRemoteDisplayActive  = errors.New("a remote participant is already sharing")
	ErrClientClosed         = errors.New("room client closed")
)

// RoomError annotates a failure with the operation and, when known,
// the remote member it concerns.
type RoomError struct {
	Op      string
	Member  string
	Err     error
	Details string
}

func (e *RoomError) Error() string {
	if e.Member != "" {
		return fmt.Sprintf("%s (member %s): %v", e.Op, e.Member, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RoomError) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *RoomError {
	return &RoomError{Op: op, Err: err}
}

func newMemberError(op, member string, err error) *RoomError {
	return &RoomError{Op: op, Member: member, Err: err}
}
