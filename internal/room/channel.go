package room

import (
	"time"

	pion "github.com/pion/webrtc/v4"
)

const drainTimeout = 60 * time.Second

// dataChannel is the slice of *webrtc.DataChannel the orchestrator
// needs. Tests substitute a scripted implementation.
type dataChannel interface {
	Label() string
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	OnMessage(f func(pion.DataChannelMessage))
	OnOpen(f func())
	OnClose(f func())
	ReadyState() pion.DataChannelState
	Close() error
}

var _ dataChannel = (*pion.DataChannel)(nil)

// waitForWindow blocks until the channel's buffered amount is below
// the high-water mark. It prefers the buffered-amount-low signal and
// falls back to polling on the retry delay, giving up after the drain
// timeout.
func waitForWindow(ch dataChannel, highWater uint64, retryDelay time.Duration) error {
	if ch.BufferedAmount() < highWater {
		return nil
	}

	low := make(chan struct{}, 1)
	ch.OnBufferedAmountLow(func() {
		select {
		case low <- struct{}{}:
		default:
		}
	})

	deadline := time.After(drainTimeout)
	ticker := time.NewTicker(retryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-low:
			return nil
		case <-ticker.C:
			if ch.BufferedAmount() < highWater {
				return nil
			}
		case <-deadline:
			return ErrBufferTimeout
		}
	}
}
