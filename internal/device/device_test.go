package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milletlovemouse/rtc-chatroom/internal/logging"
)

// countingSource counts backend calls to verify acquisition sharing.
type countingSource struct {
	*StaticSource
	userCalls atomic.Int32
}

func (s *countingSource) UserMedia() (*Stream, error) {
	s.userCalls.Add(1)
	return s.StaticSource.UserMedia()
}

func TestAcquireUserMediaIsIdempotent(t *testing.T) {
	src := &countingSource{StaticSource: NewStaticSource()}
	m := NewManager(src, logging.Component("device"))
	defer m.Close()

	first, err := m.AcquireUserMedia()
	require.NoError(t, err)
	second, err := m.AcquireUserMedia()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), src.userCalls.Load())
	assert.True(t, m.UserMediaActive())
}

func TestConcurrentAcquiresShareOneCapture(t *testing.T) {
	src := &countingSource{StaticSource: NewStaticSource()}
	m := NewManager(src, logging.Component("device"))
	defer m.Close()

	const callers = 8
	streams := make([]*Stream, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.AcquireUserMedia()
			assert.NoError(t, err)
			streams[i] = s
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), src.userCalls.Load())
	for _, s := range streams[1:] {
		assert.Same(t, streams[0], s)
	}
}

func TestAcquireFailureIsClassifiedAndRetryable(t *testing.T) {
	src := NewStaticSource()
	src.SetUserMediaErr(errors.New("camera: permission denied by user"))
	m := NewManager(src, logging.Component("device"))
	defer m.Close()

	_, err := m.AcquireUserMedia()
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, m.UserMediaActive())

	// a failed acquisition must not poison later attempts
	src.SetUserMediaErr(nil)
	stream, err := m.AcquireUserMedia()
	require.NoError(t, err)
	assert.Len(t, stream.Tracks(), 2)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, Classify(errors.New("not authorized to use camera")), ErrPermissionDenied)
	assert.ErrorIs(t, Classify(errors.New("capture cancelled")), ErrUserCancelled)
	assert.ErrorIs(t, Classify(errors.New("failed to find the best driver")), ErrDeviceUnavailable)
	assert.NoError(t, Classify(nil))

	// sentinels pass through untouched
	assert.ErrorIs(t, Classify(ErrUserCancelled), ErrUserCancelled)
}

func TestDisplayEndedFiresOnTrackStopNotOnRelease(t *testing.T) {
	src := NewStaticSource()
	m := NewManager(src, logging.Component("device"))
	defer m.Close()

	ended := make(chan struct{}, 2)
	dispose := m.OnDisplayEnded(func() { ended <- struct{}{} })
	defer dispose()

	stream, err := m.AcquireDisplayMedia()
	require.NoError(t, err)

	// deliberate release is silent
	m.ReleaseDisplayMedia()
	select {
	case <-ended:
		t.Fatal("release must not fire the ended callback")
	case <-time.After(50 * time.Millisecond):
	}

	stream, err = m.AcquireDisplayMedia()
	require.NoError(t, err)

	// the source stopping on its own is not
	stream.Tracks()[0].Close()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("ended callback not fired")
	}
}

func TestEndedDisposerRemovesSubscriber(t *testing.T) {
	src := NewStaticSource()
	m := NewManager(src, logging.Component("device"))
	defer m.Close()

	fired := make(chan struct{}, 1)
	dispose := m.OnUserMediaEnded(func() { fired <- struct{}{} })
	dispose()

	stream, err := m.AcquireUserMedia()
	require.NoError(t, err)
	stream.Tracks()[0].Close()

	select {
	case <-fired:
		t.Fatal("disposed subscriber still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamKindSplit(t *testing.T) {
	src := NewStaticSource()
	stream, err := src.UserMedia()
	require.NoError(t, err)
	defer stream.Close()

	assert.Len(t, stream.VideoTracks(), 1)
	assert.Len(t, stream.AudioTracks(), 1)
}
