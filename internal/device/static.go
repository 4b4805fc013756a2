package device

import (
	"io"
	"sync"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
)

// StaticSource produces silent sample-backed tracks without touching
// hardware. It backs the loopback demo mode and tests.
type StaticSource struct {
	mu sync.Mutex

	// Failure injection. When set, the matching acquisition fails.
	UserMediaErr    error
	DisplayMediaErr error
}

// NewStaticSource creates a hardware-free capture backend.
func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// RegisterCodecs implements Source.
func (s *StaticSource) RegisterCodecs(engine *pion.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

// UserMedia implements Source, returning one VP8 video track and one
// Opus audio track.
func (s *StaticSource) UserMedia() (*Stream, error) {
	s.mu.Lock()
	err := s.UserMediaErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	streamID := "user-" + uuid.NewString()
	video, err := newStaticTrack(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, err
	}
	audio, err := newStaticTrack(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		return nil, err
	}
	return NewStream(video, audio), nil
}

// DisplayMedia implements Source, returning a single video track.
func (s *StaticSource) DisplayMedia() (*Stream, error) {
	s.mu.Lock()
	err := s.DisplayMediaErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	streamID := "display-" + uuid.NewString()
	video, err := newStaticTrack(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		return nil, err
	}
	return NewStream(video), nil
}

// SetUserMediaErr injects a user media failure.
func (s *StaticSource) SetUserMediaErr(err error) {
	s.mu.Lock()
	s.UserMediaErr = err
	s.mu.Unlock()
}

// SetDisplayMediaErr injects a display failure.
func (s *StaticSource) SetDisplayMediaErr(err error) {
	s.mu.Lock()
	s.DisplayMediaErr = err
	s.mu.Unlock()
}

// staticTrack adds the ended callback contract on top of a
// sample-backed local track.
type staticTrack struct {
	*pion.TrackLocalStaticSample

	mu       sync.Mutex
	endedFns []func(error)
	closed   bool
}

func newStaticTrack(codec pion.RTPCodecCapability, id, streamID string) (*staticTrack, error) {
	inner, err := pion.NewTrackLocalStaticSample(codec, id+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	return &staticTrack{TrackLocalStaticSample: inner}, nil
}

// OnEnded registers a callback fired when the track closes. Fires
// immediately if it already did.
func (t *staticTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn(io.EOF)
		return
	}
	t.endedFns = append(t.endedFns, fn)
	t.mu.Unlock()
}

// Close marks the track ended and fires the callbacks.
func (t *staticTrack) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	fns := t.endedFns
	t.endedFns = nil
	t.mu.Unlock()

	for _, fn := range fns {
		fn(io.EOF)
	}
	return nil
}

// End stops the track as if its source vanished, for tests that need
// an unplug event.
func (t *staticTrack) End() {
	t.Close()
}
