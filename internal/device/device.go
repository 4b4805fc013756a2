// Package device acquires and releases local capture streams. The
// Manager sits between the capture backend and the connection
// orchestrator: acquisition is shared and idempotent, release is
// idempotent, and track-ended events fan out to subscribers.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// Acquisition failures, distinguishable with errors.Is.
var (
	ErrPermissionDenied  = errors.New("capture permission denied")
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrUserCancelled     = errors.New("capture cancelled by user")
)

// Track is a sendable local track that reports when its source ends.
// Tracks produced by the mediadevices backend satisfy this directly.
type Track interface {
	pion.TrackLocal
	OnEnded(func(error))
	Close() error
}

// Stream groups the tracks of one capture (camera+mic, or screen).
type Stream struct {
	tracks []Track
}

// NewStream wraps already-built tracks.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns all tracks in the stream.
func (s *Stream) Tracks() []Track {
	return s.tracks
}

// AudioTracks returns the audio tracks.
func (s *Stream) AudioTracks() []Track {
	return s.tracksOfKind(pion.RTPCodecTypeAudio)
}

// VideoTracks returns the video tracks.
func (s *Stream) VideoTracks() []Track {
	return s.tracksOfKind(pion.RTPCodecTypeVideo)
}

func (s *Stream) tracksOfKind(kind pion.RTPCodecType) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// Close stops every track in the stream.
func (s *Stream) Close() {
	for _, t := range s.tracks {
		t.Close()
	}
}

// Source is the capture backend. UserMedia opens camera and
// microphone; DisplayMedia opens a screen capture. RegisterCodecs
// registers the codecs the backend encodes with on a media engine so
// peer connections negotiate formats the tracks can deliver.
type Source interface {
	UserMedia() (*Stream, error)
	DisplayMedia() (*Stream, error)
	RegisterCodecs(*pion.MediaEngine) error
}

type acquisition struct {
	done   chan struct{}
	stream *Stream
	err    error
}

// Manager owns the local capture streams. Concurrent acquisitions of
// the same stream share one backend call; a stream stays open until
// released no matter how many callers asked for it.
type Manager struct {
	source Source
	log    *slog.Logger

	mu       sync.Mutex
	user     *acquisition
	display  *acquisition
	userFns  map[int64]func()
	dispFns  map[int64]func()
	nextFnID int64
}

// NewManager creates a manager over the given capture backend.
func NewManager(source Source, log *slog.Logger) *Manager {
	return &Manager{
		source:  source,
		log:     log,
		userFns: make(map[int64]func()),
		dispFns: make(map[int64]func()),
	}
}

// Source returns the capture backend, for codec registration.
func (m *Manager) Source() Source { return m.source }

// AcquireUserMedia opens camera and microphone, or returns the stream
// already open. Concurrent callers share a single backend call.
func (m *Manager) AcquireUserMedia() (*Stream, error) {
	return m.acquire(&m.user, m.source.UserMedia, m.notifyUserEnded, "user media")
}

// AcquireDisplayMedia opens a screen capture, or returns the one
// already open.
func (m *Manager) AcquireDisplayMedia() (*Stream, error) {
	return m.acquire(&m.display, m.source.DisplayMedia, m.notifyDisplayEnded, "display media")
}

func (m *Manager) acquire(slot **acquisition, open func() (*Stream, error), ended func(), what string) (*Stream, error) {
	m.mu.Lock()
	if a := *slot; a != nil {
		m.mu.Unlock()
		<-a.done
		return a.stream, a.err
	}
	a := &acquisition{done: make(chan struct{})}
	*slot = a
	m.mu.Unlock()

	stream, err := open()
	if err != nil {
		a.err = fmt.Errorf("acquire %s: %w", what, Classify(err))
		close(a.done)
		m.mu.Lock()
		if *slot == a {
			*slot = nil
		}
		m.mu.Unlock()
		m.log.Warn("capture failed", "what", what, "err", err)
		return nil, a.err
	}

	a.stream = stream
	close(a.done)

	// ended fires once per stream, on the first track that stops
	// while the stream is still the current acquisition
	var once sync.Once
	for _, t := range stream.Tracks() {
		t.OnEnded(func(error) {
			once.Do(func() {
				m.mu.Lock()
				current := *slot == a
				m.mu.Unlock()
				if current {
					ended()
				}
			})
		})
	}

	m.log.Debug("capture opened", "what", what, "tracks", len(stream.Tracks()))
	return stream, nil
}

// ReleaseUserMedia closes the camera and microphone stream. No-op when
// nothing is open.
func (m *Manager) ReleaseUserMedia() {
	m.release(&m.user)
}

// ReleaseDisplayMedia closes the screen capture stream.
func (m *Manager) ReleaseDisplayMedia() {
	m.release(&m.display)
}

func (m *Manager) release(slot **acquisition) {
	m.mu.Lock()
	a := *slot
	*slot = nil
	m.mu.Unlock()
	if a == nil {
		return
	}
	<-a.done
	if a.stream != nil {
		a.stream.Close()
	}
}

// UserMediaActive reports whether a camera stream is open.
func (m *Manager) UserMediaActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user != nil && m.user.err == nil
}

// DisplayActive reports whether a screen capture is open.
func (m *Manager) DisplayActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display != nil && m.display.err == nil
}

// OnUserMediaEnded subscribes to the camera stream stopping outside a
// release, for example the device being unplugged. Returns a disposer.
func (m *Manager) OnUserMediaEnded(fn func()) func() {
	return m.subscribe(m.userFns, fn)
}

// OnDisplayEnded subscribes to the screen capture stopping on its own,
// the desktop equivalent of the browser's stop-sharing button.
func (m *Manager) OnDisplayEnded(fn func()) func() {
	return m.subscribe(m.dispFns, fn)
}

func (m *Manager) subscribe(fns map[int64]func(), fn func()) func() {
	m.mu.Lock()
	m.nextFnID++
	id := m.nextFnID
	fns[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(fns, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notifyUserEnded()    { m.notify(m.userFns) }
func (m *Manager) notifyDisplayEnded() { m.notify(m.dispFns) }

func (m *Manager) notify(fns map[int64]func()) {
	m.mu.Lock()
	copied := make([]func(), 0, len(fns))
	for _, fn := range fns {
		copied = append(copied, fn)
	}
	m.mu.Unlock()
	for _, fn := range copied {
		fn()
	}
}

// Close releases everything.
func (m *Manager) Close() {
	m.ReleaseUserMedia()
	m.ReleaseDisplayMedia()
}

// Classify maps a backend error onto one of the acquisition sentinels.
// Already-classified errors pass through.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrUserCancelled) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "cancel"):
		return fmt.Errorf("%w: %v", ErrUserCancelled, err)
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
}
