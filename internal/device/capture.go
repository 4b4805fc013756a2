package device

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the screen adapter
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
)

// CaptureSource opens real devices through pion/mediadevices, encoding
// video as VP8 and audio as Opus.
type CaptureSource struct {
	selector *mediadevices.CodecSelector
}

// NewCaptureSource builds the codec selector used for every capture.
func NewCaptureSource() (*CaptureSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 15

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return &CaptureSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs implements Source.
func (s *CaptureSource) RegisterCodecs(engine *pion.MediaEngine) error {
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return err
	}
	s.selector.Populate(engine)
	return nil
}

// UserMedia implements Source.
func (s *CaptureSource) UserMedia() (*Stream, error) {
	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: s.selector,
	})
	if err != nil {
		return nil, err
	}
	return fromMediaStream(ms), nil
}

// DisplayMedia implements Source.
func (s *CaptureSource) DisplayMedia() (*Stream, error) {
	ms, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: s.selector,
	})
	if err != nil {
		return nil, err
	}
	return fromMediaStream(ms), nil
}

func fromMediaStream(ms mediadevices.MediaStream) *Stream {
	mdTracks := ms.GetTracks()
	tracks := make([]Track, 0, len(mdTracks))
	for _, t := range mdTracks {
		tracks = append(tracks, t)
	}
	return NewStream(tracks...)
}
