//go:build linux && cgo

package media

import (
	"context"
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultVideoBitRate = 1_500_000
	defaultMaxWidth     = 640
	defaultMaxHeight    = 480
)

// Devices captures from V4L2 cameras, ALSA/Pulse microphones and X11 screens.
type Devices struct {
	logger   zerolog.Logger
	selector *mediadevices.CodecSelector
}

func NewDevices(logger *zerolog.Logger) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = defaultVideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	d := &Devices{
		logger: logger.With().Str("component", "devices").Logger(),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}
	for _, dev := range mediadevices.EnumerateDevices() {
		d.logger.Debug().
			Any("kind", dev.Kind).
			Str("label", dev.Label).
			Msg("media device found")
	}
	return d, nil
}

func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *Devices) UserMedia(ctx context.Context) (*Endpoint, error) {
	stream, err := getMedia(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				// raw formats only, some MJPEG nodes yield broken frames
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: defaultMaxWidth}
				c.Height = prop.IntRanged{Max: defaultMaxHeight}
			},
			Audio: func(*mediadevices.MediaTrackConstraints) {},
			Codec: d.selector,
		})
	})
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{}
	for _, t := range stream.GetTracks() {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			ep.Audio = t
		case webrtc.RTPCodecTypeVideo:
			ep.Video = t
		}
	}
	d.logger.Debug().Int("tracks", len(ep.Tracks())).Msg("user media captured")
	return ep, nil
}

func (d *Devices) DisplayMedia(ctx context.Context) (Track, error) {
	stream, err := getMedia(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(*mediadevices.MediaTrackConstraints) {},
			Codec: d.selector,
		})
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("display capture returned no video")
	}
	return tracks[0], nil
}

// getMedia runs a blocking capture call. Tracks acquired after ctx is done
// are closed.
func getMedia(ctx context.Context, get func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	resc := make(chan result, 1)
	go func() {
		s, err := get()
		resc <- result{s, err}
	}()
	select {
	case res := <-resc:
		return res.stream, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resc; res.err == nil {
				for _, t := range res.stream.GetTracks() {
					_ = t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}
