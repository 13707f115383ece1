// Package media owns local capture and the mapping of local tracks onto the
// senders of a peer connection.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

var (
	ErrMediaAccess = errors.New("media capture unavailable")
	ErrNotAttached = errors.New("media is not attached to a peer connection")
	ErrNotVideo    = errors.New("track is not a video track")
)

type (
	// Track is a local capture track. pion/mediadevices tracks satisfy it.
	Track interface {
		webrtc.TrackLocal
		Close() error
		// OnEnded registers a callback fired when the source stops on its own.
		OnEnded(func(error))
	}

	// Sender is the outgoing side of one media kind. *webrtc.RTPSender
	// satisfies it.
	Sender interface {
		Track() webrtc.TrackLocal
		ReplaceTrack(track webrtc.TrackLocal) error
	}

	// TrackAdder is the part of a peer connection needed to attach media.
	TrackAdder interface {
		AddTrack(track webrtc.TrackLocal) (Sender, error)
	}

	// Capturer produces local tracks.
	Capturer interface {
		UserMedia(ctx context.Context) (*Endpoint, error)
		DisplayMedia(ctx context.Context) (Track, error)
		// RegisterCodecs configures the codecs the produced tracks encode to.
		RegisterCodecs(me *webrtc.MediaEngine) error
	}
)

// Endpoint is one captured stream: at most one audio and one video track.
type Endpoint struct {
	Audio Track
	Video Track
}

func (e *Endpoint) Tracks() []Track {
	if e == nil {
		return nil
	}
	var tracks []Track
	if e.Audio != nil {
		tracks = append(tracks, e.Audio)
	}
	if e.Video != nil {
		tracks = append(tracks, e.Video)
	}
	return tracks
}

// Close stops every track of the endpoint.
func (e *Endpoint) Close() error {
	var err error
	for _, t := range e.Tracks() {
		err = multierr.Append(err, t.Close())
	}
	return err
}
