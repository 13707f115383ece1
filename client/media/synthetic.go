package media

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticTrack is a sample track that is fed by nobody. It is enough to
// negotiate media sections and is used on headless hosts and in tests.
type StaticTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	closed  bool
	onEnded func(error)
}

func NewStaticTrack(kind webrtc.RTPCodecType, streamID string) (*StaticTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == webrtc.RTPCodecTypeAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	t, err := webrtc.NewTrackLocalStaticSample(codec, kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	return &StaticTrack{TrackLocalStaticSample: t}, nil
}

func (t *StaticTrack) OnEnded(fn func(error)) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *StaticTrack) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *StaticTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// End simulates the source stopping by itself, like a user closing the
// screen picker.
func (t *StaticTrack) End(err error) {
	t.mu.Lock()
	t.closed = true
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Synthetic is a Capturer of static tracks. Set the Err fields to simulate
// denied access.
type Synthetic struct {
	mu         sync.Mutex
	n          int
	UserErr    error
	DisplayErr error
	// Captured holds every endpoint handed out, newest last.
	Captured []*Endpoint
	Screens  []*StaticTrack
}

func (s *Synthetic) UserMedia(ctx context.Context) (*Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UserErr != nil {
		return nil, s.UserErr
	}
	s.n++
	stream := "camera-" + strconv.Itoa(s.n)
	audio, err := NewStaticTrack(webrtc.RTPCodecTypeAudio, stream)
	if err != nil {
		return nil, err
	}
	video, err := NewStaticTrack(webrtc.RTPCodecTypeVideo, stream)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{Audio: audio, Video: video}
	s.Captured = append(s.Captured, ep)
	return ep, nil
}

func (s *Synthetic) DisplayMedia(ctx context.Context) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DisplayErr != nil {
		return nil, s.DisplayErr
	}
	s.n++
	screen, err := NewStaticTrack(webrtc.RTPCodecTypeVideo, "screen-"+strconv.Itoa(s.n))
	if err != nil {
		return nil, err
	}
	s.Screens = append(s.Screens, screen)
	return screen, nil
}

func (s *Synthetic) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

// Endpoints returns a copy of every endpoint handed out so far.
func (s *Synthetic) Endpoints() []*Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Endpoint(nil), s.Captured...)
}
