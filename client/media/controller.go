package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

type (
	Config struct {
		Logger   *zerolog.Logger
		Capturer Capturer
	}

	// State is what the presentation layer shows about local media.
	State struct {
		Attached   bool
		AudioMuted bool
		VideoMuted bool
		Sharing    bool
	}

	// Controller keeps exactly one sender per media kind for the current
	// peer connection. Muting gates a sender without stopping capture.
	Controller struct {
		logger   zerolog.Logger
		capturer Capturer

		mu      sync.Mutex
		camera  *Endpoint
		screen  Track
		senders map[webrtc.RTPCodecType]Sender
		// live is the track a sender carries while its kind is unmuted
		live     map[webrtc.RTPCodecType]webrtc.TrackLocal
		muted    map[webrtc.RTPCodecType]bool
		onChange func(State)
	}
)

func NewController(cfg Config) *Controller {
	return &Controller{
		logger:   cfg.Logger.With().Str("component", "media").Logger(),
		capturer: cfg.Capturer,
		senders:  make(map[webrtc.RTPCodecType]Sender),
		live:     make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		muted:    make(map[webrtc.RTPCodecType]bool),
	}
}

// OnChange sets the listener for mute and screen share changes.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// RegisterCodecs configures a media engine for the tracks this controller
// produces.
func (c *Controller) RegisterCodecs(me *webrtc.MediaEngine) error {
	return c.capturer.RegisterCodecs(me)
}

// AcquireCamera captures camera and microphone. The endpoint is not in use
// until it is attached.
func (c *Controller) AcquireCamera(ctx context.Context) (*Endpoint, error) {
	ep, err := c.capturer.UserMedia(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("user media capture failed")
		return nil, errors.Join(ErrMediaAccess, err)
	}
	return ep, nil
}

// Release stops an endpoint that was never attached.
func (c *Controller) Release(ep *Endpoint) {
	if ep == nil {
		return
	}
	if err := ep.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("failed to release endpoint")
	}
}

// Attach adds the endpoint tracks to pc and remembers their senders.
// Media attached before is released first. Mute flags set while detached
// are applied.
func (c *Controller) Attach(ep *Endpoint, pc TrackAdder) error {
	if err := c.release(false); err != nil {
		c.logger.Debug().Err(err).Msg("failed to release previous media")
	}

	c.mu.Lock()
	err := c.attachLocked(ep, pc)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.logger.Debug().Int("tracks", len(ep.Tracks())).Msg("media attached")
	c.changed()
	return nil
}

func (c *Controller) attachLocked(ep *Endpoint, pc TrackAdder) error {
	c.camera = ep
	for _, t := range ep.Tracks() {
		kind := t.Kind()
		s, err := pc.AddTrack(t)
		if err != nil {
			return err
		}
		c.senders[kind] = s
		c.live[kind] = t
		if c.muted[kind] {
			if err = s.ReplaceTrack(nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Detach releases camera and screen capture and forgets the senders.
// Mute flags are reset.
func (c *Controller) Detach() error {
	err := c.release(true)
	c.changed()
	return err
}

func (c *Controller) release(resetMuted bool) error {
	c.mu.Lock()
	camera, screen := c.camera, c.screen
	c.camera, c.screen = nil, nil
	c.senders = make(map[webrtc.RTPCodecType]Sender)
	c.live = make(map[webrtc.RTPCodecType]webrtc.TrackLocal)
	if resetMuted {
		c.muted = make(map[webrtc.RTPCodecType]bool)
	}
	c.mu.Unlock()

	var err error
	if camera != nil {
		err = multierr.Append(err, camera.Close())
	}
	if screen != nil {
		err = multierr.Append(err, screen.Close())
	}
	return err
}

// Local returns the attached camera endpoint.
func (c *Controller) Local() *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera
}

// SetMuted gates the sender of kind. Capture keeps running.
func (c *Controller) SetMuted(kind webrtc.RTPCodecType, muted bool) error {
	c.mu.Lock()
	if c.muted[kind] == muted {
		c.mu.Unlock()
		return nil
	}
	c.muted[kind] = muted
	var err error
	if s := c.senders[kind]; s != nil {
		if muted {
			err = s.ReplaceTrack(nil)
		} else {
			err = s.ReplaceTrack(c.live[kind])
		}
	}
	c.mu.Unlock()

	c.logger.Debug().Str("kind", kind.String()).Bool("muted", muted).Msg("mute changed")
	c.changed()
	return err
}

func (c *Controller) Muted(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted[kind]
}

// ReplaceVideoTrack swaps the video sender track without renegotiation.
// Without an attached video sender it does nothing.
func (c *Controller) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	if t == nil || t.Kind() != webrtc.RTPCodecTypeVideo {
		return ErrNotVideo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceVideoLocked(t)
}

func (c *Controller) replaceVideoLocked(t webrtc.TrackLocal) error {
	s := c.senders[webrtc.RTPCodecTypeVideo]
	if s == nil {
		return nil
	}
	c.live[webrtc.RTPCodecTypeVideo] = t
	if c.muted[webrtc.RTPCodecTypeVideo] {
		return nil
	}
	return s.ReplaceTrack(t)
}

// StartScreenShare puts display capture on the video sender. It is a no-op
// while already sharing.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	sharing, attached := c.screen != nil, c.senders[webrtc.RTPCodecTypeVideo] != nil
	c.mu.Unlock()
	if sharing {
		return nil
	}
	if !attached {
		return ErrNotAttached
	}

	screen, err := c.capturer.DisplayMedia(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("display capture failed")
		return errors.Join(ErrMediaAccess, err)
	}

	c.mu.Lock()
	if c.screen != nil || c.senders[webrtc.RTPCodecTypeVideo] == nil {
		// lost a race with another start or with teardown
		c.mu.Unlock()
		_ = screen.Close()
		return nil
	}
	if err = c.replaceVideoLocked(screen); err != nil {
		c.mu.Unlock()
		_ = screen.Close()
		return err
	}
	c.screen = screen
	c.mu.Unlock()

	screen.OnEnded(func(err error) {
		c.logger.Debug().Err(err).Msg("screen capture ended")
		if err := c.stopScreen(screen); err != nil {
			c.logger.Warn().Err(err).Msg("failed to restore camera after screen capture ended")
		}
	})
	c.logger.Info().Msg("screen share started")
	c.changed()
	return nil
}

// StopScreenShare restores the camera track. It is a no-op when not sharing.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	screen := c.screen
	c.mu.Unlock()
	if screen == nil {
		return nil
	}
	return c.stopScreen(screen)
}

func (c *Controller) stopScreen(screen Track) error {
	c.mu.Lock()
	if c.screen != screen {
		c.mu.Unlock()
		return nil
	}
	c.screen = nil
	var camera webrtc.TrackLocal
	if c.camera != nil && c.camera.Video != nil {
		camera = c.camera.Video
	}
	err := c.replaceVideoLocked(camera)
	c.mu.Unlock()

	err = multierr.Append(err, screen.Close())
	c.logger.Info().Msg("screen share stopped")
	c.changed()
	return err
}

func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	return State{
		Attached:   len(c.senders) > 0,
		AudioMuted: c.muted[webrtc.RTPCodecTypeAudio],
		VideoMuted: c.muted[webrtc.RTPCodecTypeVideo],
		Sharing:    c.screen != nil,
	}
}

func (c *Controller) changed() {
	c.mu.Lock()
	fn, st := c.onChange, c.stateLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
