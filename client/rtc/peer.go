// Package rtc builds pion peer connections for the call negotiator.
package rtc

import (
	"errors"
	"time"

	"github.com/adwski/peercall/client/call"
	"github.com/adwski/peercall/client/media"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultSTUN = "stun:stun.l.google.com:19302"

	defaultICEDisconnectedTimeout = 30 * time.Second
	defaultICEFailedTimeout       = 120 * time.Second
	defaultICEKeepaliveInterval   = 2 * time.Second

	rtcpBufferSize = 1500
)

type (
	Config struct {
		Logger *zerolog.Logger
		// ICEServers are STUN urls. No TURN relays are supported.
		ICEServers []string
		// RegisterCodecs populates the media engine, default pion codecs
		// when nil.
		RegisterCodecs func(me *webrtc.MediaEngine) error
		// Loopback allows 127.0.0.1 candidates, for single host setups.
		Loopback bool
	}

	Factory struct {
		logger zerolog.Logger
		api    *webrtc.API
		config webrtc.Configuration
	}

	// Peer adapts *webrtc.PeerConnection to call.PeerConnection.
	Peer struct {
		logger zerolog.Logger
		pc     *webrtc.PeerConnection
	}
)

func NewFactory(cfg Config) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(me *webrtc.MediaEngine) error { return me.RegisterDefaultCodecs() }
	}
	if err := register(me); err != nil {
		return nil, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(defaultICEDisconnectedTimeout, defaultICEFailedTimeout, defaultICEKeepaliveInterval)
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	servers := cfg.ICEServers
	if servers == nil {
		servers = []string{DefaultSTUN}
	}
	var iceServers []webrtc.ICEServer
	if len(servers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: servers}}
	}

	return &Factory{
		logger: cfg.Logger.With().Str("component", "rtc").Logger(),
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
	}, nil
}

func (f *Factory) NewPeer(h call.PeerHandlers) (call.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f.logger.Debug().
			Str("track", track.ID()).
			Stringer("kind", track.Kind()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
	})
	return &Peer{logger: f.logger, pc: pc}, nil
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) (media.Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go p.readRTCP(sender)
	return sender, nil
}

// readRTCP drains sender reports so interceptors keep working.
func (p *Peer) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, rtcpBufferSize)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.pc.RemoteDescription() == nil {
		return webrtc.SessionDescription{}, errors.New("answer requires a remote offer")
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err = p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *Peer) Close() error {
	return p.pc.Close()
}
