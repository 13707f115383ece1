// Package calltest provides in-memory peer connections for exercising the
// negotiator without a network.
package calltest

import (
	"errors"
	"strings"
	"sync"

	"github.com/adwski/peercall/backend/model"
	"github.com/adwski/peercall/client/call"
	"github.com/adwski/peercall/client/media"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var ErrClosed = errors.New("peer is closed")

// Sender records the track it carries.
type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
	// History lists every ReplaceTrack argument.
	history []webrtc.TrackLocal
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.history = append(s.history, t)
	return nil
}

func (s *Sender) History() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), s.history...)
}

// Peer is a fake peer connection. It reports Connected once both
// descriptions are set, unless the factory holds connectivity back.
type Peer struct {
	factory  *PeerFactory
	handlers call.PeerHandlers

	mu         sync.Mutex
	id         string
	senders    []*Sender
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
	connected  bool
}

func (p *Peer) AddTrack(t webrtc.TrackLocal) (media.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	s := &Sender{track: t}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.describe(webrtc.SDPTypeOffer)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	hasRemote := p.remote != nil
	p.mu.Unlock()
	if !hasRemote {
		return webrtc.SessionDescription{}, errors.New("answer requires a remote offer")
	}
	return p.describe(webrtc.SDPTypeAnswer)
}

func (p *Peer) describe(typ webrtc.SDPType) (webrtc.SessionDescription, error) {
	if err := p.factory.failure(typ); err != nil {
		return webrtc.SessionDescription{}, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	var sdp strings.Builder
	sdp.WriteString("v=0\r\no=- " + p.id + " 1 IN IP4 0.0.0.0\r\n")
	for _, s := range p.senders {
		if t := s.Track(); t != nil {
			sdp.WriteString("m=" + t.Kind().String() + "\r\n")
		}
	}
	desc := webrtc.SessionDescription{Type: typ, SDP: sdp.String()}
	p.local = &desc
	p.mu.Unlock()

	if p.handlers.OnICECandidate != nil {
		p.handlers.OnICECandidate(webrtc.ICECandidateInit{
			Candidate: "candidate:" + p.id + " 1 udp 2130706431 192.0.2.1 50000 typ host",
		})
	}
	p.maybeConnect()
	return desc, nil
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.remote = &desc
	p.mu.Unlock()
	p.maybeConnect()
	return nil
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if err := p.factory.candidateFailure(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("candidate before remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.factory.closeFailure()
}

func (p *Peer) maybeConnect() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil && !p.connected && !p.closed && p.factory.autoConnect()
	if ready {
		p.connected = true
	}
	p.mu.Unlock()
	if ready {
		go p.SetState(webrtc.PeerConnectionStateConnected)
	}
}

// SetState reports a transport state change as pion would.
func (p *Peer) SetState(state webrtc.PeerConnectionState) {
	if p.handlers.OnConnectionState != nil {
		p.handlers.OnConnectionState(state)
	}
}

// EmitTrack reports a remote track.
func (p *Peer) EmitTrack(t call.RemoteTrack) {
	if p.handlers.OnTrack != nil {
		p.handlers.OnTrack(t)
	}
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Candidates returns remote candidates in the order they were applied.
func (p *Peer) Candidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func (p *Peer) Senders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// PeerFactory hands out fake peers and keeps them for inspection.
type PeerFactory struct {
	mu        sync.Mutex
	peers     []*Peer
	manual    bool
	failOffer error
	failCand  error
	failClose error
	NewErr    error
}

// Manual stops peers from reporting Connected by themselves.
func (f *PeerFactory) Manual() *PeerFactory {
	f.mu.Lock()
	f.manual = true
	f.mu.Unlock()
	return f
}

// FailOffers makes CreateOffer and CreateAnswer return err.
func (f *PeerFactory) FailOffers(err error) {
	f.mu.Lock()
	f.failOffer = err
	f.mu.Unlock()
}

// FailCandidates makes AddICECandidate return err.
func (f *PeerFactory) FailCandidates(err error) {
	f.mu.Lock()
	f.failCand = err
	f.mu.Unlock()
}

// FailClose makes Close of every peer return err.
func (f *PeerFactory) FailClose(err error) {
	f.mu.Lock()
	f.failClose = err
	f.mu.Unlock()
}

func (f *PeerFactory) closeFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failClose
}

func (f *PeerFactory) candidateFailure() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failCand
}

func (f *PeerFactory) autoConnect() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.manual
}

func (f *PeerFactory) failure(webrtc.SDPType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failOffer
}

func (f *PeerFactory) NewPeer(h call.PeerHandlers) (call.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	p := &Peer{factory: f, handlers: h, id: uuid.NewString()[:8]}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *PeerFactory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Last returns the most recent peer or nil.
func (f *PeerFactory) Last() *Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// Publisher records published messages.
type Publisher struct {
	mu       sync.Mutex
	messages []model.Message
	err      error
}

func (p *Publisher) Publish(msg model.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

// Fail makes every following Publish return err.
func (p *Publisher) Fail(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *Publisher) Messages() []model.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Message(nil), p.messages...)
}

// OfType returns published messages of type typ.
func (p *Publisher) OfType(typ string) []model.Message {
	var out []model.Message
	for _, m := range p.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
