// Package call drives a single call session through signaling and
// negotiation. Transition holds the rules, Negotiator runs them on one
// goroutine and executes the resulting effects.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/peercall/backend/model"
	"github.com/adwski/peercall/client/media"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	defaultRingTimeout        = 45 * time.Second
	defaultNegotiationTimeout = 30 * time.Second
)

var (
	ErrNegotiation        = errors.New("session negotiation failed")
	ErrNegotiationTimeout = errors.New("transport did not connect in time")
	ErrTransport          = errors.New("media transport failed")
	ErrCallInProgress     = errors.New("another call is in progress")
	ErrNoCall             = errors.New("no matching call")
	ErrEmptyRemote        = errors.New("empty remote user id")
	ErrClosed             = errors.New("negotiator is stopped")
	ErrBadMessage         = errors.New("malformed signaling message")
)

type (
	// PeerConnection is the subset of a WebRTC peer connection the
	// negotiator drives. CreateOffer and CreateAnswer also apply the result
	// as the local description.
	PeerConnection interface {
		media.TrackAdder
		CreateOffer() (webrtc.SessionDescription, error)
		CreateAnswer() (webrtc.SessionDescription, error)
		SetRemoteDescription(desc webrtc.SessionDescription) error
		AddICECandidate(c webrtc.ICECandidateInit) error
		Close() error
	}

	RemoteTrack interface {
		ID() string
		StreamID() string
		Kind() webrtc.RTPCodecType
	}

	// PeerHandlers are invoked on transport goroutines.
	PeerHandlers struct {
		OnICECandidate    func(webrtc.ICECandidateInit)
		OnConnectionState func(webrtc.PeerConnectionState)
		OnTrack           func(RemoteTrack)
	}

	PeerFactory interface {
		NewPeer(h PeerHandlers) (PeerConnection, error)
	}

	Media interface {
		AcquireCamera(ctx context.Context) (*media.Endpoint, error)
		Attach(ep *media.Endpoint, pc media.TrackAdder) error
		Release(ep *media.Endpoint)
		Detach() error
	}

	Publisher interface {
		Publish(msg model.Message) error
	}

	Config struct {
		Logger           *zerolog.Logger
		Peers            PeerFactory
		Media            Media
		Signaling        Publisher
		LocalUserID      string
		LocalDisplayName string

		RingTimeout        time.Duration
		NegotiationTimeout time.Duration

		// OnChange is called on the negotiator goroutine after every state
		// change. It must not call blocking Negotiator methods.
		OnChange func(Session)
		// OnRemoteTrack is called on the negotiator goroutine.
		OnRemoteTrack func(callID string, t RemoteTrack)
		// NewCallID mints session ids, uuid by default.
		NewCallID func() string
	}

	// Negotiator owns at most one session at a time. All state lives on the
	// goroutine started by Run; public methods post events to it.
	Negotiator struct {
		logger             zerolog.Logger
		peers              PeerFactory
		media              Media
		signaling          Publisher
		localUserID        string
		localDisplayName   string
		ringTimeout        time.Duration
		negotiationTimeout time.Duration
		onChange           func(Session)
		onRemoteTrack      func(string, RemoteTrack)
		newCallID          func() string

		qmu    sync.Mutex
		queue  []envelope
		wake   chan struct{}
		closed bool
		done   chan struct{}

		smu      sync.RWMutex
		snapshot Session

		// owned by the loop
		session Session
		pc      PeerConnection
	}

	envelope struct {
		ev      Event
		applied chan Session
	}

	// remoteTrack is routed through the loop so it is ordered with state
	// changes; Transition ignores it.
	remoteTrack struct {
		callID string
		track  RemoteTrack
	}
)

func (remoteTrack) event() {}

func NewNegotiator(cfg Config) *Negotiator {
	n := &Negotiator{
		logger:             cfg.Logger.With().Str("component", "negotiator").Logger(),
		peers:              cfg.Peers,
		media:              cfg.Media,
		signaling:          cfg.Signaling,
		localUserID:        cfg.LocalUserID,
		localDisplayName:   cfg.LocalDisplayName,
		ringTimeout:        cfg.RingTimeout,
		negotiationTimeout: cfg.NegotiationTimeout,
		onChange:           cfg.OnChange,
		onRemoteTrack:      cfg.OnRemoteTrack,
		newCallID:          cfg.NewCallID,
		wake:               make(chan struct{}, 1),
		done:               make(chan struct{}),
	}
	if n.ringTimeout == 0 {
		n.ringTimeout = defaultRingTimeout
	}
	if n.negotiationTimeout == 0 {
		n.negotiationTimeout = defaultNegotiationTimeout
	}
	if n.newCallID == nil {
		n.newCallID = uuid.NewString
	}
	return n
}

// Run processes events until ctx is done. A live call is torn down on exit.
func (n *Negotiator) Run(ctx context.Context) {
	defer close(n.done)
	n.logger.Debug().Msg("negotiator started")

	for {
		select {
		case <-ctx.Done():
			n.stop()
			return
		case <-n.wake:
		}
		for _, env := range n.drain() {
			n.apply(ctx, env)
		}
	}
}

func (n *Negotiator) stop() {
	n.qmu.Lock()
	n.closed = true
	n.queue = nil
	n.qmu.Unlock()

	if n.session.State.Live() {
		if n.session.State != StateEnding {
			n.publish(n.session.endCall(model.ReasonHangup).Message)
		}
		var err error
		if n.pc != nil {
			err = n.pc.Close()
			n.pc = nil
		}
		if err = multierr.Append(err, n.media.Detach()); err != nil {
			n.logger.Debug().Err(err).Msg("failed to release call resources")
		}
		s := n.session.clone()
		s.State = StateEnded
		s.EndReason = model.ReasonHangup
		s.EndedAt = time.Now()
		n.setSession(s)
	}
	n.logger.Debug().Msg("negotiator stopped")
}

// post enqueues ev without waiting. Events posted after Run exits are dropped.
func (n *Negotiator) post(ev Event) {
	n.enqueue(envelope{ev: ev})
}

func (n *Negotiator) enqueue(env envelope) bool {
	n.qmu.Lock()
	if n.closed {
		n.qmu.Unlock()
		return false
	}
	n.queue = append(n.queue, env)
	n.qmu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

func (n *Negotiator) drain() []envelope {
	n.qmu.Lock()
	defer n.qmu.Unlock()
	q := n.queue
	n.queue = nil
	return q
}

// do posts ev and waits until it has been applied.
func (n *Negotiator) do(ev Event) (Session, error) {
	env := envelope{ev: ev, applied: make(chan Session, 1)}
	if !n.enqueue(env) {
		return n.Session(), ErrClosed
	}
	select {
	case s := <-env.applied:
		return s, nil
	case <-n.done:
		return n.Session(), ErrClosed
	}
}

func (n *Negotiator) apply(ctx context.Context, env envelope) {
	if rt, ok := env.ev.(remoteTrack); ok {
		if n.session.ID == rt.callID && n.session.State.Live() && n.onRemoteTrack != nil {
			n.onRemoteTrack(rt.callID, rt.track)
		}
		if env.applied != nil {
			env.applied <- n.session.clone()
		}
		return
	}

	if td, ok := env.ev.(TeardownDone); ok && td.Err != nil {
		n.logger.Warn().Err(td.Err).Str("callID", td.CallID).Msg("failed to close peer connection")
	}

	prev := n.session
	next, effects := Transition(prev, env.ev)
	next = stamp(prev, next, time.Now())
	n.setSession(next)

	if offer, ok := env.ev.(OfferReceived); ok && next.ID != offer.CallID {
		n.logger.Info().
			Str("callID", offer.CallID).
			Str("remote", offer.From).
			Str("current", next.ID).
			Msg("refused incoming call, busy")
	}
	if next.ID != prev.ID || next.State != prev.State {
		n.logger.Info().
			Str("callID", next.ID).
			Str("remote", next.RemoteUserID).
			Stringer("from", prev.State).
			Stringer("to", next.State).
			Str("reason", next.EndReason).
			Err(next.Err).
			Msg("call state changed")
		if n.onChange != nil {
			n.onChange(next.clone())
		}
	}

	n.execute(ctx, next, effects)

	if env.applied != nil {
		env.applied <- next.clone()
	}
}

func stamp(prev, next Session, now time.Time) Session {
	if next.State == StateIdle {
		return next
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	if next.State == StateActive && prev.State != StateActive {
		next.ActiveAt = now
	}
	if next.State.Terminal() && next.EndedAt.IsZero() {
		next.EndedAt = now
	}
	return next
}

func (n *Negotiator) setSession(s Session) {
	n.session = s
	n.smu.Lock()
	n.snapshot = s.clone()
	n.smu.Unlock()
}

func (n *Negotiator) execute(ctx context.Context, s Session, effects []Effect) {
	for _, eff := range effects {
		if err := n.run(ctx, s, eff); err != nil {
			n.logger.Error().Err(err).Str("callID", s.ID).Msg("call effect failed")
			n.post(NegotiationFailed{CallID: s.ID, Err: errors.Join(ErrNegotiation, err)})
			return
		}
	}
}

func (n *Negotiator) run(ctx context.Context, s Session, eff Effect) error {
	callID := s.ID
	switch e := eff.(type) {
	case AcquireMedia:
		go func() {
			ep, err := n.media.AcquireCamera(ctx)
			if err != nil {
				n.post(MediaFailed{CallID: callID, Err: err})
				return
			}
			n.post(MediaReady{CallID: callID, Endpoint: ep})
		}()

	case ReleaseEndpoint:
		n.media.Release(e.Endpoint)

	case CreatePeer:
		n.closePeer()
		pc, err := n.peers.NewPeer(n.handlers(callID))
		if err != nil {
			return err
		}
		n.pc = pc

	case AttachMedia:
		if n.pc == nil {
			return errors.New("no peer connection to attach media to")
		}
		return n.media.Attach(e.Endpoint, n.pc)

	case SetRemote:
		if n.pc == nil {
			return errors.New("no peer connection for remote description")
		}
		return n.pc.SetRemoteDescription(e.Description)

	case CreateOffer, CreateAnswer:
		if n.pc == nil {
			return errors.New("no peer connection to create description")
		}
		var (
			desc webrtc.SessionDescription
			err  error
		)
		if _, ok := e.(CreateOffer); ok {
			desc, err = n.pc.CreateOffer()
		} else {
			desc, err = n.pc.CreateAnswer()
		}
		if err != nil {
			return err
		}
		n.post(LocalDescriptionReady{CallID: callID, Description: desc})

	case AddCandidates:
		if n.pc == nil {
			return nil
		}
		for _, c := range e.Candidates {
			if err := n.pc.AddICECandidate(c); err != nil {
				return err
			}
		}

	case Publish:
		if err := n.signaling.Publish(e.Message); err != nil {
			if e.Message.Type == model.TypeEndCall {
				n.logger.Debug().Err(err).Str("callID", callID).Msg("failed to publish end-call")
				return nil
			}
			return err
		}

	case StartTimer:
		d := n.ringTimeout
		if e.Armed == StateNegotiating {
			d = n.negotiationTimeout
		}
		armed := e.Armed
		time.AfterFunc(d, func() {
			n.post(Timeout{CallID: callID, Armed: armed})
		})

	case Teardown:
		if err := n.media.Detach(); err != nil {
			n.logger.Debug().Err(err).Str("callID", callID).Msg("failed to release media")
		}
		pc := n.pc
		n.pc = nil
		go func() {
			var err error
			if pc != nil {
				err = pc.Close()
			}
			n.post(TeardownDone{CallID: callID, Err: err})
		}()
	}
	return nil
}

func (n *Negotiator) handlers(callID string) PeerHandlers {
	return PeerHandlers{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			n.post(LocalCandidate{CallID: callID, Candidate: c})
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			n.logger.Debug().Str("callID", callID).Stringer("state", state).Msg("peer connection state")
			switch state {
			case webrtc.PeerConnectionStateConnected:
				n.post(TransportConnected{CallID: callID})
			case webrtc.PeerConnectionStateFailed:
				n.post(TransportFailed{CallID: callID, Err: ErrTransport})
			}
		},
		OnTrack: func(t RemoteTrack) {
			n.post(remoteTrack{callID: callID, track: t})
		},
	}
}

func (n *Negotiator) closePeer() {
	if n.pc == nil {
		return
	}
	if err := n.pc.Close(); err != nil {
		n.logger.Debug().Err(err).Msg("failed to close peer connection")
	}
	n.pc = nil
}

func (n *Negotiator) publish(msg model.Message) {
	if err := n.signaling.Publish(msg); err != nil {
		n.logger.Debug().Err(err).Str("type", msg.Type).Msg("failed to publish")
	}
}

// Session returns a copy of the current (or last) session.
func (n *Negotiator) Session() Session {
	n.smu.RLock()
	defer n.smu.RUnlock()
	return n.snapshot.clone()
}

// Initiate starts calling remoteUserID.
func (n *Negotiator) Initiate(remoteUserID string) (Session, error) {
	if remoteUserID == "" {
		return Session{}, ErrEmptyRemote
	}
	callID := n.newCallID()
	s, err := n.do(Initiate{
		CallID:           callID,
		LocalUserID:      n.localUserID,
		LocalDisplayName: n.localDisplayName,
		RemoteUserID:     remoteUserID,
	})
	if err != nil {
		return s, err
	}
	if s.ID != callID {
		return s, ErrCallInProgress
	}
	return s, nil
}

// Accept answers the ringing call. Empty callID addresses the current call.
func (n *Negotiator) Accept(callID string) (Session, error) {
	s, err := n.do(Accept{CallID: callID})
	if err != nil {
		return s, err
	}
	if s.Role != RoleCallee || s.State != StateNegotiating || (callID != "" && s.ID != callID) {
		return s, ErrNoCall
	}
	return s, nil
}

// Reject declines the ringing call without creating a peer connection.
func (n *Negotiator) Reject(callID string) (Session, error) {
	s, err := n.do(Reject{CallID: callID})
	if err != nil {
		return s, err
	}
	if s.EndReason != model.ReasonRejected || s.State != StateEnded || (callID != "" && s.ID != callID) {
		return s, ErrNoCall
	}
	return s, nil
}

// HangUp ends the current call. The returned session is already Ending (or
// terminal); resources are released in the background. Calling it again or
// without a call is a no-op.
func (n *Negotiator) HangUp() (Session, error) {
	return n.do(HangUp{})
}

// SignalingLost reports that the relay connection dropped.
func (n *Negotiator) SignalingLost(err error) {
	n.post(SignalingLost{Err: err})
}

// HandleMessage feeds a call related relay message into the state machine.
// It does not wait for the message to be applied.
func (n *Negotiator) HandleMessage(msg model.Message) error {
	switch msg.Type {
	case model.TypeCallUser:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Signal, &offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
			return n.badSignal(msg, err)
		}
		callID := msg.CallID
		if callID == "" {
			callID = n.newCallID()
		}
		n.post(OfferReceived{
			CallID:           callID,
			LocalUserID:      n.localUserID,
			LocalDisplayName: n.localDisplayName,
			From:             msg.From,
			DisplayName:      msg.DisplayName,
			Offer:            offer,
		})

	case model.TypeAcceptCall:
		var answer webrtc.SessionDescription
		if err := json.Unmarshal(msg.Signal, &answer); err != nil || answer.Type != webrtc.SDPTypeAnswer {
			return n.badSignal(msg, err)
		}
		n.post(AnswerReceived{CallID: msg.CallID, From: msg.From, Answer: answer})

	case model.TypeICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &c); err != nil {
			return n.badSignal(msg, err)
		}
		n.post(CandidateReceived{CallID: msg.CallID, From: msg.From, Candidate: c})

	case model.TypeEndCall:
		n.post(RemoteEnded{CallID: msg.CallID, From: msg.From, Reason: msg.Reason})

	case model.TypePeerUnavailable:
		n.post(PeerUnavailable{CallID: msg.CallID})

	default:
		return ErrBadMessage
	}
	return nil
}

// badSignal fails the call the message belongs to, if any.
func (n *Negotiator) badSignal(msg model.Message, err error) error {
	err = errors.Join(ErrBadMessage, err)
	n.post(BadSignal{
		CallID: msg.CallID,
		From:   msg.From,
		Err:    errors.Join(ErrNegotiation, err),
	})
	return err
}
