package call

import (
	"github.com/adwski/peercall/backend/model"
	"github.com/adwski/peercall/client/media"
	"github.com/pion/webrtc/v4"
)

// Event is an input of the session state machine.
type Event interface {
	event()
}

type (
	// Initiate starts an outgoing call.
	Initiate struct {
		CallID           string
		LocalUserID      string
		LocalDisplayName string
		RemoteUserID     string
	}

	// OfferReceived is an inbound call-user.
	OfferReceived struct {
		CallID           string
		LocalUserID      string
		LocalDisplayName string
		From             string
		DisplayName      string
		Offer            webrtc.SessionDescription
	}

	Accept struct{ CallID string }
	Reject struct{ CallID string }

	// HangUp ends the call locally. Empty CallID addresses the current call.
	HangUp struct{ CallID string }

	MediaReady struct {
		CallID   string
		Endpoint *media.Endpoint
	}
	MediaFailed struct {
		CallID string
		Err    error
	}

	LocalDescriptionReady struct {
		CallID      string
		Description webrtc.SessionDescription
	}
	AnswerReceived struct {
		CallID string
		From   string
		Answer webrtc.SessionDescription
	}
	CandidateReceived struct {
		CallID    string
		From      string
		Candidate webrtc.ICECandidateInit
	}
	LocalCandidate struct {
		CallID    string
		Candidate webrtc.ICECandidateInit
	}

	TransportConnected struct{ CallID string }
	TransportFailed    struct {
		CallID string
		Err    error
	}
	NegotiationFailed struct {
		CallID string
		Err    error
	}
	// BadSignal is a remote description or candidate that could not be
	// decoded or has the wrong type.
	BadSignal struct {
		CallID string
		From   string
		Err    error
	}

	RemoteEnded struct {
		CallID string
		From   string
		Reason string
	}
	PeerUnavailable struct{ CallID string }
	SignalingLost   struct{ Err error }

	// Timeout fires for the state it was armed in.
	Timeout struct {
		CallID string
		Armed  State
	}
	TeardownDone struct {
		CallID string
		Err    error
	}
)

func (Initiate) event()              {}
func (OfferReceived) event()         {}
func (Accept) event()                {}
func (Reject) event()                {}
func (HangUp) event()                {}
func (MediaReady) event()            {}
func (MediaFailed) event()           {}
func (LocalDescriptionReady) event() {}
func (AnswerReceived) event()        {}
func (CandidateReceived) event()     {}
func (LocalCandidate) event()        {}
func (TransportConnected) event()    {}
func (TransportFailed) event()       {}
func (NegotiationFailed) event()     {}
func (BadSignal) event()             {}
func (RemoteEnded) event()           {}
func (PeerUnavailable) event()       {}
func (SignalingLost) event()         {}
func (Timeout) event()               {}
func (TeardownDone) event()          {}

// Effect is a side effect requested by a transition. Effects are executed in
// order by the negotiator.
type Effect interface {
	effect()
}

type (
	AcquireMedia struct{}
	// ReleaseEndpoint drops media acquired for a session that is gone.
	ReleaseEndpoint struct{ Endpoint *media.Endpoint }
	CreatePeer      struct{}
	AttachMedia     struct{ Endpoint *media.Endpoint }
	SetRemote       struct{ Description webrtc.SessionDescription }
	CreateOffer     struct{}
	CreateAnswer    struct{}
	AddCandidates   struct{ Candidates []webrtc.ICECandidateInit }
	Publish         struct{ Message model.Message }
	StartTimer      struct{ Armed State }
	// Teardown closes the peer connection and releases media, then
	// reports TeardownDone.
	Teardown struct{}
)

func (AcquireMedia) effect()    {}
func (ReleaseEndpoint) effect() {}
func (CreatePeer) effect()      {}
func (AttachMedia) effect()     {}
func (SetRemote) effect()       {}
func (CreateOffer) effect()     {}
func (CreateAnswer) effect()    {}
func (AddCandidates) effect()   {}
func (Publish) effect()         {}
func (StartTimer) effect()      {}
func (Teardown) effect()        {}
