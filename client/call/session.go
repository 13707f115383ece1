package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type State int

const (
	StateIdle State = iota
	StateDialing
	StateRinging
	StateNegotiating
	StateActive
	StateEnding
	StateEnded
	StateFailed
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateDialing:     "dialing",
	StateRinging:     "ringing",
	StateNegotiating: "negotiating",
	StateActive:      "active",
	StateEnding:      "ending",
	StateEnded:       "ended",
	StateFailed:      "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Live reports whether the session still holds (or is about to hold) resources.
func (s State) Live() bool {
	return s != StateIdle && !s.Terminal()
}

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// End reasons, besides the wire reasons from the model package.
const (
	EndUnavailable = "unavailable"
	EndMedia       = "media"
)

// Session is one call attempt. It is a value: Transition returns a new copy
// and never shares the candidate buffer with its input.
type Session struct {
	ID                string
	LocalUserID       string
	LocalDisplayName  string
	RemoteUserID      string
	RemoteDisplayName string
	Role              Role
	State             State

	// Offer is the received offer while the callee is ringing.
	Offer *webrtc.SessionDescription

	LocalDescription  *webrtc.SessionDescription
	RemoteDescription *webrtc.SessionDescription

	// PendingCandidates arrived before RemoteDescription, in receipt order.
	PendingCandidates []webrtc.ICECandidateInit
	// LocalCandidates were gathered before LocalDescription was published.
	LocalCandidates []webrtc.ICECandidateInit

	// Connected is set once the transport reported connectivity.
	Connected bool
	// PeerCreated is set once a peer connection exists for this session.
	PeerCreated bool
	// MediaAcquired is set once local capture has been granted.
	MediaAcquired bool

	// EndReason explains terminal states.
	EndReason string
	Err       error

	CreatedAt time.Time
	ActiveAt  time.Time
	EndedAt   time.Time
}

func (s Session) clone() Session {
	if s.PendingCandidates != nil {
		c := make([]webrtc.ICECandidateInit, len(s.PendingCandidates))
		copy(c, s.PendingCandidates)
		s.PendingCandidates = c
	}
	if s.LocalCandidates != nil {
		c := make([]webrtc.ICECandidateInit, len(s.LocalCandidates))
		copy(c, s.LocalCandidates)
		s.LocalCandidates = c
	}
	return s
}
