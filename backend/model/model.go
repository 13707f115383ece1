package model

import "encoding/json"

// Signaling message types relayed between users.
const (
	TypeCallUser          = "call-user"
	TypeAcceptCall        = "accept-call"
	TypeICECandidate      = "ice-candidate"
	TypeEndCall           = "end-call"
	TypeSendMessage       = "send-message"
	TypeInviteParticipant = "invite-participant"

	// TypePeerUnavailable is sent by the relay itself when call-user
	// cannot be delivered.
	TypePeerUnavailable = "peer-unavailable"
)

// End-call reasons.
const (
	ReasonHangup   = "hangup"
	ReasonRejected = "rejected"
	ReasonBusy     = "busy"
	ReasonFailed   = "failed"
	ReasonTimeout  = "timeout"
)

// Message is a single signaling frame. Signal and Candidate are carried
// verbatim, the relay never looks inside them.
type Message struct {
	Type        string          `json:"type"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"` // for inbound messages relay re-assigns this based on websocket session
	CallID      string          `json:"call_id,omitempty"`
	Signal      json.RawMessage `json:"signal,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	Text        string          `json:"text,omitempty"`
	Name        string          `json:"name,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Wire connects one websocket session to the switch. Evict is closed by the
// switch when a newer session for the same user replaces this one.
type Wire struct {
	RX    chan Message
	TX    chan Message
	Evict chan struct{}
}

func NewWire() Wire {
	return Wire{
		RX:    make(chan Message),
		TX:    make(chan Message),
		Evict: make(chan struct{}),
	}
}
