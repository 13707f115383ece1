package call

import (
	"encoding/json"

	"github.com/adwski/peercall/backend/model"
	"github.com/pion/webrtc/v4"
)

// Transition computes the next session and the effects to run. It never
// mutates its input and performs no I/O.
//
// Events carrying a call id that does not match the current session are
// dropped. An empty id on a remote event falls back to matching the remote
// user, which keeps peers that do not send call ids working.
func Transition(s Session, ev Event) (Session, []Effect) {
	s = s.clone()

	switch e := ev.(type) {
	case Initiate:
		if s.State.Live() {
			return s, nil
		}
		return Session{
			ID:               e.CallID,
			LocalUserID:      e.LocalUserID,
			LocalDisplayName: e.LocalDisplayName,
			RemoteUserID:     e.RemoteUserID,
			Role:             RoleCaller,
			State:            StateDialing,
		}, []Effect{AcquireMedia{}, StartTimer{Armed: StateDialing}}

	case OfferReceived:
		if s.State.Live() {
			if s.matches(e.CallID, e.From) {
				// duplicate
				return s, nil
			}
			return s, []Effect{Publish{Message: model.Message{
				Type:   model.TypeEndCall,
				To:     e.From,
				CallID: e.CallID,
				Reason: model.ReasonBusy,
			}}}
		}
		offer := e.Offer
		return Session{
			ID:                e.CallID,
			LocalUserID:       e.LocalUserID,
			LocalDisplayName:  e.LocalDisplayName,
			RemoteUserID:      e.From,
			RemoteDisplayName: e.DisplayName,
			Role:              RoleCallee,
			State:             StateRinging,
			Offer:             &offer,
		}, []Effect{StartTimer{Armed: StateRinging}}

	case Accept:
		if s.State != StateRinging || !s.addressed(e.CallID) {
			return s, nil
		}
		s.State = StateNegotiating
		return s, []Effect{AcquireMedia{}, StartTimer{Armed: StateNegotiating}}

	case Reject:
		if s.State != StateRinging || !s.addressed(e.CallID) {
			return s, nil
		}
		s.State = StateEnded
		s.EndReason = model.ReasonRejected
		return s, []Effect{s.endCall(model.ReasonRejected)}

	case MediaReady:
		if s.ID != e.CallID || s.MediaAcquired {
			return s, []Effect{ReleaseEndpoint{Endpoint: e.Endpoint}}
		}
		switch {
		case s.State == StateDialing && s.Role == RoleCaller:
			s.MediaAcquired = true
			s.PeerCreated = true
			return s, []Effect{CreatePeer{}, AttachMedia{Endpoint: e.Endpoint}, CreateOffer{}}
		case s.State == StateNegotiating && s.Role == RoleCallee && s.Offer != nil:
			s.MediaAcquired = true
			s.PeerCreated = true
			offer := *s.Offer
			s.RemoteDescription = &offer
			effects := []Effect{CreatePeer{}, SetRemote{Description: offer}}
			effects = append(effects, s.flushCandidates()...)
			s.PendingCandidates = nil
			return s, append(effects, AttachMedia{Endpoint: e.Endpoint}, CreateAnswer{})
		}
		return s, []Effect{ReleaseEndpoint{Endpoint: e.Endpoint}}

	case MediaFailed:
		if s.ID != e.CallID || s.MediaAcquired {
			return s, nil
		}
		if s.State != StateDialing && s.State != StateNegotiating {
			return s, nil
		}
		s.State = StateEnded
		s.EndReason = EndMedia
		s.Err = e.Err
		if s.Role == RoleCallee {
			// caller is waiting for our answer
			return s, []Effect{s.endCall(model.ReasonFailed)}
		}
		return s, nil

	case LocalDescriptionReady:
		if s.ID != e.CallID || s.LocalDescription != nil {
			return s, nil
		}
		desc := e.Description
		switch {
		case s.State == StateDialing && s.Role == RoleCaller:
			s.LocalDescription = &desc
			effects := []Effect{Publish{Message: model.Message{
				Type:        model.TypeCallUser,
				To:          s.RemoteUserID,
				From:        s.LocalUserID,
				CallID:      s.ID,
				Signal:      raw(desc),
				DisplayName: s.LocalDisplayName,
			}}}
			effects = append(effects, s.flushLocalCandidates()...)
			return s, effects
		case s.State == StateNegotiating && s.Role == RoleCallee:
			s.LocalDescription = &desc
			effects := []Effect{Publish{Message: model.Message{
				Type:        model.TypeAcceptCall,
				To:          s.RemoteUserID,
				From:        s.LocalUserID,
				CallID:      s.ID,
				Signal:      raw(desc),
				DisplayName: s.LocalDisplayName,
			}}}
			effects = append(effects, s.flushLocalCandidates()...)
			s.activate()
			return s, effects
		}
		return s, nil

	case AnswerReceived:
		if s.State != StateDialing || s.Role != RoleCaller || !s.matches(e.CallID, e.From) {
			return s, nil
		}
		if s.LocalDescription == nil {
			return s, nil
		}
		answer := e.Answer
		s.RemoteDescription = &answer
		s.State = StateNegotiating
		effects := []Effect{SetRemote{Description: answer}}
		effects = append(effects, s.flushCandidates()...)
		s.PendingCandidates = nil
		effects = append(effects, StartTimer{Armed: StateNegotiating})
		s.activate()
		return s, effects

	case CandidateReceived:
		if !s.negotiable() || !s.matches(e.CallID, e.From) {
			return s, nil
		}
		if s.RemoteDescription != nil && s.PeerCreated {
			return s, []Effect{AddCandidates{Candidates: []webrtc.ICECandidateInit{e.Candidate}}}
		}
		s.PendingCandidates = append(s.PendingCandidates, e.Candidate)
		return s, nil

	case LocalCandidate:
		if !s.negotiable() || s.ID != e.CallID {
			return s, nil
		}
		if s.LocalDescription == nil {
			// the peer cannot use candidates before our description
			s.LocalCandidates = append(s.LocalCandidates, e.Candidate)
			return s, nil
		}
		return s, []Effect{s.candidate(e.Candidate)}

	case TransportConnected:
		if !s.negotiable() || s.ID != e.CallID {
			return s, nil
		}
		s.Connected = true
		s.activate()
		return s, nil

	case TransportFailed:
		if !s.negotiable() || s.ID != e.CallID {
			return s, nil
		}
		return s.fail(e.Err)

	case NegotiationFailed:
		if !s.negotiable() || s.ID != e.CallID {
			return s, nil
		}
		return s.fail(e.Err)

	case BadSignal:
		if !s.negotiable() || !s.matches(e.CallID, e.From) {
			return s, nil
		}
		return s.fail(e.Err)

	case HangUp:
		if !s.negotiable() || !s.addressed(e.CallID) {
			return s, nil
		}
		s.State = StateEnding
		s.EndReason = model.ReasonHangup
		return s, []Effect{s.endCall(model.ReasonHangup), Teardown{}}

	case RemoteEnded:
		if !s.negotiable() || !s.matches(e.CallID, e.From) {
			return s, nil
		}
		s.State = StateEnding
		s.EndReason = e.Reason
		if s.EndReason == "" {
			s.EndReason = model.ReasonHangup
		}
		return s, []Effect{Teardown{}}

	case PeerUnavailable:
		if s.State != StateDialing || s.ID != e.CallID {
			return s, nil
		}
		s.State = StateEnding
		s.EndReason = EndUnavailable
		return s, []Effect{Teardown{}}

	case SignalingLost:
		switch s.State {
		case StateDialing, StateRinging, StateNegotiating:
			s.State = StateFailed
			s.EndReason = model.ReasonFailed
			s.Err = e.Err
			return s, []Effect{Teardown{}}
		}
		return s, nil

	case Timeout:
		if s.ID != e.CallID || s.State != e.Armed {
			return s, nil
		}
		switch s.State {
		case StateDialing:
			s.State = StateEnding
			s.EndReason = model.ReasonTimeout
			if s.LocalDescription != nil {
				// the offer is out, the callee may be ringing
				return s, []Effect{s.endCall(model.ReasonTimeout), Teardown{}}
			}
			return s, []Effect{Teardown{}}
		case StateRinging:
			s.State = StateEnding
			s.EndReason = model.ReasonTimeout
			return s, []Effect{Teardown{}}
		case StateNegotiating:
			return s.fail(ErrNegotiationTimeout)
		}
		return s, nil

	case TeardownDone:
		if s.State == StateEnding && s.ID == e.CallID {
			s.State = StateEnded
		}
		return s, nil
	}
	return s, nil
}

// negotiable reports whether the session accepts negotiation events.
func (s *Session) negotiable() bool {
	return s.State.Live() && s.State != StateEnding
}

// matches checks a remote event against the session.
func (s *Session) matches(callID, from string) bool {
	if callID != "" {
		return s.ID == callID
	}
	return from != "" && s.RemoteUserID == from
}

// addressed checks a local command against the session.
func (s *Session) addressed(callID string) bool {
	return callID == "" || s.ID == callID
}

func (s *Session) activate() {
	if s.State == StateNegotiating &&
		s.Connected &&
		s.LocalDescription != nil &&
		s.RemoteDescription != nil {
		s.State = StateActive
	}
}

func (s *Session) flushCandidates() []Effect {
	if len(s.PendingCandidates) == 0 {
		return nil
	}
	return []Effect{AddCandidates{Candidates: s.PendingCandidates}}
}

func (s *Session) flushLocalCandidates() []Effect {
	effects := make([]Effect, 0, len(s.LocalCandidates))
	for _, c := range s.LocalCandidates {
		effects = append(effects, s.candidate(c))
	}
	s.LocalCandidates = nil
	return effects
}

func (s *Session) candidate(c webrtc.ICECandidateInit) Publish {
	return Publish{Message: model.Message{
		Type:      model.TypeICECandidate,
		To:        s.RemoteUserID,
		From:      s.LocalUserID,
		CallID:    s.ID,
		Candidate: raw(c),
	}}
}

func (s Session) fail(err error) (Session, []Effect) {
	s.State = StateFailed
	s.EndReason = model.ReasonFailed
	s.Err = err
	return s, []Effect{s.endCall(model.ReasonFailed), Teardown{}}
}

func (s *Session) endCall(reason string) Publish {
	return Publish{Message: model.Message{
		Type:   model.TypeEndCall,
		To:     s.RemoteUserID,
		From:   s.LocalUserID,
		CallID: s.ID,
		Reason: reason,
	}}
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
