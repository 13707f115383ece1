package call_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/peercall/backend/model"
	"github.com/adwski/peercall/client/call"
	"github.com/adwski/peercall/client/call/calltest"
	"github.com/adwski/peercall/client/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"go.viam.com/test"
)

const waitTimeout = 3 * time.Second

type harness struct {
	n       *call.Negotiator
	peers   *calltest.PeerFactory
	pub     *calltest.Publisher
	capture *media.Synthetic
	media   *media.Controller
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, user string, configure func(*call.Config)) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{
		peers:   &calltest.PeerFactory{},
		pub:     &calltest.Publisher{},
		capture: &media.Synthetic{},
		done:    make(chan struct{}),
	}
	h.media = media.NewController(media.Config{Logger: &logger, Capturer: h.capture})
	cfg := call.Config{
		Logger:      &logger,
		Peers:       h.peers,
		Media:       h.media,
		Signaling:   h.pub,
		LocalUserID: user,
	}
	if configure != nil {
		configure(&cfg)
	}
	h.n = call.NewNegotiator(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.n.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) waitState(t *testing.T, want call.State) call.Session {
	t.Helper()
	var s call.Session
	waitFor(t, func() bool {
		s = h.n.Session()
		return s.State == want
	})
	return s
}

func (h *harness) waitPublished(t *testing.T, typ string, count int) []model.Message {
	t.Helper()
	var msgs []model.Message
	waitFor(t, func() bool {
		msgs = h.pub.OfType(typ)
		return len(msgs) >= count
	})
	return msgs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func signal(t *testing.T, desc webrtc.SessionDescription) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(desc)
	test.That(t, err, test.ShouldBeNil)
	return b
}

func candidate(t *testing.T, c webrtc.ICECandidateInit) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(c)
	test.That(t, err, test.ShouldBeNil)
	return b
}

func allClosed(eps []*media.Endpoint) bool {
	for _, ep := range eps {
		for _, tr := range ep.Tracks() {
			if !tr.(*media.StaticTrack).Closed() {
				return false
			}
		}
	}
	return true
}

var (
	remoteOffer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}
	remoteAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"}
	remoteCand1  = webrtc.ICECandidateInit{Candidate: "candidate:r1 1 udp 1 192.0.2.10 1000 typ host"}
	remoteCand2  = webrtc.ICECandidateInit{Candidate: "candidate:r2 1 udp 1 192.0.2.11 1001 typ host"}
)

func TestNegotiatorCaller(t *testing.T) {
	h := newHarness(t, "alice", func(cfg *call.Config) {
		cfg.LocalDisplayName = "Alice"
	})

	s, err := h.n.Initiate("bob")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.State, test.ShouldEqual, call.StateDialing)
	test.That(t, s.ID, test.ShouldNotBeEmpty)

	offers := h.waitPublished(t, model.TypeCallUser, 1)
	test.That(t, offers[0].To, test.ShouldEqual, "bob")
	test.That(t, offers[0].CallID, test.ShouldEqual, s.ID)
	test.That(t, offers[0].DisplayName, test.ShouldEqual, "Alice")
	var offer webrtc.SessionDescription
	test.That(t, json.Unmarshal(offers[0].Signal, &offer), test.ShouldBeNil)
	test.That(t, offer.Type, test.ShouldEqual, webrtc.SDPTypeOffer)

	// the candidate gathered while creating the offer follows it
	cands := h.waitPublished(t, model.TypeICECandidate, 1)
	test.That(t, cands[0].CallID, test.ShouldEqual, s.ID)
	msgs := h.pub.Messages()
	test.That(t, msgs[0].Type, test.ShouldEqual, model.TypeCallUser)

	peer := h.peers.Last()
	test.That(t, peer, test.ShouldNotBeNil)
	test.That(t, peer.Senders(), test.ShouldHaveLength, 2)

	test.That(t, h.n.HandleMessage(model.Message{
		Type:   model.TypeAcceptCall,
		From:   "bob",
		CallID: s.ID,
		Signal: signal(t, remoteAnswer),
	}), test.ShouldBeNil)

	active := h.waitState(t, call.StateActive)
	test.That(t, active.ActiveAt.IsZero(), test.ShouldBeFalse)
	test.That(t, *peer.RemoteDescription(), test.ShouldResemble, remoteAnswer)

	ended, err := h.n.HangUp()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ended.State, test.ShouldEqual, call.StateEnding)

	h.waitState(t, call.StateEnded)
	test.That(t, peer.Closed(), test.ShouldBeTrue)
	test.That(t, allClosed(h.capture.Endpoints()), test.ShouldBeTrue)
	ends := h.pub.OfType(model.TypeEndCall)
	test.That(t, ends, test.ShouldHaveLength, 1)
	test.That(t, ends[0].Reason, test.ShouldEqual, model.ReasonHangup)

	// idempotent
	again, err := h.n.HangUp()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.State, test.ShouldEqual, call.StateEnded)
	test.That(t, h.pub.OfType(model.TypeEndCall), test.ShouldHaveLength, 1)
}

func TestNegotiatorCallee(t *testing.T) {
	h := newHarness(t, "bob", nil)

	test.That(t, h.n.HandleMessage(model.Message{
		Type:        model.TypeCallUser,
		From:        "alice",
		CallID:      "c1",
		DisplayName: "Alice",
		Signal:      signal(t, remoteOffer),
	}), test.ShouldBeNil)
	s := h.waitState(t, call.StateRinging)
	test.That(t, s.ID, test.ShouldEqual, "c1")
	test.That(t, s.RemoteDisplayName, test.ShouldEqual, "Alice")
	test.That(t, h.peers.Peers(), test.ShouldBeEmpty)

	for _, c := range []webrtc.ICECandidateInit{remoteCand1, remoteCand2} {
		test.That(t, h.n.HandleMessage(model.Message{
			Type:      model.TypeICECandidate,
			From:      "alice",
			CallID:    "c1",
			Candidate: candidate(t, c),
		}), test.ShouldBeNil)
	}

	s, err := h.n.Accept("c1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.State, test.ShouldEqual, call.StateNegotiating)

	h.waitState(t, call.StateActive)
	answers := h.waitPublished(t, model.TypeAcceptCall, 1)
	test.That(t, answers[0].To, test.ShouldEqual, "alice")
	test.That(t, answers[0].CallID, test.ShouldEqual, "c1")

	peer := h.peers.Last()
	test.That(t, *peer.RemoteDescription(), test.ShouldResemble, remoteOffer)
	test.That(t, peer.Candidates(), test.ShouldResemble, []webrtc.ICECandidateInit{remoteCand1, remoteCand2})

	test.That(t, h.n.HandleMessage(model.Message{
		Type:   model.TypeEndCall,
		From:   "alice",
		CallID: "c1",
	}), test.ShouldBeNil)
	s = h.waitState(t, call.StateEnded)
	test.That(t, s.EndReason, test.ShouldEqual, model.ReasonHangup)
	test.That(t, peer.Closed(), test.ShouldBeTrue)
	// the remote ended the call, nothing to announce
	test.That(t, h.pub.OfType(model.TypeEndCall), test.ShouldBeEmpty)
}

func TestNegotiatorReject(t *testing.T) {
	h := newHarness(t, "bob", nil)
	test.That(t, h.n.HandleMessage(model.Message{
		Type:   model.TypeCallUser,
		From:   "alice",
		CallID: "c1",
		Signal: signal(t, remoteOffer),
	}), test.ShouldBeNil)
	h.waitState(t, call.StateRinging)

	s, err := h.n.Reject("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.State, test.ShouldEqual, call.StateEnded)

	ends := h.pub.OfType(model.TypeEndCall)
	test.That(t, ends, test.ShouldHaveLength, 1)
	test.That(t, ends[0].Reason, test.ShouldEqual, model.ReasonRejected)
	test.That(t, h.peers.Peers(), test.ShouldBeEmpty)
	test.That(t, h.capture.Endpoints(), test.ShouldBeEmpty)

	_, err = h.n.Accept("c1")
	test.That(t, errors.Is(err, call.ErrNoCall), test.ShouldBeTrue)
}

func TestNegotiatorBusy(t *testing.T) {
	h := newHarness(t, "alice", nil)
	s, err := h.n.Initiate("bob")
	test.That(t, err, test.ShouldBeNil)
	h.waitPublished(t, model.TypeCallUser, 1)
	test.That(t, h.n.HandleMessage(model.Message{
		Type:   model.TypeAcceptCall,
		From:   "bob",
		CallID: s.ID,
		Signal: signal(t, remoteAnswer),
	}), test.ShouldBeNil)
	h.waitState(t, call.StateActive)

	test.That(t, h.n.HandleMessage(model.Message{
		Type:   model.TypeCallUser,
		From:   "carol",
		CallID: "other",
		Signal: signal(t, remoteOffer),
	}), test.ShouldBeNil)

	ends := h.waitPublished(t, model.TypeEndCall, 1)
	test.That(t, ends[0].To, test.ShouldEqual, "carol")
	test.That(t, ends[0].CallID, test.ShouldEqual, "other")
	test.That(t, ends[0].Reason, test.ShouldEqual, model.ReasonBusy)

	current := h.n.Session()
	test.That(t, current.ID, test.ShouldEqual, s.ID)
	test.That(t, current.State, test.ShouldEqual, call.StateActive)
	test.That(t, h.peers.Peers(), test.ShouldHaveLength, 1)

	_, err = h.n.Initiate("dave")
	test.That(t, errors.Is(err, call.ErrCallInProgress), test.ShouldBeTrue)
}

func TestNegotiatorFailures(t *testing.T) {
	t.Run("media access denied", func(t *testing.T) {
		h := newHarness(t, "alice", nil)
		h.capture.UserErr = errors.New("permission denied")

		_, err := h.n.Initiate("bob")
		test.That(t, err, test.ShouldBeNil)
		s := h.waitState(t, call.StateEnded)
		test.That(t, s.EndReason, test.ShouldEqual, call.EndMedia)
		test.That(t, errors.Is(s.Err, media.ErrMediaAccess), test.ShouldBeTrue)
		test.That(t, h.pub.OfType(model.TypeCallUser), test.ShouldBeEmpty)
	})

	t.Run("signaling down", func(t *testing.T) {
		errDown := errors.New("not connected")
		h := newHarness(t, "alice", nil)
		h.pub.Fail(errDown)

		_, err := h.n.Initiate("bob")
		test.That(t, err, test.ShouldBeNil)
		s := h.waitState(t, call.StateFailed)
		test.That(t, errors.Is(s.Err, errDown), test.ShouldBeTrue)
		test.That(t, errors.Is(s.Err, call.ErrNegotiation), test.ShouldBeTrue)
		waitFor(t, func() bool { return h.peers.Last().Closed() })
	})

	t.Run("transport failed", func(t *testing.T) {
		h := newHarness(t, "alice", nil)
		h.peers.Manual()
		s, err := h.n.Initiate("bob")
		test.That(t, err, test.ShouldBeNil)
		h.waitPublished(t, model.TypeCallUser, 1)
		test.That(t, h.n.HandleMessage(model.Message{
			Type:   model.TypeAcceptCall,
			From:   "bob",
			CallID: s.ID,
			Signal: signal(t, remoteAnswer),
		}), test.ShouldBeNil)
		h.waitState(t, call.StateNegotiating)

		peer := h.peers.Last()
		// transient, ignored
		peer.SetState(webrtc.PeerConnectionStateDisconnected)
		peer.SetState(webrtc.PeerConnectionStateFailed)

		s = h.waitState(t, call.StateFailed)
		test.That(t, errors.Is(s.Err, call.ErrTransport), test.ShouldBeTrue)
		waitFor(t, peer.Closed)
		ends := h.pub.OfType(model.TypeEndCall)
		test.That(t, ends, test.ShouldHaveLength, 1)
		test.That(t, ends[0].Reason, test.ShouldEqual, model.ReasonFailed)
	})

	t.Run("peer unavailable", func(t *testing.T) {
		h := newHarness(t, "alice", nil)
		s, err := h.n.Initiate("bob")
		test.That(t, err, test.ShouldBeNil)
		h.waitPublished(t, model.TypeCallUser, 1)
		test.That(t, h.n.HandleMessage(model.Message{
			Type:   model.TypePeerUnavailable,
			CallID: s.ID,
		}), test.ShouldBeNil)
		s = h.waitState(t, call.StateEnded)
		test.That(t, s.EndReason, test.ShouldEqual, call.EndUnavailable)
	})

	t.Run("ring timeout", func(t *testing.T) {
		h := newHarness(t, "alice", func(cfg *call.Config) {
			cfg.RingTimeout = 50 * time.Millisecond
		})
		_, err := h.n.Initiate("bob")
		test.That(t, err, test.ShouldBeNil)
		s := h.waitState(t, call.StateEnded)
		test.That(t, s.EndReason, test.ShouldEqual, model.ReasonTimeout)
	})

	t.Run("signaling lost while dialing", func(t *testing.T) {
		h := newHarness(t, "alice", nil)
		h.peers.Manual()
		_, err := h.n.Initiate("bob")
		test.That(t, err, test.ShouldBeNil)
		h.waitPublished(t, model.TypeCallUser, 1)
		h.n.SignalingLost(errors.New("relay gone"))
		h.waitState(t, call.StateFailed)
	})

	t.Run("malformed offer", func(t *testing.T) {
		h := newHarness(t, "bob", nil)
		err := h.n.HandleMessage(model.Message{
			Type:   model.TypeCallUser,
			From:   "alice",
			Signal: json.RawMessage(`{"type":"answer","sdp":"x"}`),
		})
		test.That(t, errors.Is(err, call.ErrBadMessage), test.ShouldBeTrue)
	})
}

func TestNegotiatorBadSignal(t *testing.T) {
	dial := func(t *testing.T) (*harness, call.Session) {
		t.Helper()
		h := newHarness(t, "alice", nil)
		s, err := h.n.Initiate("bob")
		test.That(t, err, test.ShouldBeNil)
		h.waitPublished(t, model.TypeCallUser, 1)
		return h, s
	}

	t.Run("answer of the wrong type", func(t *testing.T) {
		h, s := dial(t)
		err := h.n.HandleMessage(model.Message{
			Type:   model.TypeAcceptCall,
			From:   "bob",
			CallID: s.ID,
			Signal: json.RawMessage(`{"type":"offer","sdp":"garbage"}`),
		})
		test.That(t, errors.Is(err, call.ErrBadMessage), test.ShouldBeTrue)

		s = h.waitState(t, call.StateFailed)
		test.That(t, errors.Is(s.Err, call.ErrNegotiation), test.ShouldBeTrue)
		test.That(t, errors.Is(s.Err, call.ErrBadMessage), test.ShouldBeTrue)
		waitFor(t, h.peers.Last().Closed)
		test.That(t, allClosed(h.capture.Endpoints()), test.ShouldBeTrue)
		ends := h.pub.OfType(model.TypeEndCall)
		test.That(t, ends, test.ShouldHaveLength, 1)
		test.That(t, ends[0].Reason, test.ShouldEqual, model.ReasonFailed)
	})

	t.Run("undecodable candidate", func(t *testing.T) {
		h, s := dial(t)
		err := h.n.HandleMessage(model.Message{
			Type:      model.TypeICECandidate,
			From:      "bob",
			CallID:    s.ID,
			Candidate: json.RawMessage(`"not-an-object"`),
		})
		test.That(t, errors.Is(err, call.ErrBadMessage), test.ShouldBeTrue)
		h.waitState(t, call.StateFailed)
	})

	t.Run("other calls are not affected", func(t *testing.T) {
		h, s := dial(t)
		err := h.n.HandleMessage(model.Message{
			Type:   model.TypeAcceptCall,
			From:   "carol",
			CallID: "other",
			Signal: json.RawMessage(`{`),
		})
		test.That(t, errors.Is(err, call.ErrBadMessage), test.ShouldBeTrue)

		// a valid answer afterwards still completes the call
		test.That(t, h.n.HandleMessage(model.Message{
			Type:   model.TypeAcceptCall,
			From:   "bob",
			CallID: s.ID,
			Signal: signal(t, remoteAnswer),
		}), test.ShouldBeNil)
		h.waitState(t, call.StateActive)
	})

	t.Run("candidate rejected by the peer", func(t *testing.T) {
		h, s := dial(t)
		h.peers.FailCandidates(errors.New("unknown sdpMid"))
		test.That(t, h.n.HandleMessage(model.Message{
			Type:   model.TypeAcceptCall,
			From:   "bob",
			CallID: s.ID,
			Signal: signal(t, remoteAnswer),
		}), test.ShouldBeNil)
		test.That(t, h.n.HandleMessage(model.Message{
			Type:      model.TypeICECandidate,
			From:      "bob",
			CallID:    s.ID,
			Candidate: candidate(t, remoteCand1),
		}), test.ShouldBeNil)

		s = h.waitState(t, call.StateFailed)
		test.That(t, errors.Is(s.Err, call.ErrNegotiation), test.ShouldBeTrue)
	})
}

func TestNegotiatorReleasesLateMedia(t *testing.T) {
	h := newHarness(t, "alice", nil)
	_, err := h.n.Initiate("bob")
	test.That(t, err, test.ShouldBeNil)
	_, err = h.n.HangUp()
	test.That(t, err, test.ShouldBeNil)

	h.waitState(t, call.StateEnded)
	waitFor(t, func() bool {
		eps := h.capture.Endpoints()
		return len(eps) == 1 && allClosed(eps)
	})
}

// logBuffer collects log output written from the negotiator goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNegotiatorCloseError(t *testing.T) {
	var logs logBuffer
	h := newHarness(t, "alice", func(cfg *call.Config) {
		logger := zerolog.New(&logs).Level(zerolog.WarnLevel)
		cfg.Logger = &logger
	})
	h.peers.FailClose(errors.New("dtls close failed"))

	s, err := h.n.Initiate("bob")
	test.That(t, err, test.ShouldBeNil)
	h.waitPublished(t, model.TypeCallUser, 1)
	test.That(t, h.n.HandleMessage(model.Message{
		Type:   model.TypeAcceptCall,
		From:   "bob",
		CallID: s.ID,
		Signal: signal(t, remoteAnswer),
	}), test.ShouldBeNil)
	h.waitState(t, call.StateActive)

	_, err = h.n.HangUp()
	test.That(t, err, test.ShouldBeNil)
	ended := h.waitState(t, call.StateEnded)
	test.That(t, ended.Err, test.ShouldBeNil)
	test.That(t, h.peers.Last().Closed(), test.ShouldBeTrue)

	out := logs.String()
	test.That(t, out, test.ShouldContainSubstring, "failed to close peer connection")
	test.That(t, out, test.ShouldContainSubstring, "dtls close failed")
	test.That(t, out, test.ShouldContainSubstring, s.ID)
}

func TestNegotiatorStopEndsCall(t *testing.T) {
	h := newHarness(t, "alice", nil)
	_, err := h.n.Initiate("bob")
	test.That(t, err, test.ShouldBeNil)
	h.waitPublished(t, model.TypeCallUser, 1)

	h.stop()
	s := h.n.Session()
	test.That(t, s.State, test.ShouldEqual, call.StateEnded)
	test.That(t, h.pub.OfType(model.TypeEndCall), test.ShouldHaveLength, 1)

	_, err = h.n.Initiate("bob")
	test.That(t, errors.Is(err, call.ErrClosed), test.ShouldBeTrue)
}

func TestNegotiatorRemoteTrack(t *testing.T) {
	var (
		got  = make(chan string, 1)
		info = &remoteTrackInfo{id: "v1", kind: webrtc.RTPCodecTypeVideo}
	)
	h := newHarness(t, "alice", func(cfg *call.Config) {
		cfg.OnRemoteTrack = func(callID string, tr call.RemoteTrack) {
			got <- callID + "/" + tr.ID()
		}
	})
	s, err := h.n.Initiate("bob")
	test.That(t, err, test.ShouldBeNil)
	h.waitPublished(t, model.TypeCallUser, 1)

	h.peers.Last().EmitTrack(info)
	select {
	case v := <-got:
		test.That(t, v, test.ShouldEqual, s.ID+"/v1")
	case <-time.After(waitTimeout):
		t.Fatal("remote track not reported")
	}
}

type remoteTrackInfo struct {
	id   string
	kind webrtc.RTPCodecType
}

func (r *remoteTrackInfo) ID() string                { return r.id }
func (r *remoteTrackInfo) StreamID() string          { return "stream" }
func (r *remoteTrackInfo) Kind() webrtc.RTPCodecType { return r.kind }
