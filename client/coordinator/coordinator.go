// Package coordinator ties signaling, negotiation and media together and
// exposes what a presentation layer needs: prompts, call state, notices.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/peercall/backend/model"
	"github.com/adwski/peercall/client/call"
	"github.com/adwski/peercall/client/media"
	"github.com/adwski/peercall/client/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type Notice string

const (
	NoticeNone             Notice = ""
	NoticeCallFailed       Notice = "call could not be completed"
	NoticeCannotCall       Notice = "cannot call right now"
	NoticeMediaUnavailable Notice = "camera or microphone unavailable"
	NoticeBusy             Notice = "user is busy"
	NoticeUnavailable      Notice = "user is not online"
	NoticeNoAnswer         Notice = "no answer"
	NoticeDeclined         Notice = "call was declined"
)

var (
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNotInCall      = errors.New("not in a call")
	ErrEmptyText      = errors.New("empty message")
	ErrNoFriends      = errors.New("friends source is not configured")
)

type (
	Channel interface {
		Connect(ctx context.Context, userID string) error
		Disconnect()
		Connected() bool
		Publish(msg model.Message) error
		Subscribe(msgType string, h signaling.Handler)
		OnStatus(fn signaling.StatusHandler)
	}

	Media interface {
		call.Media
		SetMuted(kind webrtc.RTPCodecType, muted bool) error
		StartScreenShare(ctx context.Context) error
		StopScreenShare() error
		State() media.State
		OnChange(fn func(media.State))
	}

	FriendsSource interface {
		FetchFriends(ctx context.Context, userID string) ([]model.User, error)
	}

	Config struct {
		Logger      *zerolog.Logger
		Signaling   Channel
		Peers       call.PeerFactory
		Media       Media
		Friends     FriendsSource
		UserID      string
		DisplayName string
		RingTimeout time.Duration
	}

	Incoming struct {
		CallID      string
		From        string
		DisplayName string
	}

	ChatMessage struct {
		From  string
		Name  string
		Text  string
		At    time.Time
		Local bool
	}

	Invite struct {
		From   string
		Name   string
		CallID string
		At     time.Time
	}

	// Snapshot is the observable state. Slices are copies.
	Snapshot struct {
		UserID       string
		Signaling    signaling.Status
		Call         call.Session
		Incoming     *Incoming
		Media        media.State
		Notice       Notice
		Chat         []ChatMessage
		Invites      []Invite
		RemoteTracks []string
	}

	Coordinator struct {
		logger      zerolog.Logger
		channel     Channel
		media       Media
		friends     FriendsSource
		negotiator  *call.Negotiator
		userID      string
		displayName string

		cancel context.CancelFunc
		done   chan struct{}

		mu     sync.Mutex
		state  Snapshot
		subs   map[int]func(Snapshot)
		nextID int
	}
)

func New(cfg Config) *Coordinator {
	c := &Coordinator{
		logger:      cfg.Logger.With().Str("component", "coordinator").Str("user", cfg.UserID).Logger(),
		channel:     cfg.Signaling,
		media:       cfg.Media,
		friends:     cfg.Friends,
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		subs:        make(map[int]func(Snapshot)),
		state:       Snapshot{UserID: cfg.UserID},
	}
	c.negotiator = call.NewNegotiator(call.Config{
		Logger:           cfg.Logger,
		Peers:            cfg.Peers,
		Media:            cfg.Media,
		Signaling:        cfg.Signaling,
		LocalUserID:      cfg.UserID,
		LocalDisplayName: cfg.DisplayName,
		RingTimeout:      cfg.RingTimeout,
		OnChange:         c.onSession,
		OnRemoteTrack:    c.onRemoteTrack,
	})
	return c
}

// Start subscribes to every relay message type, starts the negotiator and
// connects as the configured user.
func (c *Coordinator) Start(ctx context.Context) error {
	for _, typ := range []string{
		model.TypeCallUser,
		model.TypeAcceptCall,
		model.TypeICECandidate,
		model.TypeEndCall,
		model.TypePeerUnavailable,
	} {
		c.channel.Subscribe(typ, c.onCallMessage)
	}
	c.channel.Subscribe(model.TypeSendMessage, c.onChat)
	c.channel.Subscribe(model.TypeInviteParticipant, c.onInvite)
	c.channel.OnStatus(c.onStatus)
	c.media.OnChange(c.onMedia)

	nctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.negotiator.Run(nctx)
	}()

	if err := c.channel.Connect(ctx, c.userID); err != nil {
		c.setNotice(NoticeCannotCall)
		return err
	}
	return nil
}

// Stop ends any call, stops the negotiator and disconnects.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.channel.Disconnect()
	c.logger.Debug().Msg("coordinator stopped")
}

// Call dials remoteUserID.
func (c *Coordinator) Call(remoteUserID string) error {
	if !c.channel.Connected() {
		c.setNotice(NoticeCannotCall)
		return signaling.ErrNotConnected
	}
	c.setNotice(NoticeNone)
	_, err := c.negotiator.Initiate(remoteUserID)
	return err
}

func (c *Coordinator) Accept() error {
	in := c.incoming()
	if in == nil {
		return ErrNoIncomingCall
	}
	_, err := c.negotiator.Accept(in.CallID)
	return err
}

func (c *Coordinator) Reject() error {
	in := c.incoming()
	if in == nil {
		return ErrNoIncomingCall
	}
	_, err := c.negotiator.Reject(in.CallID)
	return err
}

// HangUp ends the current call. It is a no-op without a call.
func (c *Coordinator) HangUp() error {
	_, err := c.negotiator.HangUp()
	return err
}

func (c *Coordinator) SetMuted(kind webrtc.RTPCodecType, muted bool) error {
	return c.media.SetMuted(kind, muted)
}

func (c *Coordinator) ShareScreen(ctx context.Context, on bool) error {
	if !on {
		return c.media.StopScreenShare()
	}
	if c.negotiator.Session().State != call.StateActive {
		return ErrNotInCall
	}
	return c.media.StartScreenShare(ctx)
}

// SendChat sends text to the remote party of the current call and appends it
// to the local log.
func (c *Coordinator) SendChat(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	s := c.negotiator.Session()
	if s.State != call.StateActive {
		return ErrNotInCall
	}
	if err := c.channel.Publish(model.Message{
		Type:   model.TypeSendMessage,
		To:     s.RemoteUserID,
		CallID: s.ID,
		Name:   c.displayName,
		Text:   text,
	}); err != nil {
		return err
	}
	c.update(func(st *Snapshot) {
		st.Chat = append(st.Chat, ChatMessage{
			From:  c.userID,
			Name:  c.displayName,
			Text:  text,
			At:    time.Now(),
			Local: true,
		})
	})
	return nil
}

// Invite asks userID to join. The invite names the current call if any.
func (c *Coordinator) Invite(userID string) error {
	if userID == "" {
		return call.ErrEmptyRemote
	}
	s := c.negotiator.Session()
	msg := model.Message{
		Type: model.TypeInviteParticipant,
		To:   userID,
		Name: c.displayName,
	}
	if s.State.Live() {
		msg.CallID = s.ID
	}
	return c.channel.Publish(msg)
}

func (c *Coordinator) Friends(ctx context.Context) ([]model.User, error) {
	if c.friends == nil {
		return nil, ErrNoFriends
	}
	return c.friends.FetchFriends(ctx, c.userID)
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.copy()
}

// Subscribe registers fn for snapshots after every change and returns a
// function removing it. fn must not block or call back into Coordinator
// methods that wait on the negotiator.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) incoming() *Incoming {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Incoming == nil {
		return nil
	}
	in := *c.state.Incoming
	return &in
}

func (c *Coordinator) onCallMessage(msg model.Message) {
	if err := c.negotiator.HandleMessage(msg); err != nil {
		c.logger.Warn().Err(err).Str("type", msg.Type).Str("from", msg.From).Msg("dropped call message")
	}
}

func (c *Coordinator) onChat(msg model.Message) {
	c.update(func(st *Snapshot) {
		st.Chat = append(st.Chat, ChatMessage{From: msg.From, Name: msg.Name, Text: msg.Text, At: time.Now()})
	})
}

func (c *Coordinator) onInvite(msg model.Message) {
	c.logger.Info().Str("from", msg.From).Str("callID", msg.CallID).Msg("invited")
	c.update(func(st *Snapshot) {
		st.Invites = append(st.Invites, Invite{From: msg.From, Name: msg.Name, CallID: msg.CallID, At: time.Now()})
	})
}

func (c *Coordinator) onStatus(status signaling.Status, err error) {
	if status == signaling.StatusDisconnected && err != nil {
		c.negotiator.SignalingLost(err)
	}
	c.update(func(st *Snapshot) {
		st.Signaling = status
	})
}

func (c *Coordinator) onMedia(ms media.State) {
	c.update(func(st *Snapshot) {
		st.Media = ms
	})
}

func (c *Coordinator) onRemoteTrack(_ string, t call.RemoteTrack) {
	c.update(func(st *Snapshot) {
		st.RemoteTracks = append(st.RemoteTracks, t.Kind().String()+":"+t.ID())
	})
}

// onSession runs on the negotiator goroutine.
func (c *Coordinator) onSession(s call.Session) {
	c.update(func(st *Snapshot) {
		if st.Call.ID != s.ID {
			st.Chat = nil
			st.RemoteTracks = nil
			st.Notice = NoticeNone
		}
		st.Call = s
		if s.State == call.StateRinging {
			st.Incoming = &Incoming{CallID: s.ID, From: s.RemoteUserID, DisplayName: s.RemoteDisplayName}
		} else {
			st.Incoming = nil
		}
		if n := notice(s); n != NoticeNone {
			st.Notice = n
		}
	})
}

func notice(s call.Session) Notice {
	switch s.State {
	case call.StateFailed:
		if errors.Is(s.Err, signaling.ErrNotConnected) || errors.Is(s.Err, signaling.ErrConnection) {
			return NoticeCannotCall
		}
		return NoticeCallFailed
	case call.StateEnding, call.StateEnded:
		switch s.EndReason {
		case model.ReasonBusy:
			return NoticeBusy
		case call.EndUnavailable:
			return NoticeUnavailable
		case call.EndMedia:
			return NoticeMediaUnavailable
		case model.ReasonTimeout:
			return NoticeNoAnswer
		case model.ReasonRejected:
			if s.Role == call.RoleCaller {
				return NoticeDeclined
			}
		case model.ReasonFailed:
			return NoticeCallFailed
		}
	}
	return NoticeNone
}

func (c *Coordinator) setNotice(n Notice) {
	c.update(func(st *Snapshot) {
		st.Notice = n
	})
}

func (c *Coordinator) update(fn func(*Snapshot)) {
	c.mu.Lock()
	fn(&c.state)
	snap := c.state.copy()
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub(snap)
	}
}

func (s Snapshot) copy() Snapshot {
	if s.Incoming != nil {
		in := *s.Incoming
		s.Incoming = &in
	}
	s.Chat = append([]ChatMessage(nil), s.Chat...)
	s.Invites = append([]Invite(nil), s.Invites...)
	s.RemoteTracks = append([]string(nil), s.RemoteTracks...)
	return s
}
