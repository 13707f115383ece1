// Package signaling implements the client side of the relay protocol: one
// websocket per authenticated user, publish of signaling messages and at
// most one handler per message type.
package signaling

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/peercall/backend/model"
	"github.com/adwski/peercall/backend/wsconn"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultTXBufferSize     = 32
)

var (
	ErrConnection   = errors.New("signaling connection failed")
	ErrNotConnected = errors.New("signaling channel is not connected")
	ErrEmptyUser    = errors.New("empty user id")
)

type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

type (
	// Handler receives messages of one type. Handlers run on the receiving
	// goroutine in transport order and must not block.
	Handler func(model.Message)

	// StatusHandler is notified about transport state. err is nil for
	// local disconnects.
	StatusHandler func(status Status, err error)

	Config struct {
		Logger *zerolog.Logger
		// URL of the relay websocket listener, e.g. ws://relay:8888
		URL    string
		Dialer *websocket.Dialer
	}

	Channel struct {
		logger  zerolog.Logger
		baseURL string
		dialer  *websocket.Dialer

		opMu sync.Mutex // serializes Connect and Disconnect

		mu     sync.Mutex
		link   *link
		userID string

		hmu      sync.RWMutex
		handlers map[string]Handler
		onStatus StatusHandler
	}

	// link is one live websocket connection.
	link struct {
		conn   *websocket.Conn
		tx     chan model.Message
		cancel context.CancelFunc
		done   chan struct{} // closed once both loops exited and conn is closed
		local  atomic.Bool   // disconnect was requested locally
	}
)

func New(cfg Config) *Channel {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	return &Channel{
		logger:   cfg.Logger.With().Str("component", "signaling").Logger(),
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		dialer:   dialer,
		handlers: make(map[string]Handler),
	}
}

// Connect opens the relay connection for userID. It is a no-op when already
// connected as userID and drops the current connection (and its handlers)
// when connected as somebody else. Failures are not retried.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUser
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	current, currentUser := c.link, c.userID
	c.mu.Unlock()

	if current != nil {
		if currentUser == userID {
			return nil
		}
		c.logger.Info().
			Str("user", currentUser).
			Str("newUser", userID).
			Msg("switching user, dropping current connection")
		c.shutdown(current)
		c.clearHandlers()
	}

	u := c.baseURL + "/signal/user/" + url.PathEscape(userID)
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.logger.Error().Err(err).Str("url", u).Msg("failed to connect to relay")
		return errors.Join(ErrConnection, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:   conn,
		tx:     make(chan model.Message, defaultTXBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.link = l
	c.userID = userID
	c.mu.Unlock()

	logger := c.logger.With().Str("user", userID).Logger()
	go c.serve(lctx, l, &logger)

	logger.Info().Msg("connected to relay")
	c.notify(StatusConnected, nil)
	return nil
}

// Disconnect releases the transport and removes every handler. Safe to call
// when not connected.
func (c *Channel) Disconnect() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()

	if l != nil {
		c.shutdown(l)
	}
	c.clearHandlers()
}

func (c *Channel) shutdown(l *link) {
	l.local.Store(true)
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	user := c.userID
	c.mu.Unlock()

	l.cancel()
	<-l.done
	c.logger.Info().Str("user", user).Msg("disconnected from relay")
	c.notify(StatusDisconnected, nil)
}

// Connected reports whether a live relay connection exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// UserID returns the user the channel is (or was last) connected as.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Publish queues msg for sending. No delivery acknowledgment exists and
// nothing is buffered across a disconnect.
func (c *Channel) Publish(msg model.Message) error {
	c.mu.Lock()
	l := c.link
	if l != nil && msg.From == "" {
		msg.From = c.userID
	}
	c.mu.Unlock()

	if l == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.tx <- msg:
		return nil
	case <-l.done:
		return ErrNotConnected
	}
}

// Subscribe registers h for msgType replacing any previous handler.
func (c *Channel) Subscribe(msgType string, h Handler) {
	c.hmu.Lock()
	c.handlers[msgType] = h
	c.hmu.Unlock()
}

func (c *Channel) Unsubscribe(msgType string) {
	c.hmu.Lock()
	delete(c.handlers, msgType)
	c.hmu.Unlock()
}

// OnStatus sets the transport state listener.
func (c *Channel) OnStatus(fn StatusHandler) {
	c.hmu.Lock()
	c.onStatus = fn
	c.hmu.Unlock()
}

func (c *Channel) clearHandlers() {
	c.hmu.Lock()
	c.handlers = make(map[string]Handler)
	c.hmu.Unlock()
}

func (c *Channel) notify(status Status, err error) {
	c.hmu.RLock()
	fn := c.onStatus
	c.hmu.RUnlock()
	if fn != nil {
		fn(status, err)
	}
}

func (c *Channel) dispatch(msg model.Message, logger *zerolog.Logger) {
	c.hmu.RLock()
	h, ok := c.handlers[msg.Type]
	c.hmu.RUnlock()
	if !ok {
		logger.Debug().Str("type", msg.Type).Msg("no handler for message, dropped")
		return
	}
	h(msg)
}

func (c *Channel) serve(ctx context.Context, l *link, logger *zerolog.Logger) {
	linkErr := wsconn.Serve(ctx, l.conn, l.tx, func(msg model.Message) bool {
		c.dispatch(msg, logger)
		return true
	}, logger)

	c.mu.Lock()
	dropped := c.link == l
	if dropped {
		c.link = nil
	}
	c.mu.Unlock()
	close(l.done)

	if dropped && !l.local.Load() {
		logger.Warn().Err(linkErr).Msg("relay connection lost")
		c.notify(StatusDisconnected, errors.Join(ErrConnection, linkErr))
	}
}
