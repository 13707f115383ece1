package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/peercall/backend/metrics"
	"github.com/adwski/peercall/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrEmptyUser = errors.New("empty user id")
)

// Switch keeps exactly one wire per user and forwards messages by their
// destination user.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]model.Wire),
	}
}

// Disconnect removes the user's wire only if it is still the registered one,
// so a stale session cannot unplug its replacement.
func (sw *Switch) Disconnect(userID string, wire model.Wire) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	current, ok := sw.fwd[userID]
	if !ok || current != wire {
		return nil
	}
	delete(sw.fwd, userID)
	metrics.ConnectedUsers.Dec()
	sw.logger.Debug().Str("user", userID).Msg("user disconnected")
	return nil
}

func (sw *Switch) Connect(ctx context.Context, userID string, wire model.Wire) error {
	if userID == "" {
		return ErrEmptyUser
	}
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().Str("user", userID).Msg("user connected")
		go sw.forwardMessages(ctx, userID, wire.RX)
	}()

	if old, ok := sw.fwd[userID]; ok {
		close(old.Evict)
		metrics.SessionsEvicted.Inc()
		sw.logger.Info().Str("user", userID).Msg("previous session evicted")
	} else {
		metrics.ConnectedUsers.Inc()
	}
	sw.fwd[userID] = wire
	return nil
}

// Online reports whether the user currently has a signaling session.
func (sw *Switch) Online(userID string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[userID]
	return ok
}

func (sw *Switch) forwardMessages(ctx context.Context, userID string, rx <-chan model.Message) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case msg := <-rx:
			if msg.From == "" {
				sw.logger.Error().
					Str("user", userID).
					Msg("message with empty src")
				continue
			}
			if sw.forward(ctx, msg) {
				continue
			}
			sw.logger.Debug().
				Str("src", msg.From).
				Str("dst", msg.To).
				Str("type", msg.Type).
				Msg("incoming message was dropped, nowhere to forward")
			if msg.Type == model.TypeCallUser {
				sw.forward(ctx, model.Message{
					Type:   model.TypePeerUnavailable,
					To:     msg.From,
					From:   msg.To,
					CallID: msg.CallID,
				})
			}
		}
	}
}

func (sw *Switch) forward(ctx context.Context, msg model.Message) bool {
	logger := sw.logger.With().
		Str("type", msg.Type).
		Str("src", msg.From).
		Str("dst", msg.To).
		Logger()

	if msg.To == "" {
		logger.Debug().Msg("cannot forward, empty dst")
		metrics.MessagesDropped.WithLabelValues(msg.Type).Inc()
		return false
	}

	sw.mx.RLock()
	wire, ok := sw.fwd[msg.To]
	sw.mx.RUnlock()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		metrics.MessagesDropped.WithLabelValues(msg.Type).Inc()
		return false
	}
	sent, _ := send(ctx, msg, wire, &logger)
	if sent {
		metrics.MessagesForwarded.WithLabelValues(msg.Type).Inc()
	} else {
		metrics.MessagesDropped.WithLabelValues(msg.Type).Inc()
	}
	return sent
}

func send(ctx context.Context, msg model.Message, wire model.Wire, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-wire.Evict:
		logger.Debug().Msg("dst session evicted")
	case <-tCh.C:
		logger.Error().Msg("dead endpoint")
	case wire.TX <- msg:
		logger.Debug().Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
