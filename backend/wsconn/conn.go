// Package wsconn pumps signaling messages over a gorilla websocket. The relay
// and the client run the same loops on their ends of the connection.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/peercall/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	MaxMessageSize = 64 * 1024 // SDP blobs with embedded candidates

	defaultWriteDeadline = 5 * time.Second
	defaultCloseDeadline = 2 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give the other side to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

// Deliver hands a decoded message to the owner of the connection. Returning
// false stops the receive loop.
type Deliver func(model.Message) bool

// Serve runs the send and receive loops until ctx is done, tx is closed,
// deliver declines a message or either loop fails. It closes conn before
// returning and reports only transport failures.
func Serve(ctx context.Context, conn *websocket.Conn, tx <-chan model.Message, deliver Deliver, logger *zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		// unblock the receiver
		_ = conn.UnderlyingConn().SetReadDeadline(time.Now())
	}()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		err   error
	)
	run := func(loop func() error) {
		defer wg.Done()
		loopErr := loop()
		errMu.Lock()
		err = multierr.Append(err, loopErr)
		errMu.Unlock()
		cancel()
	}
	wg.Add(2)
	go run(func() error { return receive(ctx, conn, deliver, logger) })
	go run(func() error { return send(ctx, conn, tx, logger) })
	wg.Wait()

	Close(conn, websocket.CloseNormalClosure, logger)
	return err
}

// Closed reports whether err is a regular close by the other side.
func Closed(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
}

func send(ctx context.Context, conn *websocket.Conn, tx <-chan model.Message, logger *zerolog.Logger) error {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pingTicker.C:
			if err := write(conn, websocket.PingMessage, []byte{}); err != nil {
				return err
			}
			logger.Trace().Msg("ping sent")
		case msg, ok := <-tx:
			if !ok {
				return nil
			}
			b, err := json.Marshal(&msg)
			if err != nil {
				logger.Error().Err(err).Str("type", msg.Type).Msg("failed to marshall outgoing message")
				continue
			}
			if err = write(conn, websocket.TextMessage, b); err != nil {
				return err
			}
			logger.Trace().Str("type", msg.Type).Str("to", msg.To).Msg("message sent")
		}
	}
}

func write(conn *websocket.Conn, kind int, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(kind, b)
}

func receive(ctx context.Context, conn *websocket.Conn, deliver Deliver, logger *zerolog.Logger) error {
	conn.SetReadLimit(MaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg model.Message
		if err = json.Unmarshal(raw, &msg); err != nil {
			logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		logger.Trace().Str("type", msg.Type).Str("from", msg.From).Msg("message received")
		if !deliver(msg) {
			return nil
		}
	}
}

// Close sends a close frame with code and releases conn.
func Close(conn *websocket.Conn, code int, logger *zerolog.Logger) {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(defaultCloseDeadline))
	if err != nil {
		logger.Trace().Err(err).Msg("failed to send close frame")
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
