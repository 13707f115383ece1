package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/adwski/peercall/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.viam.com/test"
)

const typeBye = "bye"

func newPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	test.That(t, err, test.ShouldBeNil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return recv(t, conns), client
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("nothing received in time")
	}
	var zero T
	return zero
}

// end runs Serve on one side of a connection and stops on a bye message.
type end struct {
	tx   chan model.Message
	got  chan model.Message
	done chan error
}

func serveEnd(ctx context.Context, conn *websocket.Conn) *end {
	logger := zerolog.Nop()
	e := &end{
		tx:   make(chan model.Message, 8),
		got:  make(chan model.Message, 8),
		done: make(chan error, 1),
	}
	go func() {
		e.done <- Serve(ctx, conn, e.tx, func(msg model.Message) bool {
			e.got <- msg
			return msg.Type != typeBye
		}, &logger)
	}()
	return e
}

func TestServe(t *testing.T) {
	srvConn, cliConn := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, cli := serveEnd(ctx, srvConn), serveEnd(ctx, cliConn)

	for i := 1; i <= 3; i++ {
		cli.tx <- model.Message{Type: model.TypeICECandidate, To: "bob", CallID: strconv.Itoa(i)}
	}
	for i := 1; i <= 3; i++ {
		msg := recv(t, srv.got)
		test.That(t, msg.Type, test.ShouldEqual, model.TypeICECandidate)
		test.That(t, msg.To, test.ShouldEqual, "bob")
		test.That(t, msg.CallID, test.ShouldEqual, strconv.Itoa(i))
	}

	srv.tx <- model.Message{Type: model.TypeEndCall, From: "bob", Reason: "hangup"}
	msg := recv(t, cli.got)
	test.That(t, msg.From, test.ShouldEqual, "bob")
	test.That(t, msg.Reason, test.ShouldEqual, "hangup")

	t.Run("deliver stops the loop", func(t *testing.T) {
		cli.tx <- model.Message{Type: typeBye}
		test.That(t, recv(t, srv.got).Type, test.ShouldEqual, typeBye)
		test.That(t, recv(t, srv.done), test.ShouldBeNil)

		err := recv(t, cli.done)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, Closed(err), test.ShouldBeTrue)
	})
}

func TestServeCancel(t *testing.T) {
	srvConn, cliConn := newPair(t)
	srvCtx, srvCancel := context.WithCancel(context.Background())
	cliCtx, cliCancel := context.WithCancel(context.Background())
	defer cliCancel()
	srv, cli := serveEnd(srvCtx, srvConn), serveEnd(cliCtx, cliConn)

	srvCancel()
	test.That(t, recv(t, srv.done), test.ShouldBeNil)
	err := recv(t, cli.done)
	test.That(t, Closed(err), test.ShouldBeTrue)
}

func TestServeClosedQueue(t *testing.T) {
	srvConn, _ := newPair(t)
	srv := serveEnd(context.Background(), srvConn)
	close(srv.tx)
	test.That(t, recv(t, srv.done), test.ShouldBeNil)
}

func TestServeSkipsMalformed(t *testing.T) {
	srvConn, cliConn := newPair(t)
	srv := serveEnd(context.Background(), srvConn)

	test.That(t, cliConn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)), test.ShouldBeNil)
	test.That(t, cliConn.WriteJSON(model.Message{Type: model.TypeSendMessage, Text: "hi"}), test.ShouldBeNil)
	msg := recv(t, srv.got)
	test.That(t, msg.Type, test.ShouldEqual, model.TypeSendMessage)
	test.That(t, msg.Text, test.ShouldEqual, "hi")

	t.Run("dropped connection is an error", func(t *testing.T) {
		test.That(t, cliConn.Close(), test.ShouldBeNil)
		err := recv(t, srv.done)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, Closed(err), test.ShouldBeFalse)
	})
}
