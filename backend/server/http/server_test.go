package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/adwski/peercall/backend/model"
	"github.com/adwski/peercall/backend/service"
	"github.com/adwski/peercall/backend/storage/memory"
	_switch "github.com/adwski/peercall/backend/switch"
	"github.com/rs/zerolog"
	"go.viam.com/test"
)

func newTestServer(t *testing.T) (*httptest.Server, *_switch.Switch) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	store.PutUser(model.User{ID: "alice", DisplayName: "Alice"})
	store.PutUser(model.User{ID: "bob", DisplayName: "Bob"})
	sw := _switch.NewSwitch(&logger)
	srv := NewServer(Config{
		Logger: &logger,
		DirectoryService: service.NewService(service.Config{
			Directory: store,
			Switch:    sw,
			Logger:    &logger,
		}),
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts, sw
}

func get(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		_ = resp.Body.Close()
	}()
	if v != nil {
		body, err := io.ReadAll(resp.Body)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, json.Unmarshal(body, v), test.ShouldBeNil)
	}
	return resp.StatusCode
}

func befriend(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url+"/api/v1/friendships", "application/json", strings.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestFriendships(t *testing.T) {
	ts, _ := newTestServer(t)

	var friends []model.User
	test.That(t, get(t, ts.URL+"/api/v1/friendships?user_id=alice", &friends), test.ShouldEqual, http.StatusOK)
	test.That(t, friends, test.ShouldBeEmpty)

	test.That(t, befriend(t, ts.URL, `{"user_id":"alice","friend_id":"bob"}`), test.ShouldEqual, http.StatusOK)
	test.That(t, get(t, ts.URL+"/api/v1/friendships?user_id=bob", &friends), test.ShouldEqual, http.StatusOK)
	test.That(t, friends, test.ShouldResemble, []model.User{{ID: "alice", DisplayName: "Alice"}})

	t.Run("bad requests", func(t *testing.T) {
		var resp GenericResponse
		test.That(t, get(t, ts.URL+"/api/v1/friendships", &resp), test.ShouldEqual, http.StatusBadRequest)
		test.That(t, resp.Error, test.ShouldNotBeEmpty)
		test.That(t, get(t, ts.URL+"/api/v1/friendships?user_id=dave", &resp), test.ShouldEqual, http.StatusNotFound)

		test.That(t, befriend(t, ts.URL, `{`), test.ShouldEqual, http.StatusBadRequest)
		test.That(t, befriend(t, ts.URL, `{"user_id":"alice","friend_id":"dave"}`), test.ShouldEqual, http.StatusConflict)
	})
}

func TestPresence(t *testing.T) {
	ts, sw := newTestServer(t)

	var p PresenceResponse
	test.That(t, get(t, ts.URL+"/api/v1/presence/alice", &p), test.ShouldEqual, http.StatusOK)
	test.That(t, p, test.ShouldResemble, PresenceResponse{UserID: "alice"})

	wire := model.NewWire()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	test.That(t, sw.Connect(ctx, "alice", wire), test.ShouldBeNil)

	test.That(t, get(t, ts.URL+"/api/v1/presence/alice", &p), test.ShouldEqual, http.StatusOK)
	test.That(t, p.Online, test.ShouldBeTrue)
}

func TestCORS(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/friendships", nil)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	_ = resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNoContent)
	test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
}
