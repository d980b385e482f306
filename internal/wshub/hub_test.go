// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wshub_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/canonical/velero-relay/core/principal"
	"github.com/canonical/velero-relay/internal/auth"
	"github.com/canonical/velero-relay/internal/kubernetes"
	"github.com/canonical/velero-relay/internal/resourcewatcher"
	"github.com/canonical/velero-relay/internal/wshub"
)

const longWait = 10 * time.Second

type call struct {
	op        string
	kind      string
	namespace string
	consumer  string
}

type fakeWatcher struct {
	mu    sync.Mutex
	calls []call

	// clearGate, when set, holds ClearAll until closed.
	clearGate    chan struct{}
	clearStarted chan struct{}
}

func (f *fakeWatcher) StartWatch(req resourcewatcher.WatchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "start", kind: req.Kind, namespace: req.Namespace, consumer: req.Consumer})
	if req.Kind == "pods" {
		return errors.NotFoundf("resource kind %q", req.Kind)
	}
	return nil
}

func (f *fakeWatcher) StopWatch(kind, consumer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "stop", kind: kind, consumer: consumer})
	return nil
}

func (f *fakeWatcher) ClearAll(consumer string) int {
	if f.clearGate != nil {
		select {
		case f.clearStarted <- struct{}{}:
		default:
		}
		<-f.clearGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "clear", consumer: consumer})
	return 0
}

func (f *fakeWatcher) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type hubSuite struct {
	testing.IsolationSuite

	authenticator *auth.TokenAuthenticator
	watcher       *fakeWatcher
	hub           *wshub.Hub
	server        *httptest.Server
}

var _ = gc.Suite(&hubSuite{})

func (s *hubSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	var err error
	s.authenticator, err = auth.NewTokenAuthenticator([]byte("sekrit"), "velero-relay", clock.WallClock)
	c.Assert(err, jc.ErrorIsNil)
	s.watcher = &fakeWatcher{}
}

func (s *hubSuite) TearDownTest(c *gc.C) {
	if s.server != nil {
		s.server.Close()
		s.server = nil
	}
	if s.hub != nil {
		workertest.CleanKill(c, s.hub)
		s.hub = nil
	}
	s.IsolationSuite.TearDownTest(c)
}

func (s *hubSuite) config() wshub.Config {
	return wshub.Config{
		Authenticator: s.authenticator,
		Watcher:       s.watcher,
		Clock:         clock.WallClock,
		Logger:        loggo.GetLogger("test"),
		AuthTimeout:   longWait,
		IdleTimeout:   longWait,
		PingPeriod:    time.Minute,
	}
}

func (s *hubSuite) start(c *gc.C, config wshub.Config) {
	hub, err := wshub.NewHub(config)
	c.Assert(err, jc.ErrorIsNil)
	s.hub = hub
	s.server = httptest.NewServer(hub)
}

func (s *hubSuite) token(c *gc.C, id string) string {
	token, err := s.authenticator.Issue(principal.Principal{ID: id, Username: id + "-name"}, time.Hour)
	c.Assert(err, jc.ErrorIsNil)
	return token
}

func (s *hubSuite) dial(c *gc.C, header http.Header) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	c.Assert(err, jc.ErrorIsNil)
	return conn
}

// login dials and authenticates with a first frame token.
func (s *hubSuite) login(c *gc.C, id string) *websocket.Conn {
	conn := s.dial(c, nil)
	s.send(c, conn, s.token(c, id))
	s.expectNotification(c, conn, "connected")
	return conn
}

func (s *hubSuite) send(c *gc.C, conn *websocket.Conn, v any) {
	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Assert(conn.WriteMessage(websocket.TextMessage, data), jc.ErrorIsNil)
}

func (s *hubSuite) read(c *gc.C, conn *websocket.Conn) map[string]any {
	c.Assert(conn.SetReadDeadline(time.Now().Add(longWait)), jc.ErrorIsNil)
	var msg map[string]any
	c.Assert(conn.ReadJSON(&msg), jc.ErrorIsNil)
	return msg
}

func (s *hubSuite) expectNotification(c *gc.C, conn *websocket.Conn, message string) {
	c.Check(s.read(c, conn), jc.DeepEquals, map[string]any{
		"response_type": "notification",
		"message":       message,
	})
}

func (s *hubSuite) expectPong(c *gc.C, conn *websocket.Conn) {
	s.send(c, conn, wshub.Command{Action: wshub.ActionPing})
	c.Check(s.read(c, conn), jc.DeepEquals, map[string]any{"type": "pong"})
}

func (s *hubSuite) expectClose(c *gc.C, conn *websocket.Conn, code int) {
	c.Assert(conn.SetReadDeadline(time.Now().Add(longWait)), jc.ErrorIsNil)
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		c.Check(websocket.IsCloseError(err, code), jc.IsTrue, gc.Commentf("got %v", err))
		return
	}
}

func waitFor(c *gc.C, what string, cond func() bool) {
	deadline := time.After(longWait)
	for !cond() {
		select {
		case <-deadline:
			c.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (s *hubSuite) TestValidate(c *gc.C) {
	config := s.config()
	config.Authenticator = nil
	c.Check(config.Validate(), jc.ErrorIs, errors.NotValid)

	config = s.config()
	config.Watcher = nil
	c.Check(config.Validate(), gc.ErrorMatches, "nil Watcher not valid")

	config = s.config()
	config.Commands = map[string]wshub.CommandFunc{"ping": nil}
	c.Check(config.Validate(), gc.ErrorMatches, `custom command "ping" shadowing builtin not valid`)

	_, err := wshub.NewHub(wshub.Config{})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *hubSuite) TestPingBeforeAuthentication(c *gc.C) {
	s.start(c, s.config())
	conn := s.dial(c, nil)
	defer conn.Close()

	s.expectPong(c, conn)
	s.send(c, conn, wshub.Command{Action: wshub.ActionWatch, Plural: "backups"})
	s.expectPong(c, conn)
	c.Check(s.watcher.Calls(), gc.HasLen, 0)

	s.send(c, conn, s.token(c, "alice"))
	s.expectNotification(c, conn, "connected")
	c.Check(s.hub.Report()["principals"], jc.DeepEquals, []string{"alice"})
}

func (s *hubSuite) TestTokenForms(c *gc.C) {
	s.start(c, s.config())

	quoted := s.dial(c, nil)
	defer quoted.Close()
	encoded, err := json.Marshal(s.token(c, "alice"))
	c.Assert(err, jc.ErrorIsNil)
	s.send(c, quoted, string(encoded))
	s.expectNotification(c, quoted, "connected")

	prefixed := s.dial(c, nil)
	defer prefixed.Close()
	s.send(c, prefixed, "Bearer "+s.token(c, "bob"))
	s.expectNotification(c, prefixed, "connected")
}

func (s *hubSuite) TestInvalidTokenCloses(c *gc.C) {
	s.start(c, s.config())
	conn := s.dial(c, nil)
	defer conn.Close()

	s.send(c, conn, "not-a-token")
	s.expectNotification(c, conn, "authentication failed")
	s.expectClose(c, conn, websocket.ClosePolicyViolation)
}

func (s *hubSuite) TestHeaderAuthentication(c *gc.C) {
	s.start(c, s.config())
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token(c, "alice"))
	conn := s.dial(c, header)
	defer conn.Close()

	s.expectNotification(c, conn, "connected")
	s.expectPong(c, conn)
}

func (s *hubSuite) TestAuthTimeoutDowngradesToPingOnly(c *gc.C) {
	config := s.config()
	config.AuthTimeout = 20 * time.Millisecond
	config.IdleTimeout = 300 * time.Millisecond
	s.start(c, config)
	conn := s.dial(c, nil)
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	s.expectPong(c, conn)

	// A late credential is ignored.
	s.send(c, conn, s.token(c, "alice"))
	s.expectPong(c, conn)
	c.Check(s.hub.Report()["principals"], gc.HasLen, 0)

	s.expectClose(c, conn, websocket.ClosePolicyViolation)
}

func (s *hubSuite) TestOnlyPingsKeepUnauthenticatedConnectionOpen(c *gc.C) {
	config := s.config()
	config.AuthTimeout = 20 * time.Millisecond
	config.IdleTimeout = 200 * time.Millisecond
	s.start(c, config)
	conn := s.dial(c, nil)
	defer conn.Close()

	c.Assert(conn.SetReadDeadline(time.Now().Add(longWait)), jc.ErrorIsNil)
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	frame, err := json.Marshal(wshub.Command{Action: wshub.ActionWatch, Plural: "backups"})
	c.Assert(err, jc.ErrorIsNil)
	deadline := time.After(longWait)
	for {
		select {
		case err := <-readErr:
			c.Check(websocket.IsCloseError(err, websocket.ClosePolicyViolation), jc.IsTrue, gc.Commentf("got %v", err))
			c.Check(s.watcher.Calls(), gc.HasLen, 0)
			return
		case <-deadline:
			c.Fatalf("connection sending only non-ping frames was never closed")
		case <-time.After(50 * time.Millisecond):
		}
		// The server may already be closing; the read side reports that.
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
}

func (s *hubSuite) TestCommandsRouteToWatcher(c *gc.C) {
	s.start(c, s.config())
	conn := s.login(c, "alice")
	defer conn.Close()

	s.send(c, conn, wshub.Command{Action: wshub.ActionWatch, Plural: "backups"})
	s.send(c, conn, wshub.Command{Action: wshub.ActionWatch, Plural: "restores", Namespace: "other"})
	s.send(c, conn, wshub.Command{Action: wshub.ActionWatchStop, Plural: "restores"})
	s.send(c, conn, wshub.Command{Action: wshub.ActionWatchClear})
	s.expectPong(c, conn)

	c.Check(s.watcher.Calls(), jc.DeepEquals, []call{
		{op: "start", kind: "backups", consumer: "alice"},
		{op: "start", kind: "restores", namespace: "other", consumer: "alice"},
		{op: "stop", kind: "restores", consumer: "alice"},
		{op: "clear", consumer: "alice"},
	})
}

func (s *hubSuite) TestWatchFailureNotifies(c *gc.C) {
	s.start(c, s.config())
	conn := s.login(c, "alice")
	defer conn.Close()

	s.send(c, conn, wshub.Command{Action: wshub.ActionWatch, Plural: "pods"})
	s.expectNotification(c, conn, `cannot watch "pods": resource kind "pods" not found`)
	s.expectPong(c, conn)
}

func (s *hubSuite) TestBadFramesAreDropped(c *gc.C) {
	s.start(c, s.config())
	conn := s.login(c, "alice")
	defer conn.Close()

	for _, frame := range []string{`{"action":`, `[1]`, `{"plural":"backups"}`, `{"action":"launch"}`, `{"action":"watch"}`, s.token(c, "alice")} {
		s.send(c, conn, frame)
	}
	s.expectPong(c, conn)
	c.Check(s.watcher.Calls(), gc.HasLen, 0)
}

func (s *hubSuite) TestCustomCommand(c *gc.C) {
	config := s.config()
	config.Commands = map[string]wshub.CommandFunc{
		"whoami": func(_ context.Context, p principal.Principal, cmd wshub.Command) (any, error) {
			return map[string]string{"username": p.Username}, nil
		},
		"fail": func(context.Context, principal.Principal, wshub.Command) (any, error) {
			return nil, errors.New("boom")
		},
	}
	s.start(c, config)
	conn := s.login(c, "alice")
	defer conn.Close()

	s.send(c, conn, wshub.Command{Action: "whoami"})
	c.Check(s.read(c, conn), jc.DeepEquals, map[string]any{
		"response_type": "command",
		"action":        "whoami",
		"data":          map[string]any{"username": "alice-name"},
	})
	s.send(c, conn, wshub.Command{Action: "fail"})
	s.expectNotification(c, conn, "fail failed: boom")
}

func (s *hubSuite) TestSendToAndBroadcast(c *gc.C) {
	s.start(c, s.config())
	alice := s.login(c, "alice")
	defer alice.Close()
	bob := s.login(c, "bob")
	defer bob.Close()

	s.hub.SendTo("alice", map[string]string{"hello": "alice"})
	s.hub.SendTo("nobody", map[string]string{"hello": "nobody"})
	s.hub.Broadcast(map[string]string{"hello": "all"})

	c.Check(s.read(c, alice), jc.DeepEquals, map[string]any{"hello": "alice"})
	c.Check(s.read(c, alice), jc.DeepEquals, map[string]any{"hello": "all"})
	c.Check(s.read(c, bob), jc.DeepEquals, map[string]any{"hello": "all"})
}

func (s *hubSuite) TestLastDisconnectClearsWatches(c *gc.C) {
	s.start(c, s.config())
	first := s.login(c, "alice")
	second := s.login(c, "alice")
	defer second.Close()

	c.Assert(first.Close(), jc.ErrorIsNil)
	waitFor(c, "first connection to go", func() bool {
		return s.hub.Report()["connections"] == 1
	})
	c.Check(s.watcher.Calls(), gc.HasLen, 0)

	c.Assert(second.Close(), jc.ErrorIsNil)
	waitFor(c, "watches to clear", func() bool {
		return len(s.watcher.Calls()) == 1
	})
	c.Check(s.watcher.Calls(), jc.DeepEquals, []call{{op: "clear", consumer: "alice"}})
	c.Check(s.hub.Report()["principals"], gc.HasLen, 0)
}

func (s *hubSuite) TestReconnectWaitsForTeardown(c *gc.C) {
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	defer release()
	s.watcher.clearGate = gate
	s.watcher.clearStarted = make(chan struct{}, 1)
	s.start(c, s.config())

	first := s.login(c, "alice")
	c.Assert(first.Close(), jc.ErrorIsNil)
	select {
	case <-s.watcher.clearStarted:
	case <-time.After(longWait):
		c.Fatalf("teardown never started")
	}

	second := s.dial(c, nil)
	defer second.Close()
	s.send(c, second, s.token(c, "alice"))
	time.Sleep(50 * time.Millisecond)
	release()

	s.expectNotification(c, second, "connected")
	s.send(c, second, wshub.Command{Action: wshub.ActionWatch, Plural: "backups"})
	waitFor(c, "watch to start", func() bool {
		return len(s.watcher.Calls()) == 2
	})
	c.Check(s.watcher.Calls(), jc.DeepEquals, []call{
		{op: "clear", consumer: "alice"},
		{op: "start", kind: "backups", consumer: "alice"},
	})
}

func (s *hubSuite) TestKillClosesConnections(c *gc.C) {
	s.start(c, s.config())
	conn := s.login(c, "alice")
	defer conn.Close()

	workertest.CleanKill(c, s.hub)
	s.hub = nil
	s.expectClose(c, conn, websocket.CloseGoingAway)
}

func (s *hubSuite) TestUserWatchEndToEnd(c *gc.C) {
	fake := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), kubernetes.ListKinds())
	watcher := watch.NewFakeWithChanSize(10, false)
	opened := make(chan struct{}, 10)
	fake.PrependWatchReactor("backups", func(clienttesting.Action) (bool, watch.Interface, error) {
		opened <- struct{}{}
		return true, watcher, nil
	})

	rw, err := resourcewatcher.NewWatcher(resourcewatcher.Config{
		Client:    kubernetes.NewClient(fake),
		Clock:     clock.WallClock,
		Logger:    loggo.GetLogger("test"),
		Namespace: "velero",
		AgentName: "agent-1",
	})
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, rw)

	config := s.config()
	config.Watcher = rw
	s.start(c, config)
	conn := s.login(c, "alice")
	defer conn.Close()

	s.send(c, conn, wshub.Command{Action: wshub.ActionWatch, Plural: "backups"})
	select {
	case <-opened:
	case <-time.After(longWait):
		c.Fatalf("watch never opened")
	}
	watcher.Add(&unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "velero.io/v1",
		"kind":       "Backup",
		"metadata": map[string]any{
			"name":            "nightly-1",
			"namespace":       "velero",
			"resourceVersion": "5",
		},
	}})

	msg := s.read(c, conn)
	c.Check(msg["type"], gc.Equals, "user_watch")
	c.Check(msg["resources"], gc.Equals, "backups")
	c.Check(msg["event_type"], gc.Equals, "ADDED")
	c.Check(msg["agent_name"], gc.Equals, "agent-1")
	c.Check(msg["timestamp"], gc.Not(gc.Equals), "")
	manifest, ok := msg["resource"].(map[string]any)
	c.Assert(ok, jc.IsTrue, gc.Commentf("resource %s", fmt.Sprint(msg["resource"])))
	c.Check(manifest["metadata"].(map[string]any)["name"], gc.Equals, "nightly-1")
	c.Check(rw.Count(), gc.Equals, 1)

	c.Assert(conn.Close(), jc.ErrorIsNil)
	waitFor(c, "subscription to be cleared", func() bool {
		return rw.Count() == 0
	})
}
