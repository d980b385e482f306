// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wshub

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/velero-relay/core/principal"
	"github.com/canonical/velero-relay/core/resource"
	"github.com/canonical/velero-relay/internal/resourcewatcher"
)

var logger = loggo.GetLogger("velero.relay.wshub")

const (
	DefaultAuthTimeout  = 5 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
	DefaultPingPeriod   = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	stateAuthenticated = "authenticated"
	statePending       = "pending"
)

// Logger is the logging interface used by the hub.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
	Tracef(string, ...any)
}

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (principal.Principal, error)
}

// WatchController is the subset of the resource watcher driven by clients.
type WatchController interface {
	StartWatch(req resourcewatcher.WatchRequest) error
	StopWatch(kind, consumer string) error
	ClearAll(consumer string) int
}

// CommandFunc handles a custom client command. A non-nil result is sent
// back to the client.
type CommandFunc func(ctx context.Context, p principal.Principal, cmd Command) (any, error)

// Config holds the dependencies of a Hub.
type Config struct {
	Authenticator Authenticator
	Watcher       WatchController
	Clock         clock.Clock
	Logger        Logger

	// AuthTimeout bounds the wait for a credential.
	AuthTimeout time.Duration
	// IdleTimeout closes unauthenticated connections that stay silent.
	IdleTimeout time.Duration
	// PingPeriod is the interval of server keep-alive pings.
	PingPeriod   time.Duration
	WriteTimeout time.Duration

	// Commands holds host supplied handlers for custom actions.
	Commands map[string]CommandFunc

	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(*http.Request) bool

	Metrics *Metrics
}

// Validate returns an error if the config cannot start a Hub.
func (config Config) Validate() error {
	if config.Authenticator == nil {
		return errors.NotValidf("nil Authenticator")
	}
	if config.Watcher == nil {
		return errors.NotValidf("nil Watcher")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	for action := range config.Commands {
		switch action {
		case ActionPing, ActionWatch, ActionWatchStop, ActionWatchClear:
			return errors.NotValidf("custom command %q shadowing builtin", action)
		}
	}
	return nil
}

// Hub accepts websocket connections, authenticates them and routes their
// commands to the resource watcher. EventSink adapts it to
// resourcewatcher.Sink.
type Hub struct {
	catacomb catacomb.Catacomb
	config   Config
	upgrader websocket.Upgrader

	handlers sync.WaitGroup

	// lifecycle orders registration against teardown so a reconnecting
	// principal never has its new watches cleared by the old connection.
	lifecycle sync.Mutex

	mu          sync.Mutex
	connections map[string]*connection
	byPrincipal map[string]map[string]*connection
}

// NewHub starts a Hub.
func NewHub(config Config) (*Hub, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.AuthTimeout == 0 {
		config.AuthTimeout = DefaultAuthTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.PingPeriod == 0 {
		config.PingPeriod = DefaultPingPeriod
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h := &Hub{
		config:      config,
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
		connections: make(map[string]*connection),
		byPrincipal: make(map[string]map[string]*connection),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &h.catacomb,
		Work: h.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return h, nil
}

// Kill is part of the worker.Worker interface.
func (h *Hub) Kill() {
	h.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (h *Hub) Wait() error {
	return h.catacomb.Wait()
}

func (h *Hub) loop() error {
	<-h.catacomb.Dying()

	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var closing sync.WaitGroup
	for _, c := range conns {
		closing.Add(1)
		go func(c *connection) {
			defer closing.Done()
			c.close(websocket.CloseGoingAway, "server shutting down")
		}(c)
	}
	closing.Wait()
	h.handlers.Wait()
	return h.catacomb.ErrDying()
}

// ServeHTTP upgrades the request to a websocket and serves it until the
// connection or the hub goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.config.Logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	c := &connection{
		id:           uuid.NewString(),
		ws:           ws,
		clock:        h.config.Clock,
		created:      h.config.Clock.Now(),
		writeTimeout: h.config.WriteTimeout,
		readTimeout:  h.config.PingPeriod * 2,
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
	if idle := h.config.IdleTimeout + h.config.AuthTimeout; idle > c.readTimeout {
		c.readTimeout = idle
	}
	if !h.track(c) {
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(c)

	h.accept(req.Context(), c, bearerFromHeader(req.Header))
}

func bearerFromHeader(header http.Header) string {
	value := header.Get("Authorization")
	if len(value) > len("bearer ") && strings.EqualFold(value[:len("bearer ")], "bearer ") {
		return value
	}
	return ""
}

func (h *Hub) track(c *connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.catacomb.Dying():
		return false
	default:
	}
	h.connections[c.id] = c
	h.handlers.Add(1)
	return true
}

func (h *Hub) untrack(c *connection) {
	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()
	h.handlers.Done()
}

// accept runs the handshake and, once authenticated, the message loop.
func (h *Hub) accept(ctx context.Context, c *connection, bearer string) {
	defer c.close(websocket.CloseNormalClosure, "")

	h.config.Metrics.connectionOpened(statePending)
	frames := c.receive()

	p, ok := h.handshake(ctx, c, frames, bearer)
	h.config.Metrics.connectionClosed(statePending)
	if !ok {
		return
	}

	c.setPrincipal(p)
	h.register(c)
	h.config.Metrics.connectionOpened(stateAuthenticated)
	defer func() {
		h.unregister(c)
		h.config.Metrics.connectionClosed(stateAuthenticated)
	}()

	if err := c.send(notification("connected")); err != nil {
		h.config.Logger.Debugf("connection %s: %v", c.id, err)
		return
	}
	h.config.Logger.Debugf("connection %s authenticated as %s", c.id, p)
	h.serve(ctx, c, frames)
}

// handshake waits for a credential. Until one arrives only pings are
// answered. It returns false if the connection must be closed.
func (h *Hub) handshake(ctx context.Context, c *connection, frames <-chan []byte, bearer string) (principal.Principal, bool) {
	if bearer != "" {
		return h.authenticate(ctx, c, bearer)
	}

	timeout := h.config.Clock.After(h.config.AuthTimeout)
	for {
		select {
		case <-h.catacomb.Dying():
			return principal.Principal{}, false
		case <-timeout:
			h.config.Logger.Debugf("connection %s sent no credentials within %s", c.id, h.config.AuthTimeout)
			h.config.Metrics.authFailed("timeout")
			h.pingOnly(c, frames)
			return principal.Principal{}, false
		case data, ok := <-frames:
			if !ok {
				return principal.Principal{}, false
			}
			f, err := parseFrame(data)
			if err != nil {
				h.dropFrame(c, "malformed", err)
				continue
			}
			if f.cmd != nil {
				if f.cmd.Action == ActionPing {
					h.reply(c, pong)
				} else {
					h.dropFrame(c, "unauthenticated", errors.Errorf("%q before authentication", f.cmd.Action))
				}
				continue
			}
			return h.authenticate(ctx, c, f.token)
		}
	}
}

func (h *Hub) authenticate(ctx context.Context, c *connection, token string) (principal.Principal, bool) {
	p, err := h.config.Authenticator.Authenticate(ctx, token)
	if err != nil {
		h.config.Logger.Infof("connection %s failed authentication: %v", c.id, err)
		h.config.Metrics.authFailed("invalid")
		h.reply(c, notification("authentication failed"))
		c.close(websocket.ClosePolicyViolation, "authentication failed")
		return principal.Principal{}, false
	}
	return p, true
}

// pingOnly keeps answering pings on a connection that never authenticated
// and closes it once no ping has arrived for the idle window.
func (h *Hub) pingOnly(c *connection, frames <-chan []byte) {
	idle := h.config.Clock.After(h.config.IdleTimeout)
	for {
		select {
		case <-h.catacomb.Dying():
			return
		case <-idle:
			h.config.Logger.Debugf("closing idle unauthenticated connection %s", c.id)
			c.close(websocket.ClosePolicyViolation, "authentication timeout")
			return
		case data, ok := <-frames:
			if !ok {
				return
			}
			f, err := parseFrame(data)
			if err == nil && f.cmd != nil && f.cmd.Action == ActionPing {
				idle = h.config.Clock.After(h.config.IdleTimeout)
				h.reply(c, pong)
				continue
			}
			h.dropFrame(c, "ping-only", errors.New("connection is not authenticated"))
		}
	}
}

func (h *Hub) serve(ctx context.Context, c *connection, frames <-chan []byte) {
	pingTimer := h.config.Clock.After(h.config.PingPeriod)
	for {
		select {
		case <-h.catacomb.Dying():
			c.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-pingTimer:
			if err := c.ping(); err != nil {
				h.config.Logger.Debugf("failed to write ping to %s: %v", c.id, err)
				return
			}
			pingTimer = h.config.Clock.After(h.config.PingPeriod)
		case data, ok := <-frames:
			if !ok {
				return
			}
			h.dispatch(ctx, c, data)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *connection, data []byte) {
	f, err := parseFrame(data)
	if err != nil {
		h.dropFrame(c, "malformed", err)
		return
	}
	if f.cmd == nil {
		h.dropFrame(c, "malformed", errors.New("token after authentication"))
		return
	}
	cmd := *f.cmd
	p := c.Principal()

	switch cmd.Action {
	case ActionPing:
		h.reply(c, pong)
	case ActionWatch:
		if cmd.Plural == "" {
			h.dropFrame(c, "malformed", errors.New("watch without plural"))
			return
		}
		err := h.config.Watcher.StartWatch(resourcewatcher.WatchRequest{
			Kind:      cmd.Plural,
			Namespace: cmd.Namespace,
			Consumer:  p.ID,
			Sink:      h.EventSink(),
		})
		if err != nil {
			h.config.Logger.Warningf("%s cannot watch %q: %v", p, cmd.Plural, err)
			h.reply(c, notification("cannot watch %q: %v", cmd.Plural, err))
		}
	case ActionWatchStop:
		if cmd.Plural == "" {
			h.dropFrame(c, "malformed", errors.New("watch_stop without plural"))
			return
		}
		if err := h.config.Watcher.StopWatch(cmd.Plural, p.ID); err != nil {
			h.config.Logger.Warningf("%s stopping watch %q: %v", p, cmd.Plural, err)
		}
	case ActionWatchClear:
		h.config.Watcher.ClearAll(p.ID)
	default:
		fn, ok := h.config.Commands[cmd.Action]
		if !ok {
			h.dropFrame(c, "unknown", errors.Errorf("unknown action %q", cmd.Action))
			return
		}
		result, err := fn(ctx, p, cmd)
		if err != nil {
			h.config.Logger.Warningf("%s command %q: %v", p, cmd.Action, err)
			h.reply(c, notification("%s failed: %v", cmd.Action, err))
			return
		}
		if result != nil {
			h.reply(c, CommandResult{ResponseType: "command", Action: cmd.Action, Data: result})
		}
	}
}

func (h *Hub) dropFrame(c *connection, reason string, err error) {
	h.config.Logger.Debugf("connection %s: dropping frame (%s): %v", c.id, reason, err)
	h.config.Metrics.frameDropped(reason)
}

func (h *Hub) reply(c *connection, v any) {
	if err := c.send(v); err != nil {
		h.config.Logger.Debugf("connection %s: %v", c.id, err)
	}
}

func (h *Hub) register(c *connection) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	p := c.Principal()
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.byPrincipal[p.ID]
	if !ok {
		conns = make(map[string]*connection)
		h.byPrincipal[p.ID] = conns
	}
	conns[c.id] = c
}

// unregister removes c. When it was the principal's last connection every
// subscription the principal owns is cleared.
func (h *Hub) unregister(c *connection) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	p := c.Principal()
	h.mu.Lock()
	conns := h.byPrincipal[p.ID]
	delete(conns, c.id)
	last := len(conns) == 0
	if last {
		delete(h.byPrincipal, p.ID)
	}
	h.mu.Unlock()

	if last {
		n := h.config.Watcher.ClearAll(p.ID)
		h.config.Logger.Debugf("%s disconnected, cleared %d watches", p, n)
	}
}

func (h *Hub) principalConnections(id string) []*connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]*connection, 0, len(h.byPrincipal[id]))
	for _, c := range h.byPrincipal[id] {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) authenticatedConnections() []*connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	var conns []*connection
	for _, byID := range h.byPrincipal {
		for _, c := range byID {
			conns = append(conns, c)
		}
	}
	return conns
}

// SendTo delivers msg to every connection of the principal. Missing or
// broken targets are logged and otherwise ignored.
func (h *Hub) SendTo(principalID string, msg any) {
	conns := h.principalConnections(principalID)
	if len(conns) == 0 {
		h.config.Logger.Warningf("no connection for %q, dropping message", principalID)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.config.Logger.Errorf("encoding message for %q: %v", principalID, err)
		return
	}
	for _, c := range conns {
		if err := c.send(json.RawMessage(data)); err != nil {
			h.config.Logger.Warningf("sending to %q: %v", principalID, err)
		}
	}
}

// Broadcast delivers msg to every authenticated connection.
func (h *Hub) Broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.config.Logger.Errorf("encoding broadcast: %v", err)
		return
	}
	for _, c := range h.authenticatedConnections() {
		if err := c.send(json.RawMessage(data)); err != nil {
			h.config.Logger.Warningf("broadcasting to %s: %v", c.id, err)
		}
	}
}

// Report returns the connected principals and connection counts.
func (h *Hub) Report() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	principals := make([]string, 0, len(h.byPrincipal))
	for id := range h.byPrincipal {
		principals = append(principals, id)
	}
	sort.Strings(principals)
	return map[string]any{
		"connections": len(h.connections),
		"principals":  principals,
	}
}

// EventSink adapts the hub to resourcewatcher.Sink.
func (h *Hub) EventSink() resourcewatcher.Sink {
	return hubSink{hub: h}
}

type hubSink struct {
	hub *Hub
}

func (s hubSink) Broadcast(env resource.Envelope) error {
	s.hub.Broadcast(env)
	return nil
}

func (s hubSink) SendTo(consumer string, env resource.Envelope) error {
	s.hub.SendTo(consumer, env)
	return nil
}
