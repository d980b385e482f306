// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"

	coreerrors "github.com/canonical/velero-relay/core/errors"
	"github.com/canonical/velero-relay/internal/dispatch"
	"github.com/canonical/velero-relay/internal/resourcewatcher"
)

// State is the registration state of the bridge.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistering  State = "registering"
	StateReady        State = "ready"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultReplyTimeout   = 5 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultTickInterval   = time.Second
	DefaultStatusInterval = 30 * time.Second
)

// Logger is the logging interface used by the bridge.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
	Tracef(string, ...any)
}

// Dispatcher runs relayed calls against the local route table.
type Dispatcher interface {
	Invoke(ctx context.Context, call dispatch.Call) (any, error)
}

// WatchController is the subset of the resource watcher driven from the
// bus.
type WatchController interface {
	StartWatch(req resourcewatcher.WatchRequest) error
	StopWatch(kind, consumer string) error
	ClearAll(consumer string) int
}

// Config holds the dependencies of a Bridge.
type Config struct {
	Dial       Dialer
	Dispatcher Dispatcher
	Watcher    WatchController
	Clock      clock.Clock
	Logger     Logger

	// ClusterID scopes every subject and the snapshot bucket.
	ClusterID string
	// AgentName is sent on registration and recorded as snapshot source.
	AgentName string

	Jobs []SnapshotJob

	// RequestTimeout bounds a relayed call, reply included.
	RequestTimeout time.Duration
	// ReplyTimeout bounds the bridge's own bus requests.
	ReplyTimeout time.Duration
	// RetryDelay is the fixed backoff between connect, registration and
	// bucket attempts.
	RetryDelay     time.Duration
	TickInterval   time.Duration
	StatusInterval time.Duration

	Metrics *Metrics
}

// Validate returns an error if the config cannot start a Bridge.
func (config Config) Validate() error {
	if config.Dial == nil {
		return errors.NotValidf("nil Dial")
	}
	if config.Dispatcher == nil {
		return errors.NotValidf("nil Dispatcher")
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
	if config.ClusterID == "" {
		return errors.NotValidf("empty ClusterID")
	}
	if subjectToken(config.ClusterID) != config.ClusterID {
		return errors.NotValidf("ClusterID %q", config.ClusterID)
	}
	for _, d := range []time.Duration{
		config.RequestTimeout, config.ReplyTimeout, config.RetryDelay,
		config.TickInterval, config.StatusInterval,
	} {
		if d < 0 {
			return errors.NotValidf("negative duration %s", d)
		}
	}
	names := make(map[string]bool)
	for _, job := range config.Jobs {
		if err := job.Validate(); err != nil {
			return errors.Trace(err)
		}
		if names[job.Name] {
			return errors.NotValidf("duplicate snapshot job %q", job.Name)
		}
		names[job.Name] = true
	}
	return nil
}

// Bridge keeps a registered session to the bus, serves relayed calls on it
// and stages snapshots into the cluster bucket.
type Bridge struct {
	catacomb catacomb.Catacomb
	config   Config

	snapshots *snapshotter
	restart   chan struct{}

	// inflight counts relayed calls still running. Calls are only added
	// while draining is false.
	inflight sync.WaitGroup

	mu            sync.Mutex
	draining      bool
	state         State
	bus           Bus
	bucket        KeyValue
	sessions      int
	registrations int
}

// NewBridge starts a Bridge.
func NewBridge(config Config) (*Bridge, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ReplyTimeout == 0 {
		config.ReplyTimeout = DefaultReplyTimeout
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.StatusInterval == 0 {
		config.StatusInterval = DefaultStatusInterval
	}
	b := &Bridge{
		config:  config,
		restart: make(chan struct{}, 1),
		state:   StateDisconnected,
		snapshots: newSnapshotter(
			config.Jobs, config.Dispatcher, config.Clock, config.Logger,
			config.AgentName, config.RequestTimeout, config.Metrics,
		),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &b.catacomb,
		Work: b.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

// Kill is part of the worker.Worker interface.
func (b *Bridge) Kill() {
	b.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (b *Bridge) Wait() error {
	return b.catacomb.Wait()
}

// State returns the current registration state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) setState(state State) {
	b.mu.Lock()
	old := b.state
	b.state = state
	b.mu.Unlock()
	if old != state {
		b.config.Logger.Debugf("bridge %s -> %s", old, state)
		b.config.Metrics.setState(state)
	}
}

// Report returns the bridge state for display.
func (b *Bridge) Report() map[string]any {
	b.mu.Lock()
	report := map[string]any{
		"state":         string(b.state),
		"cluster-id":    b.config.ClusterID,
		"sessions":      b.sessions,
		"registrations": b.registrations,
		"draining":      b.draining,
	}
	if b.bus != nil {
		report["session-id"] = b.bus.ID()
	}
	b.mu.Unlock()
	report["jobs"] = b.snapshots.report()
	return report
}

// Restart makes the bridge register again on its current session.
func (b *Bridge) Restart() {
	select {
	case b.restart <- struct{}{}:
	default:
	}
}

func (b *Bridge) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(b.catacomb.Context(context.Background()))
}

func (b *Bridge) loop() error {
	for {
		b.setState(StateConnecting)
		bus, err := b.dial()
		if err != nil {
			return errors.Trace(err)
		}
		b.session(bus)
		b.closeSession(bus)

		select {
		case <-b.catacomb.Dying():
			return b.catacomb.ErrDying()
		default:
		}
		b.config.Logger.Infof("bus session lost, reconnecting")
		select {
		case <-b.catacomb.Dying():
			return b.catacomb.ErrDying()
		case <-b.config.Clock.After(b.config.RetryDelay):
		}
	}
}

func (b *Bridge) dial() (Bus, error) {
	ctx, cancel := b.scopedContext()
	defer cancel()

	var bus Bus
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			bus, err = b.config.Dial(ctx)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			b.config.Logger.Warningf("cannot connect to bus (attempt %d): %v", attempt, err)
		},
		Attempts: -1, // retry forever
		Delay:    b.config.RetryDelay,
		Clock:    b.config.Clock,
		Stop:     b.catacomb.Dying(),
	})
	if err != nil {
		select {
		case <-b.catacomb.Dying():
			return nil, b.catacomb.ErrDying()
		default:
		}
		return nil, errors.Annotate(err, "connecting to bus")
	}
	return bus, nil
}

// session runs the registration sequence on bus and serves it until the
// session is lost or the bridge is killed.
func (b *Bridge) session(bus Bus) {
	b.mu.Lock()
	b.bus = bus
	b.sessions++
	b.draining = false
	b.mu.Unlock()

	stop, release := b.abortOn(bus.Disconnected())
	defer release()

	for {
		b.setState(StateRegistering)
		subs, err := b.establish(bus, stop)
		if err != nil {
			unsubscribe(subs, b.config.Logger)
			select {
			case <-stop:
			default:
				b.config.Logger.Errorf("establishing bus session: %v", err)
			}
			return
		}
		b.setState(StateReady)
		restart := b.serve(bus)
		unsubscribe(subs, b.config.Logger)
		if !restart {
			return
		}
		b.config.Logger.Infof("restart requested, registering again")
	}
}

func (b *Bridge) closeSession(bus Bus) {
	b.mu.Lock()
	b.draining = true
	b.mu.Unlock()
	b.inflight.Wait()

	b.mu.Lock()
	b.bus = nil
	b.bucket = nil
	b.mu.Unlock()
	bus.Close()
	b.setState(StateDisconnected)
}

// abortOn returns a channel closed when the bridge dies or disconnected
// is closed.
func (b *Bridge) abortOn(disconnected <-chan struct{}) (<-chan struct{}, func()) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(stop)
		select {
		case <-b.catacomb.Dying():
		case <-disconnected:
		case <-done:
		}
	}()
	return stop, func() { close(done) }
}

// establish registers, opens the bucket and subscribes, in that order.
func (b *Bridge) establish(bus Bus, stop <-chan struct{}) ([]Subscription, error) {
	select {
	case <-b.restart:
	default:
	}
	ctx, cancel := b.scopedContext()
	defer cancel()

	if err := b.register(ctx, bus, stop); err != nil {
		return nil, errors.Trace(err)
	}
	bucket, err := b.ensureBucket(ctx, bus, stop)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b.mu.Lock()
	b.bucket = bucket
	b.mu.Unlock()

	id := b.config.ClusterID
	handlers := []struct {
		subject string
		handler MsgHandler
	}{
		{OnlineSubject(id), b.handleOnline(bus)},
		{RequestSubject(id), b.handleRequest(bus)},
		{ServerCommandSubject, b.handleServerCommand},
		{UserWatchSubject(id), b.handleUserWatch},
	}
	var subs []Subscription
	for _, h := range handlers {
		sub, err := bus.Subscribe(h.subject, h.handler)
		if err != nil {
			return subs, errors.Annotatef(err, "subscribing to %q", h.subject)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

type registration struct {
	Client string `json:"client"`
	Name   string `json:"name"`
}

type registrationAck struct {
	Registered json.RawMessage `json:"registered"`
}

func (b *Bridge) register(ctx context.Context, bus Bus, stop <-chan struct{}) error {
	subject := RegisterSubject(b.config.ClusterID)
	payload, err := Encode(registration{Client: b.config.ClusterID, Name: b.config.AgentName})
	if err != nil {
		return errors.Trace(err)
	}
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			reqCtx, cancel := context.WithTimeout(ctx, b.config.ReplyTimeout)
			defer cancel()
			reply, err := bus.Request(reqCtx, subject, payload)
			if err != nil {
				return errors.Trace(err)
			}
			return checkAck(reply)
		},
		NotifyFunc: func(err error, attempt int) {
			b.config.Metrics.registrationAttempt(false)
			b.config.Logger.Warningf("registration on %q failed (attempt %d): %v", subject, attempt, err)
		},
		Attempts: -1, // until acknowledged
		Delay:    b.config.RetryDelay,
		Clock:    b.config.Clock,
		Stop:     stop,
	})
	if err != nil {
		return errors.Trace(err)
	}
	b.config.Metrics.registrationAttempt(true)
	b.mu.Lock()
	b.registrations++
	b.mu.Unlock()
	b.config.Logger.Infof("registered %q on %q", b.config.AgentName, subject)
	return nil
}

func checkAck(reply []byte) error {
	var ack registrationAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return errors.Annotatef(coreerrors.Protocol, "registration reply %q", reply)
	}
	switch strings.TrimSpace(string(ack.Registered)) {
	case `true`, `"ok!"`:
		return nil
	}
	return errors.Errorf("registration not acknowledged: %s", reply)
}

func (b *Bridge) ensureBucket(ctx context.Context, bus Bus, stop <-chan struct{}) (KeyValue, error) {
	name := BucketName(b.config.ClusterID)
	var bucket KeyValue
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			kv, err := bus.KeyValue(ctx, name)
			if errors.Is(err, errors.NotFound) {
				kv, err = bus.CreateKeyValue(ctx, name)
				if errors.Is(err, errors.AlreadyExists) {
					kv, err = bus.KeyValue(ctx, name)
				}
			}
			if err != nil {
				return errors.Trace(err)
			}
			bucket = kv
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			b.config.Logger.Warningf("cannot open bucket %q (attempt %d): %v", name, attempt, err)
		},
		Attempts: -1, // retry forever
		Delay:    b.config.RetryDelay,
		Clock:    b.config.Clock,
		Stop:     stop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bucket, nil
}

func unsubscribe(subs []Subscription, logger Logger) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Debugf("unsubscribing: %v", err)
		}
	}
}

// serve drives snapshots and liveness while registered. It returns true if
// a restart was requested.
func (b *Bridge) serve(bus Bus) bool {
	ctx, cancel := b.scopedContext()
	defer cancel()

	tick := b.config.Clock.After(b.config.TickInterval)
	status := b.config.Clock.After(b.config.StatusInterval)
	for {
		select {
		case <-b.catacomb.Dying():
			return false
		case <-bus.Disconnected():
			b.config.Logger.Warningf("bus session %s disconnected", bus.ID())
			return false
		case <-b.restart:
			return true
		case <-tick:
			// A lost session wins over a due snapshot.
			select {
			case <-bus.Disconnected():
				b.config.Logger.Warningf("bus session %s disconnected", bus.ID())
				return false
			default:
			}
			b.mu.Lock()
			bucket := b.bucket
			b.mu.Unlock()
			b.snapshots.tick(ctx, bucket)
			tick = b.config.Clock.After(b.config.TickInterval)
		case <-status:
			b.reportStatus(ctx, bus)
			status = b.config.Clock.After(b.config.StatusInterval)
		}
	}
}

func (b *Bridge) reportStatus(ctx context.Context, bus Bus) {
	payload, err := Encode(registration{Client: b.config.ClusterID, Name: b.config.AgentName})
	if err != nil {
		b.config.Logger.Errorf("encoding status: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, b.config.ReplyTimeout)
	defer cancel()
	if _, err := bus.Request(ctx, StatusSubject(b.config.ClusterID), payload); err != nil {
		b.config.Logger.Warningf("status report failed: %v", err)
	}
}

// Publish sends v on subject over the current session.
func (b *Bridge) Publish(subject string, v any) error {
	data, err := Encode(v)
	if err != nil {
		return errors.Trace(err)
	}
	b.mu.Lock()
	bus := b.bus
	b.mu.Unlock()
	if bus == nil {
		return errors.Annotatef(coreerrors.Transport, "publishing to %q", subject)
	}
	if err := bus.Publish(subject, data); err != nil {
		return errors.Annotatef(err, "publishing to %q", subject)
	}
	return nil
}
