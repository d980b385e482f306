// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resourcewatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/canonical/velero-relay/core/resource"
	"github.com/canonical/velero-relay/internal/kubernetes"
)

const (
	// DefaultWatchTimeout bounds a single watch call before it is reopened
	// from the last cursor.
	DefaultWatchTimeout = 5 * time.Minute

	// DefaultRetryDelay is the fixed backoff after a transient failure.
	DefaultRetryDelay = 5 * time.Second

	// ErrWatcherStopped is returned when a watch is requested from a
	// watcher that is shutting down.
	ErrWatcherStopped = errors.ConstError("resource watcher stopped")
)

// Logger is the logging interface used by the watcher.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
	Tracef(string, ...any)
}

// ResourceClient is the list/watch API the watcher consumes.
type ResourceClient interface {
	// HasKind reports whether the kind can be listed and watched.
	HasKind(kind string) bool

	// List lists kind in namespace, returning the cursor to watch from.
	List(ctx context.Context, kind, namespace string) (kubernetes.ListResult, error)

	// Watch opens a bounded watch on kind from resourceVersion.
	Watch(ctx context.Context, kind, namespace, resourceVersion string, timeout time.Duration) (watch.Interface, error)
}

// Sink receives the events produced by subscriptions.
type Sink interface {
	// Broadcast delivers an envelope to every consumer.
	Broadcast(env resource.Envelope) error

	// SendTo delivers an envelope to a single consumer.
	SendTo(consumer string, env resource.Envelope) error
}

// Config holds the dependencies of a Watcher.
type Config struct {
	Client ResourceClient
	// Sink is used by requests that do not carry their own.
	Sink   Sink
	Clock  clock.Clock
	Logger Logger

	// Namespace is watched when a request does not name one.
	Namespace string
	// AgentName is stamped on every envelope.
	AgentName string

	WatchTimeout time.Duration
	RetryDelay   time.Duration

	// Metrics is optional.
	Metrics *Metrics
}

// Validate returns an error if the config cannot start a Watcher.
func (config Config) Validate() error {
	if config.Client == nil {
		return errors.NotValidf("nil Client")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.WatchTimeout < 0 {
		return errors.NotValidf("negative WatchTimeout")
	}
	if config.RetryDelay < 0 {
		return errors.NotValidf("negative RetryDelay")
	}
	return nil
}

// WatchRequest describes a subscription to create.
type WatchRequest struct {
	// Kind is the plural resource name, e.g. "backups".
	Kind string
	// Namespace defaults to the watcher's namespace.
	Namespace string
	// Consumer owns the subscription. Empty means a global subscription
	// whose events are broadcast.
	Consumer string
	// Sink overrides the watcher's default sink.
	Sink Sink
}

type subscriptionKey struct {
	consumer string
	kind     string
}

func (k subscriptionKey) String() string {
	if k.consumer == "" {
		return "*/" + k.kind
	}
	return k.consumer + "/" + k.kind
}

// Watcher multiplexes kubernetes watches onto consumers. There is at most
// one subscription per (consumer, kind).
type Watcher struct {
	catacomb catacomb.Catacomb
	config   Config

	mu   sync.Mutex
	subs map[subscriptionKey]*subscription
}

// NewWatcher starts a Watcher.
func NewWatcher(config Config) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.WatchTimeout == 0 {
		config.WatchTimeout = DefaultWatchTimeout
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	w := &Watcher{
		config: config,
		subs:   make(map[subscriptionKey]*subscription),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *Watcher) loop() error {
	<-w.catacomb.Dying()

	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for key, sub := range w.subs {
		delete(w.subs, key)
		sub.kill()
		subs = append(subs, sub)
	}
	w.config.Metrics.setSubscriptions(0)
	w.mu.Unlock()

	for _, sub := range subs {
		_ = sub.wait()
	}
	return w.catacomb.ErrDying()
}

// StartWatch creates the subscription described by req unless one already
// exists for its (consumer, kind), in which case it does nothing.
func (w *Watcher) StartWatch(req WatchRequest) error {
	if req.Kind == "" {
		return errors.NotValidf("empty kind")
	}
	if !w.config.Client.HasKind(req.Kind) {
		return errors.NotFoundf("resource kind %q", req.Kind)
	}
	sink := req.Sink
	if sink == nil {
		sink = w.config.Sink
	}
	if sink == nil {
		return errors.NotValidf("watch %q without sink", req.Kind)
	}
	namespace := req.Namespace
	if namespace == "" {
		namespace = w.config.Namespace
	}
	key := subscriptionKey{consumer: req.Consumer, kind: req.Kind}

	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.catacomb.Dying():
		return ErrWatcherStopped
	default:
	}
	if _, ok := w.subs[key]; ok {
		w.config.Logger.Tracef("watch %s already running", key)
		return nil
	}

	sub := newSubscription(key, namespace, sink, w.config)
	w.subs[key] = sub
	w.config.Metrics.setSubscriptions(len(w.subs))
	w.config.Logger.Debugf("started watch %s in namespace %q", key, namespace)
	go w.reap(sub)
	return nil
}

// reap removes a subscription that stopped on its own. Subscriptions that
// were stopped through the registry are already gone from it.
func (w *Watcher) reap(sub *subscription) {
	err := sub.wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if current, ok := w.subs[sub.key]; ok && current == sub {
		delete(w.subs, sub.key)
		w.config.Metrics.setSubscriptions(len(w.subs))
	}
	if err != nil {
		w.config.Logger.Errorf("watch %s stopped: %v", sub.key, err)
	}
}

// StopWatch cancels and removes the subscription for (kind, consumer). It
// is not an error if there is no such subscription.
func (w *Watcher) StopWatch(kind, consumer string) error {
	key := subscriptionKey{consumer: consumer, kind: kind}

	w.mu.Lock()
	sub, ok := w.subs[key]
	if ok {
		delete(w.subs, key)
		sub.kill()
		w.config.Metrics.setSubscriptions(len(w.subs))
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}
	w.config.Logger.Debugf("stopped watch %s", key)
	return errors.Trace(sub.wait())
}

// ClearAll cancels every subscription owned by consumer and returns how
// many were removed.
func (w *Watcher) ClearAll(consumer string) int {
	w.mu.Lock()
	var stopped []*subscription
	for key, sub := range w.subs {
		if key.consumer != consumer {
			continue
		}
		delete(w.subs, key)
		sub.kill()
		stopped = append(stopped, sub)
	}
	w.config.Metrics.setSubscriptions(len(w.subs))
	w.mu.Unlock()

	for _, sub := range stopped {
		if err := sub.wait(); err != nil {
			w.config.Logger.Warningf("watch %s: %v", sub.key, err)
		}
	}
	if len(stopped) > 0 {
		w.config.Logger.Debugf("cleared %d watches for %q", len(stopped), consumer)
	}
	return len(stopped)
}

// Count returns the number of active subscriptions.
func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Report returns the state of every subscription, keyed by
// consumer/kind, with "*" standing for global subscriptions.
func (w *Watcher) Report() map[string]any {
	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	w.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].key.String() < subs[j].key.String()
	})
	report := make(map[string]any, len(subs))
	for _, sub := range subs {
		report[sub.key.String()] = sub.report()
	}
	return report
}

// Subscriptions returns the keys of active subscriptions, for display.
func (w *Watcher) Subscriptions() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.subs))
	for key := range w.subs {
		keys = append(keys, key.String())
	}
	sort.Strings(keys)
	return keys
}
