// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resourcewatcher

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/canonical/velero-relay/core/resource"
	"github.com/canonical/velero-relay/internal/kubernetes"
)

// subscription runs the list-then-watch loop for one (consumer, kind).
type subscription struct {
	tomb tomb.Tomb

	key       subscriptionKey
	namespace string
	sink      Sink

	client       ResourceClient
	clock        clock.Clock
	logger       Logger
	metrics      *Metrics
	agentName    string
	watchTimeout time.Duration
	retryDelay   time.Duration

	mu        sync.Mutex
	cursor    string
	delivered int64
	relists   int64
	started   time.Time
}

func newSubscription(key subscriptionKey, namespace string, sink Sink, config Config) *subscription {
	s := &subscription{
		key:          key,
		namespace:    namespace,
		sink:         sink,
		client:       config.Client,
		clock:        config.Clock,
		logger:       config.Logger,
		metrics:      config.Metrics,
		agentName:    config.AgentName,
		watchTimeout: config.WatchTimeout,
		retryDelay:   config.RetryDelay,
		started:      config.Clock.Now(),
	}
	s.tomb.Go(s.loop)
	return s
}

func (s *subscription) kill() {
	s.tomb.Kill(nil)
}

func (s *subscription) wait() error {
	err := s.tomb.Wait()
	if errors.Is(err, tomb.ErrDying) {
		return nil
	}
	return err
}

func (s *subscription) loop() error {
	ctx := s.tomb.Context(context.Background())

	needList := true
	for {
		if needList {
			if err := s.relist(ctx); err != nil {
				return err
			}
			needList = false
		}

		err := s.stream(ctx)
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		switch {
		case err == nil:
			// The server ended the stream; resume from the cursor.
			s.logger.Tracef("watch %s expired, reopening from %q", s.key, s.currentCursor())
		case kubernetes.IsStale(err):
			s.logger.Debugf("watch %s cursor %q too old, relisting", s.key, s.currentCursor())
			s.metrics.restarted(s.key.kind, "stale")
			needList = true
		default:
			s.logger.Warningf("watch %s failed, retrying in %s: %v", s.key, s.retryDelay, err)
			s.metrics.restarted(s.key.kind, "error")
			if err := s.backoff(); err != nil {
				return err
			}
		}
	}
}

// relist lists the kind until it succeeds and resets the cursor. Only an
// unknown kind is fatal.
func (s *subscription) relist(ctx context.Context) error {
	for {
		result, err := s.client.List(ctx, s.key.kind, s.namespace)
		if err == nil {
			s.mu.Lock()
			s.cursor = result.ResourceVersion
			s.relists++
			s.mu.Unlock()
			return nil
		}
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		default:
		}
		if errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
		s.logger.Warningf("listing %s failed, retrying in %s: %v", s.key, s.retryDelay, err)
		if err := s.backoff(); err != nil {
			return err
		}
	}
}

// stream consumes one watch call. It returns nil when the server closes
// the stream.
func (s *subscription) stream(ctx context.Context) error {
	w, err := s.client.Watch(ctx, s.key.kind, s.namespace, s.currentCursor(), s.watchTimeout)
	if err != nil {
		return errors.Trace(err)
	}
	defer w.Stop()

	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			if err := s.handle(ev); err != nil {
				return err
			}
		}
	}
}

func (s *subscription) handle(ev watch.Event) error {
	if ev.Type == watch.Error {
		return kubernetes.StatusError(ev)
	}

	if accessor, err := meta.Accessor(ev.Object); err == nil {
		if rv := accessor.GetResourceVersion(); rv != "" {
			s.mu.Lock()
			s.cursor = rv
			s.mu.Unlock()
		}
	}

	eventType, ok := resource.EventTypeFromWatch(ev.Type)
	if !ok {
		return nil
	}
	object, err := toMap(ev.Object)
	if err != nil {
		s.logger.Warningf("watch %s: dropping %s event: %v", s.key, ev.Type, err)
		return nil
	}
	s.publish(eventType, object)
	return nil
}

func (s *subscription) publish(eventType resource.EventType, object map[string]any) {
	now := s.clock.Now()
	var err error
	if s.key.consumer == "" {
		err = s.sink.Broadcast(resource.NewEnvelope(resource.GlobalWatch, s.key.kind, eventType, object, now, s.agentName))
	} else {
		err = s.sink.SendTo(s.key.consumer, resource.NewEnvelope(resource.UserWatch, s.key.kind, eventType, object, now, s.agentName))
	}
	if err != nil {
		s.logger.Warningf("watch %s: delivering %s event: %v", s.key, eventType, err)
		return
	}
	s.mu.Lock()
	s.delivered++
	s.mu.Unlock()
	s.metrics.delivered(s.key.kind, eventType)
}

func (s *subscription) backoff() error {
	select {
	case <-s.tomb.Dying():
		return tomb.ErrDying
	case <-s.clock.After(s.retryDelay):
		return nil
	}
}

func (s *subscription) currentCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *subscription) report() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"kind":      s.key.kind,
		"consumer":  s.key.consumer,
		"namespace": s.namespace,
		"cursor":    s.cursor,
		"delivered": s.delivered,
		"relists":   s.relists,
		"started":   s.started.UTC().Format(time.RFC3339),
	}
}

func toMap(obj runtime.Object) (map[string]any, error) {
	if u, ok := obj.(*unstructured.Unstructured); ok {
		return u.Object, nil
	}
	out, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}
