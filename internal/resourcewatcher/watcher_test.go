// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resourcewatcher

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.uber.org/mock/gomock"
	gc "gopkg.in/check.v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/canonical/velero-relay/core/resource"
	"github.com/canonical/velero-relay/internal/kubernetes"
)

const (
	shortWait = 50 * time.Millisecond
	longWait  = 10 * time.Second
)

type watchResult struct {
	w   watch.Interface
	err error
}

// scriptedClient hands out list results and watch streams in the order
// the test queues them.
type scriptedClient struct {
	mu       sync.Mutex
	versions []string
	lists    int
	cursors  []string
	watches  chan watchResult
	watched  chan string
}

func newScriptedClient(versions ...string) *scriptedClient {
	return &scriptedClient{
		versions: versions,
		watches:  make(chan watchResult, 10),
		watched:  make(chan string, 10),
	}
}

func (f *scriptedClient) HasKind(kind string) bool {
	_, ok := kubernetes.GroupVersionResource(kind)
	return ok
}

func (f *scriptedClient) List(_ context.Context, kind, namespace string) (kubernetes.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	version := f.versions[len(f.versions)-1]
	if f.lists < len(f.versions) {
		version = f.versions[f.lists]
	}
	f.lists++
	return kubernetes.ListResult{ResourceVersion: version}, nil
}

func (f *scriptedClient) Watch(ctx context.Context, kind, namespace, resourceVersion string, timeout time.Duration) (watch.Interface, error) {
	f.mu.Lock()
	f.cursors = append(f.cursors, resourceVersion)
	f.mu.Unlock()
	f.watched <- resourceVersion
	select {
	case r := <-f.watches:
		return r.w, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *scriptedClient) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *scriptedClient) watchCursors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cursors...)
}

type delivery struct {
	consumer string
	env      resource.Envelope
}

type recordingSink struct {
	ch chan delivery
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan delivery, 100)}
}

func (r *recordingSink) Broadcast(env resource.Envelope) error {
	r.ch <- delivery{env: env}
	return nil
}

func (r *recordingSink) SendTo(consumer string, env resource.Envelope) error {
	r.ch <- delivery{consumer: consumer, env: env}
	return nil
}

func manifest(name, version string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "velero.io/v1",
		"kind":       "Backup",
		"metadata": map[string]any{
			"name":            name,
			"resourceVersion": version,
		},
	}}
}

type watcherSuite struct {
	testing.IsolationSuite

	client *scriptedClient
	sink   *recordingSink
}

var _ = gc.Suite(&watcherSuite{})

func (s *watcherSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.client = newScriptedClient("10")
	s.sink = newRecordingSink()
}

func (s *watcherSuite) config() Config {
	return Config{
		Client:       s.client,
		Sink:         s.sink,
		Clock:        clock.WallClock,
		Logger:       loggo.GetLogger("test"),
		Namespace:    "velero",
		AgentName:    "agent-1",
		WatchTimeout: time.Minute,
		RetryDelay:   time.Millisecond,
	}
}

func (s *watcherSuite) newWatcher(c *gc.C) *Watcher {
	w, err := NewWatcher(s.config())
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		workertest.CleanKill(c, w)
	})
	return w
}

func (s *watcherSuite) expectWatchFrom(c *gc.C, cursor string) {
	select {
	case got := <-s.client.watched:
		c.Assert(got, gc.Equals, cursor)
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for watch from %q", cursor)
	}
}

func (s *watcherSuite) nextDelivery(c *gc.C) delivery {
	select {
	case d := <-s.sink.ch:
		return d
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for delivery")
	}
	return delivery{}
}

func (s *watcherSuite) assertNoDelivery(c *gc.C) {
	select {
	case d := <-s.sink.ch:
		c.Fatalf("unexpected delivery %+v", d)
	case <-time.After(shortWait):
	}
}

func (s *watcherSuite) TestValidate(c *gc.C) {
	cfg := s.config()
	cfg.Client = nil
	c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid)

	cfg = s.config()
	cfg.Clock = nil
	c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid)

	cfg = s.config()
	cfg.Logger = nil
	c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid)

	cfg = s.config()
	cfg.RetryDelay = -time.Second
	c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid)
}

func (s *watcherSuite) TestUnknownKind(c *gc.C) {
	w := s.newWatcher(c)
	err := w.StartWatch(WatchRequest{Kind: "pods", Consumer: "alice"})
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	c.Check(w.Count(), gc.Equals, 0)
}

func (s *watcherSuite) TestStartWatchIsIdempotent(c *gc.C) {
	w := s.newWatcher(c)

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")

	c.Check(w.Count(), gc.Equals, 1)
	select {
	case cursor := <-s.client.watched:
		c.Fatalf("second watch task started from %q", cursor)
	case <-time.After(shortWait):
	}
	c.Check(s.client.listCount(), gc.Equals, 1)
}

func (s *watcherSuite) TestUserEventsDeliveredInOrder(c *gc.C) {
	w := s.newWatcher(c)
	stream := watch.NewFakeWithChanSize(10, false)
	s.client.watches <- watchResult{w: stream}

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")

	stream.Add(manifest("nightly-1", "11"))
	stream.Modify(manifest("nightly-1", "12"))
	stream.Delete(manifest("nightly-1", "13"))

	var got []resource.EventType
	for i := 0; i < 3; i++ {
		d := s.nextDelivery(c)
		c.Check(d.consumer, gc.Equals, "alice")
		c.Check(d.env.Type, gc.Equals, resource.UserWatch)
		c.Check(d.env.Resources, gc.Equals, "backups")
		c.Check(d.env.AgentName, gc.Equals, "agent-1")
		c.Check(d.env.Name(), gc.Equals, "nightly-1")
		got = append(got, d.env.EventType)
	}
	c.Check(got, jc.DeepEquals, []resource.EventType{resource.Added, resource.Modified, resource.Deleted})
}

func (s *watcherSuite) TestGlobalWatchBroadcasts(c *gc.C) {
	ctrl := gomock.NewController(c)
	defer ctrl.Finish()

	done := make(chan struct{})
	sink := NewMockSink(ctrl)
	sink.EXPECT().Broadcast(gomock.Any()).DoAndReturn(func(env resource.Envelope) error {
		c.Check(env.Type, gc.Equals, resource.GlobalWatch)
		c.Check(env.EventType, gc.Equals, resource.Added)
		close(done)
		return nil
	})

	w := s.newWatcher(c)
	stream := watch.NewFakeWithChanSize(10, false)
	s.client.watches <- watchResult{w: stream}

	c.Assert(w.StartWatch(WatchRequest{Kind: "schedules", Sink: sink}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")
	stream.Add(manifest("daily", "11"))

	select {
	case <-done:
	case <-time.After(longWait):
		c.Fatalf("timed out waiting for broadcast")
	}
	c.Assert(w.StopWatch("schedules", ""), jc.ErrorIsNil)
}

func (s *watcherSuite) TestStaleCursorRelistsWithoutRedelivery(c *gc.C) {
	s.client = newScriptedClient("10", "20")
	w := s.newWatcher(c)

	first := watch.NewFakeWithChanSize(10, false)
	second := watch.NewFakeWithChanSize(10, false)
	s.client.watches <- watchResult{w: first}
	s.client.watches <- watchResult{w: second}

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")

	first.Add(manifest("nightly-1", "11"))
	first.Delete(manifest("nightly-1", "12"))
	first.Error(&metav1.Status{
		Status: metav1.StatusFailure,
		Code:   410,
		Reason: metav1.StatusReasonExpired,
	})

	c.Check(s.nextDelivery(c).env.EventType, gc.Equals, resource.Added)
	c.Check(s.nextDelivery(c).env.EventType, gc.Equals, resource.Deleted)

	s.expectWatchFrom(c, "20")
	second.Add(manifest("nightly-2", "21"))

	d := s.nextDelivery(c)
	c.Check(d.env.EventType, gc.Equals, resource.Added)
	c.Check(d.env.Name(), gc.Equals, "nightly-2")
	s.assertNoDelivery(c)
	c.Check(s.client.listCount(), gc.Equals, 2)
}

func (s *watcherSuite) TestClosedStreamResumesFromCursor(c *gc.C) {
	w := s.newWatcher(c)

	first := watch.NewFakeWithChanSize(10, false)
	s.client.watches <- watchResult{w: first}
	s.client.watches <- watchResult{w: watch.NewFakeWithChanSize(10, false)}

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")

	first.Add(manifest("nightly-1", "11"))
	first.Action(watch.Bookmark, manifest("", "15"))
	s.nextDelivery(c)
	first.Stop()

	s.expectWatchFrom(c, "15")
	c.Check(s.client.listCount(), gc.Equals, 1)
	s.assertNoDelivery(c)
}

func (s *watcherSuite) TestTransientErrorRetries(c *gc.C) {
	w := s.newWatcher(c)

	stream := watch.NewFakeWithChanSize(10, false)
	s.client.watches <- watchResult{err: errors.New("connection refused")}
	s.client.watches <- watchResult{w: stream}

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")
	s.expectWatchFrom(c, "10")

	stream.Add(manifest("nightly-1", "11"))
	c.Check(s.nextDelivery(c).env.EventType, gc.Equals, resource.Added)
	c.Check(s.client.listCount(), gc.Equals, 1)
}

func (s *watcherSuite) TestStopWatch(c *gc.C) {
	w := s.newWatcher(c)

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")
	c.Assert(w.StopWatch("backups", "alice"), jc.ErrorIsNil)
	c.Check(w.Count(), gc.Equals, 0)

	// Unknown subscriptions are not an error.
	c.Assert(w.StopWatch("backups", "alice"), jc.ErrorIsNil)

	// The key can be reused once stopped.
	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")
	c.Check(w.Count(), gc.Equals, 1)
}

func (s *watcherSuite) TestClearAll(c *gc.C) {
	w := s.newWatcher(c)

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	c.Assert(w.StartWatch(WatchRequest{Kind: "restores", Consumer: "alice"}), jc.ErrorIsNil)
	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "bob"}), jc.ErrorIsNil)
	c.Assert(w.StartWatch(WatchRequest{Kind: "backups"}), jc.ErrorIsNil)
	c.Check(w.Count(), gc.Equals, 4)

	c.Check(w.ClearAll("alice"), gc.Equals, 2)
	c.Check(w.Count(), gc.Equals, 2)
	c.Check(w.Subscriptions(), jc.DeepEquals, []string{"*/backups", "bob/backups"})
	c.Check(w.ClearAll("alice"), gc.Equals, 0)
}

func (s *watcherSuite) TestReport(c *gc.C) {
	w := s.newWatcher(c)

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice", Namespace: "other"}), jc.ErrorIsNil)
	s.expectWatchFrom(c, "10")

	report := w.Report()
	c.Assert(report, gc.HasLen, 1)
	entry, ok := report["alice/backups"].(map[string]any)
	c.Assert(ok, jc.IsTrue)
	c.Check(entry["namespace"], gc.Equals, "other")
	c.Check(entry["cursor"], gc.Equals, "10")
}

func (s *watcherSuite) TestKillStopsEverySubscription(c *gc.C) {
	w, err := NewWatcher(s.config())
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(w.StartWatch(WatchRequest{Kind: "backups", Consumer: "alice"}), jc.ErrorIsNil)
	c.Assert(w.StartWatch(WatchRequest{Kind: "backups"}), jc.ErrorIsNil)

	workertest.CleanKill(c, w)
	c.Check(w.Count(), gc.Equals, 0)

	err = w.StartWatch(WatchRequest{Kind: "restores", Consumer: "alice"})
	c.Check(err, jc.ErrorIs, ErrWatcherStopped)
}
