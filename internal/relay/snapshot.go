// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	coreerrors "github.com/canonical/velero-relay/core/errors"
	"github.com/canonical/velero-relay/core/principal"
	"github.com/canonical/velero-relay/internal/dispatch"
)

// SnapshotJob periodically stores the output of a GET route in the
// cluster bucket.
type SnapshotJob struct {
	Name string `yaml:"name"`
	// IntervalTicks is the number of bridge ticks between runs.
	IntervalTicks int    `yaml:"interval"`
	Path          string `yaml:"path"`
	// RequiresPrincipal runs the route as the system principal.
	RequiresPrincipal bool `yaml:"requires-principal"`
	// Key defaults to Name.
	Key string `yaml:"key"`
}

// Validate returns an error if the job cannot be scheduled.
func (job SnapshotJob) Validate() error {
	if job.Name == "" {
		return errors.NotValidf("snapshot job without name")
	}
	if job.IntervalTicks <= 0 {
		return errors.NotValidf("snapshot job %q interval %d", job.Name, job.IntervalTicks)
	}
	if job.Path == "" {
		return errors.NotValidf("snapshot job %q without path", job.Name)
	}
	return nil
}

func (job SnapshotJob) key() string {
	if job.Key != "" {
		return job.Key
	}
	return job.Name
}

type scheduledJob struct {
	SnapshotJob
	counter int
	runs    int
	lastRun time.Time
	lastErr error
	// busy is set while the route call of the last run has not returned.
	busy bool
}

// snapshotter counts ticks for every job and runs the ones that elapse.
// Only the bridge loop calls tick.
type snapshotter struct {
	dispatcher Dispatcher
	clock      clock.Clock
	logger     Logger
	source     string
	timeout    time.Duration
	metrics    *Metrics

	mu   sync.Mutex
	jobs []*scheduledJob
}

func newSnapshotter(
	jobs []SnapshotJob, dispatcher Dispatcher, clk clock.Clock, logger Logger,
	source string, timeout time.Duration, metrics *Metrics,
) *snapshotter {
	s := &snapshotter{
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger,
		source:     source,
		timeout:    timeout,
		metrics:    metrics,
	}
	for _, job := range jobs {
		s.jobs = append(s.jobs, &scheduledJob{SnapshotJob: job})
	}
	return s
}

// tick advances every job by one tick and returns how many snapshots
// were stored. A job whose previous route call is still running skips
// its turn.
func (s *snapshotter) tick(ctx context.Context, bucket KeyValue) int {
	var due []*scheduledJob
	s.mu.Lock()
	for _, job := range s.jobs {
		job.counter++
		if job.counter < job.IntervalTicks {
			continue
		}
		job.counter = 0
		if job.busy {
			s.logger.Warningf("snapshot %q still running, skipping", job.Name)
			continue
		}
		due = append(due, job)
	}
	s.mu.Unlock()

	stored := 0
	for _, job := range due {
		err := s.run(ctx, job, bucket)
		s.mu.Lock()
		job.runs++
		job.lastRun = s.clock.Now()
		job.lastErr = err
		s.mu.Unlock()
		if err != nil {
			s.metrics.snapshot(job.Name, false)
			s.logger.Warningf("snapshot %q: %v", job.Name, err)
			continue
		}
		s.metrics.snapshot(job.Name, true)
		stored++
	}
	return stored
}

// run stores one snapshot of job. The route call and the store are
// bounded by the snapshot timeout.
func (s *snapshotter) run(ctx context.Context, job *scheduledJob, bucket KeyValue) error {
	if bucket == nil {
		return errors.Annotate(coreerrors.Transport, "no bucket")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.invoke(ctx, job)
	if err != nil {
		return errors.Annotatef(err, "GET %s", job.Path)
	}
	data, err := withMetadata(result, snapshotMetadata{
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339Nano),
		Source:    s.source,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := bucket.Put(ctx, job.key(), data); err != nil {
		return errors.Annotatef(err, "storing %q", job.key())
	}
	return nil
}

func (s *snapshotter) invoke(ctx context.Context, job *scheduledJob) (any, error) {
	var p principal.Principal
	if job.RequiresPrincipal {
		p = principal.System()
	}
	call := dispatch.Call{
		Method:    http.MethodGet,
		Path:      job.Path,
		Principal: p,
	}

	s.mu.Lock()
	job.busy = true
	s.mu.Unlock()
	done := make(chan invokeResult, 1)
	go func() {
		value, err := s.dispatcher.Invoke(ctx, call)
		s.mu.Lock()
		job.busy = false
		s.mu.Unlock()
		done <- invokeResult{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Timeoutf("after %s", s.timeout)
	case result := <-done:
		return result.value, result.err
	}
}

type snapshotMetadata struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

// withMetadata adds a metadata member to result. Results that are not JSON
// objects are nested under "data".
func withMetadata(result any, metadata snapshotMetadata) ([]byte, error) {
	raw, err := Encode(result)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil || object == nil {
		if !json.Valid(raw) {
			raw, err = json.Marshal(string(raw))
			if err != nil {
				return nil, errors.Trace(err)
			}
		}
		object = map[string]json.RawMessage{"data": raw}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Trace(err)
	}
	object["metadata"] = meta
	data, err := json.Marshal(object)
	return data, errors.Trace(err)
}

func (s *snapshotter) report() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.jobs))
	for _, job := range s.jobs {
		entry := map[string]any{
			"path":     job.Path,
			"interval": job.IntervalTicks,
			"counter":  job.counter,
			"runs":     job.runs,
		}
		if !job.lastRun.IsZero() {
			entry["last-run"] = job.lastRun.UTC().Format(time.RFC3339)
		}
		if job.lastErr != nil {
			entry["last-error"] = job.lastErr.Error()
		}
		if job.busy {
			entry["busy"] = true
		}
		out[job.Name] = entry
	}
	return out
}
