// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resourcewatcher

import (
	"sync"

	"github.com/juju/errors"

	"github.com/canonical/velero-relay/core/resource"
)

// FanOut is a Sink delivering every envelope to each of its targets.
// Targets can be added after subscriptions using it have started.
type FanOut struct {
	mu      sync.RWMutex
	targets []Sink
}

// NewFanOut returns a FanOut delivering to targets.
func NewFanOut(targets ...Sink) *FanOut {
	return &FanOut{targets: targets}
}

// Add appends a target.
func (f *FanOut) Add(target Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
}

func (f *FanOut) snapshot() []Sink {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Sink(nil), f.targets...)
}

// Broadcast is part of the Sink interface. Every target is tried; the
// last failure is returned.
func (f *FanOut) Broadcast(env resource.Envelope) error {
	var lastErr error
	for _, target := range f.snapshot() {
		if err := target.Broadcast(env); err != nil {
			lastErr = errors.Trace(err)
		}
	}
	return lastErr
}

// SendTo is part of the Sink interface.
func (f *FanOut) SendTo(consumer string, env resource.Envelope) error {
	var lastErr error
	for _, target := range f.snapshot() {
		if err := target.SendTo(consumer, env); err != nil {
			lastErr = errors.Trace(err)
		}
	}
	return lastErr
}
