// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resource

import (
	"time"

	"k8s.io/apimachinery/pkg/watch"
)

// Scope describes who an event envelope is addressed to.
type Scope string

const (
	// GlobalWatch envelopes are broadcast to every consumer.
	GlobalWatch Scope = "global_watch"
	// UserWatch envelopes are sent to the consumer that asked for them.
	UserWatch Scope = "user_watch"
)

// EventType is the kind of change a watch event reports.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
)

// EventTypeFromWatch converts a kubernetes watch event type. The second
// result is false for event types that are not published (bookmarks and
// errors).
func EventTypeFromWatch(t watch.EventType) (EventType, bool) {
	switch t {
	case watch.Added:
		return Added, true
	case watch.Modified:
		return Modified, true
	case watch.Deleted:
		return Deleted, true
	}
	return "", false
}

// Envelope is the wire form of a resource change delivered to consumers,
// both over websockets and over the bus.
type Envelope struct {
	Type      Scope          `json:"type"`
	Resources string         `json:"resources"`
	EventType EventType      `json:"event_type"`
	Resource  map[string]any `json:"resource"`
	Timestamp string         `json:"timestamp"`
	AgentName string         `json:"agent_name,omitempty"`
}

// NewEnvelope builds an envelope stamped with the supplied time.
func NewEnvelope(scope Scope, kind string, eventType EventType, object map[string]any, now time.Time, agent string) Envelope {
	return Envelope{
		Type:      scope,
		Resources: kind,
		EventType: eventType,
		Resource:  object,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		AgentName: agent,
	}
}

// Name returns metadata.name of the enveloped resource, if present.
func (e Envelope) Name() string {
	meta, _ := e.Resource["metadata"].(map[string]any)
	name, _ := meta["name"].(string)
	return name
}
