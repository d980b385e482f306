// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wshub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"

	coreerrors "github.com/canonical/velero-relay/core/errors"
)

// Actions understood by the hub itself.
const (
	ActionPing       = "ping"
	ActionWatch      = "watch"
	ActionWatchStop  = "watch_stop"
	ActionWatchClear = "watch_clear"
)

// Command is an inbound client frame.
type Command struct {
	Action    string          `json:"action"`
	Plural    string          `json:"plural,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	Type string `json:"type"`
}

// Notification is a server generated message that is not an event.
type Notification struct {
	ResponseType string `json:"response_type"`
	Message      string `json:"message"`
}

// CommandResult carries the result of a custom command.
type CommandResult struct {
	ResponseType string `json:"response_type"`
	Action       string `json:"action"`
	Data         any    `json:"data,omitempty"`
}

var pong = Pong{Type: "pong"}

func notification(format string, args ...any) Notification {
	return Notification{ResponseType: "notification", Message: fmt.Sprintf(format, args...)}
}

// frame is a parsed inbound message. Exactly one of cmd and token is set.
type frame struct {
	cmd   *Command
	token string
}

// parseFrame classifies an inbound text frame. JSON objects are commands,
// JSON strings and anything that is not JSON are taken as a bearer token.
func parseFrame(data []byte) (frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return frame{}, errors.Annotate(coreerrors.Protocol, "empty frame")
	}
	switch trimmed[0] {
	case '{':
		var cmd Command
		if err := json.Unmarshal(trimmed, &cmd); err != nil {
			return frame{}, errors.Annotatef(coreerrors.Protocol, "malformed command: %v", err)
		}
		if cmd.Action == "" {
			return frame{}, errors.Annotate(coreerrors.Protocol, "command without action")
		}
		return frame{cmd: &cmd}, nil
	case '"':
		var token string
		if err := json.Unmarshal(trimmed, &token); err != nil {
			return frame{}, errors.Annotatef(coreerrors.Protocol, "malformed token: %v", err)
		}
		return frame{token: token}, nil
	case '[':
		return frame{}, errors.Annotate(coreerrors.Protocol, "unexpected array frame")
	}
	return frame{token: strings.TrimSpace(string(trimmed))}, nil
}
