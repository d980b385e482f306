// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/juju/errors"

	coreerrors "github.com/canonical/velero-relay/core/errors"
	"github.com/canonical/velero-relay/core/principal"
	"github.com/canonical/velero-relay/core/resource"
	"github.com/canonical/velero-relay/internal/dispatch"
	"github.com/canonical/velero-relay/internal/resourcewatcher"
)

// relayRequest is the payload of a relayed call.
type relayRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Params json.RawMessage `json:"params"`
	User   json.RawMessage `json:"user"`
}

// failure is the reply to a call that could not be served.
type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func failed(err error) failure {
	return failure{Success: false, Error: err.Error()}
}

// parseUser accepts a bare id or a principal object.
func parseUser(raw json.RawMessage) (principal.Principal, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return principal.Principal{}, nil
	}
	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return principal.Principal{}, errors.Trace(err)
		}
		return principal.Principal{ID: id, Username: id}, nil
	}
	var p principal.Principal
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return principal.Principal{}, errors.Trace(err)
	}
	if p.Username == "" {
		p.Username = p.ID
	}
	return p, nil
}

func (b *Bridge) reply(bus Bus, msg Msg, v any) {
	if msg.Reply == "" {
		b.config.Logger.Warningf("message on %q has no reply subject", msg.Subject)
		return
	}
	data, err := encodeReply(v)
	if err != nil {
		b.config.Logger.Errorf("encoding reply on %q: %v", msg.Subject, err)
		data, _ = encodeReply(failed(err))
	}
	if err := bus.Publish(msg.Reply, data); err != nil {
		b.config.Logger.Warningf("replying on %q: %v", msg.Subject, err)
	}
}

// encodeReply renders a reply as JSON. Only raw bytes and raw JSON are
// sent as they are.
func encodeReply(v any) ([]byte, error) {
	switch v := v.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "encoding reply")
	}
	return data, nil
}

func (b *Bridge) handleOnline(bus Bus) MsgHandler {
	return func(msg Msg) {
		b.reply(bus, msg, map[string]bool{"online": true})
	}
}

func (b *Bridge) handleRequest(bus Bus) MsgHandler {
	return func(msg Msg) {
		b.mu.Lock()
		if b.draining {
			b.mu.Unlock()
			b.reply(bus, msg, failed(errors.Annotate(coreerrors.Transport, "session closing")))
			return
		}
		b.inflight.Add(1)
		b.mu.Unlock()
		go func() {
			defer b.inflight.Done()
			ctx, cancel := b.scopedContext()
			defer cancel()
			b.reply(bus, msg, b.invoke(ctx, msg.Data))
		}()
	}
}

type invokeResult struct {
	value any
	err   error
}

// invoke runs a relayed call and always produces a reply value within the
// request timeout.
func (b *Bridge) invoke(ctx context.Context, data []byte) any {
	var req relayRequest
	if err := json.Unmarshal(data, &req); err != nil {
		b.config.Metrics.request("malformed")
		return failed(errors.Errorf("malformed request: %v", err))
	}
	p, err := parseUser(req.User)
	if err != nil {
		b.config.Metrics.request("malformed")
		return failed(errors.Errorf("malformed user: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		value, err := b.config.Dispatcher.Invoke(ctx, dispatch.Call{
			Method:    req.Method,
			Path:      req.Path,
			Params:    req.Params,
			Principal: p,
		})
		done <- invokeResult{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		b.config.Metrics.request("timeout")
		b.config.Logger.Warningf("%s %s timed out", req.Method, req.Path)
		return failed(errors.Timeoutf("%s %s", req.Method, req.Path))
	case result := <-done:
		if result.err != nil {
			b.config.Metrics.request("failure")
			b.config.Logger.Debugf("%s %s for %q: %v", req.Method, req.Path, p.ID, result.err)
			return failed(result.err)
		}
		b.config.Metrics.request("success")
		return result.value
	}
}

type serverCommand struct {
	Command string `json:"command"`
}

func (b *Bridge) handleServerCommand(msg Msg) {
	var cmd serverCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		b.config.Logger.Warningf("malformed server command %q: %v", msg.Data, err)
		return
	}
	switch cmd.Command {
	case "restart":
		b.config.Logger.Infof("server requested restart")
		b.Restart()
	default:
		b.config.Logger.Debugf("ignoring server command %q", cmd.Command)
	}
}

type watchControl struct {
	Type    string          `json:"type"`
	User    json.RawMessage `json:"user"`
	Payload struct {
		Plural    string `json:"plural"`
		Namespace string `json:"namespace"`
	} `json:"payload"`
}

func (b *Bridge) handleUserWatch(msg Msg) {
	var ctl watchControl
	if err := json.Unmarshal(msg.Data, &ctl); err != nil {
		b.config.Logger.Warningf("malformed watch control %q: %v", msg.Data, err)
		return
	}
	p, err := parseUser(ctl.User)
	if err != nil {
		b.config.Logger.Warningf("malformed watch control user %q: %v", ctl.User, err)
		return
	}
	plural := ctl.Payload.Plural

	switch ctl.Type {
	case "watch":
		if plural == "" {
			b.config.Logger.Warningf("watch control without plural")
			return
		}
		err = b.config.Watcher.StartWatch(resourcewatcher.WatchRequest{
			Kind:      plural,
			Namespace: ctl.Payload.Namespace,
			Consumer:  p.ID,
			Sink:      b.EventSink(),
		})
	case "watch_stop":
		if plural == "" {
			b.config.Logger.Warningf("watch_stop control without plural")
			return
		}
		err = b.config.Watcher.StopWatch(plural, p.ID)
	case "watch_clear":
		if p.ID == "" {
			b.config.Logger.Warningf("watch_clear control without user")
			return
		}
		n := b.config.Watcher.ClearAll(p.ID)
		b.config.Logger.Debugf("cleared %d watches for %q", n, p.ID)
	default:
		b.config.Logger.Debugf("ignoring watch control %q", ctl.Type)
		return
	}
	if err != nil {
		b.config.Logger.Warningf("%s %q for %q: %v", ctl.Type, plural, p.ID, err)
	}
}

// EventSink returns a resourcewatcher.Sink publishing onto the bus.
func (b *Bridge) EventSink() resourcewatcher.Sink {
	return busSink{bridge: b}
}

type busSink struct {
	bridge *Bridge
}

func (s busSink) Broadcast(env resource.Envelope) error {
	return s.bridge.Publish(GlobalEventSubject(s.bridge.config.ClusterID), env)
}

func (s busSink) SendTo(consumer string, env resource.Envelope) error {
	return s.bridge.Publish(UserEventSubject(s.bridge.config.ClusterID, consumer), env)
}
