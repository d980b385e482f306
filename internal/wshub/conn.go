// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wshub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/canonical/velero-relay/core/principal"
)

// connection wraps one accepted websocket. Writes are serialized; reads
// happen on a single goroutine started by receive.
type connection struct {
	id      string
	ws      *websocket.Conn
	clock   clock.Clock
	created time.Time

	writeTimeout time.Duration
	readTimeout  time.Duration

	writeMu sync.Mutex

	done chan struct{}
	// readDone is closed when the read loop exits. It is nil until
	// receive is called.
	readDone chan struct{}
	// finished is closed once close has torn the socket down.
	finished chan struct{}

	mu        sync.Mutex
	principal principal.Principal
	closed    bool
}

func (c *connection) setPrincipal(p principal.Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
}

func (c *connection) Principal() principal.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// receive starts the read loop. The returned channel is closed when the
// socket can no longer be read.
func (c *connection) receive() <-chan []byte {
	frames := make(chan []byte)
	readDone := make(chan struct{})
	c.mu.Lock()
	c.readDone = readDone
	c.mu.Unlock()
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	go func() {
		defer close(readDone)
		defer close(frames)
		for {
			messageType, data, err := c.ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Tracef("connection %s read: %v", c.id, err)
				}
				return
			}
			c.extendReadDeadline()
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			select {
			case frames <- data:
			case <-c.done:
				// Keep reading until the peer answers the close frame.
			}
		}
	}()
	return frames
}

func (c *connection) extendReadDeadline() {
	if c.readTimeout > 0 {
		_ = c.ws.SetReadDeadline(c.clock.Now().Add(c.readTimeout))
	}
}

// send writes v as a JSON text frame.
func (c *connection) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(c.clock.Now().Add(c.writeTimeout)); err != nil {
		return errors.Trace(err)
	}
	if err := c.ws.WriteJSON(v); err != nil {
		return errors.Annotatef(err, "writing to connection %s", c.id)
	}
	return nil
}

func (c *connection) ping() error {
	deadline := c.clock.Now().Add(c.writeTimeout)
	return errors.Trace(c.ws.WriteControl(websocket.PingMessage, nil, deadline))
}

// maxCloseWait bounds the wait for the peer to answer a close frame.
const maxCloseWait = time.Second

// close sends a close frame with code and reason, waits briefly for the
// peer's close reply, then closes the socket. Later calls block until the
// first one has finished.
func (c *connection) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.finished
		return
	}
	c.closed = true
	close(c.done)
	readDone := c.readDone
	c.mu.Unlock()
	defer close(c.finished)

	deadline := c.clock.Now().Add(c.writeTimeout)
	err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err == nil && readDone != nil {
		wait := c.writeTimeout
		if wait <= 0 || wait > maxCloseWait {
			wait = maxCloseWait
		}
		select {
		case <-readDone:
		case <-c.clock.After(wait):
			logger.Tracef("connection %s: no close reply within %s", c.id, wait)
		}
	}
	_ = c.ws.Close()
}
