// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
)

// Msg is a message received from the bus.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// MsgHandler is called for every message on a subscription. Calls for one
// subscription are serialized.
type MsgHandler func(Msg)

// Subscription is an active bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// KeyValue is a durable key/value bucket.
type KeyValue interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Bus is one session to the message bus. A Bus is not reused once its
// Disconnected channel has been closed.
type Bus interface {
	// ID identifies the session.
	ID() string

	// Request sends data on subject and waits for a single reply. It
	// fails with coreerrors.NoResponders when nobody listens and with an
	// errors.Timeout error when the reply does not arrive in time.
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)

	// Publish sends data on subject without waiting.
	Publish(subject string, data []byte) error

	// Subscribe calls handler for each message on subject.
	Subscribe(subject string, handler MsgHandler) (Subscription, error)

	// KeyValue opens an existing bucket, failing with errors.NotFound.
	KeyValue(ctx context.Context, bucket string) (KeyValue, error)

	// CreateKeyValue creates a bucket, failing with errors.AlreadyExists.
	CreateKeyValue(ctx context.Context, bucket string) (KeyValue, error)

	// Disconnected is closed when the session is lost.
	Disconnected() <-chan struct{}

	// Close ends the session.
	Close()
}

// Dialer opens a new bus session.
type Dialer func(ctx context.Context) (Bus, error)

// Encode turns an outbound payload into bytes. Byte slices, strings and
// raw JSON pass through, everything else is JSON encoded.
func Encode(v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Annotate(err, "encoding payload")
	}
	return data, nil
}
