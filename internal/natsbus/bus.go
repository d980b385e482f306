// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package natsbus implements relay.Bus on NATS, with snapshot buckets
// kept in JetStream key/value stores.
package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	coreerrors "github.com/canonical/velero-relay/core/errors"
	"github.com/canonical/velero-relay/internal/relay"
)

// DefaultConnectTimeout bounds the initial connection.
const DefaultConnectTimeout = 10 * time.Second

// Logger is the logging interface used by the bus.
type Logger interface {
	Errorf(string, ...any)
	Warningf(string, ...any)
	Infof(string, ...any)
	Debugf(string, ...any)
}

// Config describes how to reach the NATS server.
type Config struct {
	URL string
	// Name is reported to the server as the connection name.
	Name string

	// Token and CredentialsFile are optional and exclusive.
	Token           string
	CredentialsFile string

	ConnectTimeout time.Duration
	Logger         Logger
}

// Validate returns an error if the config cannot be dialled.
func (config Config) Validate() error {
	if config.URL == "" {
		return errors.NotValidf("empty URL")
	}
	if config.Token != "" && config.CredentialsFile != "" {
		return errors.NotValidf("both Token and CredentialsFile")
	}
	if config.ConnectTimeout < 0 {
		return errors.NotValidf("negative ConnectTimeout")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Bus is one NATS session. Automatic reconnection is disabled: once the
// connection drops the session is over and the relay dials a new one.
type Bus struct {
	id     string
	conn   *nats.Conn
	js     jetstream.JetStream
	logger Logger

	once         sync.Once
	disconnected chan struct{}
}

var _ relay.Bus = (*Bus)(nil)

// Dialer returns a relay.Dialer for config.
func Dialer(config Config) relay.Dialer {
	return func(ctx context.Context) (relay.Bus, error) {
		bus, err := Dial(ctx, config)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return bus, nil
	}
}

// Dial opens a session.
func Dial(ctx context.Context, config Config) (*Bus, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	timeout := config.ConnectTimeout
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	b := &Bus{
		id:           uuid.NewString(),
		logger:       config.Logger,
		disconnected: make(chan struct{}),
	}
	options := []nats.Option{
		nats.Name(config.Name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warningf("nats session %s disconnected: %v", b.id, err)
			}
			b.markDisconnected()
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			b.markDisconnected()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				b.logger.Errorf("nats subscription %q: %v", sub.Subject, err)
				return
			}
			b.logger.Errorf("nats session %s: %v", b.id, err)
		}),
	}
	if config.Token != "" {
		options = append(options, nats.Token(config.Token))
	}
	if config.CredentialsFile != "" {
		options = append(options, nats.UserCredentials(config.CredentialsFile))
	}

	conn, err := nats.Connect(config.URL, options...)
	if err != nil {
		return nil, errors.Annotatef(coreerrors.Transport, "connecting to %s: %v", config.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "opening jetstream")
	}
	b.conn = conn
	b.js = js
	b.logger.Infof("nats session %s connected to %s", b.id, conn.ConnectedUrlRedacted())
	return b, nil
}

func (b *Bus) markDisconnected() {
	b.once.Do(func() { close(b.disconnected) })
}

// ID is part of the relay.Bus interface.
func (b *Bus) ID() string {
	return b.id
}

// Request is part of the relay.Bus interface.
func (b *Bus) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, classify(err, "request on %q", subject)
	}
	return msg.Data, nil
}

// Publish is part of the relay.Bus interface.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return classify(err, "publish on %q", subject)
	}
	return nil
}

type subscription struct {
	sub *nats.Subscription
}

func (s subscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return errors.Trace(err)
}

// Subscribe is part of the relay.Bus interface.
func (b *Bus) Subscribe(subject string, handler relay.MsgHandler) (relay.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(relay.Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	})
	if err != nil {
		return nil, classify(err, "subscribing to %q", subject)
	}
	return subscription{sub: sub}, nil
}

// KeyValue is part of the relay.Bus interface.
func (b *Bus) KeyValue(ctx context.Context, bucket string) (relay.KeyValue, error) {
	kv, err := b.js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.NewNotFound(err, "bucket "+bucket)
	}
	if err != nil {
		return nil, classify(err, "opening bucket %q", bucket)
	}
	return kv, nil
}

// CreateKeyValue is part of the relay.Bus interface.
func (b *Bus) CreateKeyValue(ctx context.Context, bucket string) (relay.KeyValue, error) {
	kv, err := b.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "velero relay snapshots",
		History:     1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		return nil, errors.NewAlreadyExists(err, "bucket "+bucket)
	}
	if err != nil {
		return nil, classify(err, "creating bucket %q", bucket)
	}
	return kv, nil
}

// Disconnected is part of the relay.Bus interface.
func (b *Bus) Disconnected() <-chan struct{} {
	return b.disconnected
}

// Close is part of the relay.Bus interface.
func (b *Bus) Close() {
	b.conn.Close()
	b.markDisconnected()
}

func classify(err error, format string, args ...any) error {
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return errors.Annotatef(coreerrors.NoResponders, format, args...)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errors.NewTimeout(err, fmt.Sprintf(format, args...))
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrConnectionDraining):
		return errors.Annotatef(coreerrors.Transport, format+": %v", append(args, err)...)
	}
	return errors.Annotatef(err, format, args...)
}
