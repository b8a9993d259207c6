// Package notify provides the notification sources the channel listener
// subscribes to: Postgres LISTEN/NOTIFY, NATS subjects and an in-memory bus.
package notify

import (
	"context"
	"errors"
	"io"
)

// Notification is one raw payload received on a channel.
type Notification struct {
	Channel string
	Payload []byte
}

// Source is a connection to something that publishes change notifications on
// named channels.
type Source interface {
	io.Closer

	// Connect opens the underlying connection. Calling Connect on a source
	// whose previous connection was lost opens a new one.
	Connect(ctx context.Context) error

	// Listen starts delivery of notifications published on channel.
	Listen(ctx context.Context, channel string) error

	// Unlisten stops delivery for channel.
	Unlisten(ctx context.Context, channel string) error

	// Notifications returns the delivery channel of the current connection.
	// It is closed when that connection is lost or closed.
	Notifications() <-chan Notification

	// Ping performs a round trip on the connection.
	Ping(ctx context.Context) error
}

var (
	// ErrNotConnected is returned by operations that need an open connection.
	ErrNotConnected = errors.New("notification source not connected")

	// ErrUnknownSourceType is returned by New for an unsupported type.
	ErrUnknownSourceType = errors.New("unknown notification source type")
)
