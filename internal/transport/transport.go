// Package transport carries protocol messages over a persistent,
// bidirectional connection.
//
// Two implementations share the Conn interface: a websocket connection
// (gorilla/websocket) for real clients, and an in-memory Pipe for tests
// and embedded use. Both run every message through a protocol.Codec, so a
// peer never observes a message that failed validation.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/lattice/internal/protocol"
)

// ErrClosed is returned by Send and Recv after the connection closed.
var ErrClosed = errors.New("connection closed")

// Conn is a message connection. Send and Recv may be called from
// different goroutines, but each only from one at a time.
type Conn interface {
	// Send queues m for delivery.
	Send(ctx context.Context, m protocol.Message) error

	// Recv blocks for the next message. A message that fails decoding is
	// reported as a *protocol.Error of kind InvalidMessage and the
	// connection stays usable.
	Recv(ctx context.Context) (protocol.Message, error)

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer opens a client connection.
type Dialer func(ctx context.Context) (Conn, error)

// Settings tunes a connection.
type Settings struct {
	WriteTimeout time.Duration
	// ReadTimeout closes a connection that has been silent this long.
	// Peers keep it alive with protocol pings.
	ReadTimeout    time.Duration
	BufferSize     int
	MaxMessageSize int64
	Codec          protocol.Codec
}

// DefaultSettings returns settings suited to a 15s ping interval.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    45 * time.Second,
		BufferSize:     32,
		MaxMessageSize: 16 << 20,
		Codec:          protocol.JSONCodec{},
	}
}

type incoming struct {
	msg protocol.Message
	err error
}
