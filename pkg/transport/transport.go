// Package transport defines the channel contract shared by the short-range
// and network transports and the buffer feeding inbound frames to the loop.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by Send when no peer is attached.
	ErrNotConnected = errors.New("not connected")
	// ErrSendFailed wraps lower level write errors.
	ErrSendFailed = errors.New("send failed")
)

// Receiver is called with each inbound frame. Implementations must not
// block; they usually push into an Inbox.
type Receiver func(pkt []byte)

// Transport is a channel carrying encoded envelopes.
type Transport interface {
	// Name identifies the transport in logs and replies.
	Name() string
	// Activate brings the transport up. It may block for a bounded time.
	Activate(ctx context.Context) error
	// IsConnected reports whether a peer can receive frames now.
	IsConnected() bool
	// Send writes a frame. It returns ErrNotConnected without blocking
	// when no peer is attached.
	Send(pkt []byte) error
	// OnReceive registers the inbound callback.
	OnReceive(Receiver)
}

// Deactivator is implemented by transports which can be turned off to save
// power.
type Deactivator interface {
	Deactivate() error
}
