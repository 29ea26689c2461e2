// Package transport defines the byte transport underneath a framed link.
//
// A transport knows nothing about frames. It receives bursts of bytes into a
// buffer the link arms with StartReceive, reports each completed burst through
// the ReceiveHandler, and sends buffers handed to StartTransmit.
package transport

import (
	"context"
)

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins the transport's connection and I/O handling.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetReceiveHandler sets the callback for completed receptions.
	SetReceiveHandler(fn ReceiveHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// StartReceive arms reception into buf. Incoming bytes are written from
	// buf[0] until the line goes idle or buf is full, then the receive handler
	// is called once with the byte count. The transport must not touch buf
	// after that call. StartReceive must not block; it is called from inside
	// the receive handler.
	StartReceive(buf []byte) error
	// StartTransmit starts sending buf. The transport must be done with buf,
	// or hold its own copy, when StartTransmit returns.
	StartTransmit(buf []byte) error
}

// ReceiveHandler is called exactly once per completed reception with the
// number of bytes written into the armed buffer. It runs on the transport's
// receive goroutine and must not block.
type ReceiveHandler func(size int)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}
