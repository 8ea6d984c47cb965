// Package transport provides the peer link the transfer controllers run on:
// a reliable, ordered message connection that reports open, data, close and
// error events, plus negotiators that establish one over WebRTC, QUIC or an
// in-memory pipe.
package transport

import (
	"context"
	"errors"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
)

// ErrClosed is returned by Send once the connection is no longer open.
var ErrClosed = errors.New("connection closed")

// EventKind identifies a connection event.
type EventKind int

const (
	EventOpen EventKind = iota
	EventData
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered on a Conn's event channel. Message is set for
// EventData, Err for EventError.
type Event struct {
	Kind    EventKind
	Message chunkproto.Message
	Err     error
}

// Conn is one logical peer link. Messages arrive on Events in the order the
// remote side sent them. The channel is closed after the final event.
type Conn interface {
	// Send writes one message. It blocks while the link applies backpressure.
	Send(m chunkproto.Message) error
	// Events returns the connection's event queue.
	Events() <-chan Event
	// IsOpen reports whether the link can still carry messages.
	IsOpen() bool
	// Close tears the link down. It is safe to call more than once.
	Close() error
}

// Negotiator establishes a Conn by exchanging opaque descriptions through a
// signaling channel. The initiator calls Offer and later completes with the
// remote answer; the responder calls Answer with the offer and completes
// with an empty remote description.
type Negotiator interface {
	Offer(ctx context.Context) (Pending, error)
	Answer(ctx context.Context, offer string) (Pending, error)
}

// Pending is a half-negotiated link.
type Pending interface {
	// Description is the local description to hand to the remote peer.
	Description() string
	// Complete finishes negotiation and waits for the link to open.
	Complete(ctx context.Context, remote string) (Conn, error)
	// Abort releases resources of a negotiation that will not complete.
	Abort()
}
