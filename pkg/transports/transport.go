package transports

import (
	"context"
	"errors"
)

// ErrChannelClosed is returned by Send after the channel was released.
var ErrChannelClosed = errors.New("transports: channel closed")

// Message is one discrete message on a peer channel.
// Text messages carry structured headers; binary messages carry audio or data frames.
type Message struct {
	Text bool
	Data []byte
}

// Channel is the outbound half of a peer connection.
// Send is ordered and may block; it must not be called concurrently for one
// transmission, callers serialize through the transmitter.
type Channel interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// BufferedChannel exposes the number of bytes queued but not yet written to
// the network. Transmitters use it to hold back data under a high-water mark.
type BufferedChannel interface {
	Channel
	BufferedAmount() uint64
}

// EventKind classifies transport lifecycle events.
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is emitted by a transport for every peer lifecycle change and inbound message.
// Outbound is set on EventOpen only. Reason is set on EventClose.
type Event struct {
	Kind      EventKind
	SessionID string
	TraceID   string
	Outbound  Channel
	Message   Message
	Reason    string
}

// Transport defines a vendor-agnostic boundary for peer connections.
// Implementations are responsible for their own network lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan Event
}

// ReadyReporter allows transports to expose readiness metadata (e.g., listen addresses).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// Disconnector lets the engine force a peer off during drain.
type Disconnector interface {
	Disconnect(sessionID, reason string) error
}
