package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/harunnryd/voxrelay/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network dependency.
type Transport struct {
	events chan transports.Event
	closed atomic.Bool
	mu     sync.Mutex
	chans  map[string]*Channel
}

func New() *Transport {
	return &Transport{
		events: make(chan transports.Event, 256),
		chans:  make(map[string]*Channel),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.closed.Store(true)
	return nil
}

func (t *Transport) Events() <-chan transports.Event { return t.events }

// Push injects an event into the transport.
func (t *Transport) Push(ev transports.Event) {
	if t.closed.Load() {
		return
	}
	t.events <- ev
}

// Open simulates a peer connecting and returns its outbound channel.
func (t *Transport) Open() *Channel {
	id := uuid.NewString()
	ch := NewChannel(id)
	t.mu.Lock()
	t.chans[id] = ch
	t.mu.Unlock()
	t.Push(transports.Event{Kind: transports.EventOpen, SessionID: id, TraceID: uuid.NewString(), Outbound: ch})
	return ch
}

// Deliver simulates an inbound message from the peer.
func (t *Transport) Deliver(sessionID string, msg transports.Message) {
	t.Push(transports.Event{Kind: transports.EventMessage, SessionID: sessionID, Message: msg})
}

// Disconnect simulates the peer going away.
func (t *Transport) Disconnect(sessionID, reason string) error {
	t.mu.Lock()
	delete(t.chans, sessionID)
	t.mu.Unlock()
	t.Push(transports.Event{Kind: transports.EventClose, SessionID: sessionID, Reason: reason})
	return nil
}
