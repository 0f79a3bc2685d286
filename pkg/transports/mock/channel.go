package mock

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxrelay/pkg/transports"
)

// ErrInjected is the default failure returned by FailAfter.
var ErrInjected = errors.New("mock: injected send failure")

// Channel records outbound messages and can inject failures.
type Channel struct {
	id        string
	mu        sync.Mutex
	sent      []transports.Message
	attempts  int
	failAt    int
	failErr   error
	sendDelay time.Duration
	buffered  atomic.Uint64
	closed    atomic.Bool
	notify    chan transports.Message
}

func NewChannel(id string) *Channel {
	return &Channel{id: id, failAt: -1, notify: make(chan transports.Message, 4096)}
}

func (c *Channel) ID() string { return c.id }

// FailAfter makes send attempt n+1 return err once. Later sends succeed again.
func (c *Channel) FailAfter(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	c.mu.Lock()
	c.failAt = n
	c.failErr = err
	c.mu.Unlock()
}

// SetSendDelay slows every send down, for interleaving tests.
func (c *Channel) SetSendDelay(d time.Duration) {
	c.mu.Lock()
	c.sendDelay = d
	c.mu.Unlock()
}

// SetBufferedAmount sets the value reported by BufferedAmount.
func (c *Channel) SetBufferedAmount(n uint64) { c.buffered.Store(n) }

func (c *Channel) BufferedAmount() uint64 { return c.buffered.Load() }

func (c *Channel) Send(msg transports.Message) error {
	if c.closed.Load() {
		return transports.ErrChannelClosed
	}
	c.mu.Lock()
	delay := c.sendDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	attempt := c.attempts
	c.attempts++
	if attempt == c.failAt {
		return c.failErr
	}
	cp := transports.Message{Text: msg.Text, Data: append([]byte(nil), msg.Data...)}
	c.sent = append(c.sent, cp)
	select {
	case c.notify <- cp:
	default:
	}
	return nil
}

func (c *Channel) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool { return c.closed.Load() }

// Messages returns a copy of every message sent so far.
func (c *Channel) Messages() []transports.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transports.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// Sent exposes outbound messages for inspection as they arrive.
func (c *Channel) Sent() <-chan transports.Message { return c.notify }
