package webrtc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

var errOpenTimeout = errors.New("data channel did not open in time")

// dataChannel is the server-created response channel of one peer.
// Sends issued before the channel opens wait for it.
type dataChannel struct {
	id          string
	dc          *webrtc.DataChannel
	openTimeout time.Duration

	opened    chan struct{}
	openOnce  sync.Once
	closing   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newDataChannel(id string, dc *webrtc.DataChannel, openTimeout time.Duration) *dataChannel {
	c := &dataChannel{
		id:          id,
		dc:          dc,
		openTimeout: openTimeout,
		opened:      make(chan struct{}),
		closing:     make(chan struct{}),
	}
	dc.OnOpen(func() { c.openOnce.Do(func() { close(c.opened) }) })
	dc.OnClose(func() { c.markClosed() })
	return c
}

func (c *dataChannel) ID() string { return c.id }

func (c *dataChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

func (c *dataChannel) Send(msg transports.Message) error {
	if c.closed.Load() {
		return transports.ErrChannelClosed
	}
	timer := time.NewTimer(c.openTimeout)
	defer timer.Stop()
	select {
	case <-c.opened:
	case <-c.closing:
		return transports.ErrChannelClosed
	case <-timer.C:
		return errorsx.Wrap(errOpenTimeout, errorsx.ReasonTransportSend)
	}

	var err error
	if msg.Text {
		err = c.dc.SendText(string(msg.Data))
	} else {
		err = c.dc.Send(msg.Data)
	}
	if err != nil {
		if c.closed.Load() {
			return transports.ErrChannelClosed
		}
		return errorsx.Wrap(err, errorsx.ReasonTransportSend)
	}
	return nil
}

func (c *dataChannel) markClosed() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
	})
}

func (c *dataChannel) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.markClosed()
	return c.dc.Close()
}
