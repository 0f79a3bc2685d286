// Package transmit sends payloads over a channel as paced, ordered frame sequences.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/logging"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

// ErrSendFailed wraps every channel send failure reported in an Outcome.
var ErrSendFailed = errors.New("channel send failed")

// Config controls chunking and pacing. Values are process-wide.
type Config struct {
	ChunkSize          int
	InterChunkDelay    time.Duration
	SendAbortOnFailure bool
	// HighWaterMark holds data sends while a BufferedChannel reports more
	// queued bytes than this. Zero disables the check.
	HighWaterMark uint64
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = chunking.DefaultChunkSize
	}
	if c.InterChunkDelay < 0 {
		c.InterChunkDelay = 0
	}
	return c
}

// Status is the terminal result of one transmission.
type Status int

const (
	StatusSucceeded Status = iota
	StatusAborted
)

func (s Status) String() string {
	if s == StatusSucceeded {
		return "succeeded"
	}
	return "aborted"
}

// Outcome reports what reached the channel. On abort, AbortedAt is the
// index of the first data chunk that was not delivered; it equals
// TotalChunks when only Complete failed, and is -1 when Start failed.
type Outcome struct {
	Status      Status
	TotalChunks int
	ChunksSent  int
	FramesSent  int
	AbortedAt   int
	Err         error
}

// Transmitter owns the per-channel send locks. One Transmitter serves all sessions.
type Transmitter struct {
	cfg   Config
	codec *chunking.Codec
	obs   metrics.Observer
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New creates a transmitter. A nil codec selects JSON headers.
func New(cfg Config, codec *chunking.Codec, obs metrics.Observer, logger *slog.Logger) *Transmitter {
	if codec == nil {
		codec = chunking.NewCodec(nil)
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Transmitter{
		cfg:   cfg.withDefaults(),
		codec: codec,
		obs:   obs,
		log:   logging.NewComponentLogger(logger, "transmit"),
		locks: make(map[string]chan struct{}),
	}
}

// Config returns the effective configuration.
func (t *Transmitter) Config() Config { return t.cfg }

func (t *Transmitter) lockFor(id string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		t.locks[id] = l
	}
	return l
}

// Forget drops the send lock of a torn-down channel.
func (t *Transmitter) Forget(channelID string) {
	t.mu.Lock()
	delete(t.locks, channelID)
	t.mu.Unlock()
}

// Transmit sends payload as Start, Data(0..n-1), Complete over ch.
// Transmissions on the same channel never interleave. It returns after
// Complete was handed to the channel or the first failure; there is no
// retry and no rollback of frames already sent.
func (t *Transmitter) Transmit(ctx context.Context, ch transports.Channel, payload []byte) Outcome {
	seq, err := chunking.Encode(payload, t.cfg.ChunkSize)
	if err != nil {
		return Outcome{Status: StatusAborted, AbortedAt: -1, Err: err}
	}
	plan := seq[0].(frames.StartFrame)
	out := Outcome{TotalChunks: plan.TotalChunks, AbortedAt: -1}
	tags := map[string]string{frames.MetaChannelID: ch.ID()}

	lock := t.lockFor(ch.ID())
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		out.Status = StatusAborted
		out.Err = fmt.Errorf("waiting for channel %s: %w", ch.ID(), ctx.Err())
		return out
	}
	defer func() { <-lock }()

	started := time.Now()
	metrics.Record(t.obs, metrics.EventTransmissionStarted, float64(len(payload)), tags, map[string]any{
		"total_chunks": plan.TotalChunks,
		"chunk_size":   plan.ChunkSize,
	})

	for i, f := range seq {
		if data, ok := f.(frames.DataFrame); ok {
			if data.ChunkIndex > 0 {
				if err := sleepCtx(ctx, t.cfg.InterChunkDelay); err != nil {
					return t.abort(ch, out, err, tags)
				}
			}
			if err := t.waitDrained(ctx, ch); err != nil {
				return t.abort(ch, out, err, tags)
			}
		} else if i > 0 && ctx.Err() != nil {
			return t.abort(ch, out, ctx.Err(), tags)
		}
		if err := t.send(ch, f); err != nil {
			return t.abort(ch, out, err, tags)
		}
		out.FramesSent++
		if data, ok := f.(frames.DataFrame); ok {
			out.ChunksSent++
			metrics.Record(t.obs, metrics.EventChunkSent, float64(data.ChunkSize), tags, map[string]any{"chunk_index": data.ChunkIndex})
		}
	}

	out.Status = StatusSucceeded
	elapsed := time.Since(started)
	metrics.Record(t.obs, metrics.EventTransmissionCompleted, float64(elapsed.Milliseconds()), tags, map[string]any{
		"bytes":  len(payload),
		"chunks": out.ChunksSent,
	})
	t.log.Debug("transmission_completed", "channel_id", ch.ID(), "bytes", len(payload), "chunks", out.ChunksSent, "elapsed_ms", elapsed.Milliseconds())
	return out
}

func (t *Transmitter) send(ch transports.Channel, f frames.Frame) error {
	msg, err := t.codec.Marshal(f)
	if err != nil {
		return err
	}
	if err := ch.Send(msg); err != nil {
		return errorsx.WrapOp(fmt.Errorf("%w: %w", ErrSendFailed, err), errorsx.ReasonChannelSendFailed, "send "+f.String())
	}
	return nil
}

func (t *Transmitter) abort(ch transports.Channel, out Outcome, cause error, tags map[string]string) Outcome {
	out.Status = StatusAborted
	switch {
	case out.FramesSent == 0:
		out.AbortedAt = -1
	default:
		out.AbortedAt = out.ChunksSent
	}
	out.Err = errorsx.Wrap(cause, errorsx.ReasonChannelSendFailed)

	abortSent := false
	if t.cfg.SendAbortOnFailure && out.FramesSent > 0 {
		err := t.send(ch, frames.AbortFrame{
			TotalChunks: out.TotalChunks,
			ChunksSent:  out.ChunksSent,
			Reason:      string(errorsx.Reason(out.Err)),
		})
		abortSent = err == nil
		if err != nil {
			t.log.Debug("abort_frame_failed", "channel_id", ch.ID(), "error", err)
		}
	}
	metrics.Record(t.obs, metrics.EventTransmissionAborted, float64(out.ChunksSent), tags, map[string]any{
		"aborted_at":   out.AbortedAt,
		"total_chunks": out.TotalChunks,
		"abort_sent":   abortSent,
	})
	t.log.Warn("transmission_aborted",
		"channel_id", ch.ID(),
		"aborted_at", out.AbortedAt,
		"chunks_sent", out.ChunksSent,
		"total_chunks", out.TotalChunks,
		"abort_sent", abortSent,
		"op", errorsx.Op(out.Err),
		"error", cause,
	)
	return out
}

func (t *Transmitter) waitDrained(ctx context.Context, ch transports.Channel) error {
	if t.cfg.HighWaterMark == 0 {
		return nil
	}
	bc, ok := ch.(transports.BufferedChannel)
	if !ok {
		return nil
	}
	interval := t.cfg.InterChunkDelay
	if interval <= 0 {
		interval = time.Millisecond
	}
	for bc.BufferedAmount() > t.cfg.HighWaterMark {
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
	}
	return nil
}

// sleepCtx waits d or until ctx is done. d <= 0 only checks ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
