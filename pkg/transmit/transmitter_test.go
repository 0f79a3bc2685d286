package transmit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/reassembly"
	"github.com/harunnryd/voxrelay/pkg/transports"
	"github.com/harunnryd/voxrelay/pkg/transports/mock"
)

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func decodeAll(t *testing.T, msgs []transports.Message) []frames.Frame {
	t.Helper()
	codec := chunking.NewCodec(nil)
	out := make([]frames.Frame, 0, len(msgs))
	for i, m := range msgs {
		f, err := codec.Unmarshal(m.Data)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		out = append(out, f)
	}
	return out
}

func TestTransmitSendsFramesInOrder(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	tx := New(Config{ChunkSize: 16384}, nil, obs, nil)
	ch := mock.NewChannel("peer-1")
	payload := payloadOf(40000)

	out := tx.Transmit(context.Background(), ch, payload)
	if out.Status != StatusSucceeded || out.Err != nil {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.FramesSent != 5 || out.ChunksSent != 3 || out.TotalChunks != 3 {
		t.Fatalf("unexpected counts %+v", out)
	}
	want, _ := chunking.Encode(payload, 16384)
	if diff := cmp.Diff(want, decodeAll(t, ch.Messages())); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
	if got := obs.Count(metrics.EventChunkSent); got != 3 {
		t.Fatalf("expected 3 chunk events, got %d", got)
	}
	if got := obs.Count(metrics.EventTransmissionCompleted); got != 1 {
		t.Fatalf("expected completion event, got %d", got)
	}
}

func TestTransmitEmptyPayload(t *testing.T) {
	tx := New(Config{}, nil, nil, nil)
	ch := mock.NewChannel("peer-1")
	out := tx.Transmit(context.Background(), ch, nil)
	if out.Status != StatusSucceeded || out.FramesSent != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	msgs := ch.Messages()
	if !msgs[0].Text || !msgs[1].Text {
		t.Fatalf("expected start and complete as text messages")
	}
}

func TestTransmitPacesBetweenChunks(t *testing.T) {
	tx := New(Config{ChunkSize: 10, InterChunkDelay: 20 * time.Millisecond}, nil, nil, nil)
	ch := mock.NewChannel("peer-1")
	start := time.Now()
	out := tx.Transmit(context.Background(), ch, payloadOf(30))
	elapsed := time.Since(start)
	if out.Status != StatusSucceeded {
		t.Fatalf("unexpected outcome %+v", out)
	}
	// Three chunks, two gaps. No delay after the last chunk.
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected at least 40ms of pacing, got %s", elapsed)
	}
}

func TestTransmitSendFailureAborts(t *testing.T) {
	tx := New(Config{ChunkSize: 16384, SendAbortOnFailure: true}, nil, nil, nil)
	ch := mock.NewChannel("peer-1")
	ch.FailAfter(2, nil) // Start and chunk 0 go through, chunk 1 fails.

	out := tx.Transmit(context.Background(), ch, payloadOf(40000))
	if out.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", out.Status)
	}
	if out.AbortedAt != 1 || out.ChunksSent != 1 || out.FramesSent != 2 {
		t.Fatalf("unexpected counts %+v", out)
	}
	if !errors.Is(out.Err, ErrSendFailed) || !errors.Is(out.Err, mock.ErrInjected) {
		t.Fatalf("expected send failure, got %v", out.Err)
	}
	if errorsx.Reason(out.Err) != errorsx.ReasonChannelSendFailed {
		t.Fatalf("unexpected reason %s", errorsx.Reason(out.Err))
	}
	if op := errorsx.Op(out.Err); op != "send Data(1,16384)" {
		t.Fatalf("unexpected failing step %q", op)
	}

	got := decodeAll(t, ch.Messages())
	if len(got) != 3 {
		t.Fatalf("expected start, chunk 0 and abort, got %v", got)
	}
	abort, ok := got[2].(frames.AbortFrame)
	if !ok || abort.ChunksSent != 1 || abort.TotalChunks != 3 {
		t.Fatalf("unexpected trailing frame %#v", got[2])
	}

	// The receiver leaves EXPECTING_CHUNKS instead of hanging.
	r := reassembly.New(reassembly.Config{}, nil)
	for _, f := range got {
		_, _, _ = r.Feed(f)
	}
	if r.State() != reassembly.StateIdle {
		t.Fatalf("expected receiver idle after abort, got %s", r.State())
	}
}

func TestTransmitWithoutAbortFrame(t *testing.T) {
	tx := New(Config{ChunkSize: 16384}, nil, nil, nil)
	ch := mock.NewChannel("peer-1")
	ch.FailAfter(0, nil)
	out := tx.Transmit(context.Background(), ch, payloadOf(10))
	if out.Status != StatusAborted || out.AbortedAt != -1 || out.FramesSent != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if n := len(ch.Messages()); n != 0 {
		t.Fatalf("expected nothing sent, got %d messages", n)
	}
}

func TestTransmitCancelledMidway(t *testing.T) {
	tx := New(Config{ChunkSize: 10, InterChunkDelay: 50 * time.Millisecond, SendAbortOnFailure: true}, nil, nil, nil)
	ch := mock.NewChannel("peer-1")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ch.Sent() // start
		<-ch.Sent() // chunk 0
		cancel()
	}()
	out := tx.Transmit(ctx, ch, payloadOf(50))
	if out.Status != StatusAborted || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("expected cancellation abort, got %+v", out)
	}
	if out.ChunksSent != 1 || out.AbortedAt != 1 {
		t.Fatalf("unexpected counts %+v", out)
	}
}

func TestTransmitWaitsForBufferedAmount(t *testing.T) {
	tx := New(Config{ChunkSize: 10, InterChunkDelay: time.Millisecond, HighWaterMark: 100}, nil, nil, nil)
	ch := mock.NewChannel("peer-1")
	ch.SetBufferedAmount(1000)
	released := make(chan time.Time, 1)
	go func() {
		time.Sleep(30 * time.Millisecond)
		released <- time.Now()
		ch.SetBufferedAmount(0)
	}()
	out := tx.Transmit(context.Background(), ch, payloadOf(20))
	done := time.Now()
	if out.Status != StatusSucceeded {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if at := <-released; done.Before(at) {
		t.Fatalf("transmission finished before the buffer drained")
	}
}

func TestTransmissionsOnOneChannelDoNotInterleave(t *testing.T) {
	tx := New(Config{ChunkSize: 4}, nil, nil, nil)
	ch := mock.NewChannel("peer-1")
	ch.SetSendDelay(time.Millisecond)

	payloads := [][]byte{bytes.Repeat([]byte("a"), 20), bytes.Repeat([]byte("b"), 24)}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p []byte) {
			defer wg.Done()
			if out := tx.Transmit(context.Background(), ch, p); out.Status != StatusSucceeded {
				t.Errorf("unexpected outcome %+v", out)
			}
		}(p)
	}
	wg.Wait()

	r := reassembly.New(reassembly.Config{}, nil)
	var delivered [][]byte
	for i, f := range decodeAll(t, ch.Messages()) {
		payload, done, err := r.Feed(f)
		if err != nil {
			t.Fatalf("frame %d (%s): %v", i, f, err)
		}
		if done {
			delivered = append(delivered, payload)
		}
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 payloads, got %d", len(delivered))
	}
	for _, d := range delivered {
		if !bytes.Equal(d, payloads[0]) && !bytes.Equal(d, payloads[1]) {
			t.Fatalf("payload corrupted by interleaving: %q", d)
		}
	}
}
