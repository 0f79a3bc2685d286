// Package reassembly rebuilds payloads from Start/Data/Complete frames.
package reassembly

import (
	"sync"
	"time"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/frames"
)

const (
	// DefaultMaxPayloadSize bounds the total size a Start frame may declare.
	DefaultMaxPayloadSize = 64 << 20
	// DefaultMaxChunks bounds the chunk count a Start frame may declare.
	DefaultMaxChunks = 1 << 16

	// initialChunkCap caps preallocation; the chunk list grows as data arrives.
	initialChunkCap = 64
)

// Config controls reassembly limits.
type Config struct {
	MaxPayloadSize int
	MaxChunks      int
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	return c
}

// Buffer holds the chunks of the transmission in progress.
type Buffer struct {
	ExpectedTotalChunks int
	ExpectedTotalSize   int
	ChunkSize           int

	plan     chunking.Plan
	chunks   [][]byte
	received int
}

func (b *Buffer) release() {
	for _, c := range b.chunks {
		frames.ReleaseChunkBuf(c)
	}
	b.chunks = nil
	b.received = 0
}

// Reassembler is the receive-side state machine for one channel.
// Delivery is all-or-nothing: a payload is returned only when Complete
// arrives and every count and size agrees.
type Reassembler struct {
	mu        sync.Mutex
	cfg       Config
	codec     *chunking.Codec
	state     State
	buf       *Buffer
	lastErr   error
	listeners []StateListener
	pending   []StateChange
}

// New creates a reassembler in StateIdle. A nil codec selects JSON headers.
func New(cfg Config, codec *chunking.Codec) *Reassembler {
	if codec == nil {
		codec = chunking.NewCodec(nil)
	}
	return &Reassembler{cfg: cfg.withDefaults(), codec: codec, state: StateIdle}
}

// State returns the current state.
func (r *Reassembler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved the reassembler into StateError.
func (r *Reassembler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// AddListener registers a listener for state change events.
func (r *Reassembler) AddListener(l StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// FeedRaw decodes one channel message and feeds it.
// Decode failures move the reassembler to StateError.
func (r *Reassembler) FeedRaw(raw []byte) ([]byte, bool, error) {
	r.mu.Lock()
	if r.state == StateError {
		r.mu.Unlock()
		return nil, false, ErrInErrorState
	}
	r.mu.Unlock()

	f, err := r.codec.Unmarshal(raw)
	if err != nil {
		return r.run(func() ([]byte, bool, error) {
			return nil, false, r.fail(failure(ErrMalformedFrame, "%v", err))
		})
	}
	return r.Feed(f)
}

// Feed applies one frame. done is true exactly when payload holds a full transmission.
func (r *Reassembler) Feed(f frames.Frame) ([]byte, bool, error) {
	return r.run(func() ([]byte, bool, error) {
		return r.feedLocked(f)
	})
}

// Reset discards any buffer and returns to StateIdle. It is the out-of-band
// recovery from StateError, used when a channel is re-opened.
func (r *Reassembler) Reset() {
	_, _, _ = r.run(func() ([]byte, bool, error) {
		r.dropBuffer()
		r.lastErr = nil
		if r.state != StateIdle {
			r.transition(StateIdle, "reset")
		}
		return nil, false, nil
	})
}

// Release frees buffered chunks on teardown.
func (r *Reassembler) Release() {
	r.Reset()
}

// Buffered reports how many chunks and bytes are held for the open transmission.
func (r *Reassembler) Buffered() (chunks, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil {
		return 0, 0
	}
	return len(r.buf.chunks), r.buf.received
}

// run executes fn under the lock and notifies listeners after releasing it.
func (r *Reassembler) run(fn func() ([]byte, bool, error)) ([]byte, bool, error) {
	r.mu.Lock()
	payload, done, err := fn()
	changes := r.pending
	r.pending = nil
	listeners := make([]StateListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, change := range changes {
		for _, l := range listeners {
			l.OnStateChange(change)
		}
	}
	return payload, done, err
}

func (r *Reassembler) feedLocked(f frames.Frame) ([]byte, bool, error) {
	switch r.state {
	case StateError:
		return nil, false, ErrInErrorState
	case StateIdle, StateComplete:
		switch fr := f.(type) {
		case frames.StartFrame:
			return nil, false, r.begin(fr)
		case frames.AbortFrame:
			// Stale abort for a transmission we never saw or already delivered.
			return nil, false, nil
		default:
			return nil, false, r.fail(failure(ErrUnexpectedFrame, "%s while %s", f, r.state))
		}
	case StateExpectingChunks:
		switch fr := f.(type) {
		case frames.DataFrame:
			return nil, false, r.accept(fr)
		case frames.CompleteFrame:
			return r.complete(fr)
		case frames.AbortFrame:
			r.dropBuffer()
			r.transition(StateIdle, "aborted by sender")
			return nil, false, failure(ErrTransmissionAborted, "after %d of %d chunks: %s", fr.ChunksSent, fr.TotalChunks, fr.Reason)
		default:
			return nil, false, r.fail(failure(ErrUnexpectedFrame, "%s before complete", f))
		}
	}
	return nil, false, r.fail(failure(ErrUnexpectedFrame, "%s in state %s", f, r.state))
}

func (r *Reassembler) begin(fr frames.StartFrame) error {
	if fr.ChunkSize <= 0 || fr.TotalSize < 0 || fr.TotalChunks < 0 {
		return r.fail(failure(ErrMalformedFrame, "invalid plan %s", fr))
	}
	if fr.TotalSize > r.cfg.MaxPayloadSize {
		return r.fail(failure(ErrSizeMismatch, "declared %d bytes exceeds limit %d", fr.TotalSize, r.cfg.MaxPayloadSize))
	}
	if fr.TotalChunks > r.cfg.MaxChunks {
		return r.fail(failure(ErrSizeMismatch, "declared %d chunks exceeds limit %d", fr.TotalChunks, r.cfg.MaxChunks))
	}
	plan, err := chunking.NewPlan(fr.TotalSize, fr.ChunkSize)
	if err != nil || plan.TotalChunks != fr.TotalChunks {
		return r.fail(failure(ErrMalformedFrame, "inconsistent plan %s", fr))
	}
	r.buf = &Buffer{
		ExpectedTotalChunks: fr.TotalChunks,
		ExpectedTotalSize:   fr.TotalSize,
		ChunkSize:           fr.ChunkSize,
		plan:                plan,
		chunks:              make([][]byte, 0, min(fr.TotalChunks, initialChunkCap)),
	}
	r.transition(StateExpectingChunks, fr.String())
	return nil
}

func (r *Reassembler) accept(fr frames.DataFrame) error {
	next := len(r.buf.chunks)
	if fr.ChunkIndex != next {
		return r.fail(failure(ErrOutOfOrderChunk, "got chunk %d, expected %d", fr.ChunkIndex, next))
	}
	if next >= r.buf.ExpectedTotalChunks {
		return r.fail(failure(ErrSizeMismatch, "chunk %d beyond declared %d chunks", fr.ChunkIndex, r.buf.ExpectedTotalChunks))
	}
	if fr.ChunkSize != len(fr.Payload) {
		return r.fail(failure(ErrMalformedFrame, "chunk %d declares %d bytes, carries %d", fr.ChunkIndex, fr.ChunkSize, len(fr.Payload)))
	}
	if start, end := r.buf.plan.Bounds(next); len(fr.Payload) != end-start {
		return r.fail(failure(ErrSizeMismatch, "chunk %d carries %d bytes, plan expects %d", fr.ChunkIndex, len(fr.Payload), end-start))
	}
	chunk := frames.AcquireChunkBuf(len(fr.Payload))
	copy(chunk, fr.Payload)
	r.buf.chunks = append(r.buf.chunks, chunk)
	r.buf.received += len(chunk)
	return nil
}

func (r *Reassembler) complete(fr frames.CompleteFrame) ([]byte, bool, error) {
	buf := r.buf
	switch {
	case fr.TotalChunks != buf.ExpectedTotalChunks:
		return nil, false, r.fail(failure(ErrSizeMismatch, "complete declares %d chunks, start declared %d", fr.TotalChunks, buf.ExpectedTotalChunks))
	case len(buf.chunks) != fr.TotalChunks:
		return nil, false, r.fail(failure(ErrSizeMismatch, "received %d chunks, complete declares %d", len(buf.chunks), fr.TotalChunks))
	case buf.received != buf.ExpectedTotalSize:
		return nil, false, r.fail(failure(ErrSizeMismatch, "received %d bytes, start declared %d", buf.received, buf.ExpectedTotalSize))
	}
	payload := make([]byte, 0, buf.received)
	for _, c := range buf.chunks {
		payload = append(payload, c...)
	}
	r.dropBuffer()
	r.transition(StateComplete, fr.String())
	return payload, true, nil
}

func (r *Reassembler) fail(err error) error {
	r.dropBuffer()
	r.lastErr = err
	r.transition(StateError, err.Error())
	return err
}

func (r *Reassembler) dropBuffer() {
	if r.buf != nil {
		r.buf.release()
		r.buf = nil
	}
}

// transition must be called with the lock held. Invalid moves are programming
// errors and leave the state untouched.
func (r *Reassembler) transition(to State, reason string) {
	if !transitionValid(r.state, to) {
		r.lastErr = &InvalidTransitionError{From: r.state, To: to}
		return
	}
	r.pending = append(r.pending, StateChange{
		From:      r.state,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	})
	r.state = to
}
