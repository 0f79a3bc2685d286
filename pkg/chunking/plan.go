// Package chunking splits audio payloads into the Start/Data/Complete frame
// sequence and converts frames to and from channel messages.
package chunking

import (
	"errors"
	"fmt"

	"github.com/harunnryd/voxrelay/pkg/frames"
)

// DefaultChunkSize is the process-wide default data chunk size in bytes.
const DefaultChunkSize = 16384

// ErrInvalidChunkSize is returned when a plan is requested with chunk size <= 0.
var ErrInvalidChunkSize = errors.New("chunking: chunk size must be positive")

// Plan describes how a payload of TotalSize bytes is cut into chunks.
type Plan struct {
	TotalSize   int
	ChunkSize   int
	TotalChunks int
}

// NewPlan computes ceil(total/chunk). A zero-length payload has zero chunks.
func NewPlan(totalSize, chunkSize int) (Plan, error) {
	if chunkSize <= 0 {
		return Plan{}, fmt.Errorf("%w: got %d", ErrInvalidChunkSize, chunkSize)
	}
	if totalSize < 0 {
		return Plan{}, fmt.Errorf("chunking: negative total size %d", totalSize)
	}
	return Plan{
		TotalSize:   totalSize,
		ChunkSize:   chunkSize,
		TotalChunks: (totalSize + chunkSize - 1) / chunkSize,
	}, nil
}

// Bounds returns the half-open byte range of chunk i.
func (p Plan) Bounds(i int) (start, end int) {
	start = i * p.ChunkSize
	end = start + p.ChunkSize
	if end > p.TotalSize {
		end = p.TotalSize
	}
	return start, end
}

// Start returns the opening frame of the plan.
func (p Plan) Start() frames.StartFrame {
	return frames.StartFrame{
		TotalSize:   p.TotalSize,
		TotalChunks: p.TotalChunks,
		ChunkSize:   p.ChunkSize,
	}
}

// Complete returns the closing frame of the plan.
func (p Plan) Complete() frames.CompleteFrame {
	return frames.CompleteFrame{TotalChunks: p.TotalChunks}
}

// Encode returns the full frame sequence for payload: Start, Data(0..n-1), Complete.
// Data payloads are sub-slices of payload; callers must not mutate payload
// until the frames are sent.
func Encode(payload []byte, chunkSize int) ([]frames.Frame, error) {
	plan, err := NewPlan(len(payload), chunkSize)
	if err != nil {
		return nil, err
	}
	out := make([]frames.Frame, 0, plan.TotalChunks+2)
	out = append(out, plan.Start())
	for i := 0; i < plan.TotalChunks; i++ {
		start, end := plan.Bounds(i)
		out = append(out, frames.DataFrame{
			ChunkIndex: i,
			ChunkSize:  end - start,
			Payload:    payload[start:end],
		})
	}
	out = append(out, plan.Complete())
	return out, nil
}
