package frames

import (
	"strconv"
	"sync"
)

// Type discriminates the wire frames of the chunked audio transfer.
type Type string

const (
	TypeStart    Type = "audio_start"
	TypeChunk    Type = "audio_chunk"
	TypeComplete Type = "audio_complete"
	TypeAbort    Type = "audio_abort"
)

// Valid reports whether t names a known frame type.
func (t Type) Valid() bool {
	switch t {
	case TypeStart, TypeChunk, TypeComplete, TypeAbort:
		return true
	default:
		return false
	}
}

// Frame is one unit of a chunked transmission.
// A well-formed transmission is Start, Data(0..n-1), Complete.
type Frame interface {
	Type() Type
	String() string
}

// StartFrame opens a transmission and declares its plan.
type StartFrame struct {
	TotalSize   int
	TotalChunks int
	ChunkSize   int
}

func (StartFrame) Type() Type { return TypeStart }

func (f StartFrame) String() string {
	return "Start(" + strconv.Itoa(f.TotalSize) + "," + strconv.Itoa(f.TotalChunks) + "," + strconv.Itoa(f.ChunkSize) + ")"
}

// DataFrame carries one chunk. ChunkSize is the declared length of Payload.
type DataFrame struct {
	ChunkIndex int
	ChunkSize  int
	Payload    []byte
}

func (DataFrame) Type() Type { return TypeChunk }

func (f DataFrame) String() string {
	return "Data(" + strconv.Itoa(f.ChunkIndex) + "," + strconv.Itoa(f.ChunkSize) + ")"
}

// CompleteFrame closes a transmission.
type CompleteFrame struct {
	TotalChunks int
}

func (CompleteFrame) Type() Type { return TypeComplete }

func (f CompleteFrame) String() string {
	return "Complete(" + strconv.Itoa(f.TotalChunks) + ")"
}

// AbortFrame tells the receiver that the sender gave up mid-transmission
// and the partial buffer must be discarded.
type AbortFrame struct {
	TotalChunks int
	ChunksSent  int
	Reason      string
}

func (AbortFrame) Type() Type { return TypeAbort }

func (f AbortFrame) String() string {
	return "Abort(" + strconv.Itoa(f.ChunksSent) + "/" + strconv.Itoa(f.TotalChunks) + ")"
}

var chunkBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 16384)
	},
}

// AcquireChunkBuf returns a buffer of len size, reusing pooled memory when it fits.
func AcquireChunkBuf(size int) []byte {
	b := chunkBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

// ReleaseChunkBuf returns b to the pool. b must not be used afterwards.
func ReleaseChunkBuf(b []byte) {
	if b == nil {
		return
	}
	chunkBufPool.Put(b[:0])
}
