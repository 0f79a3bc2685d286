package chunking

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/harunnryd/voxrelay/pkg/frames"
)

// Header is the structured header carried by every frame.
// Pointer fields distinguish "absent" from zero so required fields can be enforced.
type Header struct {
	Type        frames.Type `json:"type" msgpack:"type"`
	TotalSize   *int        `json:"total_size,omitempty" msgpack:"total_size,omitempty"`
	TotalChunks *int        `json:"total_chunks,omitempty" msgpack:"total_chunks,omitempty"`
	ChunkSize   *int        `json:"chunk_size,omitempty" msgpack:"chunk_size,omitempty"`
	ChunkIndex  *int        `json:"chunk_index,omitempty" msgpack:"chunk_index,omitempty"`
	ChunksSent  *int        `json:"chunks_sent,omitempty" msgpack:"chunks_sent,omitempty"`
	Reason      string      `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// HeaderCodec serializes frame headers. Both peers must use the same codec.
type HeaderCodec interface {
	Name() string
	// Text reports whether control frames encoded by this codec are sent as text messages.
	Text() bool
	Marshal(h Header) ([]byte, error)
	Unmarshal(b []byte, h *Header) error
}

const (
	HeaderJSON    = "json"
	HeaderMsgpack = "msgpack"
)

// NewHeaderCodec returns the codec registered under name. Empty selects JSON.
func NewHeaderCodec(name string) (HeaderCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HeaderJSON:
		return JSONHeaders{}, nil
	case HeaderMsgpack:
		return MsgpackHeaders{}, nil
	default:
		return nil, fmt.Errorf("chunking: unknown header encoding %q", name)
	}
}

// JSONHeaders encodes headers as compact JSON objects.
type JSONHeaders struct{}

func (JSONHeaders) Name() string { return HeaderJSON }
func (JSONHeaders) Text() bool   { return true }

func (JSONHeaders) Marshal(h Header) ([]byte, error) { return json.Marshal(h) }

func (JSONHeaders) Unmarshal(b []byte, h *Header) error { return json.Unmarshal(b, h) }

// MsgpackHeaders encodes headers as msgpack maps.
type MsgpackHeaders struct{}

func (MsgpackHeaders) Name() string { return HeaderMsgpack }
func (MsgpackHeaders) Text() bool   { return false }

func (MsgpackHeaders) Marshal(h Header) ([]byte, error) { return msgpack.Marshal(&h) }

func (MsgpackHeaders) Unmarshal(b []byte, h *Header) error { return msgpack.Unmarshal(b, h) }

func intPtr(v int) *int { return &v }
