package chunking

import (
	"encoding/binary"
	"fmt"

	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

const (
	// LengthPrefixSize is the size of the data-frame header length prefix.
	LengthPrefixSize = 4
	// MaxHeaderSize keeps the top two prefix bytes zero, so a data message
	// always starts with 0x00 and never collides with a control header.
	MaxHeaderSize = 1<<16 - 1
)

// Codec converts frames to channel messages and back.
//
// Start, Complete and Abort travel as a single message holding only the header.
// Data travels as one binary message: uint32 big-endian header length, header, payload.
type Codec struct {
	headers HeaderCodec
}

// NewCodec returns a codec using h for headers. A nil h selects JSON.
func NewCodec(h HeaderCodec) *Codec {
	if h == nil {
		h = JSONHeaders{}
	}
	return &Codec{headers: h}
}

// Headers returns the header codec in use.
func (c *Codec) Headers() HeaderCodec { return c.headers }

// Marshal encodes f as one channel message.
func (c *Codec) Marshal(f frames.Frame) (transports.Message, error) {
	switch fr := f.(type) {
	case frames.StartFrame:
		return c.control(Header{
			Type:        frames.TypeStart,
			TotalSize:   intPtr(fr.TotalSize),
			TotalChunks: intPtr(fr.TotalChunks),
			ChunkSize:   intPtr(fr.ChunkSize),
		})
	case frames.CompleteFrame:
		return c.control(Header{
			Type:        frames.TypeComplete,
			TotalChunks: intPtr(fr.TotalChunks),
		})
	case frames.AbortFrame:
		return c.control(Header{
			Type:        frames.TypeAbort,
			TotalChunks: intPtr(fr.TotalChunks),
			ChunksSent:  intPtr(fr.ChunksSent),
			Reason:      fr.Reason,
		})
	case frames.DataFrame:
		return c.data(fr)
	default:
		return transports.Message{}, fmt.Errorf("chunking: cannot marshal frame %T", f)
	}
}

func (c *Codec) control(h Header) (transports.Message, error) {
	b, err := c.headers.Marshal(h)
	if err != nil {
		return transports.Message{}, fmt.Errorf("chunking: marshal %s header: %w", h.Type, err)
	}
	return transports.Message{Text: c.headers.Text(), Data: b}, nil
}

func (c *Codec) data(fr frames.DataFrame) (transports.Message, error) {
	if fr.ChunkSize != len(fr.Payload) {
		return transports.Message{}, fmt.Errorf("chunking: chunk %d declares %d bytes, has %d", fr.ChunkIndex, fr.ChunkSize, len(fr.Payload))
	}
	hb, err := c.headers.Marshal(Header{
		Type:       frames.TypeChunk,
		ChunkIndex: intPtr(fr.ChunkIndex),
		ChunkSize:  intPtr(fr.ChunkSize),
	})
	if err != nil {
		return transports.Message{}, fmt.Errorf("chunking: marshal chunk header: %w", err)
	}
	if len(hb) > MaxHeaderSize {
		return transports.Message{}, fmt.Errorf("chunking: chunk header %d bytes exceeds %d", len(hb), MaxHeaderSize)
	}
	buf := make([]byte, LengthPrefixSize+len(hb)+len(fr.Payload))
	binary.BigEndian.PutUint32(buf, uint32(len(hb)))
	n := copy(buf[LengthPrefixSize:], hb)
	copy(buf[LengthPrefixSize+n:], fr.Payload)
	return transports.Message{Data: buf}, nil
}

// IsDataMessage reports whether raw carries the binary data envelope.
func IsDataMessage(raw []byte) bool {
	return len(raw) >= LengthPrefixSize && raw[0] == 0x00
}

// Unmarshal decodes one message into a frame. DataFrame payloads alias raw.
//
// Errors are *FrameError and match ErrMalformedFrame.
func (c *Codec) Unmarshal(raw []byte) (frames.Frame, error) {
	if len(raw) == 0 {
		return nil, malformed(KindTruncated, nil, "empty message")
	}
	if raw[0] == 0x00 {
		return c.unmarshalData(raw)
	}
	var h Header
	if err := c.headers.Unmarshal(raw, &h); err != nil {
		return nil, malformed(KindDecode, err, "decode %s header", c.headers.Name())
	}
	switch h.Type {
	case frames.TypeStart:
		if err := require(h.Type, field{"total_size", h.TotalSize}, field{"total_chunks", h.TotalChunks}, field{"chunk_size", h.ChunkSize}); err != nil {
			return nil, err
		}
		return frames.StartFrame{TotalSize: *h.TotalSize, TotalChunks: *h.TotalChunks, ChunkSize: *h.ChunkSize}, nil
	case frames.TypeComplete:
		if err := require(h.Type, field{"total_chunks", h.TotalChunks}); err != nil {
			return nil, err
		}
		return frames.CompleteFrame{TotalChunks: *h.TotalChunks}, nil
	case frames.TypeAbort:
		fr := frames.AbortFrame{Reason: h.Reason}
		if h.TotalChunks != nil {
			fr.TotalChunks = *h.TotalChunks
		}
		if h.ChunksSent != nil {
			fr.ChunksSent = *h.ChunksSent
		}
		return fr, nil
	case frames.TypeChunk:
		return nil, malformed(KindInvalid, nil, "%s header outside binary envelope", h.Type)
	default:
		return nil, malformed(KindInvalid, nil, "unknown frame type %q", h.Type)
	}
}

func (c *Codec) unmarshalData(raw []byte) (frames.Frame, error) {
	if len(raw) < LengthPrefixSize {
		return nil, malformed(KindTruncated, nil, "message shorter than length prefix")
	}
	hl := binary.BigEndian.Uint32(raw[:LengthPrefixSize])
	if hl == 0 {
		return nil, malformed(KindInvalid, nil, "empty chunk header")
	}
	if hl > MaxHeaderSize {
		return nil, malformed(KindTooLarge, nil, "header length %d exceeds %d", hl, MaxHeaderSize)
	}
	end := LengthPrefixSize + int(hl)
	if end > len(raw) {
		return nil, malformed(KindTruncated, nil, "header length %d exceeds message of %d bytes", hl, len(raw))
	}
	var h Header
	if err := c.headers.Unmarshal(raw[LengthPrefixSize:end], &h); err != nil {
		return nil, malformed(KindDecode, err, "decode %s chunk header", c.headers.Name())
	}
	if h.Type != frames.TypeChunk {
		return nil, malformed(KindInvalid, nil, "binary envelope carries %q", h.Type)
	}
	if err := require(h.Type, field{"chunk_index", h.ChunkIndex}, field{"chunk_size", h.ChunkSize}); err != nil {
		return nil, err
	}
	payload := raw[end:]
	if *h.ChunkSize != len(payload) {
		return nil, malformed(KindInvalid, nil, "chunk %d declares %d bytes, carries %d", *h.ChunkIndex, *h.ChunkSize, len(payload))
	}
	return frames.DataFrame{ChunkIndex: *h.ChunkIndex, ChunkSize: *h.ChunkSize, Payload: payload}, nil
}

type field struct {
	name  string
	value *int
}

// require checks that each field is present and non-negative.
func require(t frames.Type, fields ...field) error {
	for _, f := range fields {
		if f.value == nil {
			return malformed(KindInvalid, nil, "%s header missing %s", t, f.name)
		}
		if *f.value < 0 {
			return malformed(KindInvalid, nil, "%s header has negative %s", t, f.name)
		}
	}
	return nil
}
