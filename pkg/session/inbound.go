package session

import (
	"errors"

	"github.com/harunnryd/voxrelay/pkg/chunking"
	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/frames"
	"github.com/harunnryd/voxrelay/pkg/metrics"
	"github.com/harunnryd/voxrelay/pkg/reassembly"
	"github.com/harunnryd/voxrelay/pkg/transports"
)

// classify turns an inbound message into a complete utterance.
//
// A binary message is a whole utterance unless it belongs to a chunked
// upload: a Start frame opens one, and while it is open every binary message
// is a data frame. After a failed upload only decodable chunks are absorbed. Text messages are only meaningful as control frames.
// ready is false while an upload is still being assembled.
func (s *PeerSession) classify(msg transports.Message) (audio []byte, ready bool, err error) {
	state := s.inbound.State()

	if msg.Text {
		f, err := s.deps.Codec.Unmarshal(msg.Data)
		if err != nil {
			s.log.Debug("message_ignored", "reason", "not_audio", "bytes", len(msg.Data))
			return nil, false, ErrNotAudio
		}
		return s.feedInbound(f)
	}

	switch state {
	case reassembly.StateExpectingChunks:
		payload, done, err := s.inbound.FeedRaw(msg.Data)
		if err != nil {
			s.inboundFailed(err)
			return nil, false, err
		}
		return payload, done, nil
	case reassembly.StateError:
		// Only a decodable chunk belongs to the failed upload. MP4 and other
		// containers also open with 0x00 and are still whole utterances.
		if chunking.IsDataMessage(msg.Data) {
			if f, err := s.deps.Codec.Unmarshal(msg.Data); err == nil {
				if _, isData := f.(frames.DataFrame); isData {
					return nil, false, reassembly.ErrInErrorState
				}
			}
		}
	}

	if !s.deps.Codec.Headers().Text() && !chunking.IsDataMessage(msg.Data) {
		if f, err := s.deps.Codec.Unmarshal(msg.Data); err == nil {
			if _, isStart := f.(frames.StartFrame); isStart {
				return s.feedInbound(f)
			}
		}
	}
	return msg.Data, true, nil
}

func (s *PeerSession) feedInbound(f frames.Frame) ([]byte, bool, error) {
	payload, done, err := s.inbound.Feed(f)
	if err != nil {
		s.inboundFailed(err)
		return nil, false, err
	}
	return payload, done, nil
}

func (s *PeerSession) inboundFailed(err error) {
	if errors.Is(err, reassembly.ErrInErrorState) {
		return
	}
	if errors.Is(err, reassembly.ErrTransmissionAborted) {
		s.log.Info("upload_aborted", "error", err)
		return
	}
	reason := errorsx.Reason(err)
	metrics.Record(s.deps.Observer, metrics.EventReassemblyError, 1, s.tags(map[string]string{
		frames.MetaReason: string(reason),
	}), nil)
	s.log.Warn("reassembly_error", "reason_code", reason, "error", err)
}

func (s *PeerSession) onInboundState(ev reassembly.StateChange) {
	s.log.Debug("upload_state", "from", ev.From.String(), "to", ev.To.String(), "reason", ev.Reason)
}
