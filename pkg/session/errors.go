package session

import (
	"errors"
	"fmt"

	"github.com/harunnryd/voxrelay/pkg/errorsx"
	"github.com/harunnryd/voxrelay/pkg/resilience"
)

var (
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrSynthesisFailed     = errors.New("synthesis failed")

	// ErrTurnInFlight rejects an utterance that arrives while a turn is running.
	ErrTurnInFlight = errors.New("turn already in flight")
	ErrNotAudio     = errors.New("message is not audio")
	ErrTooLarge     = errors.New("utterance exceeds inbound limit")
	ErrClosed       = errors.New("session closed")
)

// Turn steps recorded on failures.
const (
	opTranscribe = "transcribe"
	opGenerate   = "generate"
	opSynthesize = "synthesize"
)

// serviceError wraps a service failure with its turn-level sentinel, a reason
// code and the step that failed. Rate limits keep the provider-specific reason.
func serviceError(op string, sentinel error, reason, rateLimited errorsx.ReasonCode, cause error) error {
	err := fmt.Errorf("%w: %w", sentinel, cause)
	if resilience.IsRateLimit(cause) {
		return errorsx.WrapOp(err, rateLimited, op)
	}
	return errorsx.WrapOp(err, reason, op)
}
