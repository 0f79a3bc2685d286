package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Framing. Local to one channel.
	ReasonMalformedFrame  ReasonCode = "malformed_frame"
	ReasonOutOfOrderChunk ReasonCode = "out_of_order_chunk"
	ReasonSizeMismatch    ReasonCode = "size_mismatch"
	ReasonUnexpectedFrame ReasonCode = "unexpected_frame"
	ReasonAborted         ReasonCode = "transmission_aborted"

	// Turn. Local to one turn.
	ReasonTranscriptionFailed ReasonCode = "transcription_failed"
	ReasonGenerationFailed    ReasonCode = "generation_failed"
	ReasonSynthesisFailed     ReasonCode = "synthesis_failed"
	ReasonChannelSendFailed   ReasonCode = "channel_send_failed"

	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTransportSend ReasonCode = "transport_send"
)
