package metrics

// Event names emitted by the relay.
const (
	EventTransmissionStarted   = "transmission_started"
	EventChunkSent             = "chunk_sent"
	EventTransmissionCompleted = "transmission_completed"
	EventTransmissionAborted   = "transmission_aborted"

	EventReassemblyError = "reassembly_error"

	EventTurnStarted   = "turn_started"
	EventTurnCompleted = "turn_completed"
	EventTurnFailed    = "turn_failed"
	EventTurnRejected  = "turn_rejected"
	EventTurnPhase     = "turn_phase"

	EventSessionOpened = "session_opened"
	EventSessionClosed = "session_closed"

	EventBreakerOpen   = "breaker_open"
	EventBreakerDenied = "breaker_denied"
	EventBreakerClosed = "breaker_closed"
)
