package turn

// Phase is the stage of a conversational turn.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseTranscribing
	PhaseGenerating
	PhaseSynthesizing
	PhaseTransmitting
)

// String returns the string representation of a Phase
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseTranscribing:
		return "TRANSCRIBING"
	case PhaseGenerating:
		return "GENERATING"
	case PhaseSynthesizing:
		return "SYNTHESIZING"
	case PhaseTransmitting:
		return "TRANSMITTING"
	default:
		return "UNKNOWN"
	}
}
