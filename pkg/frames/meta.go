package frames

// Tag keys shared by transports, sessions and observers.
const (
	MetaSessionID = "session_id"
	MetaTraceID   = "trace_id"
	MetaChannelID = "channel_id"
	MetaComponent = "component"
	MetaTransport = "transport"
	MetaReason    = "reason_code"
)

// Tags builds an observer tag set for a session.
func Tags(sessionID, traceID string, extra map[string]string) map[string]string {
	out := make(map[string]string, 2+len(extra))
	if sessionID != "" {
		out[MetaSessionID] = sessionID
	}
	if traceID != "" {
		out[MetaTraceID] = traceID
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// CloneTags copies a tag set.
func CloneTags(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
