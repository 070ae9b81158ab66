package contextkey

// Key types the context values set by this module.
type Key string

const (
	TraceID   Key = "trace_id"
	RequestID Key = "request_id"
	SessionID Key = "session_id"
)
