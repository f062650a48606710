package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Standard tracing fields, propagated through the call chain.
const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldJobID is the extraction job ID
	FieldJobID = "job_id"

	// FieldExecuteID is the external executor's execution token
	FieldExecuteID = "execute_id"

	// FieldOwnerID is the job owner's user identity
	FieldOwnerID = "owner_id"

	// FieldStrategy is the active result-acquisition strategy
	FieldStrategy = "strategy"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// Standard metric fields, attached at emit time.
const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldAttempt is a retry/poll attempt counter
	FieldAttempt = "attempt"

	// FieldStatus is the operation or HTTP status
	FieldStatus = "status"
)
