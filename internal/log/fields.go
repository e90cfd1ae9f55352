package log

import "time"

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldUserID     = "user_id"
	FieldKind       = "kind"
	FieldLocalID    = "local_id"
	FieldRemoteID   = "remote_id"
	FieldSyncState  = "sync_state"
	FieldAttempt    = "attempt"
	FieldRetryAt    = "retry_at"
	FieldDuration   = "duration_ms"
	FieldStatusCode = "status_code"
	FieldRequestID  = "request_id"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldSuccess    = "success"
	FieldError      = "error"
	FieldErrorType  = "error_type"
	FieldOperation  = "operation"
	FieldReason     = "reason"
	FieldSynced     = "synced"
	FieldFailed     = "failed"
	FieldConflicted = "conflicted"
	FieldSkipped    = "skipped"
	FieldDeleted    = "deleted"
	FieldBytes      = "bytes"
	FieldConfidence = "confidence"
)

// Components defines standard component names
const (
	ComponentApp     = "app"
	ComponentStore   = "store"
	ComponentSync    = "sync"
	ComponentIngest  = "ingest"
	ComponentRemote  = "remote"
	ComponentSession = "session"
	ComponentAMQP    = "amqp"
	ComponentWorker  = "worker"
	ComponentCache   = "cache"
	ComponentMetrics = "metrics"
)

// Operations defines standard operation names
const (
	OpDelete   = "delete"
	OpPush     = "push"
	OpPull     = "pull"
	OpSync     = "sync"
	OpIngest   = "ingest"
	OpPromote  = "promote"
	OpOCR      = "ocr"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation    = "validation_error"
	ErrorTypeConfiguration = "configuration_error"
	ErrorTypeDatabase      = "database_error"
	ErrorTypeNetwork       = "network_error"
	ErrorTypeAuth          = "auth_error"
	ErrorTypeConflict      = "conflict_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithUser adds the signed-in user id
func (f LogFields) WithUser(userID string) LogFields {
	f[FieldUserID] = userID
	return f
}

// WithEntity adds the kind and identifiers of a synchronizable record
func (f LogFields) WithEntity(kind, localID, remoteID string) LogFields {
	f[FieldKind] = kind
	f[FieldLocalID] = localID
	if remoteID != "" {
		f[FieldRemoteID] = remoteID
	}
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithErrorType adds the error category
func (f LogFields) WithErrorType(errorType string) LogFields {
	f[FieldErrorType] = errorType
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithDuration adds the elapsed time in milliseconds
func (f LogFields) WithDuration(d time.Duration) LogFields {
	f[FieldDuration] = d.Milliseconds()
	return f
}

// WithHTTP adds outbound request fields
func (f LogFields) WithHTTP(method, path string, statusCode int) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	if statusCode > 0 {
		f[FieldStatusCode] = statusCode
		f[FieldSuccess] = statusCode < 400
	}
	return f
}

// WithSyncCounts adds the aggregate outcome of a sync pass
func (f LogFields) WithSyncCounts(synced, failed, conflicted, skipped, deleted int) LogFields {
	f[FieldSynced] = synced
	f[FieldFailed] = failed
	f[FieldConflicted] = conflicted
	f[FieldSkipped] = skipped
	f[FieldDeleted] = deleted
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
