package logger

import (
	"go.uber.org/zap"
)

// Standard field names for structured logging across jobsvc.
const (
	// Identity
	FieldJobID         = "job_id"
	FieldCorrelationID = "correlation_id"
	FieldScheduledID   = "scheduled_id"
	FieldReplicaID     = "replica_id"
	FieldRequestID     = "request_id"

	// Job state
	FieldStatus           = "status"
	FieldRetries          = "retries"
	FieldExecutionCounter = "execution_counter"
	FieldVersion          = "version"
	FieldDeadline         = "deadline"

	// Leadership
	FieldEpoch = "epoch"
	FieldToken = "token"

	// Operations
	FieldComponent  = "component"
	FieldOperation  = "operation"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Network
	FieldAddress = "address"
	FieldURL     = "url"
	FieldTopic   = "topic"

	FieldCount  = "count"
	FieldSymbol = "symbol" // subsystem symbol (꩜, ♛, ➶ ...)
)

// ComponentLogger returns a named child of the global logger.
//
// Example:
//
//	mgr := leader.NewManager(store, cfg, logger.ComponentLogger("leader"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// JobLogger returns a child logger carrying the job identity fields.
func JobLogger(parent *zap.SugaredLogger, jobID, correlationID string) *zap.SugaredLogger {
	if correlationID == "" || correlationID == jobID {
		return parent.With(FieldJobID, jobID)
	}
	return parent.With(FieldJobID, jobID, FieldCorrelationID, correlationID)
}
