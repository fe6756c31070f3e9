package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across stagee.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldExecutionID = "execution_id"
	FieldTenantID    = "tenant_id"
	FieldActorID     = "actor_id"
	FieldRequestID   = "request_id"
	FieldApprovalID  = "approval_id"

	// Background processing
	FieldWorkerID = "worker_id"
	FieldEntryID  = "entry_id"
	FieldAttempt  = "attempt"
	FieldHandler  = "handler"

	// Execution details
	FieldStatus     = "status"
	FieldFrom       = "from"
	FieldEvent      = "event"
	FieldStepIndex  = "step_index"
	FieldStepKind   = "step_kind"
	FieldTarget     = "target"
	FieldLockKey    = "lock_key"
	FieldPlanHash   = "plan_hash"
	FieldMode       = "mode"
	FieldErrorKind  = "error_kind"
	FieldDurationMS = "duration_ms"

	// Components
	FieldComponent = "component"

	// Errors
	FieldError = "error"

	// Network
	FieldAddress = "address"
	FieldMethod  = "method"
	FieldPath    = "path"
)

// Context keys for propagating logging context
type contextKey string

const (
	executionIDKey contextKey = "logger_execution_id"
	requestIDKey   contextKey = "logger_request_id"
)

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	pool := queue.NewWorkerPool(q, registry, cfg, logger.ComponentLogger("queue.worker"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
