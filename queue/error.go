package queue

import (
	"strings"

	"github.com/teranos/stagee/errors"
)

// ErrorCode refines an internal error's classification.
type ErrorCode string

const (
	ErrorCodeNetworkError  ErrorCode = "network_error"
	ErrorCodeDatabaseError ErrorCode = "database_error"
	ErrorCodeTimeout       ErrorCode = "timeout"
	ErrorCodeUnavailable   ErrorCode = "unavailable"
	ErrorCodeDomain        ErrorCode = "domain"
	ErrorCodeUnknown       ErrorCode = "unknown"
)

// ErrorContext is the structured failure record kept with retries and dead letters.
type ErrorContext struct {
	Stage     string      `json:"stage"`
	Kind      errors.Kind `json:"kind"`
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
	Attempt   int         `json:"attempt,omitempty"`
}

// ClassifyError decides whether a failed attempt may be retried. Domain errors
// carry their own answer; unclassified errors are judged by message.
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{
		Stage:   stage,
		Kind:    errors.KindOf(err),
		Message: err.Error(),
	}

	switch ctx.Kind {
	case errors.KindResourceBusy, errors.KindLeaseLost:
		ctx.Code = ErrorCodeDomain
		ctx.Retryable = true
		return ctx
	case errors.KindValidation, errors.KindPermission, errors.KindUnauthorized,
		errors.KindApprovalInvalidated, errors.KindFSM, errors.KindStepFailure,
		errors.KindNotFound, errors.KindConflict:
		ctx.Code = ErrorCodeDomain
		return ctx
	case errors.KindTimeout:
		// The execution budget is spent; another attempt cannot finish in time.
		ctx.Code = ErrorCodeTimeout
		return ctx
	}

	errLower := strings.ToLower(ctx.Message)
	switch {
	case strings.Contains(errLower, "connection") || strings.Contains(errLower, "network") ||
		strings.Contains(errLower, "no such host") || strings.Contains(errLower, "eof"):
		ctx.Code = ErrorCodeNetworkError
		ctx.Retryable = true

	case strings.Contains(errLower, "unavailable") || strings.Contains(errLower, "bad gateway") ||
		strings.Contains(errLower, "returned 502") || strings.Contains(errLower, "returned 503") ||
		strings.Contains(errLower, "returned 504") || strings.Contains(errLower, "returned 429"):
		ctx.Code = ErrorCodeUnavailable
		ctx.Retryable = true

	case strings.Contains(errLower, "database is locked") || strings.Contains(errLower, "busy") ||
		strings.Contains(errLower, "sql"):
		ctx.Code = ErrorCodeDatabaseError
		ctx.Retryable = true

	case strings.Contains(errLower, "deadline exceeded") || strings.Contains(errLower, "timed out") ||
		strings.Contains(errLower, "timeout"):
		ctx.Code = ErrorCodeTimeout
		ctx.Retryable = true

	default:
		ctx.Code = ErrorCodeUnknown
		ctx.Retryable = true
	}
	return ctx
}
