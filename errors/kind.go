package errors

import (
	"fmt"
)

// Kind is the stable, persisted name of an error category. It is written to
// executions.error_kind and returned to API callers.
type Kind string

const (
	KindNone                Kind = ""
	KindValidation          Kind = "validation"
	KindPermission          Kind = "permission"
	KindResourceBusy        Kind = "resource_busy"
	KindApprovalInvalidated Kind = "approval_invalidated"
	KindFSM                 Kind = "fsm"
	KindTimeout             Kind = "timeout"
	KindStepFailure         Kind = "step_failure"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUnauthorized        Kind = "unauthorized"
	KindLeaseLost           Kind = "lease_lost"
	KindDeadLettered        Kind = "dead_lettered"
	KindInternal            Kind = "internal"
)

var kindSentinels = []struct {
	kind     Kind
	sentinel error
}{
	{KindValidation, ErrValidation},
	{KindPermission, ErrPermission},
	{KindResourceBusy, ErrResourceBusy},
	{KindApprovalInvalidated, ErrApprovalInvalidated},
	{KindFSM, ErrFSM},
	{KindTimeout, ErrTimeout},
	{KindStepFailure, ErrStepFailed},
	{KindNotFound, ErrNotFound},
	{KindConflict, ErrConflict},
	{KindUnauthorized, ErrUnauthorized},
	{KindLeaseLost, ErrLeaseLost},
}

// KindOf returns the domain kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, ks := range kindSentinels {
		if Is(err, ks.sentinel) {
			return ks.kind
		}
	}
	return KindInternal
}

// NewValidationError reports a malformed plan or request.
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// NewPermissionError reports an authorization gate failure for actor.
func NewPermissionError(actorID, reason string) error {
	err := Newf("actor %s: %s", actorID, reason)
	return Mark(err, ErrPermission)
}

// NewResourceBusyError reports that key is held by another owner.
func NewResourceBusyError(key, holder string) error {
	err := WithDetailf(Newf("lock %s is held", key), "holder: %s", holder)
	return Mark(err, ErrResourceBusy)
}

// NewApprovalInvalidatedError reports that the plan hash no longer matches the
// hash an approval was bound to. reRequestID names the replacement approval, if any.
func NewApprovalInvalidatedError(approvalID, boundHash, currentHash, reRequestID string) error {
	err := Newf("approval %s was bound to plan %s, current plan is %s", approvalID, short(boundHash), short(currentHash))
	if reRequestID != "" {
		err = WithDetailf(err, "re-requested approval: %s", reRequestID)
	}
	return Mark(err, ErrApprovalInvalidated)
}

// NewFSMError reports an illegal or lost transition.
func NewFSMError(executionID, from, event string) error {
	err := Newf("execution %s: event %q is not allowed from state %q", executionID, event, from)
	return Mark(err, ErrFSM)
}

// NewStepError wraps a runner failure for the step at index.
func NewStepError(index int, name string, cause error) error {
	return Mark(Wrapf(cause, "step %d (%s)", index, name), ErrStepFailed)
}

// NewTimeoutError reports that budget was exceeded.
func NewTimeoutError(what string, budget fmt.Stringer) error {
	return Mark(Newf("%s exceeded %s", what, budget), ErrTimeout)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
