package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error   string      `json:"error"`
	Kind    errors.Kind `json:"kind,omitempty"`
	Details []string    `json:"details,omitempty"`
	// ApprovalID names the replacement approval after an invalidation.
	ApprovalID  string `json:"approval_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errors.Kind) int {
	switch kind {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindUnauthorized:
		return http.StatusUnauthorized
	case errors.KindPermission:
		return http.StatusForbidden
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindResourceBusy, errors.KindFSM, errors.KindConflict:
		return http.StatusConflict
	case errors.KindApprovalInvalidated:
		return http.StatusPreconditionFailed
	case errors.KindStepFailure, errors.KindDeadLettered:
		return http.StatusUnprocessableEntity
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	case errors.KindLeaseLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// reRequestPrefix matches the detail attached to approval invalidations.
const reRequestPrefix = "re-requested approval: "

// newErrorResponse builds the body for err. Internal errors are not echoed
// to the caller.
func newErrorResponse(err error) (int, errorResponse) {
	kind := errors.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		return status, errorResponse{Error: "internal error", Kind: errors.KindInternal}
	}
	resp := errorResponse{Error: err.Error(), Kind: kind}
	for _, d := range errors.GetAllDetails(err) {
		if id, ok := strings.CutPrefix(d, reRequestPrefix); ok {
			resp.ApprovalID = id
		}
		resp.Details = append(resp.Details, d)
	}
	return status, resp
}

// writeDomainError writes err with the status its kind maps to.
func writeDomainError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status, resp := newErrorResponse(err)
	if status == http.StatusInternalServerError {
		log.Errorw("Request failed", logger.FieldError, err)
	}
	_ = writeJSON(w, status, resp)
}
