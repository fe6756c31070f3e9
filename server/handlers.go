package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/db"
	"github.com/teranos/stagee/engine"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/plan"
	"github.com/teranos/stagee/version"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SubmitRequest is the body of POST /api/executions.
type SubmitRequest struct {
	Plan           json.RawMessage `json:"plan"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SubmitResponse describes the execution a submission maps to.
type SubmitResponse struct {
	ExecutionID string               `json:"execution_id"`
	Status      execution.Status     `json:"status"`
	ApprovalID  string               `json:"approval_id,omitempty"`
	Created     bool                 `json:"created"`
	Execution   *execution.Execution `json:"execution"`
}

// AmendRequest is the body of PUT /api/executions/{id}/plan.
type AmendRequest struct {
	Plan json.RawMessage `json:"plan"`
}

// CancelRequest is the body of POST /api/executions/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecisionRequest is the body of an approve or reject call.
type DecisionRequest struct {
	RunbookRef string `json:"runbook_ref,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// DecisionResponse carries the decided approval and its execution.
type DecisionResponse struct {
	Approval  *approval.Approval   `json:"approval"`
	Execution *execution.Execution `json:"execution"`
}

// HandleHealth reports liveness and store health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	resp := map[string]interface{}{
		"status":  "ok",
		"version": info.Version,
		"commit":  info.ShortCommit(),
		"schema":  db.SchemaVersion(),
		"state":   stateString(s.getState()),
	}
	status := http.StatusOK
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warnw("Health check failed", logger.FieldError, err)
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.getState() != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	_ = writeJSON(w, status, resp)
}

// HandleSubmit records a plan. A new execution answers 201, a repeated
// idempotency key answers 200 with the recorded execution.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Plan) == 0 {
		writeDomainError(w, s.logger, errors.NewValidationError("plan is required"))
		return
	}
	p, err := plan.Decode(req.Plan)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	res, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		Plan:           p,
		IdempotencyKey: key,
		Actor:          actorFrom(r.Context()),
	})
	if err != nil {
		s.writeExecutionError(w, res, err)
		return
	}

	resp := SubmitResponse{
		ExecutionID: res.Execution.ID,
		Status:      res.Execution.Status,
		Created:     res.Created,
		Execution:   res.Execution,
	}
	if res.Approval != nil {
		resp.ApprovalID = res.Approval.ID
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	_ = writeJSON(w, status, resp)
}

// writeExecutionError reports err and, when the submission was recorded,
// the execution it concerns.
func (s *Server) writeExecutionError(w http.ResponseWriter, res *engine.SubmitResult, err error) {
	status, resp := newErrorResponse(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed", logger.FieldError, err)
	}
	if res != nil && res.Execution != nil {
		resp.ExecutionID = res.Execution.ID
	}
	_ = writeJSON(w, status, resp)
}

// HandleListExecutions lists the caller's tenant executions, newest first.
func (s *Server) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeDomainError(w, s.logger, errors.NewValidationError("%v", err))
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	list, err := s.engine.List(r.Context(), actorFrom(r.Context()), execution.Status(r.URL.Query().Get("status")), int(limit))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"executions": list, "count": len(list)})
}

// HandleGetExecution returns an execution with its steps and approvals.
func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Get(r.Context(), r.PathValue("id"), actorFrom(r.Context()))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, view)
}

// HandleStart dispatches an approved execution. Immediate executions answer
// 200 with their terminal record, background ones 202 once enqueued.
func (s *Server) HandleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ex, err := s.engine.Start(r.Context(), id, actorFrom(r.Context()))
	if err != nil {
		status, resp := newErrorResponse(err)
		if status == http.StatusInternalServerError {
			s.logger.Errorw("Start failed", logger.FieldExecutionID, id, logger.FieldError, err)
		}
		resp.ExecutionID = id
		_ = writeJSON(w, status, resp)
		return
	}
	status := http.StatusOK
	if !ex.Status.Terminal() {
		status = http.StatusAccepted
	}
	_ = writeJSON(w, status, ex)
}

// HandleAmendPlan replaces the plan of a pending or approved execution.
func (s *Server) HandleAmendPlan(w http.ResponseWriter, r *http.Request) {
	var req AmendRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Plan) == 0 {
		writeDomainError(w, s.logger, errors.NewValidationError("plan is required"))
		return
	}
	p, err := plan.Decode(req.Plan)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	ex, err := s.engine.AmendPlan(r.Context(), r.PathValue("id"), p, actorFrom(r.Context()))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, ex)
}

// HandleCancel requests cancellation. Running executions stop at their next
// step boundary, so the response may still show them running.
func (s *Server) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	ex, err := s.engine.Cancel(r.Context(), r.PathValue("id"), actorFrom(r.Context()), req.Reason)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	status := http.StatusOK
	if !ex.Status.Terminal() {
		status = http.StatusAccepted
	}
	_ = writeJSON(w, status, ex)
}

// HandleApprove records an approval decision.
func (s *Server) HandleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.engine.Approve)
}

// HandleReject records a rejection.
func (s *Server) HandleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.engine.Reject)
}

type decideFunc func(ctx context.Context, approvalID string, d approval.Decision) (*approval.Approval, *execution.Execution, error)

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, decide decideFunc) {
	var req DecisionRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	actor := actorFrom(r.Context())
	a, ex, err := decide(r.Context(), r.PathValue("id"), approval.Decision{
		Principal:  actor.ID,
		TenantID:   actor.TenantID,
		AuthMethod: actor.AuthMethod,
		SourceIP:   sourceIP(r),
		RunbookRef: req.RunbookRef,
		Reason:     req.Reason,
	})
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, DecisionResponse{Approval: a, Execution: ex})
}

// sourceIP is the client address without the port.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleListDLQ lists the tenant's dead letters.
func (s *Server) HandleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeDomainError(w, s.logger, errors.NewValidationError("%v", err))
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	includeRedriven := r.URL.Query().Get("include_redriven") == "true"
	dead, err := s.engine.ListDLQ(r.Context(), actorFrom(r.Context()), int(limit), includeRedriven)
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]interface{}{"entries": dead, "count": len(dead)})
}

// HandleRedrive puts a dead letter back on the queue.
func (s *Server) HandleRedrive(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Redrive(r.Context(), r.PathValue("id"), actorFrom(r.Context()))
	if err != nil {
		writeDomainError(w, s.logger, err)
		return
	}
	_ = writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"entry_id":     entry.ID,
		"execution_id": entry.ExecutionID,
		"redriven_at":  time.Now().UTC(),
	})
}
