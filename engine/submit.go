package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/plan"
	"github.com/teranos/stagee/policy"
	"github.com/teranos/stagee/queue"
)

// SubmitRequest is one submission of a plan.
type SubmitRequest struct {
	Plan *plan.Plan
	// IdempotencyKey defaults to a digest of tenant, actor and plan hash.
	IdempotencyKey string
	Actor          *authz.Actor
}

// SubmitResult describes the execution a submission maps to.
type SubmitResult struct {
	Execution *execution.Execution
	// Created is false when the key was already recorded; Execution is then
	// the existing one.
	Created bool
	// Approval is the pending plan approval, when one is required.
	Approval *approval.Approval
}

// classification is everything derived from a plan before it is recorded.
type classification struct {
	level    int
	estimate time.Duration
	sla      plan.SLAClass
	policy   policy.Policy
	mode     execution.Mode
}

func (e *Engine) classify(p *plan.Plan) classification {
	c := classification{
		level:    approval.LevelFor(p),
		estimate: e.Estimate(p),
		sla:      p.SLAClass,
	}
	if c.sla == "" {
		c.sla = policy.ClassifyEstimate(c.estimate)
	}
	c.policy = e.policies.Resolve(c.sla, p.ActionClass())
	c.mode = execution.ModeBackground
	if c.estimate < e.cfg.ImmediateThreshold && c.level < approval.LevelStepByStep && c.sla != plan.SLALong {
		c.mode = execution.ModeImmediate
	}
	return c
}

// Estimate predicts the run time of p: per target, the sum of each step's
// wait, observed p95, or the default estimate.
func (e *Engine) Estimate(p *plan.Plan) time.Duration {
	var perTarget time.Duration
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Kind == plan.StepWait && s.Wait != nil {
			perTarget += s.Wait.Duration()
			continue
		}
		if p95, ok := e.tracker.P95(policy.TrackerKey(p.Action, string(s.Kind))); ok {
			perTarget += p95
		} else {
			perTarget += e.cfg.DefaultStepEstimate
		}
	}
	targets := len(p.Targets)
	if targets == 0 {
		targets = 1
	}
	return perTarget * time.Duration(targets)
}

// Submit records req.Plan under the actor's tenant and idempotency key.
//
// A repeated key returns the recorded execution without side effects. A new
// execution passes the intake gate; a denial rejects it and returns a
// permission error alongside the result. Plans that need no approval are
// approved and dispatched at once, so an immediate plan comes back terminal.
// Everything else waits for an approval decision and a start.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Actor == nil {
		return nil, errors.NewUnauthorizedError("submission has no actor")
	}
	if req.Plan == nil {
		return nil, errors.NewValidationError("plan is required")
	}
	p := req.Plan
	if err := p.Validate(); err != nil {
		return nil, err
	}
	hash, snapshot, err := plan.Hash(p)
	if err != nil {
		return nil, err
	}

	tenantID := req.Actor.TenantID
	key := req.IdempotencyKey
	if key == "" {
		key = plan.IdempotencyMaterial(tenantID, req.Actor.ID, hash)
	}

	c := e.classify(p)
	now := time.Now().UTC()
	ex := &execution.Execution{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		IdempotencyKey:   key,
		ActorID:          req.Actor.ID,
		PlanSnapshot:     snapshot,
		PlanHash:         hash,
		Action:           p.Action,
		ActionClass:      p.ActionClass(),
		Mode:             c.mode,
		SLAClass:         c.sla,
		TimeoutPolicyID:  c.policy.ID,
		ApprovalLevel:    c.level,
		Status:           execution.StatusPending,
		CreatedAt:        now,
		LastTransitionAt: now,
		LastTransitionBy: req.Actor.ID,
	}

	got, created, err := e.ledger.Submit(ctx, ex, execution.StepsFor(ex.ID, p))
	if err != nil {
		return nil, err
	}
	e.metrics.SubmissionsTotal.WithLabelValues(string(got.Mode), strconv.FormatBool(created)).Inc()
	res := &SubmitResult{Execution: got, Created: created}

	if !created {
		if a, err := e.approvals.Current(ctx, got.ID, nil); err == nil && a.Status == approval.StatusPending {
			res.Approval = a
		}
		return res, nil
	}

	e.logger.Infow("Execution submitted",
		logger.FieldExecutionID, got.ID,
		logger.FieldTenantID, got.TenantID,
		logger.FieldActorID, got.ActorID,
		logger.FieldPlanHash, got.PlanHash,
		logger.FieldMode, got.Mode,
		"approval_level", got.ApprovalLevel,
		"estimate", c.estimate,
	)

	if err := e.gate.Check(ctx, authz.StageIntake, req.Actor, p, got.ID); err != nil {
		res.Execution = e.denied(ctx, got, authz.StageIntake, err)
		return res, err
	}

	if got.ApprovalLevel == approval.LevelAuto {
		approved, err := e.store.Fire(ctx, got.ID, execution.TriggerApprove, AutoApprover, execution.FireOptions{
			Payload: map[string]interface{}{"reason": "no approval required"},
		})
		if err != nil {
			return res, err
		}
		res.Execution = approved
		dispatched, err := e.dispatch(ctx, approved)
		if dispatched != nil {
			res.Execution = dispatched
		}
		return res, err
	}

	a, err := e.approvals.Request(ctx, got, nil, req.Actor.ID)
	if err != nil {
		return res, err
	}
	res.Approval = a
	return res, nil
}

// denied rejects ex after an authorization failure and returns the latest
// record. Errors other than permission denials leave ex untouched.
func (e *Engine) denied(ctx context.Context, ex *execution.Execution, stage authz.Stage, cause error) *execution.Execution {
	if errors.KindOf(cause) != errors.KindPermission {
		return ex
	}
	e.metrics.RBACViolationsTotal.WithLabelValues(string(stage)).Inc()
	rejected, err := e.store.Fire(context.WithoutCancel(ctx), ex.ID, execution.TriggerReject, SystemActor, execution.FireOptions{
		ErrorKind:    errors.KindPermission,
		ErrorMessage: cause.Error(),
		Payload:      map[string]interface{}{"stage": stage},
	})
	if err != nil {
		e.logger.Warnw("Failed to reject unauthorized execution", logger.FieldExecutionID, ex.ID, logger.FieldError, err)
		return ex
	}
	e.finished(rejected)
	return rejected
}

// dispatch hands an approved execution to its mode. Immediate runs are not
// tied to the caller's context: a dropped request must not strand a running
// execution.
func (e *Engine) dispatch(ctx context.Context, ex *execution.Execution) (*execution.Execution, error) {
	if ex.Mode == execution.ModeImmediate {
		return e.drive(context.WithoutCancel(ctx), ex.ID, runOptions{workerID: inlineWorker})
	}
	return e.enqueue(ctx, ex)
}

func (e *Engine) enqueue(ctx context.Context, ex *execution.Execution) (*execution.Execution, error) {
	if e.queue == nil {
		return ex, errors.Newf("execution %s runs in the background but no queue is configured", ex.ID)
	}
	pol := e.policyFor(ex)
	p, err := ex.Plan()
	if err != nil {
		return ex, err
	}
	keys := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		keys = append(keys, policy.TrackerKey(ex.Action, string(s.Kind)))
	}
	lease := policy.LeaseDuration(pol, e.cfg.LeaseSafetyBuffer, e.tracker.MaxP95(keys...))

	entry, err := e.queue.Enqueue(ctx, queue.EnqueueRequest{
		ExecutionID:      ex.ID,
		TenantID:         ex.TenantID,
		Handler:          HandlerName,
		Priority:         priorityFor(ex.SLAClass),
		MaxAttempts:      pol.MaxAttempts,
		Lease:            lease,
		MaxLeaseRenewals: pol.MaxLeaseRenewals,
	})
	if err != nil {
		return ex, err
	}
	if _, err := e.store.Append(ctx, ex.ID, execution.EventEnqueued, map[string]interface{}{
		"entry_id":           entry.ID,
		"lease_ms":           lease.Milliseconds(),
		"max_attempts":       pol.MaxAttempts,
		"max_lease_renewals": pol.MaxLeaseRenewals,
	}); err != nil {
		return ex, err
	}
	e.logger.Infow("Execution enqueued",
		logger.FieldExecutionID, ex.ID,
		logger.FieldEntryID, entry.ID,
		"lease", lease,
	)
	return ex, nil
}

// policyFor returns the timeout policy an execution was created with, falling
// back to its class when the id is no longer in the table.
func (e *Engine) policyFor(ex *execution.Execution) policy.Policy {
	if p, err := e.policies.ByID(ex.TimeoutPolicyID); err == nil {
		return p
	}
	return e.policies.Resolve(ex.SLAClass, ex.ActionClass)
}

func priorityFor(sla plan.SLAClass) int {
	switch sla {
	case plan.SLAFast:
		return 10
	case plan.SLAMedium:
		return 5
	default:
		return 0
	}
}
