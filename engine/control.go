package engine

import (
	"context"

	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/plan"
	"github.com/teranos/stagee/queue"
)

// View is an execution with its steps and approvals.
type View struct {
	Execution *execution.Execution `json:"execution"`
	Steps     []execution.Step     `json:"steps"`
	Approvals []*approval.Approval `json:"approvals"`
}

// Authorize loads an execution for actor. Executions of other tenants are
// reported as not found.
func (e *Engine) Authorize(ctx context.Context, id string, actor *authz.Actor) (*execution.Execution, error) {
	if actor == nil {
		return nil, errors.NewUnauthorizedError("request has no actor")
	}
	ex, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ex.TenantID != actor.TenantID {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	return ex, nil
}

// Get returns the execution with its steps and approvals.
func (e *Engine) Get(ctx context.Context, id string, actor *authz.Actor) (*View, error) {
	ex, err := e.Authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.Steps(ctx, id)
	if err != nil {
		return nil, err
	}
	approvals, err := e.approvals.ForExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Execution: ex, Steps: steps, Approvals: approvals}, nil
}

// List returns the actor's tenant's executions, newest first.
func (e *Engine) List(ctx context.Context, actor *authz.Actor, status execution.Status, limit int) ([]*execution.Execution, error) {
	if actor == nil {
		return nil, errors.NewUnauthorizedError("request has no actor")
	}
	return e.store.List(ctx, execution.ListFilter{TenantID: actor.TenantID, Status: status, Limit: limit})
}

// Events returns events after afterSeq, in order.
func (e *Engine) Events(ctx context.Context, id string, actor *authz.Actor, afterSeq int64, limit int) ([]execution.Event, error) {
	if _, err := e.Authorize(ctx, id, actor); err != nil {
		return nil, err
	}
	return e.store.Events(ctx, id, afterSeq, limit)
}

// Start dispatches an approved execution. The caller must hold the
// permission the plan's action class requires.
func (e *Engine) Start(ctx context.Context, id string, actor *authz.Actor) (*execution.Execution, error) {
	ex, err := e.Authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if ex.Status != execution.StatusApproved {
		return ex, errors.NewFSMError(ex.ID, string(ex.Status), string(execution.TriggerStart))
	}
	p, err := ex.Plan()
	if err != nil {
		return ex, err
	}
	if err := e.gate.Check(ctx, authz.StageIntake, actor, p, ex.ID); err != nil {
		e.metrics.RBACViolationsTotal.WithLabelValues(string(authz.StageIntake)).Inc()
		return ex, err
	}
	// A background job would only find a stale approval after it was queued.
	if err := e.checkPlanApproval(ctx, ex); err != nil {
		return e.reload(ctx, ex), err
	}
	return e.dispatch(ctx, ex)
}

// Approve records a positive decision. An approval that no longer matches the
// live plan is invalidated, a fresh one is requested, and an
// approval-invalidated error names it. Approving the plan gate moves the
// execution to approved; it does not start it. Approving a step gate wakes
// the waiting background job.
func (e *Engine) Approve(ctx context.Context, approvalID string, d approval.Decision) (*approval.Approval, *execution.Execution, error) {
	ex, err := e.decisionTarget(ctx, approvalID, d)
	if err != nil {
		return nil, nil, err
	}
	a, err := e.approvals.Approve(ctx, approvalID, d)
	if err != nil {
		return nil, ex, err
	}

	if a.StepIndex != nil {
		e.wake(ctx, ex.ID)
		return a, ex, nil
	}
	if ex.Status != execution.StatusPending {
		return a, ex, nil
	}
	approved, err := e.store.Fire(ctx, ex.ID, execution.TriggerApprove, d.Principal, execution.FireOptions{
		Payload: map[string]interface{}{"approval_id": a.ID},
	})
	if errors.KindOf(err) == errors.KindFSM {
		// Cancelled or rejected while the decision was being written.
		approved, err = e.store.Get(ctx, ex.ID)
	}
	return a, approved, err
}

// Reject records a negative decision and rejects the execution, including a
// running one waiting on a step gate.
func (e *Engine) Reject(ctx context.Context, approvalID string, d approval.Decision) (*approval.Approval, *execution.Execution, error) {
	a, err := e.approvals.Reject(ctx, approvalID, d)
	if err != nil {
		return nil, nil, err
	}
	rejected, err := e.store.Fire(ctx, a.ExecutionID, execution.TriggerReject, d.Principal, execution.FireOptions{
		ErrorMessage: d.Reason,
		Payload:      map[string]interface{}{"approval_id": a.ID, "reason": d.Reason},
	})
	switch {
	case err == nil:
		e.finished(rejected)
		e.releaseHeld(ctx, rejected)
		e.wake(ctx, rejected.ID)
	case errors.KindOf(err) == errors.KindFSM:
		rejected, err = e.store.Get(ctx, a.ExecutionID)
	}
	return a, rejected, err
}

// decisionTarget checks that the approval still binds the live plan before a
// decision is accepted.
func (e *Engine) decisionTarget(ctx context.Context, approvalID string, d approval.Decision) (*execution.Execution, error) {
	a, err := e.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if d.TenantID != "" && d.TenantID != a.TenantID {
		return nil, errors.NewNotFoundError("approval %s not found", approvalID)
	}
	ex, err := e.store.Get(ctx, a.ExecutionID)
	if err != nil {
		return nil, err
	}
	if a.Status == approval.StatusPending && (a.PlanHash != ex.PlanHash || a.SnapshotHash != ex.SnapshotHash()) {
		if a.StepIndex != nil {
			_, err := e.approvals.ExpirePending(ctx, ex.ID, "plan changed")
			if err != nil {
				return nil, err
			}
			return nil, errors.NewApprovalInvalidatedError(a.ID, a.PlanHash, ex.PlanHash, "")
		}
		return nil, e.rebind(ctx, ex, a, d.Principal)
	}
	return ex, nil
}

// rebind invalidates a stale plan approval (a may be nil), moves an approved
// execution back to pending, and requests a fresh approval. It always returns
// an approval-invalidated error naming the new request.
func (e *Engine) rebind(ctx context.Context, ex *execution.Execution, a *approval.Approval, by string) error {
	var approvalID, boundHash string
	if a != nil {
		approvalID, boundHash = a.ID, a.PlanHash
		if err := e.approvals.Verify(ctx, a, ex.PlanHash, ex.SnapshotHash()); err != nil && !errors.Is(err, errors.ErrApprovalInvalidated) {
			return err
		}
	}
	if ex.Status == execution.StatusApproved {
		pending, err := e.store.Fire(ctx, ex.ID, execution.TriggerInvalidate, by, execution.FireOptions{
			Payload: map[string]interface{}{"approval_id": approvalID},
		})
		if err != nil {
			return err
		}
		ex = pending
	}
	if _, err := e.approvals.ExpirePending(ctx, ex.ID, "superseded by a new approval request"); err != nil {
		return err
	}
	fresh, err := e.approvals.Request(ctx, ex, nil, by)
	if err != nil {
		return err
	}
	e.metrics.ApprovalsInvalidated.Inc()
	e.logger.Warnw("Approval no longer matches plan, re-approval requested",
		logger.FieldExecutionID, ex.ID,
		logger.FieldApprovalID, approvalID,
		"re_request_id", fresh.ID,
	)
	return errors.NewApprovalInvalidatedError(approvalID, boundHash, ex.PlanHash, fresh.ID)
}

// AmendPlan replaces the plan of a pending or approved execution. The amended
// plan is classified again; approvals stay bound to the plan they were given
// for. A pending execution gets a fresh approval request right away, an
// approved one is caught when it is started.
func (e *Engine) AmendPlan(ctx context.Context, id string, p *plan.Plan, actor *authz.Actor) (*execution.Execution, error) {
	ex, err := e.Authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.NewValidationError("plan is required")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := e.gate.Check(ctx, authz.StageIntake, actor, p, ex.ID); err != nil {
		e.metrics.RBACViolationsTotal.WithLabelValues(string(authz.StageIntake)).Inc()
		return nil, err
	}
	hash, snapshot, err := plan.Hash(p)
	if err != nil {
		return nil, err
	}
	c := e.classify(p)
	amended, err := e.store.Amend(ctx, ex.ID, execution.Amendment{
		Snapshot:        snapshot,
		PlanHash:        hash,
		Action:          p.Action,
		ActionClass:     p.ActionClass(),
		Mode:            c.mode,
		SLAClass:        c.sla,
		TimeoutPolicyID: c.policy.ID,
		ApprovalLevel:   c.level,
		Steps:           execution.StepsFor(ex.ID, p),
		By:              actor.ID,
	})
	if err != nil {
		return nil, err
	}
	if amended.Status != execution.StatusPending {
		return amended, nil
	}

	if amended.ApprovalLevel == approval.LevelAuto {
		if _, err := e.approvals.ExpirePending(ctx, amended.ID, "plan no longer requires approval"); err != nil {
			return nil, err
		}
		return e.store.Fire(ctx, amended.ID, execution.TriggerApprove, AutoApprover, execution.FireOptions{
			Payload: map[string]interface{}{"reason": "no approval required"},
		})
	}
	cur, err := e.approvals.Current(ctx, amended.ID, nil)
	if err != nil && !errors.IsNotFoundError(err) {
		return nil, err
	}
	if cur != nil && cur.Status == approval.StatusPending && cur.PlanHash == amended.PlanHash && cur.SnapshotHash == amended.SnapshotHash() {
		return amended, nil
	}
	if rerr := e.rebind(ctx, amended, cur, actor.ID); !errors.Is(rerr, errors.ErrApprovalInvalidated) {
		return nil, rerr
	}
	return e.store.Get(ctx, amended.ID)
}

// Cancel asks an execution to stop.
func (e *Engine) Cancel(ctx context.Context, id string, actor *authz.Actor, reason string) (*execution.Execution, error) {
	if _, err := e.Authorize(ctx, id, actor); err != nil {
		return nil, err
	}
	ex, err := e.cancels.RequestCancellation(ctx, id, actor.ID, reason)
	if err != nil {
		return nil, err
	}
	e.finished(ex)
	if ex.Status.Terminal() {
		e.releaseHeld(ctx, ex)
	}
	// A job parked on a step gate would otherwise sleep out its recheck delay.
	e.wake(ctx, id)
	return ex, nil
}

// ListDLQ returns the dead letters of the actor's tenant.
func (e *Engine) ListDLQ(ctx context.Context, actor *authz.Actor, limit int, includeRedriven bool) ([]*queue.DLQEntry, error) {
	if actor == nil {
		return nil, errors.NewUnauthorizedError("request has no actor")
	}
	if e.queue == nil {
		return nil, nil
	}
	all, err := e.queue.ListDLQ(ctx, limit, includeRedriven)
	if err != nil {
		return nil, err
	}
	out := make([]*queue.DLQEntry, 0, len(all))
	for _, d := range all {
		if d.TenantID == actor.TenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

// Redrive puts a dead letter back on the queue. Executions that already
// reached a terminal state cannot be redriven.
func (e *Engine) Redrive(ctx context.Context, dlqID string, actor *authz.Actor) (*queue.Entry, error) {
	if actor == nil {
		return nil, errors.NewUnauthorizedError("request has no actor")
	}
	if e.queue == nil {
		return nil, errors.NewNotFoundError("dead letter %s not found", dlqID)
	}
	d, err := e.queue.GetDLQ(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	if d.TenantID != actor.TenantID {
		return nil, errors.NewNotFoundError("dead letter %s not found", dlqID)
	}
	ex, err := e.store.Get(ctx, d.ExecutionID)
	if err != nil {
		return nil, err
	}
	if ex.Status.Terminal() {
		return nil, errors.NewFSMError(ex.ID, string(ex.Status), "redrive")
	}
	entry, err := e.queue.Redrive(ctx, dlqID)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Append(ctx, ex.ID, execution.EventRedriven, map[string]interface{}{
		"dlq_id":   dlqID,
		"entry_id": entry.ID,
		"by":       actor.ID,
	}); err != nil {
		return nil, err
	}
	return entry, nil
}

func (e *Engine) wake(ctx context.Context, executionID string) {
	if e.queue == nil {
		return
	}
	if _, err := e.queue.Wake(ctx, executionID); err != nil {
		e.logger.Warnw("Failed to wake queued execution", logger.FieldExecutionID, executionID, logger.FieldError, err)
	}
}
