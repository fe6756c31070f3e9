package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/artifact"
	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/inventory"
	"github.com/teranos/stagee/locks"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/plan"
	"github.com/teranos/stagee/policy"
	"github.com/teranos/stagee/queue"
	"github.com/teranos/stagee/runner"
)

const truncatedMarker = "\n[truncated, full result at result_ref]\n"

type runOptions struct {
	workerID string
	// lease is set for background runs.
	lease *queue.Lease
}

type driveResult struct {
	ex  *execution.Execution
	err error
}

// drive runs an execution from its last checkpoint to a terminal state, a
// deferral, or an error. Concurrent drives of one execution in this process
// share a single run.
func (e *Engine) drive(ctx context.Context, id string, opts runOptions) (*execution.Execution, error) {
	v, _, _ := e.flight.Do(id, func() (interface{}, error) {
		ex, err := e.run(ctx, id, opts)
		return driveResult{ex: ex, err: err}, nil
	})
	r := v.(driveResult)
	return r.ex, r.err
}

func (e *Engine) run(ctx context.Context, id string, opts runOptions) (result *execution.Execution, err error) {
	ex, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case ex.Status.Terminal():
		e.releaseHeld(ctx, ex)
		return ex, nil
	case ex.Status != execution.StatusApproved && ex.Status != execution.StatusRunning:
		return ex, errors.NewFSMError(ex.ID, string(ex.Status), string(execution.TriggerStart))
	}
	log := e.logger.With(logger.FieldExecutionID, ex.ID, logger.FieldWorkerID, opts.workerID)

	p, err := ex.Plan()
	if err != nil {
		return ex, err
	}

	// Permissions may have changed since intake.
	actor, err := e.directory.Lookup(ctx, ex.TenantID, ex.ActorID)
	if err != nil && !errors.IsNotFoundError(err) {
		return ex, err
	}
	if errors.IsNotFoundError(err) {
		actor = nil
	}
	if err := e.gate.Check(ctx, authz.StageExecution, actor, p, ex.ID); err != nil {
		return e.denied(ctx, ex, authz.StageExecution, err), err
	}

	if err := e.checkPlanApproval(ctx, ex); err != nil {
		return e.reload(ctx, ex), err
	}

	pol := e.policyFor(ex)
	handles, err := e.locks.AcquireAll(ctx, lockKeysFor(ex, p), ex.ID, pol.ExecutionTimeout+e.cfg.LeaseSafetyBuffer)
	if err != nil {
		if errors.KindOf(err) == errors.KindResourceBusy {
			e.metrics.LockBusyTotal.Inc()
			log.Infow("Targets busy", logger.FieldError, err)
		}
		return ex, err
	}
	lockKeys := make([]string, len(handles))
	for i, h := range handles {
		lockKeys[i] = h.LockKey
	}
	if _, err := e.store.Append(ctx, ex.ID, execution.EventLockAcquired, map[string]interface{}{
		"lock_keys": lockKeys,
		"owner":     ex.ID,
	}); err != nil {
		e.locks.ReleaseAll(context.WithoutCancel(ctx), handles)
		return ex, err
	}

	release := true
	defer func() {
		// Locks stay held while a step waits for its approval.
		var deferred *queue.DeferError
		if !release || errors.As(err, &deferred) {
			return
		}
		rctx := context.WithoutCancel(ctx)
		e.locks.ReleaseAll(rctx, handles)
		if _, aerr := e.store.Append(rctx, ex.ID, execution.EventLockReleased, map[string]interface{}{
			"lock_keys": lockKeys,
		}); aerr != nil {
			log.Warnw("Failed to record lock release", logger.FieldError, aerr)
		}
	}()

	if ex.Status == execution.StatusApproved {
		started, err := e.store.Fire(ctx, ex.ID, execution.TriggerStart, SystemActor, execution.FireOptions{
			WorkerID: opts.workerID,
		})
		if errors.KindOf(err) == errors.KindFSM {
			cur, gerr := e.store.Get(ctx, ex.ID)
			if gerr != nil {
				return ex, gerr
			}
			if cur.Status.Terminal() {
				return cur, nil
			}
			// Another driver started it and now owns the locks.
			release = false
			return cur, err
		}
		if err != nil {
			return ex, err
		}
		ex = started
		log.Infow("Execution started", logger.FieldMode, ex.Mode)
	} else {
		log.Infow("Resuming execution from checkpoint")
	}

	deadline := time.Now().Add(pol.ExecutionTimeout)
	if ex.StartedAt != nil {
		deadline = ex.StartedAt.Add(pol.ExecutionTimeout)
	}
	return e.iterate(ctx, ex, p, pol, deadline, opts)
}

// checkPlanApproval re-verifies the plan-level approval against the live plan.
func (e *Engine) checkPlanApproval(ctx context.Context, ex *execution.Execution) error {
	if ex.ApprovalLevel < approval.LevelConfirmation {
		return nil
	}
	a, err := e.approvals.Current(ctx, ex.ID, nil)
	if err != nil && !errors.IsNotFoundError(err) {
		return err
	}
	if err != nil {
		a = nil
	}
	if a != nil && a.Status == approval.StatusApproved && a.PlanHash == ex.PlanHash && a.SnapshotHash == ex.SnapshotHash() {
		return nil
	}
	return e.rebind(ctx, ex, a, SystemActor)
}

// iterate runs every step that is not yet done, checkpointing after each.
func (e *Engine) iterate(ctx context.Context, ex *execution.Execution, p *plan.Plan, pol policy.Policy, deadline time.Time, opts runOptions) (*execution.Execution, error) {
	steps, err := e.store.Steps(ctx, ex.ID)
	if err != nil {
		return ex, err
	}
	if len(steps) != len(p.Steps) {
		return ex, errors.AssertionFailedf("execution %s has %d step rows for %d plan steps", ex.ID, len(steps), len(p.Steps))
	}

	cache := inventory.NewCache(e.inventory, ex.TenantID)
	results := make([]string, len(steps))
	for i, st := range steps {
		if st.Status.Done() {
			results[i] = st.Output
			continue
		}

		cancelled, err := e.cancels.Check(ctx, ex.ID)
		if err != nil {
			return ex, err
		}
		if cancelled {
			return e.stop(ctx, ex, i, steps, results)
		}
		if !time.Now().Before(deadline) {
			terr := errors.NewTimeoutError("execution "+ex.ID, pol.ExecutionTimeout)
			return e.halt(ctx, ex, i, steps, results, execution.TriggerTimeOut, terr)
		}
		if opts.lease != nil && opts.lease.IsLost() {
			return ex, errors.Wrapf(errors.ErrLeaseLost, "execution %s before step %d", ex.ID, i)
		}
		if ex.ApprovalLevel >= approval.LevelStepByStep {
			proceed, err := e.stepGate(ctx, ex, i)
			if err != nil {
				return ex, err
			}
			if !proceed {
				return e.halt(ctx, ex, i, steps, results, execution.TriggerReject, nil)
			}
		}

		running, err := e.store.StartStep(ctx, ex.ID, i)
		if err != nil {
			return ex, err
		}
		started := time.Now()
		out, exitCode, runErr := e.runStep(ctx, ex, p, i, deadline, pol.StepTimeout, cache)
		dur := time.Since(started)

		wctx := context.WithoutCancel(ctx)
		outcome := execution.StepOutcome{
			Attempt:  running.Attempt,
			Status:   execution.StepSucceeded,
			Output:   out,
			ExitCode: exitCode,
			Duration: dur,
		}
		if runErr != nil {
			outcome.Status = execution.StepFailed
			outcome.Error = runErr.Error()
		}
		e.metrics.StepDuration.WithLabelValues(string(st.Kind), string(outcome.Status)).Observe(dur.Seconds())
		if err := e.store.FinishStep(wctx, ex.ID, i, outcome); err != nil {
			return ex, err
		}
		results[i] = out
		if runErr == nil {
			continue
		}

		switch {
		case ctx.Err() != nil:
			// Resumed later from this step with the same idempotency token.
			return ex, errors.Wrapf(ctx.Err(), "execution %s interrupted at step %d", ex.ID, i)
		case errors.Is(runErr, errors.ErrTimeout):
			return e.halt(wctx, ex, i+1, steps, results, execution.TriggerTimeOut, runErr)
		case opts.lease != nil && transient(runErr):
			// Transient: the queue retries the job and the step runs again.
			return ex, errors.Wrapf(runErr, "step %d", i)
		default:
			return e.halt(wctx, ex, i+1, steps, results, execution.TriggerFail, errors.NewStepError(i, st.Name, runErr))
		}
	}

	summary, ref := e.summarize(ctx, ex, steps, results)
	done, err := e.store.Fire(context.WithoutCancel(ctx), ex.ID, execution.TriggerSucceed, SystemActor, execution.FireOptions{
		ResultSummary: summary,
		ResultRef:     ref,
	})
	if err != nil {
		return e.settled(ctx, ex, err)
	}
	e.finished(done)
	return done, nil
}

// runStep applies step i to every target in order and stops at the first
// failure. Each invocation gets the step timeout, cut short by the execution
// deadline.
func (e *Engine) runStep(ctx context.Context, ex *execution.Execution, p *plan.Plan, i int, deadline time.Time, stepTimeout time.Duration, cache *inventory.Cache) (string, *int, error) {
	step := p.Steps[i]
	refs := p.Targets
	var out strings.Builder
	var exitCode *int

	for _, ref := range refs {
		target, err := cache.Resolve(ctx, ref)
		if err != nil {
			return out.String(), exitCode, errors.Wrapf(err, "failed to resolve target %s", ref)
		}
		timeout := stepTimeout
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
		if timeout <= 0 {
			return out.String(), exitCode, errors.NewTimeoutError("execution "+ex.ID, time.Until(deadline))
		}

		started := time.Now()
		res, err := e.runners.Run(ctx, runner.Invocation{
			ExecutionID: ex.ID,
			TenantID:    ex.TenantID,
			Action:      ex.Action,
			StepIndex:   i,
			Step:        step,
			Target:      target,
			Timeout:     timeout,
		})
		e.tracker.Observe(policy.TrackerKey(ex.Action, string(step.Kind)), time.Since(started))

		if len(refs) > 1 {
			fmt.Fprintf(&out, "[%s]\n", ref)
		}
		out.WriteString(res.Output)
		if len(refs) > 1 && res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
			out.WriteByte('\n')
		}
		if res.ExitCode != nil {
			exitCode = res.ExitCode
		}
		if err != nil {
			e.logger.Infow("Step failed on target",
				logger.FieldExecutionID, ex.ID,
				logger.FieldStepIndex, i,
				logger.FieldStepKind, step.Kind,
				logger.FieldTarget, ref,
				logger.FieldError, err,
			)
			return out.String(), exitCode, err
		}
	}
	return out.String(), exitCode, nil
}

// stepGate reports whether step i has an approval that matches the live plan.
// Without a decision yet the job is deferred; a rejected step returns false.
func (e *Engine) stepGate(ctx context.Context, ex *execution.Execution, i int) (bool, error) {
	idx := i
	a, err := e.approvals.Current(ctx, ex.ID, &idx)
	if err != nil && !errors.IsNotFoundError(err) {
		return false, err
	}
	if err == nil {
		switch a.Status {
		case approval.StatusApproved:
			if err := e.approvals.Verify(ctx, a, ex.PlanHash, ex.SnapshotHash()); err != nil {
				return false, err
			}
			return true, nil
		case approval.StatusPending:
			return false, queue.Deferred(e.cfg.StepApprovalRecheck, fmt.Sprintf("step %d awaits approval %s", i, a.ID))
		case approval.StatusRejected:
			return false, nil
		}
	}

	req, err := e.approvals.Request(ctx, ex, &idx, SystemActor)
	if err != nil {
		return false, err
	}
	if _, err := e.store.Append(ctx, ex.ID, execution.EventStepAwaitingApproval, map[string]interface{}{
		"step_index":  i,
		"approval_id": req.ID,
	}); err != nil {
		return false, err
	}
	return false, queue.Deferred(e.cfg.StepApprovalRecheck, fmt.Sprintf("step %d awaits approval %s", i, req.ID))
}

// stop finishes a cancelled execution at a step boundary.
func (e *Engine) stop(ctx context.Context, ex *execution.Execution, from int, steps []execution.Step, results []string) (*execution.Execution, error) {
	wctx := context.WithoutCancel(ctx)
	cur, err := e.store.Get(wctx, ex.ID)
	if err != nil {
		return ex, err
	}
	if _, err := e.store.SkipRemaining(wctx, ex.ID, from, "execution cancelled"); err != nil {
		return ex, err
	}
	summary, ref := e.summarize(wctx, ex, steps, results)
	done, err := e.store.Fire(wctx, ex.ID, execution.TriggerCancel, cur.CancelledBy, execution.FireOptions{
		ErrorMessage:  cur.CancelReason,
		ResultSummary: summary,
		ResultRef:     ref,
		Payload:       map[string]interface{}{"reason": cur.CancelReason, "stopped_before_step": from},
	})
	if err != nil {
		return e.settled(ctx, ex, err)
	}
	e.finished(done)
	return done, nil
}

// halt skips every pending step from index from and fires trigger. cause is
// recorded on the execution and returned; a nil cause ends without error.
func (e *Engine) halt(ctx context.Context, ex *execution.Execution, from int, steps []execution.Step, results []string, trigger execution.Trigger, cause error) (*execution.Execution, error) {
	wctx := context.WithoutCancel(ctx)
	if _, err := e.store.SkipRemaining(wctx, ex.ID, from, string(trigger)); err != nil {
		return ex, err
	}
	summary, ref := e.summarize(wctx, ex, steps, results)
	opts := execution.FireOptions{ResultSummary: summary, ResultRef: ref}
	if cause != nil {
		opts.ErrorKind = errors.KindOf(cause)
		opts.ErrorMessage = cause.Error()
	}
	if trigger == execution.TriggerTimeOut {
		opts.TimedOut = true
		opts.ErrorKind = errors.KindTimeout
	}
	done, err := e.store.Fire(wctx, ex.ID, trigger, SystemActor, opts)
	if err != nil {
		return e.settled(ctx, ex, err)
	}
	e.finished(done)
	return done, cause
}

// settled handles a failed final transition: when something else already
// ended the execution, that outcome stands.
func (e *Engine) settled(ctx context.Context, ex *execution.Execution, fireErr error) (*execution.Execution, error) {
	if errors.KindOf(fireErr) != errors.KindFSM {
		return ex, fireErr
	}
	cur, err := e.store.Get(context.WithoutCancel(ctx), ex.ID)
	if err != nil {
		return ex, fireErr
	}
	if cur.Status.Terminal() {
		return cur, nil
	}
	return cur, fireErr
}

// transient reports whether a step failure is worth another attempt of the
// job. A failure the classifier does not recognise is final.
func transient(err error) bool {
	ec := queue.ClassifyError("step", err)
	return ec.Retryable && ec.Code != queue.ErrorCodeUnknown
}

func lockKeysFor(ex *execution.Execution, p *plan.Plan) []locks.Key {
	keys := make([]locks.Key, 0, len(p.Targets))
	for _, ref := range p.Targets {
		keys = append(keys, locks.NewKey(ex.TenantID, ref, ex.Action))
	}
	return keys
}

// releaseHeld drops target locks a terminal execution still owns. A step gate
// keeps them across its deferral, and the execution may end by rejection or
// cancellation without another run.
func (e *Engine) releaseHeld(ctx context.Context, ex *execution.Execution) {
	p, err := ex.Plan()
	if err != nil {
		return
	}
	rctx := context.WithoutCancel(ctx)
	released, err := e.locks.ReleaseOwned(rctx, lockKeysFor(ex, p), ex.ID)
	if err != nil {
		e.logger.Warnw("Failed to release locks of finished execution; they will be reclaimed on expiry",
			logger.FieldExecutionID, ex.ID, logger.FieldError, err)
	}
	if len(released) == 0 {
		return
	}
	if _, err := e.store.Append(rctx, ex.ID, execution.EventLockReleased, map[string]interface{}{
		"lock_keys": released,
	}); err != nil {
		e.logger.Warnw("Failed to record lock release", logger.FieldExecutionID, ex.ID, logger.FieldError, err)
	}
}

func (e *Engine) reload(ctx context.Context, ex *execution.Execution) *execution.Execution {
	cur, err := e.store.Get(context.WithoutCancel(ctx), ex.ID)
	if err != nil {
		return ex
	}
	return cur
}

// summarize joins step outputs into the result summary. Results over the cap
// are written whole to the artifact store and the summary keeps the head.
func (e *Engine) summarize(ctx context.Context, ex *execution.Execution, steps []execution.Step, results []string) (summary, ref string) {
	var b strings.Builder
	for i, st := range steps {
		if results[i] == "" {
			continue
		}
		fmt.Fprintf(&b, "== step %d: %s ==\n%s", st.Index, st.Name, results[i])
		if !strings.HasSuffix(results[i], "\n") {
			b.WriteByte('\n')
		}
	}
	full := b.String()
	if len(full) <= e.cfg.ResultCapBytes {
		return full, ""
	}

	ref, err := e.artifacts.Put(ctx, artifact.ResultKey(ex.TenantID, ex.ID), []byte(full))
	if err != nil {
		e.logger.Warnw("Failed to offload result, keeping truncated summary only",
			logger.FieldExecutionID, ex.ID,
			logger.FieldError, err,
		)
		return clip(full, e.cfg.ResultCapBytes), ""
	}
	return clip(full, e.cfg.ResultCapBytes-len(truncatedMarker)) + truncatedMarker, ref
}

func clip(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
