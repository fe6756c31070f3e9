// Package cancellation records cancel requests and answers the between-step
// checks of running executions.
package cancellation

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
)

// Manager handles cancellation for every execution.
type Manager struct {
	store     *execution.Store
	approvals *approval.Workflow
	logger    *zap.SugaredLogger
}

// NewManager creates a cancellation manager.
func NewManager(store *execution.Store, approvals *approval.Workflow, logger *zap.SugaredLogger) *Manager {
	return &Manager{store: store, approvals: approvals, logger: logger}
}

// RequestCancellation asks for an execution to stop and returns its current
// record. Executions that have not started are cancelled at once; running
// ones stop at their next step boundary. Repeated calls are safe. Cancelling
// an execution that already finished any other way is an FSM error.
func (m *Manager) RequestCancellation(ctx context.Context, executionID, actorID, reason string) (*execution.Execution, error) {
	e, requested, err := m.store.RequestCancel(ctx, executionID, actorID, reason)
	if err != nil {
		return nil, err
	}
	if !e.CancelRequested() {
		return nil, errors.NewFSMError(e.ID, string(e.Status), string(execution.TriggerCancel))
	}

	log := m.logger.With(logger.FieldExecutionID, e.ID, logger.FieldActorID, actorID)
	if requested {
		log.Infow("Cancellation requested", "reason", reason, logger.FieldStatus, e.Status)
	}

	if e.Status == execution.StatusPending || e.Status == execution.StatusApproved {
		if _, err := m.approvals.ExpirePending(ctx, e.ID, "execution cancelled"); err != nil {
			return nil, err
		}
		cancelled, err := m.store.Fire(ctx, e.ID, execution.TriggerCancel, actorID, execution.FireOptions{
			ErrorMessage: reason,
			Payload:      map[string]interface{}{"reason": reason},
		})
		switch {
		case err == nil:
			return cancelled, nil
		case errors.KindOf(err) == errors.KindFSM:
			// Started in the meantime; the running iterator will see the flag.
			log.Debugw("Execution left pending before cancel, deferring to step boundary")
		default:
			return nil, err
		}
	} else if requested && e.Status == execution.StatusRunning {
		if _, err := m.approvals.ExpirePending(ctx, e.ID, "execution cancelled"); err != nil {
			return nil, err
		}
		log.Infow("Cancellation will take effect at the next step boundary")
	}

	return m.store.Get(ctx, e.ID)
}

// Check reports whether the execution should stop before its next step.
// Every call is counted on the execution record.
func (m *Manager) Check(ctx context.Context, executionID string) (bool, error) {
	return m.store.RecordCancelCheck(ctx, executionID)
}
