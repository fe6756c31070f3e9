package authz

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/plan"
)

// Stage names where the gate runs.
type Stage string

const (
	StageIntake    Stage = "intake"
	StageExecution Stage = "execution"
)

// EventAppender records audit events.
type EventAppender interface {
	Append(ctx context.Context, executionID, eventType string, payload interface{}) (execution.Event, error)
}

// RequiredPermission is the permission needed to run an action of class.
func RequiredPermission(class plan.ActionClass) string {
	return "execute:" + string(class)
}

// Gate checks tenant scope and action-class permission, auditing every denial.
type Gate struct {
	events EventAppender
	logger *zap.SugaredLogger
}

// NewGate creates a gate that writes rbac_violation events to events.
func NewGate(events EventAppender, logger *zap.SugaredLogger) *Gate {
	return &Gate{events: events, logger: logger}
}

// Check returns nil when actor may run p. On denial it appends an
// rbac_violation event to executionID (when set) and returns a permission error.
func (g *Gate) Check(ctx context.Context, stage Stage, actor *Actor, p *plan.Plan, executionID string) error {
	required := RequiredPermission(p.ActionClass())

	var reason string
	switch {
	case actor == nil:
		reason = "actor could not be resolved"
	case actor.TenantID != p.TenantID:
		reason = "tenant mismatch"
	case !actor.Has(required):
		reason = "missing permission " + required
	default:
		return nil
	}

	payload := map[string]interface{}{
		"stage":               stage,
		"plan_tenant_id":      p.TenantID,
		"action":              p.Action,
		"required_permission": required,
		"reason":              reason,
	}
	actorID := ""
	if actor != nil {
		actorID = actor.ID
		payload["actor_id"] = actor.ID
		payload["actor_tenant_id"] = actor.TenantID
	}

	g.logger.Warnw("Authorization denied",
		"stage", stage,
		logger.FieldActorID, actorID,
		logger.FieldTenantID, p.TenantID,
		logger.FieldExecutionID, executionID,
		"reason", reason,
	)
	denied := errors.NewPermissionError(actorID, reason)
	if executionID != "" {
		if _, err := g.events.Append(ctx, executionID, execution.EventRBACViolation, payload); err != nil {
			g.logger.Errorw("Failed to record rbac violation",
				logger.FieldExecutionID, executionID,
				logger.FieldError, err,
			)
			// The permission kind is kept for callers that reject on it.
			return errors.WithSecondaryError(denied, errors.Wrap(err, "failed to record rbac violation"))
		}
	}
	return denied
}
