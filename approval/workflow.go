package approval

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
)

const approvalColumns = `id, execution_id, tenant_id, step_index, level, plan_hash, snapshot_hash,
		status, requested_by, requested_at, principal, auth_method, source_ip,
		runbook_ref, reason, decided_at, invalidated_at`

// Workflow manages approval requests and decisions.
type Workflow struct {
	db         *sql.DB
	executions *execution.Store
	logger     *zap.SugaredLogger
}

// NewWorkflow creates an approval workflow.
func NewWorkflow(db *sql.DB, executions *execution.Store, logger *zap.SugaredLogger) *Workflow {
	return &Workflow{db: db, executions: executions, logger: logger}
}

// Request creates a pending approval bound to the execution's current plan.
// stepIndex is nil for the plan-level gate.
func (w *Workflow) Request(ctx context.Context, e *execution.Execution, stepIndex *int, requestedBy string) (*Approval, error) {
	level := e.ApprovalLevel
	if level < LevelConfirmation {
		return nil, errors.AssertionFailedf("execution %s does not require approval", e.ID)
	}
	a := &Approval{
		ID:           uuid.NewString(),
		ExecutionID:  e.ID,
		TenantID:     e.TenantID,
		StepIndex:    stepIndex,
		Level:        level,
		PlanHash:     e.PlanHash,
		SnapshotHash: e.SnapshotHash(),
		Status:       StatusPending,
		RequestedBy:  requestedBy,
		RequestedAt:  time.Now().UTC(),
	}

	var step sql.NullInt64
	if stepIndex != nil {
		step = sql.NullInt64{Int64: int64(*stepIndex), Valid: true}
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO approvals (id, execution_id, tenant_id, step_index, level, plan_hash, snapshot_hash,
			status, requested_by, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExecutionID, a.TenantID, step, a.Level, a.PlanHash, a.SnapshotHash,
		a.Status, a.RequestedBy, a.RequestedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create approval")
	}

	payload := map[string]interface{}{"approval_id": a.ID, "level": a.Level, "plan_hash": a.PlanHash}
	if stepIndex != nil {
		payload["step_index"] = *stepIndex
	}
	if _, err := w.executions.Append(ctx, e.ID, execution.EventApprovalRequested, payload); err != nil {
		return nil, err
	}
	w.logger.Infow("Approval requested",
		logger.FieldApprovalID, a.ID,
		logger.FieldExecutionID, e.ID,
		"level", a.Level,
	)
	return a, nil
}

// Get returns the approval with id.
func (w *Workflow) Get(ctx context.Context, id string) (*Approval, error) {
	a, err := scanApproval(w.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("approval %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get approval %s", id)
	}
	return a, nil
}

// ForExecution lists every approval of an execution, oldest first.
func (w *Workflow) ForExecution(ctx context.Context, executionID string) ([]*Approval, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE execution_id = ? ORDER BY requested_at, rowid`,
		executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list approvals")
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan approval")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating approvals")
	}
	return out, nil
}

// Current returns the most recent approval for the plan gate (stepIndex nil)
// or for one step.
func (w *Workflow) Current(ctx context.Context, executionID string, stepIndex *int) (*Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE execution_id = ? AND step_index IS NULL
		ORDER BY requested_at DESC, rowid DESC LIMIT 1`
	args := []interface{}{executionID}
	if stepIndex != nil {
		query = `SELECT ` + approvalColumns + ` FROM approvals WHERE execution_id = ? AND step_index = ?
		ORDER BY requested_at DESC, rowid DESC LIMIT 1`
		args = append(args, *stepIndex)
	}
	a, err := scanApproval(w.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no approval for execution %s", executionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get current approval")
	}
	return a, nil
}

// Approve records a positive decision. Plan review and above need a runbook
// reference, from the decision or from the plan itself.
func (w *Workflow) Approve(ctx context.Context, id string, d Decision) (*Approval, error) {
	a, e, err := w.loadForDecision(ctx, id, d)
	if err != nil {
		return nil, err
	}

	runbook := d.RunbookRef
	if a.Level >= LevelPlanReview && runbook == "" {
		p, err := e.Plan()
		if err != nil {
			return nil, err
		}
		runbook = p.RunbookRef
	}
	if a.Level >= LevelPlanReview && runbook == "" {
		return nil, errors.NewValidationError("approval %s is level %d and requires a runbook reference", id, a.Level)
	}

	return w.decide(ctx, a, StatusApproved, d, runbook, execution.EventApprovalApproved)
}

// Reject records a negative decision.
func (w *Workflow) Reject(ctx context.Context, id string, d Decision) (*Approval, error) {
	a, _, err := w.loadForDecision(ctx, id, d)
	if err != nil {
		return nil, err
	}
	return w.decide(ctx, a, StatusRejected, d, d.RunbookRef, execution.EventApprovalRejected)
}

func (w *Workflow) loadForDecision(ctx context.Context, id string, d Decision) (*Approval, *execution.Execution, error) {
	if d.Principal == "" {
		return nil, nil, errors.NewValidationError("a decision needs a principal")
	}
	a, err := w.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if d.TenantID != "" && d.TenantID != a.TenantID {
		return nil, nil, errors.NewPermissionError(d.Principal, "tenant mismatch on approval")
	}
	if a.Status != StatusPending {
		return nil, nil, notPending(a)
	}
	e, err := w.executions.Get(ctx, a.ExecutionID)
	if err != nil {
		return nil, nil, err
	}
	return a, e, nil
}

func (w *Workflow) decide(ctx context.Context, a *Approval, to Status, d Decision, runbook, eventType string) (*Approval, error) {
	res, err := w.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, principal = ?, auth_method = ?, source_ip = ?, runbook_ref = ?, reason = ?, decided_at = ?
		WHERE id = ? AND status = ?`,
		to, d.Principal, nullString(d.AuthMethod), nullString(d.SourceIP), nullString(runbook), nullString(d.Reason),
		time.Now().UTC(), a.ID, StatusPending,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record decision on approval %s", a.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := w.Get(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		return nil, notPending(current)
	}

	payload := map[string]interface{}{
		"approval_id": a.ID,
		"principal":   d.Principal,
		"auth_method": d.AuthMethod,
		"source_ip":   d.SourceIP,
	}
	if runbook != "" {
		payload["runbook_ref"] = runbook
	}
	if d.Reason != "" {
		payload["reason"] = d.Reason
	}
	if a.StepIndex != nil {
		payload["step_index"] = *a.StepIndex
	}
	if _, err := w.executions.Append(ctx, a.ExecutionID, eventType, payload); err != nil {
		return nil, err
	}
	w.logger.Infow("Approval decided",
		logger.FieldApprovalID, a.ID,
		logger.FieldExecutionID, a.ExecutionID,
		logger.FieldStatus, to,
		"principal", d.Principal,
	)
	return w.Get(ctx, a.ID)
}

// Verify checks that a still matches the live plan. On mismatch the approval
// is marked invalidated and an approval-invalidated error is returned.
func (w *Workflow) Verify(ctx context.Context, a *Approval, planHash, snapshotHash string) error {
	if a.PlanHash == planHash && a.SnapshotHash == snapshotHash {
		return nil
	}

	_, err := w.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, invalidated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusInvalidated, time.Now().UTC(), a.ID, StatusApproved, StatusPending,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to invalidate approval %s", a.ID)
	}
	if _, err := w.executions.Append(ctx, a.ExecutionID, execution.EventApprovalInvalidated, map[string]interface{}{
		"approval_id":       a.ID,
		"bound_plan_hash":   a.PlanHash,
		"current_plan_hash": planHash,
	}); err != nil {
		return err
	}
	w.logger.Warnw("Approval invalidated by plan change",
		logger.FieldApprovalID, a.ID,
		logger.FieldExecutionID, a.ExecutionID,
		"bound_plan_hash", a.PlanHash,
		logger.FieldPlanHash, planHash,
	)
	return errors.NewApprovalInvalidatedError(a.ID, a.PlanHash, planHash, "")
}

// ExpirePending expires every pending approval of an execution and returns
// their ids.
func (w *Workflow) ExpirePending(ctx context.Context, executionID, reason string) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		UPDATE approvals SET status = ?, reason = ?, decided_at = ?
		WHERE execution_id = ? AND status = ?
		RETURNING id`,
		StatusExpired, nullString(reason), time.Now().UTC(), executionID, StatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expire approvals")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan expired approval")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating expired approvals")
	}

	for _, id := range ids {
		if _, err := w.executions.Append(ctx, executionID, execution.EventApprovalExpired, map[string]interface{}{
			"approval_id": id, "reason": reason,
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func notPending(a *Approval) error {
	return errors.Mark(errors.Newf("approval %s is %s, not pending", a.ID, a.Status), errors.ErrFSM)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var step sql.NullInt64
	var principal, authMethod, sourceIP, runbook, reason sql.NullString
	var decidedAt, invalidatedAt sql.NullTime
	err := row.Scan(&a.ID, &a.ExecutionID, &a.TenantID, &step, &a.Level, &a.PlanHash, &a.SnapshotHash,
		&a.Status, &a.RequestedBy, &a.RequestedAt, &principal, &authMethod, &sourceIP,
		&runbook, &reason, &decidedAt, &invalidatedAt)
	if err != nil {
		return nil, err
	}
	if step.Valid {
		idx := int(step.Int64)
		a.StepIndex = &idx
	}
	a.Principal = principal.String
	a.AuthMethod = authMethod.String
	a.SourceIP = sourceIP.String
	a.RunbookRef = runbook.String
	a.Reason = reason.String
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		a.DecidedAt = &t
	}
	if invalidatedAt.Valid {
		t := invalidatedAt.Time.UTC()
		a.InvalidatedAt = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
