package execution

import (
	"database/sql"
	"time"

	"github.com/teranos/stagee/errors"
)

// executionColumns is the column list every execution SELECT uses, in the
// order scanTargets expects.
const executionColumns = `id, tenant_id, idempotency_key, actor_id,
		plan_snapshot, plan_hash, action, action_class,
		execution_mode, sla_class, timeout_policy_id, approval_level,
		status, created_at, started_at, ended_at,
		worker_id, last_transition_at, last_transition_by, last_transition_from,
		cancelled_by, cancelled_at, cancel_reason,
		result_summary, result_ref, error_kind, error_message, timed_out,
		lease_renewals, cancel_checks_performed`

// executionScanArgs holds the nullable columns of an execution row.
type executionScanArgs struct {
	Snapshot           string
	StartedAt          sql.NullTime
	EndedAt            sql.NullTime
	WorkerID           sql.NullString
	LastTransitionFrom sql.NullString
	CancelledBy        sql.NullString
	CancelledAt        sql.NullTime
	CancelReason       sql.NullString
	ResultSummary      sql.NullString
	ResultRef          sql.NullString
	ErrorKind          sql.NullString
	ErrorMessage       sql.NullString
}

func scanTargets(e *Execution, args *executionScanArgs) []interface{} {
	return []interface{}{
		&e.ID, &e.TenantID, &e.IdempotencyKey, &e.ActorID,
		&args.Snapshot, &e.PlanHash, &e.Action, &e.ActionClass,
		&e.Mode, &e.SLAClass, &e.TimeoutPolicyID, &e.ApprovalLevel,
		&e.Status, &e.CreatedAt, &args.StartedAt, &args.EndedAt,
		&args.WorkerID, &e.LastTransitionAt, &e.LastTransitionBy, &args.LastTransitionFrom,
		&args.CancelledBy, &args.CancelledAt, &args.CancelReason,
		&args.ResultSummary, &args.ResultRef, &args.ErrorKind, &args.ErrorMessage, &e.TimedOut,
		&e.LeaseRenewals, &e.CancelChecksPerformed,
	}
}

func (args *executionScanArgs) apply(e *Execution) {
	e.PlanSnapshot = []byte(args.Snapshot)
	e.StartedAt = timePtr(args.StartedAt)
	e.EndedAt = timePtr(args.EndedAt)
	e.WorkerID = args.WorkerID.String
	e.LastTransitionFrom = Status(args.LastTransitionFrom.String)
	e.CancelledBy = args.CancelledBy.String
	e.CancelledAt = timePtr(args.CancelledAt)
	e.CancelReason = args.CancelReason.String
	e.ResultSummary = args.ResultSummary.String
	e.ResultRef = args.ResultRef.String
	e.ErrorKind = errors.Kind(args.ErrorKind.String)
	e.ErrorMessage = args.ErrorMessage.String
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var args executionScanArgs
	if err := row.Scan(scanTargets(&e, &args)...); err != nil {
		return nil, err
	}
	args.apply(&e)
	return &e, nil
}

func scanExecutions(rows *sql.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return out, nil
}

const stepColumns = `execution_id, step_index, name, kind, status, attempt,
		started_at, ended_at, output, error, exit_code`

func scanStep(row rowScanner) (*Step, error) {
	var s Step
	var startedAt, endedAt sql.NullTime
	var output, errMsg sql.NullString
	var exitCode sql.NullInt64
	err := row.Scan(&s.ExecutionID, &s.Index, &s.Name, &s.Kind, &s.Status, &s.Attempt,
		&startedAt, &endedAt, &output, &errMsg, &exitCode)
	if err != nil {
		return nil, err
	}
	s.StartedAt = timePtr(startedAt)
	s.EndedAt = timePtr(endedAt)
	s.Output = output.String
	s.Error = errMsg.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	return &s, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
