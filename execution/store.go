package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/plan"
)

// Notifier is told about every committed event append. Notifications are
// wakeups only; subscribers read the durable log for content and order.
type Notifier interface {
	Notify(executionID string)
}

// Store persists executions, steps and the event log. Every status change
// goes through Fire.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	notifiers []Notifier
}

// NewStore creates an execution store
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

// AddNotifier registers n for append notifications.
func (s *Store) AddNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers = append(s.notifiers, n)
}

func (s *Store) notify(executionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.notifiers {
		n.Notify(executionID)
	}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// Insert creates e with its steps and an execution_submitted event unless
// (tenant_id, idempotency_key) already exists, in which case nothing is
// written and inserted is false.
func (s *Store) Insert(ctx context.Context, e *Execution, steps []Step) (inserted bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO executions (
				id, tenant_id, idempotency_key, actor_id,
				plan_snapshot, plan_hash, action, action_class,
				execution_mode, sla_class, timeout_policy_id, approval_level,
				status, created_at, last_transition_at, last_transition_by
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, idempotency_key) DO NOTHING`,
			e.ID, e.TenantID, e.IdempotencyKey, e.ActorID,
			string(e.PlanSnapshot), e.PlanHash, e.Action, e.ActionClass,
			e.Mode, e.SLAClass, e.TimeoutPolicyID, e.ApprovalLevel,
			e.Status, e.CreatedAt, e.LastTransitionAt, e.LastTransitionBy,
		)
		if err != nil {
			return errors.Wrap(err, "failed to insert execution")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read insert result")
		}
		if n == 0 {
			return nil
		}
		inserted = true

		if err := insertSteps(ctx, tx, steps); err != nil {
			return err
		}
		_, err = appendTx(ctx, tx, e.ID, EventSubmitted, map[string]interface{}{
			"tenant_id":         e.TenantID,
			"actor_id":          e.ActorID,
			"plan_hash":         e.PlanHash,
			"action":            e.Action,
			"execution_mode":    e.Mode,
			"sla_class":         e.SLAClass,
			"timeout_policy_id": e.TimeoutPolicyID,
			"approval_level":    e.ApprovalLevel,
			"steps":             len(steps),
		})
		return err
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.notify(e.ID)
	}
	return inserted, nil
}

func insertSteps(ctx context.Context, tx *sql.Tx, steps []Step) error {
	for _, st := range steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO execution_steps (execution_id, step_index, name, kind, status)
			VALUES (?, ?, ?, ?, ?)`,
			st.ExecutionID, st.Index, st.Name, st.Kind, StepPending,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to insert step %d", st.Index)
		}
	}
	return nil
}

// Get returns the execution with id.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return e, nil
}

// GetByKey returns the execution recorded for (tenantID, key).
func (s *Store) GetByKey(ctx context.Context, tenantID, key string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE tenant_id = ? AND idempotency_key = ?`,
		tenantID, key)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no execution for key %s in tenant %s", key, tenantID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get execution by key")
	}
	return e, nil
}

// ListFilter narrows List.
type ListFilter struct {
	TenantID string
	Status   Status
	Limit    int
}

// List returns executions newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Execution, error) {
	var where []string
	var args []interface{}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// Steps returns the steps of an execution in declared order.
func (s *Store) Steps(ctx context.Context, executionID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? ORDER BY step_index`,
		executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list steps")
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan step")
		}
		steps = append(steps, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating steps")
	}
	return steps, nil
}

// FireOptions carries the data written alongside a transition.
type FireOptions struct {
	// WorkerID is recorded on start.
	WorkerID string
	// Terminal outcome fields; ignored for non-terminal destinations.
	ErrorKind     errors.Kind
	ErrorMessage  string
	ResultSummary string
	ResultRef     string
	TimedOut      bool
	// Payload is merged into the state_transition event.
	Payload map[string]interface{}
}

// Fire applies trigger to the execution. The trigger is checked against the
// allow-list from the row's current state, then written with a conditional
// update so a concurrent transition cannot be overwritten. An illegal trigger
// or a lost race returns an FSM error and writes nothing.
func (s *Store) Fire(ctx context.Context, id string, trigger Trigger, by string, opts FireOptions) (*Execution, error) {
	var from, to Status
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var createdAt time.Time
		var startedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT status, created_at, started_at FROM executions WHERE id = ?`, id,
		).Scan(&from, &createdAt, &startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("execution %s not found", id)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read execution %s", id)
		}

		to, err = Next(ctx, id, from, trigger)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if now.Before(createdAt) {
			now = createdAt
		}
		if startedAt.Valid && now.Before(startedAt.Time) {
			now = startedAt.Time
		}

		set := []string{"status = ?", "last_transition_at = ?", "last_transition_by = ?", "last_transition_from = ?"}
		args := []interface{}{to, now, by, from}
		if to == StatusRunning {
			set = append(set, "started_at = COALESCE(started_at, ?)")
			args = append(args, now)
			if opts.WorkerID != "" {
				set = append(set, "worker_id = ?")
				args = append(args, opts.WorkerID)
			}
		}
		if to.Terminal() {
			set = append(set, "ended_at = ?", "error_kind = ?", "error_message = ?",
				"result_summary = ?", "result_ref = ?", "timed_out = ?")
			args = append(args, now, nullString(string(opts.ErrorKind)), nullString(opts.ErrorMessage),
				nullString(opts.ResultSummary), nullString(opts.ResultRef), opts.TimedOut)
		}
		args = append(args, id, from)

		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`, args...)
		if err != nil {
			return errors.Wrapf(err, "failed to transition execution %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read transition result")
		}
		if n == 0 {
			return errors.NewFSMError(id, string(from), string(trigger))
		}

		payload := map[string]interface{}{"from": from, "to": to, "event": trigger, "by": by}
		for k, v := range opts.Payload {
			payload[k] = v
		}
		if _, err := appendTx(ctx, tx, id, EventStateTransition, payload); err != nil {
			return err
		}
		if to == StatusRunning {
			if _, err := appendTx(ctx, tx, id, EventStarted, map[string]interface{}{"worker_id": opts.WorkerID}); err != nil {
				return err
			}
		}
		if to.Terminal() {
			completed := map[string]interface{}{"status": to, "timed_out": opts.TimedOut}
			if opts.ErrorKind != errors.KindNone {
				completed["error_kind"] = opts.ErrorKind
				completed["error_message"] = opts.ErrorMessage
			}
			if opts.ResultRef != "" {
				completed["result_ref"] = opts.ResultRef
			}
			if _, err := appendTx(ctx, tx, id, EventCompleted, completed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debugw("Execution transitioned",
		logger.FieldExecutionID, id,
		logger.FieldFrom, from,
		logger.FieldStatus, to,
		logger.FieldEvent, trigger,
	)
	s.notify(id)
	return s.Get(ctx, id)
}

// Amendment replaces the plan of an execution that has not started.
type Amendment struct {
	Snapshot        json.RawMessage
	PlanHash        string
	Action          string
	ActionClass     plan.ActionClass
	Mode            Mode
	SLAClass        plan.SLAClass
	TimeoutPolicyID string
	ApprovalLevel   int
	Steps           []Step
	By              string
}

// Amend swaps the plan snapshot and steps of a pending or approved execution.
// Existing approvals keep their bound hash and fail verification afterwards.
func (s *Store) Amend(ctx context.Context, id string, a Amendment) (*Execution, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status Status
		var oldHash string
		err := tx.QueryRowContext(ctx, `SELECT status, plan_hash FROM executions WHERE id = ?`, id).Scan(&status, &oldHash)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("execution %s not found", id)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read execution %s", id)
		}
		if status != StatusPending && status != StatusApproved {
			return errors.NewFSMError(id, string(status), "amend")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET plan_snapshot = ?, plan_hash = ?, action = ?, action_class = ?,
			    execution_mode = ?, sla_class = ?, timeout_policy_id = ?, approval_level = ?
			WHERE id = ? AND status = ?`,
			string(a.Snapshot), a.PlanHash, a.Action, a.ActionClass,
			a.Mode, a.SLAClass, a.TimeoutPolicyID, a.ApprovalLevel,
			id, status,
		)
		if err != nil {
			return errors.Wrap(err, "failed to amend execution")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewFSMError(id, string(status), "amend")
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM execution_steps WHERE execution_id = ?`, id); err != nil {
			return errors.Wrap(err, "failed to replace steps")
		}
		if err := insertSteps(ctx, tx, a.Steps); err != nil {
			return err
		}
		_, err = appendTx(ctx, tx, id, EventPlanAmended, map[string]interface{}{
			"by":            a.By,
			"old_plan_hash": oldHash,
			"new_plan_hash": a.PlanHash,
			"steps":         len(a.Steps),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(id)
	return s.Get(ctx, id)
}

// StartStep marks a step running and bumps its attempt counter.
func (s *Store) StartStep(ctx context.Context, executionID string, index int) (*Step, error) {
	var st *Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE execution_steps
			SET status = ?, attempt = attempt + 1, started_at = ?, ended_at = NULL, error = NULL, exit_code = NULL
			WHERE execution_id = ? AND step_index = ? AND status NOT IN (?, ?)
			RETURNING `+stepColumns,
			StepRunning, time.Now().UTC(), executionID, index, StepSucceeded, StepSkipped)
		var err error
		st, err = scanStep(row)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewConflictError("step %d of %s is already finished", index, executionID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to start step")
		}
		_, err = appendTx(ctx, tx, executionID, EventStepStarted, map[string]interface{}{
			"step_index": index, "name": st.Name, "kind": st.Kind, "attempt": st.Attempt,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.notify(executionID)
	return st, nil
}

// StepOutcome is the result written by FinishStep. Attempt is the attempt
// number StartStep returned; an outcome from any other attempt is refused.
type StepOutcome struct {
	Attempt  int
	Status   StepStatus
	Output   string
	Error    string
	ExitCode *int
	Duration time.Duration
	Payload  map[string]interface{}
}

// FinishStep records a step's outcome and appends step_completed or step_failed.
func (s *Store) FinishStep(ctx context.Context, executionID string, index int, out StepOutcome) error {
	if out.Status != StepSucceeded && out.Status != StepFailed {
		return errors.AssertionFailedf("step outcome must be succeeded or failed, got %s", out.Status)
	}
	if out.Attempt < 1 {
		return errors.AssertionFailedf("step outcome has no attempt number")
	}
	output := truncate(out.Output, MaxStepOutputBytes)
	var exitCode sql.NullInt64
	if out.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*out.ExitCode), Valid: true}
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE execution_steps
			SET status = ?, ended_at = ?, output = ?, error = ?, exit_code = ?
			WHERE execution_id = ? AND step_index = ? AND status = ? AND attempt = ?`,
			out.Status, time.Now().UTC(), nullString(output), nullString(out.Error), exitCode,
			executionID, index, StepRunning, out.Attempt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to finish step")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NewConflictError("step %d of %s is not running attempt %d", index, executionID, out.Attempt)
		}

		eventType := EventStepCompleted
		payload := map[string]interface{}{"step_index": index, "attempt": out.Attempt, "duration_ms": out.Duration.Milliseconds()}
		if out.Status == StepFailed {
			eventType = EventStepFailed
			payload["error"] = out.Error
		}
		if out.ExitCode != nil {
			payload["exit_code"] = *out.ExitCode
		}
		for k, v := range out.Payload {
			payload[k] = v
		}
		_, err = appendTx(ctx, tx, executionID, eventType, payload)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(executionID)
	return nil
}

// SkipRemaining marks every pending step at or after fromIndex skipped and
// returns the skipped indices.
func (s *Store) SkipRemaining(ctx context.Context, executionID string, fromIndex int, reason string) ([]int, error) {
	var skipped []int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE execution_steps SET status = ?, ended_at = ?
			WHERE execution_id = ? AND step_index >= ? AND status = ?
			RETURNING step_index`,
			StepSkipped, time.Now().UTC(), executionID, fromIndex, StepPending)
		if err != nil {
			return errors.Wrap(err, "failed to skip steps")
		}
		for rows.Next() {
			var idx int
			if err := rows.Scan(&idx); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan skipped step")
			}
			skipped = append(skipped, idx)
		}
		if err := rows.Close(); err != nil {
			return errors.Wrap(err, "failed to skip steps")
		}
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "error iterating skipped steps")
		}

		sort.Ints(skipped)
		for _, idx := range skipped {
			if _, err := appendTx(ctx, tx, executionID, EventStepSkipped, map[string]interface{}{
				"step_index": idx, "reason": reason,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		s.notify(executionID)
	}
	return skipped, nil
}

// RequestCancel records who cancelled and why in a single update. It only
// succeeds once per execution and never for a terminal one; requested is
// false when nothing was written.
func (s *Store) RequestCancel(ctx context.Context, id, by, reason string) (e *Execution, requested bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE executions
			SET cancelled_by = ?, cancelled_at = ?, cancel_reason = ?
			WHERE id = ? AND cancelled_at IS NULL
			  AND status IN (?, ?, ?)`,
			by, time.Now().UTC(), nullString(reason), id,
			StatusPending, StatusApproved, StatusRunning,
		)
		if err != nil {
			return errors.Wrap(err, "failed to record cancellation")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read cancellation result")
		}
		if n == 0 {
			return nil
		}
		requested = true
		_, err = appendTx(ctx, tx, id, EventCancelRequested, map[string]interface{}{"by": by, "reason": reason})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if requested {
		s.notify(id)
	}
	e, err = s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return e, requested, nil
}

// RecordCancelCheck counts one between-step cancellation check and reports
// whether cancellation has been requested.
func (s *Store) RecordCancelCheck(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE executions SET cancel_checks_performed = cancel_checks_performed + 1
		WHERE id = ?
		RETURNING cancelled_at IS NOT NULL`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.NewNotFoundError("execution %s not found", id)
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to record cancellation check")
	}
	return requested, nil
}

// IncrementLeaseRenewals counts one queue lease renewal against the execution.
func (s *Store) IncrementLeaseRenewals(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET lease_renewals = lease_renewals + 1 WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to count lease renewal")
	}
	return nil
}

// Append writes one event to the log.
func (s *Store) Append(ctx context.Context, executionID, eventType string, payload interface{}) (Event, error) {
	var ev Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ev, err = appendTx(ctx, tx, executionID, eventType, payload)
		return err
	})
	if err != nil {
		return Event{}, err
	}
	s.notify(executionID)
	return ev, nil
}

func appendTx(ctx context.Context, tx *sql.Tx, executionID, eventType string, payload interface{}) (Event, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrapf(err, "failed to encode %s payload", eventType)
		}
		raw = b
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO execution_events (execution_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		executionID, eventType, string(raw), now)
	if err != nil {
		return Event{}, errors.Wrapf(err, "failed to append %s event", eventType)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, errors.Wrap(err, "failed to read event seq")
	}
	return Event{Seq: seq, ExecutionID: executionID, Type: eventType, Payload: raw, CreatedAt: now}, nil
}

// Events returns events of an execution with seq > afterSeq, oldest first.
// limit <= 0 returns every remaining event.
func (s *Store) Events(ctx context.Context, executionID string, afterSeq int64, limit int) ([]Event, error) {
	query := `
		SELECT seq, execution_id, event_type, payload, created_at
		FROM execution_events
		WHERE execution_id = ? AND seq > ?
		ORDER BY seq`
	args := []interface{}{executionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.ExecutionID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan event")
		}
		ev.Payload = json.RawMessage(payload)
		ev.CreatedAt = ev.CreatedAt.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating events")
	}
	return events, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.ToValidUTF8(s[:max], "")
}
