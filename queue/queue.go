package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

// Options tunes retry backoff and blocking dequeue.
type Options struct {
	// RetryBase is the first backoff; each further attempt doubles it.
	RetryBase time.Duration
	// RetryMax caps a single backoff.
	RetryMax time.Duration
	// JitterPercent spreads retries of entries that failed together.
	JitterPercent uint64
	// PollInterval is the DequeueWait fallback when no wakeup arrives.
	PollInterval time.Duration
	// Now is the clock; tests move it forward.
	Now func() time.Time
}

// DefaultOptions returns the production queue settings.
func DefaultOptions() Options {
	return Options{
		RetryBase:     time.Second,
		RetryMax:      5 * time.Minute,
		JitterPercent: 10,
		PollInterval:  time.Second,
	}
}

// DeadLetterFunc is called after an entry is moved to the dead-letter queue.
type DeadLetterFunc func(ctx context.Context, d *DLQEntry)

// RetryFunc is called after a failed attempt is requeued with a backoff.
type RetryFunc func(ctx context.Context, e *Entry, cause error, backoff time.Duration)

// Queue is the SQL-backed lease queue.
type Queue struct {
	db     *sql.DB
	logger *zap.SugaredLogger
	opts   Options

	mu           sync.Mutex
	wake         chan struct{}
	onDeadLetter []DeadLetterFunc
	onRetry      []RetryFunc
}

// New creates a queue over db. Zero option fields take their defaults.
func New(db *sql.DB, opts Options, logger *zap.SugaredLogger) *Queue {
	def := DefaultOptions()
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = def.RetryMax
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: db, logger: logger, opts: opts, wake: make(chan struct{})}
}

// OnDeadLetter registers fn to run after every dead-lettering.
func (q *Queue) OnDeadLetter(fn DeadLetterFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDeadLetter = append(q.onDeadLetter, fn)
}

// OnRetry registers fn to run after every scheduled retry.
func (q *Queue) OnRetry(fn RetryFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onRetry = append(q.onRetry, fn)
}

func (q *Queue) now() time.Time {
	return q.opts.Now().UTC()
}

// signal wakes every blocked DequeueWait.
func (q *Queue) signal() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

func (q *Queue) waitChan() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

func (q *Queue) deadLettered(ctx context.Context, dead []*DLQEntry) {
	if len(dead) == 0 {
		return
	}
	q.mu.Lock()
	hooks := append([]DeadLetterFunc(nil), q.onDeadLetter...)
	q.mu.Unlock()
	for _, d := range dead {
		for _, fn := range hooks {
			fn(ctx, d)
		}
	}
}

func (q *Queue) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
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

// Enqueue adds an entry for req.ExecutionID and returns it. Enqueueing an
// execution that already has a live or dead entry returns that entry; a done
// entry is reset to queued.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := q.now()
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO queue_entries (id, execution_id, tenant_id, handler, priority, status,
			lease_ms, visible_at, attempt_count, max_attempts, lease_renewals, max_lease_renewals,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, 0, ?, 0, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = 'queued', priority = excluded.priority, lease_ms = excluded.lease_ms,
			visible_at = excluded.visible_at, attempt_count = 0, max_attempts = excluded.max_attempts,
			lease_renewals = 0, max_lease_renewals = excluded.max_lease_renewals,
			lease_owner = NULL, lease_expires_at = NULL, last_error = NULL, updated_at = excluded.updated_at
		WHERE queue_entries.status = 'done'
		RETURNING `+entryColumns,
		uuid.NewString(), req.ExecutionID, req.TenantID, req.Handler, req.Priority,
		req.Lease.Milliseconds(), millis(now.Add(req.Delay)), req.MaxAttempts, req.MaxLeaseRenewals,
		now, now,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return q.GetByExecution(ctx, req.ExecutionID)
	}
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue entry")
		return nil, errors.WithDetailf(err, "Execution ID: %s", req.ExecutionID)
	}

	q.logger.Debugw("Entry enqueued",
		logger.FieldEntryID, e.ID,
		logger.FieldExecutionID, e.ExecutionID,
		logger.FieldHandler, e.Handler,
		"lease", e.Lease,
	)
	q.signal()
	return e, nil
}

// Get returns the entry with id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("queue entry %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue entry")
	}
	return e, nil
}

// GetByExecution returns the entry of an execution.
func (q *Queue) GetByExecution(ctx context.Context, executionID string) (*Entry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE execution_id = ?`, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no queue entry for execution %s", executionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue entry")
	}
	return e, nil
}

// Dequeue leases the highest-priority, oldest available entry to workerID.
// An entry is available when it is queued and visible, or leased with an
// expired lease. A non-positive leaseOverride uses the entry's own lease.
// It returns nil when nothing is available.
//
// An expired lease on an entry with no attempts left is not handed out again;
// the entry is dead-lettered instead.
func (q *Queue) Dequeue(ctx context.Context, workerID string, leaseOverride time.Duration) (*Entry, error) {
	var leased *Entry
	var dead []*DLQEntry
	now := q.now()

	err := q.withTx(ctx, func(tx *sql.Tx) error {
		for {
			candidate, err := scanEntry(tx.QueryRowContext(ctx, `
				SELECT `+entryColumns+` FROM queue_entries
				WHERE (status = 'queued' AND visible_at <= ?)
				   OR (status = 'leased' AND lease_expires_at < ?)
				ORDER BY priority DESC, created_at, rowid
				LIMIT 1`,
				millis(now), millis(now)))
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "failed to select queue entry")
			}

			if candidate.Status == StatusLeased && candidate.AttemptsLeft() == 0 {
				d, err := q.deadLetterTx(ctx, tx, candidate, ErrorContext{
					Stage:   "lease",
					Kind:    errors.KindLeaseLost,
					Code:    ErrorCodeTimeout,
					Message: "lease expired on the final attempt",
					Attempt: candidate.AttemptCount,
				}, now)
				if err != nil {
					return err
				}
				dead = append(dead, d)
				continue
			}

			var lease sql.NullInt64
			if leaseOverride > 0 {
				lease = sql.NullInt64{Int64: leaseOverride.Milliseconds(), Valid: true}
			}
			leased, err = scanEntry(tx.QueryRowContext(ctx, `
				UPDATE queue_entries
				SET status = 'leased', lease_owner = ?, lease_expires_at = ? + COALESCE(?, lease_ms),
				    attempt_count = attempt_count + 1, lease_renewals = 0, updated_at = ?
				WHERE id = ?
				RETURNING `+entryColumns,
				workerID, millis(now), lease, now, candidate.ID))
			if err != nil {
				return errors.Wrap(err, "failed to lease queue entry")
			}
			if candidate.Status == StatusLeased {
				q.logger.Warnw("Reclaimed entry with expired lease",
					logger.FieldEntryID, candidate.ID,
					logger.FieldExecutionID, candidate.ExecutionID,
					"previous_owner", candidate.LeaseOwner,
					logger.FieldWorkerID, workerID,
				)
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	q.deadLettered(ctx, dead)
	if leased != nil {
		q.logger.Debugw("Entry leased",
			logger.FieldEntryID, leased.ID,
			logger.FieldExecutionID, leased.ExecutionID,
			logger.FieldWorkerID, workerID,
			logger.FieldAttempt, leased.AttemptCount,
		)
	}
	return leased, nil
}

// DequeueWait is Dequeue that blocks up to wait for an entry. It wakes on
// enqueue and polls as a fallback. It returns nil, nil when wait elapses.
func (q *Queue) DequeueWait(ctx context.Context, workerID string, leaseOverride, wait time.Duration) (*Entry, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(q.opts.PollInterval)
	defer poll.Stop()

	for {
		woken := q.waitChan()
		e, err := q.Dequeue(ctx, workerID, leaseOverride)
		if err != nil || e != nil {
			return e, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-woken:
		case <-poll.C:
		}
	}
}

// RenewLease extends the lease held by workerID by the entry's lease
// duration. It returns ErrLeaseLost when the worker no longer holds a live
// lease, and ErrRenewalsExhausted when the renewal budget is spent.
func (q *Queue) RenewLease(ctx context.Context, entryID, workerID string) (*Entry, error) {
	now := q.now()
	e, err := scanEntry(q.db.QueryRowContext(ctx, `
		UPDATE queue_entries
		SET lease_expires_at = ? + lease_ms, lease_renewals = lease_renewals + 1, updated_at = ?
		WHERE id = ? AND status = 'leased' AND lease_owner = ? AND lease_expires_at >= ?
		  AND lease_renewals < max_lease_renewals
		RETURNING `+entryColumns,
		millis(now), now, entryID, workerID, millis(now)))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "failed to renew lease")
	}

	current, err := q.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusLeased && current.LeaseOwner == workerID &&
		current.LeaseExpiresAt != nil && !current.LeaseExpiresAt.Before(now) {
		return nil, errors.Wrapf(ErrRenewalsExhausted, "entry %s renewed %d times", entryID, current.LeaseRenewals)
	}
	return nil, leaseLost(entryID, workerID)
}

// Complete marks a leased entry done.
func (q *Queue) Complete(ctx context.Context, entryID, workerID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'done', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'leased' AND lease_owner = ?`,
		q.now(), entryID, workerID)
	if err != nil {
		return errors.Wrap(err, "failed to complete queue entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return leaseLost(entryID, workerID)
	}
	return nil
}

// Fail ends the current attempt. A retryable failure with attempts left is
// requeued after an exponential backoff; anything else is dead-lettered.
// The dead letter is returned when one was created.
func (q *Queue) Fail(ctx context.Context, entryID, workerID string, cause error, retryable bool) (*DLQEntry, error) {
	now := q.now()
	var dead *DLQEntry
	var retried *Entry
	var backoff time.Duration
	var attempt int

	err := q.withTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, `
			SELECT `+entryColumns+` FROM queue_entries
			WHERE id = ? AND status = 'leased' AND lease_owner = ?`, entryID, workerID))
		if errors.Is(err, sql.ErrNoRows) {
			return leaseLost(entryID, workerID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to read queue entry")
		}
		attempt = e.AttemptCount

		errCtx := ClassifyError("execute", cause)
		errCtx.Retryable = retryable
		errCtx.Attempt = e.AttemptCount

		if retryable && e.AttemptsLeft() > 0 {
			backoff = q.backoff(e.AttemptCount)
			_, err := tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL,
				    visible_at = ?, last_error = ?, updated_at = ?
				WHERE id = ?`,
				millis(now.Add(backoff)), errCtx.Message, now, e.ID)
			if err != nil {
				return errors.Wrap(err, "failed to requeue entry")
			}
			retried = e
			return nil
		}

		dead, err = q.deadLetterTx(ctx, tx, e, errCtx, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	if dead != nil {
		q.deadLettered(ctx, []*DLQEntry{dead})
		return dead, nil
	}
	q.logger.Infow("Retry scheduled",
		logger.FieldEntryID, entryID,
		logger.FieldAttempt, attempt,
		"backoff", backoff,
		logger.FieldError, cause,
	)
	if retried != nil {
		q.mu.Lock()
		hooks := append([]RetryFunc(nil), q.onRetry...)
		q.mu.Unlock()
		for _, fn := range hooks {
			fn(ctx, retried, cause, backoff)
		}
	}
	return nil, nil
}

// Wake makes a queued entry of executionID visible now and wakes waiting
// workers. It reports whether an entry was woken.
func (q *Queue) Wake(ctx context.Context, executionID string) (bool, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries SET visible_at = ?, updated_at = ?
		WHERE execution_id = ? AND status = 'queued' AND visible_at > ?`,
		millis(now), now, executionID, millis(now))
	if err != nil {
		return false, errors.Wrap(err, "failed to wake queue entry")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.signal()
	}
	return n > 0, nil
}

// Defer releases a leased entry without consuming an attempt; it becomes
// visible again after the delay.
func (q *Queue) Defer(ctx context.Context, entryID, workerID string, after time.Duration) error {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'queued', lease_owner = NULL, lease_expires_at = NULL,
		    attempt_count = MAX(attempt_count - 1, 0), visible_at = ?, updated_at = ?
		WHERE id = ? AND status = 'leased' AND lease_owner = ?`,
		millis(now.Add(after)), now, entryID, workerID)
	if err != nil {
		return errors.Wrap(err, "failed to defer queue entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return leaseLost(entryID, workerID)
	}
	if after <= 0 {
		q.signal()
	}
	return nil
}

// backoff returns the delay before the retry that follows attempt.
func (q *Queue) backoff(attempt int) time.Duration {
	b := retry.NewExponential(q.opts.RetryBase)
	if q.opts.JitterPercent > 0 {
		b = retry.WithJitterPercent(q.opts.JitterPercent, b)
	}
	b = retry.WithCappedDuration(q.opts.RetryMax, b)

	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

func (q *Queue) deadLetterTx(ctx context.Context, tx *sql.Tx, e *Entry, errCtx ErrorContext, now time.Time) (*DLQEntry, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = 'dead', lease_owner = NULL, lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ?`,
		errCtx.Message, now, e.ID); err != nil {
		return nil, errors.Wrap(err, "failed to mark entry dead")
	}

	ctxJSON, err := json.Marshal(errCtx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode error context")
	}
	d := &DLQEntry{
		ID:           uuid.NewString(),
		EntryID:      e.ID,
		ExecutionID:  e.ExecutionID,
		TenantID:     e.TenantID,
		Handler:      e.Handler,
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		LastError:    errCtx.Message,
		ErrorContext: errCtx,
		DeadAt:       now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, entry_id, execution_id, tenant_id, handler,
			attempt_count, max_attempts, last_error, error_context, dead_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EntryID, d.ExecutionID, d.TenantID, d.Handler,
		d.AttemptCount, d.MaxAttempts, d.LastError, string(ctxJSON), d.DeadAt); err != nil {
		return nil, errors.Wrap(err, "failed to insert dead letter")
	}

	q.logger.Warnw("Entry dead-lettered",
		logger.FieldEntryID, e.ID,
		logger.FieldExecutionID, e.ExecutionID,
		logger.FieldAttempt, e.AttemptCount,
		"max_attempts", e.MaxAttempts,
		logger.FieldErrorKind, errCtx.Kind,
		logger.FieldError, errCtx.Message,
	)
	return d, nil
}

// ListDLQ returns dead letters, newest first. Redriven letters are included
// only when includeRedriven is set.
func (q *Queue) ListDLQ(ctx context.Context, limit int, includeRedriven bool) ([]*DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dead_letters`
	if !includeRedriven {
		query += ` WHERE redriven_at IS NULL`
	}
	query += ` ORDER BY dead_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	defer rows.Close()

	var out []*DLQEntry
	for rows.Next() {
		d, err := scanDLQEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dead letter")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating dead letters")
	}
	return out, nil
}

// GetDLQ returns one dead letter.
func (q *Queue) GetDLQ(ctx context.Context, id string) (*DLQEntry, error) {
	d, err := scanDLQEntry(q.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dead_letters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("dead letter %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dead letter")
	}
	return d, nil
}

// Redrive puts a dead-lettered entry back in the queue with a fresh attempt
// budget.
func (q *Queue) Redrive(ctx context.Context, dlqID string) (*Entry, error) {
	now := q.now()
	var e *Entry
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		var entryID string
		var redriven sql.NullTime
		err := tx.QueryRowContext(ctx, `SELECT entry_id, redriven_at FROM dead_letters WHERE id = ?`, dlqID).
			Scan(&entryID, &redriven)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("dead letter %s not found", dlqID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to read dead letter")
		}
		if redriven.Valid {
			return errors.NewConflictError("dead letter %s was already redriven", dlqID)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE dead_letters SET redriven_at = ? WHERE id = ?`, now, dlqID); err != nil {
			return errors.Wrap(err, "failed to mark dead letter redriven")
		}
		e, err = scanEntry(tx.QueryRowContext(ctx, `
			UPDATE queue_entries
			SET status = 'queued', attempt_count = 0, lease_renewals = 0, visible_at = ?,
			    lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'dead'
			RETURNING `+entryColumns,
			millis(now), now, entryID))
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewConflictError("queue entry %s is no longer dead", entryID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to requeue dead entry")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.logger.Infow("Dead letter redriven",
		"dlq_id", dlqID,
		logger.FieldEntryID, e.ID,
		logger.FieldExecutionID, e.ExecutionID,
	)
	q.signal()
	return e, nil
}

// Stats counts entries by state.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count queue entries")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue counts")
		}
		switch status {
		case StatusQueued:
			stats.Queued = n
		case StatusLeased:
			stats.Leased = n
		case StatusDone:
			stats.Done = n
		case StatusDead:
			stats.Dead = n
		}
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating queue counts")
	}

	err = q.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM queue_entries WHERE status = 'leased' AND lease_expires_at < ?),
			(SELECT COUNT(*) FROM dead_letters WHERE redriven_at IS NULL)`,
		millis(q.now())).Scan(&stats.ExpiredLeases, &stats.DLQ)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count expired leases")
	}
	return stats, nil
}

func leaseLost(entryID, workerID string) error {
	return errors.WithDetailf(
		errors.Wrapf(errors.ErrLeaseLost, "entry %s", entryID),
		"worker: %s", workerID)
}
