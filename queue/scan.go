package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/stagee/errors"
)

const entryColumns = `id, execution_id, tenant_id, handler, priority, status,
		lease_owner, lease_expires_at, lease_ms, visible_at,
		attempt_count, max_attempts, lease_renewals, max_lease_renewals,
		last_error, created_at, updated_at`

const dlqColumns = `id, entry_id, execution_id, tenant_id, handler,
		attempt_count, max_attempts, last_error, error_context, dead_at, redriven_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// entryScanArgs holds the nullable and encoded columns of an entry row.
type entryScanArgs struct {
	LeaseOwner     sql.NullString
	LeaseExpiresAt sql.NullInt64
	LeaseMS        int64
	VisibleAt      int64
	LastError      sql.NullString
}

func entryScanTargets(e *Entry, args *entryScanArgs) []interface{} {
	return []interface{}{
		&e.ID,
		&e.ExecutionID,
		&e.TenantID,
		&e.Handler,
		&e.Priority,
		&e.Status,
		&args.LeaseOwner,
		&args.LeaseExpiresAt,
		&args.LeaseMS,
		&args.VisibleAt,
		&e.AttemptCount,
		&e.MaxAttempts,
		&e.LeaseRenewals,
		&e.MaxLeaseRenewals,
		&args.LastError,
		&e.CreatedAt,
		&e.UpdatedAt,
	}
}

func (args *entryScanArgs) apply(e *Entry) {
	e.LeaseOwner = args.LeaseOwner.String
	if args.LeaseExpiresAt.Valid {
		t := fromMillis(args.LeaseExpiresAt.Int64)
		e.LeaseExpiresAt = &t
	}
	e.Lease = time.Duration(args.LeaseMS) * time.Millisecond
	e.VisibleAt = fromMillis(args.VisibleAt)
	e.LastError = args.LastError.String
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var args entryScanArgs
	if err := row.Scan(entryScanTargets(&e, &args)...); err != nil {
		return nil, err
	}
	args.apply(&e)
	return &e, nil
}

func scanDLQEntry(row rowScanner) (*DLQEntry, error) {
	var d DLQEntry
	var lastError sql.NullString
	var errCtx string
	var redriven sql.NullTime
	if err := row.Scan(&d.ID, &d.EntryID, &d.ExecutionID, &d.TenantID, &d.Handler,
		&d.AttemptCount, &d.MaxAttempts, &lastError, &errCtx, &d.DeadAt, &redriven); err != nil {
		return nil, err
	}
	d.LastError = lastError.String
	if err := json.Unmarshal([]byte(errCtx), &d.ErrorContext); err != nil {
		return nil, errors.Wrapf(err, "failed to decode error context of dead letter %s", d.ID)
	}
	d.DeadAt = d.DeadAt.UTC()
	if redriven.Valid {
		t := redriven.Time.UTC()
		d.RedrivenAt = &t
	}
	return &d, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
