package locks

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/stagee/errors"
)

// SQLBackend keeps locks in the locks table. Every operation is a single
// conditional statement.
type SQLBackend struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLBackend creates a lock backend over db.
func NewSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db, now: time.Now}
}

// Acquire inserts the lock, or takes over a row that has expired or already
// belongs to owner.
func (b *SQLBackend) Acquire(ctx context.Context, key Key, owner string, ttl time.Duration) (Handle, error) {
	now := b.now()
	h := Handle{
		Key:       key,
		LockKey:   key.String(),
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl).UTC(),
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO locks (lock_key, tenant_id, target_ref, action, owner, token, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE
		SET owner = excluded.owner,
		    token = excluded.token,
		    acquired_at = excluded.acquired_at,
		    expires_at = excluded.expires_at
		WHERE locks.expires_at < ? OR locks.owner = excluded.owner`,
		h.LockKey, key.TenantID, key.TargetRef, key.Action, owner, h.Token, now.UTC(), h.ExpiresAt.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return Handle{}, errors.Wrapf(err, "failed to acquire lock %s", h.LockKey)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Handle{}, errors.Wrap(err, "failed to read lock result")
	}
	if n == 0 {
		holder := "unknown"
		if cur, ok, err := b.Holder(ctx, h.LockKey); err == nil && ok {
			holder = cur.Owner
		}
		return Handle{}, errors.NewResourceBusyError(h.LockKey, holder)
	}
	return h, nil
}

// Release deletes the row only when owner and token still match.
func (b *SQLBackend) Release(ctx context.Context, h Handle) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM locks WHERE lock_key = ? AND owner = ? AND token = ?`,
		h.LockKey, h.Owner, h.Token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Holder returns the row for lockKey, expired or not.
func (b *SQLBackend) Holder(ctx context.Context, lockKey string) (Handle, bool, error) {
	var h Handle
	var expires int64
	err := b.db.QueryRowContext(ctx, `
		SELECT lock_key, tenant_id, target_ref, action, owner, token, expires_at
		FROM locks WHERE lock_key = ?`, lockKey,
	).Scan(&h.LockKey, &h.Key.TenantID, &h.Key.TargetRef, &h.Key.Action, &h.Owner, &h.Token, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Handle{}, false, nil
	}
	if err != nil {
		return Handle{}, false, errors.Wrapf(err, "failed to read lock %s", lockKey)
	}
	h.ExpiresAt = time.UnixMilli(expires).UTC()
	return h, true, nil
}

// ReapExpired deletes and returns every lock with expires_at before now.
func (b *SQLBackend) ReapExpired(ctx context.Context, now time.Time) ([]Reclaimed, error) {
	rows, err := b.db.QueryContext(ctx,
		`DELETE FROM locks WHERE expires_at < ? RETURNING lock_key, owner, expires_at`,
		now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "failed to reap locks")
	}
	defer rows.Close()

	var out []Reclaimed
	for rows.Next() {
		var r Reclaimed
		var expires int64
		if err := rows.Scan(&r.LockKey, &r.Owner, &expires); err != nil {
			return nil, errors.Wrap(err, "failed to scan reaped lock")
		}
		r.ExpiredAt = time.UnixMilli(expires).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating reaped locks")
	}
	return out, nil
}
