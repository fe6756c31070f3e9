// Package locks provides per-target advisory locks keyed by
// {tenant_id}:{target_ref}:{action}.
//
// Acquisition never blocks: a held lock returns a resource-busy error at once.
// Ownership has two parts. The owner is the logical holder (an execution id)
// and may re-acquire its own lock, which lets a new worker resume a crashed
// execution. The token is unique per acquisition and must match on release, so
// a holder whose lock expired and was taken over cannot release the new one.
package locks

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

// Key identifies one lockable (tenant, target, action) triple.
type Key struct {
	TenantID  string
	TargetRef string
	Action    string
}

// NewKey builds a lock key.
func NewKey(tenantID, targetRef, action string) Key {
	return Key{TenantID: tenantID, TargetRef: targetRef, Action: action}
}

func (k Key) String() string {
	return strings.Join([]string{k.TenantID, k.TargetRef, k.Action}, ":")
}

// Handle is proof of one acquisition.
type Handle struct {
	Key       Key       `json:"-"`
	LockKey   string    `json:"lock_key"`
	Owner     string    `json:"owner"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Reclaimed describes an expired lock removed by the reaper.
type Reclaimed struct {
	LockKey   string
	Owner     string
	ExpiredAt time.Time
}

// Backend stores locks. Implementations must make Acquire and Release atomic
// across processes.
type Backend interface {
	// Acquire takes key for owner unless another owner holds an unexpired lock.
	Acquire(ctx context.Context, key Key, owner string, ttl time.Duration) (Handle, error)
	// Release removes the lock if owner and token still match; released is
	// false when they do not.
	Release(ctx context.Context, h Handle) (released bool, err error)
	// Holder returns the current holder of lockKey, if any.
	Holder(ctx context.Context, lockKey string) (Handle, bool, error)
	// ReapExpired removes locks that expired before now.
	ReapExpired(ctx context.Context, now time.Time) ([]Reclaimed, error)
}

// Manager acquires and releases groups of locks in a fixed order.
type Manager struct {
	backend   Backend
	logger    *zap.SugaredLogger
	onReclaim func(ctx context.Context, r Reclaimed)
}

// NewManager creates a lock manager over backend.
func NewManager(backend Backend, logger *zap.SugaredLogger) *Manager {
	return &Manager{backend: backend, logger: logger}
}

// OnReclaim registers fn to be called for every lock the reaper reclaims.
func (m *Manager) OnReclaim(fn func(ctx context.Context, r Reclaimed)) {
	m.onReclaim = fn
}

// Acquire takes one lock or returns a resource-busy error.
func (m *Manager) Acquire(ctx context.Context, key Key, owner string, ttl time.Duration) (Handle, error) {
	h, err := m.backend.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return Handle{}, err
	}
	m.logger.Debugw("Lock acquired", logger.FieldLockKey, h.LockKey, "owner", owner, "expires_at", h.ExpiresAt)
	return h, nil
}

// Release drops h. Releasing a lock the caller no longer owns is a no-op.
func (m *Manager) Release(ctx context.Context, h Handle) error {
	released, err := m.backend.Release(ctx, h)
	if err != nil {
		return errors.Wrapf(err, "failed to release lock %s", h.LockKey)
	}
	if !released {
		m.logger.Debugw("Lock release skipped, no longer owned", logger.FieldLockKey, h.LockKey, "owner", h.Owner)
	}
	return nil
}

// AcquireAll takes every key in sorted order so that concurrent callers with
// overlapping sets cannot deadlock. On failure every lock already taken is
// released and the first error is returned.
func (m *Manager) AcquireAll(ctx context.Context, keys []Key, owner string, ttl time.Duration) ([]Handle, error) {
	sorted := make([]Key, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k.String()]; dup {
			continue
		}
		seen[k.String()] = struct{}{}
		sorted = append(sorted, k)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	handles := make([]Handle, 0, len(sorted))
	for _, k := range sorted {
		h, err := m.Acquire(ctx, k, owner, ttl)
		if err != nil {
			m.ReleaseAll(context.WithoutCancel(ctx), handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ReleaseAll releases every handle, logging failures. Callers run it from a
// deferred path with a context that outlives cancellation.
func (m *Manager) ReleaseAll(ctx context.Context, handles []Handle) {
	for i := len(handles) - 1; i >= 0; i-- {
		if err := m.Release(ctx, handles[i]); err != nil {
			m.logger.Errorw("Failed to release lock; it will be reclaimed on expiry",
				logger.FieldLockKey, handles[i].LockKey,
				logger.FieldError, err,
			)
		}
	}
}

// ReleaseOwned releases every lock in keys that owner still holds, whichever
// acquisition took it, and returns the released lock keys.
func (m *Manager) ReleaseOwned(ctx context.Context, keys []Key, owner string) ([]string, error) {
	var released []string
	for _, k := range keys {
		h, held, err := m.Holder(ctx, k)
		if err != nil {
			return released, err
		}
		if !held || h.Owner != owner {
			continue
		}
		ok, err := m.backend.Release(ctx, h)
		if err != nil {
			return released, errors.Wrapf(err, "failed to release lock %s", h.LockKey)
		}
		if ok {
			m.logger.Debugw("Lock released for owner", logger.FieldLockKey, h.LockKey, "owner", owner)
			released = append(released, h.LockKey)
		}
	}
	return released, nil
}

// Holder returns the current holder of key.
func (m *Manager) Holder(ctx context.Context, key Key) (Handle, bool, error) {
	return m.backend.Holder(ctx, key.String())
}

// ReapOnce reclaims every expired lock and reports how many were removed.
func (m *Manager) ReapOnce(ctx context.Context) (int, error) {
	reclaimed, err := m.backend.ReapExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, r := range reclaimed {
		m.logger.Warnw("Reclaimed stale lock",
			logger.FieldLockKey, r.LockKey,
			"owner", r.Owner,
			"expired_at", r.ExpiredAt,
		)
		if m.onReclaim != nil {
			m.onReclaim(ctx, r)
		}
	}
	return len(reclaimed), nil
}

// RunReaper reclaims expired locks every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ReapOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Errorw("Lock reaper pass failed", logger.FieldError, err)
			}
		}
	}
}
