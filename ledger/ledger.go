// Package ledger maps (tenant, idempotency key) to exactly one execution.
//
// The unique index on executions(tenant_id, idempotency_key) is the only
// arbiter: concurrent submitters race on INSERT ... ON CONFLICT DO NOTHING and
// the losers read the winner's row back.
package ledger

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
)

const (
	readBackAttempts = 10
	readBackDelay    = 10 * time.Millisecond
)

// Ledger is the idempotency gate in front of execution creation.
type Ledger struct {
	store  *execution.Store
	logger *zap.SugaredLogger
}

// New creates a ledger over store.
func New(store *execution.Store, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Submit returns the execution recorded for (e.TenantID, e.IdempotencyKey),
// creating e and its steps if there is none. created reports whether this
// call inserted the row; when false, the returned execution is the existing
// one, unchanged, and none of e's data was written.
func (l *Ledger) Submit(ctx context.Context, e *execution.Execution, steps []execution.Step) (result *execution.Execution, created bool, err error) {
	if e.TenantID == "" || e.IdempotencyKey == "" {
		return nil, false, errors.NewValidationError("tenant and idempotency key are required")
	}

	existing, err := l.store.GetByKey(ctx, e.TenantID, e.IdempotencyKey)
	if err == nil {
		l.warnOnDivergence(existing, e)
		return existing, false, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, false, err
	}

	inserted, err := l.store.Insert(ctx, e, steps)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		got, err := l.store.Get(ctx, e.ID)
		if err != nil {
			return nil, false, err
		}
		return got, true, nil
	}

	// Lost the insert race; the winner's row may not be visible to this
	// connection yet.
	existing, err = l.readBack(ctx, e.TenantID, e.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	l.warnOnDivergence(existing, e)
	return existing, false, nil
}

func (l *Ledger) readBack(ctx context.Context, tenantID, key string) (*execution.Execution, error) {
	var found *execution.Execution
	backoff := retry.WithMaxRetries(readBackAttempts, retry.NewConstant(readBackDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		e, err := l.store.GetByKey(ctx, tenantID, key)
		if errors.IsNotFoundError(err) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		found = e
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "idempotency key %s conflicted but the existing execution is not readable", key)
	}
	return found, nil
}

func (l *Ledger) warnOnDivergence(existing, submitted *execution.Execution) {
	if existing.PlanHash == submitted.PlanHash {
		return
	}
	l.logger.Warnw("Idempotency key reused with a different plan; returning the original execution",
		logger.FieldExecutionID, existing.ID,
		logger.FieldTenantID, existing.TenantID,
		"idempotency_key", existing.IdempotencyKey,
		"existing_plan_hash", existing.PlanHash,
		"submitted_plan_hash", submitted.PlanHash,
	)
}
