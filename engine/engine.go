// Package engine turns validated plans into executions and drives them to a
// terminal state.
//
// Submission runs the idempotency ledger, the intake authorization gate and
// the approval workflow. Dispatch is either immediate, running the step
// iterator on the caller's goroutine, or background, handing the execution to
// the lease queue. Both modes share one iterator: it re-checks authorization
// and the approval binding, takes the target locks, and runs the remaining
// steps with a checkpoint after each one.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/teranos/stagee/am"
	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/artifact"
	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/cancellation"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/inventory"
	"github.com/teranos/stagee/ledger"
	"github.com/teranos/stagee/locks"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/metrics"
	"github.com/teranos/stagee/policy"
	"github.com/teranos/stagee/queue"
	"github.com/teranos/stagee/runner"
)

// HandlerName routes queue entries to the engine.
const HandlerName = "execution.run"

// Principals recorded for transitions the engine makes on its own.
const (
	SystemActor  = "system"
	AutoApprover = "system:auto-approve"
	inlineWorker = "inline"
)

// Config tunes dispatch.
type Config struct {
	// ImmediateThreshold is the estimate below which plans run inline.
	ImmediateThreshold time.Duration
	// DefaultStepEstimate is used for step kinds with no history.
	DefaultStepEstimate time.Duration
	// LeaseSafetyBuffer pads queue leases and lock TTLs.
	LeaseSafetyBuffer time.Duration
	// ResultCapBytes bounds result_summary; larger results go to the artifact store.
	ResultCapBytes int
	// StepApprovalRecheck is how long a job waiting on a step approval stays
	// invisible before it looks again.
	StepApprovalRecheck time.Duration
	// TrackerWindow is the number of step durations kept per action and kind.
	TrackerWindow int
}

// ConfigFrom maps the engine section of the configuration.
func ConfigFrom(c am.EngineConfig) Config {
	return Config{
		ImmediateThreshold:  c.ImmediateThreshold(),
		DefaultStepEstimate: c.DefaultStepEstimate(),
		LeaseSafetyBuffer:   c.LeaseSafetyBuffer(),
		ResultCapBytes:      c.ResultCapBytes,
	}
}

func (c *Config) setDefaults() {
	if c.ImmediateThreshold <= 0 {
		c.ImmediateThreshold = 10 * time.Second
	}
	if c.DefaultStepEstimate <= 0 {
		c.DefaultStepEstimate = 2 * time.Second
	}
	if c.LeaseSafetyBuffer <= 0 {
		c.LeaseSafetyBuffer = 30 * time.Second
	}
	if c.ResultCapBytes <= 0 || c.ResultCapBytes > execution.MaxSummaryBytes {
		c.ResultCapBytes = execution.MaxSummaryBytes
	}
	if c.StepApprovalRecheck <= 0 {
		c.StepApprovalRecheck = 30 * time.Second
	}
	if c.TrackerWindow <= 0 {
		c.TrackerWindow = 50
	}
}

// Deps are the collaborators of an engine. Store, Approvals, Locks, Directory,
// Policies and Runners are required; the rest have defaults. A nil Queue
// limits the engine to immediate executions.
type Deps struct {
	Store        *execution.Store
	Ledger       *ledger.Ledger
	Approvals    *approval.Workflow
	Cancellation *cancellation.Manager
	Locks        *locks.Manager
	Gate         *authz.Gate
	Directory    authz.Directory
	Policies     *policy.Resolver
	Tracker      *policy.DurationTracker
	Queue        *queue.Queue
	Runners      *runner.Registry
	Inventory    inventory.Resolver
	Artifacts    artifact.Store
	Metrics      *metrics.Metrics
}

// Engine is the execution engine.
type Engine struct {
	cfg       Config
	store     *execution.Store
	ledger    *ledger.Ledger
	approvals *approval.Workflow
	cancels   *cancellation.Manager
	locks     *locks.Manager
	gate      *authz.Gate
	directory authz.Directory
	policies  *policy.Resolver
	tracker   *policy.DurationTracker
	queue     *queue.Queue
	runners   *runner.Registry
	inventory inventory.Resolver
	artifacts artifact.Store
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger

	// Collapses concurrent drives of one execution inside this process.
	flight singleflight.Group
}

// New wires an engine and registers its queue and lock hooks.
func New(cfg Config, deps Deps, log *zap.SugaredLogger) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.AssertionFailedf("engine requires an execution store")
	case deps.Approvals == nil:
		return nil, errors.AssertionFailedf("engine requires an approval workflow")
	case deps.Locks == nil:
		return nil, errors.AssertionFailedf("engine requires a lock manager")
	case deps.Directory == nil:
		return nil, errors.AssertionFailedf("engine requires an actor directory")
	case deps.Policies == nil:
		return nil, errors.AssertionFailedf("engine requires a policy resolver")
	case deps.Runners == nil:
		return nil, errors.AssertionFailedf("engine requires a runner registry")
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		ledger:    deps.Ledger,
		approvals: deps.Approvals,
		cancels:   deps.Cancellation,
		locks:     deps.Locks,
		gate:      deps.Gate,
		directory: deps.Directory,
		policies:  deps.Policies,
		tracker:   deps.Tracker,
		queue:     deps.Queue,
		runners:   deps.Runners,
		inventory: deps.Inventory,
		artifacts: deps.Artifacts,
		metrics:   deps.Metrics,
		logger:    log,
	}
	if e.ledger == nil {
		e.ledger = ledger.New(e.store, log.Named("ledger"))
	}
	if e.cancels == nil {
		e.cancels = cancellation.NewManager(e.store, e.approvals, log.Named("cancellation"))
	}
	if e.gate == nil {
		e.gate = authz.NewGate(e.store, log.Named("authz"))
	}
	if e.tracker == nil {
		e.tracker = policy.NewDurationTracker(cfg.TrackerWindow)
	}
	if e.inventory == nil {
		e.inventory = inventory.Passthrough{}
	}
	if e.artifacts == nil {
		e.artifacts = artifact.NewMemoryStore()
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	e.locks.OnReclaim(e.lockReclaimed)
	if e.queue != nil {
		e.queue.OnDeadLetter(e.deadLettered)
		e.queue.OnRetry(e.retryScheduled)
	}
	return e, nil
}

// Attach registers the run handler with pool and records its lease renewals.
func (e *Engine) Attach(pool *queue.WorkerPool) {
	pool.Registry().Register(e.Handler())
	pool.OnLeaseRenewed(e.leaseRenewed)
}

// Store exposes the execution store for read paths such as event streaming.
func (e *Engine) Store() *execution.Store { return e.store }

// Policies exposes the live policy table.
func (e *Engine) Policies() *policy.Resolver { return e.policies }

func (e *Engine) lockReclaimed(ctx context.Context, r locks.Reclaimed) {
	e.metrics.LocksReclaimedTotal.Inc()
	_, err := e.store.Append(ctx, r.Owner, execution.EventStaleLockReclaimed, map[string]interface{}{
		"lock_key":   r.LockKey,
		"expired_at": r.ExpiredAt,
	})
	if err != nil && !errors.IsNotFoundError(err) {
		e.logger.Warnw("Failed to record reclaimed lock",
			logger.FieldLockKey, r.LockKey,
			logger.FieldExecutionID, r.Owner,
			logger.FieldError, err,
		)
	}
}

func (e *Engine) deadLettered(ctx context.Context, d *queue.DLQEntry) {
	e.metrics.DeadLetteredTotal.Inc()
	log := e.logger.With(logger.FieldExecutionID, d.ExecutionID, logger.FieldEntryID, d.EntryID)

	if _, err := e.store.Append(ctx, d.ExecutionID, execution.EventDeadLettered, map[string]interface{}{
		"dlq_id":     d.ID,
		"attempts":   d.AttemptCount,
		"last_error": d.LastError,
	}); err != nil {
		log.Errorw("Failed to record dead letter", logger.FieldError, err)
	}

	ex, err := e.store.Fire(ctx, d.ExecutionID, execution.TriggerFail, SystemActor, execution.FireOptions{
		ErrorKind:    errors.KindDeadLettered,
		ErrorMessage: d.LastError,
		Payload:      map[string]interface{}{"dlq_id": d.ID},
	})
	switch {
	case err == nil:
		e.finished(ex)
		log.Warnw("Execution dead-lettered", logger.FieldError, d.LastError)
	case errors.KindOf(err) == errors.KindFSM:
		log.Debugw("Dead-lettered execution already settled")
	default:
		log.Errorw("Failed to fail dead-lettered execution", logger.FieldError, err)
	}
}

func (e *Engine) retryScheduled(ctx context.Context, entry *queue.Entry, cause error, backoff time.Duration) {
	if _, err := e.store.Append(ctx, entry.ExecutionID, execution.EventRetryScheduled, map[string]interface{}{
		"entry_id":   entry.ID,
		"attempt":    entry.AttemptCount,
		"backoff_ms": backoff.Milliseconds(),
		"error":      cause.Error(),
	}); err != nil {
		e.logger.Warnw("Failed to record retry", logger.FieldExecutionID, entry.ExecutionID, logger.FieldError, err)
	}
}

func (e *Engine) leaseRenewed(ctx context.Context, entry *queue.Entry) {
	e.metrics.LeaseRenewalsTotal.Inc()
	if err := e.store.IncrementLeaseRenewals(ctx, entry.ExecutionID); err != nil {
		e.logger.Warnw("Failed to count lease renewal", logger.FieldExecutionID, entry.ExecutionID, logger.FieldError, err)
		return
	}
	payload := map[string]interface{}{"entry_id": entry.ID, "renewals": entry.LeaseRenewals}
	if entry.LeaseExpiresAt != nil {
		payload["lease_expires_at"] = *entry.LeaseExpiresAt
	}
	if _, err := e.store.Append(ctx, entry.ExecutionID, execution.EventLeaseRenewed, payload); err != nil {
		e.logger.Warnw("Failed to record lease renewal", logger.FieldExecutionID, entry.ExecutionID, logger.FieldError, err)
	}
}

// finished records metrics for an execution that reached a terminal state.
func (e *Engine) finished(ex *execution.Execution) {
	if ex == nil || !ex.Status.Terminal() {
		return
	}
	e.metrics.ExecutionsCompleted.WithLabelValues(string(ex.Status), string(ex.ErrorKind)).Inc()
	if ex.StartedAt != nil && ex.EndedAt != nil {
		e.metrics.ExecutionDuration.WithLabelValues(string(ex.Mode)).Observe(ex.EndedAt.Sub(*ex.StartedAt).Seconds())
	}
	e.logger.Infow("Execution finished",
		logger.FieldExecutionID, ex.ID,
		logger.FieldTenantID, ex.TenantID,
		logger.FieldStatus, ex.Status,
		logger.FieldErrorKind, ex.ErrorKind,
	)
}
