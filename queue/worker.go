package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/stagee/db"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

// RenewFunc is called after every successful lease renewal.
type RenewFunc func(ctx context.Context, e *Entry)

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers           int           `json:"workers"`              // Number of concurrent workers
	DequeueWait       time.Duration `json:"dequeue_wait"`         // Longest single blocking dequeue
	StopTimeout       time.Duration `json:"stop_timeout"`         // How long Stop waits for handlers
	MemoryPerWorkerMB uint64        `json:"memory_per_worker_mb"` // Budget used by the memory-pressure warning
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:           4,
		DequeueWait:       5 * time.Second,
		StopTimeout:       30 * time.Second,
		MemoryPerWorkerMB: 256,
	}
}

// WorkerPool runs a fixed number of workers that lease entries and pass them
// to their handlers. Each running entry gets a heartbeat that renews its
// lease every third of the lease duration.
type WorkerPool struct {
	queue     *Queue
	registry  *HandlerRegistry
	cfg       WorkerPoolConfig
	logger    *zap.SugaredLogger
	idPrefix  string
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu            sync.Mutex
	activeWorkers int
	onRenew       []RenewFunc
}

// NewWorkerPool creates a worker pool. Cancelling ctx stops every worker.
func NewWorkerPool(ctx context.Context, q *Queue, registry *HandlerRegistry, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = def.DequeueWait
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:     q,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		idPrefix:  fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
	}
}

// Registry returns the handler registry. Register handlers before Start.
func (wp *WorkerPool) Registry() *HandlerRegistry { return wp.registry }

// Queue returns the queue the pool drains.
func (wp *WorkerPool) Queue() *Queue { return wp.queue }

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int { return wp.cfg.Workers }

// OnLeaseRenewed registers fn to run after every heartbeat renewal.
func (wp *WorkerPool) OnLeaseRenewed(fn RenewFunc) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.onRenew = append(wp.onRenew, fn)
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Debugw("Recreated worker context after previous shutdown")
	default:
	}
	ctx := wp.ctx
	wp.mu.Unlock()

	// Entries orphaned by a crash need no recovery step: their leases expire
	// and Dequeue hands them out again.
	if stats, err := wp.queue.Stats(ctx); err == nil && stats.ExpiredLeases > 0 {
		wp.logger.Infow("Found entries with expired leases from a previous run",
			"count", stats.ExpiredLeases)
	}
	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.cfg.Workers)
	}

	wp.logger.Infow("Worker pool started",
		"workers", wp.cfg.Workers,
		"handlers", wp.registry.Names(),
	)
	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, fmt.Sprintf("%s-%d", wp.idPrefix, i))
	}
}

// Stop cancels the workers and waits up to StopTimeout for running handlers.
// Entries interrupted by Stop are released without consuming an attempt.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped, all workers exited cleanly")
	case <-time.After(wp.cfg.StopTimeout):
		wp.logger.Warnw("Worker pool stop timed out, handlers may still be running", "timeout", wp.cfg.StopTimeout)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, workerID string) {
	defer wp.wg.Done()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := wp.queue.DequeueWait(ctx, workerID, 0, wp.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil || db.IsDatabaseClosed(err) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker failed to dequeue",
				logger.FieldWorkerID, workerID,
				logger.FieldError, err,
				"consecutive_errors", errorCount)
			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					logger.FieldWorkerID, workerID,
					"backoff", backoffDuration)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
			continue
		}
		if errorCount > 0 {
			wp.logger.Infow("Worker recovered from errors",
				logger.FieldWorkerID, workerID,
				"previous_error_count", errorCount)
			errorCount = 0
			backoffDuration = time.Second
		}
		if entry == nil {
			continue
		}

		wp.process(ctx, workerID, entry)
	}
}

// process runs one leased entry to an outcome: done, retried, deferred or dead.
func (wp *WorkerPool) process(ctx context.Context, workerID string, entry *Entry) {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(
		logger.FieldWorkerID, workerID,
		logger.FieldEntryID, entry.ID,
		logger.FieldExecutionID, entry.ExecutionID,
		logger.FieldAttempt, entry.AttemptCount,
	)
	// Outcome writes must land even when the pool is stopping.
	writeCtx := context.WithoutCancel(ctx)

	handler := wp.registry.Get(entry.Handler)
	if handler == nil {
		err := errors.Newf("no handler registered for %q", entry.Handler)
		log.Errorw("Unroutable entry", logger.FieldError, err)
		if _, ferr := wp.queue.Fail(writeCtx, entry.ID, workerID, err, false); ferr != nil {
			log.Errorw("Failed to dead-letter unroutable entry", logger.FieldError, ferr)
		}
		return
	}

	lease := newLease(entry)
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		wp.heartbeat(hbCtx, workerID, lease, log)
	}()

	err := wp.safeHandle(ctx, handler, entry, lease)
	stopHeartbeat()
	hbDone.Wait()

	var deferErr *DeferError
	switch {
	case err == nil:
		if cerr := wp.queue.Complete(writeCtx, entry.ID, workerID); cerr != nil {
			log.Warnw("Failed to complete entry", logger.FieldError, cerr)
		}

	case errors.Is(err, errors.ErrLeaseLost) || (lease.IsLost() && errors.Is(err, context.Canceled)):
		log.Warnw("Lease lost, abandoning entry", logger.FieldError, err)

	case ctx.Err() != nil:
		log.Infow("Entry interrupted by shutdown, releasing")
		if derr := wp.queue.Defer(writeCtx, entry.ID, workerID, 0); derr != nil {
			log.Warnw("Failed to release interrupted entry", logger.FieldError, derr)
		}

	case errors.As(err, &deferErr):
		log.Debugw("Entry deferred", "after", deferErr.After, "reason", deferErr.Reason)
		if derr := wp.queue.Defer(writeCtx, entry.ID, workerID, deferErr.After); derr != nil {
			log.Warnw("Failed to defer entry", logger.FieldError, derr)
		}

	default:
		ec := ClassifyError("execute", err)
		log.Warnw("Handler failed",
			logger.FieldError, err,
			logger.FieldErrorKind, ec.Kind,
			"retryable", ec.Retryable)
		if _, ferr := wp.queue.Fail(writeCtx, entry.ID, workerID, err, ec.Retryable); ferr != nil {
			log.Warnw("Failed to record entry failure", logger.FieldError, ferr)
		}
	}
}

func (wp *WorkerPool) safeHandle(ctx context.Context, h Handler, entry *Entry, lease *Lease) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ctx, entry, lease)
}

// heartbeat renews the lease every third of its duration until ctx ends or
// the lease cannot be kept.
func (wp *WorkerPool) heartbeat(ctx context.Context, workerID string, lease *Lease, log *zap.SugaredLogger) {
	interval := lease.Entry().Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e, err := wp.queue.RenewLease(ctx, lease.Entry().ID, workerID)
		switch {
		case err == nil:
			lease.renewed()
			wp.mu.Lock()
			hooks := append([]RenewFunc(nil), wp.onRenew...)
			wp.mu.Unlock()
			for _, fn := range hooks {
				fn(ctx, e)
			}
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrRenewalsExhausted):
			log.Warnw("Lease renewal budget exhausted", "renewals", lease.Renewals())
			lease.markLost()
			return
		case errors.Is(err, errors.ErrLeaseLost):
			log.Warnw("Lease lost during heartbeat")
			lease.markLost()
			return
		default:
			log.Warnw("Lease renewal failed, will retry", logger.FieldError, err)
		}
	}
}
