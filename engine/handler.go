package engine

import (
	"context"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/queue"
)

// Handler returns the queue handler that drives background executions.
func (e *Engine) Handler() queue.Handler {
	return queue.HandlerFunc{HandlerName: HandlerName, Fn: e.handle}
}

// handle drives one leased execution. Outcomes already written to the
// execution record complete the entry; anything else goes back to the queue
// for retry or deferral.
func (e *Engine) handle(ctx context.Context, entry *queue.Entry, lease *queue.Lease) error {
	ctx, cancel := context.WithCancel(logger.WithExecutionID(ctx, entry.ExecutionID))
	defer cancel()
	go func() {
		select {
		case <-lease.Lost():
			cancel()
		case <-ctx.Done():
		}
	}()

	ex, err := e.drive(ctx, entry.ExecutionID, runOptions{workerID: entry.LeaseOwner, lease: lease})
	if err == nil {
		return nil
	}

	log := logger.FromContext(ctx, e.logger).With(logger.FieldEntryID, entry.ID)
	switch {
	case ex != nil && (ex.Status.Terminal() || ex.Status == execution.StatusPending):
		log.Infow("Execution settled with error",
			logger.FieldStatus, ex.Status,
			logger.FieldErrorKind, errors.KindOf(err),
			logger.FieldError, err,
		)
		return nil
	case errors.KindOf(err) == errors.KindFSM:
		// Driven elsewhere; this entry has nothing left to do.
		log.Infow("Execution driven by another runner", logger.FieldError, err)
		return nil
	}
	return err
}
