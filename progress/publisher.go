// Package progress streams execution events to live subscribers.
//
// The durable event log is the only source of events and their order.
// Notifications carry no data; they only wake subscribers early so they read
// the log again. A subscriber that misses a wakeup still catches up on its
// next poll.
package progress

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/logger"
)

const (
	// DefaultPollInterval is the fallback read interval for subscribers.
	DefaultPollInterval = time.Second
	// SubscriberBufferSize is the channel buffer of each subscription.
	SubscriberBufferSize = 64
	batchSize            = 256
)

// EventLog is the durable log subscribers read from.
type EventLog interface {
	Events(ctx context.Context, executionID string, afterSeq int64, limit int) ([]execution.Event, error)
}

// Publisher wakes subscribers when events are appended. It implements
// execution.Notifier.
type Publisher struct {
	log          EventLog
	logger       *zap.SugaredLogger
	pollInterval time.Duration

	mu    sync.Mutex
	waits map[string]chan struct{}
}

// NewPublisher creates a publisher over log. A non-positive pollInterval uses
// DefaultPollInterval.
func NewPublisher(log EventLog, pollInterval time.Duration, logger *zap.SugaredLogger) *Publisher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Publisher{
		log:          log,
		logger:       logger,
		pollInterval: pollInterval,
		waits:        make(map[string]chan struct{}),
	}
}

// Notify wakes every subscriber of executionID.
func (p *Publisher) Notify(executionID string) {
	p.mu.Lock()
	if ch, ok := p.waits[executionID]; ok {
		close(ch)
		delete(p.waits, executionID)
	}
	p.mu.Unlock()
}

func (p *Publisher) waitChan(executionID string) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waits[executionID]
	if !ok {
		ch = make(chan struct{})
		p.waits[executionID] = ch
	}
	return ch
}

// Events returns logged events with seq > afterSeq, for poll clients.
func (p *Publisher) Events(ctx context.Context, executionID string, afterSeq int64, limit int) ([]execution.Event, error) {
	return p.log.Events(ctx, executionID, afterSeq, limit)
}

// Subscribe streams the events of executionID with seq > afterSeq in order.
// It replays the log first, then follows new events. The channel is closed
// after the execution_completed event is delivered, when ctx ends, or when
// the log cannot be read.
func (p *Publisher) Subscribe(ctx context.Context, executionID string, afterSeq int64) <-chan execution.Event {
	out := make(chan execution.Event, SubscriberBufferSize)
	go p.follow(ctx, executionID, afterSeq, out)
	return out
}

func (p *Publisher) follow(ctx context.Context, executionID string, last int64, out chan<- execution.Event) {
	defer close(out)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		// Take the wait channel before reading so an append between the read
		// and the wait still wakes us.
		woken := p.waitChan(executionID)

		events, err := p.log.Events(ctx, executionID, last, batchSize)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warnw("Subscriber stopped, event log unreadable",
					logger.FieldExecutionID, executionID,
					logger.FieldError, err)
			}
			return
		}

		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			last = ev.Seq
			if ev.Type == execution.EventCompleted {
				return
			}
		}
		if len(events) == batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-woken:
		case <-ticker.C:
		}
	}
}
