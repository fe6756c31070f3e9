// Package queue provides the lease-based background queue that drives
// background executions.
//
// ARCHITECTURE: one entry per execution
// - Enqueue is idempotent on execution_id
// - Dequeue leases the entry to one worker until lease_expires_at
// - A worker that stops renewing loses the lease; the entry becomes visible again
// - Entries that run out of attempts move to the dead-letter queue with their error context
package queue

import (
	"time"

	"github.com/teranos/stagee/errors"
)

// Status is the state of a queue entry.
type Status string

const (
	StatusQueued Status = "queued"
	StatusLeased Status = "leased"
	StatusDone   Status = "done"
	StatusDead   Status = "dead"
)

// ErrRenewalsExhausted means the entry used its whole lease renewal budget.
var ErrRenewalsExhausted = errors.New("lease renewals exhausted")

// Entry is one queued execution.
type Entry struct {
	ID               string        `json:"id"`
	ExecutionID      string        `json:"execution_id"`
	TenantID         string        `json:"tenant_id"`
	Handler          string        `json:"handler"`
	Priority         int           `json:"priority"`
	Status           Status        `json:"status"`
	LeaseOwner       string        `json:"lease_owner,omitempty"`
	LeaseExpiresAt   *time.Time    `json:"lease_expires_at,omitempty"`
	Lease            time.Duration `json:"lease"`
	VisibleAt        time.Time     `json:"visible_at"`
	AttemptCount     int           `json:"attempt_count"`
	MaxAttempts      int           `json:"max_attempts"`
	LeaseRenewals    int           `json:"lease_renewals"`
	MaxLeaseRenewals int           `json:"max_lease_renewals"`
	LastError        string        `json:"last_error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// AttemptsLeft returns how many more leases the entry may be given.
func (e *Entry) AttemptsLeft() int {
	if n := e.MaxAttempts - e.AttemptCount; n > 0 {
		return n
	}
	return 0
}

// EnqueueRequest describes an entry to add.
type EnqueueRequest struct {
	ExecutionID      string
	TenantID         string
	Handler          string
	Priority         int
	MaxAttempts      int
	Lease            time.Duration
	MaxLeaseRenewals int
	// Delay keeps the entry invisible for a while after enqueue.
	Delay time.Duration
}

func (r EnqueueRequest) validate() error {
	switch {
	case r.ExecutionID == "":
		return errors.NewValidationError("enqueue: execution_id is required")
	case r.Handler == "":
		return errors.NewValidationError("enqueue: handler is required")
	case r.MaxAttempts < 1:
		return errors.NewValidationError("enqueue: max_attempts must be at least 1, got %d", r.MaxAttempts)
	case r.Lease <= 0:
		return errors.NewValidationError("enqueue: lease must be positive, got %s", r.Lease)
	case r.MaxLeaseRenewals < 0:
		return errors.NewValidationError("enqueue: max_lease_renewals must not be negative")
	}
	return nil
}

// DLQEntry is a dead-lettered entry with the error context of its last failure.
type DLQEntry struct {
	ID           string       `json:"id"`
	EntryID      string       `json:"entry_id"`
	ExecutionID  string       `json:"execution_id"`
	TenantID     string       `json:"tenant_id"`
	Handler      string       `json:"handler"`
	AttemptCount int          `json:"attempt_count"`
	MaxAttempts  int          `json:"max_attempts"`
	LastError    string       `json:"last_error,omitempty"`
	ErrorContext ErrorContext `json:"error_context"`
	DeadAt       time.Time    `json:"dead_at"`
	RedrivenAt   *time.Time   `json:"redriven_at,omitempty"`
}

// Stats counts entries by state.
type Stats struct {
	Queued        int `json:"queued"`
	Leased        int `json:"leased"`
	Done          int `json:"done"`
	Dead          int `json:"dead"`
	ExpiredLeases int `json:"expired_leases"`
	DLQ           int `json:"dlq"`
	Total         int `json:"total"`
}
