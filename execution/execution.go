// Package execution holds the execution record, its steps and its append-only
// event log, and governs every status change through an explicit state machine.
package execution

import (
	"encoding/json"
	"time"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/plan"
)

// Status is an execution's FSM state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Mode is how an execution is dispatched.
type Mode string

const (
	ModeImmediate  Mode = "immediate"
	ModeBackground Mode = "background"
)

// StepStatus is the checkpoint state of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Done reports whether the step must not be run again.
func (s StepStatus) Done() bool {
	return s == StepSucceeded || s == StepSkipped
}

// MaxSummaryBytes caps result_summary; larger output is stored by reference.
const MaxSummaryBytes = 10 * 1024

// MaxStepOutputBytes caps the output kept on a step row.
const MaxStepOutputBytes = 4 * 1024

// Execution is one attempt to run a plan. It is created once and never deleted.
type Execution struct {
	ID             string `json:"execution_id"`
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key"`
	ActorID        string `json:"actor_id"`

	PlanSnapshot json.RawMessage  `json:"plan_snapshot"`
	PlanHash     string           `json:"plan_hash"`
	Action       string           `json:"action"`
	ActionClass  plan.ActionClass `json:"action_class"`

	Mode            Mode          `json:"execution_mode"`
	SLAClass        plan.SLAClass `json:"sla_class"`
	TimeoutPolicyID string        `json:"timeout_policy_id"`
	ApprovalLevel   int           `json:"approval_level"`

	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	WorkerID           string    `json:"worker_id,omitempty"`
	LastTransitionAt   time.Time `json:"last_transition_at"`
	LastTransitionBy   string    `json:"last_transition_by"`
	LastTransitionFrom Status    `json:"last_transition_from,omitempty"`

	CancelledBy  string     `json:"cancelled_by,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`

	ResultSummary string      `json:"result_summary,omitempty"`
	ResultRef     string      `json:"result_ref,omitempty"`
	ErrorKind     errors.Kind `json:"error_kind,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	TimedOut      bool        `json:"timed_out"`

	LeaseRenewals         int `json:"lease_renewals"`
	CancelChecksPerformed int `json:"cancel_checks_performed"`
}

// Plan decodes the frozen plan snapshot.
func (e *Execution) Plan() (*plan.Plan, error) {
	return plan.DecodeSnapshot(string(e.PlanSnapshot))
}

// SnapshotHash is the digest of the stored snapshot bytes.
func (e *Execution) SnapshotHash() string {
	return plan.Digest(e.PlanSnapshot)
}

// CancelRequested reports whether a cancellation has been recorded.
func (e *Execution) CancelRequested() bool {
	return e.CancelledAt != nil
}

// Step is one unit of work of an execution, ordered by Index.
type Step struct {
	ExecutionID string        `json:"execution_id"`
	Index       int           `json:"step_index"`
	Name        string        `json:"name"`
	Kind        plan.StepKind `json:"kind"`
	Status      StepStatus    `json:"status"`
	Attempt     int           `json:"attempt"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	ExitCode    *int          `json:"exit_code,omitempty"`
}

// StepsFor builds the pending step rows for a plan.
func StepsFor(executionID string, p *plan.Plan) []Step {
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = Step{
			ExecutionID: executionID,
			Index:       i,
			Name:        s.Name,
			Kind:        s.Kind,
			Status:      StepPending,
		}
	}
	return steps
}

// Event is one entry of the append-only audit and progress log.
type Event struct {
	Seq         int64           `json:"seq"`
	ExecutionID string          `json:"execution_id"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Event types written to the log.
const (
	EventSubmitted            = "execution_submitted"
	EventStateTransition      = "state_transition"
	EventStarted              = "execution_started"
	EventCompleted            = "execution_completed"
	EventRBACViolation        = "rbac_violation"
	EventApprovalRequested    = "approval_requested"
	EventApprovalApproved     = "approval_approved"
	EventApprovalRejected     = "approval_rejected"
	EventApprovalInvalidated  = "approval_invalidated"
	EventApprovalExpired      = "approval_expired"
	EventPlanAmended          = "plan_amended"
	EventStepStarted          = "step_started"
	EventStepCompleted        = "step_completed"
	EventStepFailed           = "step_failed"
	EventStepSkipped          = "step_skipped"
	EventStepAwaitingApproval = "step_awaiting_approval"
	EventCancelRequested      = "cancellation_requested"
	EventLockAcquired         = "lock_acquired"
	EventLockReleased         = "lock_released"
	EventStaleLockReclaimed   = "stale_lock_reclaimed"
	EventEnqueued             = "execution_enqueued"
	EventLeaseRenewed         = "lease_renewed"
	EventRetryScheduled       = "retry_scheduled"
	EventDeadLettered         = "dead_lettered"
	EventRedriven             = "redriven"
)
