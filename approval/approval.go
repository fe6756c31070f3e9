// Package approval gates executions behind human decisions bound to an exact
// plan.
//
// An approval records the plan hash and snapshot hash it was granted for.
// Before an execution passes an approval gate both hashes are checked against
// the live plan; a mismatch invalidates the approval instead of letting a
// changed plan run under an old decision.
package approval

import (
	"time"

	"github.com/teranos/stagee/plan"
)

// Levels, by plan risk.
const (
	LevelAuto         = 0 // read-only, no human gate
	LevelConfirmation = 1 // single acknowledgment
	LevelPlanReview   = 2 // requires a runbook reference
	LevelStepByStep   = 3 // every step approved separately
)

// LevelFor picks the approval level for p.
func LevelFor(p *plan.Plan) int {
	if p.StepApproval {
		return LevelStepByStep
	}
	switch p.ActionClass() {
	case plan.ActionRead:
		return LevelAuto
	case plan.ActionChange:
		return LevelConfirmation
	case plan.ActionDeploy:
		return LevelPlanReview
	default:
		return LevelStepByStep
	}
}

// Status is the state of one approval request.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusInvalidated Status = "invalidated"
	StatusExpired     Status = "expired"
)

// Approval is one request for a decision. Plan-level approvals have a nil
// StepIndex.
type Approval struct {
	ID            string     `json:"approval_id"`
	ExecutionID   string     `json:"execution_id"`
	TenantID      string     `json:"tenant_id"`
	StepIndex     *int       `json:"step_index,omitempty"`
	Level         int        `json:"level"`
	PlanHash      string     `json:"plan_hash"`
	SnapshotHash  string     `json:"snapshot_hash"`
	Status        Status     `json:"status"`
	RequestedBy   string     `json:"requested_by"`
	RequestedAt   time.Time  `json:"requested_at"`
	Principal     string     `json:"principal,omitempty"`
	AuthMethod    string     `json:"auth_method,omitempty"`
	SourceIP      string     `json:"source_ip,omitempty"`
	RunbookRef    string     `json:"runbook_ref,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	DecidedAt     *time.Time `json:"decided_at,omitempty"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
}

// Decision is what an approver submits.
type Decision struct {
	Principal  string
	TenantID   string
	AuthMethod string
	SourceIP   string
	RunbookRef string
	Reason     string
}
