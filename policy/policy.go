// Package policy resolves timeout and retry budgets for executions.
//
// The table is keyed by (SLA class, action class). Built-in rows can be
// replaced from configuration at runtime; executions record the policy id
// they were created with and look it up again when they run.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teranos/stagee/am"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/plan"
)

// Policy is one row of the timeout table.
type Policy struct {
	ID               string           `json:"policy_id"`
	SLAClass         plan.SLAClass    `json:"sla_class"`
	ActionClass      plan.ActionClass `json:"action_class"`
	ExecutionTimeout time.Duration    `json:"execution_timeout"`
	StepTimeout      time.Duration    `json:"step_timeout"`
	MaxAttempts      int              `json:"max_attempts"`
	MaxLeaseRenewals int              `json:"max_lease_renewals"`
}

// PolicyID names the row for sla and action, e.g. "medium/change".
func PolicyID(sla plan.SLAClass, action plan.ActionClass) string {
	return fmt.Sprintf("%s/%s", sla, action)
}

type budget struct {
	execution time.Duration
	step      time.Duration
	renewals  int
}

var slaBudgets = map[plan.SLAClass]budget{
	plan.SLAFast:   {execution: 30 * time.Second, step: 10 * time.Second, renewals: 3},
	plan.SLAMedium: {execution: 10 * time.Minute, step: 2 * time.Minute, renewals: 20},
	plan.SLALong:   {execution: 2 * time.Hour, step: 20 * time.Minute, renewals: 120},
}

// Riskier actions get fewer automatic retries.
var actionAttempts = map[plan.ActionClass]int{
	plan.ActionRead:        5,
	plan.ActionChange:      3,
	plan.ActionDeploy:      2,
	plan.ActionDestructive: 1,
}

// DefaultTable returns the built-in policy rows.
func DefaultTable() map[string]Policy {
	table := make(map[string]Policy, len(plan.SLAClasses)*len(plan.ActionClasses))
	for _, sla := range plan.SLAClasses {
		b := slaBudgets[sla]
		for _, action := range plan.ActionClasses {
			id := PolicyID(sla, action)
			table[id] = Policy{
				ID:               id,
				SLAClass:         sla,
				ActionClass:      action,
				ExecutionTimeout: b.execution,
				StepTimeout:      b.step,
				MaxAttempts:      actionAttempts[action],
				MaxLeaseRenewals: b.renewals,
			}
		}
	}
	return table
}

// Resolver serves the live policy table. It is safe for concurrent use.
type Resolver struct {
	mu    sync.RWMutex
	table map[string]Policy
}

// NewResolver builds a resolver from the built-in table with overrides applied.
func NewResolver(overrides []am.PolicyOverride) (*Resolver, error) {
	r := &Resolver{}
	if err := r.Replace(overrides); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the policy for (sla, action).
func (r *Resolver) Resolve(sla plan.SLAClass, action plan.ActionClass) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.table[PolicyID(sla, action)]; ok {
		return p
	}
	// Unknown classes fall back to the strictest budget.
	return r.table[PolicyID(plan.SLAFast, plan.ActionDestructive)]
}

// ByID returns the current row for a recorded policy id.
func (r *Resolver) ByID(id string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.table[id]
	if !ok {
		return Policy{}, errors.NewNotFoundError("timeout policy %s", id)
	}
	return p, nil
}

// Replace rebuilds the table from the built-in rows and overrides. The live
// table is untouched when any override is invalid.
func (r *Resolver) Replace(overrides []am.PolicyOverride) error {
	table := DefaultTable()
	var problems []string
	for i, o := range overrides {
		sla, action := plan.SLAClass(o.SLAClass), plan.ActionClass(o.ActionClass)
		if !sla.Valid() || !action.Valid() {
			problems = append(problems, fmt.Sprintf("override %d: unknown class %s/%s", i, o.SLAClass, o.ActionClass))
			continue
		}
		p := table[PolicyID(sla, action)]
		if o.ExecutionTimeoutMS > 0 {
			p.ExecutionTimeout = time.Duration(o.ExecutionTimeoutMS) * time.Millisecond
		}
		if o.StepTimeoutMS > 0 {
			p.StepTimeout = time.Duration(o.StepTimeoutMS) * time.Millisecond
		}
		if o.MaxAttempts > 0 {
			p.MaxAttempts = o.MaxAttempts
		}
		if o.MaxLeaseRenewals > 0 {
			p.MaxLeaseRenewals = o.MaxLeaseRenewals
		}
		if p.StepTimeout > p.ExecutionTimeout {
			problems = append(problems, fmt.Sprintf("override %d: step timeout %s exceeds execution timeout %s", i, p.StepTimeout, p.ExecutionTimeout))
			continue
		}
		table[p.ID] = p
	}
	if len(problems) > 0 {
		return errors.NewValidationError("invalid policy overrides: %s", strings.Join(problems, "; "))
	}

	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
	return nil
}

// All returns every row ordered by id.
func (r *Resolver) All() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Policy, 0, len(r.table))
	for _, p := range r.table {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClassifyEstimate picks an SLA class for plans that do not declare one.
func ClassifyEstimate(estimate time.Duration) plan.SLAClass {
	switch {
	case estimate <= slaBudgets[plan.SLAFast].execution/2:
		return plan.SLAFast
	case estimate <= slaBudgets[plan.SLAMedium].execution/2:
		return plan.SLAMedium
	default:
		return plan.SLALong
	}
}

// LeaseDuration derives a queue lease: the step timeout plus a safety buffer,
// or twice the observed p95 step duration, whichever is longer.
func LeaseDuration(p Policy, safetyBuffer, p95 time.Duration) time.Duration {
	lease := p.StepTimeout + safetyBuffer
	if twice := 2 * p95; twice > lease {
		lease = twice
	}
	return lease
}
