// Package plan defines the execution plan model: a tenant, an action, the
// targets it applies to and an ordered list of typed steps.
//
// Step is a closed tagged union. Exactly one body field is set and it must
// match Kind; Validate enforces this before anything is persisted.
package plan

import "time"

// SLAClass buckets plans by expected duration and drives timeout budgets.
type SLAClass string

const (
	SLAFast   SLAClass = "fast"
	SLAMedium SLAClass = "medium"
	SLALong   SLAClass = "long"
)

// SLAClasses lists every SLA class in increasing budget order.
var SLAClasses = []SLAClass{SLAFast, SLAMedium, SLALong}

// Valid reports whether c is a known SLA class.
func (c SLAClass) Valid() bool {
	switch c {
	case SLAFast, SLAMedium, SLALong:
		return true
	}
	return false
}

// ActionClass is the risk bucket of an action.
type ActionClass string

const (
	ActionRead        ActionClass = "read"
	ActionChange      ActionClass = "change"
	ActionDeploy      ActionClass = "deploy"
	ActionDestructive ActionClass = "destructive"
)

// ActionClasses lists every action class in increasing risk order.
var ActionClasses = []ActionClass{ActionRead, ActionChange, ActionDeploy, ActionDestructive}

// Valid reports whether c is a known action class.
func (c ActionClass) Valid() bool {
	switch c {
	case ActionRead, ActionChange, ActionDeploy, ActionDestructive:
		return true
	}
	return false
}

var actionClasses = map[string]ActionClass{
	"inspect":  ActionRead,
	"status":   ActionRead,
	"get":      ActionRead,
	"list":     ActionRead,
	"describe": ActionRead,
	"health":   ActionRead,

	"restart":   ActionChange,
	"reload":    ActionChange,
	"scale":     ActionChange,
	"patch":     ActionChange,
	"configure": ActionChange,

	"deploy":   ActionDeploy,
	"upgrade":  ActionDeploy,
	"rollback": ActionDeploy,
	"migrate":  ActionDeploy,

	"delete":       ActionDestructive,
	"destroy":      ActionDestructive,
	"drain":        ActionDestructive,
	"wipe":         ActionDestructive,
	"decommission": ActionDestructive,
}

// ClassifyAction maps an action name to its risk class. Unknown actions are
// treated as changes, never as reads.
func ClassifyAction(action string) ActionClass {
	if c, ok := actionClasses[action]; ok {
		return c
	}
	return ActionChange
}

// StepKind discriminates the Step union.
type StepKind string

const (
	StepShell   StepKind = "shell"
	StepHTTP    StepKind = "http"
	StepInspect StepKind = "inspect"
	StepWait    StepKind = "wait"
)

// Plan is a validated automation plan.
type Plan struct {
	TenantID     string                 `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	Action       string                 `json:"action" yaml:"action" toml:"action"`
	Targets      []string               `json:"targets" yaml:"targets" toml:"targets"`
	SLAClass     SLAClass               `json:"sla_class,omitempty" yaml:"sla_class,omitempty" toml:"sla_class,omitempty"`
	RunbookRef   string                 `json:"runbook_ref,omitempty" yaml:"runbook_ref,omitempty" toml:"runbook_ref,omitempty"`
	StepApproval bool                   `json:"step_approval,omitempty" yaml:"step_approval,omitempty" toml:"step_approval,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty"`
	Steps        []Step                 `json:"steps" yaml:"steps" toml:"steps"`
}

// ActionClass returns the risk class of the plan. The action name sets the
// class, except that a read-named plan with any side-effecting step is a change.
func (p *Plan) ActionClass() ActionClass {
	c := ClassifyAction(p.Action)
	if c == ActionRead && !p.ReadOnly() {
		return ActionChange
	}
	return c
}

// ReadOnly reports whether every step is read-only.
func (p *Plan) ReadOnly() bool {
	for i := range p.Steps {
		if !p.Steps[i].ReadOnly() {
			return false
		}
	}
	return true
}

// Step is one unit of work, applied to every target in declared order.
type Step struct {
	Name    string       `json:"name" yaml:"name" toml:"name"`
	Kind    StepKind     `json:"kind" yaml:"kind" toml:"kind"`
	Shell   *ShellStep   `json:"shell,omitempty" yaml:"shell,omitempty" toml:"shell,omitempty"`
	HTTP    *HTTPStep    `json:"http,omitempty" yaml:"http,omitempty" toml:"http,omitempty"`
	Inspect *InspectStep `json:"inspect,omitempty" yaml:"inspect,omitempty" toml:"inspect,omitempty"`
	Wait    *WaitStep    `json:"wait,omitempty" yaml:"wait,omitempty" toml:"wait,omitempty"`
}

// Body is implemented only by the step body types of this package.
type Body interface {
	stepKind() StepKind
}

// ShellStep runs a command with the target's connection details in its environment.
type ShellStep struct {
	Command string            `json:"command" yaml:"command" toml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
}

// HTTPStep calls an API. {ref}, {host} and {port} in URL are replaced per target.
type HTTPStep struct {
	Method       string            `json:"method" yaml:"method" toml:"method"`
	URL          string            `json:"url" yaml:"url" toml:"url"`
	Headers      map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" toml:"headers,omitempty"`
	Body         string            `json:"body,omitempty" yaml:"body,omitempty" toml:"body,omitempty"`
	ExpectStatus int               `json:"expect_status,omitempty" yaml:"expect_status,omitempty" toml:"expect_status,omitempty"`
}

// InspectStep reports target metadata without side effects.
type InspectStep struct {
	Fields []string `json:"fields,omitempty" yaml:"fields,omitempty" toml:"fields,omitempty"`
}

// WaitStep pauses between steps.
type WaitStep struct {
	DurationMS int64 `json:"duration_ms" yaml:"duration_ms" toml:"duration_ms"`
}

// Duration returns the wait as a time.Duration.
func (w *WaitStep) Duration() time.Duration {
	return time.Duration(w.DurationMS) * time.Millisecond
}

func (*ShellStep) stepKind() StepKind   { return StepShell }
func (*HTTPStep) stepKind() StepKind    { return StepHTTP }
func (*InspectStep) stepKind() StepKind { return StepInspect }
func (*WaitStep) stepKind() StepKind    { return StepWait }

// Body returns the populated body, or nil when none is set.
func (s *Step) Body() Body {
	var bodies []Body
	if s.Shell != nil {
		bodies = append(bodies, s.Shell)
	}
	if s.HTTP != nil {
		bodies = append(bodies, s.HTTP)
	}
	if s.Inspect != nil {
		bodies = append(bodies, s.Inspect)
	}
	if s.Wait != nil {
		bodies = append(bodies, s.Wait)
	}
	if len(bodies) != 1 {
		return nil
	}
	return bodies[0]
}

// ReadOnly reports whether the step cannot cause side effects on a target.
func (s *Step) ReadOnly() bool {
	return s.Kind == StepInspect || s.Kind == StepWait
}
