// Package runner performs the side effect of one plan step against one target.
//
// Every invocation carries a step timeout and an idempotency token of the form
// "execution_id:step_index". A step re-run after a worker crash reuses the
// token, so downstream systems can discard the duplicate.
package runner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/inventory"
	"github.com/teranos/stagee/plan"
)

// MaxOutputBytes bounds the output a runner keeps in memory.
const MaxOutputBytes = 256 * 1024

// Invocation is one step applied to one target.
type Invocation struct {
	ExecutionID string
	TenantID    string
	Action      string
	StepIndex   int
	Step        plan.Step
	Target      *inventory.Target
	Timeout     time.Duration
}

// IdempotencyToken identifies the step across retries.
func (inv Invocation) IdempotencyToken() string {
	return inv.ExecutionID + ":" + strconv.Itoa(inv.StepIndex)
}

// Expand substitutes the {ref}, {host} and {port} placeholders for the target.
func (inv Invocation) Expand(s string) string {
	if inv.Target == nil {
		return s
	}
	port := ""
	if inv.Target.Port != 0 {
		port = strconv.Itoa(inv.Target.Port)
	}
	return strings.NewReplacer("{ref}", inv.Target.Ref, "{host}", inv.Target.Host, "{port}", port).Replace(s)
}

// Result is what a runner observed.
type Result struct {
	Output   string
	ExitCode *int
}

// Runner executes one step kind.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, inv Invocation) (Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Registry routes invocations by step kind and enforces the step timeout.
type Registry struct {
	runners map[plan.StepKind]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[plan.StepKind]Runner)}
}

// Default registers the built-in runners.
func Default(httpRunner *HTTPRunner) *Registry {
	r := NewRegistry()
	r.Register(plan.StepShell, &ShellRunner{})
	r.Register(plan.StepHTTP, httpRunner)
	r.Register(plan.StepInspect, InspectRunner{})
	r.Register(plan.StepWait, WaitRunner{})
	return r
}

// Register sets the runner for kind, replacing any previous one.
func (r *Registry) Register(kind plan.StepKind, runner Runner) {
	r.runners[kind] = runner
}

// Run dispatches inv. Exceeding inv.Timeout returns a timeout error; a
// cancelled parent context is returned as is.
func (r *Registry) Run(ctx context.Context, inv Invocation) (Result, error) {
	runner, ok := r.runners[inv.Step.Kind]
	if !ok {
		return Result{}, errors.Newf("no runner for step kind %q", inv.Step.Kind)
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	res, err := runner.Run(runCtx, inv)
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return res, errors.WithSecondaryError(
			errors.NewTimeoutError(fmt.Sprintf("step %d on %s", inv.StepIndex, targetRef(inv)), inv.Timeout), err)
	}
	return res, err
}

func targetRef(inv Invocation) string {
	if inv.Target == nil {
		return "-"
	}
	return inv.Target.Ref
}

// capped collects at most limit bytes and counts the rest.
type capped struct {
	buf     []byte
	limit   int
	dropped int
}

func (c *capped) Write(p []byte) (int, error) {
	room := c.limit - len(c.buf)
	if room > len(p) {
		room = len(p)
	}
	if room > 0 {
		c.buf = append(c.buf, p[:room]...)
	}
	c.dropped += len(p) - room
	return len(p), nil
}

func (c *capped) String() string {
	if c.dropped == 0 {
		return string(c.buf)
	}
	return fmt.Sprintf("%s\n[%d bytes truncated]", c.buf, c.dropped)
}
