package runner

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/stagee/errors"
)

// InspectRunner reports target metadata without touching the target.
type InspectRunner struct{}

// Run implements Runner. Fields select ref, host, port, address or
// labels.<name>; no fields reports everything.
func (InspectRunner) Run(_ context.Context, inv Invocation) (Result, error) {
	t := inv.Target
	if t == nil {
		return Result{}, errors.AssertionFailedf("inspect step %d has no target", inv.StepIndex)
	}
	all := map[string]interface{}{
		"ref":     t.Ref,
		"host":    t.Host,
		"address": t.Address(),
	}
	if t.Port != 0 {
		all["port"] = t.Port
	}
	if len(t.Labels) > 0 {
		all["labels"] = t.Labels
	}

	report := all
	if inv.Step.Inspect != nil && len(inv.Step.Inspect.Fields) > 0 {
		report = make(map[string]interface{}, len(inv.Step.Inspect.Fields))
		for _, f := range inv.Step.Inspect.Fields {
			if name, ok := strings.CutPrefix(f, "labels."); ok {
				report[f] = t.Labels[name]
				continue
			}
			report[f] = all[f]
		}
	}

	out, err := json.Marshal(report)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to encode inspection")
	}
	return Result{Output: string(out)}, nil
}

// WaitRunner pauses for the configured duration.
type WaitRunner struct{}

// Run implements Runner.
func (WaitRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Step.Wait == nil {
		return Result{}, errors.AssertionFailedf("wait step %d has no body", inv.StepIndex)
	}
	d := inv.Step.Wait.Duration()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-timer.C:
		return Result{Output: "waited " + d.String()}, nil
	}
}
