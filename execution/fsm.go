package execution

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/teranos/stagee/errors"
)

// Trigger is an FSM event name.
type Trigger string

const (
	TriggerApprove    Trigger = "approve"
	TriggerReject     Trigger = "reject"
	TriggerInvalidate Trigger = "invalidate"
	TriggerStart      Trigger = "start"
	TriggerSucceed    Trigger = "succeed"
	TriggerFail       Trigger = "fail"
	TriggerCancel     Trigger = "cancel"
	TriggerTimeOut    Trigger = "time_out"
)

// transitions is the complete allow-list. Anything not listed is refused.
var transitions = fsm.Events{
	{Name: string(TriggerApprove), Src: []string{string(StatusPending)}, Dst: string(StatusApproved)},
	{Name: string(TriggerReject), Src: []string{string(StatusPending), string(StatusApproved), string(StatusRunning)}, Dst: string(StatusRejected)},
	{Name: string(TriggerInvalidate), Src: []string{string(StatusApproved)}, Dst: string(StatusPending)},
	{Name: string(TriggerStart), Src: []string{string(StatusApproved)}, Dst: string(StatusRunning)},
	{Name: string(TriggerSucceed), Src: []string{string(StatusRunning)}, Dst: string(StatusSucceeded)},
	{Name: string(TriggerFail), Src: []string{string(StatusApproved), string(StatusRunning)}, Dst: string(StatusFailed)},
	{Name: string(TriggerCancel), Src: []string{string(StatusPending), string(StatusApproved), string(StatusRunning)}, Dst: string(StatusCancelled)},
	{Name: string(TriggerTimeOut), Src: []string{string(StatusRunning)}, Dst: string(StatusTimedOut)},
}

// Next validates trigger against the allow-list from state from and returns
// the destination state. An illegal trigger returns an FSM error.
func Next(ctx context.Context, executionID string, from Status, trigger Trigger) (Status, error) {
	machine := fsm.NewFSM(string(from), transitions, fsm.Callbacks{})
	if err := machine.Event(ctx, string(trigger)); err != nil {
		return "", errors.WithSecondaryError(errors.NewFSMError(executionID, string(from), string(trigger)), err)
	}
	return Status(machine.Current()), nil
}

// Can reports whether trigger is allowed from state from.
func Can(from Status, trigger Trigger) bool {
	return fsm.NewFSM(string(from), transitions, fsm.Callbacks{}).Can(string(trigger))
}

// Allowed reports whether (from, to) is an allow-listed transition.
func Allowed(from, to Status) bool {
	for _, t := range transitions {
		if t.Dst != string(to) {
			continue
		}
		for _, src := range t.Src {
			if src == string(from) {
				return true
			}
		}
	}
	return false
}
