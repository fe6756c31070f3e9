package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/stagee/errors"
)

var allStatuses = []Status{
	StatusPending, StatusApproved, StatusRejected, StatusRunning,
	StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut,
}

var allTriggers = []Trigger{
	TriggerApprove, TriggerReject, TriggerInvalidate, TriggerStart,
	TriggerSucceed, TriggerFail, TriggerCancel, TriggerTimeOut,
}

func TestNext_AllowList(t *testing.T) {
	want := map[Status]map[Trigger]Status{
		StatusPending: {
			TriggerApprove: StatusApproved,
			TriggerReject:  StatusRejected,
			TriggerCancel:  StatusCancelled,
		},
		StatusApproved: {
			TriggerReject:     StatusRejected,
			TriggerInvalidate: StatusPending,
			TriggerStart:      StatusRunning,
			TriggerFail:       StatusFailed,
			TriggerCancel:     StatusCancelled,
		},
		StatusRunning: {
			TriggerReject:  StatusRejected,
			TriggerSucceed: StatusSucceeded,
			TriggerFail:    StatusFailed,
			TriggerCancel:  StatusCancelled,
			TriggerTimeOut: StatusTimedOut,
		},
	}

	ctx := context.Background()
	for _, from := range allStatuses {
		for _, trigger := range allTriggers {
			to, err := Next(ctx, "exec-1", from, trigger)
			expected, ok := want[from][trigger]
			if !ok {
				require.Error(t, err, "%s --%s-->", from, trigger)
				assert.Equal(t, errors.KindFSM, errors.KindOf(err))
				assert.False(t, Can(from, trigger))
				continue
			}
			require.NoError(t, err, "%s --%s-->", from, trigger)
			assert.Equal(t, expected, to)
			assert.True(t, Can(from, trigger))
			assert.True(t, Allowed(from, to))
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range allStatuses {
		if !s.Terminal() {
			continue
		}
		for _, trigger := range allTriggers {
			assert.False(t, Can(s, trigger), "%s --%s-->", s, trigger)
		}
	}
	assert.False(t, Allowed(StatusPending, StatusSucceeded))
}
