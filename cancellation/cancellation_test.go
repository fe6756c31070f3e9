package cancellation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	stageetest "github.com/teranos/stagee/internal/testing"
	"github.com/teranos/stagee/plan"
)

type fixture struct {
	store     *execution.Store
	approvals *approval.Workflow
	manager   *Manager
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := stageetest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	store := execution.NewStore(db, log)
	approvals := approval.NewWorkflow(db, store, log)
	return &fixture{store: store, approvals: approvals, manager: NewManager(store, approvals, log)}
}

func (f *fixture) submit(t *testing.T) *execution.Execution {
	t.Helper()
	p := &plan.Plan{
		TenantID: "t1",
		Action:   "restart",
		Targets:  []string{"server-01"},
		Steps: []plan.Step{
			{Name: "one", Kind: plan.StepWait, Wait: &plan.WaitStep{DurationMS: 1}},
			{Name: "two", Kind: plan.StepWait, Wait: &plan.WaitStep{DurationMS: 1}},
		},
	}
	hash, canonical, err := plan.Hash(p)
	require.NoError(t, err)
	now := time.Now().UTC()
	e := &execution.Execution{
		ID: uuid.NewString(), TenantID: "t1", IdempotencyKey: uuid.NewString(), ActorID: "alice",
		PlanSnapshot: canonical, PlanHash: hash, Action: p.Action, ActionClass: p.ActionClass(),
		Mode: execution.ModeBackground, SLAClass: plan.SLAFast, TimeoutPolicyID: "fast/change",
		ApprovalLevel: 1, Status: execution.StatusPending, CreatedAt: now,
		LastTransitionAt: now, LastTransitionBy: "alice",
	}
	_, err = f.store.Insert(context.Background(), e, execution.StepsFor(e.ID, p))
	require.NoError(t, err)
	return e
}

func TestManager_CancelPendingIsImmediate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	e := f.submit(t)
	a, err := f.approvals.Request(ctx, e, nil, "alice")
	require.NoError(t, err)

	got, err := f.manager.RequestCancellation(ctx, e.ID, "bob", "wrong window")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, got.Status)
	assert.Equal(t, "bob", got.CancelledBy)
	require.NotNil(t, got.CancelledAt)
	require.NotNil(t, got.EndedAt)

	expired, err := f.approvals.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExpired, expired.Status)

	_, err = f.approvals.Approve(ctx, a.ID, approval.Decision{Principal: "carol"})
	assert.Equal(t, errors.KindFSM, errors.KindOf(err))
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	e := f.submit(t)

	var wg sync.WaitGroup
	results := make([]*execution.Execution, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.manager.RequestCancellation(ctx, e.ID, "bob", "stop")
			assert.NoError(t, err)
			results[i] = got
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		require.NotNil(t, got)
		assert.Equal(t, execution.StatusCancelled, got.Status)
		assert.Equal(t, results[0].CancelledAt, got.CancelledAt)
	}

	events, err := f.store.Events(ctx, e.ID, 0, 0)
	require.NoError(t, err)
	var requested, completed int
	for _, ev := range events {
		switch ev.Type {
		case execution.EventCancelRequested:
			requested++
		case execution.EventCompleted:
			completed++
		}
	}
	assert.Equal(t, 1, requested)
	assert.Equal(t, 1, completed)
}

func TestManager_CancelRunningIsCooperative(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	e := f.submit(t)
	_, err := f.store.Fire(ctx, e.ID, execution.TriggerApprove, "bob", execution.FireOptions{})
	require.NoError(t, err)
	_, err = f.store.Fire(ctx, e.ID, execution.TriggerStart, "engine", execution.FireOptions{WorkerID: "w1"})
	require.NoError(t, err)

	stop, err := f.manager.Check(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, stop)

	got, err := f.manager.RequestCancellation(ctx, e.ID, "bob", "abort")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)
	assert.True(t, got.CancelRequested())

	stop, err = f.manager.Check(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, stop)

	got, err = f.store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CancelChecksPerformed)
}

func TestManager_CancelFinishedExecution(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	e := f.submit(t)
	_, err := f.store.Fire(ctx, e.ID, execution.TriggerReject, "bob", execution.FireOptions{})
	require.NoError(t, err)

	_, err = f.manager.RequestCancellation(ctx, e.ID, "bob", "late")
	assert.Equal(t, errors.KindFSM, errors.KindOf(err))

	_, err = f.manager.RequestCancellation(ctx, "missing", "bob", "")
	assert.True(t, errors.IsNotFoundError(err))
}
