package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/stagee/execution"
	stageetest "github.com/teranos/stagee/internal/testing"
	"github.com/teranos/stagee/plan"
)

func restartPlan(targets ...string) *plan.Plan {
	return &plan.Plan{
		TenantID: "t1",
		Action:   "restart",
		Targets:  targets,
		Steps: []plan.Step{
			{Name: "restart", Kind: plan.StepShell, Shell: &plan.ShellStep{Command: "systemctl restart nginx"}},
		},
	}
}

func newExecution(t *testing.T, key string, p *plan.Plan) (*execution.Execution, []execution.Step) {
	t.Helper()
	hash, canonical, err := plan.Hash(p)
	require.NoError(t, err)
	now := time.Now().UTC()
	e := &execution.Execution{
		ID:               uuid.NewString(),
		TenantID:         p.TenantID,
		IdempotencyKey:   key,
		ActorID:          "alice",
		PlanSnapshot:     canonical,
		PlanHash:         hash,
		Action:           p.Action,
		ActionClass:      p.ActionClass(),
		Mode:             execution.ModeImmediate,
		SLAClass:         plan.SLAFast,
		TimeoutPolicyID:  "fast/change",
		ApprovalLevel:    1,
		Status:           execution.StatusPending,
		CreatedAt:        now,
		LastTransitionAt: now,
		LastTransitionBy: "alice",
	}
	return e, execution.StepsFor(e.ID, p)
}

func setup(t *testing.T, log *zap.SugaredLogger) (*Ledger, *execution.Store) {
	store := execution.NewStore(stageetest.CreateTestDB(t), zaptest.NewLogger(t).Sugar())
	return New(store, log), store
}

func TestSubmit_SameKeyReturnsSameExecution(t *testing.T) {
	ctx := context.Background()
	l, store := setup(t, zaptest.NewLogger(t).Sugar())

	first, steps := newExecution(t, "key-1", restartPlan("server-01"))
	got, created, err := l.Submit(ctx, first, steps)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, got.ID)

	second, steps := newExecution(t, "key-1", restartPlan("server-01"))
	got, created, err = l.Submit(ctx, second, steps)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	events, err := store.Events(ctx, first.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "a duplicate submission must not re-run side effects")
}

func TestSubmit_ConcurrentDuplicatesConverge(t *testing.T) {
	ctx := context.Background()
	l, store := setup(t, zaptest.NewLogger(t).Sugar())

	const n = 16
	ids := make([]string, n)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		e, steps := newExecution(t, "race-key", restartPlan("server-01"))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, created, err := l.Submit(ctx, e, steps)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[i] = got.ID
			if created {
				createdCount++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := store.List(ctx, execution.ListFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubmit_DifferentPlanSameKeyWarns(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	l, _ := setup(t, zap.New(core).Sugar())

	first, steps := newExecution(t, "key-1", restartPlan("server-01"))
	_, _, err := l.Submit(ctx, first, steps)
	require.NoError(t, err)

	other, steps := newExecution(t, "key-1", restartPlan("server-02"))
	got, created, err := l.Submit(ctx, other, steps)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, first.PlanHash, got.PlanHash)
	assert.Equal(t, 1, logs.FilterMessageSnippet("different plan").Len())
}

func TestSubmit_SameKeyOtherTenantIsIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := setup(t, zaptest.NewLogger(t).Sugar())

	a, steps := newExecution(t, "key-1", restartPlan("server-01"))
	_, _, err := l.Submit(ctx, a, steps)
	require.NoError(t, err)

	p := restartPlan("server-01")
	p.TenantID = "t2"
	b, steps := newExecution(t, "key-1", p)
	got, created, err := l.Submit(ctx, b, steps)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, got.ID)
}

var executionColumns = []string{
	"id", "tenant_id", "idempotency_key", "actor_id",
	"plan_snapshot", "plan_hash", "action", "action_class",
	"execution_mode", "sla_class", "timeout_policy_id", "approval_level",
	"status", "created_at", "started_at", "ended_at",
	"worker_id", "last_transition_at", "last_transition_by", "last_transition_from",
	"cancelled_by", "cancelled_at", "cancel_reason",
	"result_summary", "result_ref", "error_kind", "error_message", "timed_out",
	"lease_renewals", "cancel_checks_performed",
}

func executionRow(e *execution.Execution) *sqlmock.Rows {
	return sqlmock.NewRows(executionColumns).AddRow(
		e.ID, e.TenantID, e.IdempotencyKey, e.ActorID,
		string(e.PlanSnapshot), e.PlanHash, e.Action, string(e.ActionClass),
		string(e.Mode), string(e.SLAClass), e.TimeoutPolicyID, int64(e.ApprovalLevel),
		string(e.Status), e.CreatedAt, nil, nil,
		nil, e.LastTransitionAt, e.LastTransitionBy, nil,
		nil, nil, nil,
		nil, nil, nil, nil, false,
		int64(0), int64(0),
	)
}

// The insert loses the race (zero rows affected) and the winner's row only
// becomes visible on the second read-back.
func TestSubmit_ConflictReadBack_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := New(execution.NewStore(db, zaptest.NewLogger(t).Sugar()), zaptest.NewLogger(t).Sugar())
	mine, steps := newExecution(t, "key-1", restartPlan("server-01"))
	winner, _ := newExecution(t, "key-1", restartPlan("server-01"))

	byKey := `FROM executions WHERE tenant_id = \? AND idempotency_key = \?`
	mock.ExpectQuery(byKey).WithArgs("t1", "key-1").WillReturnRows(sqlmock.NewRows(executionColumns))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO executions`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(byKey).WithArgs("t1", "key-1").WillReturnRows(sqlmock.NewRows(executionColumns))
	mock.ExpectQuery(byKey).WithArgs("t1", "key-1").WillReturnRows(executionRow(winner))

	got, created, err := l.Submit(context.Background(), mine, steps)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_RequiresKey(t *testing.T) {
	l, _ := setup(t, zaptest.NewLogger(t).Sugar())
	e, steps := newExecution(t, "", restartPlan("server-01"))
	_, _, err := l.Submit(context.Background(), e, steps)
	require.Error(t, err)
}
