package errors

import (
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestIs_StdlibSentinel(t *testing.T) {
	wrapped := Wrap(sql.ErrNoRows, "query failed")
	assert.True(t, Is(wrapped, sql.ErrNoRows))
	assert.False(t, Is(nil, sql.ErrNoRows))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"validation", NewValidationError("plan has no steps"), KindValidation},
		{"permission", NewPermissionError("alice", "tenant mismatch"), KindPermission},
		{"busy", NewResourceBusyError("t1:server-01:restart", "exec-1"), KindResourceBusy},
		{"approval", NewApprovalInvalidatedError("a1", "aaaa", "bbbb", ""), KindApprovalInvalidated},
		{"fsm", NewFSMError("e1", "pending", "succeed"), KindFSM},
		{"step", NewStepError(2, "restart", New("exit 1")), KindStepFailure},
		{"timeout", NewTimeoutError("execution", 5*time.Second), KindTimeout},
		{"not found", NewNotFoundError("execution %s", "e1"), KindNotFound},
		{"lease", Wrap(ErrLeaseLost, "renew"), KindLeaseLost},
		{"plain", New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOf_SurvivesWrapping(t *testing.T) {
	err := NewResourceBusyError("t1:server-01:restart", "exec-1")
	wrapped := Wrapf(Wrap(err, "acquire locks"), "execution %s", "exec-2")

	assert.Equal(t, KindResourceBusy, KindOf(wrapped))
	assert.True(t, Is(wrapped, ErrResourceBusy))
	assert.False(t, Is(wrapped, ErrPermission))
}

func TestNewApprovalInvalidatedError_Details(t *testing.T) {
	err := NewApprovalInvalidatedError("a1", "0123456789abcdef", "fedcba9876543210", "a2")
	require.Error(t, err)

	assert.Contains(t, err.Error(), "0123456789ab")
	assert.NotContains(t, err.Error(), "0123456789abcdef")
	assert.Contains(t, fmt.Sprint(GetAllDetails(err)), "a2")
}

func TestNewStepError_KeepsCause(t *testing.T) {
	cause := New("connection refused")
	err := NewStepError(0, "health-check", cause)

	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "step 0 (health-check)")
}
