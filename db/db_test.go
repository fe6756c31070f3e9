package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/stagee/errors"
)

func TestOpen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, BusyTimeoutMS, busyTimeout)
}

func TestDSN(t *testing.T) {
	dsn := DSN("/var/lib/stagee/stagee.db")
	assert.Contains(t, dsn, "file:/var/lib/stagee/stagee.db?")
	assert.Contains(t, dsn, "_txlock=immediate")
	assert.Contains(t, dsn, "_busy_timeout=5000")
}

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "executions", "execution_steps", "execution_events", "approvals", "queue_entries", "dead_letters", "locks"} {
		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}

	// Re-running is a no-op
	applied, err := Migrate(context.Background(), db, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestMigrations_Order(t *testing.T) {
	all, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, all)
	assert.Equal(t, "000", all[0].Version)
	assert.Equal(t, "create_schema_migrations", all[0].Name)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Version, all[i].Version)
	}
	assert.Equal(t, all[len(all)-1].Version, SchemaVersion())
}

func TestMigrate_ReportsAppliedAndPending(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	all, err := Migrations()
	require.NoError(t, err)
	pending, err := Pending(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, all, pending, "a fresh database has every migration pending")

	applied, err := Migrate(ctx, db, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, all, applied)

	pending, err = Pending(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var recorded int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&recorded))
	assert.Equal(t, len(all), recorded)
}

func TestSchema_Constraints(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	insert := `INSERT INTO executions (id, tenant_id, idempotency_key, actor_id, plan_snapshot, plan_hash, action, action_class,
		execution_mode, sla_class, timeout_policy_id, status, created_at, last_transition_at, last_transition_by, cancelled_by, cancelled_at)
		VALUES (?, 't1', ?, 'alice', '{}', 'h', 'restart', 'change', 'immediate', 'fast', 'fast/change', 'pending', ?, ?, 'alice', ?, ?)`

	_, err = db.Exec(insert, "e1", "k1", now, now, nil, nil)
	require.NoError(t, err)

	t.Run("tenant and key are unique", func(t *testing.T) {
		_, err := db.Exec(insert, "e2", "k1", now, now, nil, nil)
		require.Error(t, err)
		assert.True(t, IsUniqueViolation(err))
	})

	t.Run("cancel fields are set together", func(t *testing.T) {
		_, err := db.Exec(insert, "e3", "k3", now, now, "alice", nil)
		require.Error(t, err)
		assert.False(t, IsUniqueViolation(err))
	})

	t.Run("events are append-only", func(t *testing.T) {
		_, err := db.Exec(`INSERT INTO execution_events (execution_id, event_type, payload, created_at) VALUES ('e1', 'execution_submitted', '{}', ?)`, now)
		require.NoError(t, err)

		_, err = db.Exec(`UPDATE execution_events SET event_type = 'forged'`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "append-only")

		_, err = db.Exec(`DELETE FROM execution_events`)
		require.Error(t, err)
	})
}

func TestIsDatabaseClosed(t *testing.T) {
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "query")))
	assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(errors.New("timeout")))
}
