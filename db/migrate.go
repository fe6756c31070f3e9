package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/stagee/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migration is one embedded schema file, named NNN_description.sql.
type Migration struct {
	Version string `json:"version"`
	Name    string `json:"name"`
	file    string
}

func (m Migration) String() string {
	return m.Version + " " + m.Name
}

// Migrations lists the embedded migrations in apply order.
func Migrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationFS, migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list embedded migrations")
	}
	var out []Migration
	for _, entry := range entries {
		file := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(file, ".sql") {
			continue
		}
		version, name, ok := strings.Cut(strings.TrimSuffix(file, ".sql"), "_")
		if !ok || version == "" {
			return nil, errors.AssertionFailedf("migration %s is not named NNN_description.sql", file)
		}
		out = append(out, Migration{Version: version, Name: name, file: file})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// SchemaVersion is the version of the newest embedded migration.
func SchemaVersion() string {
	all, err := Migrations()
	if err != nil || len(all) == 0 {
		return ""
	}
	return all[len(all)-1].Version
}

// Pending returns the embedded migrations not yet recorded in db.
func Pending(ctx context.Context, db *sql.DB) ([]Migration, error) {
	all, err := Migrations()
	if err != nil {
		return nil, err
	}
	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return nil, err
	}
	pending := all[:0:0]
	for _, m := range all {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// appliedVersions reads schema_migrations. A fresh database has no table and
// no versions.
func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	var tables int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`,
	).Scan(&tables); err != nil {
		return nil, errors.Wrap(err, "failed to look up schema_migrations")
	}
	applied := make(map[string]bool)
	if tables == 0 {
		return applied, nil
	}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate applies every pending migration, each in its own transaction, and
// returns the ones it applied. A nil logger keeps it silent.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.SugaredLogger) ([]Migration, error) {
	pending, err := Pending(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 && pending[0].Version != "000" {
		if applied, _ := appliedVersions(ctx, db); len(applied) == 0 {
			return nil, errors.Newf("schema_migrations is missing but the first pending migration is %s", pending[0])
		}
	}

	var done []Migration
	for _, m := range pending {
		body, err := migrationFS.ReadFile(path.Join(migrationDir, m.file))
		if err != nil {
			return done, errors.Wrapf(err, "failed to read migration %s", m)
		}
		if err := applyMigration(ctx, db, m, string(body)); err != nil {
			return done, err
		}
		if logger != nil {
			logger.Infow("Applied migration", "version", m.Version, "migration", m.Name)
		}
		done = append(done, m)
	}

	if logger != nil && len(done) > 0 {
		logger.Infow("Schema migrated", "applied", len(done), "schema_version", done[len(done)-1].Version)
	}
	return done, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration, body string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to begin migration %s", m)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return errors.Wrapf(err, "failed to execute migration %s", m)
	}
	// 000 creates schema_migrations and is recorded in it like the rest.
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.Version); err != nil {
		return errors.Wrapf(err, "failed to record migration %s", m)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit migration %s", m)
	}
	return nil
}
