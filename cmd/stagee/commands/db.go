package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/stagee/db"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

// DbCmd groups database maintenance.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateDryRun bool

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.ComponentLogger("db")
		database, err := db.Open(config.Database.Path, log)
		if err != nil {
			return errors.Wrapf(err, "failed to open database at %s", config.Database.Path)
		}
		defer database.Close()

		out := cmd.OutOrStdout()
		if dbMigrateDryRun {
			pending, err := db.Pending(cmd.Context(), database)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintf(out, "Database %s is at schema %s\n", config.Database.Path, db.SchemaVersion())
				return nil
			}
			for _, m := range pending {
				fmt.Fprintf(out, "pending  %s\n", m)
			}
			return nil
		}

		applied, err := db.Migrate(cmd.Context(), database, log)
		for _, m := range applied {
			fmt.Fprintf(out, "applied  %s\n", m)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s is at schema %s\n", config.Database.Path, db.SchemaVersion())
		return nil
	},
}

func init() {
	dbMigrateCmd.Flags().BoolVar(&dbMigrateDryRun, "dry-run", false, "List pending migrations without applying them")
	DbCmd.AddCommand(dbMigrateCmd)
}

// openDatabase opens and migrates the configured database.
func openDatabase() (*sql.DB, error) {
	database, err := db.OpenWithMigrations(config.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", config.Database.Path)
	}
	return database, nil
}
