package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/teranos/stagee/am"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/logger"
)

var (
	configFlag string

	// Loaded by the root pre-run for every command that needs it.
	config     *am.Config
	configPath string
)

// RootCmd is the stagee command line.
var RootCmd = &cobra.Command{
	Use:   "stagee",
	Short: "stagee - execution engine for approved automation plans",
	Long: `stagee runs automation plans against infrastructure targets under
idempotency, per-target locks, tenant isolation and human approval.

Available commands:
  serve    - Run the HTTP API, workers and lock reaper
  worker   - Run background workers only
  submit   - Submit a plan file to a running server
  dlq      - Inspect and redrive dead-lettered executions
  db       - Database maintenance
  am       - Show the effective configuration

Configuration is read from stagee.toml (working directory and parents,
~/.stagee, /etc/stagee) and STAGEE_* environment variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		cfg, path, err := am.Load(configFlag)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "invalid configuration")
		}
		config, configPath = cfg, path

		verbosity, _ := cmd.Flags().GetCount("verbose")
		level := logger.ParseLevel(cfg.Log.Level)
		if verbosity > 0 {
			level = logger.VerbosityToLevel(verbosity)
		}
		if cmd.Name() == "show" && verbosity == 0 {
			level = zapcore.WarnLevel
		}
		return logger.Initialize(logger.Options{JSON: cfg.Log.JSON, Level: level})
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to stagee.toml (default: search)")
	RootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(WorkerCmd)
	RootCmd.AddCommand(SubmitCmd)
	RootCmd.AddCommand(DlqCmd)
	RootCmd.AddCommand(DbCmd)
	RootCmd.AddCommand(AmCmd)
	RootCmd.AddCommand(VersionCmd)
}
