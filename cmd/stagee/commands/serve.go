package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/server"
)

var workersFlag int

// ServeCmd runs the full process.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with background workers",
	Long: `Run migrations, then serve the HTTP API alongside the background worker
pool, the stale lock reaper and the policy hot reloader. SIGINT or SIGTERM
drains in-flight requests and stops workers after their current step.`,
	RunE: runServe,
}

// WorkerCmd runs workers without the API.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run background workers only",
	RunE:  runWorker,
}

func init() {
	ServeCmd.Flags().IntVarP(&workersFlag, "workers", "w", -1, "Worker count (default: engine.workers)")
	WorkerCmd.Flags().IntVarP(&workersFlag, "workers", "w", -1, "Worker count (default: engine.workers)")
}

func workerCount() int {
	if workersFlag >= 0 {
		return workersFlag
	}
	return config.Engine.Workers
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, config, configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := server.New(config.Server, server.Deps{
		Engine:  rt.engine,
		Events:  rt.events,
		Auth:    rt.auth,
		Metrics: rt.metrics,
		Health:  rt.db.PingContext,
	}, logger.ComponentLogger("server"))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := rt.startBackground(gctx, g, workerCount()); err != nil {
		return err
	}
	g.Go(func() error { return srv.Run(gctx) })

	logger.Infow("stagee serving",
		logger.FieldAddress, srv.Addr(),
		"workers", workerCount(),
		"lock_backend", config.Engine.LockBackend,
		"config", configPath,
	)
	return g.Wait()
}

func runWorker(cmd *cobra.Command, args []string) error {
	n := workerCount()
	if n <= 0 {
		n = 1
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	rt, err := newRuntime(ctx, config, configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := rt.startBackground(gctx, g, n); err != nil {
		return err
	}
	logger.Infow("stagee worker running", "workers", n)
	return g.Wait()
}
