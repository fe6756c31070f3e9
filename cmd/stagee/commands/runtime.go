package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/stagee/am"
	"github.com/teranos/stagee/approval"
	"github.com/teranos/stagee/artifact"
	"github.com/teranos/stagee/authz"
	"github.com/teranos/stagee/db"
	"github.com/teranos/stagee/engine"
	"github.com/teranos/stagee/errors"
	"github.com/teranos/stagee/execution"
	"github.com/teranos/stagee/inventory"
	"github.com/teranos/stagee/locks"
	"github.com/teranos/stagee/logger"
	"github.com/teranos/stagee/metrics"
	"github.com/teranos/stagee/policy"
	"github.com/teranos/stagee/progress"
	"github.com/teranos/stagee/queue"
	"github.com/teranos/stagee/runner"
)

// runtime is every long-lived component of one stagee process.
type runtime struct {
	cfg      *am.Config
	cfgPath  string
	db       *sql.DB
	store    *execution.Store
	events   *progress.Publisher
	locks    *locks.Manager
	queue    *queue.Queue
	policies *policy.Resolver
	engine   *engine.Engine
	metrics  *metrics.Metrics
	auth     authz.Resolver

	redis    redis.UniversalClient
	notifier *progress.RedisNotifier
	logger   *zap.SugaredLogger
}

// newRuntime opens the database and wires the engine from cfg.
func newRuntime(ctx context.Context, cfg *am.Config, cfgPath string) (*runtime, error) {
	log := logger.ComponentLogger("engine")

	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, cfgPath: cfgPath, db: database, logger: log}
	if err := rt.wire(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) wire(ctx context.Context) error {
	cfg := rt.cfg
	rt.metrics = metrics.New()
	rt.store = execution.NewStore(rt.db, logger.ComponentLogger("execution"))
	rt.events = progress.NewPublisher(rt.store, cfg.Engine.PollInterval(), logger.ComponentLogger("progress"))

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rt.redis.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "failed to reach redis at %s", cfg.Redis.Addr)
		}
		rt.notifier = progress.NewRedisNotifier(rt.redis, cfg.Redis.EventsChannel, rt.events, logger.ComponentLogger("progress"))
		rt.store.AddNotifier(rt.notifier)
	} else {
		rt.store.AddNotifier(rt.events)
	}

	var lockBackend locks.Backend = locks.NewSQLBackend(rt.db)
	if cfg.Engine.LockBackend == "redis" {
		if rt.redis == nil {
			return errors.New("engine.lock_backend is redis but redis.addr is empty")
		}
		lockBackend = locks.NewRedisBackend(rt.redis)
	}
	rt.locks = locks.NewManager(lockBackend, logger.ComponentLogger("locks"))

	policies, err := policy.NewResolver(cfg.Policy.Overrides)
	if err != nil {
		return err
	}
	rt.policies = policies

	rt.queue = queue.New(rt.db, queue.Options{
		RetryBase:    cfg.Engine.RetryBase(),
		RetryMax:     cfg.Engine.RetryMax(),
		PollInterval: cfg.Engine.PollInterval(),
	}, logger.ComponentLogger("queue"))
	if err := rt.metrics.RegisterQueue(rt.queue, logger.ComponentLogger("metrics")); err != nil {
		return err
	}

	static := authz.NewStaticResolver(cfg.Auth.Tokens)
	rt.auth = static
	if cfg.Auth.OIDCIssuer != "" {
		oidcResolver, err := authz.NewOIDCResolver(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID, cfg.Auth.TenantClaim, cfg.Auth.PermissionsClaim)
		if err != nil {
			return err
		}
		rt.auth = authz.ChainResolver{static, authz.Remembering{Resolver: oidcResolver, Directory: static}}
	}

	var inv inventory.Resolver = inventory.Passthrough{}
	if cfg.Inventory.Path != "" {
		loaded, err := inventory.LoadFile(cfg.Inventory.Path)
		if err != nil {
			return err
		}
		inv = loaded
	}

	var artifacts artifact.Store = artifact.NewMemoryStore()
	if cfg.ObjectStore.Endpoint != "" {
		store, err := artifact.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return err
		}
		artifacts = store
	}

	httpRunner := runner.NewHTTPRunner(runner.HTTPOptions{BlockPrivateIP: cfg.Engine.HTTPBlockPrivate}, logger.ComponentLogger("runner"))

	rt.engine, err = engine.New(engine.ConfigFrom(cfg.Engine), engine.Deps{
		Store:     rt.store,
		Approvals: approval.NewWorkflow(rt.db, rt.store, logger.ComponentLogger("approval")),
		Locks:     rt.locks,
		Directory: static,
		Policies:  rt.policies,
		Queue:     rt.queue,
		Runners:   runner.Default(httpRunner),
		Inventory: inv,
		Artifacts: artifacts,
		Metrics:   rt.metrics,
	}, rt.logger)
	return err
}

// startBackground runs the worker pool, lock reaper, redis relay and config
// watcher under g until ctx ends.
func (rt *runtime) startBackground(ctx context.Context, g *errgroup.Group, workers int) error {
	if workers > 0 {
		poolCfg := queue.DefaultWorkerPoolConfig()
		poolCfg.Workers = workers
		if d := rt.cfg.Engine.DequeueWait(); d > 0 {
			poolCfg.DequeueWait = d
		}
		pool := queue.NewWorkerPool(ctx, rt.queue, queue.NewHandlerRegistry(), poolCfg, logger.ComponentLogger("worker"))
		rt.engine.Attach(pool)
		pool.Start()
		g.Go(func() error {
			<-ctx.Done()
			pool.Stop()
			return nil
		})
	}

	interval := rt.cfg.Engine.ReaperInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	g.Go(func() error {
		rt.locks.RunReaper(ctx, interval)
		return nil
	})

	if rt.notifier != nil {
		g.Go(func() error { return rt.notifier.Run(ctx, nil) })
	}

	if rt.cfgPath != "" {
		watcher, err := am.NewConfigWatcher(rt.cfgPath, logger.ComponentLogger("config"))
		if err != nil {
			return err
		}
		watcher.OnReload(func(c *am.Config) error {
			return rt.policies.Replace(c.Policy.Overrides)
		})
		watcher.Start()
		g.Go(func() error {
			<-ctx.Done()
			return watcher.Stop()
		})
	}
	return nil
}

// Close releases the database and redis connections.
func (rt *runtime) Close() {
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if err := rt.db.Close(); err != nil {
		rt.logger.Warnw("Failed to close database", logger.FieldError, err)
	}
}
