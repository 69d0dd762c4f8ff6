package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/config"
	"github.com/matheus3301/thistory/internal/history"
	"github.com/matheus3301/thistory/internal/lock"
	"github.com/matheus3301/thistory/internal/logging"
	"github.com/matheus3301/thistory/internal/metrics"
	"github.com/matheus3301/thistory/internal/profile"
	"github.com/matheus3301/thistory/internal/queue"
	"github.com/matheus3301/thistory/internal/registry"
	"github.com/matheus3301/thistory/internal/remote"
	"github.com/matheus3301/thistory/internal/remote/tdjson"
	"github.com/matheus3301/thistory/internal/scheduler"
	"github.com/matheus3301/thistory/internal/status"
	"github.com/matheus3301/thistory/internal/store"
	"github.com/matheus3301/thistory/internal/store/mongostore"
	intsync "github.com/matheus3301/thistory/internal/sync"
	"github.com/matheus3301/thistory/internal/tombstone"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		CoreModule(p),
		fx.Provide(
			provideLogger,
			provideStateMachine,
			provideLock,
			provideHealth,
			provideMetrics,
			NewServer,
		),
		// The profile lock is taken before anything touches the profile.
		fx.Invoke(func(*lock.Lock) {}),
		fx.Invoke(registerLifecycle),
	)
}

// CoreModule provides the archive core over a profile without the control
// plane. The caller supplies a *zap.Logger.
func CoreModule(p Params) fx.Option {
	return fx.Options(
		fx.Supply(p),
		fx.Provide(
			provideBus,
			provideDB,
			provideArchive,
			provideRemote,
			provideRegistry,
			provideEngine,
			provideDetector,
			provideQueue,
			provideScheduler,
		),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, logging.Options{
		Level:      p.Config.Log.Level,
		MaxSizeMB:  p.Config.Log.MaxSizeMB,
		MaxBackups: p.Config.Log.MaxBackups,
		MaxAgeDays: p.Config.Log.MaxAgeDays,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideDB opens the profile's SQLite database. It always backs the job
// queue and, with the sqlite driver, the archive too.
func provideDB(lc fx.Lifecycle, p Params, logger *zap.Logger) (*store.DB, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	lc.Append(fx.StopHook(db.Close))
	return db, nil
}

func provideArchive(lc fx.Lifecycle, p Params, db *store.DB, logger *zap.Logger) (archive.Store, error) {
	cfg := p.Config.Store
	if cfg.Driver != config.DriverMongo {
		return db, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ms, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	logger.Info("archive on mongodb", zap.String("database", cfg.MongoDatabase))
	lc.Append(fx.StopHook(ms.Close))
	return ms, nil
}

func provideRemote(p Params, logger *zap.Logger) remote.API {
	cfg := p.Config.Remote
	return tdjson.New(cfg.BridgeURL,
		tdjson.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		tdjson.WithListLimit(cfg.ListLimit),
		tdjson.WithLogger(logger))
}

func provideRegistry(p Params, s archive.Store, b *bus.Bus, logger *zap.Logger) *registry.Registry {
	tracker := history.NewTracker(p.Config.Filters.Conversation)
	return registry.New(s, tracker, b, logger)
}

func provideEngine(p Params, api remote.API, s archive.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	writer := history.NewMessageWriter(s, history.NewTracker(p.Config.Filters.Message), logger)
	opts := []intsync.Option{}
	if n := p.Config.Scheduler.PageParallelism; n > 0 {
		opts = append(opts, intsync.WithParallelism(n))
	}
	return intsync.NewEngine(api, writer, b, logger, opts...)
}

func provideDetector(s archive.Store, b *bus.Bus, logger *zap.Logger) *tombstone.Detector {
	return tombstone.New(s, b, logger)
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(db, b, logger)
}

func provideScheduler(p Params, q *queue.Queue, reg *registry.Registry, engine *intsync.Engine,
	det *tombstone.Detector, api remote.API, s archive.Store, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(SchedulerConfig(p.Config), q, reg, engine, det, api, s, logger)
}

func provideHealth() *health.Server {
	return health.NewServer()
}

func provideMetrics(s archive.Store, logger *zap.Logger) *metrics.Collector {
	return metrics.New(s, logger)
}

// SchedulerConfig maps the [scheduler] section onto scheduler.Config.
func SchedulerConfig(cfg *config.Config) scheduler.Config {
	sc := cfg.Scheduler
	return scheduler.Config{
		ListInterval:       sc.ListInterval,
		FullResyncInterval: sc.FullResyncInterval,
		EligibleTypes:      sc.EligibleTypes,
		ListDelay:          sc.ListDelay,
		MessageDelay:       sc.MessageDelay,
		MessageConcurrency: sc.MessageConcurrency,
		MaxAttempts:        sc.MaxAttempts,
		JobTimeout:         sc.JobTimeout,
	}
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, sched *scheduler.Scheduler,
	collector *metrics.Collector, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Mirror the runtime state into gRPC health before anything transitions.
			srv.WatchState(runCtx, machine, b)
			go collector.Run(runCtx, b)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := p.Config.Metrics.Addr; addr != "" {
				metricsSrv = metrics.Server(addr, collector)
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics server listening", zap.String("addr", addr))
			}

			_ = machine.Transition(status.Recovering)
			if err := sched.Start(runCtx); err != nil {
				logger.Error("startup recovery failed", zap.Error(err))
				_ = machine.Transition(status.Error)
				return err
			}
			_ = machine.Transition(status.Running)
			logger.Info("daemon running")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = machine.Transition(status.Stopping)
			sched.Stop()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			cancel()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
