// Package main is the entry point of progressiond, the progression and
// gamification daemon.
//
// progressiond keeps one learner's progression snapshot in memory, serves it
// over a local HTTP API and keeps it fresh in the background:
//   - periodic refresh from the progression backend
//   - replay of XP awards journaled while the backend was unreachable
//   - daily goal rollover at local midnight
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ensenas/progression-engine/config"
	"github.com/ensenas/progression-engine/internal/application/engine"
	"github.com/ensenas/progression-engine/internal/domain/achievement"
	"github.com/ensenas/progression-engine/internal/domain/progression"
	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/internal/infrastructure/external/backend"
	"github.com/ensenas/progression-engine/internal/infrastructure/external/offline"
	"github.com/ensenas/progression-engine/internal/infrastructure/identity"
	"github.com/ensenas/progression-engine/internal/infrastructure/messaging"
	"github.com/ensenas/progression-engine/internal/infrastructure/persistence/memory"
	"github.com/ensenas/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/ensenas/progression-engine/internal/infrastructure/persistence/redis"
	"github.com/ensenas/progression-engine/internal/infrastructure/persistence/sqlite"
	"github.com/ensenas/progression-engine/internal/infrastructure/scheduler"
	"github.com/ensenas/progression-engine/internal/infrastructure/scheduler/jobs"
	httpserver "github.com/ensenas/progression-engine/internal/interface/http"
	"github.com/ensenas/progression-engine/internal/interface/http/handlers"
	"github.com/ensenas/progression-engine/pkg/logger"
	"github.com/ensenas/progression-engine/pkg/retry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting progressiond",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"timezone", cfg.App.Timezone,
		"offline", cfg.Backend.Offline(),
	)

	health := handlers.NewHealthChecker(cfg.App.Version)
	status := map[string]httpserver.StatusFunc{}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. ACHIEVEMENT CATALOG
	// ─────────────────────────────────────────────────────────────────────────
	catalog := achievement.DefaultCatalog()
	if cfg.Engine.CatalogFile != "" {
		catalog, err = achievement.LoadCatalogFile(catalog, cfg.Engine.CatalogFile)
		if err != nil {
			return fmt.Errorf("failed to load achievement catalog: %w", err)
		}
	}
	log.Info("achievement catalog loaded", "achievements", catalog.Len())

	// ─────────────────────────────────────────────────────────────────────────
	// 4. IDENTITY
	// ─────────────────────────────────────────────────────────────────────────
	var sessionOpts []identity.Option
	if cfg.Identity.SigningSecret != "" {
		sessionOpts = append(sessionOpts, identity.WithSigningSecret(cfg.Identity.SigningSecret))
	}
	session := identity.NewSession(sessionOpts...)
	if cfg.Identity.Token != "" {
		userID, err := session.SignIn(cfg.Identity.Token)
		if err != nil {
			return fmt.Errorf("failed to sign in with AUTH_TOKEN: %w", err)
		}
		log.Info("signed in from environment", "user_id", userID)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. PROGRESSION BACKEND
	// ─────────────────────────────────────────────────────────────────────────
	var remote engine.RemoteService
	if cfg.Backend.Offline() {
		log.Warn("BACKEND_URL not set, using the in-process offline backend")
		remote = offline.New(offline.WithLocation(cfg.App.Location))
	} else {
		clientCfg := backend.DefaultClientConfig(cfg.Backend.URL)
		clientCfg.Timeout = cfg.Backend.RequestTimeout
		clientCfg.RateLimiterConfig.RequestsPerSecond = cfg.Backend.RequestsPerSecond
		clientCfg.RateLimiterConfig.BurstSize = cfg.Backend.Burst
		clientCfg.Location = cfg.App.Location
		clientCfg.Debug = cfg.Backend.Debug
		clientCfg.Logger = log
		client := backend.NewClient(clientCfg, session)
		status["backend"] = func() interface{} { return client.Status() }
		remote = client
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. AWARD JOURNAL
	// ─────────────────────────────────────────────────────────────────────────
	journal, closeJournal, err := openJournal(ctx, cfg, health, log)
	if err != nil {
		return err
	}
	defer closeJournal()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. REDIS (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		snapshotCache *redis.SnapshotCache
		bus           eventBus
	)
	if cfg.Redis.Enabled() {
		cache, err := redis.NewCache(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   3,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			log.Warn("failed to connect to Redis, snapshot cache and fan-out disabled", "error", err)
		} else {
			defer cache.Close()
			health.AddCheck("redis", handlers.PingCheck(cache))
			snapshotCache = redis.NewSnapshotCache(cache, cfg.Redis.SnapshotTTL)

			localCfg := messaging.DefaultInMemoryEventBusConfig()
			localCfg.Logger = log
			bus, err = messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
				Client:         messaging.GoRedisClient{Client: cache.Client()},
				ChannelName:    cfg.Redis.Channel,
				PublishTimeout: cfg.Redis.WriteTimeout,
				LocalBusConfig: localCfg,
				Logger:         log,
			})
			if err != nil {
				return fmt.Errorf("failed to start redis event bus: %w", err)
			}
			log.Info("Redis connection established", "channel", cfg.Redis.Channel)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. EVENT BUS AND DISPATCHER
	// ─────────────────────────────────────────────────────────────────────────
	if bus == nil {
		busCfg := messaging.DefaultInMemoryEventBusConfig()
		busCfg.Logger = log
		bus = messaging.NewInMemoryEventBus(busCfg)
	}
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()
	status["event_bus"] = func() interface{} { return bus.Metrics().Snapshot() }

	dispatcher := messaging.NewDispatcher(messaging.DispatcherConfig{
		Bus:            bus,
		Retrier:        retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(100*time.Millisecond)),
		DeadLetterSize: 100,
		Logger:         log,
	})
	dispatcher.Use(messaging.RecoveryMiddleware(log))
	dispatcher.Use(messaging.LoggingMiddleware(log))
	registerEventLog(dispatcher, log)
	if err := dispatcher.Start(); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	status["dead_letters"] = func() interface{} { return dispatcher.DeadLetterQueue().Size() }

	// ─────────────────────────────────────────────────────────────────────────
	// 9. PROGRESSION STORE
	// ─────────────────────────────────────────────────────────────────────────
	storeCfg := engine.DefaultStoreConfig()
	storeCfg.CallTimeout = cfg.Engine.CallTimeout
	storeCfg.DailyGoalTarget = cfg.Engine.DailyGoalTarget
	storeCfg.Location = cfg.App.Location

	storeOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithPublisher(bus),
		engine.WithJournal(journal),
	}
	if snapshotCache != nil {
		storeOpts = append(storeOpts, engine.WithSnapshotCache(snapshotCache))
	}
	store := engine.NewStore(remote, session, catalog, storeCfg, storeOpts...)

	if cfg.Engine.UserID != "" || cfg.Identity.Token != "" {
		res, err := store.Initialize(ctx, cfg.Engine.UserID)
		if err != nil {
			return fmt.Errorf("failed to initialize progression: %w", err)
		}
		log.Info("progression initialized",
			"user_id", store.UserID(),
			"applied", res.Applied,
			"degraded", res.Degraded,
		)
	} else {
		log.Info("no learner configured, waiting for POST /api/v1/session")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		schedCfg := scheduler.DefaultConfig()
		schedCfg.Logger = log
		schedCfg.Location = cfg.App.Location
		sched = scheduler.New(schedCfg)

		if err := sched.Every(jobs.NewRefreshJob(store, log), cfg.Scheduler.RefreshInterval); err != nil {
			return fmt.Errorf("failed to schedule refresh: %w", err)
		}
		if err := sched.Every(jobs.NewReconcileJob(store, log), cfg.Scheduler.ReconcileInterval); err != nil {
			return fmt.Errorf("failed to schedule reconcile: %w", err)
		}
		if err := sched.Daily(jobs.NewRolloverJob(store), cfg.Scheduler.RolloverAt); err != nil {
			return fmt.Errorf("failed to schedule rollover: %w", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		status["scheduler"] = func() interface{} {
			return map[string]interface{}{
				"jobs":    sched.Jobs(),
				"metrics": sched.Metrics(),
				"history": sched.History(10),
			}
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. HTTP API
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := httpserver.DefaultConfig()
	serverCfg.Addr = cfg.HTTP.Addr
	serverCfg.AllowedOrigins = cfg.HTTP.AllowedOrigins
	serverCfg.APIKeys = cfg.HTTP.APIKeys
	serverCfg.Version = cfg.App.Version

	status["engine"] = func() interface{} {
		return map[string]interface{}{
			"user_id":       store.UserID(),
			"subscribers":   store.Subscribers(),
			"notifications": len(store.Notifications()),
		}
	}

	if snapshotCache != nil {
		status["snapshot_cache"] = func() interface{} {
			return snapshotCacheStatus(snapshotCache, store.UserID())
		}
	}

	server := httpserver.NewServer(serverCfg, httpserver.Dependencies{
		Engine:   store,
		Identity: session,
		Health:   health,
		Logger:   log,
		Status:   status,
	})
	serverErr := server.StartAsync()
	log.Info("progressiond is running", "addr", serverCfg.Addr)

	// ─────────────────────────────────────────────────────────────────────────
	// 12. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	case <-ctx.Done():
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http shutdown: %w", err))
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("scheduler stop: %w", err))
		}
	}

	// One last replay attempt so confirmed awards do not linger in the journal.
	if _, err := store.ReconcilePending(shutdownCtx); err != nil && !isSignedOut(err) {
		log.Warn("final reconcile failed", "error", err)
	}
	store.SignOut()

	if shutdownErr != nil {
		return shutdownErr
	}
	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// eventBus is what both bus implementations offer.
type eventBus interface {
	shared.EventBus
	Close() error
	Metrics() *messaging.EventBusMetrics
}

func setupLogger(cfg *config.Config) *slog.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	opts.Format = logger.ParseFormat(cfg.Observability.LogFormat)
	opts.AddSource = !cfg.IsProduction()
	opts.Service = cfg.App.Name

	log := logger.New(opts)
	slog.SetDefault(log)
	return log
}

// openJournal picks PostgreSQL, then SQLite, then an in-memory journal.
func openJournal(ctx context.Context, cfg *config.Config, health *handlers.HealthChecker, log *slog.Logger) (progression.AwardJournal, func(), error) {
	switch {
	case cfg.Journal.DatabaseURL != "":
		log.Info("connecting to database...")
		pgCfg := postgres.DefaultConfig(cfg.Journal.DatabaseURL)
		if cfg.Journal.MaxConns > 0 {
			pgCfg.MaxConns = cfg.Journal.MaxConns
		}
		conn, err := postgres.NewConnection(ctx, pgCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		health.AddCheck("database", handlers.PingCheck(conn))
		log.Info("award journal on PostgreSQL")
		return postgres.NewAwardJournal(conn), conn.Close, nil

	case cfg.Journal.SQLitePath != "":
		db, err := sqlite.Open(cfg.Journal.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		health.AddCheck("database", db.PingContext)
		log.Info("award journal on SQLite", "path", cfg.Journal.SQLitePath)
		return sqlite.NewAwardJournal(db), func() { _ = db.Close() }, nil

	default:
		log.Warn("no journal storage configured, pending awards are kept in memory")
		return memory.NewAwardJournal(), func() {}, nil
	}
}

// registerEventLog records the milestones worth a log line.
func registerEventLog(d *messaging.Dispatcher, log *slog.Logger) {
	events := log.With("component", "events")
	d.Register(shared.EventLevelUp, "log_level_up", func(e shared.Event) error {
		p := e.Payload()
		events.Info("level up", "user_id", e.AggregateID(), "level", p["new_level"], "title", p["title"])
		return nil
	})
	d.Register(shared.EventAchievementUnlocked, "log_achievement", func(e shared.Event) error {
		p := e.Payload()
		events.Info("achievement unlocked", "user_id", e.AggregateID(), "achievement", p["achievement_id"])
		return nil
	})
	d.Register(shared.EventDailyGoalMet, "log_daily_goal", func(e shared.Event) error {
		events.Info("daily goal met", "user_id", e.AggregateID())
		return nil
	})
	d.Register(shared.EventXPDeferred, "log_deferred", func(e shared.Event) error {
		events.Warn("xp award deferred", "user_id", e.AggregateID(), "payload", e.Payload())
		return nil
	})
	d.Register(shared.EventXPDiscarded, "log_discarded", func(e shared.Event) error {
		p := e.Payload()
		events.Warn("journaled xp dropped",
			"user_id", e.AggregateID(),
			"award_id", p["award_id"],
			"amount", p["amount"],
			"reason", p["reason"],
			"attempts", p["attempts"],
		)
		return nil
	})
	d.Register(shared.EventSyncCompleted, "log_sync", func(e shared.Event) error {
		events.Debug("sync completed", "user_id", e.AggregateID(), "payload", e.Payload())
		return nil
	})
}

// snapshotCacheStatus reports what dashboards currently see for userID.
func snapshotCacheStatus(cache *redis.SnapshotCache, userID string) interface{} {
	if userID == "" {
		return map[string]interface{}{"cached": false}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	snap, err := cache.Load(ctx, userID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return map[string]interface{}{"cached": false}
	case err != nil:
		return map[string]interface{}{"cached": false, "error": err.Error()}
	}
	return map[string]interface{}{
		"cached":      true,
		"total_xp":    snap.TotalXP,
		"level":       snap.Level.Level,
		"unconfirmed": snap.Unconfirmed,
		"updated_at":  snap.UpdatedAt,
	}
}

func isSignedOut(err error) bool {
	return errors.Is(err, engine.ErrNoSession) || errors.Is(err, engine.ErrSessionClosed)
}
