package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"collabSync/backend/config"
	"collabSync/backend/internal/cache"
	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/httpapi/handlers"
	"collabSync/backend/internal/httpapi/middleware"
	"collabSync/backend/internal/identity"
	"collabSync/backend/internal/logging"
	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/store"
	"collabSync/backend/internal/ws"
)

func loadConfig(path string, debug bool) (*config.Config, logging.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	return cfg, logging.New(os.Stderr, cfg.Log.Format, level), nil
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.Mysql.DSN == "" {
		return nil, errors.New("mysql.dsn is required")
	}
	db, err := store.InitMySQL(cfg.Mysql.DSN, store.PoolOptions{
		MaxOpenConns:    cfg.Mysql.MaxOpenConns,
		MaxIdleConns:    cfg.Mysql.MaxIdleConns,
		ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	return db, nil
}

func runMigrate(ctx context.Context, path string) error {
	cfg, logger, err := loadConfig(path, false)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info(ctx, "tables migrated")
	return nil
}

func runPrune(ctx context.Context, path, olderThan string) error {
	cfg, logger, err := loadConfig(path, false)
	if err != nil {
		return err
	}
	retention := cfg.Collab.Retention
	if olderThan != "" {
		if retention, err = time.ParseDuration(olderThan); err != nil {
			return fmt.Errorf("--older-than: %w", err)
		}
	}
	if retention <= 0 {
		return errors.New("retention must be positive")
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	n, err := store.NewOperationStore(db).PruneBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return err
	}
	logger.Info(ctx, "operations pruned", "rows", n, "retention", retention.String())
	return nil
}

// presenceMirror returns nil when redis is not configured so the manager
// skips mirroring entirely.
func presenceMirror(ctx context.Context, cfg *config.Config, logger logging.Logger) (collab.PresenceMirror, *cache.RedisPresence, func()) {
	if len(cfg.Redis.Addrs) == 0 {
		logger.Info(ctx, "redis not configured, presence stays local")
		return nil, nil, func() {}
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		// mirroring is best effort; keep serving
		logger.Warn(ctx, "redis ping failed", "err", err)
	}
	p := cache.NewRedisPresence(rdb)
	return p, p, func() { _ = rdb.Close() }
}

func buildPublisher(ctx context.Context, cfg *config.Config, ops *store.OperationStore, logger logging.Logger, mc *metrics.Collab) (collab.Fanout, func()) {
	sem := collab.NewSemaphoreControl(cfg.Dispatch.Concurrency)
	opts := collab.DispatcherOptions{
		QueueSize:   cfg.Dispatch.QueueSize,
		Workers:     cfg.Dispatch.Workers,
		MaxRetry:    cfg.Dispatch.MaxRetry,
		BaseBackoff: cfg.Dispatch.BaseBackoff,
		MaxBackoff:  cfg.Dispatch.MaxBackoff,
	}
	storeDisp := collab.NewDispatcher(collab.StoreSink{Store: ops}, sem, opts, logger, mc)
	fan := collab.Fanout{storeDisp}
	closers := []func(){storeDisp.Close}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
		if err != nil {
			logger.Warn(ctx, "kafka producer unavailable, op events disabled", "err", err)
		} else {
			kafkaDisp := collab.NewDispatcher(collab.NewKafkaSink(producer, cfg.Kafka.Topic), sem, opts, logger, mc)
			fan = append(fan, kafkaDisp)
			closers = append(closers, kafkaDisp.Close, func() { _ = producer.Close() })
		}
	}
	return fan, func() {
		// dispatchers drain first, then the producer they write to goes away
		for _, c := range closers {
			c()
		}
	}
}

func runServe(ctx context.Context, path string, debug bool) error {
	cfg, logger, err := loadConfig(path, debug)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	if cfg.Mysql.AutoMigrate {
		if err := store.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	ops := store.NewOperationStore(db)
	perms := store.NewPermissionStore(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.New(reg)

	mirror, presence, closeRedis := presenceMirror(ctx, cfg, logger)
	defer closeRedis()

	publisher, closePublisher := buildPublisher(ctx, cfg, ops, logger, mc)
	defer closePublisher()

	signer, err := identity.NewSigner(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	def, ok := collab.ParsePermission(cfg.Auth.DefaultPermission)
	if !ok {
		return fmt.Errorf("auth.defaultPermission %q is not read, write or admin", cfg.Auth.DefaultPermission)
	}
	provider := identity.NewProvider(signer, perms, def)

	registry := collab.NewRegistry(ops, publisher, collab.RegistryOptions{
		LoadTimeout: cfg.Collab.LoadTimeout,
		Session: collab.SessionOptions{
			EnforceLock: cfg.Collab.EnforceLock,
			ContentType: cfg.Collab.ContentType,
			SnapshotOps: cfg.Collab.SnapshotOps,
			OpsLimit:    cfg.Collab.OpsLimit,
		},
	}, logger, mc)
	mc.RegisterStats(registry.Counts)

	hub := ws.NewHub(logger)
	manager := collab.NewManager(registry, provider, hub, mirror, collab.ManagerOptions{
		PresenceTTL: cfg.Collab.PresenceTTL,
	}, logger, mc)

	reaper := collab.NewReaper(manager, collab.ReaperOptions{
		Interval:    cfg.Collab.ReapInterval,
		IdleTimeout: cfg.Collab.IdleTimeout,
		EvictGrace:  cfg.Collab.EvictGrace,
	}, logger, mc)
	if err := reaper.Start(); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}
	defer reaper.Stop()

	pruner := cron.New()
	if cfg.Collab.Retention > 0 && cfg.Collab.RetentionCron != "" {
		_, err := pruner.AddFunc(cfg.Collab.RetentionCron, func() {
			n, err := ops.PruneBefore(ctx, time.Now().Add(-cfg.Collab.Retention))
			if err != nil {
				logger.Error(ctx, "retention prune failed", "err", err)
				return
			}
			logger.Info(ctx, "retention prune", "rows", n)
		})
		if err != nil {
			return fmt.Errorf("collab.retentionCron: %w", err)
		}
	}
	pruner.Start()

	router := newRouter(cfg, routerDeps{
		registry: registry,
		manager:  manager,
		provider: provider,
		perms:    perms,
		presence: presence,
		wsHandler: ws.NewHandler(hub, manager, cfg.Running.AllowedOrigins, ws.ConnOptions{
			SendBuffer: cfg.Collab.SendBuffer,
		}, logger),
		gatherer: reg,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "collab server listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", "err", err)
	}
	<-pruner.Stop().Done()
	return nil
}

type routerDeps struct {
	registry *collab.Registry
	manager  *collab.Manager
	provider *identity.Provider
	perms    *store.PermissionStore
	// nil without redis
	presence  *cache.RedisPresence
	wsHandler *ws.Handler
	gatherer  prometheus.Gatherer
}

func newRouter(cfg *config.Config, d routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  ws.OriginAllowed(cfg.Running.AllowedOrigins),
		AllowMethods:     []string{"GET", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	g := r.Group("/collab")
	g.GET("/ws", d.wsHandler.ServeWS)
	g.GET("/healthz", handlers.Health(d.manager.Stats))

	api := g.Group("/api", middleware.Auth(d.provider))
	handlers.NewDocuments(d.registry, d.provider, d.perms).Register(api)
	if d.presence != nil {
		handlers.NewPresence(d.presence, d.provider).Register(api)
	}
	return r
}
