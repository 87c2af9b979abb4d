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

	"livesignal/internal/core/domain"
	"livesignal/internal/core/ports"
	"livesignal/internal/core/services"
	httphandlers "livesignal/internal/handlers/http"
	snapshots "livesignal/internal/infrastructure/backup"
	"livesignal/internal/infrastructure/distributed"
	"livesignal/internal/infrastructure/middleware"
	"livesignal/internal/infrastructure/monitoring"
	"livesignal/internal/infrastructure/repositories"
	signalgw "livesignal/internal/infrastructure/signal"
	"livesignal/pkg/backup"
	"livesignal/pkg/config"
	leases "livesignal/pkg/distributed"
	"livesignal/pkg/logger"
	"livesignal/pkg/tracing"
	"livesignal/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/livesignal/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("LIVESIGNAL_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	// No file: defaults plus env overrides.
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	cfg, path, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livesignal: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if path != "" {
		log.Infow("loaded config", "path", path)
	} else {
		log.Info("no config file found, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zapLogger); err != nil {
		log.Errorw("livesignal stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("livesignal stopped")
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()
	instanceID := utils.NewInstanceID()

	tp, err := tracing.Init(cfg.TracingConfig(version))
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	repoFactory, err := repositories.NewRepositoryFactory(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer repoFactory.Close()
	streamRepo := repoFactory.CreateStreamRepository()

	if cfg.Backup.Enabled {
		stopSnapshots, err := startSnapshots(ctx, cfg, streamRepo, log)
		if err != nil {
			return err
		}
		// Deferred early so it runs after the gateway and peak flushes.
		defer stopSnapshots()
	}

	descriptors := services.NewDescriptorService(streamRepo, services.DescriptorOptions{
		CacheTTL:          cfg.Descriptor.CacheTTL,
		DefaultICEServers: cfg.ICEServers(),
		Retry:             cfg.RetryConfig(),
		CircuitBreaker:    cfg.CircuitBreakerConfig(),
	}, log)
	defer descriptors.Stop()

	peaks := services.NewPeakService(streamRepo, cfg.Peaks.BatchSize, cfg.Peaks.BatchInterval, log)
	defer peaks.Stop()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	registry := services.NewSessionRegistry(services.RegistryOptions{
		MaxStreams:          cfg.Signal.MaxStreams,
		MaxViewersPerStream: cfg.Signal.MaxViewersPerStream,
	})

	g, gctx := errgroup.WithContext(ctx)

	var events ports.EventPublisher = distributed.NewLogPublisher(log)
	var broadcastLeases signalgw.BroadcastLeases
	if client := repoFactory.RedisClient(); client != nil {
		lm := leases.NewLeaseManager(client, "livesignal:lease:", cfg.Signal.BroadcasterLeaseTTL, log)
		defer lm.Close()
		broadcastLeases = lm

		bus := distributed.NewEventBus(client, cfg.Redis.EventChannel, instanceID, log)
		defer bus.Close()
		events = bus
		// Another instance changed a stream; drop our cached descriptor.
		g.Go(func() error {
			err := bus.Subscribe(gctx, func(ev *domain.SessionEvent) error {
				descriptors.Invalidate(ev.StreamID)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	var metrics signalgw.Metrics
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	gateway := signalgw.NewGateway(signalgw.Deps{
		Registry:    registry,
		Descriptors: descriptors,
		Validator:   authService,
		Peaks:       peaks,
		Events:      events,
		Leases:      broadcastLeases,
		Metrics:     metrics,
	}, signalgw.OptionsFromConfig(cfg, instanceID), zapLogger)
	stopSweeper := gateway.Supervisor().Start(gctx)
	defer stopSweeper()

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(streamRepo, cfg.Monitoring.HealthInterval, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, cfg.Monitoring.HealthInterval, 2*time.Second)
	}
	health.AddCapacityCheck("connections", gateway.Supervisor().ConnectionCount, cfg.RateLimiting.WebSocket.MaxConcurrent, cfg.Monitoring.HealthInterval)
	health.AddCapacityCheck("streams", registry.Len, cfg.Signal.MaxStreams, cfg.Monitoring.HealthInterval)
	health.StartBackgroundChecks(gctx)

	ctxLog := logger.NewContextLogger(zapLogger)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	signalServer := &http.Server{
		Addr:              cfg.Signal.Address,
		Handler:           signalRouter(cfg, gateway, ctxLog),
		ReadHeaderTimeout: 10 * time.Second,
	}
	apiServer := &http.Server{
		Addr: cfg.Server.Address,
		Handler: apiRouter(cfg, apiDeps{
			auth:        authService,
			descriptors: descriptors,
			registry:    registry,
			health:      health,
			log:         ctxLog,
			logger:      log,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	for _, srv := range []*http.Server{signalServer, apiServer} {
		srv := srv
		g.Go(func() error {
			log.Infow("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// Sessions end first so viewers see stream-end before the sockets go.
		gwCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
		defer cancel()
		if err := gateway.Shutdown(gwCtx); err != nil {
			log.Warnw("gateway shutdown incomplete", "error", err)
		}

		srvCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range []*http.Server{signalServer, apiServer} {
			if err := srv.Shutdown(srvCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
				_ = srv.Close()
			}
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// startSnapshots restores the newest descriptor snapshot and keeps taking
// new ones. Only the in-process store needs it; Redis persists on its own.
func startSnapshots(ctx context.Context, cfg *config.Config, repo ports.StreamRepository, log *zap.SugaredLogger) (func(), error) {
	store, ok := repo.(snapshots.DescriptorStore)
	if !ok {
		log.Infow("descriptor snapshots skipped, repository persists on its own")
		return func() {}, nil
	}

	storage, err := backup.NewFileStorage(cfg.Backup.Dir)
	if err != nil {
		return nil, fmt.Errorf("open snapshot dir: %w", err)
	}
	snapshotter := snapshots.NewSnapshotter(backup.NewService(storage, "descriptors", version), store, snapshots.Config{
		Interval: cfg.Backup.Interval,
		Keep:     cfg.Backup.Keep,
	}, log)

	n, err := snapshotter.Restore(ctx)
	if err != nil {
		// A bad snapshot should not keep the broker down.
		log.Warnw("descriptor restore failed", "error", err)
	} else if n > 0 {
		log.Infow("descriptors restored", "count", n, "dir", cfg.Backup.Dir)
	}
	return snapshotter.Start(context.Background()), nil
}

func signalRouter(cfg *config.Config, gateway *signalgw.Gateway, log *logger.ContextLogger) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
	)
	router.GET(cfg.Signal.Path, middleware.NewConnectRateLimitMiddleware(cfg), gateway.Handle)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"connections": gateway.Supervisor().ConnectionCount(),
		})
	})
	return router
}

type apiDeps struct {
	auth        services.AuthService
	descriptors *services.DescriptorService
	registry    *services.SessionRegistry
	health      *monitoring.HealthChecker
	log         *logger.ContextLogger
	logger      *zap.SugaredLogger
}

func apiRouter(cfg *config.Config, d apiDeps) *gin.Engine {
	startTime := time.Now()

	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(d.log),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.AccessLogMiddleware(d.log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.ErrorHandlerMiddleware(d.log),
	)

	httphandlers.NewStreamHandler(d.descriptors, d.registry, d.logger).
		SetupRoutes(router, middleware.AuthMiddleware(d.auth))
	if cfg.Auth.DevTokens {
		d.logger.Warn("dev token endpoint enabled")
		httphandlers.NewAuthHandler(d.auth, cfg.Auth.TokenTTL).SetupRoutes(router)
	}

	router.GET("/health", func(c *gin.Context) {
		breaker := d.descriptors.BreakerStats()
		body := gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"sessions":  d.registry.Len(),
			"breaker": gin.H{
				"state":    breaker.State.String(),
				"failures": breaker.FailureCount,
				"since":    breaker.StateChangeTime,
			},
		}
		if !breaker.LastFailureTime.IsZero() {
			body["last_descriptor_failure"] = breaker.LastFailureTime
		}
		c.JSON(http.StatusOK, body)
	})

	router.GET("/ready", func(c *gin.Context) {
		status := d.health.LastStatus()
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return router
}
