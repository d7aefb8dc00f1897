package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/internal/core/services"
	httphandlers "screenshare/internal/handlers/http"
	"screenshare/internal/infrastructure/media"
	"screenshare/internal/infrastructure/middleware"
	"screenshare/internal/infrastructure/monitoring"
	"screenshare/internal/infrastructure/realtime"
	"screenshare/internal/infrastructure/repositories"
	pgrepo "screenshare/internal/infrastructure/repositories/postgres"
	"screenshare/pkg/config"
	"screenshare/pkg/logger"
	"screenshare/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	RunE:  runServe,
}

// core is the negotiation layer shared by serve and agent.
type core struct {
	backend  *repositories.Backend
	emitter  *events.Emitter
	requests *services.RequestStore
	sessions *services.SessionStore
}

func newCore(cfg *config.Config, backend *repositories.Backend, log *zap.SugaredLogger) *core {
	emitter := events.NewEmitter(backend.Notifier, nil, backend.InstanceID)
	return &core{
		backend:  backend,
		emitter:  emitter,
		requests: services.NewRequestStore(backend.Requests, emitter, nil, cfg.Negotiation.RequestTTL, log),
		sessions: services.NewSessionStore(backend.Sessions, emitter, nil, log),
	}
}

func (c *core) managerDeps(mf ports.MediaFactory, metrics ports.NegotiationMetrics, log *zap.SugaredLogger) services.ManagerDeps {
	return services.ManagerDeps{
		Requests: c.requests,
		Sessions: c.sessions,
		Emitter:  c.emitter,
		Media:    mf,
		Relay:    c.backend.Relay,
		Metrics:  metrics,
		Logger:   log,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	zapLogger := newLogger(cfg)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tcfg := tracing.DefaultConfig()
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.JaegerURL = cfg.Tracing.JaegerEndpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tcfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	if cfg.Storage.Backend == config.StoragePostgres {
		if err := pgrepo.MigrateUp(cfg.Postgres.DSN, log); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	backend, err := repositories.NewFactory(cfg, collector, log).Build(ctx)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	c := newCore(cfg, backend, log)
	// Browsers hold the media; the server only tracks session state.
	registry := services.NewManagerRegistry(c.managerDeps(media.NewRelayFactory(log), collector, log))
	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, backend.Profiles, nil)

	health := monitoring.NewHealthChecker()
	backend.RegisterHealthChecks(health)
	health.StartBackgroundChecks(ctx)

	wsServer := realtime.NewWebSocketServer(backend.Notifier, backend.Relay, c.sessions, cfg, collector, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctxLog := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.RequestLogger(ctxLog),
		middleware.ErrorHandlerMiddleware(ctxLog),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/health", monitoring.LivenessHandler())
	router.GET("/ready", health.ReadinessHandler())
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	httphandlers.NewAuthHandler(authService, backend.Profiles, cfg.Auth.AccessTokenTTL).SetupRoutes(router)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(authService))
	httphandlers.NewNegotiationHandler(registry, backend.Profiles).SetupRoutes(api)
	httphandlers.NewSignalingHandler(c.sessions, backend.Relay, collector).SetupRoutes(api)
	api.GET("/tickets/:ticketId/events", wsServer.HandleEvents)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting screenshare server",
			"address", cfg.Server.Address,
			"storage", cfg.Storage.Backend,
			"notifier", cfg.Notifier.Strategy,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("Server failed", "error", runErr)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down screenshare server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	stop()
	wsServer.Close()
	registry.Close()
	if err := backend.Close(); err != nil {
		log.Errorw("Error closing backend", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("screenshare server stopped")
	return runErr
}
