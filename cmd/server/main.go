package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/syncforge/etl-core/internal/broker"
	"github.com/syncforge/etl-core/internal/config"
	"github.com/syncforge/etl-core/internal/middleware"
	"github.com/syncforge/etl-core/internal/migration"
	"github.com/syncforge/etl-core/internal/models"
	"github.com/syncforge/etl-core/internal/notification"
	"github.com/syncforge/etl-core/internal/pipeline"
	"github.com/syncforge/etl-core/internal/repository"
	"github.com/syncforge/etl-core/internal/scheduler"
	"github.com/syncforge/etl-core/internal/telemetry"
	"github.com/syncforge/etl-core/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config  *config.Config
	workers *worker.Manager
	logger  zerolog.Logger
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg := config.Load()

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	migration.RunMigrations(cfg.DatabaseURL, logger)

	// Repositories
	jobRepo := repository.NewJobRepository(db)
	tenantRepo := repository.NewTenantRepository(db)
	settingsRepo := repository.NewSettingsRepository(db)

	// Redis-backed status notifications, mirrored to the log.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid Redis URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	notificationService := notification.NewService(logger,
		notification.NewRedisNotifier(redisClient),
		notification.NewLogNotifier(logger),
	)

	// Initialize the broker and declare the tier queue topology.
	brokerManager, err := broker.NewManager(cfg.BrokerURL, tenantRepo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Unable to connect to the message broker")
	}
	defer brokerManager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reset scheduler drives the FINISHED -> READY transition; it also
	// receives end-of-run signals from the embedding routers.
	timers := scheduler.NewTimerService(logger)
	resetScheduler := scheduler.NewResetScheduler(jobRepo, tenantRepo, brokerManager, notificationService, timers, cfg.Worker.MaxPeek, logger)

	// Worker pools, one shared router per stage. Provider integrations
	// register their step handlers on these routers.
	routers := make(map[models.Stage]*worker.Router)
	for _, stage := range models.AllStages() {
		routers[stage] = worker.NewRouter(stage, brokerManager, jobRepo, notificationService, resetScheduler, logger)
	}
	workerManager := worker.NewManager(brokerManager, routers, settingsRepo, tenantRepo, cfg.Worker.PollInterval, cfg.Worker.StopTimeout, logger)
	if !workerManager.StartAll(ctx) {
		logger.Fatal().Msg("Failed to start worker pools")
	}

	// Orchestrator cadence: a recurring cron entry whose next fire the
	// retry scheduler can pull forward after launch failures.
	publisher := pipeline.NewPublisher(brokerManager, logger)
	launcher := pipeline.NewLauncher(publisher, logger)

	var orchestrator *scheduler.Orchestrator
	cronScheduler := scheduler.NewCronScheduler(cfg.Scheduler.OrchestratorInterval, func() {
		orchestrator.RunPass(ctx)
	}, logger)
	retryScheduler := scheduler.NewRetryScheduler(cronScheduler, settingsRepo, jobRepo, cfg.Scheduler.DependentJob, logger)
	orchestrator = scheduler.NewOrchestrator(jobRepo, launcher, retryScheduler, notificationService, logger)
	cronScheduler.Start()

	// Expose telemetry and run until interrupted.
	app := &application{config: cfg, workers: workerManager, logger: logger}
	app.serveMetrics()

	// Shutdown order: stop the cadence first, then drain workers, then
	// cancel pending reset countdowns.
	cronScheduler.Stop()
	workerManager.StopAll()
	resetScheduler.Stop()

	logger.Info().Msg("Application terminated.")
}

// serveMetrics launches the metrics HTTP server and blocks until an
// interrupt signal or a server error.
func (app *application) serveMetrics() {
	logger := app.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(app.workers.Status()); err != nil {
			logger.Error().Err(err).Msg("Failed to encode worker status")
		}
	})

	server := &http.Server{
		Addr:    app.config.MetricsAddr,
		Handler: middleware.LoggingMiddleware(logger)(mux),
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Metrics server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Metrics server error occurred")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Metrics server shutdown error")
	} else {
		logger.Info().Msg("Metrics server shutdown complete.")
	}
}
