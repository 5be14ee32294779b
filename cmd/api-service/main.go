package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/shard-reports/internal/analysis"
	"github.com/cuongbtq/shard-reports/internal/api/handler"
	"github.com/cuongbtq/shard-reports/internal/api/router"
	"github.com/cuongbtq/shard-reports/internal/config"
	"github.com/cuongbtq/shard-reports/internal/ingest"
	"github.com/cuongbtq/shard-reports/internal/metrics"
	"github.com/cuongbtq/shard-reports/internal/quota"
	"github.com/cuongbtq/shard-reports/internal/reports"
	"github.com/cuongbtq/shard-reports/internal/scheduler"
	"github.com/cuongbtq/shard-reports/internal/storage"
	"github.com/cuongbtq/shard-reports/internal/storage/memory"
	"github.com/cuongbtq/shard-reports/shared/logger"
	"github.com/cuongbtq/shard-reports/shared/postgresql"
	"github.com/cuongbtq/shard-reports/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// jobStore is satisfied by both storage drivers
type jobStore interface {
	reports.JobStore
	ingest.JobStore
	analysis.JobStore
	quota.UsageCounter
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Driver),
	)

	metrics.Init()

	var (
		dbClient    *postgresql.Client
		jobs        jobStore
		limits      quota.LimitStore
		healthCheck func(ctx context.Context) error
	)
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		appLogger.Info("Database connection established")

		jobs = storage.NewJobStore(dbClient.GetDB(), appLogger.Logger)
		limits = storage.NewQuotaStore(dbClient.GetDB(), appLogger.Logger)
		healthCheck = dbClient.HealthCheck
	default:
		appLogger.Warn("Using in-memory storage, state is lost on restart")
		jobs = memory.NewJobStore()
		limits = memory.NewQuotaStore()
	}

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	appLogger.Info("RabbitMQ connection established")

	// With the database driver the worker service runs analysis; the memory
	// store is private to this process so analysis runs here.
	var analysisScheduler ingest.AnalysisScheduler
	var localScheduler *scheduler.LocalScheduler
	if cfg.Storage.Driver == config.StorageDriverPostgres {
		analysisScheduler = scheduler.NewQueueScheduler(rabbitClient, cfg.RabbitMQ.RoutingKey, appLogger.Logger)
	} else {
		analyzer, err := initAnalyzer(&cfg.Analysis)
		if err != nil {
			return fmt.Errorf("failed to initialize analyzer: %w", err)
		}
		orchestrator := analysis.NewOrchestrator(jobs, analyzer, cfg.Analysis.MinSucceededShards, appLogger.Logger)
		localScheduler = scheduler.NewLocalScheduler(orchestrator, cfg.Worker.JobTimeout, appLogger.Logger)
		analysisScheduler = localScheduler
	}

	ledger := quota.NewLedger(limits, jobs, appLogger.Logger)
	dispatcher := scheduler.NewShardDispatcher(rabbitClient, cfg.RabbitMQ.DispatchRoutingKey, cfg.Jobs.CallbackBaseURL, appLogger.Logger)

	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		Reports:     reports.NewService(jobs, ledger, dispatcher, cfg.Jobs.TotalShards, appLogger.Logger),
		Eligibility: ledger,
		Ingestor:    ingest.NewController(jobs, analysisScheduler, appLogger.Logger),
		Payments: quota.NewPaymentHandler(ledger, quota.PaymentConfig{
			MonthlyPlanSlug:  cfg.Billing.MonthlyPlanSlug,
			CreditEventTypes: cfg.Billing.CreditEventTypes,
			CreditPerPayment: cfg.Quota.CreditPerPayment,
		}, appLogger.Logger),
		Billing: handler.BillingConfig{
			WebhookSecret:   cfg.Billing.WebhookSecret,
			VerifySignature: cfg.Billing.VerifySignature,
		},
		ShardBodyLimit: cfg.Jobs.MaxCallbackBodyBytes,
		HealthCheck:    healthCheck,
		ServiceName:    cfg.App.Name,
	}

	r := initRouter(cfg.App.Environment, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		if localScheduler != nil {
			localScheduler.Wait()
		}
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter sets the gin mode for the environment and builds the router
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return router.SetupRouter(deps)
}

// initAnalyzer builds the analyzer for in-process analysis runs
func initAnalyzer(cfg *config.AnalysisConfig) (analysis.Analyzer, error) {
	if cfg.Provider == config.AnalysisProviderOpenAI {
		return analysis.NewOpenAIAnalyzer(cfg.APIKey, cfg.Model, cfg.Timeout)
	}
	return analysis.ConcatAnalyzer{}, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
