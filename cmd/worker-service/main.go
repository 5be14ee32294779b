package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/shard-reports/internal/analysis"
	"github.com/cuongbtq/shard-reports/internal/config"
	"github.com/cuongbtq/shard-reports/internal/metrics"
	"github.com/cuongbtq/shard-reports/internal/scheduler"
	"github.com/cuongbtq/shard-reports/internal/storage"
	"github.com/cuongbtq/shard-reports/internal/worker"
	"github.com/cuongbtq/shard-reports/shared/logger"
	"github.com/cuongbtq/shard-reports/shared/postgresql"
	"github.com/cuongbtq/shard-reports/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/shard-reports/shared/redis"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
)

const watchdogLockKey = "reports:watchdog:lock"

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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// The worker only sees jobs the API service wrote to the database.
	if cfg.Storage.Driver != config.StorageDriverPostgres {
		return fmt.Errorf("worker service requires the %q storage driver", config.StorageDriverPostgres)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("analysis_provider", cfg.Analysis.Provider),
	)

	metrics.Init()

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	appLogger.Info("RabbitMQ connection established")

	var redisClient *goredis.Client
	if cfg.Watchdog.Enabled {
		redisClient, err = sharedredis.NewClient(&sharedredis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		appLogger.Info("Redis connection established")
	}

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		if redisClient != nil {
			redisClient.Close()
		}
	}
	defer cleanup()

	analyzer, err := initAnalyzer(&cfg.Analysis)
	if err != nil {
		return fmt.Errorf("failed to initialize analyzer: %w", err)
	}

	jobs := storage.NewJobStore(dbClient.GetDB(), appLogger.Logger)
	orchestrator := analysis.NewOrchestrator(jobs, analyzer, cfg.Analysis.MinSucceededShards, appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		Source:        rabbitClient,
		Runner:        orchestrator,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:    cfg.Worker.JobTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watchdog *worker.Watchdog
	if cfg.Watchdog.Enabled {
		requeuer := scheduler.NewQueueScheduler(rabbitClient, cfg.RabbitMQ.RoutingKey, appLogger.Logger).ForRequeue()
		lock := sharedredis.NewLock(redisClient, watchdogLockKey, cfg.Watchdog.LockTTL)
		watchdog = worker.NewWatchdog(jobs, requeuer, lock, worker.WatchdogConfig{
			Schedule:        cfg.Watchdog.Schedule,
			RequeueAfter:    cfg.Watchdog.RequeueAfter,
			AnalysisTimeout: cfg.Watchdog.AnalysisTimeout,
			ScrapingTimeout: cfg.Watchdog.ScrapingTimeout,
			BatchSize:       cfg.Watchdog.BatchSize,
		}, appLogger.Logger)

		if err := watchdog.Start(ctx); err != nil {
			return fmt.Errorf("failed to start watchdog: %w", err)
		}
	}

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		cancel()
		workerInstance.Stop()
		if watchdog != nil {
			watchdog.Stop()
		}
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if watchdog != nil {
			watchdog.Stop()
		}
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initAnalyzer builds the analyzer selected by analysis.provider
func initAnalyzer(cfg *config.AnalysisConfig) (analysis.Analyzer, error) {
	switch cfg.Provider {
	case config.AnalysisProviderOpenAI:
		return analysis.NewOpenAIAnalyzer(cfg.APIKey, cfg.Model, cfg.Timeout)
	case config.AnalysisProviderConcat:
		return analysis.ConcatAnalyzer{}, nil
	default:
		return nil, fmt.Errorf("unknown analysis provider: %q", cfg.Provider)
	}
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
