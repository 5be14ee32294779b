package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Analysis providers
const (
	AnalysisProviderOpenAI = "openai"
	AnalysisProviderConcat = "concat"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Storage  StorageConfig  `yaml:"storage"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Quota    QuotaConfig    `yaml:"quota"`
	Billing  BillingConfig  `yaml:"billing"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// DispatchRoutingKey routes shard tasks to the scraping provider adapter.
type RabbitMQConfig struct {
	Host               string           `yaml:"host"`
	Port               int              `yaml:"port"`
	User               string           `yaml:"user"`
	Password           string           `yaml:"password"`
	VHost              string           `yaml:"vhost"`
	Exchange           ExchangeConfig   `yaml:"exchange"`
	Queue              QueueConfig      `yaml:"queue"`
	RoutingKey         string           `yaml:"routing_key"`
	DispatchRoutingKey string           `yaml:"dispatch_routing_key"`
	Connection         ConnectionConfig `yaml:"connection"`
	Publish            PublishConfig    `yaml:"publish"`
	Consumer           ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver string `yaml:"driver"`
}

// JobsConfig holds report job settings
type JobsConfig struct {
	TotalShards     int    `yaml:"total_shards"`
	CallbackBaseURL string `yaml:"callback_base_url"`
	// MaxCallbackBodyBytes bounds one shard callback body
	MaxCallbackBodyBytes int64 `yaml:"max_callback_body_bytes"`
}

// QuotaConfig holds report allowance settings
type QuotaConfig struct {
	CreditPerPayment int `yaml:"credit_per_payment"`
}

// BillingConfig holds payment webhook settings
type BillingConfig struct {
	MonthlyPlanSlug  string   `yaml:"monthly_plan_slug"`
	CreditEventTypes []string `yaml:"credit_event_types"`
	WebhookSecret    string   `yaml:"webhook_secret"`
	VerifySignature  bool     `yaml:"verify_signature"`
}

// AnalysisConfig holds merge/analysis phase settings
type AnalysisConfig struct {
	Provider           string        `yaml:"provider"`
	Model              string        `yaml:"model"`
	APIKey             string        `yaml:"api_key"`
	Timeout            time.Duration `yaml:"timeout"`
	MinSucceededShards int           `yaml:"min_succeeded_shards"`
}

// WatchdogConfig holds stale-job sweeper settings
type WatchdogConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Schedule        string        `yaml:"schedule"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	RequeueAfter    time.Duration `yaml:"requeue_after"`
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`
	ScrapingTimeout time.Duration `yaml:"scraping_timeout"`
	BatchSize       int           `yaml:"batch_size"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverPostgres
	}
	if c.Jobs.TotalShards == 0 {
		c.Jobs.TotalShards = 7
	}
	if c.Jobs.MaxCallbackBodyBytes == 0 {
		c.Jobs.MaxCallbackBodyBytes = 16 << 20
	}
	if c.Quota.CreditPerPayment == 0 {
		c.Quota.CreditPerPayment = 30
	}
	if c.Billing.MonthlyPlanSlug == "" {
		c.Billing.MonthlyPlanSlug = "monthly"
	}
	if len(c.Billing.CreditEventTypes) == 0 {
		c.Billing.CreditEventTypes = []string{"subscription.created", "subscription.updated", "subscription.active"}
	}
	if c.Analysis.Provider == "" {
		c.Analysis.Provider = AnalysisProviderConcat
	}
	if c.Analysis.Timeout == 0 {
		c.Analysis.Timeout = 5 * time.Minute
	}
	if c.Analysis.MinSucceededShards == 0 {
		c.Analysis.MinSucceededShards = 1
	}
	if c.Watchdog.Schedule == "" {
		c.Watchdog.Schedule = "@every 1m"
	}
	if c.Watchdog.LockTTL == 0 {
		c.Watchdog.LockTTL = 50 * time.Second
	}
	if c.Watchdog.RequeueAfter == 0 {
		c.Watchdog.RequeueAfter = 2 * time.Minute
	}
	if c.Watchdog.AnalysisTimeout == 0 {
		c.Watchdog.AnalysisTimeout = 30 * time.Minute
	}
	if c.Watchdog.BatchSize == 0 {
		c.Watchdog.BatchSize = 100
	}
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Jobs.TotalShards < 1 {
		return fmt.Errorf("jobs total_shards must be greater than 0")
	}

	if c.Jobs.MaxCallbackBodyBytes < 0 {
		return fmt.Errorf("jobs max_callback_body_bytes must not be negative")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.DispatchRoutingKey == "" {
		return fmt.Errorf("rabbitmq dispatch_routing_key is required")
	}

	if c.Jobs.CallbackBaseURL == "" {
		return fmt.Errorf("jobs callback_base_url is required")
	}

	if c.Quota.CreditPerPayment < 1 {
		return fmt.Errorf("quota credit_per_payment must be greater than 0")
	}

	if c.Billing.VerifySignature && c.Billing.WebhookSecret == "" {
		return fmt.Errorf("billing webhook_secret is required when verify_signature is enabled")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	switch c.Analysis.Provider {
	case AnalysisProviderConcat:
	case AnalysisProviderOpenAI:
		if c.Analysis.APIKey == "" {
			return fmt.Errorf("analysis api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("unknown analysis provider: %q", c.Analysis.Provider)
	}

	if c.Analysis.MinSucceededShards < 1 || c.Analysis.MinSucceededShards > c.Jobs.TotalShards {
		return fmt.Errorf("analysis min_succeeded_shards must be between 1 and %d", c.Jobs.TotalShards)
	}

	if c.Watchdog.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("redis address is required when the watchdog is enabled")
	}

	return nil
}
