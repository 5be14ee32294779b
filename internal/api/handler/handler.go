package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/reports"
)

const (
	// UserIDHeader carries the authenticated user id set by the gateway
	UserIDHeader = "X-User-ID"

	// UserPlanHeader carries the user's plan set by the gateway
	UserPlanHeader = "X-User-Plan"
)

// ReportService is implemented by reports.Service
type ReportService interface {
	Create(ctx context.Context, in reports.CreateInput) (*domain.Job, error)
	Get(ctx context.Context, userID, jobID string) (*domain.Job, error)
	List(ctx context.Context, in reports.ListInput) ([]*domain.Job, bool, error)
}

// EligibilityChecker is implemented by quota.Ledger
type EligibilityChecker interface {
	CanCreateReport(ctx context.Context, userID string, isPaidUser bool) (domain.ReportEligibility, error)
}

// ShardIngestor is implemented by ingest.Controller
type ShardIngestor interface {
	Ingest(ctx context.Context, jobID string, index int, outcome domain.ShardOutcome) (domain.Progress, error)
	FailJob(ctx context.Context, jobID, reason string) error
}

// SubscriptionProcessor is implemented by quota.PaymentHandler
type SubscriptionProcessor interface {
	HandleSubscriptionEvent(ctx context.Context, ev domain.SubscriptionEvent) (bool, error)
}

// BillingConfig controls billing webhook signature checks
type BillingConfig struct {
	WebhookSecret   string
	VerifySignature bool
}

// DefaultShardBodyLimit bounds a shard callback body when none is configured
const DefaultShardBodyLimit = 16 << 20

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Reports     ReportService
	Eligibility EligibilityChecker
	Ingestor    ShardIngestor
	Payments    SubscriptionProcessor
	Billing     BillingConfig
	// ShardBodyLimit bounds a shard callback body, DefaultShardBodyLimit when zero
	ShardBodyLimit int64
	// HealthCheck reports whether the storage backend is reachable
	HealthCheck func(ctx context.Context) error
	ServiceName string
}

// ReportHandler handles report-related HTTP requests
type ReportHandler struct {
	logger      *slog.Logger
	reports     ReportService
	eligibility EligibilityChecker
}

// NewReportHandler creates a new ReportHandler instance
func NewReportHandler(deps *Dependencies) *ReportHandler {
	return &ReportHandler{
		logger:      deps.Logger,
		reports:     deps.Reports,
		eligibility: deps.Eligibility,
	}
}

// WebhookHandler handles shard and billing callbacks
type WebhookHandler struct {
	logger         *slog.Logger
	ingestor       ShardIngestor
	payments       SubscriptionProcessor
	billing        BillingConfig
	shardBodyLimit int64
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	limit := deps.ShardBodyLimit
	if limit <= 0 {
		limit = DefaultShardBodyLimit
	}
	return &WebhookHandler{
		logger:         deps.Logger,
		ingestor:       deps.Ingestor,
		payments:       deps.Payments,
		billing:        deps.Billing,
		shardBodyLimit: limit,
	}
}
