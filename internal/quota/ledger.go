// Package quota tracks how many reports each user may create and credits
// paid subscriptions.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

// LimitStore persists per-user limits. CreditReports must be atomic per user
// and must not apply the same non-empty eventID twice.
type LimitStore interface {
	GetReportLimit(ctx context.Context, userID string) (*domain.UserReportLimit, error)
	CreditReports(ctx context.Context, userID, eventID string, amount int) (domain.CreditResult, error)
}

// UsageCounter counts the reports a user has already received
type UsageCounter interface {
	CountCompletedReports(ctx context.Context, userID string) (int, error)
}

// Ledger answers the report-creation gate and applies credits
type Ledger struct {
	limits LimitStore
	usage  UsageCounter
	logger *slog.Logger
}

// NewLedger creates a new Ledger instance
func NewLedger(limits LimitStore, usage UsageCounter, logger *slog.Logger) *Ledger {
	return &Ledger{
		limits: limits,
		usage:  usage,
		logger: logger,
	}
}

// CanCreateReport compares the user's completed reports against their limit.
// A user without a limit record gets the free allowance.
func (l *Ledger) CanCreateReport(ctx context.Context, userID string, isPaidUser bool) (domain.ReportEligibility, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.ReportEligibility{}, domain.NewValidationError("user_id", "is required")
	}

	used, err := l.usage.CountCompletedReports(ctx, userID)
	if err != nil {
		return domain.ReportEligibility{}, fmt.Errorf("failed to count reports: %w", err)
	}

	limit, err := l.limits.GetReportLimit(ctx, userID)
	if errors.Is(err, domain.ErrLimitNotFound) {
		limit = domain.DefaultReportLimit(userID)
	} else if err != nil {
		return domain.ReportEligibility{}, fmt.Errorf("failed to get report limit: %w", err)
	}

	return domain.ReportEligibility{
		CanCreate:    used < limit.TotalLimit,
		ReportsUsed:  used,
		ReportsLimit: limit.TotalLimit,
		Plan:         domain.PlanFor(isPaidUser),
	}, nil
}

// CreditReports adds amount reports to the user's limit, once per eventID
func (l *Ledger) CreditReports(ctx context.Context, userID, eventID string, amount int) (domain.CreditResult, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.CreditResult{}, domain.NewValidationError("user_id", "is required")
	}
	if amount <= 0 {
		return domain.CreditResult{}, domain.NewValidationError("amount", "must be positive")
	}

	result, err := l.limits.CreditReports(ctx, userID, eventID, amount)
	if err != nil {
		return domain.CreditResult{}, fmt.Errorf("failed to credit reports: %w", err)
	}

	if !result.Applied {
		l.logger.Info("Payment event already credited",
			slog.String("user_id", userID),
			slog.String("event_id", eventID),
		)
	}

	return result, nil
}
