package quota

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/metrics"
)

// Creditor applies report credits
type Creditor interface {
	CreditReports(ctx context.Context, userID, eventID string, amount int) (domain.CreditResult, error)
}

// PaymentConfig selects which billing events earn credits
type PaymentConfig struct {
	MonthlyPlanSlug  string
	CreditEventTypes []string
	CreditPerPayment int
}

// PaymentHandler credits the ledger when a user's monthly plan becomes active
type PaymentHandler struct {
	ledger     Creditor
	planSlug   string
	eventTypes map[string]bool
	amount     int
	logger     *slog.Logger
}

// NewPaymentHandler creates a new PaymentHandler. An empty event type list accepts every type.
func NewPaymentHandler(ledger Creditor, cfg PaymentConfig, logger *slog.Logger) *PaymentHandler {
	if cfg.MonthlyPlanSlug == "" {
		cfg.MonthlyPlanSlug = domain.PlanMonthly
	}
	if cfg.CreditPerPayment <= 0 {
		cfg.CreditPerPayment = domain.DefaultCreditPerPayment
	}

	types := make(map[string]bool, len(cfg.CreditEventTypes))
	for _, t := range cfg.CreditEventTypes {
		types[t] = true
	}

	return &PaymentHandler{
		ledger:     ledger,
		planSlug:   cfg.MonthlyPlanSlug,
		eventTypes: types,
		amount:     cfg.CreditPerPayment,
		logger:     logger,
	}
}

// HandleSubscriptionEvent credits the payer when the event moves a monthly
// plan item into active. It reports whether a credit was applied. Storage
// failures are returned as retryable so the provider redelivers the event.
func (h *PaymentHandler) HandleSubscriptionEvent(ctx context.Context, ev domain.SubscriptionEvent) (bool, error) {
	if len(h.eventTypes) > 0 && !h.eventTypes[ev.Type] {
		h.ignore(ev, "event type not credited")
		return false, nil
	}

	item, ok := ev.Data.ActiveItem(h.planSlug)
	if !ok {
		h.ignore(ev, "no active monthly plan item")
		return false, nil
	}
	if !item.BecameActive() {
		h.ignore(ev, "plan was already active")
		return false, nil
	}

	userID := ev.Data.Payer.UserID
	if userID == "" {
		metrics.ObserveQuotaCredit(metrics.CreditIgnored)
		return false, domain.NewValidationError("data.payer.user_id", "is required")
	}

	result, err := h.ledger.CreditReports(ctx, userID, ev.ID, h.amount)
	if err != nil {
		metrics.ObserveQuotaCredit(metrics.CreditError)
		h.logger.Error("Failed to credit reports",
			slog.String("event_id", ev.ID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return false, domain.NewRetryableError(err)
	}

	if !result.Applied {
		metrics.ObserveQuotaCredit(metrics.CreditDuplicate)
		return false, nil
	}

	metrics.ObserveQuotaCredit(metrics.CreditApplied)
	h.logger.Info("Subscription credited",
		slog.String("event_id", ev.ID),
		slog.String("user_id", userID),
		slog.Int("amount", h.amount),
		slog.Int("total_limit", result.TotalLimit),
	)
	return true, nil
}

func (h *PaymentHandler) ignore(ev domain.SubscriptionEvent, reason string) {
	metrics.ObserveQuotaCredit(metrics.CreditIgnored)
	h.logger.Debug("Subscription event ignored",
		slog.String("event_id", ev.ID),
		slog.String("type", ev.Type),
		slog.String("reason", reason),
	)
}
