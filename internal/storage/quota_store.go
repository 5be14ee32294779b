package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

type reportLimitRow struct {
	UserID          string       `db:"user_id"`
	TotalLimit      int          `db:"total_limit"`
	LastPaymentDate sql.NullTime `db:"last_payment_date"`
	CreatedAt       time.Time    `db:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at"`
}

func (r *reportLimitRow) toDomain() *domain.UserReportLimit {
	limit := &domain.UserReportLimit{
		UserID:     r.UserID,
		TotalLimit: r.TotalLimit,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.LastPaymentDate.Valid {
		t := r.LastPaymentDate.Time
		limit.LastPaymentDate = &t
	}
	return limit
}

// QuotaStore persists per-user report limits and the ids of payment events
// that have already been credited.
type QuotaStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewQuotaStore creates a new QuotaStore instance
func NewQuotaStore(db *sqlx.DB, logger *slog.Logger) *QuotaStore {
	return &QuotaStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetReportLimit returns the stored limit or domain.ErrLimitNotFound
func (s *QuotaStore) GetReportLimit(ctx context.Context, userID string) (*domain.UserReportLimit, error) {
	var row reportLimitRow
	query := `
		SELECT user_id, total_limit, last_payment_date, created_at, updated_at
		FROM user_report_limits
		WHERE user_id = $1
	`
	if err := s.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLimitNotFound
		}
		return nil, fmt.Errorf("failed to get report limit: %w", err)
	}
	return row.toDomain(), nil
}

// CreditReports adds amount to the user's limit, creating the record at the
// free allowance first when it does not exist. A non-empty eventID is
// recorded in the same transaction; an event seen before is not credited again.
func (s *QuotaStore) CreditReports(ctx context.Context, userID, eventID string, amount int) (domain.CreditResult, error) {
	result := domain.CreditResult{UserID: userID}
	now := s.now()

	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if eventID != "" {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO processed_payment_events (event_id, user_id, processed_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (event_id) DO NOTHING
			`, eventID, userID, now)
			if err != nil {
				return fmt.Errorf("failed to record payment event: %w", err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if rows == 0 {
				return s.currentLimit(ctx, tx, userID, &result)
			}
		}

		query := `
			INSERT INTO user_report_limits (user_id, total_limit, last_payment_date, created_at, updated_at)
			VALUES ($1, $2, $3, $3, $3)
			ON CONFLICT (user_id) DO UPDATE
			SET total_limit = user_report_limits.total_limit + $4,
			    last_payment_date = EXCLUDED.last_payment_date,
			    updated_at = EXCLUDED.updated_at
			RETURNING total_limit
		`
		if err := tx.GetContext(ctx, &result.TotalLimit, query, userID, domain.FreeReportAllowance+amount, now, amount); err != nil {
			return fmt.Errorf("failed to credit report limit: %w", err)
		}
		result.Applied = true
		return nil
	})
	if err != nil {
		return domain.CreditResult{}, err
	}

	if result.Applied {
		s.logger.Info("Report limit credited",
			slog.String("user_id", userID),
			slog.String("event_id", eventID),
			slog.Int("amount", amount),
			slog.Int("total_limit", result.TotalLimit),
		)
	}

	return result, nil
}

func (s *QuotaStore) currentLimit(ctx context.Context, tx *sqlx.Tx, userID string, result *domain.CreditResult) error {
	err := tx.GetContext(ctx, &result.TotalLimit, `SELECT total_limit FROM user_report_limits WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		result.TotalLimit = domain.FreeReportAllowance
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get report limit: %w", err)
	}
	return nil
}
