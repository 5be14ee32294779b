package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

// QuotaStore keeps report limits and processed payment events in memory
type QuotaStore struct {
	mu     sync.Mutex
	limits map[string]domain.UserReportLimit
	events map[string]string
	now    func() time.Time
}

// NewQuotaStore creates an empty QuotaStore
func NewQuotaStore() *QuotaStore {
	return &QuotaStore{
		limits: make(map[string]domain.UserReportLimit),
		events: make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetReportLimit returns the stored limit or domain.ErrLimitNotFound
func (s *QuotaStore) GetReportLimit(_ context.Context, userID string) (*domain.UserReportLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, ok := s.limits[userID]
	if !ok {
		return nil, domain.ErrLimitNotFound
	}
	return &limit, nil
}

// CreditReports adds amount to the user's limit unless eventID was already processed
func (s *QuotaStore) CreditReports(_ context.Context, userID, eventID string, amount int) (domain.CreditResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit, ok := s.limits[userID]
	if !ok {
		limit = *domain.DefaultReportLimit(userID)
	}

	if eventID != "" {
		if _, seen := s.events[eventID]; seen {
			return domain.CreditResult{UserID: userID, TotalLimit: limit.TotalLimit}, nil
		}
		s.events[eventID] = userID
	}

	now := s.now()
	if !ok {
		limit.CreatedAt = now
	}
	limit.TotalLimit += amount
	limit.LastPaymentDate = &now
	limit.UpdatedAt = now
	s.limits[userID] = limit

	return domain.CreditResult{UserID: userID, TotalLimit: limit.TotalLimit, Applied: true}, nil
}
