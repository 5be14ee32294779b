package domain

import "time"

const (
	// FreeReportAllowance is the implicit limit of a user without a limit record
	FreeReportAllowance = 1

	// DefaultCreditPerPayment is the number of reports a monthly payment adds
	DefaultCreditPerPayment = 30

	// PlanMonthly is the plan name reported for paying users
	PlanMonthly = "monthly"

	// PlanFree is the plan name reported for everyone else
	PlanFree = "free"
)

// UserReportLimit is the cumulative report allowance of a user
type UserReportLimit struct {
	UserID          string
	TotalLimit      int
	LastPaymentDate *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DefaultReportLimit is the limit of a user the ledger has never credited
func DefaultReportLimit(userID string) *UserReportLimit {
	return &UserReportLimit{
		UserID:     userID,
		TotalLimit: FreeReportAllowance,
	}
}

// ReportEligibility is the answer of the report-creation gate
type ReportEligibility struct {
	CanCreate    bool   `json:"can_create"`
	ReportsUsed  int    `json:"reports_used"`
	ReportsLimit int    `json:"reports_limit"`
	Plan         string `json:"plan"`
}

// CreditResult describes the effect of one credit request
type CreditResult struct {
	UserID     string
	TotalLimit int
	// Applied is false when the billing event was already processed
	Applied bool
}

// PlanFor maps the identity provider's paid flag to a plan name
func PlanFor(isPaidUser bool) string {
	if isPaidUser {
		return PlanMonthly
	}
	return PlanFree
}
