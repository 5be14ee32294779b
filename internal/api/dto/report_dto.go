package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

type CreateReportRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Market string `json:"market"`
}

type ListReportsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListReportsResponse struct {
	Reports    []ReportDTO `json:"reports"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// ReportDTO is the user-facing view of a job. Shard payloads are never exposed.
type ReportDTO struct {
	JobID           string          `json:"job_id"`
	UserID          string          `json:"user_id"`
	Status          string          `json:"status"`
	Prompt          string          `json:"prompt"`
	Market          string          `json:"market,omitempty"`
	TotalShards     int             `json:"total_shards"`
	CompletedShards *int            `json:"completed_shards,omitempty"`
	Report          json.RawMessage `json:"report,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	CompletedAt     string          `json:"completed_at,omitempty"`
}

type QuotaExceededResponse struct {
	Error        string `json:"error"`
	ReportsUsed  int    `json:"reports_used"`
	ReportsLimit int    `json:"reports_limit"`
}

type BillingWebhookResponse struct {
	Received bool `json:"received"`
	Credited bool `json:"credited"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// NewReportDTO converts a job. Shard counts are included only when the job
// was loaded with its shards.
func NewReportDTO(job *domain.Job) ReportDTO {
	out := ReportDTO{
		JobID:         job.JobID,
		UserID:        job.UserID,
		Status:        string(job.Status),
		Prompt:        job.OriginalPrompt,
		Market:        job.Market,
		TotalShards:   job.TotalShards,
		Report:        job.Report,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Shards != nil {
		completed := job.CompletedCount()
		out.CompletedShards = &completed
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}
