package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/shard-reports/internal/api/dto"
	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/reports"
	"github.com/cuongbtq/shard-reports/internal/storage"
	"github.com/gin-gonic/gin"
)

// requestUser reads the gateway identity headers. It writes a 401 and
// returns false when the user id is missing.
func requestUser(c *gin.Context) (string, bool, bool) {
	userID := strings.TrimSpace(c.GetHeader(UserIDHeader))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: UserIDHeader + " header is required"})
		return "", false, false
	}
	isPaid := strings.EqualFold(strings.TrimSpace(c.GetHeader(UserPlanHeader)), domain.PlanMonthly)
	return userID, isPaid, true
}

// CreateReport handles POST /api/v1/reports
// Admits a new report job if the user's quota allows it
func (h *ReportHandler) CreateReport(c *gin.Context) {
	userID, isPaid, ok := requestUser(c)
	if !ok {
		return
	}

	var req dto.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}

	job, err := h.reports.Create(c.Request.Context(), reports.CreateInput{
		UserID:     userID,
		IsPaidUser: isPaid,
		Prompt:     req.Prompt,
		Market:     req.Market,
	})
	if err != nil {
		if eligibility, exceeded := reports.IsQuotaExceeded(err); exceeded {
			c.JSON(http.StatusForbidden, dto.QuotaExceededResponse{
				Error:        "Report limit reached",
				ReportsUsed:  eligibility.ReportsUsed,
				ReportsLimit: eligibility.ReportsLimit,
			})
			return
		}

		var failure *domain.JobFailure
		if errors.As(err, &failure) && job != nil {
			h.logger.Error("Report job failed at dispatch",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, dto.NewReportDTO(job))
			return
		}

		h.logger.Error("Failed to create report", slog.String("error", err.Error()))
		c.JSON(statusFor(err), dto.ErrorResponse{Error: publicMessage(err, "Failed to create report")})
		return
	}

	c.JSON(http.StatusAccepted, dto.NewReportDTO(job))
}

// GetReport handles GET /api/v1/reports/:job_id
func (h *ReportHandler) GetReport(c *gin.Context) {
	userID, _, ok := requestUser(c)
	if !ok {
		return
	}

	jobID := c.Param("job_id")
	job, err := h.reports.Get(c.Request.Context(), userID, jobID)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("Failed to get report", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
		c.JSON(statusFor(err), dto.ErrorResponse{Error: publicMessage(err, "Failed to get report")})
		return
	}

	c.JSON(http.StatusOK, dto.NewReportDTO(job))
}

// ListReports handles GET /api/v1/reports
// Lists the caller's reports, newest first, with cursor pagination
func (h *ReportHandler) ListReports(c *gin.Context) {
	userID, _, ok := requestUser(c)
	if !ok {
		return
	}

	var req dto.ListReportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid query parameters"})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid cursor"})
		return
	}

	jobs, hasMore, err := h.reports.List(c.Request.Context(), reports.ListInput{
		UserID:   userID,
		Status:   domain.JobStatus(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.logger.Error("Failed to list reports", slog.String("error", err.Error()))
		}
		c.JSON(statusFor(err), dto.ErrorResponse{Error: publicMessage(err, "Failed to list reports")})
		return
	}

	out := make([]dto.ReportDTO, len(jobs))
	for i, job := range jobs {
		out[i] = dto.NewReportDTO(job)
	}

	var nextCursor string
	if hasMore && len(jobs) > 0 {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
	}

	c.JSON(http.StatusOK, dto.ListReportsResponse{
		Reports:    out,
		NextCursor: nextCursor,
	})
}

// GetEligibility handles GET /api/v1/reports/eligibility
func (h *ReportHandler) GetEligibility(c *gin.Context) {
	userID, isPaid, ok := requestUser(c)
	if !ok {
		return
	}

	eligibility, err := h.eligibility.CanCreateReport(c.Request.Context(), userID, isPaid)
	if err != nil {
		h.logger.Error("Failed to check eligibility", slog.String("user_id", userID), slog.String("error", err.Error()))
		c.JSON(statusFor(err), dto.ErrorResponse{Error: publicMessage(err, "Failed to check eligibility")})
		return
	}

	c.JSON(http.StatusOK, eligibility)
}
