package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/shard-reports/internal/api/dto"
	"github.com/cuongbtq/shard-reports/internal/domain"
	"github.com/cuongbtq/shard-reports/internal/ingest"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ShardWebhook handles POST /webhooks/shards?jobId=<id>&shardIndex=<n>
// Records one scraping shard's outcome and reports the job's progress
func (h *WebhookHandler) ShardWebhook(c *gin.Context) {
	jobID := strings.TrimSpace(c.Query("jobId"))
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Warn("Shard callback without a valid job id", slog.String("job_id", jobID))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid jobId"})
		return
	}

	rawIndex := c.Query("shardIndex")
	index, err := strconv.Atoi(strings.TrimSpace(rawIndex))
	if err != nil {
		h.failUnattributed(c.Request.Context(), jobID, fmt.Sprintf("shard callback with unparsable shard index %q", rawIndex))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid shardIndex"})
		return
	}

	outcome, readErr := h.readShardOutcome(c.Request)

	progress, err := h.ingestor.Ingest(c.Request.Context(), jobID, index, outcome)
	if err == nil && readErr != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body, shard recorded as failed"})
		return
	}
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Failed to ingest shard callback",
				slog.String("job_id", jobID),
				slog.Int("shard_index", index),
				slog.String("error", err.Error()),
			)
		}
		c.JSON(status, dto.ErrorResponse{Error: publicMessage(err, "Failed to record shard outcome")})
		return
	}

	c.JSON(http.StatusOK, progress)
}

// readShardOutcome parses the callback body. A body that cannot be read is
// still attributed to the shard, as a failure.
func (h *WebhookHandler) readShardOutcome(r *http.Request) (domain.ShardOutcome, error) {
	body, err := readBody(r, h.shardBodyLimit)
	if err == nil {
		return ingest.ParseShardPayload(body), nil
	}

	h.logger.Warn("Failed to read shard callback body",
		slog.String("job_id", r.URL.Query().Get("jobId")),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, ErrRequestTooLarge) {
		return domain.FailedOutcome(fmt.Sprintf("callback body larger than %d bytes", h.shardBodyLimit)), err
	}
	return domain.FailedOutcome("callback body could not be read: " + err.Error()), err
}

// failUnattributed fails the whole job when a callback cannot be tied to a shard
func (h *WebhookHandler) failUnattributed(ctx context.Context, jobID, reason string) {
	if err := h.ingestor.FailJob(ctx, jobID, reason); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		h.logger.Error("Failed to fail job for unattributed callback",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// BillingWebhook handles POST /webhooks/billing
// Credits reports when a subscription moves into the monthly plan. Once the
// event is parsed it is always acknowledged unless crediting failed in
// storage, in which case a 500 asks the provider to redeliver.
func (h *WebhookHandler) BillingWebhook(c *gin.Context) {
	body, err := readBody(c.Request, maxWebhookBodySize)
	if err != nil {
		c.JSON(signatureStatus(err), dto.ErrorResponse{Error: "Failed to read request body"})
		return
	}

	if h.billing.VerifySignature {
		err := VerifySignature(
			[]byte(h.billing.WebhookSecret),
			c.GetHeader(SignatureHeader),
			c.GetHeader(TimestampHeader),
			body,
			time.Now(),
		)
		if err != nil {
			h.logger.Warn("Billing webhook signature rejected", slog.String("error", err.Error()))
			c.JSON(signatureStatus(err), dto.ErrorResponse{Error: err.Error()})
			return
		}
	}

	var ev domain.SubscriptionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.logger.Error("Invalid billing webhook body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(ev.ID) == "" {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "Event id is required"})
		return
	}

	credited, err := h.payments.HandleSubscriptionEvent(c.Request.Context(), ev)
	if err != nil {
		if domain.IsRetryable(err) {
			c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to process billing event"})
			return
		}
		h.logger.Warn("Billing event acknowledged without credit",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(http.StatusOK, dto.BillingWebhookResponse{Received: true, Credited: credited})
}
