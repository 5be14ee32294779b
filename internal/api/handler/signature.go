package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of "<timestamp>.<body>"
	SignatureHeader = "X-Webhook-Signature"

	// TimestampHeader carries the RFC3339 time the webhook was signed at
	TimestampHeader = "X-Webhook-Timestamp"

	maxWebhookBodySize = 1 << 20
	maxTimestampAge    = 5 * time.Minute
)

var (
	// ErrMissingSignature is returned when the signature or timestamp header is absent
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match the body
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidTimestamp is returned when the timestamp header is not RFC3339
	ErrInvalidTimestamp = errors.New("invalid webhook timestamp")
	// ErrTimestampExpired is returned when the timestamp is outside the accepted window
	ErrTimestampExpired = errors.New("webhook timestamp expired")
	// ErrRequestTooLarge is returned when a body exceeds its size limit
	ErrRequestTooLarge = errors.New("request body too large")
)

// readBody reads at most limit bytes of the request body
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.ContentLength > limit {
		return nil, ErrRequestTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrRequestTooLarge
	}
	return body, nil
}

// VerifySignature checks the signature headers against body
func VerifySignature(secret []byte, signature, timestamp string, body []byte, now time.Time) error {
	if signature == "" {
		return ErrMissingSignature
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ErrInvalidTimestamp
	}
	if age := now.Sub(ts); age > maxTimestampAge || age < -maxTimestampAge {
		return ErrTimestampExpired
	}

	expected, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}

	if !hmac.Equal(expected, computeSignature(secret, timestamp, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// GenerateSignature returns the header value a sender puts in SignatureHeader
func GenerateSignature(secret []byte, timestamp string, body []byte) string {
	return "sha256=" + hex.EncodeToString(computeSignature(secret, timestamp, body))
}

func computeSignature(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func signatureStatus(err error) int {
	switch {
	case errors.Is(err, ErrMissingSignature), errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidTimestamp), errors.Is(err, ErrTimestampExpired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
