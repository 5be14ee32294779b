package handler

import (
	"errors"
	"net/http"

	"github.com/cuongbtq/shard-reports/internal/domain"
)

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotDistributedJob):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal error details from 5xx responses
func publicMessage(err error, fallback string) string {
	if statusFor(err) == http.StatusInternalServerError {
		return fallback
	}
	return err.Error()
}
