package gateway

import (
	"context"
	"errors"
	"net/http"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
)

// providerError classifies a failed provider call. status is the HTTP status
// the provider answered with, zero when no answer arrived. Declines surface
// as ProviderRejected, outages as ProviderUnavailable, deadlines as Timeout.
func providerError(ctx context.Context, provider models.PaymentProvider, op string, status int, msg string, err error) error {
	if status == 0 {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apperr.Wrap(apperr.KindTimeout, err, "%s %s timed out", provider, op)
		}
		return apperr.Wrap(apperr.KindProviderUnavailable, err, "%s %s failed", provider, op)
	}

	if msg == "" {
		msg = http.StatusText(status)
	}
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return apperr.Wrap(apperr.KindProviderRejected, err, "%s %s: %s", provider, op, msg)
	}
	return apperr.Wrap(apperr.KindProviderUnavailable, err, "%s %s: %s", provider, op, msg)
}
