package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/keyfold/keyfold/internal/ceremony/service"
	"github.com/keyfold/keyfold/pkg/httpx"
)

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Challenge failures share one generic body no matter the cause.
func writeServiceError(w http.ResponseWriter, log *slog.Logger, err error) {
	var (
		rateLimited *service.RateLimitedError
		validation  *service.ValidationError
	)

	switch {
	case errors.As(err, &validation):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("%s: %s", validation.Field, validation.Reason))

	case errors.As(err, &rateLimited):
		retryAfter := max(int(rateLimited.RetryAfter.Seconds()), 1)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited",
			"Too many attempts. Please try again later.")

	case errors.Is(err, service.ErrChallengeFailed):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "challenge_failed",
			"The provided credentials could not be verified.")

	case errors.Is(err, service.ErrPrecondition):
		httpx.WriteError(w, http.StatusPreconditionRequired, "precondition_failed",
			"No matching ceremony is in progress.")

	case errors.Is(err, service.ErrSudoRequired):
		httpx.WriteError(w, http.StatusForbidden, "sudo_required",
			"This action requires recent re-confirmation.")

	case errors.Is(err, service.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "forbidden",
			"This action is not permitted for the account.")

	default:
		log.Error("unexpected service error", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error",
			"An internal error occurred.")
	}
}
