package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keyfold/keyfold/internal/ceremony/service"
	"github.com/keyfold/keyfold/internal/ceremony/store"
)

func TestWriteServiceError(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	tests := []struct {
		name     string
		err      error
		status   int
		code     string
		contains string
	}{
		{
			name:   "validation error",
			err:    &service.ValidationError{Field: "username", Reason: "required"},
			status: http.StatusBadRequest,
			code:   "invalid_request",
		},
		{
			name:   "challenge failed",
			err:    service.ErrChallengeFailed,
			status: http.StatusUnprocessableEntity,
			code:   "challenge_failed",
		},
		{
			name:   "wrapped challenge failed",
			err:    errors.Join(errors.New("ctx"), service.ErrChallengeFailed),
			status: http.StatusUnprocessableEntity,
			code:   "challenge_failed",
		},
		{
			name:   "precondition",
			err:    service.ErrPrecondition,
			status: http.StatusPreconditionRequired,
			code:   "precondition_failed",
		},
		{
			name:   "sudo required",
			err:    service.ErrSudoRequired,
			status: http.StatusForbidden,
			code:   "sudo_required",
		},
		{
			name:   "forbidden",
			err:    service.ErrForbidden,
			status: http.StatusForbidden,
			code:   "forbidden",
		},
		{
			name:   "unexpected error",
			err:    errors.New("disk on fire"),
			status: http.StatusInternalServerError,
			code:   "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, log, tt.err)

			require.Equal(t, tt.status, rec.Code)
			require.Contains(t, rec.Body.String(), tt.code)
		})
	}
}

func TestWriteServiceErrorRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, slog.New(slog.DiscardHandler), &service.RateLimitedError{RetryAfter: 42 * time.Second})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestWriteServiceErrorNeverLeaksCause(t *testing.T) {
	// Every challenge-failure body must be identical, whatever went wrong
	// underneath.
	rec := httptest.NewRecorder()
	writeServiceError(rec, slog.New(slog.DiscardHandler), service.ErrChallengeFailed)
	body := rec.Body.String()

	require.NotContains(t, body, "password")
	require.NotContains(t, body, "totp")
	require.NotContains(t, body, "counter")
}

func TestDecodeJSON(t *testing.T) {
	t.Run("valid body", func(t *testing.T) {
		var v struct {
			Name string `json:"name"`
		}
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alice"}`))
		rec := httptest.NewRecorder()

		require.NoError(t, decodeJSON(rec, r, &v))
		require.Equal(t, "alice", v.Name)
	})

	t.Run("malformed body", func(t *testing.T) {
		var v struct{}
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		rec := httptest.NewRecorder()

		require.Error(t, decodeJSON(rec, r, &v))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		var v struct{}
		huge := `{"pad":"` + strings.Repeat("x", maxBodyBytes+1) + `"}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(huge))
		rec := httptest.NewRecorder()

		require.Error(t, decodeJSON(rec, r, &v))
	})
}

func TestLivezHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivezHandler(time.Now(), "v0.1.0")(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
	require.Contains(t, rec.Body.String(), "v0.1.0")
}

// pingStore stubs out the store for probe tests.
type pingStore struct {
	err error
}

func (p pingStore) Owners() store.OwnerRepository           { return nil }
func (p pingStore) Credentials() store.CredentialRepository { return nil }
func (p pingStore) Ping(ctx context.Context) error          { return p.err }
func (p pingStore) Close() error                            { return nil }

func (p pingStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return nil
}

func TestReadyzHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadyzHandler(time.Now(), "v0.1.0", pingStore{})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		require.Contains(t, rec.Body.String(), `"status":"ok"`)
	})

	t.Run("database down", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadyzHandler(time.Now(), "v0.1.0", pingStore{err: errors.New("locked")})(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Contains(t, rec.Body.String(), `"status":"degraded"`)
	})
}
