package http

import (
	"net/http"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/pkg/httpx"
)

// ReadyzHandler is the readiness probe; it checks the critical dependencies.
func ReadyzHandler(startTime time.Time, version string, st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		database := "ok"

		if err := st.Ping(r.Context()); err != nil {
			database = "error: " + err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		httpx.WriteJSON(w, code, map[string]any{
			"status":  status,
			"uptime":  time.Since(startTime).String(),
			"version": version,
			"checks":  map[string]string{"database": database},
		})
	}
}
