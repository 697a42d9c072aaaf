package http

import (
	"net/http"
	"time"

	"github.com/keyfold/keyfold/pkg/httpx"
)

// LivezHandler is the liveness probe; it returns 200 whenever the process is
// serving.
func LivezHandler(startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"uptime":  time.Since(startTime).String(),
			"version": version,
		})
	}
}
