package http

import (
	"net/http"

	"github.com/keyfold/keyfold/pkg/httpx"
	"github.com/keyfold/keyfold/pkg/slogx"
)

// RecoveryHandler serves the account-recovery ceremony.
type RecoveryHandler struct {
	Router *Router
}

type recoveryRequest struct {
	Username string `json:"username"`
}

// HandleRequest handles POST /v1/recovery. The response is identical whether
// or not the account exists.
func (h *RecoveryHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req recoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Username == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "username: required")
		return
	}

	ip := httpx.IPKeyExtractor(r)

	if err := h.Router.RecoveryService.Request(ctx, req.Username, ip); err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type recoveryChallengeRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

// HandleChallenge handles POST /v1/recovery/challenge.
func (h *RecoveryHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req recoveryChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	sess := h.Router.sessions.Ensure(w, r)
	ip := httpx.IPKeyExtractor(r)

	result, err := h.Router.LoginService.RecoverAccount(ctx, sess, req.Username, req.Code, ip)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	h.Router.sessions.WriteCookie(w, sess)
	httpx.WriteJSON(w, http.StatusOK, result)
}
