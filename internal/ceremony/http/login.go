package http

import (
	"encoding/json"
	"net/http"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/service"
	"github.com/keyfold/keyfold/pkg/httpx"
	"github.com/keyfold/keyfold/pkg/slogx"
)

// LoginHandler serves primary authentication and the multi-factor challenge
// cycle.
type LoginHandler struct {
	Router *Router
}

// HandlePasswordLogin handles POST /v1/login.
func (h *LoginHandler) HandlePasswordLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req service.PasswordLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	sess := h.Router.sessions.Ensure(w, r)
	ip := httpx.IPKeyExtractor(r)

	result, err := h.Router.LoginService.PasswordLogin(ctx, sess, req, ip)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	if result.Authenticated {
		h.Router.sessions.WriteCookie(w, sess)
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// HandleChallenge handles POST /v1/login/mfa.
func (h *LoginHandler) HandleChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req domain.ChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	sess := h.Router.sessions.Ensure(w, r)
	ip := httpx.IPKeyExtractor(r)

	result, err := h.Router.LoginService.Challenge(ctx, sess, req, ip)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	h.Router.sessions.WriteCookie(w, sess)
	httpx.WriteJSON(w, http.StatusOK, result)
}

// HandleMFAOptions handles GET /v1/login/mfa/options. It re-issues the
// WebAuthn challenge for the partial login in flight, since a failed
// assertion consumes the previously issued options.
func (h *LoginHandler) HandleMFAOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	sess := h.Router.sessions.Ensure(w, r)

	options, err := h.Router.LoginService.MFAOptions(ctx, sess)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, options)
}

// HandlePasskeyOptions handles GET /v1/login/passkey/options.
func (h *LoginHandler) HandlePasskeyOptions(w http.ResponseWriter, r *http.Request) {
	log := slogx.FromContext(r.Context())

	sess := h.Router.sessions.Ensure(w, r)

	options, err := h.Router.LoginService.PasskeyLoginOptions(sess)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, options)
}

type passkeyLoginRequest struct {
	Credential json.RawMessage `json:"credential"`
}

// HandlePasskeyLogin handles POST /v1/login/passkey.
func (h *LoginHandler) HandlePasskeyLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req passkeyLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Credential) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "credential: required")
		return
	}

	sess := h.Router.sessions.Ensure(w, r)
	ip := httpx.IPKeyExtractor(r)

	result, err := h.Router.LoginService.PasskeyLogin(ctx, sess, req.Credential, ip)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	h.Router.sessions.WriteCookie(w, sess)
	httpx.WriteJSON(w, http.StatusOK, result)
}
