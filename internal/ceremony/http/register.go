package http

import (
	"encoding/json"
	"net/http"

	"github.com/keyfold/keyfold/pkg/httpx"
	"github.com/keyfold/keyfold/pkg/slogx"
)

// RegisterHandler serves account creation: the password path and the
// two-phase passkey claim.
type RegisterHandler struct {
	Router *Router
}

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Password    string `json:"password"`
}

// HandleRegister handles POST /v1/register.
func (h *RegisterHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	sess := h.Router.sessions.Ensure(w, r)

	result, err := h.Router.RegisterService.RegisterPassword(ctx, sess, req.Username, req.DisplayName, req.Password)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	h.Router.sessions.WriteCookie(w, sess)
	httpx.WriteJSON(w, http.StatusCreated, result)
}

type registerPasskeyOptionsRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
}

// HandlePasskeyOptions handles POST /v1/register/passkey/options.
func (h *RegisterHandler) HandlePasskeyOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req registerPasskeyOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	sess := h.Router.sessions.Ensure(w, r)

	options, err := h.Router.RegisterService.BeginPasskeyRegistration(ctx, sess, req.Username, req.DisplayName)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, options)
}

type registerPasskeyConfirmRequest struct {
	Credential json.RawMessage `json:"credential"`
	Name       string          `json:"name,omitempty"`
}

// HandlePasskeyConfirm handles POST /v1/register/passkey.
func (h *RegisterHandler) HandlePasskeyConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req registerPasskeyConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Credential) == 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "credential: required")
		return
	}

	sess := h.Router.sessions.Ensure(w, r)

	result, err := h.Router.RegisterService.ConfirmPasskeyRegistration(ctx, sess, req.Credential, req.Name)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	h.Router.sessions.WriteCookie(w, sess)
	httpx.WriteJSON(w, http.StatusCreated, result)
}

// HandlePasskeyCancel handles DELETE /v1/register/passkey.
func (h *RegisterHandler) HandlePasskeyCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	sess := h.Router.sessions.Ensure(w, r)

	if err := h.Router.RegisterService.CancelPasskeyRegistration(ctx, sess); err != nil {
		writeServiceError(w, log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
