package http

import (
	"net/http"

	"github.com/keyfold/keyfold/pkg/httpx"
	"github.com/keyfold/keyfold/pkg/slogx"
)

// MFAHandler serves second-factor management for authenticated accounts.
type MFAHandler struct {
	Router *Router
}

// HandleTOTPEnroll handles POST /v1/mfa/totp/enroll.
func (h *MFAHandler) HandleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	owner, sess, ok := h.Router.authenticatedOwner(w, r)
	if !ok {
		return
	}

	enrollment, err := h.Router.TOTPService.BeginEnrollment(ctx, sess, owner)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, enrollment)
}

type totpVerifyRequest struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

// HandleTOTPVerify handles POST /v1/mfa/totp/verify.
func (h *MFAHandler) HandleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req totpVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	owner, sess, ok := h.Router.authenticatedOwner(w, r)
	if !ok {
		return
	}
	ip := httpx.IPKeyExtractor(r)

	cred, err := h.Router.TOTPService.ConfirmEnrollment(ctx, sess, owner, req.Code, req.Name, ip)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, map[string]string{
		"id":   cred.ID,
		"name": cred.Name,
	})
}

// HandleRecoveryCodesGenerate handles POST /v1/mfa/recovery-codes.
func (h *MFAHandler) HandleRecoveryCodesGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	owner, sess, ok := h.Router.authenticatedOwner(w, r)
	if !ok {
		return
	}

	codes, err := h.Router.RecoveryService.Generate(ctx, sess, owner)
	if err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

type recoveryCodesConfirmRequest struct {
	Code string `json:"code"`
}

// HandleRecoveryCodesConfirm handles POST /v1/mfa/recovery-codes/confirm.
func (h *MFAHandler) HandleRecoveryCodesConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req recoveryCodesConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	owner, sess, ok := h.Router.authenticatedOwner(w, r)
	if !ok {
		return
	}
	ip := httpx.IPKeyExtractor(r)

	if err := h.Router.RecoveryService.Confirm(ctx, sess, owner, req.Code, ip); err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}
