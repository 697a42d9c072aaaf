package http

import (
	"net/http"

	"github.com/keyfold/keyfold/pkg/httpx"
	"github.com/keyfold/keyfold/pkg/slogx"
)

// SudoHandler serves sudo-mode re-confirmation.
type SudoHandler struct {
	Router *Router
}

type sudoConfirmRequest struct {
	Password string `json:"password"`
}

// HandleConfirm handles POST /v1/sudo.
func (h *SudoHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := slogx.FromContext(ctx)

	var req sudoConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}

	owner, sess, ok := h.Router.authenticatedOwner(w, r)
	if !ok {
		return
	}
	ip := httpx.IPKeyExtractor(r)

	if err := h.Router.SudoService.Confirm(ctx, sess, owner, req.Password, ip); err != nil {
		writeServiceError(w, log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}
