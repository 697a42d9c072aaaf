package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/keyfold/keyfold/internal/ceremony/domain"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/pkg/httpx"
)

const maxBodyBytes = 64 << 10

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return err
	}
	return nil
}

// authenticatedOwner resolves the session's fully authenticated owner. The
// bearer middleware has already verified a token; the session must agree on
// the subject, otherwise a token from one browser cannot drive another's
// ceremony state.
func (rt *Router) authenticatedOwner(w http.ResponseWriter, r *http.Request) (*domain.Owner, *session.Session, bool) {
	sess, ok := rt.sessions.Lookup(r)
	if !ok || sess.UserID() == "" {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "no authenticated session")
		return nil, nil, false
	}

	if userID, _ := r.Context().Value(httpx.CtxKeyUserID).(string); userID != sess.UserID() {
		httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "token does not match session")
		return nil, nil, false
	}

	owner, err := rt.store.Owners().FindByID(r.Context(), sess.UserID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated", "account no longer exists")
			return nil, nil, false
		}
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "An internal error occurred.")
		return nil, nil, false
	}
	return owner, sess, true
}
