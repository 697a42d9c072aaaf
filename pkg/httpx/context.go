package httpx

import "context"

type ctxKey string

const (
	CtxKeyUserID ctxKey = "user_id"
	CtxKeyAMR    ctxKey = "amr"
	CtxKeyClaims ctxKey = "claims"
)

// UserIDFromContext returns the authenticated user ID, if any.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyUserID).(string); ok {
		return v
	}
	return ""
}
