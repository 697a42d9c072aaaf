package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/service"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/pkg/httpx"
	"github.com/keyfold/keyfold/pkg/jwtx"
	"github.com/keyfold/keyfold/pkg/slogx"
)

// Router holds shared dependencies for HTTP handlers.
type Router struct {
	Mux         *http.ServeMux
	middlewares []httpx.Middleware

	verifier     *jwtx.Verifier
	buildVersion string
	startTime    time.Time
	logger       *slog.Logger

	store    store.Store
	sessions *session.Manager

	LoginService    *service.LoginService
	RegisterService *service.RegisterService
	TOTPService     *service.TOTPService
	SudoService     *service.SudoService
	RecoveryService *service.RecoveryService
}

func NewRouter(
	verifier *jwtx.Verifier,
	buildVersion string,
	st store.Store,
	sessions *session.Manager,
	logger *slog.Logger,
) *Router {
	r := &Router{
		Mux:          http.NewServeMux(),
		verifier:     verifier,
		buildVersion: buildVersion,
		startTime:    time.Now(),
		store:        st,
		sessions:     sessions,
		logger:       logger,
	}

	r.middlewares = []httpx.Middleware{
		slogx.HTTPMiddleware(r.logger),
	}

	return r
}

func (rt *Router) ApplyRoutes() {
	rt.registerLogin()
	rt.registerRegistration()
	rt.registerSudo()
	rt.registerMFAManagement()
	rt.registerRecovery()
	rt.registerSystem()
}

// ServeHTTP implements http.Handler and applies the global middleware chain.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	httpx.Chain(rt.Mux, rt.middlewares...).ServeHTTP(w, req)
}

func (rt *Router) registerLogin() {
	h := &LoginHandler{Router: rt}

	// Credential submissions get the strict transport throttle on top of
	// the ceremony layer's per-identity attempt counting.
	rt.Mux.Handle("POST /v1/login",
		httpx.Chain(http.HandlerFunc(h.HandlePasswordLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	rt.Mux.Handle("POST /v1/login/mfa",
		httpx.Chain(http.HandlerFunc(h.HandleChallenge),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	rt.Mux.Handle("GET /v1/login/mfa/options",
		httpx.Chain(http.HandlerFunc(h.HandleMFAOptions),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	rt.Mux.Handle("GET /v1/login/passkey/options",
		httpx.Chain(http.HandlerFunc(h.HandlePasskeyOptions),
			httpx.RateLimitByIP(httpx.LenientLimit),
		),
	)
	rt.Mux.Handle("POST /v1/login/passkey",
		httpx.Chain(http.HandlerFunc(h.HandlePasskeyLogin),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (rt *Router) registerRegistration() {
	h := &RegisterHandler{Router: rt}

	rt.Mux.Handle("POST /v1/register",
		httpx.Chain(http.HandlerFunc(h.HandleRegister),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	rt.Mux.Handle("POST /v1/register/passkey/options",
		httpx.Chain(http.HandlerFunc(h.HandlePasskeyOptions),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	rt.Mux.Handle("POST /v1/register/passkey",
		httpx.Chain(http.HandlerFunc(h.HandlePasskeyConfirm),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	rt.Mux.Handle("DELETE /v1/register/passkey",
		httpx.Chain(http.HandlerFunc(h.HandlePasskeyCancel),
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
}

func (rt *Router) registerSudo() {
	h := &SudoHandler{Router: rt}

	rt.Mux.Handle("POST /v1/sudo",
		httpx.Chain(http.HandlerFunc(h.HandleConfirm),
			httpx.AuthnMiddleware(rt.verifier),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (rt *Router) registerMFAManagement() {
	h := &MFAHandler{Router: rt}

	authn := httpx.AuthnMiddleware(rt.verifier)

	rt.Mux.Handle("POST /v1/mfa/totp/enroll",
		httpx.Chain(http.HandlerFunc(h.HandleTOTPEnroll),
			authn,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	rt.Mux.Handle("POST /v1/mfa/totp/verify",
		httpx.Chain(http.HandlerFunc(h.HandleTOTPVerify),
			authn,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	rt.Mux.Handle("POST /v1/mfa/recovery-codes",
		httpx.Chain(http.HandlerFunc(h.HandleRecoveryCodesGenerate),
			authn,
			httpx.RateLimitByIP(httpx.ModerateLimit),
		),
	)
	rt.Mux.Handle("POST /v1/mfa/recovery-codes/confirm",
		httpx.Chain(http.HandlerFunc(h.HandleRecoveryCodesConfirm),
			authn,
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (rt *Router) registerRecovery() {
	h := &RecoveryHandler{Router: rt}

	rt.Mux.Handle("POST /v1/recovery",
		httpx.Chain(http.HandlerFunc(h.HandleRequest),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
	rt.Mux.Handle("POST /v1/recovery/challenge",
		httpx.Chain(http.HandlerFunc(h.HandleChallenge),
			httpx.RateLimitByIP(httpx.StrictLimit),
		),
	)
}

func (rt *Router) registerSystem() {
	rt.Mux.Handle("GET /livez", LivezHandler(rt.startTime, rt.buildVersion))
	rt.Mux.Handle("GET /readyz", ReadyzHandler(rt.startTime, rt.buildVersion, rt.store))
}
