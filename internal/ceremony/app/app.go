package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keyfold/keyfold/internal/ceremony/event"
	httpapi "github.com/keyfold/keyfold/internal/ceremony/http"
	"github.com/keyfold/keyfold/internal/ceremony/limiter"
	"github.com/keyfold/keyfold/internal/ceremony/service"
	"github.com/keyfold/keyfold/internal/ceremony/session"
	"github.com/keyfold/keyfold/internal/ceremony/store"
	"github.com/keyfold/keyfold/internal/ceremony/store/drivers/sqlite"
	"github.com/keyfold/keyfold/internal/ceremony/verifier"
	"github.com/keyfold/keyfold/pkg/cryptox"
	"github.com/keyfold/keyfold/pkg/jwtx"
	"github.com/keyfold/keyfold/pkg/slogx"
	"github.com/keyfold/keyfold/pkg/timebox"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the ceremony service together: config, store, session
// manager, event dispatcher, services, HTTP server.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db       store.Store
	sessions *session.Manager
	events   *event.Dispatcher
	signer   *jwtx.Signer

	loginService        *service.LoginService
	registerService     *service.RegisterService
	totpService         *service.TOTPService
	sudoService         *service.SudoService
	recoveryService     *service.RecoveryService
	housekeepingService *service.HousekeepingService

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "keyfold",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	cryptox.SetPepperPath(cfg.PepperFile)
	if cfg.MasterKeyPath != "" {
		cryptox.SetMasterKeyPath(cfg.MasterKeyPath)
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	signer, err := jwtx.NewEphemeralSigner("keyfold-1")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token signer: %w", err)
	}
	app.signer = signer

	app.sessions = session.NewManager(cfg.SessionTTL, cfg.SecureCookies)
	app.events = event.NewDispatcher(event.SlogSink{Logger: app.logger}, 256)

	if err := app.initServices(); err != nil {
		return nil, err
	}
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()
	app.sessions.StartJanitor(5 * time.Minute)

	app.logger.Info("keyfold starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully stops the HTTP server, background workers, and store.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down keyfold...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()
	app.sessions.Stop()
	app.events.Close()

	if dropped := app.events.Dropped(); dropped > 0 {
		app.logger.Warn("ceremony events were dropped", "count", dropped)
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("keyfold stopped")
	return nil
}

func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initServices() error {
	passkeyVerifier, err := verifier.NewPasskey(verifier.PasskeyConfig{
		RPID:          app.cfg.RPID,
		RPDisplayName: app.cfg.RPDisplayName,
		RPOrigins:     app.cfg.RPOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize webauthn verifier: %w", err)
	}

	attempts := limiter.New(app.cfg.AttemptWindow)
	pacer := timebox.New(app.cfg.MinChallengeTime)

	passkeys := &service.PasskeyService{
		Store:    app.db,
		Verifier: passkeyVerifier,
	}

	app.sudoService = &service.SudoService{
		Limiter:     attempts,
		Timebox:     pacer,
		Events:      app.events,
		Window:      app.cfg.SudoWindow,
		MaxAttempts: app.cfg.MaxAttempts,
	}

	app.totpService = &service.TOTPService{
		Store:       app.db,
		Limiter:     attempts,
		Timebox:     pacer,
		Events:      app.events,
		Verifier:    verifier.NewTOTP(app.cfg.Issuer),
		Sudo:        app.sudoService,
		MaxAttempts: app.cfg.MaxAttempts,
	}

	app.recoveryService = &service.RecoveryService{
		Store:       app.db,
		Limiter:     attempts,
		Timebox:     pacer,
		Events:      app.events,
		Sudo:        app.sudoService,
		Notifier:    service.NopNotifier{},
		MaxAttempts: app.cfg.MaxAttempts,
	}

	app.loginService = &service.LoginService{
		Store:       app.db,
		Limiter:     attempts,
		Timebox:     pacer,
		Events:      app.events,
		Signer:      app.signer,
		Issuer:      app.cfg.Issuer,
		TokenTTL:    app.cfg.TokenTTL,
		MaxAttempts: app.cfg.MaxAttempts,
		Sessions:    app.sessions,
		Passkeys:    passkeys,
		TOTP:        app.totpService,
		Recovery:    app.recoveryService,
		Sudo:        app.sudoService,
	}

	app.registerService = &service.RegisterService{
		Store:    app.db,
		Events:   app.events,
		Passkeys: passkeys,
		Notifier: service.NopNotifier{},
		Login:    app.loginService,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
		app.cfg.ClaimTTL,
	)
	return nil
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.signer.Verifier(app.cfg.Issuer),
		BuildVersion,
		app.db,
		app.sessions,
		app.logger,
	)

	router.LoginService = app.loginService
	router.RegisterService = app.registerService
	router.TOTPService = app.totpService
	router.SudoService = app.sudoService
	router.RecoveryService = app.recoveryService
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
