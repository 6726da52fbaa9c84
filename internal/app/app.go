// Package app wires the custody core together: configuration, logging,
// observability, the durable store, the domain services, and the HTTP server
// with its middleware chain and graceful shutdown.
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

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"custodyd/internal/config"
	"custodyd/internal/crypto"
	"custodyd/internal/custody"
	apperrors "custodyd/internal/errors"
	"custodyd/internal/infrastructure"
	"custodyd/internal/ledger"
	"custodyd/internal/manifest"
	custommw "custodyd/internal/middleware"
	"custodyd/internal/sitelicense"
	"custodyd/internal/store"
	handlers "custodyd/internal/transport/http"
	"custodyd/internal/trust"
)

// Version is the service version reported by the health endpoint.
const Version = "1.0.0"

// Application is the assembled service.
type Application struct {
	Config *config.Config
	Logger *slog.Logger
	Store  *store.Store
	Router *chi.Mux
	Server *http.Server
	OTel   *infrastructure.OTelProviders

	Custody   *custody.Service
	Trust     *trust.Service
	Ledger    *ledger.Service
	Sites     *sitelicense.Service
	Manifests *manifest.Service
}

// NewApplication loads configuration from the environment and assembles the
// service.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(context.Background(), cfg)
}

// New assembles the service from an already validated configuration.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger := infrastructure.InitializeLogger(cfg.Logging)
	logger.Info("custody core starting",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port))

	otelProviders, err := infrastructure.InitializeOTel(Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	masterKey := crypto.DeriveMasterKey(cfg.Security.MasterPassphrase)

	custodySvc := custody.NewService(st, masterKey, cfg.License.DefaultKeyTTL, logger)
	trustSvc := trust.NewService(st, logger)
	ledgerSvc := ledger.NewService(st, logger)
	sitesSvc := sitelicense.NewService(st, custodySvc, trustSvc, ledgerSvc, cfg.License.QuotaPolicy, logger)
	manifestSvc := manifest.NewService(st, custodySvc, ledgerSvc,
		&http.Client{Timeout: cfg.Server.SendTimeout}, logger)

	app := &Application{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		OTel:      otelProviders,
		Custody:   custodySvc,
		Trust:     trustSvc,
		Ledger:    ledgerSvc,
		Sites:     sitesSvc,
		Manifests: manifestSvc,
	}
	app.setupRouter()
	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return app, nil
}

func (a *Application) setupRouter() {
	errs := apperrors.NewErrorHandler(a.Logger)

	keyHandler := handlers.NewKeyHandler(a.Custody, errs, a.Logger)
	anchorHandler := handlers.NewAnchorHandler(a.Trust, errs, a.Logger)
	siteHandler := handlers.NewSiteHandler(a.Sites, errs, a.Logger)
	validateHandler := handlers.NewValidateHandler(a.Sites, errs, a.Logger)
	ledgerHandler := handlers.NewLedgerHandler(a.Ledger, errs, a.Logger)
	manifestHandler := handlers.NewManifestHandler(a.Manifests, errs, a.Logger)
	healthHandler := handlers.NewHealthHandler(a.Store.DB().DB, Version, a.Logger)

	auth := custommw.NewBearerAuth(a.Config.Security.OperatorTokens, a.Logger)

	r := chi.NewRouter()
	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)
	r.Use(custommw.Timeout(60 * time.Second))

	if a.OTel != nil && a.OTel.PrometheusHTTP != nil {
		r.Method(http.MethodGet, "/metrics", a.OTel.PrometheusHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		// Unauthenticated surface: liveness and the public validation
		// endpoint, the latter rate limited.
		r.Get("/health", healthHandler.HealthCheck)
		r.Group(func(r chi.Router) {
			if a.Config.Security.RateLimit.Enabled {
				limiter := custommw.NewRateLimiter(
					a.Config.Security.RateLimit.RPS,
					a.Config.Security.RateLimit.Burst,
					a.Logger)
				r.Use(limiter.Handler)
			}
			r.Post("/license/validate", validateHandler.Validate)
		})

		// Operator surface behind bearer auth.
		r.Group(func(r chi.Router) {
			r.Use(auth.Handler)
			r.Mount("/keys", keyHandler.Routes())
			r.Mount("/anchors", anchorHandler.Routes())
			r.Mount("/sites", siteHandler.Routes())
			r.Mount("/ledger", ledgerHandler.Routes())
			r.Mount("/manifests", manifestHandler.Routes())
		})
	})

	a.Router = r
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a server
// failure, then shuts down within the configured timeout.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Stop()
	})
	return g.Wait()
}

// Stop gracefully shuts down the server, the store and telemetry.
func (a *Application) Stop() error {
	a.Logger.Info("shutting down", slog.Duration("timeout", a.Config.Server.ShutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}
