package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"poscore/internal/config"
	apperrors "poscore/internal/errors"
	"poscore/internal/exporter"
	"poscore/internal/infrastructure"
	"poscore/internal/license"
	custommw "poscore/internal/middleware"
	"poscore/internal/security"
	"poscore/internal/services"
	transporthttp "poscore/internal/transport/http"
	ws "poscore/internal/websocket"
)

// Application holds every wired component of the license service.
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	otel    *infrastructure.OTelProviders
	hub     *ws.Hub
	auditDB *sqlx.DB
	cache   *license.ValidationCache
	gate    *custommw.LicenseGate

	licenseService services.LicenseService
	healthService  services.HealthService

	server *http.Server
}

// New builds the application from configuration.
func New(version string) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	otelCfg := infrastructure.DefaultOTelConfig()
	otelCfg.ServiceVersion = version
	providers, err := infrastructure.InitializeOTel(otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	fingerprints := security.NewFingerprintManager()
	fingerprint, err := fingerprints.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("generate device fingerprint: %w", err)
	}
	logger.Info("device fingerprint generated",
		slog.String("hardware_id", fingerprint.Fingerprint[:12]+"…"))

	store := license.NewStore(cfg.GetLicenseFile(), fingerprint.Fingerprint, logger)
	ledger := license.NewLedger(cfg.GetLedgerFile(), fingerprint.Fingerprint)
	tamper := license.NewTamperDetector(ledger, cfg.License.ClockSkewTolerance, logger)
	cache := license.NewValidationCache(cfg.License.CacheTTL, 64)

	auditDB, err := license.OpenAuditDB(cfg.GetAuditDB())
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	auditLog, err := license.NewAuditLog(auditDB, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize audit log: %w", err)
	}
	transfers, err := license.NewTransferStore(auditDB)
	if err != nil {
		return nil, fmt.Errorf("initialize transfer store: %w", err)
	}

	metrics, err := license.InitializeMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("initialize license metrics: %w", err)
	}

	var authority *license.AuthorityClient
	if cfg.Authority.BaseURL != "" {
		authority = license.NewAuthorityClient(cfg.Authority.BaseURL, cfg.Authority.Timeout, logger)
	}

	machineName, _ := os.Hostname()

	validator := license.NewValidator(license.ValidatorDeps{
		Store:       store,
		Ledger:      ledger,
		Tamper:      tamper,
		Authority:   authority,
		Transfers:   transfers,
		Audit:       auditLog,
		Cache:       cache,
		Metrics:     metrics,
		Fingerprint: fingerprint.Fingerprint,
		Logger:      logger,
	})
	activator := license.NewActivator(license.ActivatorDeps{
		Store:       store,
		Ledger:      ledger,
		Authority:   authority,
		Audit:       auditLog,
		Cache:       cache,
		Metrics:     metrics,
		Fingerprint: fingerprint.Fingerprint,
		MachineName: machineName,
		MaxAttempts: cfg.License.MaxActivationAttempts,
		Window:      cfg.License.ActivationWindow,
		Logger:      logger,
	})
	orchestrator := license.NewTransferOrchestrator(license.OrchestratorDeps{
		Store:       store,
		Ledger:      ledger,
		Transfers:   transfers,
		Tokens:      license.NewTransferTokenManager(cfg.License.TransferTokenTTL),
		Validator:   validator,
		Authority:   authority,
		Audit:       auditLog,
		Cache:       cache,
		Metrics:     metrics,
		Fingerprint: fingerprint.Fingerprint,
		MachineName: machineName,
		Logger:      logger,
	})

	hub := ws.NewHub(logger)

	licenseService := services.NewLicenseService(services.LicenseServiceDeps{
		Validator:    validator,
		Activator:    activator,
		Orchestrator: orchestrator,
		Audit:        auditLog,
		Transfers:    transfers,
		Cache:        cache,
		Fingerprints: fingerprints,
		Notifier:     ws.NewHubNotifier(hub),
		Logger:       logger,
	})
	healthService := services.NewHealthService(version, store, auditDB, hub, cfg.GetLicenseFile(), logger)

	app := &Application{
		Config:         cfg,
		Logger:         logger,
		Version:        version,
		otel:           providers,
		hub:            hub,
		auditDB:        auditDB,
		cache:          cache,
		licenseService: licenseService,
		healthService:  healthService,
	}
	app.gate = custommw.NewLicenseGate(licenseService, logger)

	auditExporter := exporter.NewAuditExporter(auditLog, transfers, logger)
	app.server = &http.Server{
		Addr:           fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:        app.router(auditExporter),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	return app, nil
}

func (a *Application) router(auditExporter *exporter.AuditExporter) chi.Router {
	r := chi.NewRouter()

	r.Use(custommw.RequestID)
	r.Use(custommw.RealIP)
	if tracing, err := custommw.NewTracing(a.otel); err == nil {
		r.Use(tracing.Handler)
	} else {
		a.Logger.Warn("tracing middleware disabled", slog.String("error", err.Error()))
	}
	r.Use(custommw.StructuredLogger(a.Logger))
	r.Use(custommw.Recoverer(a.Logger))
	r.Use(custommw.SecurityHeaders)
	r.Use(custommw.NewRateLimiter(50, 100, a.Logger).Handler)
	r.Use(a.gate.Handler)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		render.Render(w, req, apperrors.ErrNotFound)
	})

	licenseHandler := transporthttp.NewLicenseHandler(a.licenseService, a.Logger)
	healthHandler := transporthttp.NewHealthHandler(a.healthService, a.Logger)
	exportHandler := transporthttp.NewExportHandler(auditExporter, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Mount("/license", licenseHandler.Routes())
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)
		r.Get("/system/stats", healthHandler.SystemStats)

		r.Route("/exports", func(r chi.Router) {
			r.Get("/audit", exportHandler.ExportAudit)
			r.Get("/transfers", exportHandler.ExportTransfers)
		})
	})

	if a.otel.PrometheusHTTP != nil {
		r.Method(http.MethodGet, "/metrics", a.otel.PrometheusHTTP)
	}

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(a.hub, w, r, a.Logger)
	})

	return r
}

// Run starts the server, websocket hub and background revalidation loop,
// blocking until the context is cancelled or a component fails.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		a.Logger.Info("license service listening",
			slog.String("addr", a.server.Addr),
			slog.String("version", a.Version))
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.revalidationLoop(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// revalidationLoop re-runs validation in the background so expiry, grace
// transitions and remote revocations surface without UI traffic.
func (a *Application) revalidationLoop(ctx context.Context) {
	interval := a.Config.License.RevalidateInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			status, err := a.licenseService.Revalidate(infrastructure.EnsureTraceID(checkCtx))
			cancel()
			if err != nil {
				a.Logger.Error("background revalidation failed",
					slog.String("error", err.Error()))
				continue
			}
			a.gate.Invalidate()
			a.Logger.Info("background revalidation completed",
				slog.String("status", status.Status),
				slog.Int("days_remaining", status.DaysRemaining))
		}
	}
}

func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("server shutdown: %w", err)
	}

	a.hub.Stop()
	a.cache.Stop()

	if err := a.auditDB.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close audit db: %w", err)
	}
	if err := a.otel.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("telemetry shutdown: %w", err)
	}
	if err := infrastructure.CloseLogFile(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
