package services

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/jmoiron/sqlx"

	"poscore/internal/infrastructure"
	"poscore/internal/license"
	ws "poscore/internal/websocket"
)

// HealthService reports process and dependency health for the local API.
type HealthService interface {
	HealthCheck(ctx context.Context) *HealthStatus
	ReadinessCheck(ctx context.Context) *HealthStatus
	LivenessCheck(ctx context.Context) *HealthStatus
	Version(ctx context.Context) map[string]string
	SystemStats(ctx context.Context) map[string]interface{}
}

// HealthStatus is the aggregate health payload.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	healthOK       = "healthy"
	healthDegraded = "degraded"
	healthDown     = "unhealthy"
)

type healthService struct {
	version     string
	store       *license.Store
	auditDB     *sqlx.DB
	hub         *ws.Hub
	licensePath string
	startTime   time.Time
	logger      *slog.Logger
}

// NewHealthService creates a health service. The audit DB and hub are
// optional; nil dependencies are skipped rather than reported unhealthy.
func NewHealthService(version string, store *license.Store, auditDB *sqlx.DB, hub *ws.Hub, licensePath string, logger *slog.Logger) HealthService {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &healthService{
		version:     version,
		store:       store,
		auditDB:     auditDB,
		hub:         hub,
		licensePath: licensePath,
		startTime:   time.Now(),
		logger:      logger.With(slog.String("service", "health")),
	}
}

func (s *healthService) HealthCheck(ctx context.Context) *HealthStatus {
	checks := map[string]CheckResult{
		"audit_db":      s.checkAuditDB(ctx),
		"license_store": s.checkLicenseStore(),
		"websocket":     s.checkWebSocket(),
	}

	status := healthOK
	for _, check := range checks {
		if check.Status == healthDown {
			status = healthDown
			break
		}
		if check.Status == healthDegraded {
			status = healthDegraded
		}
	}

	return &HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    checks,
		TraceID:   infrastructure.GetTraceID(ctx),
	}
}

// ReadinessCheck verifies the persistent stores the validation pipeline
// depends on are reachable.
func (s *healthService) ReadinessCheck(ctx context.Context) *HealthStatus {
	check := s.checkAuditDB(ctx)

	status := healthOK
	if check.Status == healthDown {
		status = healthDown
	}

	return &HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    map[string]CheckResult{"audit_db": check},
		TraceID:   infrastructure.GetTraceID(ctx),
	}
}

// LivenessCheck only proves the process is responding.
func (s *healthService) LivenessCheck(ctx context.Context) *HealthStatus {
	return &HealthStatus{
		Status:    healthOK,
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		TraceID:   infrastructure.GetTraceID(ctx),
	}
}

func (s *healthService) Version(ctx context.Context) map[string]string {
	return map[string]string{
		"version":    s.version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

func (s *healthService) SystemStats(ctx context.Context) map[string]interface{} {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := map[string]interface{}{
		"goroutines":      runtime.NumGoroutine(),
		"memory_alloc_mb": mem.Alloc / 1024 / 1024,
		"memory_sys_mb":   mem.Sys / 1024 / 1024,
		"gc_runs":         mem.NumGC,
		"uptime":          time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.hub != nil {
		stats["websocket"] = s.hub.Stats()
	}
	return stats
}

func (s *healthService) checkAuditDB(ctx context.Context) CheckResult {
	if s.auditDB == nil {
		return CheckResult{Status: healthDegraded, Message: "audit database not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.auditDB.PingContext(ctx); err != nil {
		return CheckResult{Status: healthDown, Message: err.Error()}
	}
	return CheckResult{Status: healthOK}
}

// checkLicenseStore reports whether a license record exists and its
// directory is writable. A missing record is normal before activation.
func (s *healthService) checkLicenseStore() CheckResult {
	if s.store == nil {
		return CheckResult{Status: healthDegraded, Message: "license store not configured"}
	}
	if !s.store.Exists() {
		return CheckResult{Status: healthOK, Message: "no license activated"}
	}
	if s.licensePath != "" {
		if _, err := os.Stat(s.licensePath); err != nil {
			return CheckResult{Status: healthDown, Message: err.Error()}
		}
	}
	return CheckResult{Status: healthOK}
}

func (s *healthService) checkWebSocket() CheckResult {
	if s.hub == nil {
		return CheckResult{Status: healthDegraded, Message: "websocket hub not running"}
	}
	return CheckResult{Status: healthOK}
}
