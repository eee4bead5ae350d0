package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"

	apperrors "poscore/internal/errors"
	"poscore/internal/infrastructure"
	"poscore/internal/services"
)

// LicenseChecker is the slice of the license service the gate needs.
type LicenseChecker interface {
	GetStatus(ctx context.Context) (*services.StatusResponse, error)
}

// LicenseGate blocks business routes while the license is not valid.
// License management, health and the websocket stay reachable so the UI
// can always show state and let the operator fix it.
type LicenseGate struct {
	checker         LicenseChecker
	logger          *slog.Logger
	excludePaths    map[string]struct{}
	excludePrefixes []string

	// Last gate decision, held briefly so a burst of UI requests does
	// not re-run the validation pipeline per request.
	mu        sync.Mutex
	allowed   bool
	status    string
	checkedAt time.Time
	ttl       time.Duration
}

// NewLicenseGate creates the gate middleware.
func NewLicenseGate(checker LicenseChecker, logger *slog.Logger) *LicenseGate {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &LicenseGate{
		checker: checker,
		logger:  logger.With(slog.String("component", "license_gate")),
		excludePaths: map[string]struct{}{
			"/":            {},
			"/api/version": {},
			"/metrics":     {},
			"/ws":          {},
		},
		excludePrefixes: []string{
			"/api/license",
			"/api/health",
		},
		ttl: time.Minute,
	}
}

// Handler implements the gate.
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		allowed, status := g.check(r.Context())
		if allowed {
			next.ServeHTTP(w, r)
			return
		}

		g.logger.WarnContext(r.Context(), "request blocked by license gate",
			slog.String("path", r.URL.Path),
			slog.String("license_status", status))

		problem := apperrors.NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-required",
			"License Required",
			"A valid license is required for this operation",
			r.URL.Path,
		).WithExtension("license_status", status).
			WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
		render.Render(w, r, problem)
	})
}

func (g *LicenseGate) exempt(path string) bool {
	if _, ok := g.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (g *LicenseGate) check(ctx context.Context) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.checkedAt.IsZero() && time.Since(g.checkedAt) < g.ttl {
		return g.allowed, g.status
	}

	resp, err := g.checker.GetStatus(ctx)
	if err != nil {
		// Fail closed but keep the decision short-lived so recovery is
		// picked up quickly.
		g.allowed = false
		g.status = "error"
		g.checkedAt = time.Now()
		g.logger.ErrorContext(ctx, "license gate check failed",
			slog.String("error", err.Error()))
		return false, g.status
	}

	g.allowed = resp.Valid
	g.status = resp.Status
	g.checkedAt = time.Now()
	return g.allowed, g.status
}

// Invalidate clears the cached gate decision. Called after activation or
// transfer completion so the gate opens immediately.
func (g *LicenseGate) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkedAt = time.Time{}
}
