package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apperrors "poscore/internal/errors"
	"poscore/internal/infrastructure"
	"poscore/internal/license"
	"poscore/internal/security"
	ws "poscore/internal/websocket"
)

// License status values exposed to clients.
const (
	StatusActive       = "active"
	StatusGracePeriod  = "grace_period"
	StatusExpired      = "expired"
	StatusNotActivated = "not_activated"
	StatusInvalid      = "invalid"
	StatusTampered     = "tampered"
)

// LicenseService is the business-logic surface the HTTP layer talks to.
type LicenseService interface {
	Activate(ctx context.Context, licenseKey string) (*ActivationResponse, error)
	GetStatus(ctx context.Context) (*StatusResponse, error)
	Revalidate(ctx context.Context) (*StatusResponse, error)
	IsExpired(ctx context.Context) (bool, error)
	InitiateTransfer(ctx context.Context, licenseKey, notes string) (*TransferResponse, error)
	CompleteTransfer(ctx context.Context, transferToken, licenseKey string) (*StatusResponse, error)
	CancelTransfer(ctx context.Context, transferID, reason string) error
	TransferHistory(ctx context.Context, filter license.TransferFilter, page license.Pagination) ([]license.TransferRecord, int, error)
	AuditLogs(ctx context.Context, filter license.AuditFilter, page license.Pagination) ([]license.AuditEntry, int, error)
	UsageStatistics(ctx context.Context) (*license.UsageStatistics, error)
	Fingerprint(ctx context.Context) (map[string]string, error)
}

// ActivationResponse is returned after a successful activation.
type ActivationResponse struct {
	Status       string     `json:"status"`
	LicenseKey   string     `json:"license_key"`
	ExpiresAt    time.Time  `json:"expires_at"`
	LocationName string     `json:"location_name,omitempty"`
	ActivatedAt  time.Time  `json:"activated_at"`
	TraceID      string     `json:"trace_id,omitempty"`
}

// StatusResponse describes the current license state.
type StatusResponse struct {
	Status         string     `json:"status"`
	Valid          bool       `json:"valid"`
	Message        string     `json:"message,omitempty"`
	LicenseKey     string     `json:"license_key,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
	DaysRemaining  int        `json:"days_remaining,omitempty"`
	InGracePeriod  bool       `json:"in_grace_period,omitempty"`
	ValidationMode string     `json:"validation_mode,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
	TraceID        string     `json:"trace_id,omitempty"`
}

// TransferResponse is returned when a transfer is initiated.
type TransferResponse struct {
	TransferID    string `json:"transfer_id"`
	TransferToken string `json:"transfer_token"`
	Status        string `json:"status"`
	TraceID       string `json:"trace_id,omitempty"`
}

type licenseService struct {
	validator    *license.Validator
	activator    *license.Activator
	orchestrator *license.TransferOrchestrator
	audit        *license.AuditLog
	transfers    *license.TransferStore
	cache        *license.ValidationCache
	fingerprints *security.FingerprintManager
	notifier     ws.Notifier
	logger       *slog.Logger
}

// LicenseServiceDeps collects the collaborators of the license service.
type LicenseServiceDeps struct {
	Validator    *license.Validator
	Activator    *license.Activator
	Orchestrator *license.TransferOrchestrator
	Audit        *license.AuditLog
	Transfers    *license.TransferStore
	Cache        *license.ValidationCache
	Fingerprints *security.FingerprintManager
	Notifier     ws.Notifier
	Logger       *slog.Logger
}

// NewLicenseService wires a license service from its dependencies.
func NewLicenseService(deps LicenseServiceDeps) LicenseService {
	logger := deps.Logger
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &licenseService{
		validator:    deps.Validator,
		activator:    deps.Activator,
		orchestrator: deps.Orchestrator,
		audit:        deps.Audit,
		transfers:    deps.Transfers,
		cache:        deps.Cache,
		fingerprints: deps.Fingerprints,
		notifier:     deps.Notifier,
		logger:       logger.With(slog.String("service", "license")),
	}
}

func (s *licenseService) Activate(ctx context.Context, licenseKey string) (*ActivationResponse, error) {
	record, err := s.activator.Activate(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	s.notifyState(ctx, &StatusResponse{
		Status:        StatusActive,
		Valid:         true,
		LicenseKey:    license.MaskLicenseKey(record.LicenseKey),
		DaysRemaining: daysUntil(record.ExpiresAt),
	})

	return &ActivationResponse{
		Status:       StatusActive,
		LicenseKey:   license.MaskLicenseKey(record.LicenseKey),
		ExpiresAt:    record.ExpiresAt,
		LocationName: record.LocationName,
		ActivatedAt:  record.ActivatedAt,
		TraceID:      infrastructure.GetTraceID(ctx),
	}, nil
}

func (s *licenseService) GetStatus(ctx context.Context) (*StatusResponse, error) {
	outcome, err := s.validator.Validate(ctx)
	if err != nil {
		// Expected lifecycle states are reported as a status, not an error.
		if resp, ok := s.statusFromError(ctx, err); ok {
			return resp, nil
		}
		return nil, err
	}

	resp := statusFromOutcome(outcome)
	resp.TraceID = infrastructure.GetTraceID(ctx)
	s.notifyState(ctx, resp)
	return resp, nil
}

// Revalidate bypasses the cache and forces a fresh validation pass.
func (s *licenseService) Revalidate(ctx context.Context) (*StatusResponse, error) {
	if record, err := s.validator.Status(); err == nil && s.cache != nil {
		s.cache.Invalidate(record.LicenseKey)
	}
	return s.GetStatus(ctx)
}

// IsExpired answers the quick expiry question from the stored record
// without running the full validation pipeline. A license inside its
// grace window is not yet expired.
func (s *licenseService) IsExpired(ctx context.Context) (bool, error) {
	record, err := s.validator.Status()
	if err != nil {
		if errors.Is(err, apperrors.ErrNotActivated) {
			return false, nil
		}
		return false, err
	}
	boundary := record.ExpiresAt
	if record.HasGraceWindow() {
		boundary = record.GracePeriodEnd
	}
	return time.Now().UTC().After(boundary), nil
}

func (s *licenseService) InitiateTransfer(ctx context.Context, licenseKey, notes string) (*TransferResponse, error) {
	initiation, err := s.orchestrator.Initiate(ctx, licenseKey, notes)
	if err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.NotifyTransfer(ws.TransferEvent{
			TransferID: initiation.TransferID,
			Event:      "initiated",
			Status:     initiation.Status,
		})
	}

	return &TransferResponse{
		TransferID:    initiation.TransferID,
		TransferToken: initiation.TransferToken,
		Status:        initiation.Status,
		TraceID:       infrastructure.GetTraceID(ctx),
	}, nil
}

func (s *licenseService) CompleteTransfer(ctx context.Context, transferToken, licenseKey string) (*StatusResponse, error) {
	completion, err := s.orchestrator.Complete(ctx, transferToken, licenseKey)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		Status:        StatusActive,
		Valid:         true,
		LicenseKey:    license.MaskLicenseKey(license.NormalizeKey(licenseKey)),
		ExpiresAt:     &completion.ExpiresAt,
		DaysRemaining: daysUntil(completion.ExpiresAt),
		CheckedAt:     time.Now().UTC(),
		TraceID:       infrastructure.GetTraceID(ctx),
	}
	if completion.GracePeriodEnd.After(completion.ExpiresAt) {
		grace := completion.GracePeriodEnd
		resp.GracePeriodEnd = &grace
	}
	s.notifyState(ctx, resp)
	return resp, nil
}

func (s *licenseService) CancelTransfer(ctx context.Context, transferID, reason string) error {
	if err := s.orchestrator.Cancel(ctx, transferID, reason); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyTransfer(ws.TransferEvent{
			TransferID: transferID,
			Event:      "cancelled",
			Status:     license.TransferCancelled,
		})
	}
	return nil
}

func (s *licenseService) TransferHistory(ctx context.Context, filter license.TransferFilter, page license.Pagination) ([]license.TransferRecord, int, error) {
	return s.orchestrator.History(ctx, filter, page)
}

func (s *licenseService) AuditLogs(ctx context.Context, filter license.AuditFilter, page license.Pagination) ([]license.AuditEntry, int, error) {
	return s.audit.Query(ctx, filter, page)
}

func (s *licenseService) UsageStatistics(ctx context.Context) (*license.UsageStatistics, error) {
	stats, err := s.audit.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.transfers.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("transfer counts: %w", err)
	}
	stats.TransferCounts = counts
	return stats, nil
}

// Fingerprint returns the bound hardware ID plus the individual
// components, which support staff read back during transfer setup.
func (s *licenseService) Fingerprint(ctx context.Context) (map[string]string, error) {
	info := map[string]string{"hardware_id": s.validator.Fingerprint()}
	if s.fingerprints != nil {
		for name, value := range s.fingerprints.GetFingerprintComponents() {
			info[name] = value
		}
	}
	return info, nil
}

// statusFromError maps lifecycle errors onto a status payload. Storage
// and other unexpected failures stay errors.
func (s *licenseService) statusFromError(ctx context.Context, err error) (*StatusResponse, bool) {
	resp := &StatusResponse{
		CheckedAt: time.Now().UTC(),
		TraceID:   infrastructure.GetTraceID(ctx),
	}
	switch {
	case errors.Is(err, apperrors.ErrNotActivated):
		resp.Status = StatusNotActivated
		resp.Message = "no license is activated on this device"
	case errors.Is(err, apperrors.ErrHardwareMismatch):
		resp.Status = StatusInvalid
		resp.Message = "license is bound to different hardware"
	case errors.Is(err, apperrors.ErrTampered):
		resp.Status = StatusTampered
		resp.Message = "license state failed integrity checks"
	default:
		return nil, false
	}
	s.notifyState(ctx, resp)
	return resp, true
}

func statusFromOutcome(outcome *license.ValidationOutcome) *StatusResponse {
	resp := &StatusResponse{
		Valid:          outcome.Valid,
		Message:        outcome.Message,
		LicenseKey:     license.MaskLicenseKey(outcome.LicenseKey),
		ExpiresAt:      outcome.ExpiresAt,
		GracePeriodEnd: outcome.GracePeriodEnd,
		DaysRemaining:  outcome.DaysRemaining,
		InGracePeriod:  outcome.InGracePeriod,
		ValidationMode: outcome.Mode,
		CheckedAt:      outcome.CheckedAt,
	}
	switch {
	case outcome.Valid && outcome.InGracePeriod:
		resp.Status = StatusGracePeriod
	case outcome.Valid:
		resp.Status = StatusActive
	case outcome.Result == license.ResultExpired:
		resp.Status = StatusExpired
	case outcome.Result == license.ResultTampered:
		resp.Status = StatusTampered
	default:
		resp.Status = StatusInvalid
	}
	return resp
}

func (s *licenseService) notifyState(ctx context.Context, resp *StatusResponse) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyLicenseState(ws.LicenseStateUpdate{
		Status:         resp.Status,
		LicenseKey:     resp.LicenseKey,
		Message:        resp.Message,
		DaysRemaining:  resp.DaysRemaining,
		InGracePeriod:  resp.InGracePeriod,
		ValidationMode: resp.ValidationMode,
	})
}

func daysUntil(expiresAt time.Time) int {
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Hours()/24) + 1
}
