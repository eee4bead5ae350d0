package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the license subsystem's OpenTelemetry instruments
type Metrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Validation metrics
	ValidationAttempts metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	TamperEvents       metric.Int64Counter

	// Transfer metrics
	TransferOperations metric.Int64Counter
	TransferFailures   metric.Int64Counter
}

// InitializeMetrics creates the license metrics on the given meter
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts, labeled by mode and result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.TamperEvents, err = meter.Int64Counter(
		"license_tamper_events_total",
		metric.WithDescription("Total number of validations classified as tampered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tamper events counter: %w", err)
	}

	m.TransferOperations, err = meter.Int64Counter(
		"license_transfer_operations_total",
		metric.WithDescription("Total number of transfer operations, labeled by operation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer operations counter: %w", err)
	}

	m.TransferFailures, err = meter.Int64Counter(
		"license_transfer_failures_total",
		metric.WithDescription("Total number of failed transfer operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer failures counter: %w", err)
	}

	return m, nil
}

// RecordValidation records one validation attempt
func (m *Metrics) RecordValidation(ctx context.Context, outcome *ValidationOutcome, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("mode", outcome.Mode),
		attribute.String("result", outcome.Result),
	)

	m.ValidationAttempts.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, duration.Seconds(), attrs)

	if outcome.Result == ResultTampered {
		m.TamperEvents.Add(ctx, 1)
	}
}

// RecordActivation records one activation attempt
func (m *Metrics) RecordActivation(ctx context.Context, success bool, duration time.Duration) {
	m.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	m.ActivationDuration.Record(ctx, duration.Seconds())

	if !success {
		m.ActivationFailures.Add(ctx, 1)
	}
}

// RecordTransfer records one transfer operation
func (m *Metrics) RecordTransfer(ctx context.Context, operation string, success bool) {
	m.TransferOperations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	))

	if !success {
		m.TransferFailures.Add(ctx, 1)
	}
}
