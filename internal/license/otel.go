package license

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName identifies the license client's instruments.
const MeterName = "postguard-license"

// Metrics holds the license client's OpenTelemetry instruments. All methods
// are nil-receiver safe so components can run unmetered in tests.
type Metrics struct {
	ValidationAttempts metric.Int64Counter
	ValidationRetries  metric.Int64Counter
	ValidationFailures metric.Int64Counter
	OfflineTransitions metric.Int64Counter
	ReconcileDuration  metric.Float64Histogram
}

// NewMetrics creates the license client instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total remote validation attempts, including retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation attempts counter: %w", err)
	}

	m.ValidationRetries, err = meter.Int64Counter(
		"license_validation_retries_total",
		metric.WithDescription("Remote validation attempts that were retries after a transport failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation retries counter: %w", err)
	}

	m.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Remote validations that ended in a failure, by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("create validation failures counter: %w", err)
	}

	m.OfflineTransitions, err = meter.Int64Counter(
		"license_offline_transitions_total",
		metric.WithDescription("Times the client entered offline mode after exhausting retries"),
	)
	if err != nil {
		return nil, fmt.Errorf("create offline transitions counter: %w", err)
	}

	m.ReconcileDuration, err = meter.Float64Histogram(
		"license_reconcile_duration_seconds",
		metric.WithDescription("End-to-end reconciliation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reconcile duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordAttempt(ctx context.Context, retry bool) {
	if m == nil {
		return
	}
	m.ValidationAttempts.Add(ctx, 1)
	if retry {
		m.ValidationRetries.Add(ctx, 1)
	}
}

func (m *Metrics) recordFailure(ctx context.Context, kind DecisionKind) {
	if m == nil {
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
	))
}

func (m *Metrics) recordOffline(ctx context.Context) {
	if m == nil {
		return
	}
	m.OfflineTransitions.Add(ctx, 1)
}

func (m *Metrics) recordReconcile(ctx context.Context, seconds float64, authorized bool) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.Bool("authorized", authorized),
	))
}
