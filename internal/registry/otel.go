package registry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "postguard/internal/errors"
)

// MeterName identifies the registry's instruments.
const MeterName = "postguard-registry"

// Metrics holds the registry's OpenTelemetry instruments. Nil-receiver safe
// so the registry can run unmetered in tests.
type Metrics struct {
	Operations metric.Int64Counter
}

// NewMetrics creates the registry instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	ops, err := meter.Int64Counter(
		"registry_operations_total",
		metric.WithDescription("Registry operations by name and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create registry operations counter: %w", err)
	}
	return &Metrics{Operations: ops}, nil
}

func (m *Metrics) recordOp(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperrors.ReasonCode(err)
	}
	m.Operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}
