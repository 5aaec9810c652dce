package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricWarningsTotal = "necessist.warnings.total"

	attrWarningName = "warning"
)

// WarningMetrics counts emitted warnings by name, satisfying
// warnings.Counter.
type WarningMetrics struct {
	total metric.Int64Counter
}

// NewWarningMetrics creates the warnings-total counter.
func NewWarningMetrics(mt metric.Meter) (*WarningMetrics, error) {
	b := newMetricBuilder(mt)

	wm := &WarningMetrics{
		total: b.counter(metricWarningsTotal, "Total warnings emitted by name", "{warning}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return wm, nil
}

// IncWarning increments the counter for the named warning. Safe to call
// on a nil receiver (no-op).
func (wm *WarningMetrics) IncWarning(name string) {
	if wm == nil {
		return
	}

	wm.total.Add(context.Background(), 1, metric.WithAttributes(attribute.String(attrWarningName, name)))
}
