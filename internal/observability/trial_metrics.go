package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricTrialsTotal   = "necessist.trials.total"
	metricTrialDuration = "necessist.trial.duration.seconds"

	attrOutcome = "outcome"
)

// TrialMetrics holds OTel instruments for scheduler-specific metrics: one
// trials counter carrying an outcome attribute, and a trial-duration
// histogram. The dry-run coordinator's parse-result cache hit/miss counts
// are exposed separately, via RegisterCacheMetrics, since they're a
// running total polled from the cache rather than a per-event counter.
type TrialMetrics struct {
	trialsTotal   metric.Int64Counter
	trialDuration metric.Float64Histogram
}

// TrialStats holds the statistics for one scheduled trial, decoupled from
// the scheduler's own types.
type TrialStats struct {
	Outcome  string
	Duration time.Duration
}

// NewTrialMetrics creates trial metric instruments from the given meter.
func NewTrialMetrics(mt metric.Meter) (*TrialMetrics, error) {
	b := newMetricBuilder(mt)

	tm := &TrialMetrics{
		trialsTotal:   b.counter(metricTrialsTotal, "Total trials by outcome", "{trial}"),
		trialDuration: b.histogram(metricTrialDuration, "Per-trial build+test duration in seconds", "s", durationBucketBoundaries...),
	}

	if b.err != nil {
		return nil, b.err
	}

	return tm, nil
}

// RecordTrial records one completed trial's outcome and duration.
// Safe to call on a nil receiver (no-op).
func (tm *TrialMetrics) RecordTrial(ctx context.Context, stats TrialStats) {
	if tm == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrOutcome, stats.Outcome))

	tm.trialsTotal.Add(ctx, 1, attrs)
	tm.trialDuration.Record(ctx, stats.Duration.Seconds(), attrs)
}
