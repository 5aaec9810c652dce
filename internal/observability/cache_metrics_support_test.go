package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const (
	metricFingerprintCacheHits   = "necessist.dryrun.cache.hits"
	metricFingerprintCacheMisses = "necessist.dryrun.cache.misses"
)

// fingerprintCacheStatsProvider exposes running hit/miss totals for OTel export.
type fingerprintCacheStatsProvider interface {
	CacheHits() int64
	CacheMisses() int64
}

// registerFingerprintCacheMetrics registers observable gauges reporting the dry-run
// coordinator's fingerprint-cache hit/miss totals (§4.4: a dry run is
// skipped and its test→spans map reused when the source tree's content
// fingerprint is unchanged since the last run). provider may be nil, in
// which case no gauges are registered.
func registerFingerprintCacheMetrics(mt metric.Meter, provider fingerprintCacheStatsProvider) error {
	if provider == nil {
		return nil
	}

	_, err := mt.Int64ObservableGauge(metricFingerprintCacheHits,
		metric.WithDescription("Dry-run fingerprint cache hit count"),
		metric.WithUnit("{hit}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(provider.CacheHits())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricFingerprintCacheHits, err)
	}

	_, err = mt.Int64ObservableGauge(metricFingerprintCacheMisses,
		metric.WithDescription("Dry-run fingerprint cache miss count"),
		metric.WithUnit("{miss}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(provider.CacheMisses())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricFingerprintCacheMisses, err)
	}

	return nil
}
