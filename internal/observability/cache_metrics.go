package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricCacheHits    = "necessist.cache.hits"
	metricCacheMisses  = "necessist.cache.misses"
	metricCacheEntries = "necessist.cache.entries"

	attrCacheName = "cache"
)

// CacheStatsProvider is polled on each collection cycle to report a cache's
// running hit/miss/entry counts. The dry-run coordinator's parse-result
// cache (an *lru.Cache) satisfies this directly.
type CacheStatsProvider interface {
	CacheHits() int64
	CacheMisses() int64
	Len() int
}

// CacheMetrics exposes one named cache's hit/miss/entry counts as OTel
// observable instruments, polled from the provider on each collection
// cycle rather than pushed per-event.
type CacheMetrics struct {
	hits    metric.Int64ObservableCounter
	misses  metric.Int64ObservableCounter
	entries metric.Int64ObservableGauge
}

// RegisterCacheMetrics creates cache instruments and registers a callback
// that reads provider's current counters under name (e.g. "dryrun.parse").
// Safe to call with a nil provider: the callback then reports zero.
func RegisterCacheMetrics(mt metric.Meter, name string, provider CacheStatsProvider) (*CacheMetrics, error) {
	b := newMetricBuilder(mt)

	cm := &CacheMetrics{
		hits:    b.observableCounter(metricCacheHits, "Total cache hits", "{hit}"),
		misses:  b.observableCounter(metricCacheMisses, "Total cache misses", "{miss}"),
		entries: b.gauge(metricCacheEntries, "Current number of cache entries", "{entry}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	attrs := metric.WithAttributes(attribute.String(attrCacheName, name))

	observe := func(_ context.Context, obs metric.Observer) error {
		if provider == nil {
			return nil
		}

		obs.ObserveInt64(cm.hits, provider.CacheHits(), attrs)
		obs.ObserveInt64(cm.misses, provider.CacheMisses(), attrs)
		obs.ObserveInt64(cm.entries, int64(provider.Len()), attrs)

		return nil
	}

	if _, err := mt.RegisterCallback(observe, cm.hits, cm.misses, cm.entries); err != nil {
		return nil, fmt.Errorf("register cache metrics callback for %s: %w", name, err)
	}

	return cm, nil
}
