package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vaultline/riskwatch/internal/persistence"
)

// cachingMetricsRepo decorates a MetricsRepo with a write-through cache
// on the per-(asset, metric) latest view. Appends refresh the cached
// entry only when they advance it, so out-of-order writes never regress
// what readers see. History and snapshot queries pass straight through;
// the cutoff semantics of Snapshot must not observe cache staleness.
type cachingMetricsRepo struct {
	inner persistence.MetricsRepo
	cache Cache
	ttl   time.Duration
}

// NewCachingMetricsRepo wraps inner with the latest-view cache.
func NewCachingMetricsRepo(inner persistence.MetricsRepo, cache Cache, ttl time.Duration) persistence.MetricsRepo {
	return &cachingMetricsRepo{inner: inner, cache: cache, ttl: ttl}
}

func latestKey(asset, metric string) string {
	return "riskwatch:latest:" + asset + ":" + metric
}

func (r *cachingMetricsRepo) Append(ctx context.Context, sample persistence.MetricSample) (*persistence.MetricSample, error) {
	stored, err := r.inner.Append(ctx, sample)
	if err != nil {
		return nil, err
	}
	r.refresh(*stored)
	return stored, nil
}

func (r *cachingMetricsRepo) AppendBatch(ctx context.Context, samples []persistence.MetricSample) error {
	if err := r.inner.AppendBatch(ctx, samples); err != nil {
		return err
	}
	for _, s := range samples {
		if s.RecordedAt.IsZero() {
			s.RecordedAt = time.Now().UTC()
		}
		r.refresh(s)
	}
	return nil
}

// refresh advances the cached latest entry; stale appends are ignored.
func (r *cachingMetricsRepo) refresh(sample persistence.MetricSample) {
	key := latestKey(sample.AssetSymbol, sample.MetricName)
	if b, ok := r.cache.Get(key); ok {
		var current persistence.MetricSample
		if err := json.Unmarshal(b, &current); err == nil && current.RecordedAt.After(sample.RecordedAt) {
			return
		}
	}
	if b, err := json.Marshal(sample); err == nil {
		r.cache.Set(key, b, r.ttl)
	}
}

func (r *cachingMetricsRepo) Latest(ctx context.Context, asset, metric string) (*persistence.MetricSample, error) {
	if b, ok := r.cache.Get(latestKey(asset, metric)); ok {
		var sample persistence.MetricSample
		if err := json.Unmarshal(b, &sample); err == nil {
			return &sample, nil
		}
	}
	sample, err := r.inner.Latest(ctx, asset, metric)
	if err != nil {
		return nil, err
	}
	if sample != nil {
		if b, err := json.Marshal(*sample); err == nil {
			r.cache.Set(latestKey(asset, metric), b, r.ttl)
		}
	}
	return sample, nil
}

func (r *cachingMetricsRepo) LatestAll(ctx context.Context, asset string) (map[string]persistence.MetricSample, error) {
	return r.inner.LatestAll(ctx, asset)
}

func (r *cachingMetricsRepo) Range(ctx context.Context, asset, metric string, tr persistence.TimeRange) ([]persistence.MetricSample, error) {
	return r.inner.Range(ctx, asset, metric, tr)
}

func (r *cachingMetricsRepo) Snapshot(ctx context.Context, asset string, cutoff time.Time) ([]persistence.MetricSample, error) {
	return r.inner.Snapshot(ctx, asset, cutoff)
}
