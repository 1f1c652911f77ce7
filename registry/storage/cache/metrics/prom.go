package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/docker/go-metrics"

	prometheus "github.com/quay/distribution/metrics"
	"github.com/quay/distribution/registry/storage/cache"
)

var (
	// cacheCount is the number of cache reads by outcome.
	cacheCount = prometheus.CacheNamespace.NewLabeledCounter("requests", "The number of cache reads", "provider", "type")

	// TODO: may want finer grained buckets since redis calls are generally
	// under a millisecond and the default minimum bucket is 5ms.
	latencyTimer = prometheus.CacheNamespace.NewLabeledTimer("latency", "The number of seconds taken by cache operations", "provider", "operation")
)

func init() {
	metrics.Register(prometheus.CacheNamespace)
}

type prometheusCacheProvider struct {
	cache.Provider
}

// NewPrometheusCacheProvider wraps p so its reads and writes are timed and
// hits and misses are counted.
func NewPrometheusCacheProvider(p cache.Provider) cache.Provider {
	return &prometheusCacheProvider{p}
}

func (p *prometheusCacheProvider) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := p.Provider.Get(ctx, key)
	latencyTimer.WithValues(p.Name(), "Get").UpdateSince(start)

	switch {
	case err == nil:
		cacheCount.WithValues(p.Name(), "Hit").Inc(1)
	case errors.Is(err, cache.ErrNotFound):
		cacheCount.WithValues(p.Name(), "Miss").Inc(1)
	default:
		cacheCount.WithValues(p.Name(), "Error").Inc(1)
	}
	return v, err
}

func (p *prometheusCacheProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := p.Provider.Set(ctx, key, value, ttl)
	latencyTimer.WithValues(p.Name(), "Set").UpdateSince(start)
	return err
}
