package proxy

import (
	"expvar"
	"sync/atomic"

	"github.com/docker/go-metrics"

	prometheus "github.com/quay/distribution/metrics"
)

var (
	// requests is the number of proxied reads by content type
	requests = prometheus.ProxyNamespace.NewLabeledCounter("requests", "The number of total incoming proxy requests received", "type")
	// hits is the number of reads answered from the local cache
	hits = prometheus.ProxyNamespace.NewLabeledCounter("hits", "The number of total proxy request hits", "type")
	// misses is the number of reads that fetched from the upstream
	misses = prometheus.ProxyNamespace.NewLabeledCounter("misses", "The number of total proxy request misses", "type")
	// pulledBytes is the size of content fetched from the upstream
	pulledBytes = prometheus.ProxyNamespace.NewLabeledCounter("pulled_bytes", "The size of total bytes pulled from the upstream", "type")
	// upstreamErrors counts upstream failures answered from the cache or
	// surfaced to the client
	upstreamErrors = prometheus.ProxyNamespace.NewLabeledCounter("upstream_errors", "The number of failed upstream calls", "type")
	// evictions counts tags pruned to admit new content under quota
	evictions = prometheus.ProxyNamespace.NewCounter("evictions", "The number of tags pruned for quota admission")
)

// Metrics is used to hold metric counters
// related to the proxy
type Metrics struct {
	Requests       uint64
	Hits           uint64
	Misses         uint64
	BytesPulled    uint64
	UpstreamErrors uint64
}

type proxyMetricsCollector struct {
	blobMetrics     Metrics
	manifestMetrics Metrics
}

// proxyMetrics tracks metrics about the proxy cache.  This is
// kept globally and made available via expvar.
var proxyMetrics = &proxyMetricsCollector{}

func init() {
	registry := expvar.Get("registry")
	if registry == nil {
		registry = expvar.NewMap("registry")
	}

	pm := registry.(*expvar.Map).Get("proxy")
	if pm == nil {
		pm = &expvar.Map{}
		pm.(*expvar.Map).Init()
		registry.(*expvar.Map).Set("proxy", pm)
	}

	pm.(*expvar.Map).Set("blobs", expvar.Func(func() interface{} {
		return proxyMetrics.blobMetrics
	}))

	pm.(*expvar.Map).Set("manifests", expvar.Func(func() interface{} {
		return proxyMetrics.manifestMetrics
	}))

	metrics.Register(prometheus.ProxyNamespace)
	for _, kind := range []string{"blob", "manifest"} {
		requests.WithValues(kind).Inc(0)
		hits.WithValues(kind).Inc(0)
		misses.WithValues(kind).Inc(0)
		pulledBytes.WithValues(kind).Inc(0)
		upstreamErrors.WithValues(kind).Inc(0)
	}
}

func (pmc *proxyMetricsCollector) metrics(kind string) *Metrics {
	if kind == "blob" {
		return &pmc.blobMetrics
	}
	return &pmc.manifestMetrics
}

// Hit records a read answered from the local cache.
func (pmc *proxyMetricsCollector) Hit(kind string) {
	m := pmc.metrics(kind)
	atomic.AddUint64(&m.Requests, 1)
	atomic.AddUint64(&m.Hits, 1)

	requests.WithValues(kind).Inc(1)
	hits.WithValues(kind).Inc(1)
}

// Miss records a read that pulled bytesPulled from the upstream.
func (pmc *proxyMetricsCollector) Miss(kind string, bytesPulled uint64) {
	m := pmc.metrics(kind)
	atomic.AddUint64(&m.Requests, 1)
	atomic.AddUint64(&m.Misses, 1)
	atomic.AddUint64(&m.BytesPulled, bytesPulled)

	requests.WithValues(kind).Inc(1)
	misses.WithValues(kind).Inc(1)
	pulledBytes.WithValues(kind).Inc(float64(bytesPulled))
}

// UpstreamError records a failed upstream call.
func (pmc *proxyMetricsCollector) UpstreamError(kind string) {
	atomic.AddUint64(&pmc.metrics(kind).UpstreamErrors, 1)
	upstreamErrors.WithValues(kind).Inc(1)
}
