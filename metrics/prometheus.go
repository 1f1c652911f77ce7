// Package metrics holds the prometheus namespaces of the registry. Each
// namespace is registered by the package that defines its metrics, once
// they have all been created.
package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "registry"
)

var (
	// StorageNamespace is the prometheus namespace of storage driver
	// operations.
	StorageNamespace = metrics.NewNamespace(NamespacePrefix, "storage", nil)

	// CacheNamespace holds the blob and tag cache metrics.
	CacheNamespace = metrics.NewNamespace(NamespacePrefix, "cache", nil)

	// ProxyNamespace holds the pull-through cache counters.
	ProxyNamespace = metrics.NewNamespace(NamespacePrefix, "proxy", nil)

	// GCNamespace holds garbage collection counters.
	GCNamespace = metrics.NewNamespace(NamespacePrefix, "gc", nil)

	// HTTPNamespace holds request counters of the distribution API.
	HTTPNamespace = metrics.NewNamespace(NamespacePrefix, "http", nil)
)
