package gc

import (
	"github.com/docker/go-metrics"

	prometheus "github.com/quay/distribution/metrics"
)

var (
	// runs counts repository collections by trigger.
	runs = prometheus.GCNamespace.NewLabeledCounter("runs", "The number of repository collections", "trigger")
	// collected counts deleted rows by kind.
	collected = prometheus.GCNamespace.NewLabeledCounter("collected", "The number of rows deleted by garbage collection", "type")
	// removedFiles counts backend files removed.
	removedFiles = prometheus.GCNamespace.NewCounter("removed_files", "The number of blob files removed from storage")
	// purgedUploads counts expired upload sessions removed.
	purgedUploads = prometheus.GCNamespace.NewCounter("purged_uploads", "The number of expired upload sessions purged")
	// failures counts collections that returned an error.
	failures = prometheus.GCNamespace.NewLabeledCounter("failures", "The number of failed collections", "trigger")

	collectTimer = prometheus.GCNamespace.NewTimer("collect", "The number of seconds taken by one repository collection")
)

func init() {
	metrics.Register(prometheus.GCNamespace)
}
