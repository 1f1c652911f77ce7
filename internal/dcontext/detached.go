package dcontext

import "context"

// DetachedContext returns a context that keeps the values of ctx, the
// logger and request fields included, but is never canceled. Work that must
// finish after the client goes away, such as scheduling garbage collection
// or writing a cache entry, runs on it.
func DetachedContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
