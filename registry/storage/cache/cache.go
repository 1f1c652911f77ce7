// Package cache provides short lived key/value caching for data model reads
// that are hit on every pull, such as blob lookups and tag listings. Values
// may be stale for up to their time to live; callers must only cache data
// for which that is acceptable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution/internal/dcontext"
)

// ErrNotFound is returned by a Provider when a key is absent or expired.
var ErrNotFound = errors.New("cache: not found")

// Provider stores opaque values under string keys.
type Provider interface {
	// Name returns the human-readable name of the cache backend.
	Name() string

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// InitFunc constructs a Provider from configuration parameters.
type InitFunc func(ctx context.Context, params map[string]interface{}) (Provider, error)

var providers = map[string]InitFunc{}

// Register makes a Provider constructor available under name. It panics if
// the name is taken.
func Register(name string, initFunc InitFunc) {
	if _, exists := providers[name]; exists {
		panic(fmt.Sprintf("cache provider already registered: %s", name))
	}
	providers[name] = initFunc
}

// Create constructs the Provider registered as name.
func Create(ctx context.Context, name string, params map[string]interface{}) (Provider, error) {
	initFunc, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("no cache provider registered with name: %s (registered: %v)", name, Names())
	}
	return initFunc(ctx, params)
}

// Names lists the registered providers.
func Names() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key names a cached value and how long it lives.
type Key struct {
	Name string
	TTL  time.Duration
}

// Keys builds the cache keys used by the registry.
type Keys struct {
	BlobTTL time.Duration
	TagsTTL time.Duration
}

// DefaultKeys are the TTLs used when the configuration sets none.
var DefaultKeys = Keys{
	BlobTTL: 60 * time.Second,
	TagsTTL: 30 * time.Second,
}

// RepoBlob is the key of a blob looked up by digest within a repository.
func (k Keys) RepoBlob(namespace, repo string, dgst digest.Digest) Key {
	return Key{
		Name: fmt.Sprintf("repo_blob__%s/%s@%s_v1", namespace, repo, dgst),
		TTL:  k.BlobTTL,
	}
}

// RepoTags is the key of one page of a repository's tag listing.
func (k Keys) RepoTags(namespace, repo, last string, n int) Key {
	return Key{
		Name: fmt.Sprintf("repo_tags__%s/%s:%s:%d_v1", namespace, repo, last, n),
		TTL:  k.TagsTTL,
	}
}

// Retrieve returns the value cached under key, calling loader and caching
// its result on a miss. Errors from loader are returned and never cached.
// A failing provider degrades to calling loader.
func Retrieve[T any](ctx context.Context, p Provider, key Key, loader func(context.Context) (T, error)) (T, error) {
	if p == nil || key.TTL <= 0 {
		return loader(ctx)
	}

	log := dcontext.GetLoggerWithField(ctx, "cache.key", key.Name)

	raw, err := p.Get(ctx, key.Name)
	switch {
	case err == nil:
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		log.Warn("discarding undecodable cache entry")
	case !errors.Is(err, ErrNotFound):
		log.WithError(err).Warnf("reading from %s cache", p.Name())
	}

	v, err := loader(ctx)
	if err != nil {
		return v, err
	}

	raw, err = json.Marshal(v)
	if err != nil {
		log.WithError(err).Warn("encoding cache entry")
		return v, nil
	}
	if err := p.Set(ctx, key.Name, raw, key.TTL); err != nil {
		log.WithError(err).Warnf("writing to %s cache", p.Name())
	}
	return v, nil
}

// Noop never holds anything.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }

func init() {
	Register("noop", func(context.Context, map[string]interface{}) (Provider, error) {
		return Noop{}, nil
	})
}
