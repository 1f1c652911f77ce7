package memory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mitchellh/mapstructure"

	"github.com/quay/distribution/registry/storage/cache"
)

// init registers the inmemory cache provider.
func init() {
	cache.Register("inmemory", func(ctx context.Context, params map[string]interface{}) (cache.Provider, error) {
		var c Memory
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			WeaklyTypedInput: true,
			Result:           &c,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(params); err != nil {
			return nil, err
		}
		return New(c), nil
	})
}

const (
	// DefaultSize is the default cache size to use if no size is explicitly
	// configured.
	DefaultSize = 10000

	// DefaultMaxTTL bounds how long any entry is held.
	DefaultMaxTTL = 5 * time.Minute
)

// Memory configures the inmemory cache.
type Memory struct {
	Size   int           `mapstructure:"size"`
	MaxTTL time.Duration `mapstructure:"maxttl"`
}

type entry struct {
	value   []byte
	expires time.Time
}

// Provider is a per-process LRU cache. Entries expire after the shorter of
// their own TTL and the configured maximum.
type Provider struct {
	lru *expirable.LRU[string, entry]
	now func() time.Time
}

// New returns an inmemory cache.
func New(c Memory) *Provider {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = DefaultMaxTTL
	}
	return &Provider{
		lru: expirable.NewLRU[string, entry](c.Size, nil, c.MaxTTL),
		now: time.Now,
	}
}

func (p *Provider) Name() string { return "inmemory" }

func (p *Provider) Get(ctx context.Context, key string) ([]byte, error) {
	e, ok := p.lru.Get(key)
	if !ok {
		return nil, cache.ErrNotFound
	}
	if !p.now().Before(e.expires) {
		p.lru.Remove(key)
		return nil, cache.ErrNotFound
	}
	return e.value, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	p.lru.Add(key, entry{value: value, expires: p.now().Add(ttl)})
	return nil
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	p.lru.Remove(key)
	return nil
}

// Len returns the number of entries held, expired ones included until they
// are evicted.
func (p *Provider) Len() int {
	return p.lru.Len()
}
