package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/quay/distribution/registry/storage/cache"
)

func init() {
	cache.Register("redis", func(ctx context.Context, params map[string]interface{}) (cache.Provider, error) {
		var opts Options
		if err := mapstructure.WeakDecode(params, &opts); err != nil {
			return nil, err
		}
		client, err := NewClient(ctx, opts)
		if err != nil {
			return nil, err
		}
		return New(client, opts.Prefix), nil
	})
}

// Options configures the connection to redis.
type Options struct {
	Addrs    []string `mapstructure:"addrs"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
	TLS      bool     `mapstructure:"tls"`
	Prefix   string   `mapstructure:"prefix"`
}

// NewClient connects to redis and checks the connection with a ping.
func NewClient(ctx context.Context, opts Options) (redis.UniversalClient, error) {
	if len(opts.Addrs) == 0 {
		return nil, errors.New("redis cache requires at least one address")
	}
	uo := &redis.UniversalOptions{
		Addrs:      opts.Addrs,
		Username:   opts.Username,
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: 3,
	}
	if opts.TLS {
		uo.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewUniversalClient(uo)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Provider keeps cache entries in redis, sharing them between registry
// processes. Expiry is left to redis.
type Provider struct {
	client redis.UniversalClient
	prefix string
}

// New returns a cache over client. Every key is prefixed with prefix.
func New(client redis.UniversalClient, prefix string) *Provider {
	return &Provider{client: client, prefix: prefix}
}

func (p *Provider) Name() string { return "redis" }

func (p *Provider) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := p.client.Get(ctx, p.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrNotFound
	}
	return v, err
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.client.Set(ctx, p.prefix+key, value, ttl).Err()
}

func (p *Provider) Delete(ctx context.Context, key string) error {
	return p.client.Del(ctx, p.prefix+key).Err()
}
