package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/distribution/reference"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/manifest"
)

// ErrNotFound is returned by an Upstream when the upstream registry
// answered that the content does not exist.
var ErrNotFound = errors.New("not found upstream")

// Upstream reads manifests and blobs from the registry a proxy namespace
// mirrors. Repository names are relative to the upstream configuration.
type Upstream interface {
	// Resolve looks up a tag or digest without fetching the manifest.
	Resolve(ctx context.Context, name, reference string) (v1.Descriptor, error)

	// FetchManifest returns the manifest bytes, verified against the
	// returned descriptor.
	FetchManifest(ctx context.Context, name, reference string) (v1.Descriptor, []byte, error)

	// FetchBlob opens a blob. The caller verifies the digest.
	FetchBlob(ctx context.Context, name string, dgst digest.Digest) (v1.Descriptor, io.ReadCloser, error)
}

// UpstreamOptions tunes the HTTP client of an upstream.
type UpstreamOptions struct {
	// Timeout bounds each upstream call, retries included.
	Timeout time.Duration

	// RetryMax is the number of retries on connection errors and 5xx
	// answers.
	RetryMax int

	// Transport overrides the HTTP transport.
	Transport http.RoundTripper
}

type orasUpstream struct {
	registry  string
	plainHTTP bool
	timeout   time.Duration
	client    *auth.Client
}

// NewUpstream returns an oras-go backed client for cfg's upstream. The
// upstream registry may carry a path prefix, as in quay.io/someorg.
func NewUpstream(ctx context.Context, cfg distribution.ProxyCacheConfig, opts UpstreamOptions) (Upstream, error) {
	if cfg.UpstreamRegistry == "" {
		return nil, fmt.Errorf("proxy cache for %s has no upstream registry", cfg.Namespace)
	}
	if _, err := reference.ParseNormalizedNamed(cfg.UpstreamRegistry + "/probe"); err != nil {
		return nil, fmt.Errorf("invalid upstream registry %q: %w", cfg.UpstreamRegistry, err)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Backoff = retryablehttp.LinearJitterBackoff
	rc.Logger = leveledLogger{dcontext.GetLoggerWithField(ctx, "upstream", cfg.UpstreamRegistry)}
	if opts.Transport != nil {
		rc.HTTPClient.Transport = opts.Transport
	}

	client := &auth.Client{
		Client: rc.StandardClient(),
		Cache:  auth.NewCache(),
	}
	if cfg.Username != "" {
		cred := auth.Credential{Username: cfg.Username, Password: cfg.Password}
		client.Credential = func(context.Context, string) (auth.Credential, error) {
			return cred, nil
		}
	}
	client.SetUserAgent("quay-distribution-proxy")

	return &orasUpstream{
		registry:  cfg.UpstreamRegistry,
		plainHTTP: cfg.Insecure,
		timeout:   opts.Timeout,
		client:    client,
	}, nil
}

func (u *orasUpstream) repository(name string) (*remote.Repository, error) {
	named, err := reference.ParseNormalizedNamed(u.registry + "/" + name)
	if err != nil {
		return nil, fmt.Errorf("mapping %s to the upstream: %w", name, err)
	}
	host := reference.Domain(named)
	if host == "docker.io" {
		host = "registry-1.docker.io"
	}
	repo, err := remote.NewRepository(host + "/" + reference.Path(named))
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = u.plainHTTP
	repo.Client = u.client
	repo.ManifestMediaTypes = manifest.Registered()
	return repo, nil
}

func (u *orasUpstream) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if u.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, u.timeout)
}

func (u *orasUpstream) Resolve(ctx context.Context, name, ref string) (v1.Descriptor, error) {
	repo, err := u.repository(name)
	if err != nil {
		return v1.Descriptor{}, err
	}
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	desc, err := repo.Resolve(ctx, ref)
	return desc, translate(err)
}

func (u *orasUpstream) FetchManifest(ctx context.Context, name, ref string) (v1.Descriptor, []byte, error) {
	repo, err := u.repository(name)
	if err != nil {
		return v1.Descriptor{}, nil, err
	}
	ctx, cancel := u.withTimeout(ctx)
	defer cancel()
	desc, rc, err := repo.FetchReference(ctx, ref)
	if err != nil {
		return v1.Descriptor{}, nil, translate(err)
	}
	defer rc.Close()
	b, err := content.ReadAll(rc, desc)
	if err != nil {
		return v1.Descriptor{}, nil, fmt.Errorf("reading manifest %s from upstream: %w", ref, err)
	}
	return desc, b, nil
}

func (u *orasUpstream) FetchBlob(ctx context.Context, name string, dgst digest.Digest) (v1.Descriptor, io.ReadCloser, error) {
	repo, err := u.repository(name)
	if err != nil {
		return v1.Descriptor{}, nil, err
	}
	ctx, cancel := u.withTimeout(ctx)
	desc, rc, err := repo.Blobs().FetchReference(ctx, dgst.String())
	if err != nil {
		cancel()
		return v1.Descriptor{}, nil, translate(err)
	}
	return desc, cancelOnClose{rc, cancel}, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errdef.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %v", distribution.ErrUpstreamUnavailable, err)
}

// leveledLogger adapts a context logger to retryablehttp.
type leveledLogger struct {
	dcontext.Logger
}

func (l leveledLogger) fields(kv []interface{}) dcontext.Logger {
	entry := l.Logger.WithField("component", "proxy.upstream")
	for i := 0; i+1 < len(kv); i += 2 {
		entry = entry.WithField(fmt.Sprint(kv[i]), kv[i+1])
	}
	return entry
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
