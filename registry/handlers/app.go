package handlers

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/docker/libtrust"
	"github.com/gorilla/mux"
	"github.com/oschwald/geoip2-golang"

	"github.com/quay/distribution"
	"github.com/quay/distribution/configuration"
	"github.com/quay/distribution/health"
	"github.com/quay/distribution/health/checks"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/internal/uuid"
	"github.com/quay/distribution/manifest"
	"github.com/quay/distribution/manifest/ocischema"
	"github.com/quay/distribution/registry/api/errcode"
	v2 "github.com/quay/distribution/registry/api/v2"
	"github.com/quay/distribution/registry/auth"
	"github.com/quay/distribution/registry/auth/htpasswd"
	"github.com/quay/distribution/registry/auth/token"
	"github.com/quay/distribution/registry/datastore"
	"github.com/quay/distribution/registry/gc"
	"github.com/quay/distribution/registry/proxy"
	"github.com/quay/distribution/registry/storage"
	"github.com/quay/distribution/registry/storage/cache"
	cachemetrics "github.com/quay/distribution/registry/storage/cache/metrics"
	"github.com/quay/distribution/registry/storage/cache/redis"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
	"github.com/quay/distribution/registry/storage/driver/factory"
)

// defaultCheckInterval is the interval of the health checks the app
// registers for its storage locations and database.
const defaultCheckInterval = 10 * time.Second

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	context.Context

	Config *configuration.Configuration

	// InstanceID is a unique id assigned to the application on each creation.
	// Provides information in the logs and context to identify restarts.
	InstanceID string

	router    *mux.Router
	drivers   map[string]storagedriver.StorageDriver
	storage   *storage.DistributedStorage
	uploader  *storage.BlobUploader
	store     *datastore.Store
	proxies   *proxy.Registry
	gc        *gc.Worker
	cache     cache.Provider
	cacheKeys cache.Keys
	names     v2.NamePolicy

	accessController auth.AccessController
	authenticator    auth.UserAuthenticator
	permissions      auth.PermissionChecker
	granter          *token.Granter
	tokenKey         token.SigningKey

	// schema1Key signs schema 1 manifests produced by down-conversion.
	schema1Key libtrust.PrivateKey

	geoip   *geoip2.Reader
	country func(net.IP) (string, error)

	readOnly bool
	clock    func() time.Time
	upstream func(ctx context.Context, cfg distribution.ProxyCacheConfig, opts proxy.UpstreamOptions) (proxy.Upstream, error)
	cancel   context.CancelFunc
}

// Option customizes an App beyond its configuration.
type Option func(*App)

// WithClock replaces time.Now for tag lifetimes, tokens and upload expiry.
func WithClock(clock func() time.Time) Option {
	return func(app *App) { app.clock = clock }
}

// WithUpstream replaces the client used to reach the upstream registries
// of proxy namespaces.
func WithUpstream(fn func(ctx context.Context, cfg distribution.ProxyCacheConfig, opts proxy.UpstreamOptions) (proxy.Upstream, error)) Option {
	return func(app *App) { app.upstream = fn }
}

// WithCountryLookup replaces the GeoIP database used for geo-blocking.
func WithCountryLookup(fn func(net.IP) (string, error)) Option {
	return func(app *App) { app.country = fn }
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(ctx context.Context, config *configuration.Configuration, options ...Option) (*App, error) {
	app := &App{
		Config:     config,
		Context:    ctx,
		InstanceID: uuid.NewString(),
		router:     v2.RouterWithPrefix(config.HTTP.Prefix),
		names:      v2.NamePolicy{LibrarySupport: config.FeatureLibrarySupport},
		readOnly:   config.ReadOnly(),
		clock:      time.Now,
	}
	for _, o := range options {
		o(app)
	}

	app.Context = dcontext.WithLogger(app.Context, dcontext.GetLoggerWithField(app.Context, "instance.id", app.InstanceID))

	// Register the handler dispatchers.
	app.register(v2.RouteNameBase, func(ctx *Context, r *http.Request) http.Handler {
		return http.HandlerFunc(apiBase)
	})
	app.register(v2.RouteNameAuth, tokenDispatcher)
	app.register(v2.RouteNameManifest, manifestDispatcher)
	app.register(v2.RouteNameCatalog, catalogDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)
	app.register(v2.RouteNameReferrers, referrersDispatcher)

	if config.FeatureGeneralOCISupport {
		for configMediaType, layerMediaTypes := range config.Artifacts {
			ocischema.RegisterArtifactType(configMediaType, layerMediaTypes...)
		}
	}

	steps := []func(*configuration.Configuration) error{
		app.configureStorage,
		app.configureCache,
		app.configureStore,
		app.configureGC,
		app.configureProxy,
		app.configureAuth,
		app.configureGeoIP,
	}
	for _, step := range steps {
		if err := step(config); err != nil {
			app.Close()
			return nil, err
		}
	}

	key, err := libtrust.GenerateECP256PrivateKey()
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("generating schema 1 signing key: %w", err)
	}
	app.schema1Key = key

	return app, nil
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(dispatch))
}

func (app *App) configureStorage(config *configuration.Configuration) error {
	app.drivers = make(map[string]storagedriver.StorageDriver, len(config.Storage.Locations))
	for location, driver := range config.Storage.Locations {
		d, err := factory.Create(app, driver.Type(), driver.Parameters())
		if err != nil {
			return fmt.Errorf("configuring storage location %s: %w", location, err)
		}
		app.drivers[location] = d
		dcontext.GetLogger(app).Infof("using %q as the storage driver of location %s", driver.Type(), location)
	}

	var err error
	app.storage, err = storage.NewDistributedStorage(app.drivers, config.Storage.Preferred)
	if err != nil {
		return err
	}
	app.uploader = storage.NewBlobUploader(app.storage)
	return nil
}

func (app *App) configureCache(config *configuration.Configuration) error {
	app.cacheKeys = cache.Keys{BlobTTL: config.Cache.BlobTTL, TagsTTL: config.Cache.TagsTTL}

	var (
		provider cache.Provider
		err      error
	)
	switch {
	case config.Cache.Provider == "":
		provider, err = cache.Create(app, "noop", nil)
	case config.Cache.Provider == "redis" && len(config.Cache.Parameters) == 0:
		provider, err = app.redisCache(config.Redis)
	default:
		provider, err = cache.Create(app, config.Cache.Provider, config.Cache.Parameters)
	}
	if err != nil {
		return fmt.Errorf("configuring %s cache: %w", config.Cache.Provider, err)
	}
	app.cache = cachemetrics.NewPrometheusCacheProvider(provider)
	dcontext.GetLogger(app).Infof("using %s cache", provider.Name())
	return nil
}

func (app *App) redisCache(cfg configuration.Redis) (cache.Provider, error) {
	client, err := redis.NewClient(app, redis.Options{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		TLS:      cfg.TLS,
		Prefix:   cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return redis.New(client, cfg.Prefix), nil
}

func (app *App) configureStore(config *configuration.Configuration) error {
	var err error
	app.store, err = datastore.Open(app, config.Database.Path, datastore.Options{
		Storage:   app.storage,
		Cache:     app.cache,
		CacheKeys: app.cacheKeys,
		Sparse: manifest.SparsePolicy{
			Enabled:       config.FeatureSparseIndex,
			RequiredArchs: config.SparseIndexRequiredArchs,
		},
		OnTagChange: app.tagChanged,
		Clock:       app.clock,
	})
	if err != nil {
		return err
	}
	return app.seedNamespaces(config)
}

// seedNamespaces writes the configured namespace policies and repository
// states into the database.
func (app *App) seedNamespaces(config *configuration.Configuration) error {
	for name, nsConfig := range config.Namespaces {
		ns, err := nsConfig.Namespace(name)
		if err != nil {
			return err
		}
		if _, err := app.store.EnsureNamespace(app, ns); err != nil {
			return fmt.Errorf("seeding namespace %s: %w", name, err)
		}

		for repoName, repoConfig := range nsConfig.Repositories {
			state, err := repoConfig.RepositoryState()
			if err != nil {
				return fmt.Errorf("repository %s/%s: %w", name, repoName, err)
			}
			visibility := distribution.VisibilityPrivate
			if repoConfig.Public {
				visibility = distribution.VisibilityPublic
			}
			repo, err := app.store.CreateRepository(app, name, repoName, name, visibility, distribution.RepositoryKindImage)
			if err != nil {
				return fmt.Errorf("seeding repository %s/%s: %w", name, repoName, err)
			}
			if err := app.store.SetRepositoryVisibility(app, repo, visibility); err != nil {
				return err
			}
			if err := app.store.SetRepositoryState(app, repo, state, repoConfig.MirrorRobot); err != nil {
				return err
			}
		}
	}
	return nil
}

func (app *App) configureGC(config *configuration.Configuration) error {
	if config.GC.Disabled {
		dcontext.GetLogger(app).Warn("garbage collection is disabled")
		return nil
	}

	purge := gc.DefaultPurgeOption()
	purge.Age = config.UploadSessionTTL()
	if config.GC.UploadPurging != nil {
		po, err := gc.ParseConfig(config.GC.UploadPurging)
		if err != nil {
			return err
		}
		purge = *po
	}

	app.gc = gc.New(app, app.store, app.uploader, gc.Options{
		Interval:  config.GC.Interval,
		ScanLimit: config.GC.ScanLimit,
		Uploads:   purge,
		DryRun:    config.GC.DryRun,
		Clock:     app.clock,
	})

	ctx, cancel := context.WithCancel(app.Context)
	app.cancel = cancel
	go func() {
		if err := app.gc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			dcontext.GetLogger(app).WithError(err).Error("garbage collection stopped")
		}
	}()
	return nil
}

func (app *App) configureProxy(config *configuration.Configuration) error {
	if !config.FeatureProxyCache {
		return nil
	}
	app.proxies = proxy.NewRegistry(app.store, app.uploader, proxy.Options{
		CreatePrivateRepos:   config.CreatePrivateRepoOnPush,
		DefaultTagExpiration: config.DefaultTagExpiration(),
		Upstream: proxy.UpstreamOptions{
			Timeout:  config.Proxy.Timeout,
			RetryMax: config.Proxy.RetryMax,
		},
		NewUpstream: app.upstream,
	})
	return nil
}

func (app *App) configureAuth(config *configuration.Configuration) error {
	tokenConfig := config.Auth.Token

	if tokenConfig.SigningKey != "" {
		key, err := token.LoadSigningKey(tokenConfig.SigningKey)
		if err != nil {
			return err
		}
		app.tokenKey = key
		app.accessController, err = auth.GetAccessController("token", map[string]interface{}{
			"realm":          tokenConfig.Realm,
			"issuer":         tokenConfig.Issuer,
			"service":        tokenConfig.Service,
			"signingkey":     tokenConfig.SigningKey,
			"rootcertbundle": tokenConfig.RootCertBundle,
		})
		if err != nil {
			return fmt.Errorf("unable to configure token authorization: %w", err)
		}
	} else {
		pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return err
		}
		if app.tokenKey, err = token.NewSigningKey(pk); err != nil {
			return err
		}
		app.accessController, err = token.NewAccessController(token.Options{
			Realm:       tokenConfig.Realm,
			Issuer:      tokenConfig.Issuer,
			Service:     tokenConfig.Service,
			TrustedKeys: app.tokenKey.PublicKeys(),
			Clock:       app.clock,
		})
		if err != nil {
			return fmt.Errorf("unable to configure token authorization: %w", err)
		}
		dcontext.GetLogger(app).Warn("no token signing key configured; tokens do not survive a restart")
	}

	if config.Auth.Htpasswd.Path != "" {
		authenticator, err := htpasswd.NewAuthenticator(config.Auth.Htpasswd.Path)
		if err != nil {
			return err
		}
		app.authenticator = authenticator
	}

	permissions, err := auth.NewStaticPermissions(config.Auth.Permissions)
	if err != nil {
		return err
	}
	app.permissions = permissions

	app.granter = &token.Granter{
		Permissions:     permissions,
		Repositories:    app.store,
		AnonymousAccess: config.FeatureAnonymousAccess,
		PublicCatalog:   config.FeaturePublicCatalog,
		ReadOnly:        app.readOnly,
		SplitName:       app.names.SplitRepositoryName,
	}
	return nil
}

func (app *App) configureGeoIP(config *configuration.Configuration) error {
	if app.country != nil || config.GeoIP.Database == "" {
		return nil
	}
	reader, err := geoip2.Open(config.GeoIP.Database)
	if err != nil {
		return fmt.Errorf("opening geoip database: %w", err)
	}
	app.geoip = reader
	app.country = func(ip net.IP) (string, error) {
		record, err := reader.Country(ip)
		if err != nil {
			return "", err
		}
		return record.Country.IsoCode, nil
	}
	return nil
}

// Store returns the registry data model.
func (app *App) Store() *datastore.Store {
	return app.store
}

// Storage returns the storage locations holding blob bytes.
func (app *App) Storage() *storage.DistributedStorage {
	return app.storage
}

// Uploader returns the chunked upload writer over the storage locations.
func (app *App) Uploader() *storage.BlobUploader {
	return app.uploader
}

// RegisterHealthChecks polls the database, the storage locations when
// enabled and the configured files, registering each check with
// healthRegistries or the default registry. Polling stops when the app is
// closed.
func (app *App) RegisterHealthChecks(healthRegistries ...*health.Registry) {
	if len(healthRegistries) > 1 {
		panic("RegisterHealthChecks called with more than one registry")
	}
	healthRegistry := health.DefaultRegistry
	if len(healthRegistries) == 1 {
		healthRegistry = healthRegistries[0]
	}

	ctx, cancel := context.WithCancel(app)
	prev := app.cancel
	app.cancel = func() {
		cancel()
		if prev != nil {
			prev()
		}
	}

	poll := func(name string, check health.Checker, interval time.Duration, threshold int) {
		if interval == 0 {
			interval = defaultCheckInterval
		}
		updater := health.NewThresholdStatusUpdater(threshold)
		healthRegistry.Register(name, updater)
		go health.Poll(ctx, updater, check, interval)
	}

	poll("database", checks.PingChecker(app.store.Ping), defaultCheckInterval, 0)

	if app.Config.Health.StorageDriver.Enabled {
		for name, driver := range app.drivers {
			poll("storage_"+name, checks.StorageDriverChecker(driver),
				app.Config.Health.StorageDriver.Interval, app.Config.Health.StorageDriver.Threshold)
		}
	}

	for _, fileChecker := range app.Config.Health.FileCheckers {
		dcontext.GetLogger(app).Infof("configuring file health check path=%s, interval=%d", fileChecker.File, fileChecker.Interval/time.Second)
		poll(fileChecker.File, checks.FileChecker(fileChecker.File), fileChecker.Interval, fileChecker.Threshold)
	}
}

// Drivers returns the storage driver of every location.
func (app *App) Drivers() map[string]storagedriver.StorageDriver {
	return app.drivers
}

// Close stops background work and releases the database.
func (app *App) Close() error {
	if app.cancel != nil {
		app.cancel()
	}
	var errs []error
	if app.gc != nil {
		errs = append(errs, app.gc.Close())
	}
	if app.store != nil {
		errs = append(errs, app.store.Close())
	}
	if app.geoip != nil {
		errs = append(errs, app.geoip.Close())
	}
	return errors.Join(errs...)
}

func (app *App) tagChanged(repositoryID int64) {
	if app.gc != nil {
		app.gc.Enqueue(repositoryID)
	}
}

func (app *App) now() time.Time {
	return app.clock()
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close() // ensure that request body is always closed.

	// Set a header with the Docker Distribution API Version for all responses.
	w.Header().Add("Docker-Distribution-API-Version", "registry/2.0")
	for name, values := range app.Config.HTTP.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	app.router.ServeHTTP(w, r)
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var context *Context
		context, w = app.context(w, r)

		defer func() {
			status, _ := context.Value("http.response.status").(int)
			observeRequest(r, status, start)
			dcontext.GetResponseLogger(context).Infof("response completed")
		}()

		if err := app.authorized(w, r, context); err != nil {
			dcontext.GetLogger(context).Warnf("error authorizing context: %v", err)
			return
		}

		if app.nameRequired(r) {
			if err := app.resolveRepository(context, r); err != nil {
				context.Errors = append(context.Errors, err)
				if err := errcode.ServeJSON(w, context.Errors); err != nil {
					dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
				}
				return
			}
		}

		dispatch(context, r).ServeHTTP(w, r)

		// Automated error response handling here. Handlers may return their
		// own errors if they need different behavior (such as range errors
		// for layer upload).
		if len(context.Errors) > 0 {
			if err := errcode.ServeJSON(w, context.Errors); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}
			app.logError(context, context.Errors)
		}
	})
}

func (app *App) logError(ctx context.Context, errors errcode.Errors) {
	for _, e := range errors {
		entry := dcontext.GetLogger(ctx)
		var ec errcode.Error
		switch e := e.(type) {
		case errcode.Error:
			ec = e
		case errcode.ErrorCode:
			ec = e.WithDetail(nil)
		default:
			entry.WithError(e).Error("request failed")
			continue
		}
		entry = dcontext.GetLoggerWithFields(ctx, map[interface{}]interface{}{
			"err.code":    ec.Code,
			"err.message": ec.Message,
			"err.detail":  fmt.Sprint(ec.Detail),
		})
		if ec.StatusCode() >= http.StatusInternalServerError {
			entry.Error("response completed with error")
		} else {
			entry.Info("response completed with error")
		}
	}
}

// context constructs the context object for the application. This only be
// called once per request.
func (app *App) context(w http.ResponseWriter, r *http.Request) (*Context, http.ResponseWriter) {
	ctx := dcontext.WithLogger(r.Context(), dcontext.GetLogger(app))
	ctx = dcontext.WithRequest(ctx, r)
	ctx, w = dcontext.WithResponseWriter(ctx, w)
	ctx = dcontext.WithVars(ctx, r)
	ctx = dcontext.WithLogger(ctx, dcontext.GetRequestLogger(ctx))
	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx,
		"vars.name",
		"vars.reference",
		"vars.digest",
		"vars.uuid"))

	context := &Context{
		App:        app,
		Context:    ctx,
		urlBuilder: v2.NewURLBuilderFromRequest(r, app.Config.HTTP.RelativeURLs),
		User:       auth.UserInfo{Kind: auth.KindAnonymous},
	}

	return context, w
}

// authorized checks if the request can proceed with access to the requested
// repository. If it succeeds, the context may access the requested
// repository. An error will be returned if access is not available.
func (app *App) authorized(w http.ResponseWriter, r *http.Request, context *Context) error {
	dcontext.GetLogger(context).Debug("authorizing request")
	repo := getName(context)
	route := routeName(r)

	var accessRecords []auth.Access
	switch {
	case route == v2.RouteNameAuth:
		// The token endpoint checks credentials itself.
		return nil
	case route == v2.RouteNameCatalog:
		accessRecords = appendCatalogAccessRecord(accessRecords)
	case repo != "":
		accessRecords = appendAccessRecords(accessRecords, r.Method, repo)
	case app.nameRequired(r):
		// For this to be properly secured, repo must always be set for a
		// resource that may make a modification. The only condition under
		// which name is not set and we still allow access is when the
		// base route is accessed.
		if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized); err != nil {
			dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
		}
		return fmt.Errorf("forbidden: no repository name")
	}

	grant, err := app.accessController.Authorized(r.WithContext(context), accessRecords...)
	if err != nil {
		var challenge auth.Challenge
		switch {
		case route == v2.RouteNameBase && app.Config.FeatureAnonymousAccess && r.Header.Get("Authorization") == "":
			return nil
		case errors.As(err, &challenge):
			// Add the appropriate WWW-Auth header
			challenge.SetHeaders(r, w)

			if err := errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized.WithDetail(accessRecords)); err != nil {
				dcontext.GetLogger(context).Errorf("error serving error json: %v (from %v)", err, context.Errors)
			}
		default:
			// This condition is a potential security problem either in
			// the configuration or whatever is backing the access
			// controller. Just return a bad request with no information
			// to avoid exposure. The request should not proceed.
			dcontext.GetLogger(context).Errorf("error checking authorization: %v", err)
			w.WriteHeader(http.StatusBadRequest)
		}

		return err
	}

	context.User = grant.User
	context.Context = auth.WithResources(auth.WithUser(context.Context, grant.User), grant.Resources)
	context.Context = dcontext.WithLogger(context.Context, dcontext.GetLogger(context.Context, auth.UserNameKey))
	return nil
}

// resolveRepository splits the request's repository name, selects the data
// model of its namespace and enforces the write policy. The repository may
// be left unset for writes that create it.
func (app *App) resolveRepository(ctx *Context, r *http.Request) error {
	name := getName(ctx)
	nsName, repoName, err := app.names.SplitRepositoryName(name)
	if err != nil {
		return nameError(name, err)
	}
	ctx.NamespaceName, ctx.RepositoryName = nsName, repoName
	ctx.Model = app.store

	ns, err := app.store.LookupNamespace(ctx, nsName)
	switch {
	case errors.Is(err, distribution.ErrNamespaceUnknown):
	case err != nil:
		return errcode.ErrorCodeUnknown.WithDetail(err)
	default:
		ctx.Namespace = ns
	}

	write := isWrite(r.Method)
	if ns != nil && ns.ProxyCache != nil && app.proxies != nil && !write {
		model, err := app.proxies.Model(ctx, ns)
		if err != nil {
			return errcode.ErrorCodeUpstreamError.WithDetail(err)
		}
		ctx.Model = model
	}

	repo, err := ctx.Model.LookupRepository(ctx, nsName, repoName)
	switch {
	case err == nil:
		ctx.Repository = repo
	case errors.Is(err, distribution.ErrRepositoryUnknown), errors.Is(err, distribution.ErrNamespaceUnknown):
		if !write {
			return errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": name})
		}
	default:
		return domainError(err)
	}

	if write {
		return ctx.checkWrite()
	}
	return nil
}

// nameRequired returns true if the route requires a name.
func (app *App) nameRequired(r *http.Request) bool {
	switch routeName(r) {
	case v2.RouteNameBase, v2.RouteNameAuth, v2.RouteNameCatalog:
		return false
	}
	return true
}

func routeName(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	return route.GetName()
}

func isWrite(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// apiBase implements a simple yes-man for doing overall checks against the
// api. This can support auth roundtrips to support docker login.
func apiBase(w http.ResponseWriter, r *http.Request) {
	const emptyJSON = "{}"
	// Provide a simple /v2/ 200 OK response with empty json response.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprint(len(emptyJSON)))

	fmt.Fprint(w, emptyJSON)
}

// appendAccessRecords checks the method and adds the appropriate Access records to the records list.
func appendAccessRecords(records []auth.Access, method string, repo string) []auth.Access {
	resource := auth.Resource{
		Type: "repository",
		Name: repo,
	}

	switch method {
	case http.MethodGet, http.MethodHead:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   token.ActionPull,
			})
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		records = append(records,
			auth.Access{
				Resource: resource,
				Action:   token.ActionPull,
			},
			auth.Access{
				Resource: resource,
				Action:   token.ActionPush,
			})
	}
	return records
}

// Add the access record for the catalog if it's our current route
func appendCatalogAccessRecord(accessRecords []auth.Access) []auth.Access {
	resource := auth.Resource{
		Type: "registry",
		Name: "catalog",
	}

	accessRecords = append(accessRecords,
		auth.Access{
			Resource: resource,
			Action:   token.ActionAll,
		})
	return accessRecords
}
