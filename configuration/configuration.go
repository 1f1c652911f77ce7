package configuration

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/quay/distribution"
)

// Configuration is a versioned registry configuration, intended to be provided by a yaml file, and
// optionally modified by environment variables.
//
// Keys named in upper case are the registry-wide settings shared with the
// rest of a Quay deployment and keep their literal names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log Log `yaml:"log"`

	// HTTP contains configuration parameters for the registry's http
	// interface.
	HTTP HTTP `yaml:"http,omitempty"`

	// Storage is the configuration for the registry's storage locations.
	Storage Storage `yaml:"storage"`

	// Database locates the metadata database.
	Database Database `yaml:"database"`

	// Redis configures the redis connection used by the redis cache.
	Redis Redis `yaml:"redis,omitempty"`

	// Cache configures the model cache.
	Cache Cache `yaml:"cache,omitempty"`

	// Auth configures token issuance and verification.
	Auth Auth `yaml:"auth,omitempty"`

	// Proxy tunes the upstream clients of proxy cache namespaces.
	Proxy Proxy `yaml:"proxy,omitempty"`

	// GC configures the background garbage collector.
	GC GC `yaml:"gc,omitempty"`

	// GeoIP locates the MaxMind database used for geo-blocking.
	GeoIP GeoIP `yaml:"geoip,omitempty"`

	// Artifacts maps extra OCI config media types to the layer media
	// types they use. They are accepted when FEATURE_GENERAL_OCI_SUPPORT
	// is on.
	Artifacts map[string][]string `yaml:"artifacts,omitempty"`

	// Health configures the checks reported on /debug/health.
	Health Health `yaml:"health,omitempty"`

	// Namespaces seeds namespace policy into the database at start-up.
	Namespaces map[string]Namespace `yaml:"namespaces,omitempty"`

	ServerHostname           string   `yaml:"SERVER_HOSTNAME"`
	PreferredURLScheme       string   `yaml:"PREFERRED_URL_SCHEME,omitempty"`
	RegistryState            string   `yaml:"REGISTRY_STATE,omitempty"`
	FeatureLibrarySupport    bool     `yaml:"FEATURE_LIBRARY_SUPPORT,omitempty"`
	FeaturePublicCatalog     bool     `yaml:"FEATURE_PUBLIC_CATALOG,omitempty"`
	FeatureAnonymousAccess   bool     `yaml:"FEATURE_ANONYMOUS_ACCESS,omitempty"`
	FeatureSparseIndex       bool     `yaml:"FEATURE_SPARSE_INDEX,omitempty"`
	SparseIndexRequiredArchs []string `yaml:"SPARSE_INDEX_REQUIRED_ARCHS,omitempty"`
	FeatureProxyCache        bool     `yaml:"FEATURE_PROXY_CACHE,omitempty"`
	FeatureGeneralOCISupport bool     `yaml:"FEATURE_GENERAL_OCI_SUPPORT,omitempty"`
	FeatureReferrersAPI      bool     `yaml:"FEATURE_REFERRERS_API,omitempty"`
	CreatePrivateRepoOnPush  bool     `yaml:"CREATE_PRIVATE_REPO_ON_PUSH,omitempty"`
	AnonymousUserName        string   `yaml:"ANONYMOUS_USER_NAME,omitempty"`
	UploadSessionTTLS        int64    `yaml:"UPLOAD_SESSION_TTL_S,omitempty"`
	BlobMountTemplinkTTLS    int64    `yaml:"BLOB_MOUNT_TEMPLINK_TTL_S,omitempty"`
	DefaultTagExpirationS    int64    `yaml:"DEFAULT_TAG_EXPIRATION_S,omitempty"`
}

// Log configures the logging subsystem.
type Log struct {
	// AccessLog configures access logging.
	AccessLog struct {
		// Disabled disables access logging.
		Disabled bool `yaml:"disabled,omitempty"`
	} `yaml:"accesslog,omitempty"`

	// Level is the granularity at which registry operations are logged.
	Level Loglevel `yaml:"level,omitempty"`

	// Formatter overrides the default formatter with another. Options
	// include "text", "json" and "logstash".
	Formatter string `yaml:"formatter,omitempty"`

	// Fields allows users to specify static string fields to include in
	// the logger context.
	Fields map[string]interface{} `yaml:"fields,omitempty"`

	// ReportCaller allows user to configure the log to report the caller
	ReportCaller bool `yaml:"reportcaller,omitempty"`
}

// HTTP configures the registry's listeners.
type HTTP struct {
	// Addr specifies the bind address for the registry instance.
	Addr string `yaml:"addr,omitempty"`

	// Net specifies the net portion of the bind address. A default empty value means tcp.
	Net string `yaml:"net,omitempty"`

	// Prefix specifies the root of the registry routes.
	Prefix string `yaml:"prefix,omitempty"`

	// RelativeURLs specifies that relative URLs should be returned in
	// Location headers
	RelativeURLs bool `yaml:"relativeurls,omitempty"`

	// Amount of time to wait for connection to drain before shutting down when registry
	// receives a stop signal
	DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`

	// TLS instructs the http server to listen with a TLS configuration.
	// This only support simple tls configuration with a cert and key.
	// Mostly, this is useful for testing situations or simple deployments
	// that require tls. If more complex configurations are required, use
	// a proxy or make a proposal to add support here.
	TLS struct {
		// Certificate specifies the path to an x509 certificate file to
		// be used for TLS.
		Certificate string `yaml:"certificate,omitempty"`

		// Key specifies the path to the x509 key file, which should
		// contain the private portion for the file specified in
		// Certificate.
		Key string `yaml:"key,omitempty"`

		// Specifies the lowest TLS version allowed
		MinimumTLS string `yaml:"minimumtls,omitempty"`
	} `yaml:"tls,omitempty"`

	// Headers is a set of headers to include in HTTP responses. A common
	// use case for this would be security headers such as
	// Strict-Transport-Security. The map keys are the header names, and
	// the values are the associated header payloads.
	Headers http.Header `yaml:"headers,omitempty"`

	// Debug configures the http debug interface, if specified. This can
	// include services such as pprof, expvar and other data that should
	// not be exposed externally. Left disabled by default.
	Debug struct {
		// Addr specifies the bind address for the debug server.
		Addr string `yaml:"addr,omitempty"`
		// Prometheus configures the Prometheus telemetry endpoint.
		Prometheus struct {
			Enabled bool   `yaml:"enabled,omitempty"`
			Path    string `yaml:"path,omitempty"`
		} `yaml:"prometheus,omitempty"`
	} `yaml:"debug,omitempty"`
}

// Storage configures the named blob storage locations.
type Storage struct {
	// Locations maps a location name to its driver.
	Locations map[string]Driver `yaml:"locations"`

	// Preferred lists the locations new blobs are written to, in order.
	// It defaults to every location in name order.
	Preferred []string `yaml:"preferred,omitempty"`

	// Redirect controls whether blob pulls are redirected to the backend.
	Redirect struct {
		Disable bool `yaml:"disable,omitempty"`
	} `yaml:"redirect,omitempty"`
}

// Database locates the bstore database.
type Database struct {
	Path string `yaml:"path"`
}

// Redis configures the redis client.
type Redis struct {
	Addrs    []string `yaml:"addrs,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	DB       int      `yaml:"db,omitempty"`
	TLS      bool     `yaml:"tls,omitempty"`
	Prefix   string   `yaml:"prefix,omitempty"`
}

// Cache configures the model cache.
type Cache struct {
	// Provider is "inmemory", "redis" or empty for none.
	Provider string `yaml:"provider,omitempty"`

	// Parameters are handed to the provider.
	Parameters Parameters `yaml:"parameters,omitempty"`

	BlobTTL time.Duration `yaml:"blobttl,omitempty"`
	TagsTTL time.Duration `yaml:"tagsttl,omitempty"`
}

// Auth configures the token endpoint and bearer token verification.
type Auth struct {
	Token struct {
		// Realm defaults to the registry's own /v2/auth endpoint.
		Realm string `yaml:"realm,omitempty"`
		// Issuer and Service default to SERVER_HOSTNAME.
		Issuer  string `yaml:"issuer,omitempty"`
		Service string `yaml:"service,omitempty"`
		// SigningKey is the PEM private key tokens are signed with. A
		// key is generated at start-up when unset.
		SigningKey string `yaml:"signingkey,omitempty"`
		// RootCertBundle adds certificates whose keys tokens may be
		// signed with.
		RootCertBundle string        `yaml:"rootcertbundle,omitempty"`
		TTL            time.Duration `yaml:"ttl,omitempty"`
	} `yaml:"token,omitempty"`

	// Htpasswd authenticates users at the token endpoint.
	Htpasswd struct {
		Path string `yaml:"path,omitempty"`
	} `yaml:"htpasswd,omitempty"`

	// Permissions maps user to namespace or namespace/repository to one of
	// read, write or admin.
	Permissions map[string]map[string]string `yaml:"permissions,omitempty"`
}

// Proxy configures upstream clients.
type Proxy struct {
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	RetryMax int           `yaml:"retrymax,omitempty"`
}

// GC configures the garbage collector.
type GC struct {
	Disabled  bool          `yaml:"disabled,omitempty"`
	Interval  time.Duration `yaml:"interval,omitempty"`
	ScanLimit int           `yaml:"scanlimit,omitempty"`
	DryRun    bool          `yaml:"dryrun,omitempty"`

	// UploadPurging configures the upload purging behavior.
	UploadPurging map[interface{}]interface{} `yaml:"uploadpurging,omitempty"`
}

// GeoIP locates a MaxMind country database.
type GeoIP struct {
	Database string `yaml:"database,omitempty"`
}

// Health provides the configuration section for health checks. The
// database is always checked.
type Health struct {
	// FileCheckers is a list of paths to check
	FileCheckers []FileChecker `yaml:"file,omitempty"`
	// StorageDriver configures a health check on the configured storage
	// locations
	StorageDriver struct {
		// Enabled turns on the health check for the storage driver
		Enabled bool `yaml:"enabled,omitempty"`
		// Interval is the duration in between checks
		Interval time.Duration `yaml:"interval,omitempty"`
		// Threshold is the number of times a check must fail to trigger an
		// unhealthy state
		Threshold int `yaml:"threshold,omitempty"`
	} `yaml:"storagedriver,omitempty"`
}

// FileChecker is a type of entry in the health section for checking files.
type FileChecker struct {
	// Interval is the duration in between checks
	Interval time.Duration `yaml:"interval,omitempty"`
	// File is the path to check
	File string `yaml:"file,omitempty"`
	// Threshold is the number of times a check must fail to trigger an
	// unhealthy state
	Threshold int `yaml:"threshold,omitempty"`
}

// Namespace is the seeded policy of one namespace.
type Namespace struct {
	Disabled              bool     `yaml:"disabled,omitempty"`
	RemovedTagExpirationS int64    `yaml:"REMOVED_TAG_EXPIRATION_S,omitempty"`
	GeoBlockedCountries   []string `yaml:"geoblocked,omitempty"`

	// QuotaLimit accepts human sizes such as 10GB.
	QuotaLimit string `yaml:"QUOTA_LIMIT,omitempty"`

	ProxyCache *ProxyCache `yaml:"proxycache,omitempty"`

	Repositories map[string]Repository `yaml:"repositories,omitempty"`
}

// ProxyCache makes a namespace a pull-through cache of an upstream.
type ProxyCache struct {
	Upstream    string `yaml:"upstream"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	ExpirationS int64  `yaml:"expiration_s,omitempty"`
	Insecure    bool   `yaml:"insecure,omitempty"`
}

// Repository is the seeded policy of one repository.
type Repository struct {
	Public      bool   `yaml:"public,omitempty"`
	State       string `yaml:"state,omitempty"`
	MirrorRobot string `yaml:"mirrorrobot,omitempty"`
}

// v0_1Configuration is a Version 0.1 Configuration struct
// This is currently aliased to Configuration, as it is the current version
type v0_1Configuration Configuration

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a string of the form X.Y into a Version, validating that X and Y can represent uints
func (version *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var versionString string
	err := unmarshal(&versionString)
	if err != nil {
		return err
	}

	newVersion := Version(versionString)
	if _, err := newVersion.major(); err != nil {
		return err
	}

	if _, err := newVersion.minor(); err != nil {
		return err
	}

	*version = newVersion
	return nil
}

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged
// This can be error, warn, info, or debug
type Loglevel string

// UnmarshalYAML implements the yaml.Umarshaler interface
// Unmarshals a string into a Loglevel, lowercasing the string and validating that it represents a
// valid loglevel
func (loglevel *Loglevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var loglevelString string
	err := unmarshal(&loglevelString)
	if err != nil {
		return err
	}

	loglevelString = strings.ToLower(loglevelString)
	switch loglevelString {
	case "error", "warn", "info", "debug":
	default:
		return fmt.Errorf("invalid loglevel %s Must be one of [error, warn, info, debug]", loglevelString)
	}

	*loglevel = Loglevel(loglevelString)
	return nil
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]interface{}

// Driver names one storage driver with its parameters.
type Driver map[string]Parameters

// Type returns the storage driver type, such as filesystem or s3
func (driver Driver) Type() string {
	// Return only key in this map
	for k := range driver {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for a driver.
func (driver Driver) Parameters() Parameters {
	return driver[driver.Type()]
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a single item map into a Driver or a string into a Driver type with no parameters
func (driver *Driver) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var driverMap map[string]Parameters
	err := unmarshal(&driverMap)
	if err == nil {
		if len(driverMap) != 1 {
			types := make([]string, 0, len(driverMap))
			for k := range driverMap {
				types = append(types, k)
			}
			return fmt.Errorf("must provide exactly one storage type. Provided: %v", types)
		}
		*driver = driverMap
		return nil
	}

	var driverType string
	err = unmarshal(&driverType)
	if err == nil {
		*driver = Driver{driverType: Parameters{}}
		return nil
	}

	return err
}

// MarshalYAML implements the yaml.Marshaler interface
func (driver Driver) MarshalYAML() (interface{}, error) {
	if driver.Parameters() == nil {
		return driver.Type(), nil
	}
	return map[string]Parameters(driver), nil
}

// RepositoryState returns the seeded repository state.
func (r Repository) RepositoryState() (distribution.RepositoryState, error) {
	switch strings.ToUpper(r.State) {
	case "", "NORMAL":
		return distribution.RepositoryStateNormal, nil
	case "READ_ONLY":
		return distribution.RepositoryStateReadOnly, nil
	case "MIRROR":
		return distribution.RepositoryStateMirror, nil
	}
	return 0, fmt.Errorf("invalid repository state %q", r.State)
}

// Quota returns the namespace's quota in bytes, or zero for none.
func (n Namespace) Quota() (int64, error) {
	if n.QuotaLimit == "" {
		return 0, nil
	}
	v, err := datasize.ParseString(n.QuotaLimit)
	if err != nil {
		return 0, fmt.Errorf("invalid quota %q: %w", n.QuotaLimit, err)
	}
	return int64(v.Bytes()), nil
}

// Namespace returns the seeded namespace named name.
func (n Namespace) Namespace(name string) (distribution.Namespace, error) {
	quota, err := n.Quota()
	if err != nil {
		return distribution.Namespace{}, err
	}
	ns := distribution.Namespace{
		Name:                 name,
		Disabled:             n.Disabled,
		RemovedTagExpiration: time.Duration(n.RemovedTagExpirationS) * time.Second,
		GeoBlockedCountries:  n.GeoBlockedCountries,
		QuotaBytes:           quota,
	}
	if n.ProxyCache != nil {
		if n.ProxyCache.Upstream == "" {
			return distribution.Namespace{}, fmt.Errorf("proxy cache of namespace %s has no upstream", name)
		}
		ns.ProxyCache = &distribution.ProxyCacheConfig{
			Namespace:        name,
			UpstreamRegistry: n.ProxyCache.Upstream,
			Username:         n.ProxyCache.Username,
			Password:         n.ProxyCache.Password,
			Expiration:       time.Duration(n.ProxyCache.ExpirationS) * time.Second,
			Insecure:         n.ProxyCache.Insecure,
		}
	}
	return ns, nil
}

// ReadOnly reports whether the registry rejects every write.
func (c *Configuration) ReadOnly() bool {
	return strings.EqualFold(c.RegistryState, "readonly")
}

// BaseURL returns the externally visible root of the registry.
func (c *Configuration) BaseURL() string {
	return c.PreferredURLScheme + "://" + c.ServerHostname
}

// UploadSessionTTL is how long an idle upload session lives.
func (c *Configuration) UploadSessionTTL() time.Duration {
	return time.Duration(c.UploadSessionTTLS) * time.Second
}

// BlobMountTemplinkTTL is how long a mounted or uploaded blob stays
// reachable before a manifest references it.
func (c *Configuration) BlobMountTemplinkTTL() time.Duration {
	return time.Duration(c.BlobMountTemplinkTTLS) * time.Second
}

// DefaultTagExpiration is the lifetime of proxied tags.
func (c *Configuration) DefaultTagExpiration() time.Duration {
	return time.Duration(c.DefaultTagExpirationS) * time.Second
}

func (c *Configuration) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Formatter == "" {
		c.Log.Formatter = "text"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":5000"
	}
	if c.PreferredURLScheme == "" {
		c.PreferredURLScheme = "http"
	}
	if c.RegistryState == "" {
		c.RegistryState = "normal"
	}
	if c.UploadSessionTTLS == 0 {
		c.UploadSessionTTLS = 3600
	}
	if c.BlobMountTemplinkTTLS == 0 {
		c.BlobMountTemplinkTTLS = 60
	}
	if c.Auth.Token.Issuer == "" {
		c.Auth.Token.Issuer = c.ServerHostname
	}
	if c.Auth.Token.Service == "" {
		c.Auth.Token.Service = c.ServerHostname
	}
	if c.Auth.Token.Realm == "" {
		c.Auth.Token.Realm = c.BaseURL() + "/v2/auth"
	}
	if c.Auth.Token.TTL == 0 {
		c.Auth.Token.TTL = time.Hour
	}
	if c.Proxy.Timeout == 0 {
		c.Proxy.Timeout = 30 * time.Second
	}
	if c.GC.Interval == 0 {
		c.GC.Interval = 30 * time.Second
	}
	if c.Cache.BlobTTL == 0 {
		c.Cache.BlobTTL = 60 * time.Second
	}
	if c.Cache.TagsTTL == 0 {
		c.Cache.TagsTTL = 120 * time.Second
	}
}

// Validate checks the settings that have no sensible default.
func (c *Configuration) Validate() error {
	var errs []error
	if c.ServerHostname == "" {
		errs = append(errs, errors.New("SERVER_HOSTNAME is required"))
	}
	switch c.PreferredURLScheme {
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("PREFERRED_URL_SCHEME must be http or https, not %q", c.PreferredURLScheme))
	}
	switch strings.ToLower(c.RegistryState) {
	case "normal", "readonly":
	default:
		errs = append(errs, fmt.Errorf("REGISTRY_STATE must be normal or readonly, not %q", c.RegistryState))
	}
	if len(c.Storage.Locations) == 0 {
		errs = append(errs, errors.New("at least one storage location is required"))
	}
	for _, name := range c.Storage.Preferred {
		if _, ok := c.Storage.Locations[name]; !ok {
			errs = append(errs, fmt.Errorf("preferred storage location %q is not configured", name))
		}
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	for name, ns := range c.Namespaces {
		if _, err := ns.Namespace(name); err != nil {
			errs = append(errs, err)
		}
		for repo, r := range ns.Repositories {
			if _, err := r.RepositoryState(); err != nil {
				errs = append(errs, fmt.Errorf("repository %s/%s: %w", name, repo, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Parse parses an input configuration yaml document into a Configuration struct
// This should generally be capable of handling old configuration format versions
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of REGISTRY_ABC,
// Configuration.Abc.Xyz may be replaced by the value of REGISTRY_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("registry", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				if v0_1, ok := c.(*v0_1Configuration); ok {
					if v0_1.Log.Level == Loglevel("") {
						v0_1.Log.Level = Loglevel("info")
					}
					return (*Configuration)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	err = p.Parse(in, config)
	if err != nil {
		return nil, err
	}
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
