package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	logrustash "github.com/bshuster-repo/logrus-logstash-hook"
	gorhandlers "github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quay/distribution/configuration"
	"github.com/quay/distribution/health"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/registry/handlers"
	"github.com/quay/distribution/version"
)

// a list of default ciphersuites to utilize
var defaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
}

var tlsVersions = map[string]uint16{
	"tls1.2": tls.VersionTLS12,
	"tls1.3": tls.VersionTLS13,
}

// defaultTLSVersionStr is the default minimum TLS version.
const defaultTLSVersionStr = "tls1.2"

// quit is the channel ListenAndServe waits on for stop signals.
var quit = make(chan os.Signal, 1)

// ServeCmd is a cobra command for running the registry.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes Docker images",
	Long:  "`serve` stores and distributes Docker images.",
	Run: func(cmd *cobra.Command, args []string) {
		// setup context
		ctx := dcontext.WithVersion(dcontext.Background(), version.Version())

		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		registry, err := NewRegistry(ctx, config)
		if err != nil {
			logrus.Fatalln(err)
		}
		defer registry.Close()

		if err = registry.ListenAndServe(); err != nil {
			logrus.Fatalln(err)
		}
	},
}

// A Registry represents a complete instance of the registry.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
	debug  *http.Server
}

// NewRegistry creates a new registry from a context and configuration struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	var err error
	ctx, err = configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring logger: %v", err)
	}

	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating registry app: %w", err)
	}
	app.RegisterHealthChecks()

	var handler http.Handler = app
	handler = alive("/", handler)
	handler = health.Handler(handler)
	handler = panicHandler(handler)
	if !config.Log.AccessLog.Disabled {
		handler = accessLog(config, handler)
	}

	server := &http.Server{
		Handler: handler,
	}

	var debug *http.Server
	if config.HTTP.Debug.Addr != "" {
		debug = &http.Server{
			Addr:    config.HTTP.Debug.Addr,
			Handler: debugHandler(config),
		}
	}

	return &Registry{
		app:    app,
		config: config,
		server: server,
		debug:  debug,
	}, nil
}

// debugHandler serves pprof, /debug/health and, when enabled, the
// prometheus metrics.
func debugHandler(config *configuration.Configuration) http.Handler {
	prom := config.HTTP.Debug.Prometheus
	if !prom.Enabled {
		return http.DefaultServeMux
	}
	path := prom.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.DefaultServeMux)
	mux.Handle(path, promhttp.Handler())
	return mux
}

func (registry *Registry) tlsConfig() (*tls.Config, error) {
	config := registry.config.HTTP.TLS
	minVersion := config.MinimumTLS
	if minVersion == "" {
		minVersion = defaultTLSVersionStr
	}
	tlsMinVersion, ok := tlsVersions[minVersion]
	if !ok {
		return nil, fmt.Errorf("unknown minimum TLS level '%s' specified for http.tls.minimumtls", minVersion)
	}
	dcontext.GetLogger(registry.app).Infof("restricting TLS version to %s or higher", minVersion)

	cert, err := tls.LoadX509KeyPair(config.Certificate, config.Key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{"h2", "http/1.1"},
		Certificates: []tls.Certificate{cert},
		MinVersion:   tlsMinVersion,
		CipherSuites: defaultCipherSuites,
	}, nil
}

// ListenAndServe runs the registry's HTTP server until a stop signal
// arrives, then drains connections for the configured timeout.
func (registry *Registry) ListenAndServe() error {
	config := registry.config

	network := config.HTTP.Net
	if network == "" {
		network = "tcp"
	}
	ln, err := net.Listen(network, config.HTTP.Addr)
	if err != nil {
		return err
	}

	if config.HTTP.TLS.Certificate != "" {
		tlsConf, err := registry.tlsConfig()
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsConf)
		dcontext.GetLogger(registry.app).Infof("listening on %v, tls", ln.Addr())
	} else {
		dcontext.GetLogger(registry.app).Infof("listening on %v", ln.Addr())
	}

	if registry.debug != nil {
		go func() {
			dcontext.GetLogger(registry.app).Infof("debug server listening %v", registry.debug.Addr)
			if err := registry.debug.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				dcontext.GetLogger(registry.app).WithError(err).Error("debug server failed")
			}
		}()
	}

	// setup channel to get notified on SIGTERM signal
	signal.Notify(quit, syscall.SIGTERM, os.Interrupt)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- registry.server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-quit:
		dcontext.GetLogger(registry.app).Infof("stopping server gracefully. Draining connections for %s", config.HTTP.DrainTimeout)
		// shutdown the server with a grace period of configured timeout
		ctx, cancel := context.WithTimeout(context.Background(), config.HTTP.DrainTimeout)
		defer cancel()
		return registry.Shutdown(ctx)
	}
}

// Shutdown gracefully shuts down the servers.
func (registry *Registry) Shutdown(ctx context.Context) error {
	var errs []error
	if registry.debug != nil {
		errs = append(errs, registry.debug.Shutdown(ctx))
	}
	errs = append(errs, registry.server.Shutdown(ctx))
	return errors.Join(errs...)
}

// Close releases the app's background work and database.
func (registry *Registry) Close() error {
	return registry.app.Close()
}

// configureLogging prepares the context with a logger using the
// configuration.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	logrus.SetLevel(logLevel(config.Log.Level))
	logrus.SetReportCaller(config.Log.ReportCaller)

	formatter := config.Log.Formatter
	if formatter == "" {
		formatter = "text" // default formatter
	}

	switch formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:   time.RFC3339Nano,
			DisableHTMLEscape: true,
		})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	case "logstash":
		logrus.SetFormatter(&logrustash.LogstashFormatter{
			Formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano},
		})
	default:
		return ctx, fmt.Errorf("unsupported logging formatter: %q", config.Log.Formatter)
	}

	logrus.Debugf("using %q logging formatter", formatter)

	if len(config.Log.Fields) > 0 {
		// build up the static fields, if present.
		var fields []interface{}
		for k := range config.Log.Fields {
			fields = append(fields, k)
		}

		ctx = dcontext.WithValues(ctx, config.Log.Fields)
		ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx, fields...))
	}

	dcontext.SetDefaultLogger(dcontext.GetLogger(ctx))
	return ctx, nil
}

func logLevel(level configuration.Loglevel) logrus.Level {
	l, err := logrus.ParseLevel(string(level))
	if err != nil {
		l = logrus.InfoLevel
		logrus.Warnf("error parsing level %q: %v, using %q", level, err, l)
	}

	return l
}

// accessLog wraps handler with a combined log format access log, written
// as JSON when the configured formatter is structured.
func accessLog(config *configuration.Configuration, handler http.Handler) http.Handler {
	switch config.Log.Formatter {
	case "json", "logstash":
		return JSONLoggingHandler(logrus.StandardLogger(), handler)
	}
	return gorhandlers.CombinedLoggingHandler(os.Stdout, handler)
}

// panicHandler add an HTTP handler to web app. The handler recover the happening
// panic. logrus.Panic transmits panic message to pre-config log hooks, which is
// defined in config.yml.
func panicHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logrus.Panic(fmt.Sprintf("%v", err))
			}
		}()
		handler.ServeHTTP(w, r)
	})
}

// alive simply wraps the handler with a route that always returns an http 200
// response when the path is matched. If the path is not matched, the request
// is passed to the provided handler. There is no guarantee of anything but
// that the server is up. Wrap with other handlers (such as health.Handler)
// for greater affect.
func alive(path string, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			return
		}

		handler.ServeHTTP(w, r)
	})
}

func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configurationPath string

	if len(args) > 0 {
		configurationPath = args[0]
	} else if os.Getenv("REGISTRY_CONFIGURATION_PATH") != "" {
		configurationPath = os.Getenv("REGISTRY_CONFIGURATION_PATH")
	}

	if configurationPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	fp, err := os.Open(configurationPath)
	if err != nil {
		return nil, err
	}

	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %v", configurationPath, err)
	}

	return config, nil
}
