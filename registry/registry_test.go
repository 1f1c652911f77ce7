package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quay/distribution/configuration"
	"github.com/quay/distribution/internal/dcontext"
	_ "github.com/quay/distribution/registry/storage/driver/inmemory"
)

func testConfig(t *testing.T, extra string) *configuration.Configuration {
	t.Helper()
	doc := fmt.Sprintf(`
version: 0.1
log:
  accesslog:
    disabled: true
http:
  addr: 127.0.0.1:0
  draintimeout: 1s
storage:
  locations:
    local: inmemory
database:
  path: %s
gc:
  disabled: true
SERVER_HOSTNAME: registry.example.com
`, filepath.Join(t.TempDir(), "registry.db")) + extra
	config, err := configuration.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	return config
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)
	defer logrus.SetLevel(logrus.GetLevel())

	config := testConfig(t, "")
	config.Log.Formatter = "json"
	config.Log.Level = "debug"
	config.Log.Fields = map[string]interface{}{"environment": "test"}

	ctx, err := configureLogging(context.Background(), config)
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.Equal(t, "test", dcontext.GetStringValue(ctx, "environment"))

	config.Log.Formatter = "xml"
	_, err = configureLogging(context.Background(), config)
	assert.Error(t, err)
}

func TestAlive(t *testing.T) {
	handler := alive("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestJSONLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	handler := JSONLoggingHandler(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("abc"))
	}))
	req := httptest.NewRequest(http.MethodPut, "/v2/devtable/simple/manifests/latest", nil)
	req.Header.Set("User-Agent", "docker/27.0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "PUT", entry["method"])
	assert.Equal(t, "/v2/devtable/simple/manifests/latest", entry["path"])
	assert.Equal(t, float64(http.StatusCreated), entry["status"])
	assert.Equal(t, float64(3), entry["size"])
	assert.Equal(t, "docker/27.0", entry["user_agent"])
}

func TestGarbageCollectCommand(t *testing.T) {
	config := testConfig(t, "")
	require.NoError(t, garbageCollect(context.Background(), config, "", true))

	err := garbageCollect(context.Background(), testConfig(t, ""), "devtable/missing", false)
	assert.Error(t, err)

	err = garbageCollect(context.Background(), testConfig(t, ""), "a/b/c", false)
	assert.Error(t, err)
}

func TestRegistryServeAndDrain(t *testing.T) {
	registry, err := NewRegistry(context.Background(), testConfig(t, ""))
	require.NoError(t, err)
	defer registry.Close()

	rec := httptest.NewRecorder()
	registry.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	registry.server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	done := make(chan error, 1)
	go func() { done <- registry.ListenAndServe() }()
	quit <- syscall.SIGTERM

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
