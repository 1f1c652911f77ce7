package handlers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quay/distribution/health"
)

func TestFileHealthCheck(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "maintenance")
	require.NoError(t, os.WriteFile(marker, nil, 0o600))

	env := newTestEnv(t, `
health:
  file:
    - file: `+marker+`
      interval: 20ms
`)
	registry := health.NewRegistry()
	env.app.RegisterHealthChecks(registry)

	require.Eventually(t, func() bool {
		return registry.CheckStatus(env.app)[marker] == "file exists"
	}, 5*time.Second, 10*time.Millisecond)
	require.NotContains(t, registry.CheckStatus(env.app), "database")

	require.NoError(t, os.Remove(marker))
	require.Eventually(t, func() bool {
		return len(registry.CheckStatus(env.app)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
