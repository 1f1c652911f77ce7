package checks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quay/distribution/registry/storage/driver/inmemory"
)

func TestFileChecker(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	assert.Error(t, FileChecker(dir).Check(ctx), "existing path takes the instance out of rotation")
	assert.NoError(t, FileChecker(filepath.Join(dir, "NoSuchFileFromMoon")).Check(ctx))
}

func TestStorageDriverChecker(t *testing.T) {
	ctx := context.Background()
	driver := inmemory.New()

	assert.NoError(t, StorageDriverChecker(driver).Check(ctx))
	require.NoError(t, driver.PutContent(ctx, "/blobs/x", []byte("x")))
	assert.NoError(t, StorageDriverChecker(driver).Check(ctx))
}

func TestPingChecker(t *testing.T) {
	down := errors.New("database is closed")
	assert.ErrorIs(t, PingChecker(func(context.Context) error { return down }).Check(context.Background()), down)
}
