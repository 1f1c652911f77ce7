package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quay/distribution/registry/storage/cache"
)

func TestProviderExpiresEntries(t *testing.T) {
	ctx := context.Background()
	p := New(Memory{Size: 2})

	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	require.NoError(t, p.Set(ctx, "a", []byte("1"), time.Second))
	v, err := p.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	now = now.Add(time.Second)
	_, err = p.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Zero(t, p.Len())
}

func TestProviderEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	p := New(Memory{Size: 2})

	require.NoError(t, p.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, p.Set(ctx, "b", []byte("2"), time.Minute))
	_, err := p.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, p.Set(ctx, "c", []byte("3"), time.Minute))

	_, err = p.Get(ctx, "b")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = p.Get(ctx, "a")
	assert.NoError(t, err)

	require.NoError(t, p.Delete(ctx, "a"))
	_, err = p.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCreateFromParameters(t *testing.T) {
	p, err := cache.Create(context.Background(), "inmemory", map[string]interface{}{
		"size":   "5",
		"maxttl": "1m",
	})
	require.NoError(t, err)
	assert.Equal(t, "inmemory", p.Name())

	_, err = cache.Create(context.Background(), "inmemory", map[string]interface{}{"maxttl": "soon"})
	assert.Error(t, err)
}
