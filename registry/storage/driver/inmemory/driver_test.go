package inmemory

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

func TestPutGetStat(t *testing.T) {
	ctx := context.Background()
	d := New()

	require.NoError(t, d.PutContent(ctx, "/blobs/sha256/ab/abcd", []byte("layer")))

	b, err := d.GetContent(ctx, "/blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Equal(t, []byte("layer"), b)

	fi, err := d.Stat(ctx, "/blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Equal(t, int64(5), fi.Size())
	assert.False(t, fi.IsDir())

	fi, err = d.Stat(ctx, "/blobs/sha256")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	_, err = d.Stat(ctx, "/blobs/sha512")
	assert.True(t, storagedriver.IsPathNotFound(err))
}

func TestInvalidPath(t *testing.T) {
	_, err := New().GetContent(context.Background(), "relative/path")
	assert.IsType(t, storagedriver.InvalidPathError{}, err)
}

func TestReaderOffset(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.PutContent(ctx, "/uploads/u1/chunk-0", []byte("0123456789")))

	rc, err := d.Reader(ctx, "/uploads/u1/chunk-0", 4)
	require.NoError(t, err)
	defer rc.Close()
	rest, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(rest))

	_, err = d.Reader(ctx, "/uploads/u1/chunk-0", 11)
	assert.IsType(t, storagedriver.InvalidOffsetError{}, err)
}

func TestWriterCommitAndCancel(t *testing.T) {
	ctx := context.Background()
	d := New()

	w, err := d.Writer(ctx, "/blobs/sha256/01/0123")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), w.Size())

	_, err = d.Stat(ctx, "/blobs/sha256/01/0123")
	assert.True(t, storagedriver.IsPathNotFound(err), "content visible before commit")

	require.NoError(t, w.Commit(ctx))
	require.NoError(t, w.Close())

	b, err := d.GetContent(ctx, "/blobs/sha256/01/0123")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))

	w, err = d.Writer(ctx, "/blobs/sha256/02/0234")
	require.NoError(t, err)
	_, err = w.Write([]byte("discard"))
	require.NoError(t, err)
	require.NoError(t, w.Cancel(ctx))
	_, err = d.Stat(ctx, "/blobs/sha256/02/0234")
	assert.True(t, storagedriver.IsPathNotFound(err))
}

func TestListMoveDelete(t *testing.T) {
	ctx := context.Background()
	d := New()
	for _, p := range []string{"/uploads/u1/chunk-0", "/uploads/u1/chunk-1", "/uploads/u2/chunk-0"} {
		require.NoError(t, d.PutContent(ctx, p, []byte(p)))
	}

	children, err := d.List(ctx, "/uploads")
	require.NoError(t, err)
	assert.Equal(t, []string{"/uploads/u1", "/uploads/u2"}, children)

	require.NoError(t, d.Move(ctx, "/uploads/u2/chunk-0", "/blobs/sha256/aa/aabb"))
	_, err = d.GetContent(ctx, "/uploads/u2/chunk-0")
	assert.True(t, storagedriver.IsPathNotFound(err))

	require.NoError(t, d.Delete(ctx, "/uploads/u1"))
	_, err = d.List(ctx, "/uploads")
	assert.True(t, storagedriver.IsPathNotFound(err))

	assert.True(t, storagedriver.IsPathNotFound(d.Delete(ctx, "/uploads/u1")))
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.PutContent(ctx, "/uploads/u1/chunk-0", []byte("a")))
	require.NoError(t, d.PutContent(ctx, "/uploads/u2/chunk-0", []byte("b")))

	var files []string
	require.NoError(t, d.Walk(ctx, "/uploads", func(fi storagedriver.FileInfo) error {
		if !fi.IsDir() {
			files = append(files, fi.Path())
		}
		return nil
	}))
	assert.Equal(t, []string{"/uploads/u1/chunk-0", "/uploads/u2/chunk-0"}, files)
}
