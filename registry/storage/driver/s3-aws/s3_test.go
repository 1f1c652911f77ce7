package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// fakeS3 keeps a single bucket in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]map[int64][]byte
	nextID  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		uploads: make(map[string]map[int64][]byte),
	}
}

func (f *fakeS3) GetObjectWithContext(_ context.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	var offset int
	if r := aws.StringValue(in.Range); r != "" {
		offset, _ = strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(r, "bytes="), "-"))
	}
	if offset >= len(data) && len(data) > 0 {
		return nil, awserr.New("InvalidRange", "range not satisfiable", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[min(offset, len(data)):]))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ context.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObjectWithContext(_ context.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New("NotFound", "not found", nil)
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		LastModified:  aws.Time(time.Now()),
	}, nil
}

func (f *fakeS3) ListObjectsV2WithContext(_ context.Context, in *s3.ListObjectsV2Input, _ ...request.Option) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.StringValue(in.Prefix)
	delimiter := aws.StringValue(in.Delimiter)
	maxKeys := int(aws.Int64Value(in.MaxKeys))

	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := map[string]bool{}
	for _, k := range keys {
		if maxKeys > 0 && len(out.Contents)+len(out.CommonPrefixes) >= maxKeys {
			break
		}
		if delimiter != "" {
			if i := strings.Index(k[len(prefix):], delimiter); i >= 0 {
				cp := k[:len(prefix)+i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, &s3.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, &s3.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(f.objects[k]))),
		})
	}
	return out, nil
}

func (f *fakeS3) CopyObjectWithContext(_ context.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, src, _ := strings.Cut(aws.StringValue(in.CopySource), "/")
	data, ok := f.objects[src]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	f.objects[aws.StringValue(in.Key)] = append([]byte(nil), data...)
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectsWithContext(_ context.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.StringValue(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) CreateMultipartUploadWithContext(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...request.Option) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = make(map[int64][]byte)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key}, nil
}

func (f *fakeS3) UploadPartWithContext(_ context.Context, in *s3.UploadPartInput, _ ...request.Option) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[aws.StringValue(in.UploadId)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchUpload, "no such upload", nil)
	}
	parts[aws.Int64Value(in.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.Int64Value(in.PartNumber)))}, nil
}

func (f *fakeS3) UploadPartCopyWithContext(_ context.Context, in *s3.UploadPartCopyInput, _ ...request.Option) (*s3.UploadPartCopyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, src, _ := strings.Cut(aws.StringValue(in.CopySource), "/")
	var first, last int
	fmt.Sscanf(aws.StringValue(in.CopySourceRange), "bytes=%d-%d", &first, &last)
	f.uploads[aws.StringValue(in.UploadId)][aws.Int64Value(in.PartNumber)] = append([]byte(nil), f.objects[src][first:last+1]...)
	return &s3.UploadPartCopyOutput{CopyPartResult: &s3.CopyPartResult{ETag: aws.String("copy")}}, nil
}

func (f *fakeS3) CompleteMultipartUploadWithContext(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...request.Option) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[aws.StringValue(in.UploadId)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchUpload, "no such upload", nil)
	}
	var buf bytes.Buffer
	for _, p := range in.MultipartUpload.Parts {
		buf.Write(parts[aws.Int64Value(p.PartNumber)])
	}
	f.objects[aws.StringValue(in.Key)] = append([]byte{}, buf.Bytes()...)
	delete(f.uploads, aws.StringValue(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUploadWithContext(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...request.Option) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.StringValue(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newTestDriver(t *testing.T) (*Driver, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return newDriver(fake, DriverParameters{
		Bucket:            "registry-bucket",
		RootDirectory:     "/registry",
		StorageClass:      noStorageClass,
		ObjectACL:         s3.ObjectCannedACLPrivate,
		ChunkSize:         4,
		CopyThresholdSize: 8,
	}), fake
}

func TestFromParameters(t *testing.T) {
	ctx := context.Background()

	_, err := FromParameters(ctx, map[string]any{"region": "us-east-1"})
	require.ErrorContains(t, err, "no bucket parameter provided")

	_, err = FromParameters(ctx, map[string]any{"bucket": "b"})
	require.ErrorContains(t, err, "no region parameter provided")

	_, err = FromParameters(ctx, map[string]any{"bucket": "b", "region": "atlantis-1"})
	require.ErrorContains(t, err, "invalid region provided")

	_, err = FromParameters(ctx, map[string]any{"bucket": "b", "region": "us-east-1", "chunksize": "1KB"})
	require.ErrorContains(t, err, "chunksize")

	_, err = FromParameters(ctx, map[string]any{"bucket": "b", "region": "us-east-1", "objectacl": "everyone"})
	require.ErrorContains(t, err, "objectacl")

	_, err = FromParameters(ctx, map[string]any{"bucket": "b", "region": "us-east-1", "storageclass": "deep_archive"})
	require.ErrorContains(t, err, "storageclass")

	_, err = FromParameters(ctx, map[string]any{"bucket": "b", "region": "us-east-1", "redirectexpiry": "soon"})
	require.ErrorContains(t, err, "redirectexpiry")

	d, err := FromParameters(ctx, map[string]any{
		"bucket":         "b",
		"regionendpoint": "http://localhost:9000",
		"secure":         "false",
		"storageclass":   "standard",
		"chunksize":      "10MB",
		"redirectexpiry": "5m",
		"rootdirectory":  "/quay",
	})
	require.NoError(t, err)

	inner := d.Base.StorageDriver.(*driver)
	assert.Equal(t, "b", inner.Bucket)
	assert.Equal(t, s3.StorageClassStandard, inner.StorageClass)
	assert.Equal(t, int64(10*1024*1024), inner.ChunkSize)
	assert.Equal(t, int64(defaultCopyThresholdSize), inner.CopyThresholdSize)
	assert.Equal(t, 5*time.Minute, inner.RedirectExpiry)
	assert.Equal(t, "quay/blobs", inner.s3Path("/blobs"))
	assert.Equal(t, "s3", d.Name())
}

func TestContentRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, fake := newTestDriver(t)

	require.NoError(t, d.PutContent(ctx, "/blobs/sha256/ab/abcd", []byte("layer")))
	assert.Contains(t, fake.objects, "registry/blobs/sha256/ab/abcd")

	got, err := d.GetContent(ctx, "/blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Equal(t, []byte("layer"), got)

	rc, err := d.Reader(ctx, "/blobs/sha256/ab/abcd", 2)
	require.NoError(t, err)
	rest, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("yer"), rest)

	rc, err = d.Reader(ctx, "/blobs/sha256/ab/abcd", 10)
	require.NoError(t, err)
	rest, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, rest)

	_, err = d.GetContent(ctx, "/blobs/missing")
	assert.True(t, storagedriver.IsPathNotFound(err))
}

func TestStatAndList(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)

	for _, p := range []string{"/uploads/a/chunk-0", "/uploads/a/chunk-1", "/uploads/b/chunk-0", "/uploads/stray"} {
		require.NoError(t, d.PutContent(ctx, p, []byte(p)))
	}

	fi, err := d.Stat(ctx, "/uploads/stray")
	require.NoError(t, err)
	assert.False(t, fi.IsDir())
	assert.Equal(t, int64(len("/uploads/stray")), fi.Size())

	fi, err = d.Stat(ctx, "/uploads/a")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	_, err = d.Stat(ctx, "/uploads/c")
	assert.True(t, storagedriver.IsPathNotFound(err))

	entries, err := d.List(ctx, "/uploads")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/uploads/stray", "/uploads/a", "/uploads/b"}, entries)

	_, err = d.List(ctx, "/nothing")
	assert.True(t, storagedriver.IsPathNotFound(err))

	var walked []string
	require.NoError(t, d.Walk(ctx, "/uploads", func(fi storagedriver.FileInfo) error {
		walked = append(walked, fi.Path())
		return nil
	}))
	assert.ElementsMatch(t, []string{
		"/uploads/a", "/uploads/a/chunk-0", "/uploads/a/chunk-1",
		"/uploads/b", "/uploads/b/chunk-0", "/uploads/stray",
	}, walked)
}

func TestDeleteIsPrefixSafe(t *testing.T) {
	ctx := context.Background()
	d, fake := newTestDriver(t)

	require.NoError(t, d.PutContent(ctx, "/a/one", []byte("1")))
	require.NoError(t, d.PutContent(ctx, "/ab", []byte("2")))

	require.NoError(t, d.Delete(ctx, "/a"))
	assert.NotContains(t, fake.objects, "registry/a/one")
	assert.Contains(t, fake.objects, "registry/ab")

	err := d.Delete(ctx, "/a")
	assert.True(t, storagedriver.IsPathNotFound(err))
}

func TestWriterUploadsParts(t *testing.T) {
	ctx := context.Background()
	d, fake := newTestDriver(t)

	w, err := d.Writer(ctx, "/blobs/big")
	require.NoError(t, err)

	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, int64(11), w.Size())

	_, err = d.Stat(ctx, "/blobs/big")
	assert.True(t, storagedriver.IsPathNotFound(err), "content must not be visible before commit")

	require.NoError(t, w.Commit(ctx))
	require.NoError(t, w.Close())

	assert.Equal(t, []byte("hello world"), fake.objects["registry/blobs/big"])
	assert.Empty(t, fake.uploads)

	_, err = w.Write([]byte("more"))
	assert.Error(t, err)
}

func TestWriterEmptyAndAborted(t *testing.T) {
	ctx := context.Background()
	d, fake := newTestDriver(t)

	w, err := d.Writer(ctx, "/empty")
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))
	require.NoError(t, w.Close())
	assert.Equal(t, []byte{}, fake.objects["registry/empty"])

	w, err = d.Writer(ctx, "/abandoned")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.NotContains(t, fake.objects, "registry/abandoned")
	assert.Empty(t, fake.uploads)

	w, err = d.Writer(ctx, "/cancelled")
	require.NoError(t, err)
	require.NoError(t, w.Cancel(ctx))
	assert.Error(t, w.Commit(ctx))
	require.NoError(t, w.Close())
	assert.NotContains(t, fake.objects, "registry/cancelled")
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	d, fake := newTestDriver(t)

	require.NoError(t, d.PutContent(ctx, "/small", []byte("tiny")))
	require.NoError(t, d.Move(ctx, "/small", "/moved/small"))
	assert.Equal(t, []byte("tiny"), fake.objects["registry/moved/small"])
	assert.NotContains(t, fake.objects, "registry/small")

	// Larger than the copy threshold, so copied part by part.
	require.NoError(t, d.PutContent(ctx, "/large", []byte("0123456789abcdef")))
	require.NoError(t, d.Move(ctx, "/large", "/moved/large"))
	assert.Equal(t, []byte("0123456789abcdef"), fake.objects["registry/moved/large"])
	assert.NotContains(t, fake.objects, "registry/large")

	err := d.Move(ctx, "/missing", "/moved/missing")
	assert.True(t, storagedriver.IsPathNotFound(err))
}

func TestRedirectURL(t *testing.T) {
	d, _ := newTestDriver(t)
	r := httptest.NewRequest("GET", "/v2/org/repo/blobs/sha256:abcd", nil)

	// The fake client cannot presign, so no redirect is offered.
	u, err := d.RedirectURL(r, "/blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Empty(t, u)

	sess, err := session.NewSession(aws.NewConfig().
		WithRegion("us-east-1").
		WithCredentials(credentials.NewStaticCredentials("AKID", "SECRET", "")))
	require.NoError(t, err)
	presigning := newDriver(s3.New(sess), DriverParameters{
		Bucket:        "registry-bucket",
		RootDirectory: "/registry",
		ObjectACL:     s3.ObjectCannedACLPrivate,
	})

	u, err = presigning.RedirectURL(r, "/blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Contains(t, u, "registry/blobs/sha256/ab/abcd")
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "X-Amz-Expires=1200")

	u, err = presigning.RedirectURL(httptest.NewRequest("DELETE", "/", nil), "/blobs/sha256/ab/abcd")
	require.NoError(t, err)
	assert.Empty(t, u)
}
