// Package s3 provides a storagedriver.StorageDriver implementation to
// store blobs in Amazon S3 cloud storage.
//
// Because S3 is a key, value store the Stat call does not support last
// modification time for directories (directories are an abstraction for key,
// value stores).
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"

	storagedriver "github.com/quay/distribution/registry/storage/driver"
	"github.com/quay/distribution/registry/storage/driver/base"
	"github.com/quay/distribution/registry/storage/driver/factory"
)

const driverName = "s3"

// minChunkSize defines the minimum multipart upload chunk size.
// S3 API requires multipart upload chunks to be at least 5MB.
const minChunkSize = 5 * 1024 * 1024

// maxChunkSize is the largest single part S3 accepts.
const maxChunkSize = 5 * 1024 * 1024 * 1024

const defaultChunkSize = 2 * minChunkSize

// defaultCopyThresholdSize is the object size above which Move copies with
// Upload Part - Copy instead of a single PUT Object - Copy.
const defaultCopyThresholdSize = 32 * 1024 * 1024

const defaultRedirectExpiry = 20 * time.Minute

// listMax is the largest amount of objects you can request from S3 in a list call
const listMax = 1000

// noStorageClass defines the value to be used if storage class is not supported by the S3 endpoint
const noStorageClass = "NONE"

// validRegions maps known s3 region identifiers to region descriptors
var validRegions = map[string]struct{}{}

var validStorageClasses = map[string]struct{}{
	noStorageClass:                    {},
	s3.StorageClassStandard:           {},
	s3.StorageClassReducedRedundancy:  {},
	s3.StorageClassStandardIa:         {},
	s3.StorageClassOnezoneIa:          {},
	s3.StorageClassIntelligentTiering: {},
	s3.StorageClassGlacierIr:          {},
}

var validObjectACLs = map[string]struct{}{
	s3.ObjectCannedACLPrivate:                {},
	s3.ObjectCannedACLPublicRead:             {},
	s3.ObjectCannedACLAuthenticatedRead:      {},
	s3.ObjectCannedACLBucketOwnerRead:        {},
	s3.ObjectCannedACLBucketOwnerFullControl: {},
}

// DriverParameters encapsulates all of the driver parameters after all
// values have been set.
type DriverParameters struct {
	AccessKey      string `mapstructure:"accesskey"`
	SecretKey      string `mapstructure:"secretkey"`
	SessionToken   string `mapstructure:"sessiontoken"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	RegionEndpoint string `mapstructure:"regionendpoint"`
	ForcePathStyle bool   `mapstructure:"forcepathstyle"`
	Encrypt        bool   `mapstructure:"encrypt"`
	KeyID          string `mapstructure:"keyid"`
	Secure         bool   `mapstructure:"secure"`
	SkipVerify     bool   `mapstructure:"skipverify"`
	RootDirectory  string `mapstructure:"rootdirectory"`
	StorageClass   string `mapstructure:"storageclass"`
	ObjectACL      string `mapstructure:"objectacl"`
	UserAgent      string `mapstructure:"useragent"`

	// Sizes and durations are parsed separately from the decoded fields.
	ChunkSize         int64
	CopyThresholdSize int64
	RedirectExpiry    time.Duration
}

func init() {
	for _, p := range endpoints.DefaultPartitions() {
		for region := range p.Regions() {
			validRegions[region] = struct{}{}
		}
	}

	factory.Register(driverName, &s3DriverFactory{})
}

// s3DriverFactory implements the factory.StorageDriverFactory interface
type s3DriverFactory struct{}

func (factory *s3DriverFactory) Create(ctx context.Context, parameters map[string]any) (storagedriver.StorageDriver, error) {
	return FromParameters(ctx, parameters)
}

var _ storagedriver.StorageDriver = &driver{}

type driver struct {
	S3                S3Client
	Bucket            string
	ChunkSize         int64
	CopyThresholdSize int64
	Encrypt           bool
	KeyID             string
	RootDirectory     string
	StorageClass      string
	ObjectACL         string
	RedirectExpiry    time.Duration
	pool              *sync.Pool
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by Amazon S3
// Objects are stored at absolute keys in the provided bucket.
type Driver struct {
	baseEmbed
}

// FromParameters constructs a new Driver with a given parameters map.
// Required parameters:
// - bucket
// - region, unless regionendpoint is set
//
// Sizes (chunksize, copythresholdsize) accept either a byte count or a
// human readable size such as "10MB".
func FromParameters(ctx context.Context, parameters map[string]any) (*Driver, error) {
	params := DriverParameters{
		Secure:       true,
		StorageClass: s3.StorageClassStandard,
		ObjectACL:    s3.ObjectCannedACLPrivate,
	}
	decoded := make(map[string]any, len(parameters))
	for k, v := range parameters {
		decoded[k] = v
	}
	delete(decoded, "chunksize")
	delete(decoded, "copythresholdsize")
	delete(decoded, "redirectexpiry")
	if err := mapstructure.WeakDecode(decoded, &params); err != nil {
		return nil, fmt.Errorf("invalid s3 parameters: %w", err)
	}

	if params.Bucket == "" {
		return nil, fmt.Errorf("no bucket parameter provided")
	}

	// Don't check the region value if a custom endpoint is provided.
	if params.RegionEndpoint == "" {
		if params.Region == "" {
			return nil, fmt.Errorf("no region parameter provided")
		}
		if _, ok := validRegions[params.Region]; !ok {
			return nil, fmt.Errorf("invalid region provided: %v", params.Region)
		}
	}

	// All valid storage class parameters are UPPERCASE, so be a bit more flexible here
	params.StorageClass = strings.ToUpper(params.StorageClass)
	if _, ok := validStorageClasses[params.StorageClass]; !ok {
		return nil, fmt.Errorf("the storageclass parameter %q is not supported", params.StorageClass)
	}

	if _, ok := validObjectACLs[params.ObjectACL]; !ok {
		return nil, fmt.Errorf("invalid value for objectacl parameter: %v", params.ObjectACL)
	}

	var err error
	params.ChunkSize, err = sizeParameter(parameters, "chunksize", defaultChunkSize, minChunkSize, maxChunkSize)
	if err != nil {
		return nil, err
	}
	params.CopyThresholdSize, err = sizeParameter(parameters, "copythresholdsize", defaultCopyThresholdSize, 0, maxChunkSize)
	if err != nil {
		return nil, err
	}

	params.RedirectExpiry = defaultRedirectExpiry
	if v, ok := parameters["redirectexpiry"]; ok && v != nil {
		params.RedirectExpiry, err = time.ParseDuration(fmt.Sprint(v))
		if err != nil || params.RedirectExpiry <= 0 {
			return nil, fmt.Errorf("the redirectexpiry parameter must be a positive duration, %v invalid", v)
		}
	}

	return New(ctx, params)
}

// sizeParameter reads a byte size parameter which may be given as an
// integer or as a datasize string.
func sizeParameter(parameters map[string]any, name string, defaultValue, minValue, maxValue int64) (int64, error) {
	v := defaultValue
	switch p := parameters[name].(type) {
	case nil:
	case string:
		size, err := datasize.ParseString(p)
		if err != nil {
			return 0, fmt.Errorf("%s parameter must be a size, %v invalid", name, p)
		}
		v = int64(size.Bytes())
	case int:
		v = int64(p)
	case int64:
		v = p
	case uint64:
		v = int64(p)
	case float64:
		v = int64(p)
	default:
		return 0, fmt.Errorf("%s parameter must be a size, %v invalid", name, p)
	}
	if v < minValue || v > maxValue {
		return 0, fmt.Errorf("the %s %d parameter should be a number between %d and %d (inclusive)", name, v, minValue, maxValue)
	}
	return v, nil
}

// New constructs a new Driver with the given AWS credentials, region,
// encryption flag, and bucket name.
func New(ctx context.Context, params DriverParameters) (*Driver, error) {
	awsConfig := aws.NewConfig()

	if params.AccessKey != "" && params.SecretKey != "" {
		awsConfig.WithCredentials(credentials.NewStaticCredentials(
			params.AccessKey,
			params.SecretKey,
			params.SessionToken,
		))
	}

	if params.RegionEndpoint != "" {
		awsConfig.WithEndpoint(params.RegionEndpoint)
	}

	awsConfig.WithS3ForcePathStyle(params.ForcePathStyle)
	awsConfig.WithRegion(params.Region)
	awsConfig.WithDisableSSL(!params.Secure)

	if params.SkipVerify {
		httpTransport := http.DefaultTransport.(*http.Transport).Clone()
		httpTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		awsConfig.WithHTTPClient(&http.Client{
			Transport: httpTransport,
		})
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create new session with aws config: %v", err)
	}

	if params.UserAgent != "" {
		sess.Handlers.Build.PushBack(request.MakeAddToUserAgentFreeFormHandler(params.UserAgent))
	}

	return newDriver(s3.New(sess), params), nil
}

func newDriver(client S3Client, params DriverParameters) *Driver {
	if params.ChunkSize == 0 {
		params.ChunkSize = defaultChunkSize
	}
	if params.RedirectExpiry == 0 {
		params.RedirectExpiry = defaultRedirectExpiry
	}

	d := &driver{
		S3:                client,
		Bucket:            params.Bucket,
		ChunkSize:         params.ChunkSize,
		CopyThresholdSize: params.CopyThresholdSize,
		Encrypt:           params.Encrypt,
		KeyID:             params.KeyID,
		RootDirectory:     params.RootDirectory,
		StorageClass:      params.StorageClass,
		ObjectACL:         params.ObjectACL,
		RedirectExpiry:    params.RedirectExpiry,
		pool: &sync.Pool{
			New: func() any { return &bytes.Buffer{} },
		},
	}

	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: d,
			},
		},
	}
}

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	reader, err := d.Reader(ctx, path, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, path string, contents []byte) error {
	_, err := d.S3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(path)),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
		Body:                 bytes.NewReader(contents),
	})
	return parseError(path, err)
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	resp, err := d.S3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
		Range:  aws.String("bytes=" + strconv.FormatInt(offset, 10) + "-"),
	})
	if err != nil {
		if s3Err, ok := err.(awserr.Error); ok && s3Err.Code() == "InvalidRange" {
			return io.NopCloser(bytes.NewReader(nil)), nil
		}

		return nil, parseError(path, err)
	}
	return resp.Body, nil
}

// Writer starts a multipart upload at path. Parts are uploaded as the buffer
// fills and the object appears only once Commit completes the upload.
func (d *driver) Writer(ctx context.Context, path string) (storagedriver.FileWriter, error) {
	key := d.s3Path(path)
	resp, err := d.S3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(key),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		ServerSideEncryption: d.getEncryptionMode(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		StorageClass:         d.getStorageClass(),
	})
	if err != nil {
		return nil, parseError(path, err)
	}
	return &writer{
		ctx:      ctx,
		driver:   d,
		key:      key,
		uploadID: aws.StringValue(resp.UploadId),
		buf:      d.pool.Get().(*bytes.Buffer),
	}, nil
}

// Stat retrieves the FileInfo for the given path, including the current size
// in bytes and the creation time.
func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	resp, err := d.S3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.Bucket),
		Key:    aws.String(d.s3Path(path)),
	})
	if err == nil {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    path,
			Size:    aws.Int64Value(resp.ContentLength),
			ModTime: aws.TimeValue(resp.LastModified),
		}}, nil
	}

	// HeadObject reports NotFound for a key with nested keys, and Forbidden
	// when IAM allows List but not Head. Fall back to listing in both cases.
	var awsErr awserr.Error
	if !errors.As(err, &awsErr) {
		return nil, err
	}

	prefix := d.s3Path(path)
	list, err := d.S3.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(d.Bucket),
		Prefix:  aws.String(prefix + "/"),
		MaxKeys: aws.Int64(1),
	})
	if err != nil {
		return nil, parseError(path, err)
	}
	if len(list.Contents) == 0 {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
		Path:  path,
		IsDir: true,
	}}, nil
}

// List returns a list of the objects that are direct descendants of the given path.
func (d *driver) List(ctx context.Context, opath string) ([]string, error) {
	path := opath
	if path != "/" && !strings.HasSuffix(path, "/") {
		path += "/"
	}

	// With an empty root there is no prefix to replace, so results need a
	// leading slash to remain valid driver paths.
	prefix := ""
	if d.s3Path("") == "" {
		prefix = "/"
	}

	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.Bucket),
		Prefix:    aws.String(d.s3Path(path)),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int64(listMax),
	}

	var files, directories []string
	for {
		resp, err := d.S3.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return nil, parseError(opath, err)
		}

		for _, key := range resp.Contents {
			files = append(files, strings.Replace(aws.StringValue(key.Key), d.s3Path(""), prefix, 1))
		}

		for _, commonPrefix := range resp.CommonPrefixes {
			p := strings.TrimSuffix(aws.StringValue(commonPrefix.Prefix), "/")
			directories = append(directories, strings.Replace(p, d.s3Path(""), prefix, 1))
		}

		if !aws.BoolValue(resp.IsTruncated) {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}

	if opath != "/" && len(files) == 0 && len(directories) == 0 {
		// Treat empty response as missing directory, since we don't actually
		// have directories in s3.
		return nil, storagedriver.PathNotFoundError{Path: opath}
	}

	return append(files, directories...), nil
}

// Move moves an object stored at sourcePath to destPath, removing the original
// object. S3 has no rename, so this is a copy followed by a delete.
func (d *driver) Move(ctx context.Context, sourcePath, destPath string) error {
	if err := d.copy(ctx, sourcePath, destPath); err != nil {
		return err
	}
	return d.Delete(ctx, sourcePath)
}

// copy copies an object stored at sourcePath to destPath. Objects larger
// than CopyThresholdSize are copied part by part since a single PUT Object -
// Copy is limited to 5GB.
func (d *driver) copy(ctx context.Context, sourcePath, destPath string) error {
	fileInfo, err := d.Stat(ctx, sourcePath)
	if err != nil {
		return parseError(sourcePath, err)
	}
	source := aws.String(d.Bucket + "/" + d.s3Path(sourcePath))

	if fileInfo.Size() <= d.CopyThresholdSize {
		_, err := d.S3.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
			Bucket:               aws.String(d.Bucket),
			Key:                  aws.String(d.s3Path(destPath)),
			ContentType:          d.getContentType(),
			ACL:                  d.getACL(),
			ServerSideEncryption: d.getEncryptionMode(),
			SSEKMSKeyId:          d.getSSEKMSKeyID(),
			StorageClass:         d.getStorageClass(),
			CopySource:           source,
		})
		return parseError(sourcePath, err)
	}

	createResp, err := d.S3.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(d.Bucket),
		Key:                  aws.String(d.s3Path(destPath)),
		ContentType:          d.getContentType(),
		ACL:                  d.getACL(),
		SSEKMSKeyId:          d.getSSEKMSKeyID(),
		ServerSideEncryption: d.getEncryptionMode(),
		StorageClass:         d.getStorageClass(),
	})
	if err != nil {
		return err
	}

	var parts []*s3.CompletedPart
	for first := int64(0); first < fileInfo.Size(); first += d.ChunkSize {
		last := min(first+d.ChunkSize, fileInfo.Size()) - 1
		partNumber := aws.Int64(int64(len(parts)) + 1)
		resp, err := d.S3.UploadPartCopyWithContext(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(d.Bucket),
			CopySource:      source,
			Key:             aws.String(d.s3Path(destPath)),
			PartNumber:      partNumber,
			UploadId:        createResp.UploadId,
			CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", first, last)),
		})
		if err != nil {
			d.abort(ctx, d.s3Path(destPath), aws.StringValue(createResp.UploadId))
			return err
		}
		parts = append(parts, &s3.CompletedPart{ETag: resp.CopyPartResult.ETag, PartNumber: partNumber})
	}

	_, err = d.S3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.Bucket),
		Key:             aws.String(d.s3Path(destPath)),
		UploadId:        createResp.UploadId,
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	return err
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
// S3 does not guarantee read after delete consistency.
func (d *driver) Delete(ctx context.Context, path string) error {
	s3Path := d.s3Path(path)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.Bucket),
		Prefix: aws.String(s3Path),
	}

	deleted := 0
	for {
		resp, err := d.S3.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return parseError(path, err)
		}

		objects := make([]*s3.ObjectIdentifier, 0, len(resp.Contents))
		for _, key := range resp.Contents {
			k := aws.StringValue(key.Key)
			// Deleting "/a" must not delete "/ab".
			if len(k) > len(s3Path) && k[len(s3Path)] != '/' {
				continue
			}
			objects = append(objects, &s3.ObjectIdentifier{Key: key.Key})
		}

		// An empty delete request gets a cryptic error from S3.
		if len(objects) > 0 {
			out, err := d.S3.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(d.Bucket),
				Delete: &s3.Delete{
					Objects: objects,
					Quiet:   aws.Bool(false),
				},
			})
			if err != nil {
				return err
			}
			if len(out.Errors) > 0 {
				errs := make([]error, 0, len(out.Errors))
				for _, e := range out.Errors {
					errs = append(errs, errors.New(e.String()))
				}
				return storagedriver.Errors{
					DriverName: driverName,
					Errs:       errs,
				}
			}
			deleted += len(objects)
		}

		if !aws.BoolValue(resp.IsTruncated) {
			break
		}
		input.ContinuationToken = resp.NextContinuationToken
	}

	if deleted == 0 {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return nil
}

// RedirectURL returns a presigned URL which may be used to retrieve the
// content stored at the given path.
func (d *driver) RedirectURL(r *http.Request, path string) (string, error) {
	presigner, ok := d.S3.(interface {
		GetObjectRequest(*s3.GetObjectInput) (*request.Request, *s3.GetObjectOutput)
		HeadObjectRequest(*s3.HeadObjectInput) (*request.Request, *s3.HeadObjectOutput)
	})
	if !ok {
		return "", nil
	}

	var req *request.Request
	switch r.Method {
	case http.MethodGet:
		req, _ = presigner.GetObjectRequest(&s3.GetObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
	case http.MethodHead:
		req, _ = presigner.HeadObjectRequest(&s3.HeadObjectInput{
			Bucket: aws.String(d.Bucket),
			Key:    aws.String(d.s3Path(path)),
		})
	default:
		return "", nil
	}

	return req.Presign(d.RedirectExpiry)
}

// Walk traverses the bucket below path, calling f on each file and
// directory.
func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, path, f)
}

func (d *driver) s3Path(path string) string {
	return strings.TrimLeft(strings.TrimRight(d.RootDirectory, "/")+path, "/")
}

func (d *driver) abort(ctx context.Context, key, uploadID string) error {
	_, err := d.S3.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

func parseError(path string, err error) error {
	if s3Err, ok := err.(awserr.Error); ok && (s3Err.Code() == s3.ErrCodeNoSuchKey || s3Err.Code() == "NotFound") {
		return storagedriver.PathNotFoundError{Path: path}
	}

	return err
}

func (d *driver) getEncryptionMode() *string {
	if !d.Encrypt {
		return nil
	}
	if d.KeyID == "" {
		return aws.String("AES256")
	}
	return aws.String("aws:kms")
}

func (d *driver) getSSEKMSKeyID() *string {
	if d.KeyID != "" {
		return aws.String(d.KeyID)
	}
	return nil
}

func (d *driver) getContentType() *string {
	return aws.String("application/octet-stream")
}

func (d *driver) getACL() *string {
	return aws.String(d.ObjectACL)
}

func (d *driver) getStorageClass() *string {
	if d.StorageClass == noStorageClass || d.StorageClass == "" {
		return nil
	}
	return aws.String(d.StorageClass)
}

// writer uploads parts to S3 in a buffered fashion where the length of each
// part is driver.ChunkSize, excluding the last part which may be smaller.
type writer struct {
	ctx       context.Context
	driver    *driver
	key       string
	uploadID  string
	parts     []*s3.CompletedPart
	size      int64
	buf       *bytes.Buffer
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if err := w.done(); err != nil {
		return 0, err
	}

	n, _ := w.buf.Write(p)

	for int64(w.buf.Len()) >= w.driver.ChunkSize {
		if err := w.flush(); err != nil {
			return 0, fmt.Errorf("flush: %w", err)
		}
	}
	return n, nil
}

func (w *writer) Size() int64 {
	return w.size + int64(w.buf.Len())
}

// Close releases the buffer. An uncommitted upload is aborted so no object
// appears at the key.
func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	defer w.releaseBuffer()

	if w.committed || w.cancelled {
		return nil
	}
	return w.driver.abort(w.ctx, w.key, w.uploadID)
}

func (w *writer) releaseBuffer() {
	w.buf.Reset()
	w.driver.pool.Put(w.buf)
}

// Cancel aborts the multipart upload.
func (w *writer) Cancel(ctx context.Context) error {
	if err := w.done(); err != nil {
		return err
	}

	w.cancelled = true
	return w.driver.abort(ctx, w.key, w.uploadID)
}

// Commit flushes any remaining data in the buffer and completes the multipart
// upload.
func (w *writer) Commit(ctx context.Context) error {
	if err := w.done(); err != nil {
		return err
	}

	for w.buf.Len() > 0 {
		if err := w.flush(); err != nil {
			return err
		}
	}

	w.committed = true

	// Completing an upload with no parts is rejected, so an empty object
	// is written as a single empty part.
	if len(w.parts) == 0 {
		resp, err := w.driver.S3.UploadPartWithContext(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(w.driver.Bucket),
			Key:        aws.String(w.key),
			PartNumber: aws.Int64(1),
			UploadId:   aws.String(w.uploadID),
			Body:       bytes.NewReader(nil),
		})
		if err != nil {
			return err
		}
		w.parts = append(w.parts, &s3.CompletedPart{ETag: resp.ETag, PartNumber: aws.Int64(1)})
	}

	sort.Slice(w.parts, func(i, j int) bool {
		return aws.Int64Value(w.parts[i].PartNumber) < aws.Int64Value(w.parts[j].PartNumber)
	})

	if _, err := w.driver.S3.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.driver.Bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: w.parts},
	}); err != nil {
		if aErr := w.driver.abort(ctx, w.key, w.uploadID); aErr != nil {
			return errors.Join(err, aErr)
		}
		return err
	}
	return nil
}

// flush uploads at most driver.ChunkSize bytes of the buffer as the next part.
func (w *writer) flush() error {
	if w.buf.Len() == 0 {
		return nil
	}

	r := bytes.NewReader(w.buf.Next(int(w.driver.ChunkSize)))
	partSize := r.Len()
	partNumber := aws.Int64(int64(len(w.parts)) + 1)

	resp, err := w.driver.S3.UploadPartWithContext(w.ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.driver.Bucket),
		Key:        aws.String(w.key),
		PartNumber: partNumber,
		UploadId:   aws.String(w.uploadID),
		Body:       r,
	})
	if err != nil {
		return fmt.Errorf("upload part: %w", err)
	}

	w.parts = append(w.parts, &s3.CompletedPart{ETag: resp.ETag, PartNumber: partNumber})
	w.size += int64(partSize)
	return nil
}

// done returns an error if the writer is in an invalid state.
func (w *writer) done() error {
	switch {
	case w.closed:
		return fmt.Errorf("already closed")
	case w.committed:
		return fmt.Errorf("already committed")
	case w.cancelled:
		return fmt.Errorf("already cancelled")
	}
	return nil
}
