package storage

import (
	"context"
	"crypto/sha256"
	"encoding"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"

	"github.com/quay/distribution"
	"github.com/quay/distribution/internal/dcontext"
	"github.com/quay/distribution/internal/uuid"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// ErrRangeMismatch is returned when a chunk would leave a gap: it starts
// beyond the bytes already received.
type ErrRangeMismatch struct {
	Start  int64
	Length int64
}

func (err ErrRangeMismatch) Error() string {
	return fmt.Sprintf("chunk starts at offset %d but the upload holds %d bytes", err.Start, err.Length)
}

// ErrDigestMismatch is returned when committed content does not hash to the
// digest the client supplied. Actual is empty when the algorithm can only be
// verified, not recomputed.
type ErrDigestMismatch struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (err ErrDigestMismatch) Error() string {
	if err.Actual == "" {
		return fmt.Sprintf("content does not match digest %s", err.Expected)
	}
	return fmt.Sprintf("content digest %s does not match %s", err.Actual, err.Expected)
}

// ErrUploadBusy is returned when a session is already being written by
// another request.
var ErrUploadBusy = errors.New("upload session is in use")

// metadataChunks is the storage metadata key listing a session's chunks as
// comma separated seq:offset:size triples.
const metadataChunks = "chunks"

type chunk struct {
	seq    int
	offset int64
	size   int64
}

func readChunks(md map[string]string) ([]chunk, error) {
	v := md[metadataChunks]
	if v == "" {
		return nil, nil
	}

	var chunks []chunk
	for _, field := range strings.Split(v, ",") {
		parts := strings.Split(field, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed chunk entry %q", field)
		}
		seq, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed chunk entry %q: %w", field, err)
		}
		offset, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chunk entry %q: %w", field, err)
		}
		size, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chunk entry %q: %w", field, err)
		}
		chunks = append(chunks, chunk{seq: seq, offset: offset, size: size})
	}
	return chunks, nil
}

func writeChunks(md map[string]string, chunks []chunk) {
	fields := make([]string, len(chunks))
	for i, c := range chunks {
		fields[i] = fmt.Sprintf("%d:%d:%d", c.seq, c.offset, c.size)
	}
	md[metadataChunks] = strings.Join(fields, ",")
}

// CommittedBlob describes content promoted to its CAS path.
type CommittedBlob struct {
	Digest   digest.Digest
	Size     int64
	Location string

	// UncompressedSize is set when the content is gzip data.
	UncompressedSize *int64
}

// BlobUploader manages chunked upload sessions. Session state lives in a
// distribution.BlobUpload owned by the caller, which persists it after each
// call; the uploader only touches backend objects.
type BlobUploader struct {
	storage *DistributedStorage

	mu     sync.Mutex
	active map[string]struct{}
}

// NewBlobUploader returns an uploader placing sessions in storage.
func NewBlobUploader(storage *DistributedStorage) *BlobUploader {
	return &BlobUploader{
		storage: storage,
		active:  make(map[string]struct{}),
	}
}

func (u *BlobUploader) acquire(uploadID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.active[uploadID]; ok {
		return ErrUploadBusy
	}
	u.active[uploadID] = struct{}{}
	return nil
}

func (u *BlobUploader) release(uploadID string) {
	u.mu.Lock()
	delete(u.active, uploadID)
	u.mu.Unlock()
}

// StartUpload allocates a new session id in the preferred location and
// returns the initial storage metadata for it.
func (u *BlobUploader) StartUpload(ctx context.Context) (uploadID, location string, metadata map[string]string) {
	uploadID = uuid.NewString()
	location = u.storage.PreferredLocation()
	dcontext.GetLoggerWithField(ctx, "upload.id", uploadID).Debugf("starting upload in %s", location)
	return uploadID, location, map[string]string{metadataChunks: ""}
}

// WriteChunk stores the bytes of r at offset start of the session. A start
// beyond the received length is rejected; a start inside it discards
// everything from start on before appending. The session fields are updated
// in place and the number of bytes read from r is returned.
func (u *BlobUploader) WriteChunk(ctx context.Context, upload *distribution.BlobUpload, start int64, r io.Reader) (int64, error) {
	if err := u.acquire(upload.UploadID); err != nil {
		return 0, err
	}
	defer u.release(upload.UploadID)

	if start < 0 || start > upload.ByteCount {
		return 0, ErrRangeMismatch{Start: start, Length: upload.ByteCount}
	}

	d, err := u.storage.Driver(upload.Location)
	if err != nil {
		return 0, err
	}
	if upload.StorageMetadata == nil {
		upload.StorageMetadata = make(map[string]string)
	}
	chunks, err := readChunks(upload.StorageMetadata)
	if err != nil {
		return 0, err
	}

	var h hash.Hash
	if start == upload.ByteCount {
		h, err = restoreHash(upload.ShaState)
	} else {
		h, err = hashPrefix(ctx, d, upload.UploadID, chunks, start)
	}
	if err != nil {
		return 0, err
	}

	seq := upload.ChunkCount
	fw, err := d.Writer(ctx, chunkPath(upload.UploadID, seq))
	if err != nil {
		return 0, err
	}
	defer fw.Close()

	n, err := io.Copy(io.MultiWriter(fw, h), r)
	if err != nil || n == 0 {
		if cErr := fw.Cancel(ctx); cErr != nil {
			dcontext.GetLogger(ctx).WithError(cErr).Warn("canceling chunk write")
		}
		if err != nil {
			return n, err
		}
	} else if err := fw.Commit(ctx); err != nil {
		return 0, err
	}

	kept, err := truncateChunks(ctx, d, upload.UploadID, chunks, start)
	if err != nil {
		return n, err
	}
	if n > 0 {
		kept = append(kept, chunk{seq: seq, offset: start, size: n})
		upload.ChunkCount++
	}

	state, err := h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return n, err
	}

	writeChunks(upload.StorageMetadata, kept)
	upload.ByteCount = start + n
	upload.ShaState = state
	return n, nil
}

// Commit verifies the session's content against expected and promotes it to
// the blob's CAS path. Content already present at the path is left as is.
// Chunk objects are removed once the blob is in place.
func (u *BlobUploader) Commit(ctx context.Context, upload *distribution.BlobUpload, expected digest.Digest) (*CommittedBlob, error) {
	if err := u.acquire(upload.UploadID); err != nil {
		return nil, err
	}
	defer u.release(upload.UploadID)

	if err := expected.Validate(); err != nil {
		return nil, err
	}

	d, err := u.storage.Driver(upload.Location)
	if err != nil {
		return nil, err
	}
	chunks, err := readChunks(upload.StorageMetadata)
	if err != nil {
		return nil, err
	}

	// The running sha256 state settles the common case without a reread.
	if expected.Algorithm() == digest.SHA256 {
		h, err := restoreHash(upload.ShaState)
		if err != nil {
			return nil, err
		}
		if actual := digest.NewDigest(digest.SHA256, h); actual != expected {
			return nil, ErrDigestMismatch{Expected: expected, Actual: actual}
		}
	}

	blobPath := BlobPath(expected)
	var sink io.Writer = io.Discard
	var fw storagedriver.FileWriter
	if _, err := d.Stat(ctx, blobPath); storagedriver.IsPathNotFound(err) {
		fw, err = d.Writer(ctx, blobPath)
		if err != nil {
			return nil, err
		}
		defer fw.Close()
		sink = fw
	} else if err != nil {
		return nil, err
	}

	verifier := expected.Verifier()
	counter := newUncompressedCounter()
	err = copyChunks(ctx, d, upload.UploadID, chunks, io.MultiWriter(sink, verifier, counter))
	uncompressed := counter.Close()
	if err == nil && !verifier.Verified() {
		err = ErrDigestMismatch{Expected: expected}
	}
	if err != nil {
		if fw != nil {
			if cErr := fw.Cancel(ctx); cErr != nil {
				dcontext.GetLogger(ctx).WithError(cErr).Warnf("canceling write of %s", blobPath)
			}
		}
		return nil, err
	}
	if fw != nil {
		if err := fw.Commit(ctx); err != nil {
			return nil, err
		}
	}

	if err := d.Delete(ctx, uploadPath(upload.UploadID)); err != nil && !storagedriver.IsPathNotFound(err) {
		dcontext.GetLogger(ctx).WithError(err).Warnf("removing chunks of upload %s", upload.UploadID)
	}

	return &CommittedBlob{
		Digest:           expected,
		Size:             upload.ByteCount,
		Location:         upload.Location,
		UncompressedSize: uncompressed,
	}, nil
}

// Cancel removes every chunk of the session.
func (u *BlobUploader) Cancel(ctx context.Context, upload *distribution.BlobUpload) error {
	if err := u.acquire(upload.UploadID); err != nil {
		return err
	}
	defer u.release(upload.UploadID)

	d, err := u.storage.Driver(upload.Location)
	if err != nil {
		return err
	}
	if err := d.Delete(ctx, uploadPath(upload.UploadID)); err != nil && !storagedriver.IsPathNotFound(err) {
		return err
	}
	return nil
}

func restoreHash(state []byte) (hash.Hash, error) {
	h := sha256.New()
	if len(state) == 0 {
		return h, nil
	}
	if err := h.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("restoring upload hash state: %w", err)
	}
	return h, nil
}

// hashPrefix rehashes the first length bytes of the session from storage.
func hashPrefix(ctx context.Context, d storagedriver.StorageDriver, uploadID string, chunks []chunk, length int64) (hash.Hash, error) {
	h := sha256.New()
	var prefix []chunk
	for _, c := range chunks {
		if c.offset >= length {
			continue
		}
		c.size = min(c.size, length-c.offset)
		prefix = append(prefix, c)
	}
	if err := copyChunks(ctx, d, uploadID, prefix, h); err != nil {
		return nil, err
	}
	return h, nil
}

func copyChunks(ctx context.Context, d storagedriver.StorageDriver, uploadID string, chunks []chunk, w io.Writer) error {
	for _, c := range chunks {
		rc, err := d.Reader(ctx, chunkPath(uploadID, c.seq), 0)
		if err != nil {
			return err
		}
		_, err = io.CopyN(w, rc, c.size)
		rc.Close()
		if err != nil {
			return fmt.Errorf("reading chunk %d of upload %s: %w", c.seq, uploadID, err)
		}
	}
	return nil
}

// truncateChunks drops all data at or after offset, rewriting the chunk
// that straddles it.
func truncateChunks(ctx context.Context, d storagedriver.StorageDriver, uploadID string, chunks []chunk, offset int64) ([]chunk, error) {
	var kept []chunk
	for _, c := range chunks {
		switch {
		case c.offset+c.size <= offset:
			kept = append(kept, c)
		case c.offset >= offset:
			if err := d.Delete(ctx, chunkPath(uploadID, c.seq)); err != nil && !storagedriver.IsPathNotFound(err) {
				return nil, err
			}
		default:
			p, err := d.GetContent(ctx, chunkPath(uploadID, c.seq))
			if err != nil {
				return nil, err
			}
			c.size = offset - c.offset
			if err := d.PutContent(ctx, chunkPath(uploadID, c.seq), p[:c.size]); err != nil {
				return nil, err
			}
			kept = append(kept, c)
		}
	}
	return kept, nil
}

// uncompressedCounter measures the decompressed length of gzip data
// written to it. Non-gzip data yields no size.
type uncompressedCounter struct {
	pw     *io.PipeWriter
	done   chan struct{}
	closed bool
	n      int64
	ok     bool
}

func newUncompressedCounter() *uncompressedCounter {
	pr, pw := io.Pipe()
	c := &uncompressedCounter{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		zr, err := gzip.NewReader(pr)
		if err == nil {
			c.n, err = io.Copy(io.Discard, zr)
			c.ok = err == nil
		}
		// Keep consuming so writes never block on a failed decode.
		_, _ = io.Copy(io.Discard, pr)
	}()
	return c
}

func (c *uncompressedCounter) Write(p []byte) (int, error) {
	_, _ = c.pw.Write(p)
	return len(p), nil
}

// Close ends the input and returns the decompressed size, or nil.
func (c *uncompressedCounter) Close() *int64 {
	if !c.closed {
		c.closed = true
		c.pw.Close()
		<-c.done
	}
	if !c.ok {
		return nil
	}
	n := c.n
	return &n
}
