// Package inmemory provides a storage driver that keeps every object in
// process memory. It backs tests and single-process development setups.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/quay/distribution/registry/storage/driver"
	"github.com/quay/distribution/registry/storage/driver/base"
	"github.com/quay/distribution/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(ctx context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type object struct {
	data    []byte
	modTime time.Time
}

type driver struct {
	mu    sync.RWMutex
	files map[string]object
}

type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by a local
// map. Intended solely for example and testing purposes.
type Driver struct {
	baseEmbed // embedded, hidden base driver.
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new Driver.
func New() *Driver {
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{files: make(map[string]object)},
			},
		},
	}
}

func (d *driver) Name() string {
	return driverName
}

func (d *driver) GetContent(ctx context.Context, path string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	obj, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	return bytes.Clone(obj.data), nil
}

func (d *driver) PutContent(ctx context.Context, path string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isDir(path) {
		return fmt.Errorf("%q is a directory", path)
	}
	d.files[path] = object{data: bytes.Clone(content), modTime: time.Now()}
	return nil
}

func (d *driver) Reader(ctx context.Context, path string, offset int64) (io.ReadCloser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	obj, ok := d.files[path]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: path}
	}
	if offset > int64(len(obj.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: path, Offset: offset}
	}
	return io.NopCloser(bytes.NewReader(obj.data[offset:])), nil
}

func (d *driver) Writer(ctx context.Context, path string) (storagedriver.FileWriter, error) {
	return &writer{d: d, path: path}, nil
}

func (d *driver) Stat(ctx context.Context, path string) (storagedriver.FileInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if obj, ok := d.files[path]; ok {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    path,
			Size:    int64(len(obj.data)),
			ModTime: obj.modTime,
		}}, nil
	}
	if path == "/" || d.isDir(path) {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:  path,
			IsDir: true,
		}}, nil
	}
	return nil, storagedriver.PathNotFoundError{Path: path}
}

func (d *driver) List(ctx context.Context, path string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := map[string]struct{}{}
	for p := range d.files {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok {
			continue
		}
		child, _, _ := strings.Cut(rest, "/")
		seen[prefix+child] = struct{}{}
	}
	if len(seen) == 0 && path != "/" {
		if _, ok := d.files[path]; !ok {
			return nil, storagedriver.PathNotFoundError{Path: path}
		}
	}

	children := make([]string, 0, len(seen))
	for c := range seen {
		children = append(children, c)
	}
	sort.Strings(children)
	return children, nil
}

func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, ok := d.files[sourcePath]
	if !ok {
		return storagedriver.PathNotFoundError{Path: sourcePath}
	}
	obj.modTime = time.Now()
	d.files[destPath] = obj
	delete(d.files, sourcePath)
	return nil
}

func (d *driver) Delete(ctx context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	found := false
	if _, ok := d.files[path]; ok {
		delete(d.files, path)
		found = true
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			delete(d.files, p)
			found = true
		}
	}
	if !found {
		return storagedriver.PathNotFoundError{Path: path}
	}
	return nil
}

// RedirectURL returns an empty string; content is always served by the
// registry.
func (d *driver) RedirectURL(*http.Request, string) (string, error) {
	return "", nil
}

func (d *driver) Walk(ctx context.Context, path string, f storagedriver.WalkFn) error {
	return storagedriver.WalkFallback(ctx, d, path, f)
}

// isDir must be called with the lock held.
func (d *driver) isDir(path string) bool {
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range d.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

type writer struct {
	d         *driver
	path      string
	buf       bytes.Buffer
	closed    bool
	committed bool
	cancelled bool
}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}
	return w.buf.Write(p)
}

func (w *writer) Size() int64 {
	return int64(w.buf.Len())
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true
	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true
	w.buf.Reset()
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	w.committed = true
	return w.d.PutContent(ctx, w.path, w.buf.Bytes())
}
