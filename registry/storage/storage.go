// Package storage implements the content addressable blob store on top of
// one or more named storage drivers, together with chunked upload sessions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sort"

	"github.com/quay/distribution/internal/dcontext"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// ErrUnknownLocation is returned when an operation names a location that is
// not configured.
var ErrUnknownLocation = errors.New("unknown storage location")

// DistributedStorage maps location names to storage drivers. A blob may be
// held by several locations; reads probe the given locations in order and
// writes go to the first location that is configured.
type DistributedStorage struct {
	drivers   map[string]storagedriver.StorageDriver
	preferred []string
}

// NewDistributedStorage returns a storage over drivers. preferred orders the
// locations used for new content; locations missing from it follow in name
// order.
func NewDistributedStorage(drivers map[string]storagedriver.StorageDriver, preferred []string) (*DistributedStorage, error) {
	if len(drivers) == 0 {
		return nil, errors.New("at least one storage location is required")
	}

	order := make([]string, 0, len(drivers))
	for _, name := range preferred {
		if _, ok := drivers[name]; !ok {
			return nil, fmt.Errorf("%w: preferred location %q", ErrUnknownLocation, name)
		}
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}

	var rest []string
	for name := range drivers {
		if !slices.Contains(order, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)

	return &DistributedStorage{
		drivers:   drivers,
		preferred: append(order, rest...),
	}, nil
}

// Locations returns every configured location, preferred first.
func (s *DistributedStorage) Locations() []string {
	return slices.Clone(s.preferred)
}

// PreferredLocation is where new uploads are placed.
func (s *DistributedStorage) PreferredLocation() string {
	return s.preferred[0]
}

// Driver returns the driver serving location.
func (s *DistributedStorage) Driver(location string) (storagedriver.StorageDriver, error) {
	d, ok := s.drivers[location]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLocation, location)
	}
	return d, nil
}

// known filters locations down to configured ones, keeping their order.
func (s *DistributedStorage) known(locations []string) ([]string, error) {
	var out []string
	for _, l := range locations {
		if _, ok := s.drivers[l]; ok {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: none of %v", ErrUnknownLocation, locations)
	}
	return out, nil
}

// probe calls fn for each known location in turn until one does not
// report a missing path.
func (s *DistributedStorage) probe(locations []string, path string, fn func(storagedriver.StorageDriver) error) error {
	known, err := s.known(locations)
	if err != nil {
		return err
	}
	for _, l := range known {
		err = fn(s.drivers[l])
		if !storagedriver.IsPathNotFound(err) {
			return err
		}
	}
	return storagedriver.PathNotFoundError{Path: path}
}

// Exists reports whether path is present in any of locations.
func (s *DistributedStorage) Exists(ctx context.Context, locations []string, path string) (bool, error) {
	err := s.probe(locations, path, func(d storagedriver.StorageDriver) error {
		_, err := d.Stat(ctx, path)
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case storagedriver.IsPathNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Stat returns file information from the first location holding path.
func (s *DistributedStorage) Stat(ctx context.Context, locations []string, path string) (storagedriver.FileInfo, error) {
	var fi storagedriver.FileInfo
	err := s.probe(locations, path, func(d storagedriver.StorageDriver) (err error) {
		fi, err = d.Stat(ctx, path)
		return err
	})
	return fi, err
}

// GetContent reads path from the first location holding it.
func (s *DistributedStorage) GetContent(ctx context.Context, locations []string, path string) ([]byte, error) {
	var p []byte
	err := s.probe(locations, path, func(d storagedriver.StorageDriver) (err error) {
		p, err = d.GetContent(ctx, path)
		return err
	})
	return p, err
}

// Reader opens path at offset in the first location holding it.
func (s *DistributedStorage) Reader(ctx context.Context, locations []string, path string, offset int64) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.probe(locations, path, func(d storagedriver.StorageDriver) (err error) {
		rc, err = d.Reader(ctx, path, offset)
		return err
	})
	return rc, err
}

// PutContent writes p to path in the first configured location.
func (s *DistributedStorage) PutContent(ctx context.Context, locations []string, path string, p []byte) error {
	known, err := s.known(locations)
	if err != nil {
		return err
	}
	return s.drivers[known[0]].PutContent(ctx, path, p)
}

// StreamWrite copies r to path in the first configured location and
// returns the number of bytes written. Nothing is left at path if the copy
// fails.
func (s *DistributedStorage) StreamWrite(ctx context.Context, locations []string, path string, r io.Reader) (int64, error) {
	known, err := s.known(locations)
	if err != nil {
		return 0, err
	}

	fw, err := s.drivers[known[0]].Writer(ctx, path)
	if err != nil {
		return 0, err
	}
	defer fw.Close()

	n, err := io.Copy(fw, r)
	if err != nil {
		if cErr := fw.Cancel(ctx); cErr != nil {
			dcontext.GetLogger(ctx).WithError(cErr).Warnf("canceling write of %s", path)
		}
		return n, err
	}
	return n, fw.Commit(ctx)
}

// Remove deletes path from every one of locations. A location that does not
// hold the path is skipped.
func (s *DistributedStorage) Remove(ctx context.Context, locations []string, path string) error {
	known, err := s.known(locations)
	if err != nil {
		return err
	}

	var errs []error
	for _, l := range known {
		if err := s.drivers[l].Delete(ctx, path); err != nil && !storagedriver.IsPathNotFound(err) {
			errs = append(errs, fmt.Errorf("%s: %w", l, err))
		}
	}
	return errors.Join(errs...)
}

// GetDirectDownloadURL returns a URL from which the client of r may fetch
// path directly, or the empty string when no location offers one.
func (s *DistributedStorage) GetDirectDownloadURL(r *http.Request, locations []string, path string) (string, error) {
	known, err := s.known(locations)
	if err != nil {
		return "", err
	}

	for _, l := range known {
		u, err := s.drivers[l].RedirectURL(r, path)
		if err != nil {
			var unsupported storagedriver.ErrUnsupportedMethod
			if errors.As(err, &unsupported) {
				continue
			}
			return "", err
		}
		if u != "" {
			return u, nil
		}
	}
	return "", nil
}
