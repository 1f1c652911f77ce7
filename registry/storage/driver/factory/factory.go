package factory

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/quay/distribution/internal/uuid"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// driverFactories stores an internal mapping between storage driver names and their respective
// factories
var driverFactories = make(map[string]StorageDriverFactory)

// StorageDriverFactory is a factory interface for creating storagedriver.StorageDriver interfaces
// Storage drivers should call Register() with a factory to make the driver available by name
type StorageDriverFactory interface {
	// Create returns a new storagedriver.StorageDriver with the given parameters
	// Parameters will vary by driver and may be ignored
	// Each parameter key must only consist of lowercase letters and numbers
	Create(ctx context.Context, parameters map[string]interface{}) (storagedriver.StorageDriver, error)
}

// Register makes a storage driver available by the provided name.
// If Register is called twice with the same name or if driver factory is nil, it panics.
func Register(name string, factory StorageDriverFactory) {
	if factory == nil {
		panic("Must not provide nil StorageDriverFactory")
	}
	_, registered := driverFactories[name]
	if registered {
		panic(fmt.Sprintf("StorageDriverFactory named %s already registered", name))
	}

	driverFactories[name] = factory
}

// Create a new storagedriver.StorageDriver with the given name and
// parameters. To use a driver, the StorageDriverFactory must first be
// registered with the given name. If no drivers are found, an
// InvalidStorageDriverError is returned. The driver is probed with a write,
// read and delete of a scratch file before it is returned.
func Create(ctx context.Context, name string, parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	driverFactory, ok := driverFactories[name]
	if !ok {
		return nil, InvalidStorageDriverError{name}
	}
	d, err := driverFactory.Create(ctx, parameters)
	if err != nil {
		return nil, err
	}
	if err := verify(ctx, d); err != nil {
		return nil, fmt.Errorf("unable to verify read, write and delete permissions on storage type %q: %w", name, err)
	}
	return d, nil
}

// verify writes, reads back and deletes a scratch file.
func verify(ctx context.Context, driver storagedriver.StorageDriver) error {
	scratch := "/verify/" + uuid.NewString()
	if err := driver.PutContent(ctx, scratch, []byte("verify")); err != nil {
		return fmt.Errorf("unable to write verification file: %w", err)
	}

	// storage may be eventually consistent
	const max = 3 * time.Second
	for wait := 10 * time.Millisecond; ; wait = backOff(wait) {
		_, err := driver.GetContent(ctx, scratch)
		if err == nil {
			break
		}
		var pnf storagedriver.PathNotFoundError
		if !errors.As(err, &pnf) || wait >= max {
			return fmt.Errorf("unable to read verification file: %w", err)
		}
		time.Sleep(wait)
	}

	if err := driver.Delete(ctx, scratch); err != nil {
		return fmt.Errorf("unable to delete verification file: %w", err)
	}
	return nil
}

func backOff(d time.Duration) time.Duration {
	return 2*d + time.Duration(rand.Int64N(1000))*time.Microsecond
}

// InvalidStorageDriverError records an attempt to construct an unregistered storage driver
type InvalidStorageDriverError struct {
	Name string
}

func (err InvalidStorageDriverError) Error() string {
	return fmt.Sprintf("StorageDriver not registered: %s", err.Name)
}
