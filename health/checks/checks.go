package checks

import (
	"context"
	"errors"
	"os"

	"github.com/quay/distribution/health"
	storagedriver "github.com/quay/distribution/registry/storage/driver"
)

// FileChecker checks the existence of a file and returns an error
// if the file exists, taking the application out of rotation
func FileChecker(f string) health.Checker {
	return health.CheckFunc(func(context.Context) error {
		_, err := os.Stat(f)
		if err == nil {
			return errors.New("file exists")
		} else if os.IsNotExist(err) {
			return nil
		}

		return err
	})
}

// StorageDriverChecker stats the root of a storage location. A missing root
// is healthy: nothing has been written yet.
func StorageDriverChecker(driver storagedriver.StorageDriver) health.Checker {
	return health.CheckFunc(func(ctx context.Context) error {
		_, err := driver.Stat(ctx, "/")
		if errors.As(err, new(storagedriver.PathNotFoundError)) {
			err = nil
		}
		return err
	})
}

// PingChecker adapts a connection ping, such as a database's, to a check.
func PingChecker(ping func(context.Context) error) health.Checker {
	return health.CheckFunc(ping)
}
