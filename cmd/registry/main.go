package main

import (
	_ "net/http/pprof"

	"github.com/quay/distribution/registry"
	_ "github.com/quay/distribution/registry/storage/driver/filesystem"
	_ "github.com/quay/distribution/registry/storage/driver/inmemory"
	_ "github.com/quay/distribution/registry/storage/driver/s3-aws"
)

func main() {
	// nolint:errcheck
	registry.RootCmd.Execute()
}
