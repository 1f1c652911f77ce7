package registry

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quay/distribution/configuration"
	"github.com/quay/distribution/internal/dcontext"
	v2 "github.com/quay/distribution/registry/api/v2"
	"github.com/quay/distribution/registry/gc"
	"github.com/quay/distribution/registry/handlers"
)

var (
	dryRun       bool
	gcRepository string
)

// GCCmd is the cobra command that corresponds to the garbage-collect subcommand
var GCCmd = &cobra.Command{
	Use:   "garbage-collect <config>",
	Short: "`garbage-collect` deletes expired tags and the manifests and blobs only they referenced",
	Long:  "`garbage-collect` deletes expired tags and the manifests and blobs only they referenced",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		ctx, err := configureLogging(dcontext.Background(), config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to configure logging with config: %s", err)
			os.Exit(1)
		}

		if err := garbageCollect(ctx, config, gcRepository, dryRun); err != nil {
			fmt.Fprintf(os.Stderr, "failed to garbage collect: %v", err)
			os.Exit(1)
		}
	},
}

// garbageCollect runs one collection pass outside the server: every
// repository holding garbage, or only repository when it is set.
func garbageCollect(ctx context.Context, config *configuration.Configuration, repository string, dryRun bool) error {
	// The pass runs here, not in the app's background worker.
	config.GC.Disabled = true

	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer app.Close()

	worker := gc.New(ctx, app.Store(), app.Uploader(), gc.Options{
		ScanLimit: config.GC.ScanLimit,
		DryRun:    dryRun,
	})
	defer worker.Close()

	log := dcontext.GetLogger(ctx)
	if repository == "" {
		n, err := worker.Scan(ctx)
		log.Infof("garbage collection visited %d repositories", n)
		return err
	}

	names := v2.NamePolicy{LibrarySupport: config.FeatureLibrarySupport}
	ns, name, err := names.SplitRepositoryName(repository)
	if err != nil {
		return fmt.Errorf("repository %q: %w", repository, err)
	}
	repo, err := app.Store().LookupRepository(ctx, ns, name)
	if err != nil {
		return fmt.Errorf("repository %q: %w", repository, err)
	}
	result, err := worker.CollectRepository(ctx, repo)
	if err != nil {
		return err
	}
	log.Infof("collected %d tags, %d manifests and %d blobs from %s", result.Tags, len(result.Manifests), len(result.Blobs), repository)
	return nil
}
