package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/config"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/harvester"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/metrics"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/selection"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/sink"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/storage"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/synthetics"
)

func newClient(cfg config.Config) *synthetics.Client {
	return synthetics.New(synthetics.Config{
		APIRoot:      cfg.API.RootURL(),
		TestType:     cfg.API.TestType,
		ArtifactType: cfg.API.ArtifactType,
	}, synthetics.NewHTTPFetcher(cfg.API.Token, cfg.API.Timeout))
}

// buildHarvester opens every backend named by cfg. The returned cleanup
// closes them in reverse order of opening. On error everything opened so far
// is already closed.
func buildHarvester(ctx context.Context, cfg config.Config) (*harvester.Harvester, func() error, error) {
	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	selector, err := selection.New(cfg.Harvest.SelectTests, cfg.Harvest.Rules)
	if err != nil {
		return nil, nil, err
	}

	store, err := checkpoint.NewStore(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("create checkpoint store: %w", err)
	}
	closers = append(closers, store.Close)

	archiveCfg := cfg.Archive
	if archiveCfg.Version == "" {
		archiveCfg.Version = harvester.Version
	}
	archive, err := storage.NewArchiveStore(ctx, archiveCfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create archive store: %w", err)
	}
	closers = append(closers, archive.Close)

	out, err := sink.New(ctx, cfg.Sink)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, out.Close)

	h := harvester.New(newClient(cfg), store, out, harvester.Options{
		OrgID:        cfg.API.OrgID,
		Realm:        cfg.API.Realm,
		PlatformRoot: cfg.API.PlatformURL(),
		Selector:     selector,
		Archive:      archive,
		Metrics:      metrics.Get(),
	})
	return h, cleanup, nil
}
