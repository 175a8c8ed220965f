package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/artifact-repo/backend"
	"github.com/wolfeidau/artifact-repo/backend/s3client"
	"github.com/wolfeidau/artifact-repo/config"
	"github.com/wolfeidau/artifact-repo/proxy"
	"github.com/wolfeidau/artifact-repo/telemetry"
)

// buildStack assembles storage, instrumentation, caching and virtual
// repositories, innermost first.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*proxy.Backend, error) {
	store, name, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	cached := backend.NewCached(backend.NewInstrumented(store, name), backend.CachedConfig{
		ListingEntries: cfg.Cache.ListingEntries,
		EntryEntries:   cfg.Cache.EntryEntries,
		TTL:            cfg.Cache.TTL,
		NegativeTTL:    cfg.Cache.NegativeTTL,
		Logger:         logger.With("component", "cache"),
	})

	repos := make([]proxy.Repository, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		repos = append(repos, proxy.Repository{Name: p.Name, Members: p.Repositories})
	}

	view, err := proxy.New(cached, repos,
		proxy.WithLogger(logger.With("component", "proxy")),
		proxy.WithMetadataCache(cfg.Cache.MetadataEntries, cfg.Cache.MetadataTTL, cfg.Cache.NegativeTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("creating virtual repositories: %w", err)
	}
	return view, nil
}

// openStorage returns the physical backend and its metrics label.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend.Backend, string, error) {
	if cfg.Storage.S3 == nil {
		fs, err := backend.NewFilesystem(cfg.Storage.Directory, cfg.Repositories)
		if err != nil {
			return nil, "", fmt.Errorf("creating filesystem backend: %w", err)
		}
		logger.Info("using filesystem storage", "root", fs.Root())
		return fs, "filesystem", nil
	}

	s3 := cfg.Storage.S3
	factory, err := s3client.NewFactory(s3client.Config{
		Endpoint:        s3.Endpoint,
		Bucket:          s3.Bucket,
		Region:          s3.Region,
		AccessKeyID:     s3.AccessKeyID,
		SecretAccessKey: s3.SecretAccessKey,
		Insecure:        s3.Insecure,
		Transport:       telemetry.NewInstrumentedTransport(nil, "s3"),
	})
	if err != nil {
		return nil, "", err
	}

	opts := []backend.ObjectOption{backend.WithObjectLogger(logger.With("component", "object"))}
	if cfg.Storage.SpoolDirectory != "" {
		opts = append(opts, backend.WithSpoolDir(cfg.Storage.SpoolDirectory))
	}
	obj, err := backend.NewObject(ctx, factory, cfg.Repositories, opts...)
	if err != nil {
		return nil, "", fmt.Errorf("creating object backend: %w", err)
	}
	logger.Info("using object storage", "endpoint", s3.Endpoint, "bucket", s3.Bucket)
	return obj, "s3", nil
}
