package image

import (
	"context"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/cache"
	"imagecache/pkg/checkout"
	"imagecache/pkg/config"
	"imagecache/pkg/fetch"
	"imagecache/pkg/manifest"
	"imagecache/pkg/metrics"
	"imagecache/pkg/progress"
	"imagecache/pkg/reference"
	"imagecache/pkg/registry"
)

// Manager implements Service on top of a cache directory and a registry
// client.
type Manager struct {
	store     *cache.Cache
	fetcher   *fetch.Fetcher
	extractor *checkout.Extractor
	metrics   *metrics.Metrics
	log       logrus.FieldLogger
}

// NewManager opens the cache named by cfg, creating it if needed.
func NewManager(cfg *config.Config, logger logrus.FieldLogger) (*Manager, error) {
	if err := cfg.EnsureCacheDir(); err != nil {
		return nil, err
	}
	store, err := cache.New(cfg.CacheDir, logger)
	if err != nil {
		return nil, err
	}

	client := registry.New(cfg.RegistryOptions(logger))
	return &Manager{
		store: store,
		fetcher: fetch.New(client, store, fetch.Config{
			Concurrency: cfg.Concurrency,
			Reporter:    progress.NewLogReporter(logger),
			Logger:      logger,
		}),
		extractor: checkout.New(store, logger),
		metrics:   metrics.NewMetrics(logger),
		log:       logger,
	}, nil
}

func parseArgs(refString, platformString string) (reference.Reference, *ocispec.Platform, error) {
	ref, err := reference.Parse(refString)
	if err != nil {
		return reference.Reference{}, nil, err
	}
	platform, err := manifest.ParsePlatform(platformString)
	if err != nil {
		return reference.Reference{}, nil, err
	}
	return ref, platform, nil
}

// Fetch downloads an image and everything it references into the cache.
func (m *Manager) Fetch(ctx context.Context, refString, platformString string) error {
	ref, platform, err := parseArgs(refString, platformString)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer(m.log, fmt.Sprintf("fetch %s", ref))
	if err := m.fetcher.Fetch(ctx, ref, platform); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	timer.Stop()
	m.metrics.LogOperation("fetch", timer.Started())
	return nil
}

// Checkout extracts a cached image below outDir.
func (m *Manager) Checkout(ctx context.Context, refString, outDir, platformString string) error {
	ref, platform, err := parseArgs(refString, platformString)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer(m.log, fmt.Sprintf("checkout %s", ref))
	if err := m.extractor.Checkout(ctx, outDir, ref, platform); err != nil {
		return fmt.Errorf("failed to check out %s: %w", ref, err)
	}
	timer.Stop()
	m.metrics.LogOperation("checkout", timer.Started())
	return nil
}

// List returns the manifest index, ordered by reference.
func (m *Manager) List(ctx context.Context) ([]cache.IndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := m.store.Manifests()
	if err != nil {
		return nil, err
	}
	m.metrics.UpdateImageCount(len(entries))
	m.metrics.LogResourceUsage()
	return entries, nil
}

// Remove drops refString from the manifest index. Blobs stay in the cache.
func (m *Manager) Remove(ctx context.Context, refString string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref, err := reference.Parse(refString)
	if err != nil {
		return err
	}
	if err := m.store.RemoveManifest(ref); err != nil {
		return fmt.Errorf("failed to remove %s: %w", ref, err)
	}
	m.log.WithField("ref", ref.String()).Info("removed image")
	return nil
}
