// Package checkout materializes cached images on disk. Every image manifest
// reached from the root gets a directory named after its position in the
// manifest tree, and every layer of it a numbered subdirectory:
//
//	<out>/<ref>/<position...>/<layer>
//
// Checkout only reads the cache; it never contacts a registry.
package checkout

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/cache"
	"imagecache/pkg/errdefs"
	"imagecache/pkg/manifest"
	"imagecache/pkg/reference"
	"imagecache/pkg/walk"
)

// Extractor checks images out of a cache.
type Extractor struct {
	store *cache.Cache
	log   logrus.FieldLogger
}

// New returns an Extractor reading from store.
func New(store *cache.Cache, logger logrus.FieldLogger) *Extractor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Extractor{store: store, log: logger.WithField("component", "checkout")}
}

// ImageDir returns the directory for the image manifest at position path.
func ImageDir(outputRoot string, ref reference.Reference, path []int) string {
	parts := []string{outputRoot, ref.Path()}
	for _, p := range path {
		parts = append(parts, strconv.Itoa(p))
	}
	return filepath.Join(parts...)
}

// Checkout extracts ref below outputRoot. List entries whose manifests are
// not cached are skipped; a non-nil platform restricts entries further. It
// fails if no image manifest ends up extracted. Partially written output is
// left in place on failure.
func (e *Extractor) Checkout(ctx context.Context, outputRoot string, ref reference.Reference, platform *ocispec.Platform) error {
	log := e.log.WithField("ref", ref.String())

	root, err := e.store.Manifest(ref)
	if err != nil {
		return fmt.Errorf("image %s is not cached: %w", ref, err)
	}

	var extracted atomic.Int32
	w := &walk.Walker{
		Platform:   platform,
		Sequential: true,
		Logger:     log,
		Load: func(ctx context.Context, node walk.Node) (manifest.Manifest, error) {
			return e.load(node.Descriptor)
		},
		Image: func(ctx context.Context, node walk.Node, img manifest.Image) error {
			if err := e.image(ctx, ImageDir(outputRoot, ref, node.Path), img, log); err != nil {
				return err
			}
			extracted.Add(1)
			return nil
		},
	}
	if err := w.Walk(ctx, root); err != nil {
		return fmt.Errorf("failed to check out %s: %w", ref, err)
	}

	if extracted.Load() == 0 {
		return errdefs.Cachef("no cached image manifest of %s matches %q: %w",
			ref, manifest.FormatPlatform(platform), errdefs.ErrNotFound)
	}
	return nil
}

func (e *Extractor) load(desc ocispec.Descriptor) (manifest.Manifest, error) {
	if !e.store.BlobExists(desc.Digest, desc.Size) {
		return nil, walk.ErrSkipEntry
	}
	b, err := e.store.BlobBytes(desc.Digest)
	if err != nil {
		return nil, err
	}
	return manifest.Parse(desc.MediaType, b)
}

// image extracts the layers of img in order, one directory per layer.
func (e *Extractor) image(ctx context.Context, dir string, img manifest.Image, log logrus.FieldLogger) error {
	for i, layer := range img.Layers() {
		dest := filepath.Join(dir, strconv.Itoa(i))
		layerLog := log.WithFields(logrus.Fields{"digest": layer.Digest, "path": dest})

		if err := e.layer(ctx, layer, dest, layerLog); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, layer.Digest, err)
		}
		layerLog.Info("extracted layer")
	}
	return nil
}

func (e *Extractor) layer(ctx context.Context, desc ocispec.Descriptor, dest string, log logrus.FieldLogger) error {
	rc, err := e.store.BlobReader(desc.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	lw := &layerWriter{dest: dest, log: log}
	return lw.apply(ctx, rc)
}
