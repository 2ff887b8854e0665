// Package fetch pulls an image into the local cache: the root manifest, every
// child manifest selected by the platform filter, and all config and layer
// blobs, downloading independent pieces concurrently.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/cache"
	"imagecache/pkg/errdefs"
	"imagecache/pkg/manifest"
	"imagecache/pkg/progress"
	"imagecache/pkg/reference"
	"imagecache/pkg/registry"
	"imagecache/pkg/taskgroup"
	"imagecache/pkg/walk"
)

// DefaultConcurrency is the default number of simultaneous transfers.
const DefaultConcurrency = 4

// MaxManifestSize bounds how much of a manifest response is read.
const MaxManifestSize = 4 << 20

// Source is the registry side of a fetch. *registry.Client implements it.
type Source interface {
	Token(ctx context.Context, ref reference.Reference) (*registry.Token, error)
	Manifest(ctx context.Context, ref reference.Reference, tok *registry.Token) (string, io.ReadCloser, error)
	Blob(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, tok *registry.Token) (io.ReadCloser, error)
}

// Config tunes a Fetcher.
type Config struct {
	// Concurrency bounds simultaneous network transfers across the whole
	// manifest tree.
	Concurrency int
	Reporter    progress.Reporter
	// ProgressInterval is the minimum time between downloading updates for
	// one blob.
	ProgressInterval time.Duration
	Logger           logrus.FieldLogger
}

// Fetcher fills a cache from a registry.
type Fetcher struct {
	src      Source
	store    *cache.Cache
	limiter  *taskgroup.Limiter
	shared   taskgroup.Shared
	reporter progress.Reporter
	interval time.Duration
	log      logrus.FieldLogger
}

// New returns a Fetcher writing into store.
func New(src Source, store *cache.Cache, cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Reporter == nil {
		cfg.Reporter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Fetcher{
		src:      src,
		store:    store,
		limiter:  taskgroup.NewLimiter(cfg.Concurrency),
		reporter: cfg.Reporter,
		interval: cfg.ProgressInterval,
		log:      cfg.Logger.WithField("component", "fetch"),
	}
}

// Fetch pulls ref. With a non-nil platform only list entries matching it
// exactly are followed, and at least one must match. The first failure
// cancels all outstanding work and is returned; whatever completed before
// stays cached, but ref is only indexed once everything below it is.
func (f *Fetcher) Fetch(ctx context.Context, ref reference.Reference, platform *ocispec.Platform) error {
	log := f.log.WithField("ref", ref.String())
	if platform != nil {
		log = log.WithField("platform", manifest.FormatPlatform(platform))
	}

	tok, err := f.src.Token(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to get token for %s: %w", ref, err)
	}

	root, err := f.rootManifest(ctx, ref, tok)
	if err != nil {
		return err
	}
	log.WithField("digest", root.Descriptor().Digest).Info("resolved manifest")

	var images atomic.Int32
	w := &walk.Walker{
		Platform: platform,
		Logger:   log,
		Load: func(ctx context.Context, node walk.Node) (manifest.Manifest, error) {
			return f.childManifest(ctx, ref, tok, node.Descriptor)
		},
		Image: func(ctx context.Context, node walk.Node, img manifest.Image) error {
			if err := f.imageBlobs(ctx, ref, tok, img); err != nil {
				return err
			}
			images.Add(1)
			return nil
		},
	}
	if err := w.Walk(ctx, root); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", ref, err)
	}
	if images.Load() == 0 {
		if platform == nil {
			return fmt.Errorf("%s lists no image manifests: %w", ref, errdefs.ErrNotFound)
		}
		log.Warn("no manifest matches the requested platform")
		return fmt.Errorf("%s has no manifest for platform %s: %w",
			ref, manifest.FormatPlatform(platform), errdefs.ErrNotFound)
	}
	return f.store.AddManifest(ref, root)
}

func (f *Fetcher) rootManifest(ctx context.Context, ref reference.Reference, tok *registry.Token) (manifest.Manifest, error) {
	if f.store.ManifestExists(ref) {
		m, err := f.store.Manifest(ref)
		if err == nil {
			f.log.WithField("ref", ref.String()).Debug("manifest cached")
			return m, nil
		}
		f.log.WithError(err).Warn("cached manifest unreadable, fetching again")
	}

	var mediaType string
	var body []byte
	err := f.limiter.Do(ctx, func() error {
		mt, rc, err := f.src.Manifest(ctx, ref, tok)
		if err != nil {
			return err
		}
		defer rc.Close()
		b, err := io.ReadAll(io.LimitReader(rc, MaxManifestSize+1))
		if err != nil {
			return err
		}
		mediaType, body = mt, b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest %s: %w", ref, err)
	}
	if len(body) > MaxManifestSize {
		return nil, errdefs.Protocolf("manifest %s is larger than %d bytes", ref, MaxManifestSize)
	}

	m, err := manifest.Parse(mediaType, body)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", ref, err)
	}
	if ref.IsDigest() && m.Descriptor().Digest != ref.Digest() {
		return nil, errdefs.Integrityf("manifest %s has digest %s", ref, m.Descriptor().Digest)
	}
	return m, nil
}

// childManifest loads a manifest referenced from a list, from the cache if
// present and otherwise from the registry by digest.
func (f *Fetcher) childManifest(ctx context.Context, ref reference.Reference, tok *registry.Token, desc ocispec.Descriptor) (manifest.Manifest, error) {
	if desc.Size > MaxManifestSize {
		return nil, errdefs.Protocolf("manifest %s is larger than %d bytes", desc.Digest, MaxManifestSize)
	}
	v, err := f.shared.Do(ctx, "manifest:"+desc.Digest.String(), func(ctx context.Context) (any, error) {
		if f.store.BlobExists(desc.Digest, desc.Size) {
			b, err := f.store.BlobBytes(desc.Digest)
			if err != nil {
				return nil, err
			}
			return manifest.Parse(desc.MediaType, b)
		}

		childRef, err := ref.WithDigest(desc.Digest)
		if err != nil {
			return nil, err
		}

		var mediaType string
		var body []byte
		err = f.limiter.Do(ctx, func() error {
			mt, rc, err := f.src.Manifest(ctx, childRef, tok)
			if err != nil {
				return err
			}
			defer rc.Close()
			b, err := io.ReadAll(io.LimitReader(rc, desc.Size+1))
			if err != nil {
				return err
			}
			mediaType, body = mt, b
			return nil
		})
		if err != nil {
			return nil, err
		}

		if int64(len(body)) != desc.Size {
			return nil, errdefs.Integrityf("manifest %s: got %d bytes, expected %d", desc.Digest, len(body), desc.Size)
		}
		if got := digest.FromBytes(body); got != desc.Digest {
			return nil, errdefs.Integrityf("manifest %s: content digest is %s", desc.Digest, got)
		}
		if desc.MediaType != "" {
			mediaType = desc.MediaType
		}
		m, err := manifest.Parse(mediaType, body)
		if err != nil {
			return nil, err
		}
		if _, err := f.store.AddBlob(desc.Digest, bytes.NewReader(body)); err != nil {
			return nil, err
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(manifest.Manifest), nil
}

// imageBlobs downloads the config and every layer of img concurrently.
func (f *Fetcher) imageBlobs(ctx context.Context, ref reference.Reference, tok *registry.Token, img manifest.Image) error {
	blobs := append([]ocispec.Descriptor{img.Config()}, img.Layers()...)

	g := taskgroup.New(ctx)
	for _, desc := range blobs {
		g.Go(func(ctx context.Context) error {
			return f.blob(ctx, ref, tok, desc)
		})
	}
	return g.Wait()
}

func (f *Fetcher) blob(ctx context.Context, ref reference.Reference, tok *registry.Token, desc ocispec.Descriptor) error {
	_, err := f.shared.Do(ctx, "blob:"+desc.Digest.String(), func(ctx context.Context) (any, error) {
		update := progress.Update{Ref: ref.String(), Digest: desc.Digest, Current: desc.Size, Total: desc.Size}

		if f.store.BlobExists(desc.Digest, desc.Size) {
			update.Event = progress.Cached
			f.reporter.Report(update)
			return nil, nil
		}

		err := f.limiter.Do(ctx, func() error {
			rc, err := f.src.Blob(ctx, ref, desc, tok)
			if err != nil {
				return err
			}
			defer rc.Close()

			pr := progress.NewReader(rc, f.reporter, ref.String(), desc.Digest, desc.Size, f.interval)
			_, err = f.store.AddBlob(desc.Digest, pr)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch blob %s: %w", desc.Digest, err)
		}

		update.Event = progress.Complete
		f.reporter.Report(update)
		return nil, nil
	})
	return err
}
