package image

import (
	"context"

	"imagecache/pkg/cache"
)

// Service defines the operations the command line exposes over the local
// image cache.
type Service interface {
	// Fetch downloads refString into the cache. platformString restricts
	// which entries of a manifest list are followed, e.g. "linux/arm64/v8";
	// empty follows all of them.
	Fetch(ctx context.Context, refString, platformString string) error

	// Checkout extracts the cached image for refString below outDir, one
	// directory per image manifest and one per layer inside it.
	Checkout(ctx context.Context, refString, outDir, platformString string) error

	// List returns every reference recorded in the manifest index.
	List(ctx context.Context) ([]cache.IndexEntry, error)

	// Remove drops a reference from the manifest index.
	Remove(ctx context.Context, refString string) error
}

var _ Service = (*Manager)(nil)
