// Package cache is the local content store: blobs addressed by digest plus
// an index from image reference to manifest digest.
//
// Layout under the root:
//
//	blobs/<alg>/<hex>   blob content
//	tmp/<uuid>          in-progress writes
//	index.json          manifest index
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"imagecache/pkg/errdefs"
)

const (
	blobsDir  = "blobs"
	tmpDir    = "tmp"
	indexFile = "index.json"

	dirMode  = 0o700
	fileMode = 0o600
)

// Cache is safe for concurrent use within one process.
type Cache struct {
	root  string
	log   logrus.FieldLogger
	index *index
}

// New opens the cache rooted at root, creating its directories if needed.
func New(root string, logger logrus.FieldLogger) (*Cache, error) {
	if root == "" {
		return nil, errdefs.Cachef("cache root is empty")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errdefs.Cachef("resolve cache root %s: %w", root, err)
	}
	for _, dir := range []string{abs, filepath.Join(abs, blobsDir), filepath.Join(abs, tmpDir)} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, errdefs.Cachef("create %s: %w", dir, err)
		}
	}

	c := &Cache{
		root: abs,
		log:  logger.WithField("component", "cache"),
	}
	c.index = &index{
		path:   filepath.Join(abs, indexFile),
		tmpDir: filepath.Join(abs, tmpDir),
	}
	return c, nil
}

// Root returns the absolute cache root.
func (c *Cache) Root() string {
	return c.root
}

func (c *Cache) String() string {
	return fmt.Sprintf("cache(%s)", c.root)
}
