package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/errdefs"
)

// BlobPath returns where dgst is stored, or "" for an invalid digest.
func (c *Cache) BlobPath(dgst digest.Digest) string {
	if err := dgst.Validate(); err != nil {
		return ""
	}
	return filepath.Join(c.root, blobsDir, dgst.Algorithm().String(), dgst.Encoded())
}

// BlobExists reports whether dgst is stored with the given size. A negative
// size skips the size comparison.
func (c *Cache) BlobExists(dgst digest.Digest, size int64) bool {
	p := c.BlobPath(dgst)
	if p == "" {
		return false
	}
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return size < 0 || fi.Size() == size
}

// AddBlob streams r into the cache under dgst and returns the number of bytes
// written. The content is hashed on the way in; on mismatch nothing is stored
// and an integrity error is returned. The final file appears atomically, so
// concurrent writers of one digest never expose a partial blob.
func (c *Cache) AddBlob(dgst digest.Digest, r io.Reader) (int64, error) {
	if err := dgst.Validate(); err != nil {
		return 0, errdefs.Cachef("invalid digest %q: %w", dgst, err)
	}

	tmp := filepath.Join(c.root, tmpDir, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return 0, errdefs.Cachef("create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp)
		}
	}()

	verifier := dgst.Verifier()
	n, err := io.Copy(io.MultiWriter(f, verifier), r)
	if err != nil {
		f.Close()
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return 0, errdefs.Cachef("write blob %s: %w", dgst, err)
		}
		return 0, fmt.Errorf("failed to receive blob %s: %w", dgst, err)
	}
	if err := f.Close(); err != nil {
		return 0, errdefs.Cachef("close blob %s: %w", dgst, err)
	}
	if !verifier.Verified() {
		return 0, errdefs.Integrityf("blob content does not match %s", dgst)
	}

	dst := c.BlobPath(dgst)
	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return 0, errdefs.Cachef("create blob directory: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, errdefs.Cachef("commit blob %s: %w", dgst, err)
	}
	committed = true

	c.log.WithFields(logrus.Fields{"digest": dgst, "size": n}).Debug("stored blob")
	return n, nil
}

// BlobReader opens the stored blob dgst.
func (c *Cache) BlobReader(dgst digest.Digest) (io.ReadCloser, error) {
	p := c.BlobPath(dgst)
	if p == "" {
		return nil, errdefs.Cachef("invalid digest %q", dgst)
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errdefs.Cachef("blob %s: %w", dgst, errdefs.ErrNotFound)
		}
		return nil, errdefs.Cachef("open blob %s: %w", dgst, err)
	}
	return f, nil
}

// BlobBytes reads the whole stored blob dgst.
func (c *Cache) BlobBytes(dgst digest.Digest) ([]byte, error) {
	rc, err := c.BlobReader(dgst)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, errdefs.Cachef("read blob %s: %w", dgst, err)
	}
	return b, nil
}
