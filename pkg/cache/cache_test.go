package cache

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/pkg/errdefs"
	"imagecache/pkg/manifest"
	"imagecache/pkg/reference"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	c, err := New(t.TempDir(), logger)
	require.NoError(t, err)
	return c
}

func TestNewCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cache")
	_, err := New(root, nil)
	require.NoError(t, err)

	for _, dir := range []string{root, filepath.Join(root, blobsDir), filepath.Join(root, tmpDir)} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
		assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm(), dir)
	}

	// Opening an existing cache is fine.
	_, err = New(root, nil)
	require.NoError(t, err)
}

func TestBlobRoundTrip(t *testing.T) {
	c := newTestCache(t)
	content := []byte("hello blob")
	dgst := digest.FromBytes(content)

	assert.False(t, c.BlobExists(dgst, int64(len(content))))

	n, err := c.AddBlob(dgst, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	assert.True(t, c.BlobExists(dgst, int64(len(content))))
	assert.True(t, c.BlobExists(dgst, -1))
	assert.False(t, c.BlobExists(dgst, 1))

	got, err := c.BlobBytes(dgst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	assert.Equal(t, filepath.Join(c.Root(), "blobs", "sha256", dgst.Encoded()), c.BlobPath(dgst))
}

func TestAddBlobIdempotent(t *testing.T) {
	c := newTestCache(t)
	content := []byte("same bytes")
	dgst := digest.FromBytes(content)

	for i := 0; i < 3; i++ {
		_, err := c.AddBlob(dgst, bytes.NewReader(content))
		require.NoError(t, err)
	}

	got, err := c.BlobBytes(dgst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	leftovers, err := os.ReadDir(filepath.Join(c.Root(), tmpDir))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestAddBlobConcurrentSameDigest(t *testing.T) {
	c := newTestCache(t)
	content := bytes.Repeat([]byte("layer"), 64<<10)
	dgst := digest.FromBytes(content)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.AddBlob(dgst, bytes.NewReader(content))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	got, err := c.BlobBytes(dgst)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAddBlobRejectsMismatch(t *testing.T) {
	c := newTestCache(t)
	dgst := digest.FromString("expected")

	_, err := c.AddBlob(dgst, strings.NewReader("something else"))
	assert.ErrorIs(t, err, errdefs.ErrIntegrity)
	assert.False(t, c.BlobExists(dgst, -1))

	leftovers, err := os.ReadDir(filepath.Join(c.Root(), tmpDir))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestAddBlobReaderError(t *testing.T) {
	c := newTestCache(t)
	dgst := digest.FromString("x")

	_, err := c.AddBlob(dgst, failingReader{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.False(t, c.BlobExists(dgst, -1))
}

func TestBlobReaderMissing(t *testing.T) {
	c := newTestCache(t)

	_, err := c.BlobReader(digest.FromString("absent"))
	assert.ErrorIs(t, err, errdefs.ErrCache)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func testManifest(t *testing.T) manifest.Manifest {
	t.Helper()
	raw := []byte(`{"schemaVersion":2,"config":{"digest":"` + digest.FromString("c").String() + `","size":1},"layers":[]}`)
	m, err := manifest.Parse(manifest.MediaTypeDockerManifest, raw)
	require.NoError(t, err)
	return m
}

func TestManifestIndex(t *testing.T) {
	c := newTestCache(t)
	ref := reference.MustParse("alpine:3.20")
	m := testManifest(t)

	assert.False(t, c.ManifestExists(ref))
	_, err := c.Manifest(ref)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	require.NoError(t, c.AddManifest(ref, m))
	assert.True(t, c.ManifestExists(ref))
	assert.True(t, c.BlobExists(m.Descriptor().Digest, m.Descriptor().Size))

	got, err := c.Manifest(ref)
	require.NoError(t, err)
	assert.Equal(t, m.Descriptor(), got.Descriptor())
	assert.Equal(t, m.Raw(), got.Raw())

	// A second handle on the same root sees the persisted index.
	reopened, err := New(c.Root(), nil)
	require.NoError(t, err)
	assert.True(t, reopened.ManifestExists(ref))
}

func TestManifestsSortedAndRemove(t *testing.T) {
	c := newTestCache(t)
	m := testManifest(t)

	for _, s := range []string{"nginx", "alpine", "busybox:1.36"} {
		require.NoError(t, c.AddManifest(reference.MustParse(s), m))
	}
	// Re-adding replaces rather than duplicates.
	require.NoError(t, c.AddManifest(reference.MustParse("alpine"), m))

	entries, err := c.Manifests()
	require.NoError(t, err)
	var refs []string
	for _, e := range entries {
		refs = append(refs, e.Reference)
		assert.Equal(t, manifest.MediaTypeDockerManifest, e.MediaType)
	}
	assert.Equal(t, []string{"library/alpine:latest", "library/busybox:1.36", "library/nginx:latest"}, refs)

	require.NoError(t, c.RemoveManifest(reference.MustParse("busybox:1.36")))
	assert.False(t, c.ManifestExists(reference.MustParse("busybox:1.36")))

	err = c.RemoveManifest(reference.MustParse("busybox:1.36"))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
