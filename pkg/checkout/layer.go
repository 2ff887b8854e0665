package checkout

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/errdefs"
)

// Compression is the compression detected on a layer stream.
type Compression int

const (
	Uncompressed Compression = iota
	Gzip
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "none"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// DetectCompression inspects the first bytes of a stream.
func DetectCompression(b []byte) Compression {
	switch {
	case bytes.HasPrefix(b, gzipMagic):
		return Gzip
	case bytes.HasPrefix(b, zstdMagic):
		return Zstd
	default:
		return Uncompressed
	}
}

// Decompress returns the tar stream inside r, whatever its compression.
func Decompress(r io.Reader) (io.ReadCloser, Compression, error) {
	buf := bufio.NewReaderSize(r, 32<<10)
	head, err := buf.Peek(len(zstdMagic))
	// A short or empty stream is treated as an uncompressed, possibly empty,
	// tarball.
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, Uncompressed, err
	}

	switch c := DetectCompression(head); c {
	case Gzip:
		zr, err := gzip.NewReader(buf)
		if err != nil {
			return nil, c, err
		}
		return zr, c, nil
	case Zstd:
		zr, err := zstd.NewReader(buf)
		if err != nil {
			return nil, c, err
		}
		return zr.IOReadCloser(), c, nil
	default:
		return io.NopCloser(buf), c, nil
	}
}

// layerWriter materializes one layer's tar entries under dest.
type layerWriter struct {
	dest string
	log  logrus.FieldLogger
}

func (lw *layerWriter) apply(ctx context.Context, r io.Reader) error {
	if err := os.MkdirAll(lw.dest, 0o755); err != nil {
		return errdefs.Filesystemf("create layer directory %s: %w", lw.dest, err)
	}

	rc, compression, err := Decompress(r)
	if err != nil {
		return errdefs.Filesystemf("open %s layer stream: %w", compression, err)
	}
	defer rc.Close()
	lw.log.WithField("compression", compression.String()).Debug("extracting layer")

	tr := tar.NewReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.Filesystemf("read tar header: %w", err)
		}
		if err := lw.entry(hdr, tr); err != nil {
			return err
		}
	}
}

// target resolves an entry name inside dest. Every directory component is
// resolved through securejoin so symlinks from earlier entries cannot lead
// outside dest; the final component is kept as is so that the entry
// replaces, rather than follows, whatever already exists there.
func (lw *layerWriter) target(name string) (string, error) {
	clean := filepath.Clean(string(filepath.Separator) + filepath.FromSlash(name))
	if clean == string(filepath.Separator) {
		return lw.dest, nil
	}
	parent, err := securejoin.SecureJoin(lw.dest, filepath.Dir(clean))
	if err != nil {
		return "", errdefs.Filesystemf("resolve %s: %w", name, err)
	}
	return filepath.Join(parent, filepath.Base(clean)), nil
}

func (lw *layerWriter) entry(hdr *tar.Header, r io.Reader) error {
	target, err := lw.target(hdr.Name)
	if err != nil {
		return err
	}
	mode := fs.FileMode(hdr.Mode) & fs.ModePerm

	switch hdr.Typeflag {
	case tar.TypeDir:
		return lw.dir(target, mode)
	case tar.TypeReg:
		return lw.file(target, mode, r)
	case tar.TypeSymlink:
		return lw.symlink(target, hdr.Linkname)
	case tar.TypeLink:
		return lw.hardlink(target, hdr.Name, hdr.Linkname)
	case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
		lw.log.WithField("path", hdr.Name).Warn("skipping device or fifo entry")
		return nil
	case tar.TypeXGlobalHeader:
		return nil
	default:
		lw.log.WithFields(logrus.Fields{
			"path": hdr.Name,
			"type": string(hdr.Typeflag),
		}).Warn("skipping unsupported tar entry")
		return nil
	}
}

func (lw *layerWriter) dir(target string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Filesystemf("create parent of %s: %w", target, err)
	}
	fi, err := os.Lstat(target)
	switch {
	case err == nil && !fi.IsDir():
		if err := os.Remove(target); err != nil {
			return errdefs.Filesystemf("replace %s: %w", target, err)
		}
		fallthrough
	case errors.Is(err, fs.ErrNotExist):
		if err := os.Mkdir(target, mode); err != nil && !errors.Is(err, fs.ErrExist) {
			return errdefs.Filesystemf("create directory %s: %w", target, err)
		}
	case err != nil:
		return errdefs.Filesystemf("stat %s: %w", target, err)
	}
	if err := os.Chmod(target, mode); err != nil {
		return errdefs.Filesystemf("chmod %s: %w", target, err)
	}
	return nil
}

func (lw *layerWriter) file(target string, mode fs.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Filesystemf("create parent of %s: %w", target, err)
	}
	if err := removeIfLink(target); err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return errdefs.Filesystemf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errdefs.Filesystemf("write file %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return errdefs.Filesystemf("close file %s: %w", target, err)
	}
	if err := os.Chmod(target, mode); err != nil {
		return errdefs.Filesystemf("chmod %s: %w", target, err)
	}
	return nil
}

func (lw *layerWriter) symlink(target, linkname string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Filesystemf("create parent of %s: %w", target, err)
	}
	if err := removeExisting(target); err != nil {
		return err
	}
	if err := os.Symlink(linkname, target); err != nil {
		return errdefs.Filesystemf("create symlink %s: %w", target, err)
	}
	return nil
}

func (lw *layerWriter) hardlink(target, name, linkname string) error {
	rel := filepath.Clean(filepath.FromSlash(linkname))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errdefs.Filesystemf("hard link %s points outside the layer: %s", name, linkname)
	}
	source, err := lw.target(linkname)
	if err != nil {
		return err
	}
	fi, err := os.Lstat(source)
	if err != nil {
		return errdefs.Filesystemf("hard link %s: target %s: %w", name, linkname, err)
	}
	if fi.IsDir() {
		return errdefs.Filesystemf("hard link %s: target %s is a directory", name, linkname)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Filesystemf("create parent of %s: %w", target, err)
	}
	if err := removeExisting(target); err != nil {
		return err
	}
	if err := os.Link(source, target); err != nil {
		return errdefs.Filesystemf("create hard link %s: %w", target, err)
	}
	return nil
}

// removeIfLink removes target if it is a symlink so that writing a file does
// not follow it.
func removeIfLink(target string) error {
	fi, err := os.Lstat(target)
	if err != nil || fi.Mode()&fs.ModeSymlink == 0 {
		return nil
	}
	if err := os.Remove(target); err != nil {
		return errdefs.Filesystemf("replace %s: %w", target, err)
	}
	return nil
}

// removeExisting removes a non-directory at target.
func removeExisting(target string) error {
	fi, err := os.Lstat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errdefs.Filesystemf("stat %s: %w", target, err)
	}
	if fi.IsDir() {
		return errdefs.Filesystemf("%s already exists as a directory", target)
	}
	if err := os.Remove(target); err != nil {
		return errdefs.Filesystemf("replace %s: %w", target, err)
	}
	return nil
}
