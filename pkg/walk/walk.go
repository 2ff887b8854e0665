// Package walk resolves a manifest tree: lists and indexes are expanded entry
// by entry, filtered by platform, until single image manifests are reached.
// What happens at each image and how child manifests are loaded is supplied
// by the caller, so fetching and checkout share the same traversal.
package walk

import (
	"context"
	"errors"
	"fmt"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/manifest"
	"imagecache/pkg/taskgroup"
)

// ErrSkipEntry may be returned by a LoadFunc to leave a list entry out
// without failing the walk.
var ErrSkipEntry = errors.New("skip entry")

// Node is one position in the manifest tree.
type Node struct {
	// Path is the position: a root image is [0]; entry i of a list at
	// position p is p+[i]. Indices count every entry, including ones the
	// platform filter skipped.
	Path []int
	// Descriptor describes the manifest at this position.
	Descriptor ocispec.Descriptor
	// Platform is the platform of the list entry that led here, if any.
	Platform *ocispec.Platform
}

// LoadFunc returns the child manifest a list entry points at.
type LoadFunc func(ctx context.Context, node Node) (manifest.Manifest, error)

// ImageFunc handles a single image manifest.
type ImageFunc func(ctx context.Context, node Node, img manifest.Image) error

// Walker walks manifest trees. Load and Image are required.
type Walker struct {
	// Platform restricts list entries to an exact platform match. Nil
	// selects every entry.
	Platform *ocispec.Platform
	Load     LoadFunc
	Image    ImageFunc
	// Sequential visits list entries one after another in list order
	// instead of concurrently.
	Sequential bool
	Logger     logrus.FieldLogger
}

// Walk visits root and everything below it. The first error cancels the
// remaining work and is returned.
func (w *Walker) Walk(ctx context.Context, root manifest.Manifest) error {
	if w.Load == nil || w.Image == nil {
		return errors.New("walker needs both Load and Image")
	}
	return w.visit(ctx, Node{Descriptor: root.Descriptor()}, root)
}

func (w *Walker) log() logrus.FieldLogger {
	if w.Logger == nil {
		return logrus.StandardLogger()
	}
	return w.Logger
}

func (w *Walker) visit(ctx context.Context, node Node, m manifest.Manifest) error {
	return m.Accept(&visitor{w: w, ctx: ctx, node: node})
}

type visitor struct {
	w    *Walker
	ctx  context.Context
	node Node
}

func (v *visitor) VisitDockerManifest(m *manifest.DockerManifest) error {
	return v.image(m)
}

func (v *visitor) VisitOCIManifest(m *manifest.OCIManifest) error {
	return v.image(m)
}

func (v *visitor) VisitDockerManifestList(m *manifest.DockerManifestList) error {
	return v.list(m)
}

func (v *visitor) VisitOCIIndex(m *manifest.OCIIndex) error {
	return v.list(m)
}

func (v *visitor) image(img manifest.Image) error {
	node := v.node
	if len(node.Path) == 0 {
		node.Path = []int{0}
	}
	return v.w.Image(v.ctx, node, img)
}

func (v *visitor) list(l manifest.List) error {
	w := v.w
	g := taskgroup.New(v.ctx)

	for i, desc := range l.Manifests() {
		if !manifest.PlatformMatches(w.Platform, desc.Platform) {
			w.log().WithFields(logrus.Fields{
				"digest":   desc.Digest,
				"platform": manifest.FormatPlatform(desc.Platform),
			}).Debug("skipping manifest for other platform")
			continue
		}

		child := Node{
			Path:       appendPath(v.node.Path, i),
			Descriptor: desc,
			Platform:   desc.Platform,
		}
		if w.Sequential {
			if err := w.entry(g.Context(), child); err != nil {
				return err
			}
			continue
		}
		g.Go(func(ctx context.Context) error {
			return w.entry(ctx, child)
		})
	}
	return g.Wait()
}

func (w *Walker) entry(ctx context.Context, node Node) error {
	m, err := w.Load(ctx, node)
	if errors.Is(err, ErrSkipEntry) {
		w.log().WithField("digest", node.Descriptor.Digest).Debug("skipping manifest")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load manifest %s: %w", node.Descriptor.Digest, err)
	}
	return w.visit(ctx, node, m)
}

func appendPath(parent []int, i int) []int {
	p := make([]int, len(parent), len(parent)+1)
	copy(p, parent)
	return append(p, i)
}
