// Package manifest models the four manifest shapes served by a v2 registry as
// a closed set of types. Code that needs to handle every shape implements
// Visitor; adding a shape adds a Visitor method, so every consumer stops
// compiling until it handles the new shape.
package manifest

import (
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Media types accepted by Parse.
const (
	MediaTypeDockerManifest     = string(types.DockerManifestSchema2)
	MediaTypeDockerManifestList = string(types.DockerManifestList)
	MediaTypeDockerSchema1      = string(types.DockerManifestSchema1)
	MediaTypeOCIManifest        = ocispec.MediaTypeImageManifest
	MediaTypeOCIIndex           = ocispec.MediaTypeImageIndex
)

// Manifest is implemented by *DockerManifest, *DockerManifestList,
// *OCIManifest and *OCIIndex only.
type Manifest interface {
	// MediaType is the media type the manifest was parsed as.
	MediaType() string
	// Descriptor describes the raw manifest bytes.
	Descriptor() ocispec.Descriptor
	// Raw returns the bytes the manifest was parsed from.
	Raw() []byte
	// Accept dispatches to the Visitor method for the concrete type.
	Accept(v Visitor) error

	sealed()
}

// Image is a single image manifest: a config blob and ordered layers.
type Image interface {
	Manifest
	Config() ocispec.Descriptor
	Layers() []ocispec.Descriptor
}

// List is a manifest list or index: ordered per-platform manifests.
type List interface {
	Manifest
	Manifests() []ocispec.Descriptor
}

// Visitor has one method per manifest shape.
type Visitor interface {
	VisitDockerManifest(m *DockerManifest) error
	VisitDockerManifestList(m *DockerManifestList) error
	VisitOCIManifest(m *OCIManifest) error
	VisitOCIIndex(m *OCIIndex) error
}

type raw struct {
	mediaType string
	bytes     []byte
	digest    digest.Digest
}

func newRaw(mediaType string, b []byte) raw {
	return raw{mediaType: mediaType, bytes: b, digest: digest.FromBytes(b)}
}

func (r raw) MediaType() string { return r.mediaType }

func (r raw) Raw() []byte { return r.bytes }

func (r raw) Descriptor() ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: r.mediaType,
		Digest:    r.digest,
		Size:      int64(len(r.bytes)),
	}
}

func (raw) sealed() {}

type image struct {
	raw
	config ocispec.Descriptor
	layers []ocispec.Descriptor
}

func (m *image) Config() ocispec.Descriptor { return m.config }

func (m *image) Layers() []ocispec.Descriptor { return m.layers }

type list struct {
	raw
	manifests []ocispec.Descriptor
}

func (m *list) Manifests() []ocispec.Descriptor { return m.manifests }

// DockerManifest is application/vnd.docker.distribution.manifest.v2+json.
type DockerManifest struct{ image }

// Accept calls v.VisitDockerManifest.
func (m *DockerManifest) Accept(v Visitor) error { return v.VisitDockerManifest(m) }

// DockerManifestList is application/vnd.docker.distribution.manifest.list.v2+json.
type DockerManifestList struct{ list }

// Accept calls v.VisitDockerManifestList.
func (m *DockerManifestList) Accept(v Visitor) error { return v.VisitDockerManifestList(m) }

// OCIManifest is application/vnd.oci.image.manifest.v1+json.
type OCIManifest struct{ image }

// Accept calls v.VisitOCIManifest.
func (m *OCIManifest) Accept(v Visitor) error { return v.VisitOCIManifest(m) }

// OCIIndex is application/vnd.oci.image.index.v1+json.
type OCIIndex struct{ list }

// Accept calls v.VisitOCIIndex.
func (m *OCIIndex) Accept(v Visitor) error { return v.VisitOCIIndex(m) }

var (
	_ Image = (*DockerManifest)(nil)
	_ Image = (*OCIManifest)(nil)
	_ List  = (*DockerManifestList)(nil)
	_ List  = (*OCIIndex)(nil)
)
