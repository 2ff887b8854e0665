package manifest

import (
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/pkg/errdefs"
)

const (
	configDigest = "sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"
	layerDigest  = "sha256:fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9"
)

var imageJSON = []byte(`{
  "schemaVersion": 2,
  "config": {"mediaType": "application/vnd.oci.image.config.v1+json", "digest": "` + configDigest + `", "size": 3},
  "layers": [
    {"mediaType": "application/vnd.oci.image.layer.v1.tar+gzip", "digest": "` + layerDigest + `", "size": 3}
  ]
}`)

var indexJSON = []byte(`{
  "schemaVersion": 2,
  "manifests": [
    {"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "` + configDigest + `", "size": 10,
     "platform": {"architecture": "amd64", "os": "linux"}},
    {"mediaType": "application/vnd.oci.image.manifest.v1+json", "digest": "` + layerDigest + `", "size": 11,
     "platform": {"architecture": "arm64", "os": "linux", "variant": "v8"}}
  ]
}`)

// kindVisitor records which Visitor method was called.
type kindVisitor struct{ kind string }

func (v *kindVisitor) VisitDockerManifest(*DockerManifest) error {
	v.kind = "docker-manifest"
	return nil
}

func (v *kindVisitor) VisitDockerManifestList(*DockerManifestList) error {
	v.kind = "docker-list"
	return nil
}

func (v *kindVisitor) VisitOCIManifest(*OCIManifest) error {
	v.kind = "oci-manifest"
	return nil
}

func (v *kindVisitor) VisitOCIIndex(*OCIIndex) error {
	v.kind = "oci-index"
	return nil
}

func TestParseDispatch(t *testing.T) {
	tests := []struct {
		mediaType string
		body      []byte
		wantKind  string
	}{
		{MediaTypeDockerManifest, imageJSON, "docker-manifest"},
		{MediaTypeOCIManifest, imageJSON, "oci-manifest"},
		{MediaTypeDockerManifestList, indexJSON, "docker-list"},
		{MediaTypeOCIIndex, indexJSON, "oci-index"},
		{MediaTypeOCIIndex + "; charset=utf-8", indexJSON, "oci-index"},
	}

	for _, tt := range tests {
		t.Run(tt.mediaType, func(t *testing.T) {
			m, err := Parse(tt.mediaType, tt.body)
			require.NoError(t, err)

			v := &kindVisitor{}
			require.NoError(t, m.Accept(v))
			assert.Equal(t, tt.wantKind, v.kind)

			desc := m.Descriptor()
			assert.Equal(t, digest.FromBytes(tt.body), desc.Digest)
			assert.Equal(t, int64(len(tt.body)), desc.Size)
			assert.Equal(t, tt.body, m.Raw())
		})
	}
}

func TestParseImageFields(t *testing.T) {
	m, err := Parse(MediaTypeOCIManifest, imageJSON)
	require.NoError(t, err)

	img, ok := m.(Image)
	require.True(t, ok)
	assert.Equal(t, digest.Digest(configDigest), img.Config().Digest)
	require.Len(t, img.Layers(), 1)
	assert.Equal(t, digest.Digest(layerDigest), img.Layers()[0].Digest)
}

func TestParseListKeepsOrder(t *testing.T) {
	m, err := Parse(MediaTypeDockerManifestList, indexJSON)
	require.NoError(t, err)

	l, ok := m.(List)
	require.True(t, ok)
	require.Len(t, l.Manifests(), 2)
	assert.Equal(t, "amd64", l.Manifests()[0].Platform.Architecture)
	assert.Equal(t, "arm64", l.Manifests()[1].Platform.Architecture)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name      string
		mediaType string
		body      []byte
	}{
		{"schema1", MediaTypeDockerSchema1, []byte(`{}`)},
		{"unknown media type", "text/plain", imageJSON},
		{"malformed json", MediaTypeOCIManifest, []byte(`{"config":`)},
		{"bad layer digest", MediaTypeOCIManifest, []byte(`{"config":{"digest":"` + configDigest + `"},"layers":[{"digest":"sha256:nope"}]}`)},
		{"missing config digest", MediaTypeDockerManifest, []byte(`{"layers":[]}`)},
		{"empty media type", "", imageJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.mediaType, tt.body)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errdefs.ErrParse), "got %v", err)
		})
	}
}

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("linux/arm64/v8")
	require.NoError(t, err)
	assert.Equal(t, &ocispec.Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, p)
	assert.Equal(t, "linux/arm64/v8", FormatPlatform(p))

	p, err = ParsePlatform("")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = ParsePlatform("linux")
	assert.ErrorIs(t, err, errdefs.ErrUsage)
}

func TestPlatformMatches(t *testing.T) {
	amd64 := &ocispec.Platform{OS: "linux", Architecture: "amd64"}
	armv7 := &ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}
	armv6 := &ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v6"}

	assert.True(t, PlatformMatches(nil, amd64))
	assert.True(t, PlatformMatches(nil, nil))
	assert.True(t, PlatformMatches(amd64, &ocispec.Platform{OS: "linux", Architecture: "amd64"}))
	assert.False(t, PlatformMatches(amd64, armv7))
	assert.False(t, PlatformMatches(armv7, armv6))
	assert.False(t, PlatformMatches(amd64, nil))
}
