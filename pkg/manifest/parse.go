package manifest

import (
	"encoding/json"
	"mime"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"imagecache/pkg/errdefs"
)

// Parse decodes b as the manifest shape announced by mediaType. Media type
// parameters are ignored. Unknown media types, including the legacy Docker
// schema1 format, are rejected with errdefs.ErrParse.
func Parse(mediaType string, b []byte) (Manifest, error) {
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return nil, errdefs.Parsef("manifest media type %q: %w", mediaType, err)
	}

	switch mt {
	case MediaTypeDockerManifest:
		img, err := parseImage(mt, b)
		if err != nil {
			return nil, err
		}
		return &DockerManifest{image: img}, nil
	case MediaTypeOCIManifest:
		img, err := parseImage(mt, b)
		if err != nil {
			return nil, err
		}
		return &OCIManifest{image: img}, nil
	case MediaTypeDockerManifestList:
		l, err := parseList(mt, b)
		if err != nil {
			return nil, err
		}
		return &DockerManifestList{list: l}, nil
	case MediaTypeOCIIndex:
		l, err := parseList(mt, b)
		if err != nil {
			return nil, err
		}
		return &OCIIndex{list: l}, nil
	case MediaTypeDockerSchema1, "application/vnd.docker.distribution.manifest.v1+prettyjws":
		return nil, errdefs.Parsef("legacy schema1 manifests are not supported")
	default:
		return nil, errdefs.Parsef("unrecognized manifest media type %q", mt)
	}
}

func parseImage(mediaType string, b []byte) (image, error) {
	var m ocispec.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return image{}, errdefs.Parsef("decode %s: %w", mediaType, err)
	}
	if err := validateDescriptor("config", m.Config); err != nil {
		return image{}, err
	}
	for i, l := range m.Layers {
		if err := validateDescriptor("layer", l); err != nil {
			return image{}, errdefs.Parsef("layer %d: %w", i, err)
		}
	}
	return image{
		raw:    newRaw(mediaType, b),
		config: m.Config,
		layers: m.Layers,
	}, nil
}

func parseList(mediaType string, b []byte) (list, error) {
	var idx ocispec.Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return list{}, errdefs.Parsef("decode %s: %w", mediaType, err)
	}
	for i, d := range idx.Manifests {
		if err := validateDescriptor("manifest", d); err != nil {
			return list{}, errdefs.Parsef("entry %d: %w", i, err)
		}
	}
	return list{
		raw:       newRaw(mediaType, b),
		manifests: idx.Manifests,
	}, nil
}

func validateDescriptor(kind string, d ocispec.Descriptor) error {
	if d.Digest == "" {
		return errdefs.Parsef("%s descriptor has no digest", kind)
	}
	if err := d.Digest.Validate(); err != nil {
		return errdefs.Parsef("%s descriptor digest %q: %w", kind, d.Digest, err)
	}
	if d.Size < 0 {
		return errdefs.Parsef("%s descriptor %s has negative size", kind, d.Digest)
	}
	return nil
}
