package manifest

import (
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"imagecache/pkg/errdefs"
)

// ParsePlatform parses "os/arch[/variant]", e.g. "linux/arm64/v8". An empty
// string yields a nil platform, which selects every platform.
func ParsePlatform(s string) (*ocispec.Platform, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	p, err := v1.ParsePlatform(s)
	if err != nil {
		return nil, errdefs.Usagef("invalid platform %q: %w", s, err)
	}
	if p.OS == "" || p.Architecture == "" {
		return nil, errdefs.Usagef("invalid platform %q: want os/arch[/variant]", s)
	}
	return &ocispec.Platform{
		OS:           p.OS,
		Architecture: p.Architecture,
		Variant:      p.Variant,
	}, nil
}

// PlatformMatches reports whether have satisfies the requested platform want.
// A nil want matches everything; otherwise architecture, OS and variant must
// be equal, and a descriptor without a platform never matches.
func PlatformMatches(want, have *ocispec.Platform) bool {
	if want == nil {
		return true
	}
	if have == nil {
		return false
	}
	return want.Architecture == have.Architecture &&
		want.OS == have.OS &&
		want.Variant == have.Variant
}

// FormatPlatform renders p as "os/arch[/variant]".
func FormatPlatform(p *ocispec.Platform) string {
	if p == nil {
		return ""
	}
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}
