// Package reference parses image references of the form
// [REGISTRY/]NAME[:TAG|@DIGEST].
package reference

import (
	"fmt"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"

	"imagecache/pkg/errdefs"
)

// DefaultRegistry is the registry host used when a reference names none.
const DefaultRegistry = name.DefaultRegistry

// Reference identifies a repository plus either a tag or a digest.
type Reference struct {
	ref name.Reference
}

// Parse parses s. A missing registry defaults to Docker Hub, a missing tag to
// "latest", and single-component Docker Hub names are placed under library/.
func Parse(s string) (Reference, error) {
	ref, err := name.ParseReference(s)
	if err != nil {
		return Reference{}, errdefs.Usagef("invalid image reference %q: %w", s, err)
	}
	if d, ok := ref.(name.Digest); ok {
		if _, err := digest.Parse(d.DigestStr()); err != nil {
			return Reference{}, errdefs.Usagef("invalid digest in %q: %w", s, err)
		}
	}
	return Reference{ref: ref}, nil
}

// MustParse is Parse for references known to be valid.
func MustParse(s string) Reference {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Registry returns the registry host, e.g. "index.docker.io".
func (r Reference) Registry() string {
	return r.ref.Context().RegistryStr()
}

// IsDefaultRegistry reports whether the reference points at Docker Hub.
func (r Reference) IsDefaultRegistry() bool {
	return r.Registry() == DefaultRegistry
}

// Scheme returns "http" for local registries and "https" otherwise.
func (r Reference) Scheme() string {
	return r.ref.Context().Registry.Scheme()
}

// Repository returns the repository name, e.g. "library/alpine".
func (r Reference) Repository() string {
	return r.ref.Context().RepositoryStr()
}

// Identifier returns the tag or the digest string.
func (r Reference) Identifier() string {
	return r.ref.Identifier()
}

// Tag returns the tag, or "" for digest references.
func (r Reference) Tag() string {
	if t, ok := r.ref.(name.Tag); ok {
		return t.TagStr()
	}
	return ""
}

// Digest returns the digest, or "" for tag references.
func (r Reference) Digest() digest.Digest {
	if d, ok := r.ref.(name.Digest); ok {
		return digest.Digest(d.DigestStr())
	}
	return ""
}

// IsDigest reports whether the reference selects content by digest.
func (r Reference) IsDigest() bool {
	return r.Digest() != ""
}

// WithDigest returns a reference to the same repository selecting dgst.
func (r Reference) WithDigest(dgst digest.Digest) (Reference, error) {
	d, err := name.NewDigest(r.ref.Context().Name() + "@" + dgst.String())
	if err != nil {
		return Reference{}, fmt.Errorf("reference %s with digest %s: %w", r, dgst, err)
	}
	return Reference{ref: d}, nil
}

// String returns the reference in its familiar form: the registry host is
// omitted for Docker Hub, e.g. "library/alpine:latest".
func (r Reference) String() string {
	if r.ref == nil {
		return ""
	}
	repo := r.Repository()
	if !r.IsDefaultRegistry() {
		repo = r.Registry() + "/" + repo
	}
	if r.IsDigest() {
		return repo + "@" + r.Identifier()
	}
	return repo + ":" + r.Identifier()
}

// Path returns the relative directory used for r under a checkout root.
func (r Reference) Path() string {
	return filepath.FromSlash(r.String())
}
