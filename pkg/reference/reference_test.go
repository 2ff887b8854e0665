package reference

import (
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/pkg/errdefs"
)

const testDigest = "sha256:4bcff63911fcb4448bd4fdacec207030997caf25e9bea4045fa6c8c44de311d1"

func TestParse(t *testing.T) {
	tests := []struct {
		name           string
		in             string
		wantRegistry   string
		wantRepository string
		wantTag        string
		wantDigest     digest.Digest
		wantString     string
	}{
		{
			name:           "implicit docker hub library latest",
			in:             "alpine",
			wantRegistry:   DefaultRegistry,
			wantRepository: "library/alpine",
			wantTag:        "latest",
			wantString:     "library/alpine:latest",
		},
		{
			name:           "docker hub with tag",
			in:             "library/alpine:3.20",
			wantRegistry:   DefaultRegistry,
			wantRepository: "library/alpine",
			wantTag:        "3.20",
			wantString:     "library/alpine:3.20",
		},
		{
			name:           "explicit docker.io",
			in:             "docker.io/library/nginx:latest",
			wantRegistry:   DefaultRegistry,
			wantRepository: "library/nginx",
			wantTag:        "latest",
			wantString:     "library/nginx:latest",
		},
		{
			name:           "custom registry",
			in:             "ghcr.io/acme/app:v1",
			wantRegistry:   "ghcr.io",
			wantRepository: "acme/app",
			wantTag:        "v1",
			wantString:     "ghcr.io/acme/app:v1",
		},
		{
			name:           "digest reference",
			in:             "ubuntu@" + testDigest,
			wantRegistry:   DefaultRegistry,
			wantRepository: "library/ubuntu",
			wantDigest:     testDigest,
			wantString:     "library/ubuntu@" + testDigest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := Parse(tt.in)
			require.NoError(t, err)

			assert.Equal(t, tt.wantRegistry, ref.Registry())
			assert.Equal(t, tt.wantRepository, ref.Repository())
			assert.Equal(t, tt.wantTag, ref.Tag())
			assert.Equal(t, tt.wantDigest, ref.Digest())
			assert.Equal(t, tt.wantDigest != "", ref.IsDigest())
			assert.Equal(t, tt.wantString, ref.String())
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "UPPER/case", "alpine@sha256:short"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, errdefs.ErrUsage, "input %q", in)
	}
}

func TestWithDigest(t *testing.T) {
	ref := MustParse("library/alpine:latest")

	byDigest, err := ref.WithDigest(testDigest)
	require.NoError(t, err)

	assert.Equal(t, "library/alpine", byDigest.Repository())
	assert.Equal(t, digest.Digest(testDigest), byDigest.Digest())
	assert.Equal(t, testDigest, byDigest.Identifier())
	assert.Empty(t, byDigest.Tag())
}
