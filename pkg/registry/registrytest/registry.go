// Package registrytest runs an in-process registry serving canned manifests
// and blobs, and builds layer tarballs for tests.
package registrytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/registry"
)

type content struct {
	mediaType string
	body      []byte
}

// Registry is a fake distribution endpoint. Blobs are served through a 307
// redirect to /storage/, the way hosted registries hand off to object
// storage.
type Registry struct {
	Server *httptest.Server

	mu        sync.Mutex
	manifests map[string]content
	blobs     map[digest.Digest][]byte
	hits      map[string]int
	broken    map[digest.Digest][]byte
}

// New starts a Registry that is shut down when t finishes.
func New(t testing.TB) *Registry {
	r := &Registry{
		manifests: map[string]content{},
		blobs:     map[digest.Digest][]byte{},
		hits:      map[string]int{},
		broken:    map[digest.Digest][]byte{},
	}
	r.Server = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Server.Close)
	return r
}

// Options returns client options pointing the default registry and its
// token service at r.
func (r *Registry) Options(logger logrus.FieldLogger) registry.Options {
	return registry.Options{
		RegistryURL: r.Server.URL,
		AuthURL:     r.Server.URL,
		Service:     "registrytest",
		HTTPClient:  r.Server.Client(),
		Logger:      logger,
	}
}

// AddBlob stores b and returns its descriptor.
func (r *Registry) AddBlob(mediaType string, b []byte) ocispec.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := digest.FromBytes(b)
	r.blobs[d] = b
	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(b))}
}

// CorruptBlob makes r serve replacement bytes for d while still announcing
// d's size.
func (r *Registry) CorruptBlob(d digest.Digest, replacement []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken[d] = replacement
}

// RemoveBlob makes r answer 404 for d.
func (r *Registry) RemoveBlob(d digest.Digest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blobs, d)
}

// AddManifest marshals v and serves it under repo by digest and, if tag is
// not empty, by tag.
func (r *Registry) AddManifest(repo, tag, mediaType string, v any) ocispec.Descriptor {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := digest.FromBytes(b)
	c := content{mediaType: mediaType, body: b}
	r.manifests[repo+"@"+d.String()] = c
	if tag != "" {
		r.manifests[repo+":"+tag] = c
	}
	return ocispec.Descriptor{MediaType: mediaType, Digest: d, Size: int64(len(b))}
}

// Hits returns how many requests reached path.
func (r *Registry) Hits(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

// BlobHits returns how many times the blob d was requested from repo.
func (r *Registry) BlobHits(repo string, d digest.Digest) int {
	return r.Hits("/v2/" + repo + "/blobs/" + d.String())
}

// ManifestHits returns how many times repo's manifest ref was requested.
func (r *Registry) ManifestHits(repo, ref string) int {
	return r.Hits("/v2/" + repo + "/manifests/" + ref)
}

// TotalHits counts every request except token requests.
func (r *Registry) TotalHits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for p, c := range r.hits {
		if p != "/token" {
			n += c
		}
	}
	return n
}

func (r *Registry) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.hits[req.URL.Path]++
	r.mu.Unlock()

	switch {
	case req.URL.Path == "/token":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"token":"registrytest-token"}`)

	case strings.HasPrefix(req.URL.Path, "/storage/"):
		r.serveStorage(w, digest.Digest(strings.TrimPrefix(req.URL.Path, "/storage/")))

	case strings.HasPrefix(req.URL.Path, "/v2/"):
		if req.Header.Get("Authorization") != "Bearer registrytest-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		r.serveV2(w, req)

	default:
		http.NotFound(w, req)
	}
}

func (r *Registry) serveV2(w http.ResponseWriter, req *http.Request) {
	p := strings.TrimPrefix(req.URL.Path, "/v2/")

	if i := strings.LastIndex(p, "/manifests/"); i >= 0 {
		repo, ref := p[:i], p[i+len("/manifests/"):]
		key := repo + ":" + ref
		if strings.Contains(ref, ":") {
			key = repo + "@" + ref
		}
		r.mu.Lock()
		c, ok := r.manifests[key]
		r.mu.Unlock()
		if !ok {
			http.Error(w, `{"errors":[{"code":"MANIFEST_UNKNOWN"}]}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", c.mediaType)
		w.Header().Set("Docker-Content-Digest", digest.FromBytes(c.body).String())
		_, _ = w.Write(c.body)
		return
	}

	if i := strings.LastIndex(p, "/blobs/"); i >= 0 {
		d := p[i+len("/blobs/"):]
		w.Header().Set("Location", "/storage/"+d)
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}

	http.NotFound(w, req)
}

func (r *Registry) serveStorage(w http.ResponseWriter, d digest.Digest) {
	r.mu.Lock()
	b, ok := r.blobs[d]
	if bad, isBroken := r.broken[d]; ok && isBroken {
		b = bad
	}
	r.mu.Unlock()
	if !ok {
		http.Error(w, fmt.Sprintf("blob %s unknown", d), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(b)
}
