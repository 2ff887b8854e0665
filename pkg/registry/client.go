// Package registry implements the read side of the Docker/OCI distribution
// HTTP API: anonymous bearer tokens, manifests and blobs, with redirect
// following and integrity checks on everything it returns.
package registry

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"imagecache/pkg/errdefs"
	"imagecache/pkg/manifest"
	"imagecache/pkg/reference"
	"imagecache/pkg/taskgroup"
)

// ManifestAccept lists the manifest media types advertised on manifest
// requests.
var ManifestAccept = []string{
	manifest.MediaTypeDockerManifest,
	manifest.MediaTypeDockerManifestList,
	manifest.MediaTypeDockerSchema1,
	manifest.MediaTypeOCIManifest,
	manifest.MediaTypeOCIIndex,
}

// Client talks to registries. It is safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	log     logrus.FieldLogger
	refresh taskgroup.Shared
}

// New returns a Client for opts.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts: opts,
		http: opts.httpClient(),
		log:  opts.Logger.WithField("component", "registry"),
	}
}

func (c *Client) baseURL(ref reference.Reference) string {
	if ref.IsDefaultRegistry() {
		return strings.TrimSuffix(c.opts.RegistryURL, "/")
	}
	return ref.Scheme() + "://" + ref.Registry()
}

// Manifest fetches the manifest ref names and returns the media type the
// registry announced together with the body. For digest references the body
// is verified against the digest while it is read.
func (c *Client) Manifest(ctx context.Context, ref reference.Reference, tok *Token) (string, io.ReadCloser, error) {
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", c.baseURL(ref), ref.Repository(), ref.Identifier())

	resp, mediaType, err := c.get(ctx, u, ManifestAccept, tok)
	if err != nil {
		return "", nil, err
	}

	if !ref.IsDigest() {
		return mediaType, resp.Body, nil
	}

	want := ref.Digest()
	if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != want.String() {
		resp.Body.Close()
		return "", nil, errdefs.Integrityf("manifest %s: registry announced digest %s", want, got)
	}
	return mediaType, newVerifyingReader(resp.Body, want, -1), nil
}

// Blob fetches the blob desc describes from ref's repository. The announced
// length and digest must match desc, and the returned stream fails with an
// integrity error instead of io.EOF if the content does not.
func (c *Client) Blob(ctx context.Context, ref reference.Reference, desc ocispec.Descriptor, tok *Token) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", c.baseURL(ref), ref.Repository(), desc.Digest)

	resp, _, err := c.get(ctx, u, nil, tok)
	if err != nil {
		return nil, err
	}

	if resp.ContentLength < 0 {
		resp.Body.Close()
		return nil, errdefs.Protocolf("blob %s: response has no Content-Length", desc.Digest)
	}
	if resp.ContentLength != desc.Size {
		resp.Body.Close()
		return nil, errdefs.Integrityf("blob %s: Content-Length %d, expected %d", desc.Digest, resp.ContentLength, desc.Size)
	}
	if got := resp.Header.Get("Docker-Content-Digest"); got != "" && got != desc.Digest.String() {
		resp.Body.Close()
		return nil, errdefs.Integrityf("blob %s: registry announced digest %s", desc.Digest, got)
	}

	return newVerifyingReader(resp.Body, desc.Digest, desc.Size), nil
}

// get issues a GET for rawURL and returns the final 200 response together
// with its parsed media type. 307 redirects are followed with the same
// headers, and a 401 triggers one token refresh.
func (c *Client) get(ctx context.Context, rawURL string, accept []string, tok *Token) (*http.Response, string, error) {
	target := rawURL
	redirects := 0
	refreshed := false

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to build request for %s: %w", target, err)
		}
		for _, a := range accept {
			req.Header.Add("Accept", a)
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)
		sent := tok.Value()
		if sent != "" {
			req.Header.Set("Authorization", "Bearer "+sent)
		}

		log := c.log.WithField("url", target)
		log.Debug("GET")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("failed to GET %s: %w", target, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			mediaType, err := contentType(resp)
			if err != nil {
				resp.Body.Close()
				return nil, "", err
			}
			return resp, mediaType, nil

		case http.StatusTemporaryRedirect:
			loc := resp.Header.Get("Location")
			discard(resp)
			if loc == "" {
				return nil, "", errdefs.Protocolf("GET %s: redirect without Location header", target)
			}
			redirects++
			if redirects > maxRedirects {
				return nil, "", errdefs.Protocolf("GET %s: more than %d redirects", rawURL, maxRedirects)
			}
			next, err := req.URL.Parse(loc)
			if err != nil {
				return nil, "", errdefs.Protocolf("GET %s: invalid Location %q: %w", target, loc, err)
			}
			log.WithField("location", next.String()).Debug("following redirect")
			target = next.String()
			continue

		case http.StatusUnauthorized:
			if !refreshed && tok.refreshable() {
				discard(resp)
				if err := c.refreshToken(ctx, tok, sent); err != nil {
					return nil, "", err
				}
				refreshed = true
				continue
			}
		}

		err = newStatusError(req, resp)
		resp.Body.Close()
		return nil, "", err
	}
}

func contentType(resp *http.Response) (string, error) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return "", errdefs.Protocolf("GET %s: response has no Content-Type", resp.Request.URL)
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", errdefs.Protocolf("GET %s: invalid Content-Type %q: %w", resp.Request.URL, ct, err)
	}
	return mediaType, nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

func newStatusError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &errdefs.StatusError{
		Method:     req.Method,
		URL:        req.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}

// verifyingReader checks size and digest of everything read through it and
// reports a mismatch in place of io.EOF.
type verifyingReader struct {
	rc       io.ReadCloser
	verifier digest.Verifier
	want     digest.Digest
	size     int64
	n        int64
}

func newVerifyingReader(rc io.ReadCloser, want digest.Digest, size int64) io.ReadCloser {
	return &verifyingReader{rc: rc, verifier: want.Verifier(), want: want, size: size}
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.n += int64(n)
		_, _ = r.verifier.Write(p[:n])
		if r.size >= 0 && r.n > r.size {
			return n, errdefs.Integrityf("%s: read more than %d bytes", r.want, r.size)
		}
	}
	if err == io.EOF {
		if r.size >= 0 && r.n != r.size {
			return n, errdefs.Integrityf("%s: read %d bytes, expected %d", r.want, r.n, r.size)
		}
		if !r.verifier.Verified() {
			return n, errdefs.Integrityf("%s: content digest mismatch", r.want)
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	return r.rc.Close()
}
