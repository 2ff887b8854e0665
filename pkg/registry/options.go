package registry

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults for Docker Hub.
const (
	DefaultRegistryURL = "https://registry-1.docker.io"
	DefaultAuthURL     = "https://auth.docker.io"
	DefaultService     = "registry.docker.io"
	DefaultUserAgent   = "imagecache/0.1"

	maxRedirects = 10
	maxErrorBody = 4 << 10
)

// Options configures a Client.
type Options struct {
	// RegistryURL is the base URL used for references to the default
	// registry. Other registries are addressed by their host.
	RegistryURL string
	// AuthURL is the token server base URL for the default registry.
	AuthURL string
	// Service is the token service name for the default registry.
	Service string

	DialTimeout           time.Duration
	ResponseHeaderTimeout time.Duration
	InsecureSkipTLSVerify bool
	UserAgent             string

	Logger logrus.FieldLogger

	// HTTPClient overrides the client built from the fields above. Its
	// CheckRedirect is replaced so that redirects reach the Client.
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.RegistryURL == "" {
		o.RegistryURL = DefaultRegistryURL
	}
	if o.AuthURL == "" {
		o.AuthURL = DefaultAuthURL
	}
	if o.Service == "" {
		o.Service = DefaultService
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.ResponseHeaderTimeout == 0 {
		o.ResponseHeaderTimeout = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func (o Options) httpClient() *http.Client {
	var c http.Client
	if o.HTTPClient != nil {
		c = *o.HTTPClient
	} else {
		c.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   o.DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: o.ResponseHeaderTimeout,
			MaxIdleConnsPerHost:   8,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: o.InsecureSkipTLSVerify, //nolint:gosec // opt-in via flag
			},
		}
	}
	// 307 responses are followed by the Client itself so that the same
	// headers, including Authorization, are replayed.
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}
