package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"imagecache/pkg/errdefs"
	"imagecache/pkg/reference"
)

// Token is a bearer token scoped to pulling one repository. The zero Token
// (and a nil *Token) sends no Authorization header.
type Token struct {
	mu    sync.RWMutex
	value string

	realm   string
	service string
	scope   string
}

// Value returns the current bearer token, or "".
func (t *Token) Value() string {
	if t == nil {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

func (t *Token) refreshable() bool {
	return t != nil && t.realm != ""
}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token obtains an anonymous pull token for ref's repository. For the default
// registry the configured auth endpoint is used; for any other registry the
// endpoint is discovered from the /v2/ challenge. A registry that accepts the
// unauthenticated ping gets an empty token.
func (c *Client) Token(ctx context.Context, ref reference.Reference) (*Token, error) {
	t := &Token{scope: fmt.Sprintf("repository:%s:pull", ref.Repository())}

	if ref.IsDefaultRegistry() {
		t.realm = c.opts.AuthURL + "/token"
		t.service = c.opts.Service
	} else {
		realm, service, err := c.discoverAuth(ctx, ref)
		if err != nil {
			return nil, err
		}
		if realm == "" {
			c.log.WithField("registry", ref.Registry()).Debug("registry allows anonymous access")
			return t, nil
		}
		t.realm, t.service = realm, service
	}

	if err := c.fetchToken(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// refreshToken replaces a token value the registry rejected. Callers that
// were rejected concurrently share one token request, and a value that was
// already replaced is not fetched again.
func (c *Client) refreshToken(ctx context.Context, t *Token, rejected string) error {
	key := fmt.Sprintf("%s@%p", t.scope, t)
	_, err := c.refresh.Do(ctx, key, func(ctx context.Context) (any, error) {
		if t.Value() != rejected {
			return nil, nil
		}
		c.log.WithField("scope", t.scope).Debug("refreshing registry token")
		return nil, c.fetchToken(ctx, t)
	})
	return err
}

func (c *Client) fetchToken(ctx context.Context, t *Token) error {
	u, err := url.Parse(t.realm)
	if err != nil {
		return errdefs.Protocolf("invalid token realm %q: %w", t.realm, err)
	}
	q := u.Query()
	if t.service != "" {
		q.Set("service", t.service)
	}
	q.Set("scope", t.scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to request token from %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newStatusError(req, resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read token response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return errdefs.Parsef("decode token response: %w", err)
	}
	value := tr.Token
	if value == "" {
		value = tr.AccessToken
	}
	if value == "" {
		return errdefs.Parsef("token response has no token field")
	}

	t.mu.Lock()
	t.value = value
	t.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"scope":      t.scope,
		"expires_in": tr.ExpiresIn,
	}).Debug("obtained registry token")
	return nil
}

// discoverAuth pings /v2/ and returns the bearer realm and service. An empty
// realm means no authentication is required.
func (c *Client) discoverAuth(ctx context.Context, ref reference.Reference) (realm, service string, err error) {
	endpoint := c.baseURL(ref) + "/v2/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to build ping request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to ping %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return "", "", nil
	case http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		ch, ok := bearerChallenge(resp.Header)
		if !ok {
			return "", "", errdefs.Protocolf("%s: no bearer challenge in WWW-Authenticate", endpoint)
		}
		realm = ch.Parameters["realm"]
		if realm == "" {
			return "", "", errdefs.Protocolf("%s: bearer challenge has no realm", endpoint)
		}
		return realm, ch.Parameters["service"], nil
	default:
		return "", "", newStatusError(req, resp)
	}
}
