package cloudauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/castellan-io/relaygate/internal/cache"
)

// GCPOAuthTransport is an http.RoundTripper that injects a GCP OAuth2
// bearer token on every outbound request, using Application Default
// Credentials (ADC). Tokens are cached and auto-refreshed.
type GCPOAuthTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewGCPOAuthTransport returns a transport that obtains GCP credentials
// via ADC and injects an Authorization: Bearer header on each request.
// scopes specifies the required OAuth2 scopes.
func NewGCPOAuthTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*GCPOAuthTransport, error) {
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: find GCP credentials: %w", err)
	}
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, creds.TokenSource),
	}, nil
}

// newGCPOAuthTransportFromSource creates a GCPOAuthTransport with an
// explicit token source (used for testing).
func newGCPOAuthTransportFromSource(base http.RoundTripper, ts oauth2.TokenSource) *GCPOAuthTransport {
	return &GCPOAuthTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, ts),
	}
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *GCPOAuthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain GCP token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *GCPOAuthTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// tokenCacheSlack is how far ahead of a token's real expiry it is treated
// as stale, so a request in flight never picks up a token that expires
// mid-call.
const tokenCacheSlack = 5 * time.Minute

// VertexServiceAccountTransport is an http.RoundTripper for Vertex AI that
// exchanges a service-account JSON credential for a bearer token via a
// signed JWT, rather than relying on ambient Application Default
// Credentials. The exchanged token is cached — keyed by a hash of the
// credential blob, not the blob itself — in an optional shared Cache so
// multiple gateway instances configured with the same service account
// reuse one token instead of each minting their own.
type VertexServiceAccountTransport struct {
	base   http.RoundTripper
	source oauth2.TokenSource
}

// NewVertexServiceAccountTransport parses serviceAccountJSON with
// google.JWTConfigFromJSON and wraps its token source with cache lookups
// keyed by OAuthTokenKey(sha256(serviceAccountJSON)). tokenCache may be nil,
// in which case each transport instance refreshes independently.
func NewVertexServiceAccountTransport(ctx context.Context, base http.RoundTripper, serviceAccountJSON string, tokenCache cache.Cache, scopes ...string) (*VertexServiceAccountTransport, error) {
	jwtConf, err := google.JWTConfigFromJSON([]byte(serviceAccountJSON), scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: parse vertex service account json: %w", err)
	}

	var source oauth2.TokenSource = jwtConf.TokenSource(ctx)
	if tokenCache != nil {
		source = &cachedTokenSource{
			ctx:        ctx,
			cache:      tokenCache,
			key:        cache.OAuthTokenKey(credentialDigest(serviceAccountJSON)),
			underlying: source,
		}
	}

	return &VertexServiceAccountTransport{
		base:   base,
		source: oauth2.ReuseTokenSource(nil, source),
	}, nil
}

// RoundTrip obtains a token and injects it as a Bearer header.
func (t *VertexServiceAccountTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: obtain vertex service account token: %w", err)
	}
	r2 := r.Clone(r.Context())
	r2.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return t.getBase().RoundTrip(r2)
}

func (t *VertexServiceAccountTransport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}

// cachedToken is the JSON shape stored under an oauth_token: cache key.
type cachedToken struct {
	AccessToken string    `json:"access_token"`
	Expiry      time.Time `json:"expiry"`
}

// cachedTokenSource checks a shared Cache before falling back to the
// underlying oauth2.TokenSource, and writes the freshly exchanged token
// back to the cache with a TTL that expires tokenCacheSlack before the
// token's real expiry.
type cachedTokenSource struct {
	ctx        context.Context
	cache      cache.Cache
	key        string
	underlying oauth2.TokenSource
}

func (s *cachedTokenSource) Token() (*oauth2.Token, error) {
	if b, ok := s.cache.Get(s.ctx, s.key); ok {
		var ct cachedToken
		if err := json.Unmarshal(b, &ct); err == nil && time.Now().Before(ct.Expiry.Add(-tokenCacheSlack)) {
			return &oauth2.Token{AccessToken: ct.AccessToken, Expiry: ct.Expiry}, nil
		}
	}

	tok, err := s.underlying.Token()
	if err != nil {
		return nil, err
	}

	if ttl := time.Until(tok.Expiry) - tokenCacheSlack; ttl > 0 {
		if b, err := json.Marshal(cachedToken{AccessToken: tok.AccessToken, Expiry: tok.Expiry}); err == nil {
			s.cache.Set(s.ctx, s.key, b, ttl)
		}
	}
	return tok, nil
}

// credentialDigest returns a hex-encoded SHA-256 hash of a credential blob,
// used as a cache key component so the credential itself is never stored
// or logged as a map/cache key.
func credentialDigest(blob string) string {
	h := sha256.Sum256([]byte(blob))
	return hex.EncodeToString(h[:])
}
