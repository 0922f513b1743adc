package github

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appJWTSkew backdates the issued-at claim so small clock drift between this
// process and the platform does not reject the JWT.
const (
	appJWTSkew = time.Minute
	appJWTTTL  = 10 * time.Minute
)

type (
	// tokenCache holds installation tokens per repository. Tokens are
	// fetched lazily and refreshed shortly before expiry. Concurrent
	// misses may fetch twice; the platform tolerates that and the cache
	// keeps whichever lands last.
	tokenCache struct {
		mu     sync.Mutex
		tokens map[string]installationToken
	}

	installationToken struct {
		Token     string
		ExpiresAt time.Time
	}
)

func newTokenCache() *tokenCache {
	return &tokenCache{tokens: make(map[string]installationToken)}
}

func (c *tokenCache) get(repo string) (installationToken, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok, ok := c.tokens[repo]
	if !ok || time.Until(tok.ExpiresAt) < time.Minute {
		return installationToken{}, false
	}
	return tok, true
}

func (c *tokenCache) put(repo string, tok installationToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[repo] = tok
}

// appJWT signs a short-lived app JWT for the installation token exchange.
func appJWT(appID string, key *rsa.PrivateKey, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// installationToken exchanges the app JWT for an installation token scoped to
// the repository. The installation id is resolved from the repository first.
func (c *Client) installationToken(ctx context.Context, repo string) (string, error) {
	if tok, ok := c.cache.get(repo); ok {
		return tok.Token, nil
	}

	bearer, err := appJWT(c.appID, c.key, c.now())
	if err != nil {
		return "", err
	}

	var inst struct {
		ID int64 `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/repos/"+repo+"/installation", bearer, nil, &inst); err != nil {
		return "", fmt.Errorf("resolve installation for %s: %w", repo, err)
	}

	var tok struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", inst.ID)
	if err := c.doJSON(ctx, http.MethodPost, path, bearer, struct{}{}, &tok); err != nil {
		return "", fmt.Errorf("create installation token for %s: %w", repo, err)
	}

	c.cache.put(repo, installationToken{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
	return tok.Token, nil
}

// parsePrivateKey decodes a PEM-encoded RSA private key.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return key, nil
}

// decodeBody decodes a JSON response body into out when out is non-nil.
func decodeBody(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
