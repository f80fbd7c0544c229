package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-logr/logr"
	"kubegems.io/deployx/pkg/errors"
)

// AnonymousPaths are served without credentials.
var AnonymousPaths = []string{"/healthz", "/metrics"}

func NewOIDCProvider(ctx context.Context, issuer string) (*oidc.Provider, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return provider, nil
}

// TokenVerifier checks a bearer token and returns the subject it belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
	cache    *tokenCache
}

func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	provider, err := NewOIDCProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		cache:    newTokenCache(DefaultTokenCacheSize),
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, token string) (string, error) {
	if subject, ok := v.cache.get(token); ok {
		return subject, nil
	}
	idtoken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	v.cache.set(token, idtoken.Subject, idtoken.Expiry)
	return idtoken.Subject, nil
}

const DefaultTokenCacheSize = 1024

// tokenCache remembers verified tokens until they expire. Expired entries are
// swept when the cache is full; if it is still full the new token is not cached.
type tokenCache struct {
	mu       sync.Mutex
	capacity int
	now      func() time.Time
	entries  map[string]cachedToken
}

type cachedToken struct {
	subject string
	expiry  time.Time
}

func newTokenCache(capacity int) *tokenCache {
	return &tokenCache{capacity: capacity, now: time.Now, entries: map[string]cachedToken{}}
}

func (c *tokenCache) get(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.entries[token]
	if !ok {
		return "", false
	}
	if !c.now().Before(cached.expiry) {
		delete(c.entries, token)
		return "", false
	}
	return cached.subject, true
}

func (c *tokenCache) set(token, subject string, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !now.Before(expiry) {
		return
	}
	if _, ok := c.entries[token]; !ok && len(c.entries) >= c.capacity {
		for k, cached := range c.entries {
			if !now.Before(cached.expiry) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.capacity {
			return
		}
	}
	c.entries[token] = cachedToken{subject: subject, expiry: expiry}
}

func (c *tokenCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StaticTokenVerifier accepts a single shared token.
type StaticTokenVerifier struct {
	Token   string
	Subject string
}

func (v StaticTokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Token)) != 1 {
		return "", errors.NewUnauthorizedError("invalid token")
	}
	return v.Subject, nil
}

type subjectKey struct{}

// SubjectFromContext returns the authenticated subject of a request.
func SubjectFromContext(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}

// NewAuthFilter rejects requests without a bearer token accepted by verifier.
func NewAuthFilter(verifier TokenVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, path := range AnonymousPaths {
			if r.URL.Path == path {
				next.ServeHTTP(w, r)
				return
			}
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			unauthorized(w, "missing bearer token")
			return
		}
		subject, err := verifier.Verify(r.Context(), token)
		if err != nil {
			logr.FromContextOrDiscard(r.Context()).V(1).Info("token rejected", "path", r.URL.Path, "error", err.Error())
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="deployx"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(errors.NewUnauthorizedError(msg))
}
