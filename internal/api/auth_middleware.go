/**
 * @description
 * Authentication and authorization middleware. User requests carry an RS256
 * JWT whose signing keys are fetched from a JWKS endpoint and cached; the
 * `sub` claim is the user id and a `role` or `roles` claim marks admins.
 * Server-to-server calls authenticate with the shared internal API key.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and signature checks.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/escrow-service/internal/domain"
)

type contextKey string

const actorContextKey = contextKey("actor")

// InternalAPIKeyHeader carries the shared key for internal routes.
const InternalAPIKeyHeader = "X-Internal-API-Key"

// KeySource resolves JWT signing keys by key id.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

const (
	defaultJWKSCacheTTL   = 10 * time.Minute
	minJWKSRefreshBackoff = 30 * time.Second
)

// JWKSCache fetches a JWKS document and keeps its RSA keys in memory. An
// unknown kid triggers a refetch, rate limited so bad tokens cannot hammer
// the issuer.
type JWKSCache struct {
	url    string
	client *http.Client
	ttl    time.Duration

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

func NewJWKSCache(jwksURL string) *JWKSCache {
	return &JWKSCache{
		url:    strings.TrimSpace(jwksURL),
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    defaultJWKSCacheTTL,
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (c *JWKSCache) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if c.url == "" {
		return nil, fmt.Errorf("jwks url is not configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	key, ok := c.keys[kid]
	fresh := now.Sub(c.fetchedAt) < c.ttl
	if ok && fresh {
		return key, nil
	}
	if !fresh || now.Sub(c.lastAttempt) >= minJWKSRefreshBackoff {
		c.lastAttempt = now
		keys, err := c.fetch(ctx)
		if err != nil {
			if ok {
				return key, nil
			}
			return nil, err
		}
		c.keys = keys
		c.fetchedAt = now
		key, ok = keys[kid]
	}
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *JWKSCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "" && key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key.Kid, err)
		}
		keys[key.Kid] = pub
	}
	return keys, nil
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}

// AuthOptions tunes AuthMiddleware.
type AuthOptions struct {
	AdminRole string
	Audience  string
	Issuer    string
}

// AuthMiddleware validates bearer JWTs and stores the caller in the context.
func AuthMiddleware(keys KeySource, opts AuthOptions) func(http.Handler) http.Handler {
	adminRole := strings.TrimSpace(opts.AdminRole)
	if adminRole == "" {
		adminRole = "admin"
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.PublicKey(r.Context(), kid)
			}, parserOpts...)
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Invalid token claims")
				return
			}
			userID, _ := claims["sub"].(string)
			if strings.TrimSpace(userID) == "" {
				writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "User ID not found in token")
				return
			}

			actor := domain.Actor{UserID: userID, IsAdmin: hasRole(claims, adminRole)}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func hasRole(claims jwt.MapClaims, role string) bool {
	if v, ok := claims["role"].(string); ok && strings.EqualFold(v, role) {
		return true
	}
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, item := range list {
			if v, ok := item.(string); ok && strings.EqualFold(v, role) {
				return true
			}
		}
	}
	if meta, ok := claims["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["role"].(string); ok && strings.EqualFold(v, role) {
			return true
		}
	}
	return false
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok || !actor.IsAdmin {
			writeError(w, http.StatusForbidden, CodeNotAuthorized, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// InternalAuthMiddleware validates the internal API key for server-to-server
// calls and runs the request as the system actor. An empty key disables the
// internal routes entirely.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get(InternalAPIKeyHeader)
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), domain.SystemActor)))
		})
	}
}

// WithActor stores the caller in ctx.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey, actor)
}

// ActorFromContext retrieves the caller from the request context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(domain.Actor)
	return actor, ok
}
