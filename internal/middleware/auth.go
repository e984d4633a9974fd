// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, security headers, metrics, and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	RequestID → Metrics → Security → RateLimit → Auth → Scope → Audit → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attacks before any bcrypt work.
// Auth resolves the calling account and its scopes; scope checks read from that context.
// Audit logging runs after authorization so only authorized mutations are recorded.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/auth"
	"github.com/agent-market/agent-market/internal/db/models"
	"github.com/agent-market/agent-market/internal/safego"
)

// Context keys set by AuthMiddleware.
const (
	ContextAccount    = "account"
	ContextAuthMethod = "auth_method"
	ContextScopes     = "scopes"
	ContextAPIKeyID   = "api_key_id"
)

// APIKeyStore is the subset of the API key repository used for authentication.
type APIKeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, keyPrefix string) ([]*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, keyID string) error
}

// AuthOptions configures AuthMiddleware. A nil Keys store disables API keys.
type AuthOptions struct {
	Keys      APIKeyStore
	KeyPrefix string
}

type authFailure struct {
	status  int
	message string
}

// AuthMiddleware requires a session JWT or an API key and records the calling
// account in the context.
func AuthMiddleware(opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if fail := authenticate(c, opts); fail != nil {
			c.AbortWithStatusJSON(fail.status, gin.H{"error": fail.message})
			return
		}
		c.Next()
	}
}

// OptionalAuthMiddleware - same as AuthMiddleware but doesn't abort if no auth
func OptionalAuthMiddleware(opts AuthOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "" {
			_ = authenticate(c, opts)
		}
		c.Next()
	}
}

func authenticate(c *gin.Context, opts AuthOptions) *authFailure {
	token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
	if err != nil {
		return &authFailure{http.StatusUnauthorized, err.Error()}
	}

	// JWT first: it needs no database round-trip.
	if !auth.IsAPIKey(token, opts.KeyPrefix) {
		claims, err := auth.ValidateJWT(token)
		if err != nil {
			return &authFailure{http.StatusUnauthorized, "Invalid credentials"}
		}
		c.Set(ContextAccount, claims.Account())
		c.Set(ContextAuthMethod, "jwt")
		c.Set(ContextScopes, auth.GetSessionScopes())
		return nil
	}

	if opts.Keys == nil {
		return &authFailure{http.StatusUnauthorized, "API keys are not enabled"}
	}

	// Only the bcrypt hash is stored. The lookup prefix narrows the candidates
	// so bcrypt runs on a handful of rows, not the whole table.
	apiKey, err := authenticateAPIKey(c.Request.Context(), token, opts.Keys)
	if err != nil {
		slog.Error("api key lookup failed", "error", err)
		return &authFailure{http.StatusInternalServerError, "Authentication failed"}
	}
	if apiKey == nil {
		return &authFailure{http.StatusUnauthorized, "Invalid credentials"}
	}
	if apiKey.IsExpired(time.Now()) {
		return &authFailure{http.StatusUnauthorized, "API key expired"}
	}
	if !common.IsHexAddress(apiKey.Owner) {
		return &authFailure{http.StatusUnauthorized, "Invalid credentials"}
	}

	// Last-used tracking is best-effort and must not add latency to the request.
	id := apiKey.ID
	safego.Go("api-key-last-used", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opts.Keys.UpdateLastUsed(ctx, id); err != nil {
			slog.Debug("failed to update api key last use", "api_key_id", id, "error", err)
		}
	})

	c.Set(ContextAccount, common.HexToAddress(apiKey.Owner))
	c.Set(ContextAuthMethod, "api_key")
	c.Set(ContextAPIKeyID, apiKey.ID)
	c.Set(ContextScopes, apiKey.Scopes)
	return nil
}

// authenticateAPIKey attempts to authenticate an API key by prefix lookup and bcrypt validation
func authenticateAPIKey(ctx context.Context, providedKey string, keys APIKeyStore) (*models.APIKey, error) {
	candidates, err := keys.GetAPIKeysByPrefix(ctx, auth.LookupPrefix(providedKey))
	if err != nil {
		return nil, err
	}

	for _, key := range candidates {
		if auth.ValidateAPIKey(providedKey, key.KeyHash) {
			return key, nil
		}
	}

	return nil, nil
}

// Account returns the authenticated caller, if any.
func Account(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(ContextAccount)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}
