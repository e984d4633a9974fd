// Package admin implements the key management and operator handlers. Every
// route here sits behind AuthMiddleware (see internal/middleware/auth.go).
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/auth"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/db/models"
	"github.com/agent-market/agent-market/internal/middleware"
)

// APIKeyRepository is the storage used by the key handlers.
type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error
	GetAPIKeyByID(ctx context.Context, keyID string) (*models.APIKey, error)
	ListByOwner(ctx context.Context, owner string) ([]*models.APIKey, error)
	ListAll(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, keyID string) (bool, error)
}

// APIKeyHandlers serves /api/v1/apikeys.
type APIKeyHandlers struct {
	cfg      *config.Config
	repo     APIKeyRepository
	operator common.Address
}

// NewAPIKeyHandlers builds the key handlers. operator may manage every
// account's keys and grant any scope.
func NewAPIKeyHandlers(cfg *config.Config, repo APIKeyRepository, operator common.Address) *APIKeyHandlers {
	return &APIKeyHandlers{cfg: cfg, repo: repo, operator: operator}
}

type CreateAPIKeyRequest struct {
	Name        string   `json:"name" binding:"required"`
	Description *string  `json:"description"`
	Scopes      []string `json:"scopes"`
	ExpiresAt   *string  `json:"expires_at"` // RFC3339 format
}

// CreateAPIKeyResponse carries the plaintext key exactly once.
type CreateAPIKeyResponse struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Name        string     `json:"name"`
	Description *string    `json:"description"`
	Key         string     `json:"key"`
	KeyPrefix   string     `json:"key_prefix"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

func callerScopes(c *gin.Context) []string {
	v, _ := c.Get(middleware.ContextScopes)
	scopes, _ := v.([]string)
	return scopes
}

// manager reports whether caller may see and revoke keys it does not own.
func (h *APIKeyHandlers) manager(c *gin.Context, caller common.Address) bool {
	return caller == h.operator || auth.HasScope(callerScopes(c), auth.ScopeAPIKeysManage)
}

func abort(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// exceeding returns the first requested scope the holder cannot grant.
func exceeding(held, requested []string) (string, bool) {
	if auth.HasScope(held, auth.ScopeAdmin) {
		return "", false
	}
	for _, s := range requested {
		if !auth.HasScope(held, auth.Scope(s)) {
			return s, true
		}
	}
	return "", false
}

func parseExpiry(raw *string, now time.Time) (*time.Time, string) {
	if raw == nil {
		return nil, ""
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, "expires_at must be an RFC3339 timestamp"
	}
	if !t.After(now) {
		return nil, "expires_at must be in the future"
	}
	return &t, ""
}

// List returns the caller's keys, or every key for the operator and holders of
// api_keys:manage unless all=false.
//
// @Summary      List API keys
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        all  query  bool  false  "Include keys of every account (requires api_keys:manage)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/apikeys [get]
func (h *APIKeyHandlers) List(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	var (
		keys []*models.APIKey
		err  error
	)
	if h.manager(c, caller) && c.DefaultQuery("all", "true") != "false" {
		keys, err = h.repo.ListAll(ctx)
	} else {
		keys, err = h.repo.ListByOwner(ctx, caller.Hex())
	}
	if err != nil {
		slog.Error("list api keys", "caller", caller.Hex(), "error", err)
		abort(c, http.StatusInternalServerError, "failed to list API keys")
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// Create issues a key acting for the caller. The plaintext key appears only in
// this response and its scopes may not exceed the caller's.
//
// @Summary      Create API key
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateAPIKeyRequest  true  "API key"
// @Success      201  {object}  CreateAPIKeyResponse
// @Failure      400  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/v1/apikeys [post]
func (h *APIKeyHandlers) Create(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req CreateAPIKeyRequest
	if !respond.BindJSON(c, &req) {
		return
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = auth.GetDefaultScopes()
	}
	if err := auth.ValidateScopes(scopes); err != nil {
		abort(c, http.StatusBadRequest, "invalid scopes: "+err.Error())
		return
	}
	held := callerScopes(c)
	if s, over := exceeding(held, scopes); over && caller != h.operator {
		c.JSON(http.StatusForbidden, gin.H{
			"error":          "scope " + s + " exceeds your permissions",
			"allowed_scopes": held,
		})
		return
	}
	expiresAt, msg := parseExpiry(req.ExpiresAt, time.Now())
	if msg != "" {
		abort(c, http.StatusBadRequest, msg)
		return
	}

	generated, err := auth.GenerateAPIKey(h.cfg.Auth.APIKeys.Prefix)
	if err != nil {
		slog.Error("generate api key", "error", err)
		abort(c, http.StatusInternalServerError, "failed to generate API key")
		return
	}
	key := &models.APIKey{
		Owner:       caller.Hex(),
		Name:        req.Name,
		Description: req.Description,
		KeyHash:     generated.Hash,
		KeyPrefix:   generated.Prefix,
		Scopes:      scopes,
		ExpiresAt:   expiresAt,
	}
	if err := h.repo.CreateAPIKey(c.Request.Context(), key); err != nil {
		slog.Error("store api key", "owner", key.Owner, "error", err)
		abort(c, http.StatusInternalServerError, "failed to create API key")
		return
	}

	c.JSON(http.StatusCreated, CreateAPIKeyResponse{
		ID:          key.ID,
		Owner:       key.Owner,
		Name:        key.Name,
		Description: key.Description,
		Key:         generated.Key,
		KeyPrefix:   key.KeyPrefix,
		Scopes:      key.Scopes,
		ExpiresAt:   key.ExpiresAt,
		CreatedAt:   key.CreatedAt,
	})
}

// ownedKey loads the :id key if the caller owns it or manages keys.
func (h *APIKeyHandlers) ownedKey(c *gin.Context) (*models.APIKey, bool) {
	caller, ok := respond.Caller(c)
	if !ok {
		return nil, false
	}
	key, err := h.repo.GetAPIKeyByID(c.Request.Context(), c.Param("id"))
	switch {
	case err != nil:
		slog.Error("load api key", "id", c.Param("id"), "error", err)
		abort(c, http.StatusInternalServerError, "failed to load API key")
		return nil, false
	case key == nil:
		abort(c, http.StatusNotFound, "API key not found")
		return nil, false
	}

	if owner, err := respond.ParseAddress(key.Owner); err == nil && owner == caller {
		return key, true
	}
	if h.manager(c, caller) {
		return key, true
	}
	abort(c, http.StatusForbidden, "access denied")
	return nil, false
}

// Get returns one key's metadata. GET /api/v1/apikeys/:id
func (h *APIKeyHandlers) Get(c *gin.Context) {
	if key, ok := h.ownedKey(c); ok {
		c.JSON(http.StatusOK, gin.H{"key": key})
	}
}

// Revoke deletes a key. DELETE /api/v1/apikeys/:id
func (h *APIKeyHandlers) Revoke(c *gin.Context) {
	key, ok := h.ownedKey(c)
	if !ok {
		return
	}
	removed, err := h.repo.RevokeAPIKey(c.Request.Context(), key.ID)
	if err != nil {
		slog.Error("revoke api key", "id", key.ID, "error", err)
		abort(c, http.StatusInternalServerError, "failed to revoke API key")
		return
	}
	if !removed {
		abort(c, http.StatusNotFound, "API key not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": key.ID})
}
