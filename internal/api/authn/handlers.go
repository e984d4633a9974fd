// Package authn implements wallet login: a client requests a challenge for its
// address, signs the challenge message with the account key, and exchanges the
// signature for a session token. No account records are kept server-side.
package authn

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/auth"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/middleware"
	"github.com/agent-market/agent-market/internal/sigauth"
)

// Handlers serves the authentication endpoints.
type Handlers struct {
	cfg       *config.AuthConfig
	recoverer sigauth.Recoverer
}

// NewHandlers creates authentication handlers. A nil recoverer uses ECDSA recovery.
func NewHandlers(cfg *config.AuthConfig, recoverer sigauth.Recoverer) *Handlers {
	if recoverer == nil {
		recoverer = sigauth.ECDSARecoverer{}
	}
	return &Handlers{cfg: cfg, recoverer: recoverer}
}

// ChallengeRequest is the body of POST /auth/challenge.
type ChallengeRequest struct {
	Address string `json:"address" binding:"required"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Challenge string `json:"challenge" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// @Summary      Request login challenge
// @Description  Returns a short-lived challenge whose message must be signed with the account key.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        body  body  ChallengeRequest  true  "Account address"
// @Success      200  {object}  auth.Challenge
// @Failure      400  {object}  map[string]interface{}  "Invalid address"
// @Router       /api/v1/auth/challenge [post]
func (h *Handlers) Challenge(c *gin.Context) {
	var req ChallengeRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	addr, err := respond.ParseAddress(req.Address)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	challenge, err := auth.IssueChallenge(addr, h.cfg.ChallengeTTL)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, challenge)
}

// @Summary      Log in
// @Description  Exchanges a signed challenge for a session token.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        body  body  LoginRequest  true  "Challenge and signature"
// @Success      200  {object}  map[string]interface{}  "token, expires_in, address"
// @Failure      401  {object}  map[string]interface{}  "Challenge expired or signature mismatch"
// @Failure      422  {object}  map[string]interface{}  "Malformed signature"
// @Router       /api/v1/auth/login [post]
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	sig, err := sigauth.ParseHex(req.Signature)
	if err != nil {
		respond.Error(c, err)
		return
	}

	addr, err := auth.VerifyChallenge(h.recoverer, req.Challenge, sig)
	if err != nil {
		msg := "Invalid or expired challenge"
		if errors.Is(err, auth.ErrChallengeSignature) {
			msg = "Signature does not match the challenged address"
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
		return
	}

	ttl := h.cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := auth.GenerateJWT(addr, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
		"address":    addr,
	})
}

// @Summary      Current account
// @Tags         Authentication
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "address, auth_method, scopes"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/v1/auth/me [get]
// Me returns the authenticated account and how it authenticated.
// GET /api/v1/auth/me
func (h *Handlers) Me(c *gin.Context) {
	addr, ok := respond.Caller(c)
	if !ok {
		return
	}
	method, _ := c.Get(middleware.ContextAuthMethod)
	scopes, _ := c.Get(middleware.ContextScopes)
	c.JSON(http.StatusOK, gin.H{
		"address":     addr,
		"auth_method": method,
		"scopes":      scopes,
	})
}

// @Summary      Refresh session
// @Tags         Authentication
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "token, expires_in"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      403  {object}  map[string]interface{}  "API keys cannot refresh"
// @Router       /api/v1/auth/refresh [post]
// Refresh issues a fresh session token. API keys cannot be exchanged for sessions.
// POST /api/v1/auth/refresh
func (h *Handlers) Refresh(c *gin.Context) {
	addr, ok := respond.Caller(c)
	if !ok {
		return
	}
	if method, _ := c.Get(middleware.ContextAuthMethod); method != "jwt" {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only session tokens can be refreshed"})
		return
	}
	ttl := h.cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, err := auth.GenerateJWT(addr, ttl)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int(ttl.Seconds())})
}
