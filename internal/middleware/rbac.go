// Package middleware (rbac.go) implements scope-based authorization middleware.
//
// Scopes limit what an API key may do on behalf of its owner. Wallet sessions
// carry the market write scopes. Ownership rules (who may touch an organization,
// agent or job) are enforced by the domain packages, not here.

package middleware

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/auth"
)

func contextScopes(c *gin.Context) ([]string, bool) {
	scopesVal, exists := c.Get(ContextScopes)
	if !exists {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Insufficient permissions",
		})
		return nil, false
	}

	scopes, ok := scopesVal.([]string)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Invalid scopes format",
		})
		return nil, false
	}
	return scopes, true
}

// RequireScope checks if the authenticated caller has the required scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := contextScopes(c)
		if !ok {
			return
		}

		if !auth.HasScope(scopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}

		c.Next()
	}
}

// RequireAnyScope checks if the authenticated caller has at least one of the required scopes
func RequireAnyScope(required ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes, ok := contextScopes(c)
		if !ok {
			return
		}

		if !auth.HasAnyScope(scopes, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing required scope",
			})
			return
		}

		c.Next()
	}
}

// RequireOperator only admits the deployment operator account.
func RequireOperator(operator common.Address) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := Account(c)
		if !ok || account != operator {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Operator access required",
			})
			return
		}
		c.Next()
	}
}
