// audit.go records API calls to the audit_logs table and to the configured
// audit shippers.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/audit"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/db/models"
	"github.com/agent-market/agent-market/internal/safego"
)

// AuditRepository persists audit entries.
type AuditRepository interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// resourceTypes maps the route segment after /api/v1/ to a resource type.
// Nested collections are resolved by resourceFromRoute.
var resourceTypes = map[string]string{
	"organizations":        "organization",
	"service-tags":         "service",
	"type-repository-tags": "type_repository",
	"records":              "record",
	"agents":               "agent",
	"jobs":                 "job",
	"token":                "token",
	"admin":                "admin",
	"auth":                 "session",
}

// resourceFromRoute derives the resource type and ID from the matched route
// template and its parameters. The innermost resource wins, so
// /organizations/:org/services/:name yields ("service", "<org>/<name>").
func resourceFromRoute(c *gin.Context) (string, string) {
	segments := strings.Split(strings.TrimPrefix(c.FullPath(), "/api/v1/"), "/")
	if len(segments) == 0 {
		return "", ""
	}
	resourceType := resourceTypes[segments[0]]
	resourceID := ""

	switch resourceType {
	case "organization":
		resourceID = c.Param("org")
		if len(segments) >= 3 {
			switch segments[2] {
			case "services":
				resourceType = "service"
			case "type-repositories":
				resourceType = "type_repository"
			}
			if name := c.Param("name"); name != "" {
				resourceID += "/" + name
			}
		}
	case "record":
		resourceID = c.Param("name")
	case "agent":
		resourceID = c.Param("address")
		if len(segments) >= 3 && segments[2] == "jobs" {
			resourceType = "job"
			resourceID = c.Param("job")
		}
	case "job":
		resourceID = c.Param("job")
	case "admin":
		if len(segments) >= 2 && segments[1] == "apikeys" {
			resourceType = "api_key"
			resourceID = c.Param("id")
		} else if len(segments) >= 2 && segments[1] == "exports" {
			resourceType = "export"
		}
	}
	return resourceType, resourceID
}

func shouldAudit(c *gin.Context, cfg config.AuditConfig) bool {
	method := c.Request.Method
	if method == http.MethodOptions || method == http.MethodHead {
		return false
	}
	if method == http.MethodGet && !cfg.LogReadOperations {
		return false
	}
	if c.Writer.Status() >= 400 && !cfg.LogFailedRequests {
		return false
	}
	return true
}

// AuditMiddleware records each request after it completes. Either sink may
// be nil. Writes happen on a background goroutine so a slow database or
// shipper never delays the response.
func AuditMiddleware(repo AuditRepository, shipper audit.Shipper, cfg config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if (repo == nil && shipper == nil) || !shouldAudit(c, cfg) {
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		action := c.Request.Method + " " + route
		resourceType, resourceID := resourceFromRoute(c)
		status := c.Writer.Status()
		ipAddress := c.ClientIP()
		authMethod := c.GetString(ContextAuthMethod)
		now := time.Now().UTC()

		var actor string
		if account, ok := Account(c); ok {
			actor = account.Hex()
		}

		metadata := map[string]interface{}{"status_code": status}
		if authMethod != "" {
			metadata["auth_method"] = authMethod
		}
		if id := c.GetString(RequestIDKey); id != "" {
			metadata["request_id"] = id
		}

		entry := &audit.LogEntry{
			Timestamp:    now,
			Action:       action,
			Actor:        actor,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			IPAddress:    ipAddress,
			AuthMethod:   authMethod,
			StatusCode:   status,
			Metadata:     metadata,
		}

		safego.Go("audit-write", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if repo != nil {
				if err := repo.CreateAuditLog(ctx, toAuditLog(entry)); err != nil {
					slog.Error("failed to write audit log", "action", action, "error", err)
				}
			}
			if shipper != nil {
				if err := shipper.Ship(ctx, entry); err != nil {
					slog.Warn("failed to ship audit log", "action", action, "error", err)
				}
			}
		})
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toAuditLog(e *audit.LogEntry) *models.AuditLog {
	return &models.AuditLog{
		Actor:        optional(e.Actor),
		Action:       e.Action,
		ResourceType: optional(e.ResourceType),
		ResourceID:   optional(e.ResourceID),
		Metadata:     e.Metadata,
		IPAddress:    optional(e.IPAddress),
		CreatedAt:    e.Timestamp,
	}
}
