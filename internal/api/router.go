// Package api wires together all HTTP routes for the agent market backend.
//
// Route grouping:
//   - Reads (registry listings, agents, jobs, token balances, events, exports)
//     are public. Ledger state is world-readable, as every participant can
//     already replay the event log.
//   - Mutations run one ledger invocation each and always require
//     authentication plus the scope for their resource family. The calling
//     account is the JWT subject or the API key owner.
//   - Login endpoints get a stricter rate limit to slow challenge farming.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/agent-market/agent-market/internal/api/admin"
	"github.com/agent-market/agent-market/internal/api/authn"
	"github.com/agent-market/agent-market/internal/api/market"
	"github.com/agent-market/agent-market/internal/api/registry"
	"github.com/agent-market/agent-market/internal/audit"
	"github.com/agent-market/agent-market/internal/auth"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/db/repositories"
	"github.com/agent-market/agent-market/internal/export"
	"github.com/agent-market/agent-market/internal/jobs"
	"github.com/agent-market/agent-market/internal/middleware"
	"github.com/agent-market/agent-market/internal/services"
	"github.com/agent-market/agent-market/internal/sigauth"
	"github.com/agent-market/agent-market/internal/storage"
)

// Version is the server build version, set by cmd/server.
var Version = "dev"

// Deps are the collaborators the router needs. Only Config and Market are
// required; the rest switch features off when nil.
type Deps struct {
	Config *config.Config
	Market *services.Market

	// DB backs API keys and the audit table.
	DB *sql.DB
	// Storage is probed by /ready.
	Storage storage.Storage
	// Exporter serves and publishes registry export bundles.
	Exporter *export.Exporter
	// Redis backs the shared rate limiter when security.rate_limiting.backend is "redis".
	Redis redis.UniversalClient
	// AuditShipper receives audit entries besides the database.
	AuditShipper audit.Shipper
	// Recoverer verifies login signatures. Nil uses ECDSA recovery.
	Recoverer sigauth.Recoverer
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	escrowMonitor   *jobs.EscrowMonitor
	apiKeyCleanup   *jobs.APIKeyCleanup
	exportPublisher *jobs.ExportPublisher
	rateLimiters    []*middleware.MemoryLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.escrowMonitor != nil {
		bg.escrowMonitor.Stop()
	}
	if bg.apiKeyCleanup != nil {
		bg.apiKeyCleanup.Stop()
	}
	if bg.exportPublisher != nil {
		bg.exportPublisher.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router and starts the background jobs.
func NewRouter(deps Deps) (*gin.Engine, *BackgroundServices) {
	cfg := deps.Config
	bg := &BackgroundServices{}
	router := gin.New()

	// Interfaces stay nil rather than holding typed nil pointers.
	var (
		apiKeyRepo *repositories.APIKeyRepository
		keyRepo    admin.APIKeyRepository
		auditRepo  middleware.AuditRepository
		auditLogs  admin.AuditLogReader
		keyStore   middleware.APIKeyStore
	)
	if deps.DB != nil {
		apiKeyRepo = repositories.NewAPIKeyRepository(deps.DB)
		keyRepo = apiKeyRepo
		auditStore := repositories.NewAuditRepository(deps.DB)
		auditRepo, auditLogs = auditStore, auditStore
		if cfg.Auth.APIKeys.Enabled {
			keyStore = apiKeyRepo
		}
	}

	// Background jobs
	bg.escrowMonitor = jobs.NewEscrowMonitor(deps.Market, cfg.Jobs.EscrowMonitorInterval, cfg.Jobs.StaleAfter)
	go bg.escrowMonitor.Start(context.Background())

	if apiKeyRepo != nil {
		bg.apiKeyCleanup = jobs.NewAPIKeyCleanup(apiKeyRepo, cfg.Jobs.APIKeyCleanupInterval)
		go bg.apiKeyCleanup.Start(context.Background())
	}

	var (
		exportReader    market.ExportReader
		exportPublisher admin.Publisher
	)
	if deps.Exporter != nil {
		exportReader = deps.Exporter
		exportPublisher = deps.Exporter
		bg.exportPublisher = jobs.NewExportPublisher(deps.Exporter, cfg.Export.Interval)
		go bg.exportPublisher.Start(context.Background())
	}

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps.DB, deps.Storage, deps.Market))
	router.GET("/version", versionHandler(deps.Market))

	authOpts := middleware.AuthOptions{Keys: keyStore, KeyPrefix: cfg.Auth.APIKeys.Prefix}
	requireAuth := middleware.AuthMiddleware(authOpts)
	auditLog := middleware.AuditMiddleware(auditRepo, deps.AuditShipper, cfg.Audit)

	v1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		general := middleware.DefaultRateLimitConfig()
		if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
			general.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
		}
		if cfg.Security.RateLimiting.Burst > 0 {
			general.BurstSize = cfg.Security.RateLimiting.Burst
		}
		v1.Use(middleware.RateLimitMiddleware(bg.newLimiter(cfg, deps.Redis, general, "api")))
	}

	// Authentication
	authHandlers := authn.NewHandlers(&cfg.Auth, deps.Recoverer)
	authGroup := v1.Group("/auth")
	if cfg.Security.RateLimiting.Enabled {
		authGroup.Use(middleware.RateLimitMiddleware(bg.newLimiter(cfg, deps.Redis, middleware.AuthRateLimitConfig(), "auth")))
	}
	{
		authGroup.POST("/challenge", authHandlers.Challenge)
		authGroup.POST("/login", authHandlers.Login)
		authGroup.GET("/me", requireAuth, authHandlers.Me)
		authGroup.POST("/refresh", requireAuth, authHandlers.Refresh)
	}

	// Registry
	reg := registry.NewHandlers(deps.Market)
	regWrite := []gin.HandlerFunc{requireAuth, middleware.RequireScope(auth.ScopeRegistryWrite), auditLog}
	{
		v1.GET("/organizations", reg.ListOrganizations)
		v1.GET("/organizations/:org", reg.GetOrganization)
		v1.GET("/organizations/:org/services", reg.ListServices)
		v1.GET("/organizations/:org/services/:name", reg.GetService)
		v1.GET("/organizations/:org/type-repositories", reg.ListTypeRepositories)
		v1.GET("/organizations/:org/type-repositories/:name", reg.GetTypeRepository)
		v1.GET("/service-tags", reg.ListServiceTags)
		v1.GET("/service-tags/:tag/services", reg.ListServicesForTag)
		v1.GET("/type-repository-tags", reg.ListTypeRepositoryTags)
		v1.GET("/type-repository-tags/:tag/type-repositories", reg.ListTypeRepositoriesForTag)
		v1.GET("/records", reg.ListRecords)

		w := v1.Group("", regWrite...)
		w.POST("/organizations", reg.CreateOrganization)
		w.DELETE("/organizations/:org", reg.DeleteOrganization)
		w.POST("/organizations/:org/members", reg.AddMembers)
		w.DELETE("/organizations/:org/members", reg.RemoveMembers)
		w.POST("/organizations/:org/services", reg.CreateService)
		w.DELETE("/organizations/:org/services/:name", reg.DeleteService)
		w.POST("/organizations/:org/services/:name/tags", reg.AddServiceTags)
		w.DELETE("/organizations/:org/services/:name/tags", reg.RemoveServiceTags)
		w.POST("/organizations/:org/type-repositories", reg.CreateTypeRepository)
		w.DELETE("/organizations/:org/type-repositories/:name", reg.DeleteTypeRepository)
		w.POST("/organizations/:org/type-repositories/:name/tags", reg.AddTypeRepositoryTags)
		w.DELETE("/organizations/:org/type-repositories/:name/tags", reg.RemoveTypeRepositoryTags)
		w.POST("/records", reg.CreateRecord)
		w.DELETE("/records/:name", reg.DeprecateRecord)
	}

	// Agents and jobs
	mkt := market.NewHandlers(deps.Market)
	{
		v1.GET("/agents", mkt.ListAgents)
		v1.GET("/agents/:address", mkt.GetAgent)
		v1.GET("/agents/:address/jobs", mkt.ListJobs)
		v1.POST("/agents/:address/jobs/:job/validate", mkt.ValidateJob)
		v1.GET("/jobs/:job", mkt.GetJob)

		agents := v1.Group("/agents", requireAuth, middleware.RequireScope(auth.ScopeAgentsWrite), auditLog)
		agents.POST("", mkt.CreateAgent)
		agents.PUT("/:address/price", mkt.SetPrice)
		agents.PUT("/:address/endpoint", mkt.SetEndpoint)
		agents.PUT("/:address/owner", mkt.SetOwner)

		jobWrite := []gin.HandlerFunc{requireAuth, middleware.RequireScope(auth.ScopeJobsWrite), auditLog}
		v1.POST("/agents/:address/jobs", append(jobWrite, mkt.CreateJob)...)
		v1.POST("/agents/:address/jobs/:job/complete", append(jobWrite, mkt.CompleteJob)...)
		v1.POST("/jobs/:job/fund", append(jobWrite, mkt.FundJob)...)
	}

	// Token and event log
	{
		v1.GET("/token", mkt.TokenInfo)
		v1.GET("/token/balances/:address", mkt.Balance)
		v1.GET("/token/allowances/:owner/:spender", mkt.Allowance)
		v1.GET("/events", mkt.Events)

		token := v1.Group("/token", requireAuth, middleware.RequireScope(auth.ScopeTokenWrite), auditLog)
		token.POST("/approve", mkt.Approve)
		token.POST("/transfer", mkt.Transfer)
		token.POST("/mint", mkt.Mint)
	}

	// Published exports
	exp := market.NewExportHandlers(exportReader)
	{
		v1.GET("/exports", exp.ListExports)
		v1.GET("/exports/versions/:version", exp.GetExport)
		v1.GET("/exports/public-key", exp.PublicKey)
		v1.GET("/exports/files/*path", exp.ServeFile)
	}

	// API keys
	keys := admin.NewAPIKeyHandlers(cfg, keyRepo, deps.Market.Deployment().Operator)
	for _, prefix := range []string{"/apikeys", "/admin/apikeys"} {
		g := v1.Group(prefix, requireAuth, apiKeysEnabled(keyRepo != nil && cfg.Auth.APIKeys.Enabled), auditLog)
		g.GET("", keys.List)
		g.POST("", keys.Create)
		g.GET("/:id", keys.Get)
		g.DELETE("/:id", keys.Revoke)
	}

	// Operator
	operator := v1.Group("/admin", requireAuth, middleware.RequireOperator(deps.Market.Deployment().Operator), auditLog)
	{
		operator.POST("/exports", admin.NewExportHandlers(exportPublisher).PublishExport)

		audits := admin.NewAuditHandlers(auditLogs)
		operator.GET("/audit-logs", audits.ListAuditLogs)
		operator.GET("/audit-logs/:id", audits.GetAuditLog)
	}

	return router, bg
}

// newLimiter builds the configured rate limiter backend. Memory limiters are
// tracked so Shutdown can stop their cleanup goroutines.
func (bg *BackgroundServices) newLimiter(cfg *config.Config, client redis.UniversalClient, rl middleware.RateLimitConfig, name string) middleware.Limiter {
	if cfg.Security.RateLimiting.Backend == "redis" && client != nil {
		return middleware.NewRedisRateLimiter(client, rl, "agm:ratelimit:"+name)
	}
	limiter := middleware.NewMemoryLimiter(rl)
	bg.rateLimiters = append(bg.rateLimiters, limiter)
	return limiter
}

func apiKeysEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "API keys are not enabled"})
			return
		}
		c.Next()
	}
}

// @Summary      Health check
// @Description  Liveness probe. Checks database connectivity when a database is configured.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database connection failed",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend
// and that the ledger has been deployed.
func readinessHandler(db *sql.DB, storageBackend storage.Storage, m *services.Market) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		fail := func(msg string) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  msg,
			})
		}

		if db != nil {
			if err := db.PingContext(c.Request.Context()); err != nil {
				checks["database"] = "unhealthy"
				fail("database not ready")
				return
			}
			checks["database"] = "healthy"
		}

		// Exists() on a known-absent path exercises credentials and
		// connectivity without creating any state.
		if storageBackend != nil {
			if _, err := storageBackend.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
				checks["storage"] = "unhealthy"
				fail("storage backend not ready")
				return
			}
			checks["storage"] = "healthy"
		}

		if _, err := m.TokenInfo(c.Request.Context()); err != nil {
			checks["ledger"] = "unhealthy"
			fail("ledger not ready")
			return
		}
		checks["ledger"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"height": m.Height(),
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the build version and the deployed contract addresses.
func versionHandler(m *services.Market) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"deployment":  m.Deployment(),
		})
	}
}
