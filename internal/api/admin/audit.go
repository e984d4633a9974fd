package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/db/models"
	"github.com/agent-market/agent-market/internal/db/repositories"
)

const (
	defaultAuditPage = 50
	maxAuditPage     = 500
)

// AuditLogReader is the read side of the audit trail.
type AuditLogReader interface {
	ListAuditLogs(ctx context.Context, f repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	GetAuditLog(ctx context.Context, id string) (*models.AuditLog, error)
}

// AuditHandlers serves the audit trail to the operator.
type AuditHandlers struct {
	logs AuditLogReader
}

// NewAuditHandlers creates audit handlers. A nil reader (no database) answers 404.
func NewAuditHandlers(logs AuditLogReader) *AuditHandlers {
	return &AuditHandlers{logs: logs}
}

func (h *AuditHandlers) enabled(c *gin.Context) bool {
	if h.logs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit logging requires a database"})
		return false
	}
	return true
}

func queryInt(c *gin.Context, name string, def, lo, hi int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func queryTime(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + ", use RFC3339"})
		return time.Time{}, false
	}
	return t, true
}

// @Summary      List audit logs
// @Description  Lists audit entries newest first. Entries come from authenticated requests and committed ledger events.
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        actor          query  string  false  "Account address"
// @Param        action         query  string  false  "Exact action, e.g. ledger.JobFunded"
// @Param        resource_type  query  string  false  "Resource type"
// @Param        resource_id    query  string  false  "Resource ID"
// @Param        since          query  string  false  "RFC3339 lower bound (inclusive)"
// @Param        until          query  string  false  "RFC3339 upper bound (exclusive)"
// @Param        limit          query  int     false  "Page size (default 50, max 500)"
// @Param        offset         query  int     false  "Offset"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      403  {object}  map[string]interface{}  "Operator access required"
// @Router       /api/v1/admin/audit-logs [get]
func (h *AuditHandlers) ListAuditLogs(c *gin.Context) {
	if !h.enabled(c) {
		return
	}

	f := repositories.AuditFilters{
		Action:       c.Query("action"),
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
	}
	if actor := c.Query("actor"); actor != "" {
		if !common.IsHexAddress(actor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid actor address"})
			return
		}
		f.Actor = common.HexToAddress(actor).Hex()
	}

	var ok bool
	if f.Since, ok = queryTime(c, "since"); !ok {
		return
	}
	if f.Until, ok = queryTime(c, "until"); !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultAuditPage, 1, maxAuditPage)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0, 0, int(^uint32(0)>>1))
	if !ok {
		return
	}

	logs, total, err := h.logs.ListAuditLogs(c.Request.Context(), f, limit, offset)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// @Summary      Get audit log
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Audit log ID"
// @Success      200  {object}  models.AuditLog
// @Failure      404  {object}  map[string]interface{}  "Not found"
// @Router       /api/v1/admin/audit-logs/{id} [get]
func (h *AuditHandlers) GetAuditLog(c *gin.Context) {
	if !h.enabled(c) {
		return
	}
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
		return
	}
	log, err := h.logs.GetAuditLog(c.Request.Context(), id)
	if err != nil {
		respond.Error(c, err)
		return
	}
	if log == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
		return
	}
	c.JSON(http.StatusOK, log)
}
