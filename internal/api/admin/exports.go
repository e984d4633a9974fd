package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/export"
)

// Publisher runs an export on demand.
type Publisher interface {
	Export(ctx context.Context, force bool) (*export.Result, error)
}

// ExportHandlers lets the operator publish a bundle without waiting for the
// scheduled publisher.
type ExportHandlers struct {
	publisher Publisher
}

// NewExportHandlers creates export admin handlers. A nil publisher answers 404.
func NewExportHandlers(publisher Publisher) *ExportHandlers {
	return &ExportHandlers{publisher: publisher}
}

// @Summary      Publish export
// @Description  Publishes a registry export bundle now. Pass force=false to skip when the ledger has not advanced.
// @Tags         Exports
// @Security     Bearer
// @Produce      json
// @Param        force  query  bool  false  "Publish even when unchanged (default true)"
// @Success      201  {object}  export.Result
// @Success      200  {object}  map[string]interface{}  "Ledger unchanged"
// @Failure      403  {object}  map[string]interface{}  "Operator access required"
// @Failure      404  {object}  map[string]interface{}  "Exports are not enabled"
// @Router       /api/v1/admin/exports [post]
func (h *ExportHandlers) PublishExport(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Exports are not enabled"})
		return
	}

	force := c.DefaultQuery("force", "true") != "false"
	res, err := h.publisher.Export(c.Request.Context(), force)
	if errors.Is(err, export.ErrUnchanged) {
		c.JSON(http.StatusOK, gin.H{"message": "Ledger unchanged since the latest export"})
		return
	}
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}
