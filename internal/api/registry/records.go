package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
)

// CreateRecordRequest is the body of POST /records.
type CreateRecordRequest struct {
	Name  string `json:"name" binding:"required"`
	Agent string `json:"agent" binding:"required"`
}

type recordEntry struct {
	Name  string `json:"name"`
	Agent string `json:"agent"`
}

// @Summary      List records
// @Tags         Records
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "records"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/records [get]
// ListRecords returns the legacy directory. Deprecated records are listed
// with the zero agent address.
// GET /api/v1/records
func (h *Handlers) ListRecords(c *gin.Context) {
	names, agents, err := h.market.ListRecords(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	out := make([]recordEntry, len(names))
	for i := range names {
		out[i] = recordEntry{Name: names[i], Agent: agents[i].Hex()}
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

// @Summary      Create record
// @Description  Adds a legacy directory entry pointing a name at an agent.
// @Tags         Records
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateRecordRequest  true  "Record"
// @Success      201  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]interface{}  "Record exists"
// @Router       /api/v1/records [post]
// CreateRecord POST /api/v1/records
func (h *Handlers) CreateRecord(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req CreateRecordRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	agentAddr, err := respond.ParseAddress(req.Agent)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	receipt, err := h.market.CreateRecord(c.Request.Context(), caller, req.Name, agentAddr)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusCreated, receipt, gin.H{"record": req.Name})
}

// @Summary      Deprecate record
// @Tags         Records
// @Security     Bearer
// @Produce      json
// @Param        name  path  string  true  "Record name"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller did not create the record"
// @Failure      404  {object}  map[string]interface{}  "Record not found"
// @Router       /api/v1/records/{name} [delete]
// DeprecateRecord DELETE /api/v1/records/:name
func (h *Handlers) DeprecateRecord(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	receipt, err := h.market.DeprecateRecord(c.Request.Context(), caller, c.Param("name"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}
