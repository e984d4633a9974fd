// Package market implements the HTTP handlers for agents, jobs, the token,
// the event log and published exports.
package market

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/services"
)

// Handlers serves the market endpoints.
type Handlers struct {
	market *services.Market
}

// NewHandlers creates market handlers backed by market.
func NewHandlers(market *services.Market) *Handlers {
	return &Handlers{market: market}
}

// CreateAgentRequest is the body of POST /agents. Price is a decimal or 0x
// hex integer.
type CreateAgentRequest struct {
	Price    string `json:"price" binding:"required"`
	Endpoint string `json:"endpoint"`
}

// SetPriceRequest is the body of PUT /agents/:address/price.
type SetPriceRequest struct {
	Price string `json:"price" binding:"required"`
}

// SetEndpointRequest is the body of PUT /agents/:address/endpoint.
type SetEndpointRequest struct {
	Endpoint string `json:"endpoint"`
}

// SetOwnerRequest is the body of PUT /agents/:address/owner.
type SetOwnerRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// @Summary      List agents
// @Description  Lists every agent created through the factory, in creation order.
// @Tags         Agents
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "agents: []AgentView"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/agents [get]
// ListAgents GET /api/v1/agents
func (h *Handlers) ListAgents(c *gin.Context) {
	agents, err := h.market.ListAgents(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

// @Summary      Create agent
// @Description  Creates an agent owned by the caller through the factory.
// @Tags         Agents
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateAgentRequest  true  "Agent"
// @Success      201  {object}  map[string]interface{}  "address of the new agent"
// @Failure      400  {object}  map[string]interface{}  "Invalid price"
// @Router       /api/v1/agents [post]
func (h *Handlers) CreateAgent(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req CreateAgentRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	price, err := respond.ParseAmount(req.Price)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	addr, receipt, err := h.market.CreateAgent(c.Request.Context(), caller, price, req.Endpoint)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusCreated, receipt, gin.H{"address": addr})
}

// @Summary      Get agent
// @Tags         Agents
// @Produce      json
// @Param        address  path  string  true  "Agent address"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid address"
// @Failure      404  {object}  map[string]interface{}  "Agent not found"
// @Router       /api/v1/agents/{address} [get]
// GetAgent GET /api/v1/agents/:address
func (h *Handlers) GetAgent(c *gin.Context) {
	addr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	view, err := h.market.GetAgent(c.Request.Context(), addr)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// @Summary      Set agent price
// @Description  Changes the price snapshotted by jobs opened afterwards. Owner only.
// @Tags         Agents
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        address  path  string           true  "Agent address"
// @Param        body     body  SetPriceRequest  true  "Price"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Agent not found"
// @Router       /api/v1/agents/{address}/price [put]
// SetPrice changes the price for jobs opened from now on. Existing jobs keep
// the price they were created with.
// PUT /api/v1/agents/:address/price
func (h *Handlers) SetPrice(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	addr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	var req SetPriceRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	price, err := respond.ParseAmount(req.Price)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	receipt, err := h.market.SetAgentPrice(c.Request.Context(), caller, addr, price)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

// @Summary      Set agent endpoint
// @Tags         Agents
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        address  path  string              true  "Agent address"
// @Param        body     body  SetEndpointRequest  true  "Endpoint"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Agent not found"
// @Router       /api/v1/agents/{address}/endpoint [put]
// SetEndpoint PUT /api/v1/agents/:address/endpoint
func (h *Handlers) SetEndpoint(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	addr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	var req SetEndpointRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	receipt, err := h.market.SetAgentEndpoint(c.Request.Context(), caller, addr, req.Endpoint)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

// @Summary      Transfer agent ownership
// @Tags         Agents
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        address  path  string           true  "Agent address"
// @Param        body     body  SetOwnerRequest  true  "New owner"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Agent not found"
// @Router       /api/v1/agents/{address}/owner [put]
// SetOwner transfers the agent. Payouts of jobs completed afterwards go to the
// new owner.
// PUT /api/v1/agents/:address/owner
func (h *Handlers) SetOwner(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	addr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	var req SetOwnerRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	owner, err := respond.ParseAddress(req.Owner)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	receipt, err := h.market.TransferAgentOwnership(c.Request.Context(), caller, addr, owner)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}
