// Package registry implements the HTTP handlers for organizations, service and
// type repository registrations, tag discovery and the legacy record directory.
// Reads are public; writes run as the authenticated account and the registry
// itself decides whether that account may manage the organization.
package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/services"
)

// Handlers serves the registry endpoints.
type Handlers struct {
	market *services.Market
}

// NewHandlers creates registry handlers backed by market.
func NewHandlers(market *services.Market) *Handlers {
	return &Handlers{market: market}
}

// CreateOrganizationRequest is the body of POST /organizations.
type CreateOrganizationRequest struct {
	Name    string   `json:"name" binding:"required"`
	Members []string `json:"members"`
}

// MembersRequest is the body of the member add/remove endpoints.
type MembersRequest struct {
	Members []string `json:"members" binding:"required"`
}

// @Summary      List organizations
// @Tags         Organizations
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "organizations: names"
// @Router       /api/v1/organizations [get]
func (h *Handlers) ListOrganizations(c *gin.Context) {
	names, err := h.market.ListOrganizations(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organizations": names})
}

// @Summary      Create organization
// @Description  Creates an organization owned by the caller.
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateOrganizationRequest  true  "Organization"
// @Success      201  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid name or member address"
// @Failure      409  {object}  map[string]interface{}  "Organization exists"
// @Router       /api/v1/organizations [post]
func (h *Handlers) CreateOrganization(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req CreateOrganizationRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	members, err := respond.ParseAddresses(req.Members)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}

	receipt, err := h.market.CreateOrganization(c.Request.Context(), caller, req.Name, members)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusCreated, receipt, gin.H{"organization": req.Name})
}

// @Summary      Get organization
// @Tags         Organizations
// @Produce      json
// @Param        org  path  string  true  "Organization"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/organizations/{org} [get]
// GetOrganization returns one organization with its members and registration names.
// GET /api/v1/organizations/:org
func (h *Handlers) GetOrganization(c *gin.Context) {
	org, found, err := h.market.GetOrganization(c.Request.Context(), c.Param("org"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Organization not found"})
		return
	}
	c.JSON(http.StatusOK, org)
}

// @Summary      Delete organization
// @Tags         Organizations
// @Security     Bearer
// @Produce      json
// @Param        org  path  string  true  "Organization"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/organizations/{org} [delete]
// DeleteOrganization removes an organization together with its registrations.
// DELETE /api/v1/organizations/:org
func (h *Handlers) DeleteOrganization(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	receipt, err := h.market.DeleteOrganization(c.Request.Context(), caller, c.Param("org"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

// @Summary      Add organization members
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string          true  "Organization"
// @Param        body  body  MembersRequest  true  "Members"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/organizations/{org}/members [post]
// AddMembers adds accounts to an organization.
// POST /api/v1/organizations/:org/members
func (h *Handlers) AddMembers(c *gin.Context) {
	h.changeMembers(c, h.market.AddOrganizationMembers)
}

// @Summary      Remove organization members
// @Tags         Organizations
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string          true  "Organization"
// @Param        body  body  MembersRequest  true  "Members"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the owner"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/organizations/{org}/members [delete]
// RemoveMembers removes accounts from an organization.
// DELETE /api/v1/organizations/:org/members
func (h *Handlers) RemoveMembers(c *gin.Context) {
	h.changeMembers(c, h.market.RemoveOrganizationMembers)
}

func (h *Handlers) changeMembers(c *gin.Context, op memberOp) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req MembersRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	members, err := respond.ParseAddresses(req.Members)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	receipt, err := op(c.Request.Context(), caller, c.Param("org"), members)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}
