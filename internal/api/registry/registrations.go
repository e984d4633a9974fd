package registry

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/ledger"
)

type memberOp func(ctx context.Context, caller common.Address, org string, members []common.Address) (*ledger.Receipt, error)

type tagOp func(ctx context.Context, caller common.Address, org, name string, tags []string) (*ledger.Receipt, error)

// CreateServiceRequest is the body of POST /organizations/:org/services.
type CreateServiceRequest struct {
	Name         string   `json:"name" binding:"required"`
	EndpointURI  string   `json:"endpointUri"`
	AgentAddress string   `json:"agentAddress" binding:"required"`
	Tags         []string `json:"tags"`
}

// CreateTypeRepositoryRequest is the body of POST /organizations/:org/type-repositories.
type CreateTypeRepositoryRequest struct {
	Name string   `json:"name" binding:"required"`
	URI  string   `json:"uri" binding:"required"`
	Tags []string `json:"tags"`
}

// TagsRequest is the body of the tag add/remove endpoints.
type TagsRequest struct {
	Tags []string `json:"tags" binding:"required"`
}

// ---------------------------------------------------------------------------
// Services
// ---------------------------------------------------------------------------

// @Summary      List services
// @Tags         Services
// @Produce      json
// @Param        org  path  string  true  "Organization"
// @Success      200  {object}  map[string]interface{}  "services"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/organizations/{org}/services [get]
// ListServices lists the service names of an organization.
// GET /api/v1/organizations/:org/services
func (h *Handlers) ListServices(c *gin.Context) {
	found, names, err := h.market.ListServicesForOrganization(c.Request.Context(), c.Param("org"))
	listNames(c, "services", found, names, err)
}

// @Summary      Register service
// @Description  Registers a service under an organization the caller manages.
// @Tags         Services
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string                true  "Organization"
// @Param        body  body  CreateServiceRequest  true  "Service"
// @Success      201  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Failure      409  {object}  map[string]interface{}  "Service exists"
// @Router       /api/v1/organizations/{org}/services [post]
func (h *Handlers) CreateService(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req CreateServiceRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	agentAddr, err := respond.ParseAddress(req.AgentAddress)
	if err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	receipt, err := h.market.CreateServiceRegistration(c.Request.Context(), caller,
		c.Param("org"), req.Name, req.EndpointURI, agentAddr, req.Tags)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusCreated, receipt, gin.H{"service": req.Name})
}

// @Summary      Get service
// @Tags         Services
// @Produce      json
// @Param        org   path  string  true  "Organization"
// @Param        name  path  string  true  "Service name"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}  "Service not found"
// @Router       /api/v1/organizations/{org}/services/{name} [get]
// GetService returns one service registration.
// GET /api/v1/organizations/:org/services/:name
func (h *Handlers) GetService(c *gin.Context) {
	svc, found, err := h.market.GetServiceRegistration(c.Request.Context(), c.Param("org"), c.Param("name"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Service not found"})
		return
	}
	c.JSON(http.StatusOK, svc)
}

// @Summary      Delete service
// @Tags         Services
// @Security     Bearer
// @Produce      json
// @Param        org   path  string  true  "Organization"
// @Param        name  path  string  true  "Service name"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Service not found"
// @Router       /api/v1/organizations/{org}/services/{name} [delete]
// DeleteService removes a service registration and its tag index entries.
// DELETE /api/v1/organizations/:org/services/:name
func (h *Handlers) DeleteService(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	receipt, err := h.market.DeleteServiceRegistration(c.Request.Context(), caller, c.Param("org"), c.Param("name"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

// @Summary      Tag service
// @Tags         Services
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string       true  "Organization"
// @Param        name  path  string       true  "Service name"
// @Param        body  body  TagsRequest  true  "Tags"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Service not found"
// @Router       /api/v1/organizations/{org}/services/{name}/tags [post]
// AddServiceTags POST /api/v1/organizations/:org/services/:name/tags
func (h *Handlers) AddServiceTags(c *gin.Context) {
	h.changeTags(c, h.market.AddTagsToServiceRegistration)
}

// @Summary      Untag service
// @Tags         Services
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string       true  "Organization"
// @Param        name  path  string       true  "Service name"
// @Param        body  body  TagsRequest  true  "Tags"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Service not found"
// @Router       /api/v1/organizations/{org}/services/{name}/tags [delete]
// RemoveServiceTags DELETE /api/v1/organizations/:org/services/:name/tags
func (h *Handlers) RemoveServiceTags(c *gin.Context) {
	h.changeTags(c, h.market.RemoveTagsFromServiceRegistration)
}

// @Summary      List service tags
// @Tags         Services
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "tags"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/service-tags [get]
// ListServiceTags lists every tag with at least one service.
// GET /api/v1/service-tags
func (h *Handlers) ListServiceTags(c *gin.Context) {
	tags, err := h.market.ListServiceTags(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// @Summary      Services by tag
// @Tags         Services
// @Produce      json
// @Param        tag  path  string  true  "Tag"
// @Success      200  {object}  map[string]interface{}  "services"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/service-tags/{tag}/services [get]
// ListServicesForTag GET /api/v1/service-tags/:tag/services
func (h *Handlers) ListServicesForTag(c *gin.Context) {
	refs, err := h.market.ListServicesForTag(c.Request.Context(), c.Param("tag"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": refs})
}

// ---------------------------------------------------------------------------
// Type repositories
// ---------------------------------------------------------------------------

// @Summary      List type repositories
// @Tags         Type Repositories
// @Produce      json
// @Param        org  path  string  true  "Organization"
// @Success      200  {object}  map[string]interface{}  "type_repositories"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Router       /api/v1/organizations/{org}/type-repositories [get]
// ListTypeRepositories GET /api/v1/organizations/:org/type-repositories
func (h *Handlers) ListTypeRepositories(c *gin.Context) {
	found, names, err := h.market.ListTypeRepositoriesForOrganization(c.Request.Context(), c.Param("org"))
	listNames(c, "typeRepositories", found, names, err)
}

// @Summary      Register type repository
// @Tags         Type Repositories
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string                       true  "Organization"
// @Param        body  body  CreateTypeRepositoryRequest  true  "Type repository"
// @Success      201  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Failure      409  {object}  map[string]interface{}  "Type repository exists"
// @Router       /api/v1/organizations/{org}/type-repositories [post]
// CreateTypeRepository POST /api/v1/organizations/:org/type-repositories
func (h *Handlers) CreateTypeRepository(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req CreateTypeRepositoryRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	receipt, err := h.market.CreateTypeRepositoryRegistration(c.Request.Context(), caller,
		c.Param("org"), req.Name, req.URI, req.Tags)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusCreated, receipt, gin.H{"typeRepository": req.Name})
}

// @Summary      Get type repository
// @Tags         Type Repositories
// @Produce      json
// @Param        org   path  string  true  "Organization"
// @Param        name  path  string  true  "Type repository name"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}  "Type repository not found"
// @Router       /api/v1/organizations/{org}/type-repositories/{name} [get]
// GetTypeRepository GET /api/v1/organizations/:org/type-repositories/:name
func (h *Handlers) GetTypeRepository(c *gin.Context) {
	repo, found, err := h.market.GetTypeRepository(c.Request.Context(), c.Param("org"), c.Param("name"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Type repository not found"})
		return
	}
	c.JSON(http.StatusOK, repo)
}

// @Summary      Delete type repository
// @Tags         Type Repositories
// @Security     Bearer
// @Produce      json
// @Param        org   path  string  true  "Organization"
// @Param        name  path  string  true  "Type repository name"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Type repository not found"
// @Router       /api/v1/organizations/{org}/type-repositories/{name} [delete]
// DeleteTypeRepository DELETE /api/v1/organizations/:org/type-repositories/:name
func (h *Handlers) DeleteTypeRepository(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	receipt, err := h.market.DeleteTypeRepositoryRegistration(c.Request.Context(), caller, c.Param("org"), c.Param("name"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

// @Summary      Tag type repository
// @Tags         Type Repositories
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string       true  "Organization"
// @Param        name  path  string       true  "Type repository name"
// @Param        body  body  TagsRequest  true  "Tags"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Type repository not found"
// @Router       /api/v1/organizations/{org}/type-repositories/{name}/tags [post]
// AddTypeRepositoryTags POST /api/v1/organizations/:org/type-repositories/:name/tags
func (h *Handlers) AddTypeRepositoryTags(c *gin.Context) {
	h.changeTags(c, h.market.AddTagsToTypeRepositoryRegistration)
}

// @Summary      Untag type repository
// @Tags         Type Repositories
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org   path  string       true  "Organization"
// @Param        name  path  string       true  "Type repository name"
// @Param        body  body  TagsRequest  true  "Tags"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller cannot manage the organization"
// @Failure      404  {object}  map[string]interface{}  "Type repository not found"
// @Router       /api/v1/organizations/{org}/type-repositories/{name}/tags [delete]
// RemoveTypeRepositoryTags DELETE /api/v1/organizations/:org/type-repositories/:name/tags
func (h *Handlers) RemoveTypeRepositoryTags(c *gin.Context) {
	h.changeTags(c, h.market.RemoveTagsFromTypeRepositoryRegistration)
}

// @Summary      List type repository tags
// @Tags         Type Repositories
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "tags"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/type-repository-tags [get]
// ListTypeRepositoryTags GET /api/v1/type-repository-tags
func (h *Handlers) ListTypeRepositoryTags(c *gin.Context) {
	tags, err := h.market.ListTypeRepositoryTags(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags})
}

// @Summary      Type repositories by tag
// @Tags         Type Repositories
// @Produce      json
// @Param        tag  path  string  true  "Tag"
// @Success      200  {object}  map[string]interface{}  "type_repositories"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/type-repository-tags/{tag}/type-repositories [get]
// ListTypeRepositoriesForTag GET /api/v1/type-repository-tags/:tag/type-repositories
func (h *Handlers) ListTypeRepositoriesForTag(c *gin.Context) {
	refs, err := h.market.ListTypeRepositoriesForTag(c.Request.Context(), c.Param("tag"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"typeRepositories": refs})
}

func (h *Handlers) changeTags(c *gin.Context, op tagOp) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req TagsRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	receipt, err := op(c.Request.Context(), caller, c.Param("org"), c.Param("name"), req.Tags)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

func listNames(c *gin.Context, field string, found bool, names []string, err error) {
	if err != nil {
		respond.Error(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Organization not found"})
		return
	}
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{field: names})
}
