package market

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/sigauth"
)

// SignatureRequest carries the consumer's 65-byte hex signature over the job
// address.
type SignatureRequest struct {
	Signature string `json:"signature" binding:"required"`
}

func bindSignature(c *gin.Context) (sigauth.Signature, bool) {
	var req SignatureRequest
	if !respond.BindJSON(c, &req) {
		return sigauth.Signature{}, false
	}
	sig, err := sigauth.ParseHex(req.Signature)
	if err != nil {
		respond.Error(c, err)
		return sigauth.Signature{}, false
	}
	return sig, true
}

// @Summary      List agent jobs
// @Tags         Jobs
// @Produce      json
// @Param        address  path  string  true  "Agent address"
// @Success      200  {object}  map[string]interface{}  "jobs: []JobView"
// @Failure      404  {object}  map[string]interface{}  "Agent not found"
// @Router       /api/v1/agents/{address}/jobs [get]
// ListJobs GET /api/v1/agents/:address/jobs
func (h *Handlers) ListJobs(c *gin.Context) {
	addr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	jobs, err := h.market.ListJobs(c.Request.Context(), addr)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// @Summary      Open job
// @Description  Opens a job on the agent for the caller at the agent's current price.
// @Tags         Jobs
// @Security     Bearer
// @Produce      json
// @Param        address  path  string  true  "Agent address"
// @Success      201  {object}  map[string]interface{}  "address of the new job"
// @Failure      404  {object}  map[string]interface{}  "Agent not found"
// @Router       /api/v1/agents/{address}/jobs [post]
func (h *Handlers) CreateJob(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	agentAddr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	jobAddr, receipt, err := h.market.CreateJob(c.Request.Context(), caller, agentAddr)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusCreated, receipt, gin.H{"address": jobAddr})
}

// @Summary      Validate job signature
// @Description  Reports whether a signature would release the job, without changing anything. A 65-byte signature that cannot be recovered is reported as invalid.
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        address  path  string            true  "Agent address"
// @Param        job      path  string            true  "Job address"
// @Param        body     body  SignatureRequest  true  "Consumer signature"
// @Success      200  {object}  map[string]interface{}  "valid"
// @Failure      400  {object}  map[string]interface{}  "Signature is not 65 hex-encoded bytes"
// @Router       /api/v1/agents/{address}/jobs/{job}/validate [post]
func (h *Handlers) ValidateJob(c *gin.Context) {
	agentAddr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	jobAddr, ok := respond.AddressParam(c, "job")
	if !ok {
		return
	}
	var req SignatureRequest
	if !respond.BindJSON(c, &req) {
		return
	}
	sig, err := sigauth.ParseHex(req.Signature)
	switch {
	case errors.Is(err, sigauth.ErrInvalidRecoveryID):
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	case err != nil:
		respond.BadRequest(c, err.Error())
		return
	}
	valid, err := h.market.ValidateJobInvocation(c.Request.Context(), agentAddr, jobAddr, sig)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

// @Summary      Complete job
// @Description  Releases escrow to the agent owner. Only the agent owner may call it, with the consumer's signature over the job address.
// @Tags         Jobs
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        address  path  string            true  "Agent address"
// @Param        job      path  string            true  "Job address"
// @Param        body     body  SignatureRequest  true  "Consumer signature"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the agent owner"
// @Failure      409  {object}  map[string]interface{}  "Job is not funded"
// @Failure      422  {object}  map[string]interface{}  "Signature not made by the consumer"
// @Router       /api/v1/agents/{address}/jobs/{job}/complete [post]
func (h *Handlers) CompleteJob(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	agentAddr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	jobAddr, ok := respond.AddressParam(c, "job")
	if !ok {
		return
	}
	sig, ok := bindSignature(c)
	if !ok {
		return
	}
	receipt, err := h.market.CompleteJob(c.Request.Context(), caller, agentAddr, jobAddr, sig)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

// @Summary      Get job
// @Description  Returns the job with its escrowed amount and the raw token balance at its address.
// @Tags         Jobs
// @Produce      json
// @Param        job  path  string  true  "Job address"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]interface{}  "Job not found"
// @Router       /api/v1/jobs/{job} [get]
// GetJob GET /api/v1/jobs/:job
func (h *Handlers) GetJob(c *gin.Context) {
	addr, ok := respond.AddressParam(c, "job")
	if !ok {
		return
	}
	view, err := h.market.GetJob(c.Request.Context(), addr)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// @Summary      Fund job
// @Tags         Jobs
// @Security     Bearer
// @Produce      json
// @Param        job  path  string  true  "Job address"
// @Success      200  {object}  map[string]interface{}
// @Failure      402  {object}  map[string]interface{}  "Allowance or balance too low"
// @Failure      403  {object}  map[string]interface{}  "Caller is not the consumer"
// @Failure      409  {object}  map[string]interface{}  "Job is not in Created state"
// @Router       /api/v1/jobs/{job}/fund [post]
// FundJob pulls the job price from the caller into escrow. The caller must
// have approved the job address for at least the price.
// POST /api/v1/jobs/:job/fund
func (h *Handlers) FundJob(c *gin.Context) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	addr, ok := respond.AddressParam(c, "job")
	if !ok {
		return
	}
	receipt, err := h.market.FundJob(c.Request.Context(), caller, addr)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}
