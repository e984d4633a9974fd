package market

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/api/respond"
	"github.com/agent-market/agent-market/internal/ledger"
)

// AmountRequest is the body of the approve, transfer and mint endpoints.
type AmountRequest struct {
	To     string `json:"to" binding:"required"`
	From   string `json:"from"`
	Amount string `json:"amount" binding:"required"`
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// @Summary      Token info
// @Tags         Token
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/token [get]
// TokenInfo GET /api/v1/token
func (h *Handlers) TokenInfo(c *gin.Context) {
	info, err := h.market.TokenInfo(c.Request.Context())
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// @Summary      Token balance
// @Tags         Token
// @Produce      json
// @Param        address  path  string  true  "Account"
// @Success      200  {object}  map[string]interface{}  "balance"
// @Failure      400  {object}  map[string]interface{}  "Invalid address"
// @Router       /api/v1/token/balances/{address} [get]
// Balance GET /api/v1/token/balances/:address
func (h *Handlers) Balance(c *gin.Context) {
	addr, ok := respond.AddressParam(c, "address")
	if !ok {
		return
	}
	bal, err := h.market.BalanceOf(c.Request.Context(), addr)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr, "balance": bal})
}

// @Summary      Token allowance
// @Tags         Token
// @Produce      json
// @Param        owner    path  string  true  "Owner"
// @Param        spender  path  string  true  "Spender"
// @Success      200  {object}  map[string]interface{}  "allowance"
// @Failure      400  {object}  map[string]interface{}  "Invalid address"
// @Router       /api/v1/token/allowances/{owner}/{spender} [get]
// Allowance GET /api/v1/token/allowances/:owner/:spender
func (h *Handlers) Allowance(c *gin.Context) {
	owner, ok := respond.AddressParam(c, "owner")
	if !ok {
		return
	}
	spender, ok := respond.AddressParam(c, "spender")
	if !ok {
		return
	}
	amt, err := h.market.Allowance(c.Request.Context(), owner, spender)
	if err != nil {
		respond.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "spender": spender, "allowance": amt})
}

// @Summary      Approve spender
// @Tags         Token
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  AmountRequest  true  "Spender and amount"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid amount"
// @Router       /api/v1/token/approve [post]
// Approve sets the allowance of "to" over the caller's balance.
// POST /api/v1/token/approve
func (h *Handlers) Approve(c *gin.Context) {
	h.amountOp(c, func(ctx context.Context, caller common.Address, t transferArgs) (*ledger.Receipt, error) {
		return h.market.Approve(ctx, caller, t.to, t.amount)
	})
}

// @Summary      Transfer tokens
// @Tags         Token
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  AmountRequest  true  "Recipient, amount and optional source account"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid amount"
// @Failure      402  {object}  map[string]interface{}  "Allowance or balance too low"
// @Router       /api/v1/token/transfer [post]
// Transfer moves tokens from the caller, or from "from" using the caller's
// allowance when "from" names another account.
// POST /api/v1/token/transfer
func (h *Handlers) Transfer(c *gin.Context) {
	h.amountOp(c, func(ctx context.Context, caller common.Address, t transferArgs) (*ledger.Receipt, error) {
		if t.from != nil && *t.from != caller {
			return h.market.TransferFrom(ctx, caller, *t.from, t.to, t.amount)
		}
		return h.market.Transfer(ctx, caller, t.to, t.amount)
	})
}

// @Summary      Mint tokens
// @Tags         Token
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  AmountRequest  true  "Recipient and amount"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Caller is not the minter"
// @Router       /api/v1/token/mint [post]
// Mint creates tokens. Only the minter recorded at genesis may call it.
// POST /api/v1/token/mint
func (h *Handlers) Mint(c *gin.Context) {
	h.amountOp(c, func(ctx context.Context, caller common.Address, t transferArgs) (*ledger.Receipt, error) {
		return h.market.Mint(ctx, caller, t.to, t.amount)
	})
}

type transferArgs struct {
	from   *common.Address
	to     common.Address
	amount *uint256.Int
}

func (h *Handlers) amountOp(c *gin.Context, fn func(ctx context.Context, caller common.Address, t transferArgs) (*ledger.Receipt, error)) {
	caller, ok := respond.Caller(c)
	if !ok {
		return
	}
	var req AmountRequest
	if !respond.BindJSON(c, &req) {
		return
	}

	var args transferArgs
	var err error
	if args.amount, err = respond.ParseAmount(req.Amount); err != nil {
		respond.BadRequest(c, err.Error())
		return
	}
	if args.to, err = respond.ParseAddress(req.To); err != nil {
		respond.BadRequest(c, "to: "+err.Error())
		return
	}
	if req.From != "" {
		from, err := respond.ParseAddress(req.From)
		if err != nil {
			respond.BadRequest(c, "from: "+err.Error())
			return
		}
		args.from = &from
	}

	receipt, err := fn(c.Request.Context(), caller, args)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.Receipt(c, http.StatusOK, receipt, nil)
}

// @Summary      Query events
// @Tags         Events
// @Produce      json
// @Param        type         query  string  false  "Event type"
// @Param        address      query  string  false  "Emitting address"
// @Param        from_height  query  int     false  "Lowest height"
// @Param        limit        query  int     false  "Maximum events"
// @Success      200  {object}  map[string]interface{}  "events"
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Router       /api/v1/events [get]
// Events queries the committed event log.
// GET /api/v1/events?type=&address=&from_height=&limit=
func (h *Handlers) Events(c *gin.Context) {
	filter := ledger.EventFilter{
		Type:  c.Query("type"),
		Limit: defaultEventLimit,
	}
	if s := c.Query("address"); s != "" {
		addr, err := respond.ParseAddress(s)
		if err != nil {
			respond.BadRequest(c, err.Error())
			return
		}
		filter.Address = &addr
	}
	if s := c.Query("from_height"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			respond.BadRequest(c, "invalid from_height")
			return
		}
		filter.FromHeight = n
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respond.BadRequest(c, "invalid limit")
			return
		}
		filter.Limit = min(n, maxEventLimit)
	}

	events, err := h.market.Events(c.Request.Context(), filter)
	if err != nil {
		respond.Error(c, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "height": h.market.Height()})
}
