// Package respond holds the request parsing and error mapping shared by the
// HTTP handler packages. Every error body has the shape {"error": "..."}.
package respond

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/agent"
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/middleware"
	"github.com/agent-market/agent-market/internal/registry"
	"github.com/agent-market/agent-market/internal/services"
	"github.com/agent-market/agent-market/internal/sigauth"
	"github.com/agent-market/agent-market/internal/storage"
	"github.com/agent-market/agent-market/internal/token"
)

var statusByError = []struct {
	err    error
	status int
}{
	{registry.ErrNotFound, http.StatusNotFound},
	{agent.ErrNotFound, http.StatusNotFound},
	{storage.ErrNotFound, http.StatusNotFound},
	{registry.ErrDuplicateKey, http.StatusConflict},
	{agent.ErrInvalidJobState, http.StatusConflict},
	{registry.ErrUnauthorized, http.StatusForbidden},
	{agent.ErrUnauthorized, http.StatusForbidden},
	{token.ErrUnauthorized, http.StatusForbidden},
	{agent.ErrInvalidSignature, http.StatusUnprocessableEntity},
	{sigauth.ErrMalformedSignature, http.StatusUnprocessableEntity},
	{token.ErrInsufficientBalance, http.StatusPaymentRequired},
	{token.ErrInsufficientAllowance, http.StatusPaymentRequired},
	{registry.ErrInvalidArgument, http.StatusBadRequest},
	{agent.ErrInvalidArgument, http.StatusBadRequest},
	{token.ErrOverflow, http.StatusBadRequest},
	{ledger.ErrClosed, http.StatusServiceUnavailable},
	{services.ErrNotDeployed, http.StatusServiceUnavailable},
}

// Status maps a domain error to its HTTP status.
func Status(err error) int {
	for _, m := range statusByError {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// Error writes err with its mapped status. Unmapped errors are logged and
// reported without detail.
func Error(c *gin.Context, err error) {
	status := Status(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// BadRequest writes a 400 with message.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": message})
}

// Caller returns the authenticated account, writing a 401 when there is none.
func Caller(c *gin.Context) (common.Address, bool) {
	addr, ok := middleware.Account(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return common.Address{}, false
	}
	return addr, true
}

// ParseAddress validates a hex account address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// ParseAddresses validates a list of hex addresses.
func ParseAddresses(in []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(in))
	for _, s := range in {
		addr, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// AddressParam reads the named path parameter as an address, writing a 400
// when it is malformed.
func AddressParam(c *gin.Context, name string) (common.Address, bool) {
	addr, err := ParseAddress(c.Param(name))
	if err != nil {
		BadRequest(c, err.Error())
		return common.Address{}, false
	}
	return addr, true
}

// ParseAmount parses a non-negative integer token amount in decimal or
// 0x-prefixed hex.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, errors.New("amount is required")
	}
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := uint256.FromHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// BindJSON decodes the body into v, writing a 400 on failure.
func BindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		BadRequest(c, "Invalid request: "+err.Error())
		return false
	}
	return true
}

// Receipt writes the outcome of a ledger invocation merged with extra fields.
func Receipt(c *gin.Context, status int, receipt *ledger.Receipt, extra gin.H) {
	body := gin.H{
		"height": receipt.Height,
		"events": receipt.Events,
	}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}
