package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-market/agent-market/internal/agent"
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/middleware"
	"github.com/agent-market/agent-market/internal/registry"
	"github.com/agent-market/agent-market/internal/services"
	"github.com/agent-market/agent-market/internal/sigauth"
	"github.com/agent-market/agent-market/internal/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: organization %q", registry.ErrNotFound, "acme"), http.StatusNotFound},
		{agent.ErrNotFound, http.StatusNotFound},
		{registry.ErrDuplicateKey, http.StatusConflict},
		{agent.ErrInvalidJobState, http.StatusConflict},
		{registry.ErrUnauthorized, http.StatusForbidden},
		{agent.ErrUnauthorized, http.StatusForbidden},
		{token.ErrUnauthorized, http.StatusForbidden},
		{agent.ErrInvalidSignature, http.StatusUnprocessableEntity},
		{sigauth.ErrMalformedSignature, http.StatusUnprocessableEntity},
		{fmt.Errorf("escrow: %w", token.ErrInsufficientAllowance), http.StatusPaymentRequired},
		{token.ErrInsufficientBalance, http.StatusPaymentRequired},
		{registry.ErrInvalidArgument, http.StatusBadRequest},
		{token.ErrOverflow, http.StatusBadRequest},
		{ledger.ErrClosed, http.StatusServiceUnavailable},
		{services.ErrNotDeployed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, Status(tt.err))
		})
	}
}

func TestError_HidesInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	Error(c, errors.New("pq: connection refused to 10.0.0.5"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.5")

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Error(c, registry.ErrDuplicateKey)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, registry.ErrDuplicateKey.Error(), body["error"])
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"0", "0", false},
		{"1000", "1000", false},
		{"0x10", "16", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639935", "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{"115792089237316195423570985008687907853269984665640564039457584007913129639936", "", true},
		{"", "", true},
		{"-1", "", true},
		{"1.5", "", true},
		{"0xzz", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Dec())
		})
	}
}

func TestParseAddresses(t *testing.T) {
	addrs, err := ParseAddresses([]string{
		"0x00000000000000000000000000000000000000a1",
		"0x00000000000000000000000000000000000000A2",
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{
		common.HexToAddress("0xa1"),
		common.HexToAddress("0xa2"),
	}, addrs)

	_, err = ParseAddresses([]string{"0x00000000000000000000000000000000000000a1", "bogus"})
	assert.Error(t, err)
}

func TestCaller(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	_, ok := Caller(c)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	want := common.HexToAddress("0xa1")
	c.Set(middleware.ContextAccount, want)
	got, ok := Caller(c)
	assert.True(t, ok)
	assert.Equal(t, want, got)
}
