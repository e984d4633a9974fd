package authn

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-market/agent-market/internal/auth"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/middleware"
	"github.com/agent-market/agent-market/internal/sigauth"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv(auth.JWTSecretEnv, "test-authn-jwt-secret-32-chars!!!")
	os.Exit(m.Run())
}

func setupRouter(method string) *gin.Engine {
	h := NewHandlers(&config.AuthConfig{TokenTTL: 2 * time.Hour, ChallengeTTL: 5 * time.Minute}, nil)
	r := gin.New()
	r.POST("/challenge", h.Challenge)
	r.POST("/login", h.Login)

	authed := r.Group("/", func(c *gin.Context) {
		if v := c.GetHeader("X-Test-Account"); v != "" {
			c.Set(middleware.ContextAccount, common.HexToAddress(v))
			c.Set(middleware.ContextAuthMethod, method)
			c.Set(middleware.ContextScopes, []string{"registry:write"})
		}
		c.Next()
	})
	authed.GET("/me", h.Me)
	authed.POST("/refresh", h.Refresh)
	return r
}

func post(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func challenge(t *testing.T, r http.Handler, addr common.Address) auth.Challenge {
	t.Helper()
	w := post(t, r, "/challenge", ChallengeRequest{Address: addr.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ch auth.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	return ch
}

func TestLoginFlow(t *testing.T) {
	r := setupRouter("jwt")
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	ch := challenge(t, r, addr)
	assert.Contains(t, ch.Message, addr.Hex())
	assert.True(t, ch.ExpiresAt.After(time.Now()))

	sig, err := sigauth.Sign(key, sigauth.MessageDigest(ch.Message))
	require.NoError(t, err)

	w := post(t, r, "/login", LoginRequest{Challenge: ch.Token, Signature: sig.Hex()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
		Address   string `json:"address"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7200, resp.ExpiresIn)
	assert.Equal(t, addr.Hex(), resp.Address)

	claims, err := auth.ValidateJWT(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, addr.Hex(), claims.Subject)
}

func TestLogin_Rejections(t *testing.T) {
	r := setupRouter("jwt")
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	ch := challenge(t, r, addr)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	wrongSig, err := sigauth.Sign(other, sigauth.MessageDigest(ch.Message))
	require.NoError(t, err)
	goodSig, err := sigauth.Sign(key, sigauth.MessageDigest(ch.Message))
	require.NoError(t, err)
	// Signing the raw message digest instead of the personal-message digest.
	rawSig, err := sigauth.Sign(key, common.BytesToHash(crypto.Keccak256([]byte(ch.Message))))
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"wrong signer", LoginRequest{Challenge: ch.Token, Signature: wrongSig.Hex()}, http.StatusUnauthorized},
		{"raw digest", LoginRequest{Challenge: ch.Token, Signature: rawSig.Hex()}, http.StatusUnauthorized},
		{"tampered challenge", LoginRequest{Challenge: ch.Token + "x", Signature: goodSig.Hex()}, http.StatusUnauthorized},
		{"session token as challenge", LoginRequest{Challenge: mustJWT(t, addr), Signature: goodSig.Hex()}, http.StatusUnauthorized},
		{"malformed signature", LoginRequest{Challenge: ch.Token, Signature: "0x1234"}, http.StatusUnprocessableEntity},
		{"missing fields", map[string]string{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, r, "/login", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func mustJWT(t *testing.T, addr common.Address) string {
	t.Helper()
	tok, err := auth.GenerateJWT(addr, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestChallenge_BadAddress(t *testing.T) {
	r := setupRouter("jwt")
	w := post(t, r, "/challenge", ChallengeRequest{Address: "0xnothex"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, r, "/challenge", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMeAndRefresh(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	r := setupRouter("jwt")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Test-Account", addr.Hex())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var me map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, addr.Hex(), me["address"])
	assert.Equal(t, "jwt", me["auth_method"])

	req = httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.Header.Set("X-Test-Account", addr.Hex())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// API keys cannot mint sessions.
	r = setupRouter("api_key")
	req = httptest.NewRequest(http.MethodPost, "/refresh", nil)
	req.Header.Set("X-Test-Account", addr.Hex())
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
