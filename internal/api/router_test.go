package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-market/agent-market/internal/auth"
	"github.com/agent-market/agent-market/internal/config"
	"github.com/agent-market/agent-market/internal/ledger"
	"github.com/agent-market/agent-market/internal/services"
	"github.com/agent-market/agent-market/internal/sigauth"
	"github.com/agent-market/agent-market/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Setenv(auth.JWTSecretEnv, "test-router-jwt-secret-32-chars!!")
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// minimal storage.Storage mock for readiness tests
// ---------------------------------------------------------------------------

type readinessMockStorage struct{ existsErr error }

func (m *readinessMockStorage) Upload(_ context.Context, _ string, _ io.Reader, _ string) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *readinessMockStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, nil
}
func (m *readinessMockStorage) Delete(_ context.Context, _ string) error { return nil }
func (m *readinessMockStorage) GetURL(_ context.Context, _ string, _ time.Duration) (string, error) {
	return "", nil
}
func (m *readinessMockStorage) Exists(_ context.Context, _ string) (bool, error) {
	return false, m.existsErr
}
func (m *readinessMockStorage) GetMetadata(_ context.Context, _ string) (*storage.FileMetadata, error) {
	return nil, nil
}
func (m *readinessMockStorage) List(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type account struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newAccount(t *testing.T) account {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return account{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func newTestMarket(t *testing.T, operator common.Address) *services.Market {
	t.Helper()
	l, err := ledger.Open(context.Background(), ledger.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	m, err := services.NewMarket(context.Background(), l, services.GenesisConfig{
		Operator:      operator,
		InitialSupply: uint256.NewInt(1_000_000),
		TokenName:     "Agent Token",
		TokenSymbol:   "AGT",
		TokenDecimals: 18,
	}, nil)
	require.NoError(t, err)
	return m
}

func newTestRouter(t *testing.T, m *services.Market) *gin.Engine {
	t.Helper()
	r, bg := NewRouter(Deps{Config: &config.Config{}, Market: m})
	t.Cleanup(bg.Shutdown)
	return r
}

func sessionToken(t *testing.T, addr common.Address) string {
	t.Helper()
	tok, err := auth.GenerateJWT(addr, time.Hour)
	require.NoError(t, err)
	return tok
}

func call(t *testing.T, r http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// ---------------------------------------------------------------------------
// healthCheckHandler / readinessHandler
// ---------------------------------------------------------------------------

func newHealthDB(t *testing.T, pingOK bool) *sql.DB {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if pingOK {
		mock.ExpectPing()
	} else {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	return db
}

func TestHealthCheckHandler(t *testing.T) {
	tests := []struct {
		name string
		db   func(t *testing.T) *sql.DB
		want int
	}{
		{"no database", func(*testing.T) *sql.DB { return nil }, http.StatusOK},
		{"database up", func(t *testing.T) *sql.DB { return newHealthDB(t, true) }, http.StatusOK},
		{"database down", func(t *testing.T) *sql.DB { return newHealthDB(t, false) }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/health", healthCheckHandler(tt.db(t)))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestReadinessHandler_Ready(t *testing.T) {
	m := newTestMarket(t, newAccount(t).addr)
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, true), &readinessMockStorage{}, m))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["ready"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["database"])
	assert.Equal(t, "healthy", checks["storage"])
	assert.Equal(t, "healthy", checks["ledger"])
}

func TestReadinessHandler_StorageDown(t *testing.T) {
	m := newTestMarket(t, newAccount(t).addr)
	r := gin.New()
	r.GET("/ready", readinessHandler(nil, &readinessMockStorage{existsErr: errors.New("no creds")}, m))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "storage backend not ready", decode(t, w)["error"])
}

func TestReadinessHandler_DatabaseDown(t *testing.T) {
	m := newTestMarket(t, newAccount(t).addr)
	r := gin.New()
	r.GET("/ready", readinessHandler(newHealthDB(t, false), nil, m))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestVersionHandler(t *testing.T) {
	op := newAccount(t)
	m := newTestMarket(t, op.addr)
	r := newTestRouter(t, m)

	w := call(t, r, http.MethodGet, "/version", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "v1", body["api_version"])
	assert.Contains(t, body, "deployment")
}

// ---------------------------------------------------------------------------
// Routing and authorization
// ---------------------------------------------------------------------------

func TestRouter_SecurityHeadersAndRequestID(t *testing.T) {
	r := newTestRouter(t, newTestMarket(t, newAccount(t).addr))

	w := call(t, r, http.MethodGet, "/api/v1/token", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRouter_MutationsRequireAuth(t *testing.T) {
	r := newTestRouter(t, newTestMarket(t, newAccount(t).addr))

	routes := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/organizations"},
		{http.MethodPost, "/api/v1/agents"},
		{http.MethodPost, "/api/v1/token/transfer"},
		{http.MethodPost, "/api/v1/jobs/0x0000000000000000000000000000000000000001/fund"},
		{http.MethodPost, "/api/v1/admin/exports"},
		{http.MethodGet, "/api/v1/apikeys"},
		{http.MethodGet, "/api/v1/auth/me"},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			w := call(t, r, rt.method, rt.path, "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestRouter_AdminRequiresOperator(t *testing.T) {
	op := newAccount(t)
	r := newTestRouter(t, newTestMarket(t, op.addr))

	w := call(t, r, http.MethodPost, "/api/v1/admin/exports", sessionToken(t, newAccount(t).addr), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The operator passes authorization; exports are not configured here.
	w = call(t, r, http.MethodPost, "/api/v1/admin/exports", sessionToken(t, op.addr), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_APIKeysDisabledWithoutDatabase(t *testing.T) {
	r := newTestRouter(t, newTestMarket(t, newAccount(t).addr))
	w := call(t, r, http.MethodGet, "/api/v1/apikeys", sessionToken(t, newAccount(t).addr), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_ExportsDisabled(t *testing.T) {
	r := newTestRouter(t, newTestMarket(t, newAccount(t).addr))
	for _, p := range []string{"/api/v1/exports", "/api/v1/exports/public-key", "/api/v1/exports/files/x/registry.json"} {
		assert.Equal(t, http.StatusNotFound, call(t, r, http.MethodGet, p, "", nil).Code, p)
	}
}

func TestRouter_RateLimit(t *testing.T) {
	cfg := &config.Config{}
	cfg.Security.RateLimiting = config.RateLimitingConfig{Enabled: true, RequestsPerMinute: 60, Burst: 2}
	r, bg := NewRouter(Deps{Config: cfg, Market: newTestMarket(t, newAccount(t).addr)})
	t.Cleanup(bg.Shutdown)

	var last int
	for range 10 {
		last = call(t, r, http.MethodGet, "/api/v1/token", "", nil).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestRouter_WalletLogin(t *testing.T) {
	r := newTestRouter(t, newTestMarket(t, newAccount(t).addr))
	user := newAccount(t)

	w := call(t, r, http.MethodPost, "/api/v1/auth/challenge", "", gin.H{"address": user.addr.Hex()})
	require.Equal(t, http.StatusOK, w.Code)
	var challenge auth.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))

	sig, err := sigauth.Sign(user.key, sigauth.MessageDigest(challenge.Message))
	require.NoError(t, err)

	w = call(t, r, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"challenge": challenge.Token,
		"signature": sig.Hex(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token := decode(t, w)["token"].(string)

	w = call(t, r, http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode(t, w)
	assert.Equal(t, user.addr.Hex(), me["address"])
	assert.Equal(t, "jwt", me["auth_method"])

	// A signature from another key is rejected.
	other, err := sigauth.Sign(newAccount(t).key, sigauth.MessageDigest(challenge.Message))
	require.NoError(t, err)
	w = call(t, r, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"challenge": challenge.Token,
		"signature": other.Hex(),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_EscrowLifecycle(t *testing.T) {
	op, owner, consumer := newAccount(t), newAccount(t), newAccount(t)
	m := newTestMarket(t, op.addr)
	r := newTestRouter(t, m)
	opTok, ownerTok, consumerTok := sessionToken(t, op.addr), sessionToken(t, owner.addr), sessionToken(t, consumer.addr)

	// Fund the consumer.
	w := call(t, r, http.MethodPost, "/api/v1/token/transfer", opTok, gin.H{"to": consumer.addr.Hex(), "amount": "500"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Owner lists an agent.
	w = call(t, r, http.MethodPost, "/api/v1/agents", ownerTok, gin.H{"price": "100", "endpoint": "https://agent.example"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	agentAddr := decode(t, w)["address"].(string)

	w = call(t, r, http.MethodGet, "/api/v1/agents/"+agentAddr, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, owner.addr.Hex(), decode(t, w)["owner"])

	// Consumer opens, approves and funds a job.
	w = call(t, r, http.MethodPost, "/api/v1/agents/"+agentAddr+"/jobs", consumerTok, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	jobAddr := decode(t, w)["address"].(string)

	w = call(t, r, http.MethodPost, "/api/v1/jobs/"+jobAddr+"/fund", consumerTok, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code, "funding without allowance")

	w = call(t, r, http.MethodPost, "/api/v1/token/approve", consumerTok, gin.H{"to": jobAddr, "amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = call(t, r, http.MethodPost, "/api/v1/jobs/"+jobAddr+"/fund", consumerTok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, r, http.MethodGet, "/api/v1/jobs/"+jobAddr, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", decode(t, w)["escrowedBalance"])

	sig, err := sigauth.SignJobInvocation(consumer.key, common.HexToAddress(jobAddr))
	require.NoError(t, err)
	body := gin.H{"signature": sig.Hex()}

	w = call(t, r, http.MethodPost, "/api/v1/agents/"+agentAddr+"/jobs/"+jobAddr+"/validate", "", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	// Only the agent owner may complete.
	w = call(t, r, http.MethodPost, "/api/v1/agents/"+agentAddr+"/jobs/"+jobAddr+"/complete", consumerTok, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(t, r, http.MethodPost, "/api/v1/agents/"+agentAddr+"/jobs/"+jobAddr+"/complete", ownerTok, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, r, http.MethodGet, "/api/v1/token/balances/"+owner.addr.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", decode(t, w)["balance"])

	w = call(t, r, http.MethodGet, "/api/v1/token/balances/"+consumer.addr.Hex(), "", nil)
	assert.Equal(t, "400", decode(t, w)["balance"])

	// A completed job cannot be completed again.
	w = call(t, r, http.MethodPost, "/api/v1/agents/"+agentAddr+"/jobs/"+jobAddr+"/complete", ownerTok, body)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = call(t, r, http.MethodGet, "/api/v1/events?address="+jobAddr, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode(t, w)["events"])
}

func TestRouter_RegistryFlow(t *testing.T) {
	op, alice := newAccount(t), newAccount(t)
	r := newTestRouter(t, newTestMarket(t, op.addr))
	tok := sessionToken(t, alice.addr)

	w := call(t, r, http.MethodPost, "/api/v1/organizations", tok, gin.H{"name": "acme"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, r, http.MethodPost, "/api/v1/organizations", tok, gin.H{"name": "acme"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = call(t, r, http.MethodPost, "/api/v1/organizations/acme/services", tok, gin.H{
		"name":          "translate",
		"endpointUri":  "https://acme.example/translate",
		"agentAddress": newAccount(t).addr.Hex(),
		"tags":         []string{"nlp"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, r, http.MethodGet, "/api/v1/service-tags/nlp/services", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "translate")

	// Outsiders cannot register under the organization.
	w = call(t, r, http.MethodPost, "/api/v1/organizations/acme/services", sessionToken(t, newAccount(t).addr), gin.H{
		"name": "other", "endpointUri": "x", "agentAddress": alice.addr.Hex(),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
