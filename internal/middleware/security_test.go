package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agent-market/agent-market/internal/config"
)

// applySecurityHeaders runs a GET / through SecurityHeadersMiddleware and returns
// the response recorder so callers can inspect headers.
func applySecurityHeaders(cfg SecurityHeadersConfig) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(SecurityHeadersMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestAPISecurityHeadersConfig(t *testing.T) {
	plain := APISecurityHeadersConfig(false)
	if plain.HSTSMaxAge != 0 {
		t.Errorf("HSTSMaxAge without TLS = %d, want 0", plain.HSTSMaxAge)
	}
	if plain.ReferrerPolicy != "no-referrer" {
		t.Errorf("ReferrerPolicy = %q, want no-referrer", plain.ReferrerPolicy)
	}

	tls := APISecurityHeadersConfig(true)
	if tls.HSTSMaxAge != 31536000 || !tls.HSTSIncludeSubdomains {
		t.Errorf("HSTS with TLS = %d/%v, want 31536000/true", tls.HSTSMaxAge, tls.HSTSIncludeSubdomains)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		cfg    SecurityHeadersConfig
		header string
		want   string
	}{
		{"hsts with subdomains", SecurityHeadersConfig{HSTSMaxAge: 600, HSTSIncludeSubdomains: true}, "Strict-Transport-Security", "max-age=600; includeSubDomains"},
		{"hsts only", SecurityHeadersConfig{HSTSMaxAge: 86400}, "Strict-Transport-Security", "max-age=86400"},
		{"hsts disabled", SecurityHeadersConfig{}, "Strict-Transport-Security", ""},
		{"frame options", SecurityHeadersConfig{FrameOptions: "SAMEORIGIN"}, "X-Frame-Options", "SAMEORIGIN"},
		{"frame options empty", SecurityHeadersConfig{}, "X-Frame-Options", ""},
		{"csp", SecurityHeadersConfig{ContentSecurityPolicy: "default-src 'none'"}, "Content-Security-Policy", "default-src 'none'"},
		{"referrer", SecurityHeadersConfig{ReferrerPolicy: "no-referrer"}, "Referrer-Policy", "no-referrer"},
		{"nosniff always", SecurityHeadersConfig{}, "X-Content-Type-Options", "nosniff"},
		{"corp always", SecurityHeadersConfig{}, "Cross-Origin-Resource-Policy", "same-origin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := applySecurityHeaders(tt.cfg)
			if got := w.Header().Get(tt.header); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

func doCORS(cfg config.CORSConfig, method, origin string) *httptest.ResponseRecorder {
	r := gin.New()
	r.Use(CORSMiddleware(cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.OPTIONS("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, "/", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestCORSMiddleware_AllowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"https://app.example"}, AllowedMethods: []string{"GET", "POST"}}
	w := doCORS(cfg, http.MethodGet, "https://app.example")

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Allow-Origin = %q, want https://app.example", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("Allow-Methods = %q, want GET, POST", got)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCORSMiddleware_RejectedOrigin(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"https://app.example"}}
	w := doCORS(cfg, http.MethodGet, "https://evil.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestCORSMiddleware_Wildcard(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"*"}}
	w := doCORS(cfg, http.MethodGet, "https://any.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://any.example" {
		t.Errorf("Allow-Origin = %q, want echoed origin", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("Allow-Methods should default when unset")
	}
}

func TestCORSMiddleware_PreflightShortCircuits(t *testing.T) {
	cfg := config.CORSConfig{AllowedOrigins: []string{"*"}}
	w := doCORS(cfg, http.MethodOptions, "https://any.example")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}
