package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func corsRouter(origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HeadersMiddleware(), CORSMiddleware(origins))
	r.GET("/v1/invoices/:id", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"id": c.Param("id")}) })
	r.POST("/v1/invoices", func(c *gin.Context) { c.Status(http.StatusCreated) })
	return r
}

func send(r http.Handler, method, path, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_SetsHardeningHeaders(t *testing.T) {
	w := send(corsRouter(nil), http.MethodGet, "/v1/invoices/inv_1", "")

	assert.Equal(t, http.StatusOK, w.Code)
	for _, kv := range responseHeaders {
		assert.Equal(t, kv[1], w.Header().Get(kv[0]), kv[0])
	}
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
}

func TestCORSMiddleware_Origins(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		origin    string
		wantAllow bool
		wantCreds bool
	}{
		{"listed origin", []string{"https://pay.example.com"}, "https://pay.example.com", true, true},
		{"listed with trailing slash", []string{"https://pay.example.com/"}, "https://pay.example.com", true, true},
		{"case insensitive", []string{"https://Pay.Example.com"}, "https://pay.example.com", true, true},
		{"unlisted origin", []string{"https://pay.example.com"}, "https://evil.example", false, false},
		{"wildcard", []string{"*"}, "https://anything.example", true, false},
		{"empty list allows none", nil, "https://pay.example.com", false, false},
		{"no origin header", []string{"*"}, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(corsRouter(tt.allowed), http.MethodGet, "/v1/invoices/inv_1", tt.origin)
			assert.Equal(t, http.StatusOK, w.Code)

			gotOrigin := w.Header().Get("Access-Control-Allow-Origin")
			if tt.wantAllow {
				assert.Equal(t, tt.origin, gotOrigin)
			} else {
				assert.Empty(t, gotOrigin)
			}
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	w := send(corsRouter([]string{"https://pay.example.com"}), http.MethodOptions, "/v1/invoices", "https://pay.example.com")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Wallet-Address")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPatch)
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestCORSMiddleware_PreflightFromUnlistedOrigin(t *testing.T) {
	w := send(corsRouter([]string{"https://pay.example.com"}), http.MethodOptions, "/v1/invoices", "https://evil.example")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Methods"))
}
