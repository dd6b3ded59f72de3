// Package security provides HTTP hardening for the invoice API (response
// headers and CORS) and validation of URLs supplied by callers.
package security

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// responseHeaders is applied to every response. The API serves JSON and a
// websocket, never documents, so the CSP denies everything else.
var responseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()"},
	// invoice and dispute payloads carry wallet addresses
	{"Cache-Control", "no-store"},
}

// HeadersMiddleware sets the hardening headers on every response.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range responseHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// AllowedHeaders lists the request headers browsers may send cross-origin.
var AllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID", "X-Wallet-Address"}

// AllowedMethods lists the methods the invoice routes use.
var AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}

const preflightMaxAge = 24 * 60 * 60

type corsPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newCORSPolicy(origins []string) corsPolicy {
	p := corsPolicy{origins: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			p.any = true
			continue
		}
		if o != "" {
			p.origins[strings.ToLower(o)] = struct{}{}
		}
	}
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

// CORSMiddleware answers cross-origin requests from the given origins. "*"
// allows any origin but never with credentials. An empty list allows none.
// Preflight requests are always answered with 204 and never reach a route.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	policy := newCORSPolicy(allowedOrigins)
	methods := strings.Join(AllowedMethods, ", ")
	headers := strings.Join(AllowedHeaders, ", ")
	maxAge := strconv.Itoa(preflightMaxAge)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if policy.allows(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", maxAge)
			if !policy.any {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
