// Package security provides security middleware for the Roborio API.
package security

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Prevent MIME type sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")

		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// JSON API only; nothing here renders HTML.
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		c.Next()
	}
}

// OriginPolicy is an explicit allow-list of browser origins: exact strings
// plus anchored patterns for preview deployments. It never allows "*".
type OriginPolicy struct {
	exact    map[string]bool
	patterns []*regexp.Regexp
}

// NewOriginPolicy compiles the allow-list.
func NewOriginPolicy(origins, patterns []string) (*OriginPolicy, error) {
	p := &OriginPolicy{exact: make(map[string]bool, len(origins))}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o == "*" {
			return nil, fmt.Errorf("security: wildcard origin is not allowed")
		}
		p.exact[o] = true
	}
	for _, raw := range patterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("security: origin pattern %q: %w", raw, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return p, nil
}

// Allowed reports whether origin is on the list.
func (p *OriginPolicy) Allowed(origin string) bool {
	if origin == "" || p == nil {
		return false
	}
	if p.exact[origin] {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}

// CORSOptions tunes the headers CORSMiddleware sends.
type CORSOptions struct {
	Methods []string
	Headers []string
	// Strict aborts requests whose Origin header is present but not allowed.
	Strict bool
}

// DefaultCORSOptions suits the JSON API.
func DefaultCORSOptions() CORSOptions {
	return CORSOptions{
		Methods: []string{"GET", "POST", "OPTIONS"},
		Headers: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}
}

// CORSMiddleware reflects allowed origins back to the browser. Requests
// without an Origin header (server-to-server, CLI) pass through untouched.
func CORSMiddleware(policy *OriginPolicy, opts CORSOptions) gin.HandlerFunc {
	methods := strings.Join(opts.Methods, ", ")
	headers := strings.Join(opts.Headers, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := policy.Allowed(origin)

		c.Header("Vary", "Origin")
		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Max-Age", "86400")
		}

		if origin != "" && !allowed && opts.Strict {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "origin_rejected",
				"message": "Origin not allowed",
			})
			return
		}

		// Handle preflight
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
