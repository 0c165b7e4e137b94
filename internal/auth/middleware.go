package auth

import (
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	"github.com/roborio/roborio/internal/logging"
)

const (
	// ContextKeyWallet is the key for storing the authenticated wallet in gin context
	ContextKeyWallet = "authWallet"
	// ContextKeyClaims is the key for storing the session token claims
	ContextKeyClaims = "authClaims"
)

// Middleware verifies a bearer session token when one is present and sets
// the authenticated wallet in context. It never rejects a request.
// WebSocket upgrades may carry the token in the access_token query
// parameter, since browsers cannot set headers on them.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" && strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			token = c.Query("access_token")
		}
		if token != "" {
			wallet, claims, err := v.Verify(token)
			if err == nil {
				c.Set(ContextKeyWallet, wallet)
				c.Set(ContextKeyClaims, claims)
				c.Request = c.Request.WithContext(logging.WithWallet(c.Request.Context(), wallet.String()))
			}
		}
		c.Next()
	}
}

// RequireWallet rejects requests without a verified session token.
func RequireWallet() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := WalletFromContext(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session token required. Sign in with your wallet and include 'Authorization: Bearer <token>'.",
			})
			return
		}
		c.Next()
	}
}

// WalletFromContext returns the authenticated wallet, if any.
func WalletFromContext(c *gin.Context) (solana.PublicKey, bool) {
	v, exists := c.Get(ContextKeyWallet)
	if !exists {
		return solana.PublicKey{}, false
	}
	pk, ok := v.(solana.PublicKey)
	return pk, ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
