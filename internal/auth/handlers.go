package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roborio/roborio/internal/metrics"
	"github.com/roborio/roborio/internal/security"
)

// corsAllowHeaders are the request headers browser clients send to /wallet-auth.
const corsAllowHeaders = "authorization, x-client-info, apikey, content-type"

// Handler serves POST /wallet-auth.
type Handler struct {
	issuer  *Issuer // nil when no signing key is configured
	nonces  NonceStore
	origins *security.OriginPolicy
	logger  *slog.Logger
	now     func() time.Time
	cleanup sync.WaitGroup
}

// NewHandler creates the wallet-auth handler. issuer may be nil; requests
// then fail with 500 until a key is configured.
func NewHandler(issuer *Issuer, nonces NonceStore, origins *security.OriginPolicy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		issuer:  issuer,
		nonces:  nonces,
		origins: origins,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock sets the time source (for tests).
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RegisterRoutes sets up the wallet-auth routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.OPTIONS("/wallet-auth", h.Preflight)
	r.POST("/wallet-auth", h.WalletAuth)
}

// Wait blocks until background nonce cleanups have finished.
func (h *Handler) Wait() {
	h.cleanup.Wait()
}

// WalletAuthRequest is the sign-in request body.
type WalletAuthRequest struct {
	Wallet    string `json:"wallet"`
	Signature string `json:"signature"` // base64
	Message   string `json:"message"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Origin    string `json:"origin"`
}

// WalletAuthResponse is returned on success.
type WalletAuthResponse struct {
	Token     string `json:"token"`
	Wallet    string `json:"wallet"`
	ExpiresIn int64  `json:"expiresIn"`
}

// Preflight answers CORS preflight requests.
func (h *Handler) Preflight(c *gin.Context) {
	h.setCORS(c)
	c.Status(http.StatusNoContent)
}

// WalletAuth verifies a signed challenge and issues a session token.
func (h *Handler) WalletAuth(c *gin.Context) {
	h.setCORS(c)

	var req WalletAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Wallet == "" || req.Signature == "" ||
		req.Message == "" || req.Nonce == "" || req.Timestamp == 0 || req.Origin == "" {
		h.fail(c, http.StatusBadRequest, "missing_fields",
			"Missing required fields: wallet, signature, message, nonce, timestamp, origin")
		return
	}
	if _, err := uuid.Parse(req.Nonce); err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_nonce", "Nonce must be a UUID")
		return
	}

	if !parseMessage(req.Message).matches(req.Origin, req.Nonce, req.Timestamp) {
		h.fail(c, http.StatusBadRequest, "invalid_message", "Signed message does not match the request")
		return
	}

	now := h.now()
	window := NonceTTL + ClockSkew
	if d := now.Sub(time.UnixMilli(req.Timestamp)); d > window || d < -window {
		h.fail(c, http.StatusBadRequest, "timestamp_out_of_window", "Sign-in request has expired; try again")
		return
	}

	if header := c.GetHeader("Origin"); header != "" {
		if !h.origins.Allowed(header) || header != req.Origin {
			h.fail(c, http.StatusForbidden, "origin_rejected", "Origin not allowed")
			return
		}
	}

	if h.issuer == nil {
		h.logger.Error("wallet auth misconfigured", "error", ErrMissingSigningKey)
		h.fail(c, http.StatusInternalServerError, "server_error", "Server configuration error")
		return
	}

	ctx := c.Request.Context()
	if err := h.nonces.Insert(ctx, req.Nonce, req.Wallet, nonceExpiry(now, req.Timestamp)); err != nil {
		if errors.Is(err, ErrNonceReused) {
			h.fail(c, http.StatusConflict, "nonce_reused", "This sign-in request was already used")
			return
		}
		h.logger.Error("failed to record auth nonce", "error", err)
		h.fail(c, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}
	h.cleanupExpired(now)

	pub, err := solana.PublicKeyFromBase58(req.Wallet)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_wallet", "Invalid wallet address")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || len(raw) != solana.SignatureLength {
		h.fail(c, http.StatusBadRequest, "invalid_signature_format", "Invalid signature format")
		return
	}
	if !solana.SignatureFromBytes(raw).Verify(pub, []byte(req.Message)) {
		h.fail(c, http.StatusUnauthorized, "invalid_signature", "Invalid signature")
		return
	}

	token, expiresIn, err := h.issuer.Issue(pub.String())
	if err != nil {
		h.logger.Error("failed to issue session token", "error", err)
		h.fail(c, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	metrics.WalletAuthTotal.WithLabelValues("ok").Inc()
	h.logger.Info("wallet signed in", "wallet", pub.String())
	c.JSON(http.StatusOK, WalletAuthResponse{Token: token, Wallet: pub.String(), ExpiresIn: expiresIn})
}

// nonceExpiry is when a nonce record may be dropped: once its message can no
// longer pass the timestamp window, measured from whichever is later of the
// server clock and the signed timestamp.
func nonceExpiry(now time.Time, timestampMs int64) time.Time {
	from := now
	if signed := time.UnixMilli(timestampMs); signed.After(from) {
		from = signed
	}
	return from.Add(NonceTTL + ClockSkew)
}

func (h *Handler) cleanupExpired(now time.Time) {
	h.cleanup.Add(1)
	go func() {
		defer h.cleanup.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := h.nonces.DeleteExpired(ctx, now)
		if err != nil {
			h.logger.Warn("expired nonce cleanup failed", "error", err)
			return
		}
		if n > 0 {
			h.logger.Debug("expired nonces removed", "count", n)
		}
	}()
}

func (h *Handler) setCORS(c *gin.Context) {
	c.Header("Vary", "Origin")
	origin := c.GetHeader("Origin")
	if !h.origins.Allowed(origin) {
		return
	}
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
}

func (h *Handler) fail(c *gin.Context, status int, code, message string) {
	metrics.WalletAuthTotal.WithLabelValues(code).Inc()
	if status < http.StatusInternalServerError {
		h.logger.Debug("wallet auth rejected", "code", code, "ip", c.ClientIP())
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
