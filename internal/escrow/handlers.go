package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	"github.com/roborio/roborio/internal/auth"
	"github.com/roborio/roborio/internal/validation"
)

// Streamer pushes mirror updates for one wallet over a long-lived
// connection. The realtime hub implements it.
type Streamer interface {
	ServeWallet(w http.ResponseWriter, r *http.Request, wallet string)
}

// Handler provides read-only HTTP endpoints over the escrow mirror.
// Every route expects auth.Middleware to have run first.
type Handler struct {
	service  *Service
	streamer Streamer
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// WithStreamer enables GET /escrows/stream.
func (h *Handler) WithStreamer(s Streamer) *Handler {
	h.streamer = s
	return h
}

// RegisterRoutes sets up the escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/stream", h.Stream)

	byAddress := r.Group("/escrows/:address", validation.AddressParamMiddleware())
	byAddress.GET("", h.GetEscrow)
	byAddress.POST("/refresh", h.RefreshEscrow)
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	caller, ok := auth.WalletFromContext(c)
	if !ok {
		unauthenticated(c)
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	escrows, err := h.service.List(c.Request.Context(), caller, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// GetEscrow handles GET /v1/escrows/:address
func (h *Handler) GetEscrow(c *gin.Context) {
	e, ok := h.loadForParty(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefreshEscrow handles POST /v1/escrows/:address/refresh
func (h *Handler) RefreshEscrow(c *gin.Context) {
	e, ok := h.loadForParty(c)
	if !ok {
		return
	}
	refreshed, err := h.service.Refresh(c.Request.Context(), e)
	if err != nil {
		respondError(c, err)
		return
	}
	if refreshed == nil {
		c.JSON(http.StatusOK, gin.H{"escrow": e, "onChain": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": refreshed, "onChain": true})
}

// Stream handles GET /v1/escrows/stream
func (h *Handler) Stream(c *gin.Context) {
	caller, ok := auth.WalletFromContext(c)
	if !ok {
		unauthenticated(c)
		return
	}
	if h.streamer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "stream_unavailable",
			"message": "Escrow streaming is not enabled",
		})
		return
	}
	h.streamer.ServeWallet(c.Writer, c.Request, caller.String())
}

func (h *Handler) loadForParty(c *gin.Context) (*Escrow, bool) {
	caller, ok := auth.WalletFromContext(c)
	if !ok {
		unauthenticated(c)
		return nil, false
	}
	address, err := solana.PublicKeyFromBase58(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid base58 account address",
		})
		return nil, false
	}
	e, err := h.service.Load(c.Request.Context(), address)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if !e.IsParty(caller) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the renter or operator can view this escrow",
		})
		return nil, false
	}
	return e, true
}

func unauthenticated(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "A wallet session token is required",
	})
}

// respondError maps service errors onto HTTP responses.
func respondError(c *gin.Context, err error) {
	var stale *StaleStatusError
	var ib *InsufficientBalanceError
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.As(err, &stale):
		c.JSON(http.StatusConflict, gin.H{"error": "stale_status", "message": err.Error()})
	case errors.As(err, &ib):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": err.Error()})
	case IsPrecondition(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "precondition_failed", "message": err.Error()})
	case IsRetryable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "Ledger is unavailable, try again"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read escrow"})
	}
}
