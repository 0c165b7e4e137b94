package waitlist

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roborio/roborio/internal/idgen"
	"github.com/roborio/roborio/internal/metrics"
	"github.com/roborio/roborio/internal/ratelimit"
	"github.com/roborio/roborio/internal/security"
)

// DefaultSiteURL is where confirmation redirects land when none is configured.
const DefaultSiteURL = "https://roborio.xyz"

// Handler provides the waitlist signup and confirmation endpoints.
type Handler struct {
	store      Store
	mailer     Mailer
	origins    *security.OriginPolicy
	limiter    *ratelimit.Limiter
	siteURL    string
	confirmURL string
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a waitlist handler. A nil store makes every signup
// fail with a server error, as a deployment without a database would.
func NewHandler(store Store, mailer Mailer, origins *security.OriginPolicy, siteURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = LogMailer{Logger: logger}
	}
	if siteURL == "" {
		siteURL = DefaultSiteURL
	}
	return &Handler{
		store:   store,
		mailer:  mailer,
		origins: origins,
		siteURL: strings.TrimRight(siteURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

// WithLimiter rate limits signups per client IP.
func (h *Handler) WithLimiter(l *ratelimit.Limiter) *Handler {
	h.limiter = l
	return h
}

// WithConfirmURL sets the public URL of the confirm endpoint used in
// emailed links. By default it is derived from the request.
func (h *Handler) WithConfirmURL(u string) *Handler {
	h.confirmURL = u
	return h
}

// WithClock sets the time source (for tests).
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// RegisterRoutes sets up the waitlist routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.OPTIONS("/api/waitlist", h.Preflight)
	r.POST("/api/waitlist", h.Join)
	for _, m := range []string{http.MethodGet, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		r.Handle(m, "/api/waitlist", h.methodNotAllowed)
	}
	r.GET("/api/waitlist/confirm", h.Confirm)
}

// JoinRequest is the signup body.
type JoinRequest struct {
	Email   string `json:"email"`
	Segment string `json:"segment"`
}

// Preflight answers CORS preflight requests.
func (h *Handler) Preflight(c *gin.Context) {
	h.setHeaders(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) methodNotAllowed(c *gin.Context) {
	h.setHeaders(c)
	c.Header("Allow", "POST, OPTIONS")
	c.JSON(http.StatusMethodNotAllowed, gin.H{
		"error":   "method_not_allowed",
		"message": "Only POST requests are accepted",
	})
}

// Join handles POST /api/waitlist
func (h *Handler) Join(c *gin.Context) {
	h.setHeaders(c)

	if h.store == nil {
		h.logger.Error("waitlist store is not configured")
		h.fail(c, http.StatusInternalServerError, "server_error", "Service temporarily unavailable. Please try again later.")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(c.ClientIP()) {
		metrics.RateLimitedTotal.WithLabelValues("waitlist").Inc()
		h.logger.Warn("waitlist rate limit exceeded")
		h.fail(c, http.StatusTooManyRequests, "rate_limited", "Please wait a minute before trying again.")
		return
	}

	var req JoinRequest
	_ = c.ShouldBindJSON(&req) // a missing body reads as a missing email

	email, err := NormalizeEmail(req.Email)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_email", err.Error())
		return
	}
	segment, err := ParseSegment(req.Segment)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "invalid_segment", "Segment must be one of renter, operator, investor, other")
		return
	}

	now := h.now().UTC()
	token := idgen.Hex(TokenBytes)
	expires := now.Add(ConfirmationTTL)
	signup := &Signup{
		Email:            email,
		Segment:          segment,
		Source:           "website",
		Status:           StatusPending,
		ConfirmTokenHash: HashToken(token),
		ConfirmExpiresAt: &expires,
		CreatedAt:        now,
	}

	ctx := c.Request.Context()
	if err := h.store.Insert(ctx, signup); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			h.fail(c, http.StatusConflict, "email_registered", "This email is already on the waitlist")
			return
		}
		h.logger.Error("waitlist insert failed", "error", err)
		h.fail(c, http.StatusInternalServerError, "server_error", "Failed to join waitlist. Please try again later.")
		return
	}

	if err := h.mailer.SendConfirmation(ctx, email, h.confirmLink(c, token)); err != nil {
		h.logger.Warn("waitlist confirmation email failed", "id", signup.ID, "error", err)
	}

	metrics.WaitlistSignupsTotal.WithLabelValues("joined").Inc()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Successfully joined the waitlist!",
	})
}

// Confirm handles GET /api/waitlist/confirm
func (h *Handler) Confirm(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")

	if h.store == nil {
		h.logger.Error("waitlist store is not configured")
		c.String(http.StatusInternalServerError, "Service unavailable")
		return
	}

	token := c.Query("token")
	if token == "" {
		h.redirect(c, "invalid")
		return
	}
	hash := HashToken(token)
	logger := h.logger.With("token_hash_prefix", hash[:8])

	ctx := c.Request.Context()
	entry, err := h.store.FindByTokenHash(ctx, hash)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Debug("waitlist token not found")
		h.redirect(c, "invalid")
		return
	case err != nil:
		logger.Error("waitlist lookup failed", "error", err)
		h.redirect(c, "error")
		return
	}

	if entry.Status == StatusConfirmed {
		h.redirect(c, "confirmed")
		return
	}
	now := h.now().UTC()
	if entry.ConfirmExpiresAt == nil || now.After(*entry.ConfirmExpiresAt) {
		logger.Debug("waitlist token expired")
		h.redirect(c, "expired")
		return
	}

	if err := h.store.MarkConfirmed(ctx, entry.ID, now); err != nil {
		logger.Error("waitlist confirm failed", "error", err)
		h.redirect(c, "error")
		return
	}
	metrics.WaitlistSignupsTotal.WithLabelValues("confirmed").Inc()
	h.redirect(c, "confirmed")
}

func (h *Handler) redirect(c *gin.Context, status string) {
	c.Redirect(http.StatusFound, h.siteURL+"/#waitlist?status="+url.QueryEscape(status))
}

func (h *Handler) confirmLink(c *gin.Context, token string) string {
	base := h.confirmURL
	if base == "" {
		scheme := "https"
		if c.Request.TLS == nil && c.GetHeader("X-Forwarded-Proto") != "https" {
			scheme = "http"
		}
		base = scheme + "://" + c.Request.Host + "/api/waitlist/confirm"
	}
	return base + "?token=" + url.QueryEscape(token)
}

func (h *Handler) setHeaders(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Vary", "Origin")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Content-Type")
	if origin := c.GetHeader("Origin"); h.origins.Allowed(origin) {
		c.Header("Access-Control-Allow-Origin", origin)
	}
}

func (h *Handler) fail(c *gin.Context, status int, code, message string) {
	metrics.WaitlistSignupsTotal.WithLabelValues(code).Inc()
	c.JSON(status, gin.H{"error": code, "message": message})
}
