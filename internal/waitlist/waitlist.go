// Package waitlist collects pre-launch email signups and confirms them
// through a single-use emailed link.
package waitlist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roborio/roborio/internal/validation"
)

var (
	ErrNotFound       = errors.New("waitlist entry not found")
	ErrDuplicateEmail = errors.New("email already on the waitlist")
)

// ConfirmationTTL is how long a confirmation link stays valid.
const ConfirmationTTL = 48 * time.Hour

// TokenBytes is the random length of a confirmation token.
const TokenBytes = 32

// Segment is the audience a signup identifies with.
type Segment string

const (
	SegmentRenter   Segment = "renter"
	SegmentOperator Segment = "operator"
	SegmentInvestor Segment = "investor"
	SegmentOther    Segment = "other"
)

var segmentNames = []string{
	string(SegmentRenter), string(SegmentOperator), string(SegmentInvestor), string(SegmentOther),
}

// ParseSegment accepts a segment name; empty means SegmentOther.
func ParseSegment(s string) (Segment, error) {
	seg := strings.ToLower(strings.TrimSpace(s))
	if seg == "" {
		return SegmentOther, nil
	}
	if errs := validation.Validate(validation.OneOf("segment", seg, segmentNames...)); len(errs) > 0 {
		return "", errs
	}
	return Segment(seg), nil
}

// Status of a signup.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Signup is one waitlist entry. The raw confirmation token is never stored,
// only its SHA-256 digest.
type Signup struct {
	ID               int64
	Email            string
	Segment          Segment
	Source           string
	Status           Status
	ConfirmTokenHash string
	ConfirmExpiresAt *time.Time
	ConfirmedAt      *time.Time
	CreatedAt        time.Time
}

// Store persists signups.
type Store interface {
	// Insert fails with ErrDuplicateEmail when the email is already present.
	Insert(ctx context.Context, s *Signup) error
	FindByTokenHash(ctx context.Context, hash string) (*Signup, error)
	// MarkConfirmed sets the entry confirmed and clears its token.
	MarkConfirmed(ctx context.Context, id int64, at time.Time) error
}

// Mailer delivers the confirmation link.
type Mailer interface {
	SendConfirmation(ctx context.Context, email, link string) error
}

// LogMailer writes confirmation links to the log instead of sending them.
// Links are logged at Debug only.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) SendConfirmation(ctx context.Context, email, link string) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("waitlist confirmation queued", "domain", emailDomain(email))
	logger.Debug("waitlist confirmation link", "email", email, "link", link)
	return nil
}

// HashToken returns the hex SHA-256 of a confirmation token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var disposableDomains = []string{
	"tempmail.com", "guerrillamail.com", "10minutemail.com", "throwaway.email",
	"mailinator.com", "maildrop.cc", "temp-mail.org", "getnada.com",
	"trashmail.com", "yopmail.com", "fakeinbox.com", "sharklasers.com",
}

// EmailError is a user-facing validation failure.
type EmailError struct {
	Message string
}

func (e *EmailError) Error() string { return e.Message }

// NormalizeEmail lowercases and validates email before any other check.
func NormalizeEmail(email string) (string, error) {
	// One byte over the limit survives truncation so MaxLength still fails.
	normalized := validation.NormalizeEmail(validation.SanitizeString(email, validation.MaxEmailLength+1))
	if errs := validation.Validate(validation.Required("email", normalized)); len(errs) > 0 {
		return "", &EmailError{Message: "Email is required"}
	}
	if errs := validation.Validate(
		validation.MaxLength("email", normalized, validation.MaxEmailLength),
		validation.ValidEmail("email", normalized),
	); len(errs) > 0 {
		return "", &EmailError{Message: "Invalid email format"}
	}
	if slices.Contains(disposableDomains, emailDomain(normalized)) {
		return "", &EmailError{Message: "Temporary email addresses are not allowed"}
	}
	return normalized, nil
}

func emailDomain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}
