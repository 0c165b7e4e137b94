// Package auth signs wallets in.
//
// A wallet proves it holds its key by signing a challenge message that
// embeds the page origin, a single-use nonce and a millisecond timestamp.
// The server checks the message against the request, burns the nonce,
// verifies the ed25519 signature and answers with an ES256 session token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// NonceTTL is how long a nonce record is kept after issue.
	NonceTTL = 5 * time.Minute
	// ClockSkew is the tolerated drift between wallet and server clocks.
	ClockSkew = 2 * time.Minute
	// TokenLifetime is the validity of an issued session token.
	TokenLifetime = 24 * time.Hour
)

// Fixed claims of every session token.
const (
	TokenIssuer   = "supabase"
	TokenAudience = "authenticated"
	TokenRole     = "authenticated"
)

// ChallengeTitle opens every sign-in message.
const ChallengeTitle = "Sign in to Roborio"

var (
	ErrNonceReused       = errors.New("nonce already used")
	ErrMissingSigningKey = errors.New("session token signing key is not configured")
	ErrInvalidToken      = errors.New("invalid session token")
)

// Challenge is the content of a sign-in message.
type Challenge struct {
	Origin    string
	Nonce     string
	Timestamp int64 // unix milliseconds
}

// Message renders the text the wallet signs.
func (c Challenge) Message() string {
	return fmt.Sprintf("%s\n\nOrigin: %s\nNonce: %s\nTimestamp: %d", ChallengeTitle, c.Origin, c.Nonce, c.Timestamp)
}

// messageFields are the labelled values found in a signed message. Values
// stay strings so they can be compared exactly with the request fields.
type messageFields struct {
	origin    string
	nonce     string
	timestamp string
}

// parseMessage picks "Label: value" lines out of free text. The first
// occurrence of each label wins.
func parseMessage(msg string) messageFields {
	var f messageFields
	seen := map[string]bool{}
	for _, line := range strings.Split(msg, "\n") {
		line = strings.TrimRight(line, "\r")
		label, value, ok := strings.Cut(line, ": ")
		if !ok || seen[label] {
			continue
		}
		switch label {
		case "Origin":
			f.origin = value
		case "Nonce":
			f.nonce = value
		case "Timestamp":
			f.timestamp = value
		default:
			continue
		}
		seen[label] = true
	}
	return f
}

func (f messageFields) matches(origin, nonce string, timestamp int64) bool {
	return f.origin == origin &&
		f.nonce == nonce &&
		f.timestamp == strconv.FormatInt(timestamp, 10)
}

// NonceStore records used nonces. Insert must be a single atomic
// insert-or-reject; it is the only replay guard.
type NonceStore interface {
	Insert(ctx context.Context, nonce, wallet string, expiresAt time.Time) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type nonceRecord struct {
	wallet    string
	expiresAt time.Time
}

// MemoryNonceStore is an in-memory NonceStore for development and tests.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]nonceRecord
}

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]nonceRecord)}
}

func (m *MemoryNonceStore) Insert(_ context.Context, nonce, wallet string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nonces[nonce]; ok {
		return ErrNonceReused
	}
	m.nonces[nonce] = nonceRecord{wallet: wallet, expiresAt: expiresAt}
	return nil
}

func (m *MemoryNonceStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.nonces {
		if r.expiresAt.Before(before) {
			delete(m.nonces, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored nonces.
func (m *MemoryNonceStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nonces)
}
