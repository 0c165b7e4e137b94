package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/roborio/roborio/internal/wallet"
)

// refreshMargin renews a cached token shortly before it expires.
const refreshMargin = time.Minute

// Client signs the session's wallet in against a wallet-auth endpoint and
// caches the session token per wallet.
type Client struct {
	url     string
	origin  string
	session *wallet.Session
	http    *http.Client
	now     func() time.Time

	mu        sync.Mutex
	token     string
	wallet    solana.PublicKey
	expiresAt time.Time
}

// NewClient creates a client posting to url and claiming origin.
func NewClient(url, origin string, session *wallet.Session) *Client {
	return &Client{
		url:     url,
		origin:  origin,
		session: session,
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

// WithHTTPClient replaces the HTTP client (for tests).
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithClock sets the time source (for tests).
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// ServerError is a rejected sign-in.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("wallet auth: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Token returns a valid session token for the connected wallet, signing in
// again when there is none or it is about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	p, err := c.session.Provider()
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.token != "" && c.wallet.Equals(p.PublicKey()) && c.now().Add(refreshMargin).Before(c.expiresAt) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	resp, err := c.Login(ctx)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Login signs a fresh challenge with the connected wallet.
func (c *Client) Login(ctx context.Context) (*WalletAuthResponse, error) {
	p, err := c.session.Provider()
	if err != nil {
		return nil, err
	}

	ch := Challenge{Origin: c.origin, Nonce: uuid.NewString(), Timestamp: c.now().UnixMilli()}
	msg := ch.Message()
	sig, err := p.SignMessage(ctx, []byte(msg))
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(WalletAuthRequest{
		Wallet:    p.PublicKey().String(),
		Signature: base64.StdEncoding.EncodeToString(sig[:]),
		Message:   msg,
		Nonce:     ch.Nonce,
		Timestamp: ch.Timestamp,
		Origin:    ch.Origin,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", c.origin)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		return nil, &ServerError{StatusCode: resp.StatusCode, Code: e.Error, Message: e.Message}
	}

	var out WalletAuthResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("wallet auth: decode response: %w", err)
	}
	if out.Token == "" || out.Wallet != p.PublicKey().String() {
		return nil, fmt.Errorf("wallet auth: response does not match the signing wallet")
	}

	c.mu.Lock()
	c.token = out.Token
	c.wallet = p.PublicKey()
	c.expiresAt = c.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return &out, nil
}

// Clear drops the cached token.
func (c *Client) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.wallet = solana.PublicKey{}
	c.expiresAt = time.Time{}
}
