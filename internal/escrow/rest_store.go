package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// TokenSource supplies the bearer token for the hosted mirror table.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// RESTStore keeps mirrors in a hosted PostgREST table. Rows are read by
// renter or operator wallet; every row is validated before it is returned
// and malformed rows are skipped.
type RESTStore struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

// NewRESTStore creates a store against baseURL (the project URL, without
// /rest/v1). tokens may be nil, in which case only the API key is sent.
func NewRESTStore(baseURL, apiKey string, tokens TokenSource, logger *slog.Logger) *RESTStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RESTStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// WithHTTPClient replaces the HTTP client (for tests).
func (r *RESTStore) WithHTTPClient(c *http.Client) *RESTStore {
	r.client = c
	return r
}

func (r *RESTStore) Upsert(ctx context.Context, e *Escrow) error {
	body, err := json.Marshal([]*mirrorRow{newMirrorRow(e)})
	if err != nil {
		return err
	}
	q := url.Values{"on_conflict": {"escrow_address"}}
	req, err := r.newRequest(ctx, http.MethodPost, q, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "resolution=merge-duplicates,return=minimal")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp)
}

func (r *RESTStore) Get(ctx context.Context, address solana.PublicKey) (*Escrow, error) {
	q := url.Values{
		"select":         {"*"},
		"escrow_address": {"eq." + address.String()},
		"limit":          {"1"},
	}
	rows, err := r.query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrEscrowNotFound
	}
	return rows[0], nil
}

func (r *RESTStore) ListByWallet(ctx context.Context, wallet solana.PublicKey, limit int) ([]*Escrow, error) {
	w := wallet.String()
	q := url.Values{
		"select": {"*"},
		"or":     {fmt.Sprintf("(renter_wallet.eq.%s,operator_wallet.eq.%s)", w, w)},
		"order":  {"created_at.desc"},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return r.query(ctx, q)
}

func (r *RESTStore) query(ctx context.Context, q url.Values) ([]*Escrow, error) {
	req, err := r.newRequest(ctx, http.MethodGet, q, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var rows []mirrorRow
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode escrow mirrors: %w", err)
	}
	out := make([]*Escrow, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEscrow()
		if err != nil {
			r.logger.Warn("skipping malformed escrow mirror", "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RESTStore) newRequest(ctx context.Context, method string, q url.Values, body io.Reader) (*http.Request, error) {
	u := r.baseURL + "/rest/v1/escrows"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("apikey", r.apiKey)
	}
	bearer := r.apiKey
	if r.tokens != nil {
		tok, err := r.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("escrow mirror auth: %w", err)
		}
		bearer = tok
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

// RESTError is a non-2xx reply from the mirror table.
type RESTError struct {
	StatusCode int
	Body       string
}

func (e *RESTError) Error() string {
	return fmt.Sprintf("escrow mirror: HTTP %d: %s", e.StatusCode, e.Body)
}

// Temporary marks server-side failures as worth retrying.
func (e *RESTError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &RESTError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

var _ Store = (*RESTStore)(nil)
