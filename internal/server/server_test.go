package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roborio/roborio/internal/auth"
	"github.com/roborio/roborio/internal/config"
	"github.com/roborio/roborio/internal/escrow"
	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/program"
	"github.com/roborio/roborio/internal/waitlist"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testOrigin = "https://roborio.xyz"

// stubRPC has no accounts and answers the genesis hash request with devnet's hash.
type stubRPC struct {
	genesisDown atomic.Bool
}

func (s *stubRPC) GetAccountInfoWithOpts(context.Context, solana.PublicKey, *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	return nil, rpc.ErrNotFound
}

func (s *stubRPC) GetBalance(context.Context, solana.PublicKey, rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: 0}, nil
}

func (s *stubRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return nil, errors.New("read-only stub")
}

func (s *stubRPC) SendTransaction(context.Context, *solana.Transaction) (solana.Signature, error) {
	return solana.Signature{}, errors.New("read-only stub")
}

func (s *stubRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{}, nil
}

func (s *stubRPC) GetGenesisHash(context.Context) (solana.Hash, error) {
	if s.genesisDown.Load() {
		return solana.Hash{}, errors.New("connection refused")
	}
	return solana.MustHashFromBase58("EtWTRABZaYq6iMfeYKouRu166VU2xqa1wcaWoxPkrZBG"), nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		SolanaNetwork:       "devnet",
		SolPriceUSD:         100,
		ConfirmTimeout:      time.Second,
		AutoRefreshInterval: time.Second,
		AllowedOrigins:      []string{testOrigin},
		WaitlistBaseURL:     "https://roborio.xyz",
	}
}

type testServer struct {
	*Server
	rpc     *stubRPC
	escrows *escrow.MemoryStore
	signups *waitlist.MemoryStore
}

// newTestServer creates a server with in-memory stores and a stub RPC
func newTestServer(t *testing.T, withKey bool) *testServer {
	t.Helper()
	ts := &testServer{rpc: &stubRPC{}, escrows: escrow.NewMemoryStore(), signups: waitlist.NewMemoryStore()}
	opts := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRPC(ts.rpc),
		WithEscrowStore(ts.escrows),
		WithWaitlistStore(ts.signups),
	}
	if withKey {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		opts = append(opts, WithSigningKey(key))
	}
	s, err := New(testConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.waitlistLimiter.Stop()
	})
	ts.Server = s
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// signIn runs the wallet-auth exchange and returns the session token.
func (ts *testServer) signIn(t *testing.T, w solana.PrivateKey) string {
	t.Helper()
	ch := auth.Challenge{Origin: testOrigin, Nonce: uuid.NewString(), Timestamp: time.Now().UnixMilli()}
	msg := ch.Message()
	sig, err := w.Sign([]byte(msg))
	require.NoError(t, err)

	body, err := json.Marshal(auth.WalletAuthRequest{
		Wallet:    w.PublicKey().String(),
		Signature: base64.StdEncoding.EncodeToString(sig[:]),
		Message:   msg,
		Nonce:     ch.Nonce,
		Timestamp: ch.Timestamp,
		Origin:    ch.Origin,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/wallet-auth", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", testOrigin)
	rec := ts.do(req)
	ts.authHandler.Wait()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp auth.WalletAuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, Version, resp["version"])

	ts.rpc.genesisDown.Store(true)
	w = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLivenessAndReadiness(t *testing.T) {
	ts := newTestServer(t, false)

	assert.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)).Code)

	// Not ready until Run has started
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil)).Code)
	ts.ready.Store(true)
	assert.Equal(t, http.StatusOK, ts.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil)).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "roborio_")
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "lb-123")
	w = ts.do(req)
	assert.Equal(t, "lb-123", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t, false)
	w := ts.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestCORSOnAPI(t *testing.T) {
	ts := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/v1/escrows", nil)
	req.Header.Set("Origin", testOrigin)
	w := ts.do(req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, testOrigin, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = ts.do(req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestSizeLimit(t *testing.T) {
	ts := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/waitlist", strings.NewReader(strings.Repeat("a", 2<<20)))
	req.ContentLength = 2 << 20
	w := ts.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// ---------------------------------------------------------------------------
// Route wiring
// ---------------------------------------------------------------------------

func TestInfo(t *testing.T) {
	ts := newTestServer(t, true)
	w := ts.do(httptest.NewRequest(http.MethodGet, "/v1/info", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "devnet", resp["cluster"])
	assert.Equal(t, true, resp["walletAuth"])
}

func TestWalletAuthWithoutKey(t *testing.T) {
	ts := newTestServer(t, false)
	w, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	ch := auth.Challenge{Origin: testOrigin, Nonce: uuid.NewString(), Timestamp: time.Now().UnixMilli()}
	sig, err := w.Sign([]byte(ch.Message()))
	require.NoError(t, err)
	body, _ := json.Marshal(auth.WalletAuthRequest{
		Wallet: w.PublicKey().String(), Signature: base64.StdEncoding.EncodeToString(sig[:]),
		Message: ch.Message(), Nonce: ch.Nonce, Timestamp: ch.Timestamp, Origin: ch.Origin,
	})
	req := httptest.NewRequest(http.MethodPost, "/wallet-auth", bytes.NewReader(body))
	rec := ts.do(req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// Without a key nothing can authenticate against the escrow API
	assert.Equal(t, http.StatusUnauthorized, ts.do(httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)).Code)
}

func TestEscrowAPI_SignInThenRead(t *testing.T) {
	ts := newTestServer(t, true)

	renter, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	operator := solana.NewWallet().PublicKey()
	now := time.Now().UTC().Truncate(time.Second)
	e := &escrow.Escrow{
		Address:      solana.NewWallet().PublicKey(),
		Renter:       renter.PublicKey(),
		Operator:     operator,
		RobotID:      "robot42",
		Amount:       50_000_000,
		CreatedAt:    now,
		ExpiresAt:    now.Add(24 * time.Hour),
		Status:       program.StatusActive,
		Network:      ledger.Devnet,
		CancelStatus: escrow.CancelNone,
		UpdatedAt:    now,
	}
	require.NoError(t, ts.escrows.Upsert(context.Background(), e))

	token := ts.signIn(t, renter)

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := ts.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var list struct {
		Escrows []map[string]any `json:"escrows"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, e.Address.String(), list.Escrows[0]["escrowAddress"])
	assert.Equal(t, "active", list.Escrows[0]["status"])

	req = httptest.NewRequest(http.MethodGet, "/v1/escrows/"+e.Address.String(), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, ts.do(req).Code)

	// Another wallet's session cannot read the rental
	stranger, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/escrows/"+e.Address.String(), nil)
	req.Header.Set("Authorization", "Bearer "+ts.signIn(t, stranger))
	assert.Equal(t, http.StatusForbidden, ts.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/escrows/not-an-address", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusBadRequest, ts.do(req).Code)
}

func TestWaitlistRoutes(t *testing.T) {
	ts := newTestServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/waitlist", strings.NewReader(`{"email":"ada@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	w := ts.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, ok := ts.signups.Get("ada@example.com")
	assert.True(t, ok)

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/waitlist/confirm?token=nope", nil))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://roborio.xyz/#waitlist?status=invalid", w.Header().Get("Location"))
}

func TestShutdownWithoutRun(t *testing.T) {
	ts := newTestServer(t, false)
	ts.drainDelay = 0
	require.NoError(t, ts.Shutdown())
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)).Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/roborio", maskDSN("postgres://app:secret@db:5432/roborio"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
