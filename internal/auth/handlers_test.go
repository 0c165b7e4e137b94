package auth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roborio/roborio/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testOrigin = "https://roborio.xyz"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type authFixture struct {
	router  *gin.Engine
	handler *Handler
	nonces  *MemoryNonceStore
	issuer  *Issuer
	wallet  solana.PrivateKey
}

func newAuthFixture(t *testing.T, withKey bool) *authFixture {
	t.Helper()
	var issuer *Issuer
	if withKey {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		issuer, err = NewIssuer(key, "test-kid")
		require.NoError(t, err)
		issuer.WithClock(func() time.Time { return fixedNow })
	}
	policy, err := security.NewOriginPolicy([]string{testOrigin}, []string{`^https://roborio-.*\.vercel\.app$`})
	require.NoError(t, err)

	nonces := NewMemoryNonceStore()
	h := NewHandler(issuer, nonces, policy, nil).WithClock(func() time.Time { return fixedNow })
	r := gin.New()
	h.RegisterRoutes(r)

	w, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &authFixture{router: r, handler: h, nonces: nonces, issuer: issuer, wallet: w}
}

// signedRequest builds a valid request body for the fixture wallet.
func (f *authFixture) signedRequest(t *testing.T, ch Challenge) WalletAuthRequest {
	t.Helper()
	msg := ch.Message()
	sig, err := f.wallet.Sign([]byte(msg))
	require.NoError(t, err)
	return WalletAuthRequest{
		Wallet:    f.wallet.PublicKey().String(),
		Signature: base64.StdEncoding.EncodeToString(sig[:]),
		Message:   msg,
		Nonce:     ch.Nonce,
		Timestamp: ch.Timestamp,
		Origin:    ch.Origin,
	}
}

func freshChallenge() Challenge {
	return Challenge{Origin: testOrigin, Nonce: uuid.NewString(), Timestamp: fixedNow.UnixMilli()}
}

func (f *authFixture) post(t *testing.T, body interface{}, origin string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/wallet-auth", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	f.handler.Wait()
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestWalletAuth_Success(t *testing.T) {
	f := newAuthFixture(t, true)
	req := f.signedRequest(t, freshChallenge())

	w := f.post(t, req, testOrigin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, testOrigin, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, corsAllowHeaders, w.Header().Get("Access-Control-Allow-Headers"))

	var resp WalletAuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, f.wallet.PublicKey().String(), resp.Wallet)
	assert.Equal(t, int64(86400), resp.ExpiresIn)

	wallet, claims, err := NewVerifier(f.issuer.PublicKey()).
		WithClock(func() time.Time { return fixedNow }).
		Verify(resp.Token)
	require.NoError(t, err)
	assert.True(t, wallet.Equals(f.wallet.PublicKey()))
	assert.Equal(t, TokenRole, claims.Role)
	assert.Equal(t, resp.Wallet, claims.Subject)
}

func TestWalletAuth_ReplayRejected(t *testing.T) {
	f := newAuthFixture(t, true)
	req := f.signedRequest(t, freshChallenge())

	first := f.post(t, req, testOrigin)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.post(t, req, testOrigin)
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "nonce_reused", errorCode(t, second))
}

func TestWalletAuth_ReplayRejectedAfterCleanup(t *testing.T) {
	f := newAuthFixture(t, true)
	now := fixedNow
	f.handler.WithClock(func() time.Time { return now })

	first := f.signedRequest(t, freshChallenge())
	require.Equal(t, http.StatusOK, f.post(t, first, testOrigin).Code)

	// A later sign-in runs the expired-nonce cleanup while the first
	// message is still inside the timestamp window.
	now = fixedNow.Add(NonceTTL + time.Minute)
	later := freshChallenge()
	later.Timestamp = now.UnixMilli()
	require.Equal(t, http.StatusOK, f.post(t, f.signedRequest(t, later), testOrigin).Code)
	assert.Equal(t, 2, f.nonces.Len())

	replay := f.post(t, first, testOrigin)
	assert.Equal(t, http.StatusConflict, replay.Code, replay.Body.String())
	assert.Equal(t, "nonce_reused", errorCode(t, replay))
}

func TestNonceExpiry(t *testing.T) {
	window := NonceTTL + ClockSkew
	tests := []struct {
		name   string
		signed time.Time
		want   time.Time
	}{
		{"signed now", fixedNow, fixedNow.Add(window)},
		{"signed in the past", fixedNow.Add(-window), fixedNow.Add(window)},
		{"signed in the future", fixedNow.Add(window), fixedNow.Add(2 * window)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nonceExpiry(fixedNow, tt.signed.UnixMilli())
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}

func TestWalletAuth_NonceMismatch(t *testing.T) {
	f := newAuthFixture(t, true)
	req := f.signedRequest(t, freshChallenge())
	req.Nonce = uuid.NewString() // signature still valid for the message

	w := f.post(t, req, testOrigin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_message", errorCode(t, w))
	assert.Zero(t, f.nonces.Len(), "no nonce may be recorded for a rejected message")
}

func TestWalletAuth_MissingFields(t *testing.T) {
	f := newAuthFixture(t, true)
	req := f.signedRequest(t, freshChallenge())
	req.Origin = ""

	w := f.post(t, req, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "missing_fields", errorCode(t, w))
}

func TestWalletAuth_TimestampWindow(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		want   int
	}{
		{"inside past edge", -(NonceTTL + ClockSkew), http.StatusOK},
		{"inside future edge", NonceTTL + ClockSkew, http.StatusOK},
		{"too old", -(NonceTTL + ClockSkew + time.Second), http.StatusBadRequest},
		{"too far ahead", NonceTTL + ClockSkew + time.Second, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t, true)
			ch := freshChallenge()
			ch.Timestamp = fixedNow.Add(tt.offset).UnixMilli()
			w := f.post(t, f.signedRequest(t, ch), testOrigin)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestWalletAuth_OriginRejected(t *testing.T) {
	f := newAuthFixture(t, true)

	ch := freshChallenge()
	ch.Origin = "https://evil.example"
	w := f.post(t, f.signedRequest(t, ch), "https://evil.example")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// Allowed header, but the signed origin claims another site.
	ch = freshChallenge()
	ch.Origin = "https://roborio-preview.vercel.app"
	w = f.post(t, f.signedRequest(t, ch), testOrigin)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWalletAuth_NoOriginHeader(t *testing.T) {
	f := newAuthFixture(t, true)
	w := f.post(t, f.signedRequest(t, freshChallenge()), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWalletAuth_BadSignature(t *testing.T) {
	f := newAuthFixture(t, true)
	req := f.signedRequest(t, freshChallenge())
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	sig, err := other.Sign([]byte(req.Message))
	require.NoError(t, err)
	req.Signature = base64.StdEncoding.EncodeToString(sig[:])

	w := f.post(t, req, testOrigin)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_signature", errorCode(t, w))
}

func TestWalletAuth_MalformedEncodings(t *testing.T) {
	f := newAuthFixture(t, true)

	req := f.signedRequest(t, freshChallenge())
	req.Wallet = "0OIl-not-base58"
	w := f.post(t, req, testOrigin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_wallet", errorCode(t, w))

	req = f.signedRequest(t, freshChallenge())
	req.Signature = "%%%"
	w = f.post(t, req, testOrigin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature_format", errorCode(t, w))
}

func TestWalletAuth_MissingSigningKey(t *testing.T) {
	f := newAuthFixture(t, false)
	w := f.post(t, f.signedRequest(t, freshChallenge()), testOrigin)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "JWK")
}

func TestWalletAuth_ExpiredNoncesCleanedUp(t *testing.T) {
	f := newAuthFixture(t, true)
	require.NoError(t, f.nonces.Insert(t.Context(), uuid.NewString(), "old", fixedNow.Add(-time.Hour)))

	w := f.post(t, f.signedRequest(t, freshChallenge()), testOrigin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.nonces.Len())
}

func TestPreflight(t *testing.T) {
	f := newAuthFixture(t, true)
	req := httptest.NewRequest(http.MethodOptions, "/wallet-auth", nil)
	req.Header.Set("Origin", testOrigin)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, testOrigin, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestParseMessage(t *testing.T) {
	ch := Challenge{Origin: testOrigin, Nonce: "n-1", Timestamp: 1700000000000}
	f := parseMessage(ch.Message())
	assert.True(t, f.matches(testOrigin, "n-1", 1700000000000))

	// Extra text and CRLF line endings are tolerated; the first label wins.
	f = parseMessage("hello\r\nNonce: a\r\nNonce: b\r\nOrigin: o\r\nTimestamp: 5")
	assert.True(t, f.matches("o", "a", 5))
	assert.False(t, f.matches("o", "b", 5))
}
