package escrow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roborio/roborio/internal/auth"
	"github.com/roborio/roborio/internal/program"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStreamer struct {
	wallet string
}

func (f *fakeStreamer) ServeWallet(w http.ResponseWriter, _ *http.Request, wallet string) {
	f.wallet = wallet
	w.WriteHeader(http.StatusAccepted)
}

// newRouter authenticates every request as caller.
func newRouter(h *Handler, caller *solana.PublicKey) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if caller != nil {
			c.Set(auth.ContextKeyWallet, *caller)
		}
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func doRequest(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHandler_ListEscrows(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "robot-a", time.Hour)
	env.seed(t, "robot-b", time.Hour)

	operator := env.operator.PublicKey()
	w := doRequest(newRouter(NewHandler(env.svc), &operator), http.MethodGet, "/v1/escrows?limit=1")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Escrows []*Escrow `json:"escrows"`
		Count   int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, program.StatusActive, body.Escrows[0].Status)

	w = doRequest(newRouter(NewHandler(env.svc), nil), http.MethodGet, "/v1/escrows")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_GetEscrow(t *testing.T) {
	env := newTestEnv(t)
	e := env.seed(t, "robot-a", time.Hour)
	renter, stranger := env.renter.PublicKey(), env.stranger.PublicKey()

	w := doRequest(newRouter(NewHandler(env.svc), &renter), http.MethodGet, "/v1/escrows/"+e.Address.String())
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Escrow *Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, e.Address, body.Escrow.Address)

	w = doRequest(newRouter(NewHandler(env.svc), &stranger), http.MethodGet, "/v1/escrows/"+e.Address.String())
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(newRouter(NewHandler(env.svc), &renter), http.MethodGet, "/v1/escrows/not-base58!")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(newRouter(NewHandler(env.svc), &renter), http.MethodGet, "/v1/escrows/"+solana.NewWallet().PublicKey().String())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_RefreshEscrow(t *testing.T) {
	env := newTestEnv(t)
	e := env.seed(t, "robot-a", time.Hour)
	operator := env.operator.PublicKey()
	r := newRouter(NewHandler(env.svc), &operator)

	env.ledger.setStatus(t, e.Address, program.StatusExpired)
	w := doRequest(r, http.MethodPost, "/v1/escrows/"+e.Address.String()+"/refresh")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Escrow  *Escrow `json:"escrow"`
		OnChain bool    `json:"onChain"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.OnChain)
	assert.Equal(t, program.StatusExpired, body.Escrow.Status)

	env.ledger.remove(e.Address)
	w = doRequest(r, http.MethodPost, "/v1/escrows/"+e.Address.String()+"/refresh")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.OnChain)
}

func TestHandler_Stream(t *testing.T) {
	env := newTestEnv(t)
	renter := env.renter.PublicKey()

	w := doRequest(newRouter(NewHandler(env.svc), &renter), http.MethodGet, "/v1/escrows/stream")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s := &fakeStreamer{}
	w = doRequest(newRouter(NewHandler(env.svc).WithStreamer(s), &renter), http.MethodGet, "/v1/escrows/stream")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, renter.String(), s.wallet)
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrEscrowNotFound, http.StatusNotFound},
		{ErrUnauthorized, http.StatusForbidden},
		{&StaleStatusError{Action: "complete", Expected: []program.Status{program.StatusActive}}, http.StatusConflict},
		{&InsufficientBalanceError{Required: 2, Available: 1}, http.StatusPaymentRequired},
		{ErrNotExpired, http.StatusUnprocessableEntity},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		respondError(c, tc.err)
		assert.Equal(t, tc.code, w.Code, "%v", tc.err)
	}
}
