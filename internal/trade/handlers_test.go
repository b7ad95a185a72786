package trade_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/trade"
)

func newRouter(e *env) chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", e.svc.Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHTTP_QuoteLifecycle(t *testing.T) {
	e := newEnv(t)
	router := newRouter(e)

	w := do(t, router, http.MethodPost, "/api/v1/cash/adjustments", map[string]string{
		"balance_type": "effective", "side": "credit", "amount": "5000", "note": "seed",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodPost, "/api/v1/quotes", map[string]any{
		"side":        "buy",
		"location":    "SLC",
		"ttl_seconds": 60,
		"items": []map[string]string{{
			"product_id": e.gold.ID.String(), "quantity": "1", "spot_price": "1000", "premium": "2",
		}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var q model.TradeQuote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &q))
	assert.Equal(t, model.QuoteStatusPending, q.Status)
	assert.True(t, q.ExpiresAt.Equal(e.clock.Now().Add(time.Minute)))

	w = do(t, router, http.MethodPost, "/api/v1/quotes/"+q.ID.String()+"/execute", map[string]string{"reference_number": "WEB-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var exec trade.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.Equal(t, "WEB-1", exec.Trade.ReferenceNumber)
	require.NotNil(t, exec.SpotDeferredTrade)

	w = do(t, router, http.MethodPost, "/api/v1/quotes/"+q.ID.String()+"/execute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(model.KindState), decodeError(t, w)["kind"])

	w = do(t, router, http.MethodGet, "/api/v1/balances/cash/effective", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal trade.BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.True(t, bal.Balance.Equal(d("3998")))

	w = do(t, router, http.MethodGet, "/api/v1/balances/inventory?product_id="+e.gold.ID.String()+"&location=SLC", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.True(t, bal.Balance.Equal(d("1")))

	w = do(t, router, http.MethodPost, "/api/v1/trades/"+exec.Trade.ID.String()+"/confirm", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/hedging-accounts/"+e.account.String()+"/unrealized?gold=1010", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.True(t, bal.Balance.Equal(d("-10")), bal.Balance.String())
}

func TestHTTP_ErrorStatuses(t *testing.T) {
	e := newEnv(t)
	router := newRouter(e)
	q := e.quote(t, model.SideBuy, e.gold, "1", "1000", "2")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"malformed id", http.MethodGet, "/api/v1/trades/not-a-uuid", nil, http.StatusBadRequest},
		{"unknown trade", http.MethodGet, "/api/v1/trades/00000000-0000-0000-0000-000000000001", nil, http.StatusNotFound},
		{"insufficient cash", http.MethodPost, "/api/v1/quotes/" + q.ID.String() + "/execute", nil, http.StatusUnprocessableEntity},
		{"bad balance type", http.MethodGet, "/api/v1/balances/cash/pending", nil, http.StatusBadRequest},
		{"inventory without location", http.MethodGet, "/api/v1/balances/inventory?product_id=" + e.gold.ID.String(), nil, http.StatusBadRequest},
		{"bad dealer side", http.MethodPost, "/api/v1/dealer-trades", map[string]string{"side": "hold", "location": "SLC"}, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/api/v1/cash/adjustments", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decodeError(t, w)["error"])
		})
	}
}

func TestHTTP_HedgeFailureIsBadGateway(t *testing.T) {
	e := newEnv(t)
	router := newRouter(e)
	e.fund(t, model.BalanceTypeEffective, "2000")
	q := e.quote(t, model.SideBuy, e.gold, "1", "1000", "2")
	e.venue.FailWith(assert.AnError)

	w := do(t, router, http.MethodPost, "/api/v1/quotes/"+q.ID.String()+"/execute", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(model.KindCollaborator), decodeError(t, w)["kind"])
}

func TestHTTP_AddHedgingItem(t *testing.T) {
	e := newEnv(t)
	router := newRouter(e)

	w := do(t, router, http.MethodPost, "/api/v1/hedging-accounts/"+e.account.String()+"/items", map[string]string{
		"amount": "-3", "note": "fee",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, router, http.MethodGet, "/api/v1/hedging-accounts/"+e.account.String()+"/unrealized", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var bal trade.BalanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.True(t, bal.Balance.Equal(d("-3")), bal.Balance.String())

	w = do(t, router, http.MethodPost, "/api/v1/hedging-accounts/"+e.account.String()+"/items", map[string]string{"amount": "0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
