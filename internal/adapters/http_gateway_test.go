package adapters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/premium-engine/internal/resilience"
)

func testGuard(name string) *resilience.Guard {
	return resilience.NewGuard(resilience.Policy{
		Name:           name,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Timeout:        time.Second,
		TripThreshold:  5,
		CoolDown:       time.Minute,
	}, nil)
}

func newTestGateway(t *testing.T, h http.Handler) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPGateway(HTTPGatewayConfig{
		BaseURL:           srv.URL,
		APIKey:            "k",
		RequestsPerSecond: 1000,
		Burst:             100,
		ChainTTL:          time.Minute,
	}, testGuard("gateway"), NewMemoryCache())
}

func TestHTTPGateway_GetQuote(t *testing.T) {
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/equity/price/quote", r.URL.Path)
		assert.Equal(t, "F", r.URL.Query().Get("symbol"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"results":[{"symbol":"f","bid":12.01,"ask":12.03,"last_price":12.02,"volume":48000000,"change_percent":1.4,"last_timestamp":"2026-03-02T15:00:00Z"}]}`))
	}))

	q, err := g.GetQuote(context.Background(), "F")
	require.NoError(t, err)
	assert.Equal(t, "F", q.Symbol)
	assert.Equal(t, 12.02, q.Last)
	assert.Equal(t, int64(48000000), q.Volume)
	assert.Equal(t, 1.4, q.ChangePct)
}

func TestHTTPGateway_RetriesServerErrors(t *testing.T) {
	var calls int32
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"symbol":"SOFI"},{"symbol":" pltr "}]}`))
	}))

	syms, err := g.Discover(context.Background(), "active", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOFI", "PLTR"}, syms)
	assert.Equal(t, int32(2), calls)
}

func TestHTTPGateway_NotFoundIsTyped(t *testing.T) {
	var calls int32
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := g.GetProfile(context.Background(), "ZZZZ")
	var gerr *GatewayError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "not_found", gerr.Type)
	assert.Equal(t, int32(1), calls)
}

func TestHTTPGateway_ChainIsCached(t *testing.T) {
	var calls int32
	g := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"underlying_price":31.2,"iv_rank":72,"put_call_ratio":0.9,"results":[
			{"contract_symbol":"SOFI260116P00030000","option_type":"put","strike":30,"expiration":"2026-01-16","bid":1.45,"ask":1.55,"volume":900,"open_interest":5000,"implied_volatility":0.62,"delta":-0.31},
			{"contract_symbol":"SOFI260116P00025000","option_type":"put","strike":25,"expiration":"2026-01-16","bid":0.25,"ask":0.31,"volume":300,"open_interest":2500,"implied_volatility":0.70,"delta":-0.09}]}`))
	}))
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	ch, err := g.GetChain(context.Background(), "SOFI", from, to)
	require.NoError(t, err)
	require.Len(t, ch.Contracts, 2)
	assert.Equal(t, 72.0, ch.IVRank)
	assert.Equal(t, Put, ch.Contracts[0].Type)
	assert.Equal(t, "2026-01-16", ch.Contracts[0].Expiration.Format("2006-01-02"))

	again, err := g.GetChain(context.Background(), "SOFI", from, to)
	require.NoError(t, err)
	assert.Len(t, again.Contracts, 2)
	assert.Equal(t, int32(1), calls)
}

func TestChainFilterAndLiquidity(t *testing.T) {
	asOf := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	exp := asOf.AddDate(0, 0, 30)
	ch := SyntheticChain("F", 12, exp, []float64{11, 12, 13}, 0.4, asOf)

	puts := ch.Filter(Put, asOf, exp)
	require.Len(t, puts, 3)
	assert.Equal(t, 11.0, puts[0].Strike)
	assert.True(t, puts[0].Delta > puts[2].Delta, "lower strike put should have smaller |delta|")
	assert.Empty(t, ch.Filter(Put, exp.AddDate(0, 0, 1), exp.AddDate(0, 0, 10)))

	vol, oi, spread := ch.Liquidity()
	assert.Equal(t, int64(3000), vol)
	assert.Equal(t, int64(12000), oi)
	assert.InDelta(t, 0.06, spread, 0.02)
}
