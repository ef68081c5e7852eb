package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlpacaBroker_SubmitMultiLeg(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, "id", r.Header.Get("APCA-API-KEY-ID"))

		var req alpacaOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mleg", req.OrderClass)
		assert.Equal(t, "-1.50", req.LimitPrice)
		require.Len(t, req.Legs, 2)
		assert.Equal(t, "sell", req.Legs[0].Side)
		assert.Equal(t, "sell_to_open", req.Legs[0].PositionIntent)

		_, _ = w.Write([]byte(`{"id":"o-1","client_order_id":"c-1","status":"filled","filled_qty":"2","filled_avg_price":"-1.48",
			"legs":[{"symbol":"SOFI260116P00030000","side":"sell","position_intent":"sell_to_open","status":"filled","filled_qty":"2","filled_avg_price":"1.90"},
			        {"symbol":"SOFI260116P00025000","side":"buy","position_intent":"buy_to_open","status":"filled","filled_qty":"2","filled_avg_price":"0.42"}]}`))
	}))
	defer srv.Close()

	b := NewAlpacaBroker(AlpacaConfig{BaseURL: srv.URL, KeyID: "id", SecretKey: "secret"})
	st, err := b.SubmitOrder(context.Background(), spreadOrder("c-1"))
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, 1.48, st.AvgPrice)
	require.Len(t, st.Legs, 2)
	assert.Equal(t, SellToOpen, st.Legs[0].Side)
	assert.Equal(t, 0.42, st.Legs[1].AvgPrice)
}

func TestAlpacaBroker_ListPositionsAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/positions":
			_, _ = w.Write([]byte(`[{"symbol":"SOFI260116P00030000","qty":"-1","side":"short","market_value":"-120","avg_entry_price":"1.90","asset_class":"us_option"},
				{"symbol":"F","qty":"300","side":"long","market_value":"3600","avg_entry_price":"11.8","asset_class":"us_equity"}]`))
		case "/v2/account":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"message":"maintenance"}`))
		}
	}))
	defer srv.Close()

	b := NewAlpacaBroker(AlpacaConfig{BaseURL: srv.URL})
	positions, err := b.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, -1, positions[0].Quantity)
	assert.Equal(t, 300, positions[1].Quantity)

	_, err = b.Account(context.Background())
	var berr *BrokerError
	require.True(t, errors.As(err, &berr))
	assert.Equal(t, http.StatusServiceUnavailable, berr.StatusCode)
	assert.True(t, berr.Retryable())
}
