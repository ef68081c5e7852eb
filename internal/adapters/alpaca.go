package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AlpacaConfig configures the Alpaca trading API client.
type AlpacaConfig struct {
	BaseURL   string
	KeyID     string
	SecretKey string
	Timeout   time.Duration
}

// AlpacaBroker implements Broker against the Alpaca v2 REST API. Retries
// and breaker accounting live in the execution layer, not here.
type AlpacaBroker struct {
	cfg        AlpacaConfig
	httpClient *http.Client
}

func NewAlpacaBroker(cfg AlpacaConfig) *AlpacaBroker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &AlpacaBroker{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type alpacaLeg struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	PositionIntent string `json:"position_intent,omitempty"`
	RatioQty       string `json:"ratio_qty,omitempty"`
}

type alpacaOrderRequest struct {
	Symbol         string      `json:"symbol,omitempty"`
	Qty            string      `json:"qty"`
	Side           string      `json:"side,omitempty"`
	PositionIntent string      `json:"position_intent,omitempty"`
	Type           string      `json:"type"`
	TimeInForce    string      `json:"time_in_force"`
	LimitPrice     string      `json:"limit_price"`
	OrderClass     string      `json:"order_class,omitempty"`
	ClientOrderID  string      `json:"client_order_id,omitempty"`
	Legs           []alpacaLeg `json:"legs,omitempty"`
}

type alpacaOrder struct {
	ID             string        `json:"id"`
	ClientOrderID  string        `json:"client_order_id"`
	Symbol         string        `json:"symbol"`
	Side           string        `json:"side"`
	PositionIntent string        `json:"position_intent"`
	Status         string        `json:"status"`
	FilledQty      string        `json:"filled_qty"`
	FilledAvgPrice *string       `json:"filled_avg_price"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Legs           []alpacaOrder `json:"legs"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	MarketValue   string `json:"market_value"`
	AvgEntryPrice string `json:"avg_entry_price"`
	AssetClass    string `json:"asset_class"`
}

type alpacaAccount struct {
	Equity      string `json:"equity"`
	BuyingPower string `json:"buying_power"`
	Cash        string `json:"cash"`
}

func sideAndIntent(s Side) (string, string) {
	switch s {
	case SellToOpen:
		return "sell", "sell_to_open"
	case SellToClose:
		return "sell", "sell_to_close"
	case BuyToOpen:
		return "buy", "buy_to_open"
	case BuyToClose:
		return "buy", "buy_to_close"
	case Sell:
		return "sell", ""
	default:
		return "buy", ""
	}
}

func intentToSide(side, intent string) Side {
	switch intent {
	case "sell_to_open":
		return SellToOpen
	case "sell_to_close":
		return SellToClose
	case "buy_to_open":
		return BuyToOpen
	case "buy_to_close":
		return BuyToClose
	}
	if side == "sell" {
		return Sell
	}
	return Buy
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func (a *AlpacaBroker) SubmitOrder(ctx context.Context, order Order) (OrderStatus, error) {
	tif := order.TimeInForce
	if tif == "" {
		tif = "day"
	}
	req := alpacaOrderRequest{
		Qty:           strconv.Itoa(order.Quantity),
		Type:          "limit",
		TimeInForce:   tif,
		ClientOrderID: order.ClientOrderID,
	}
	if order.MultiLeg() {
		req.OrderClass = "mleg"
		// multi-leg limit prices are signed: negative means a net credit
		price := order.LimitPrice
		if order.Credit {
			price = -price
		}
		req.LimitPrice = formatPrice(price)
		for _, leg := range order.Legs {
			side, intent := sideAndIntent(leg.Side)
			req.Legs = append(req.Legs, alpacaLeg{
				Symbol:         leg.Symbol,
				Side:           side,
				PositionIntent: intent,
				RatioQty:       strconv.Itoa(ratio(leg)),
			})
		}
	} else {
		leg := order.Legs[0]
		req.Symbol = leg.Symbol
		req.Side, req.PositionIntent = sideAndIntent(leg.Side)
		req.LimitPrice = formatPrice(order.LimitPrice)
	}

	var out alpacaOrder
	if err := a.do(ctx, "submit", http.MethodPost, "/v2/orders", req, &out); err != nil {
		return OrderStatus{}, err
	}
	return out.toStatus(), nil
}

func (a *AlpacaBroker) GetOrder(ctx context.Context, id string) (OrderStatus, error) {
	var out alpacaOrder
	if err := a.do(ctx, "get_order", http.MethodGet, "/v2/orders/"+id+"?nested=true", nil, &out); err != nil {
		return OrderStatus{}, err
	}
	return out.toStatus(), nil
}

func (a *AlpacaBroker) CancelOrder(ctx context.Context, id string) error {
	return a.do(ctx, "cancel", http.MethodDelete, "/v2/orders/"+id, nil, nil)
}

func (a *AlpacaBroker) ListPositions(ctx context.Context) ([]BrokerPosition, error) {
	var raw []alpacaPosition
	if err := a.do(ctx, "list_positions", http.MethodGet, "/v2/positions", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]BrokerPosition, 0, len(raw))
	for _, p := range raw {
		qty := int(parseFloat(p.Qty))
		if p.Side == "short" && qty > 0 {
			qty = -qty
		}
		out = append(out, BrokerPosition{
			Symbol:        p.Symbol,
			Quantity:      qty,
			Side:          p.Side,
			MarketValue:   parseFloat(p.MarketValue),
			AvgEntryPrice: parseFloat(p.AvgEntryPrice),
			AssetClass:    p.AssetClass,
		})
	}
	return out, nil
}

func (a *AlpacaBroker) Account(ctx context.Context) (Account, error) {
	var raw alpacaAccount
	if err := a.do(ctx, "account", http.MethodGet, "/v2/account", nil, &raw); err != nil {
		return Account{}, err
	}
	return Account{
		Equity:      parseFloat(raw.Equity),
		BuyingPower: parseFloat(raw.BuyingPower),
		Cash:        parseFloat(raw.Cash),
	}, nil
}

func (o alpacaOrder) toStatus() OrderStatus {
	st := OrderStatus{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		State:         normalizeState(o.Status),
		FilledQty:     int(parseFloat(o.FilledQty)),
		UpdatedAt:     o.UpdatedAt,
	}
	if o.FilledAvgPrice != nil {
		st.AvgPrice = parseFloat(*o.FilledAvgPrice)
		if st.AvgPrice < 0 {
			st.AvgPrice = -st.AvgPrice
		}
	}
	for _, leg := range o.Legs {
		lf := LegFill{
			Symbol:    leg.Symbol,
			Side:      intentToSide(leg.Side, leg.PositionIntent),
			State:     normalizeState(leg.Status),
			FilledQty: int(parseFloat(leg.FilledQty)),
		}
		if leg.FilledAvgPrice != nil {
			lf.AvgPrice = parseFloat(*leg.FilledAvgPrice)
		}
		st.Legs = append(st.Legs, lf)
	}
	return st
}

func normalizeState(s string) OrderState {
	switch s {
	case "filled":
		return OrderFilled
	case "partially_filled":
		return OrderPartiallyFilled
	case "canceled", "done_for_day":
		return OrderCanceled
	case "rejected", "suspended":
		return OrderRejected
	case "expired":
		return OrderExpired
	case "new", "pending_new":
		return OrderNew
	default:
		return OrderAccepted
	}
}

func (a *AlpacaBroker) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &BrokerError{Op: op, Message: "encode request", Cause: err}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return &BrokerError{Op: op, Message: "build request", Cause: err}
	}
	req.Header.Set("APCA-API-KEY-ID", a.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", a.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &BrokerError{Op: op, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &BrokerError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &BrokerError{Op: op, StatusCode: resp.StatusCode, Message: "decode response", Cause: err}
	}
	return nil
}

// Retryable reports whether a broker error is transient.
func (e *BrokerError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
