package adapters

import (
	"context"
	"time"
)

// Side is an order leg's action. Option legs carry the position intent.
type Side string

const (
	SellToOpen  Side = "sell_to_open"
	BuyToOpen   Side = "buy_to_open"
	BuyToClose  Side = "buy_to_close"
	SellToClose Side = "sell_to_close"
	Buy         Side = "buy"
	Sell        Side = "sell"
)

// Opening reports whether the side adds exposure.
func (s Side) Opening() bool {
	return s == SellToOpen || s == BuyToOpen || s == Buy
}

// Closing returns the side that unwinds s.
func (s Side) Closing() Side {
	switch s {
	case SellToOpen:
		return BuyToClose
	case BuyToOpen:
		return SellToClose
	case Buy:
		return Sell
	default:
		return Buy
	}
}

// OrderLeg is one instrument of a possibly multi-leg order.
type OrderLeg struct {
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`
	Ratio  int    `json:"ratio"`
}

// Order is a limit order of one or more legs.
type Order struct {
	ClientOrderID string     `json:"client_order_id"`
	Underlying    string     `json:"underlying"`
	Legs          []OrderLeg `json:"legs"`
	Quantity      int        `json:"quantity"`
	LimitPrice    float64    `json:"limit_price"` // net per share, always positive
	Credit        bool       `json:"credit"`      // true when the net price is received
	TimeInForce   string     `json:"time_in_force"`
}

// MultiLeg reports whether the order has more than one leg.
func (o Order) MultiLeg() bool {
	return len(o.Legs) > 1
}

// Opening reports whether any leg adds exposure.
func (o Order) Opening() bool {
	for _, l := range o.Legs {
		if l.Side.Opening() {
			return true
		}
	}
	return false
}

// OrderState is the broker's order status.
type OrderState string

const (
	OrderNew             OrderState = "new"
	OrderAccepted        OrderState = "accepted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
	OrderExpired         OrderState = "expired"
)

// Terminal reports whether the order can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// LegFill is the per-leg outcome of a multi-leg order.
type LegFill struct {
	Symbol    string     `json:"symbol"`
	Side      Side       `json:"side"`
	State     OrderState `json:"state"`
	FilledQty int        `json:"filled_qty"`
	AvgPrice  float64    `json:"avg_price"`
}

// OrderStatus is the broker's view of an order.
type OrderStatus struct {
	ID            string     `json:"id"`
	ClientOrderID string     `json:"client_order_id"`
	State         OrderState `json:"state"`
	FilledQty     int        `json:"filled_qty"`
	AvgPrice      float64    `json:"avg_price"` // net per share
	Legs          []LegFill  `json:"legs,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// BrokerPosition is one holding as reported by the broker. Quantity is
// negative for short positions.
type BrokerPosition struct {
	Symbol        string  `json:"symbol"`
	Quantity      int     `json:"qty"`
	Side          string  `json:"side"` // "long" | "short"
	MarketValue   float64 `json:"market_value"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	AssetClass    string  `json:"asset_class"` // "us_equity" | "us_option"
}

// Account is the buying-power snapshot used for sizing.
type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
	Cash        float64 `json:"cash"`
}

// Broker is the execution boundary.
type Broker interface {
	SubmitOrder(ctx context.Context, order Order) (OrderStatus, error)
	GetOrder(ctx context.Context, id string) (OrderStatus, error)
	CancelOrder(ctx context.Context, id string) error
	ListPositions(ctx context.Context) ([]BrokerPosition, error)
	Account(ctx context.Context) (Account, error)
}

// BrokerError is a broker-side refusal or transport failure.
type BrokerError struct {
	Op         string
	StatusCode int
	Message    string
	Cause      error
}

func (e *BrokerError) Error() string {
	if e.Cause != nil {
		return "broker " + e.Op + ": " + e.Message + ": " + e.Cause.Error()
	}
	return "broker " + e.Op + ": " + e.Message
}

func (e *BrokerError) Unwrap() error {
	return e.Cause
}
