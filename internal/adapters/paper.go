package adapters

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperBroker fills orders in memory at their limit price, adjusted by a
// fixed slippage. Hooks let tests script rejections and partial fills.
type PaperBroker struct {
	mu          sync.Mutex
	cash        float64
	slippageBps int
	positions   map[string]*BrokerPosition
	orders      map[string]OrderStatus
	requests    map[string]Order
	byClientID  map[string]string

	// RejectLegs rejects any leg whose symbol is listed while other legs fill.
	RejectLegs map[string]bool
	// RejectLegsOnce rejects the listed legs on their next order only.
	RejectLegsOnce map[string]bool
	// FailSubmits makes the next n submissions return a transport error.
	FailSubmits int
	// HoldOpen leaves submitted orders in the accepted state until Fill is called.
	HoldOpen bool
}

// NewPaperBroker creates a broker with starting cash.
func NewPaperBroker(startingCash float64, slippageBps int) *PaperBroker {
	return &PaperBroker{
		cash:           startingCash,
		slippageBps:    slippageBps,
		positions:      map[string]*BrokerPosition{},
		orders:         map[string]OrderStatus{},
		requests:       map[string]Order{},
		byClientID:     map[string]string{},
		RejectLegs:     map[string]bool{},
		RejectLegsOnce: map[string]bool{},
	}
}

func (p *PaperBroker) SubmitOrder(_ context.Context, order Order) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailSubmits > 0 {
		p.FailSubmits--
		return OrderStatus{}, &BrokerError{Op: "submit", StatusCode: 503, Message: "paper broker unavailable"}
	}
	if order.Quantity <= 0 || len(order.Legs) == 0 {
		return OrderStatus{}, &BrokerError{Op: "submit", StatusCode: 422, Message: "empty order"}
	}
	// client order ids are idempotency keys
	if id, ok := p.byClientID[order.ClientOrderID]; ok && order.ClientOrderID != "" {
		return p.orders[id], nil
	}

	status := OrderStatus{
		ID:            uuid.NewString(),
		ClientOrderID: order.ClientOrderID,
		State:         OrderAccepted,
		UpdatedAt:     time.Now(),
	}
	for _, leg := range order.Legs {
		status.Legs = append(status.Legs, LegFill{Symbol: leg.Symbol, Side: leg.Side, State: OrderAccepted})
	}
	p.orders[status.ID] = status
	p.requests[status.ID] = order
	p.byClientID[order.ClientOrderID] = status.ID
	if !p.HoldOpen {
		status = p.fillLocked(status.ID, order)
	}
	return status, nil
}

// FillClientOrder completes a held order identified by its client order id.
func (p *PaperBroker) FillClientOrder(clientOrderID string) (OrderStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byClientID[clientOrderID]
	if !ok || p.orders[id].State.Terminal() {
		return OrderStatus{}, false
	}
	return p.fillLocked(id, p.requests[id]), true
}

// FillHeld completes every held order and returns how many it filled.
func (p *PaperBroker) FillHeld() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, st := range p.orders {
		if st.State.Terminal() {
			continue
		}
		p.fillLocked(id, p.requests[id])
		n++
	}
	return n
}

func (p *PaperBroker) fillLocked(id string, order Order) OrderStatus {
	status := p.orders[id]
	price := order.LimitPrice
	slip := price * float64(p.slippageBps) / 10000
	if order.Credit {
		price -= slip
	} else {
		price += slip
	}
	price = math.Round(price*100) / 100

	filled := 0
	for i, leg := range status.Legs {
		if p.RejectLegs[leg.Symbol] || p.RejectLegsOnce[leg.Symbol] {
			delete(p.RejectLegsOnce, leg.Symbol)
			status.Legs[i].State = OrderRejected
			continue
		}
		qty := order.Quantity * ratio(order.Legs[i])
		status.Legs[i].State = OrderFilled
		status.Legs[i].FilledQty = qty
		p.applyLocked(leg.Symbol, leg.Side, qty)
		filled++
	}

	switch {
	case filled == len(status.Legs):
		status.State = OrderFilled
		status.FilledQty = order.Quantity
		status.AvgPrice = price
		notional := price * float64(order.Quantity) * multiplier(order.Legs[0].Symbol)
		if order.Credit {
			p.cash += notional
		} else {
			p.cash -= notional
		}
	case filled == 0:
		status.State = OrderRejected
	default:
		// one side of a multi-leg order went through without its partner
		status.State = OrderPartiallyFilled
	}
	status.UpdatedAt = time.Now()
	p.orders[id] = status
	return status
}

func ratio(l OrderLeg) int {
	if l.Ratio <= 0 {
		return 1
	}
	return l.Ratio
}

func multiplier(symbol string) float64 {
	if IsOption(symbol) {
		return 100
	}
	return 1
}

func (p *PaperBroker) applyLocked(symbol string, side Side, qty int) {
	delta := qty
	if side == SellToOpen || side == SellToClose || side == Sell {
		delta = -qty
	}
	pos, ok := p.positions[symbol]
	if !ok {
		asset := "us_equity"
		if IsOption(symbol) {
			asset = "us_option"
		}
		pos = &BrokerPosition{Symbol: symbol, AssetClass: asset}
		p.positions[symbol] = pos
	}
	pos.Quantity += delta
	if pos.Quantity == 0 {
		delete(p.positions, symbol)
		return
	}
	pos.Side = "long"
	if pos.Quantity < 0 {
		pos.Side = "short"
	}
}

func (p *PaperBroker) GetOrder(_ context.Context, id string) (OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[id]
	if !ok {
		return OrderStatus{}, &BrokerError{Op: "get_order", StatusCode: 404, Message: fmt.Sprintf("order %s not found", id)}
	}
	return status, nil
}

func (p *PaperBroker) CancelOrder(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, ok := p.orders[id]
	if !ok {
		return &BrokerError{Op: "cancel", StatusCode: 404, Message: fmt.Sprintf("order %s not found", id)}
	}
	if status.State.Terminal() {
		return nil
	}
	status.State = OrderCanceled
	for i := range status.Legs {
		if !status.Legs[i].State.Terminal() {
			status.Legs[i].State = OrderCanceled
		}
	}
	status.UpdatedAt = time.Now()
	p.orders[id] = status
	return nil
}

func (p *PaperBroker) ListPositions(_ context.Context) ([]BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperBroker) Account(_ context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Account{Equity: p.cash, BuyingPower: p.cash, Cash: p.cash}, nil
}

// SetPosition overwrites a holding; quantity 0 removes it.
func (p *PaperBroker) SetPosition(pos BrokerPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos.Quantity == 0 {
		delete(p.positions, pos.Symbol)
		return
	}
	if pos.Side == "" {
		pos.Side = "long"
		if pos.Quantity < 0 {
			pos.Side = "short"
		}
	}
	if pos.AssetClass == "" {
		pos.AssetClass = "us_equity"
		if IsOption(pos.Symbol) {
			pos.AssetClass = "us_option"
		}
	}
	cp := pos
	p.positions[pos.Symbol] = &cp
}

// Assign converts a short option into its stock leg, as an exercise would.
func (p *PaperBroker) Assign(optionSymbol string) error {
	occ, err := ParseOCC(optionSymbol)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[optionSymbol]
	if !ok || pos.Quantity >= 0 {
		return fmt.Errorf("no short position in %s", optionSymbol)
	}
	contracts := -pos.Quantity
	delete(p.positions, optionSymbol)
	shares := contracts * 100
	if occ.Type == Put {
		p.applyLocked(occ.Root, Buy, shares)
		p.cash -= occ.Strike * float64(shares)
	} else {
		p.applyLocked(occ.Root, Sell, shares)
		p.cash += occ.Strike * float64(shares)
	}
	return nil
}

// Expire removes an option holding without cash movement.
func (p *PaperBroker) Expire(optionSymbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, optionSymbol)
}
