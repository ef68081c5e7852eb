package adapters

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockGateway serves deterministic in-memory market data. It backs tests and
// dry runs.
type MockGateway struct {
	mu           sync.RWMutex
	quotes       map[string]*Quote
	profiles     map[string]*Profile
	chains       map[string]*Chain
	optionQuotes map[string]OptionQuote
	history      map[string][]Bar
	lists        map[string][]string
	errors       map[string]error // symbol -> error returned by every call
	calls        map[string]int
}

func NewMockGateway() *MockGateway {
	return &MockGateway{
		quotes:       map[string]*Quote{},
		profiles:     map[string]*Profile{},
		chains:       map[string]*Chain{},
		optionQuotes: map[string]OptionQuote{},
		history:      map[string][]Bar{},
		lists:        map[string][]string{},
		errors:       map[string]error{},
		calls:        map[string]int{},
	}
}

func (m *MockGateway) SetQuote(q Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = &q
}

func (m *MockGateway) SetProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Symbol] = &p
}

// SetChain stores a chain and registers a mark for each of its contracts.
func (m *MockGateway) SetChain(ch Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[ch.Underlying] = &ch
	for _, c := range ch.Contracts {
		m.optionQuotes[c.Symbol] = OptionQuote{Symbol: c.Symbol, Bid: c.Bid, Ask: c.Ask, Mark: c.Mid(), Timestamp: ch.AsOf}
	}
}

// SetMark overrides the mark of one contract.
func (m *MockGateway) SetMark(symbol string, mark float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optionQuotes[symbol] = OptionQuote{Symbol: symbol, Bid: mark, Ask: mark, Mark: mark, Timestamp: time.Now()}
}

func (m *MockGateway) SetHistory(symbol string, bars []Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[symbol] = bars
}

func (m *MockGateway) SetList(name string, symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[name] = symbols
}

// FailSymbol makes every call for symbol return err.
func (m *MockGateway) FailSymbol(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[symbol] = err
}

// Calls returns how often method was invoked.
func (m *MockGateway) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

func (m *MockGateway) record(method, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[method]++
	return m.errors[symbol]
}

func (m *MockGateway) GetQuote(_ context.Context, symbol string) (*Quote, error) {
	if err := m.record("GetQuote", symbol); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[symbol]
	if !ok {
		return nil, NewNotFoundError(symbol, "no mock quote")
	}
	cp := *q
	return &cp, nil
}

func (m *MockGateway) GetProfile(_ context.Context, symbol string) (*Profile, error) {
	if err := m.record("GetProfile", symbol); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[symbol]
	if !ok {
		return nil, NewNotFoundError(symbol, "no mock profile")
	}
	cp := *p
	return &cp, nil
}

func (m *MockGateway) GetChain(_ context.Context, symbol string, from, to time.Time) (*Chain, error) {
	if err := m.record("GetChain", symbol); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.chains[symbol]
	if !ok {
		return nil, NewNotFoundError(symbol, "no mock chain")
	}
	cp := *ch
	cp.Contracts = nil
	for _, c := range ch.Contracts {
		if !from.IsZero() && c.Expiration.Before(from) {
			continue
		}
		if !to.IsZero() && c.Expiration.After(to) {
			continue
		}
		cp.Contracts = append(cp.Contracts, c)
	}
	return &cp, nil
}

func (m *MockGateway) GetOptionQuotes(_ context.Context, symbols []string) (map[string]OptionQuote, error) {
	for _, s := range symbols {
		if err := m.record("GetOptionQuotes", s); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]OptionQuote, len(symbols))
	for _, s := range symbols {
		if oq, ok := m.optionQuotes[s]; ok {
			out[s] = oq
		}
	}
	return out, nil
}

func (m *MockGateway) GetHistory(_ context.Context, symbol string, days int) ([]Bar, error) {
	if err := m.record("GetHistory", symbol); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars := m.history[symbol]
	if days > 0 && len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	return append([]Bar(nil), bars...), nil
}

func (m *MockGateway) Discover(_ context.Context, list string, limit int) ([]string, error) {
	if err := m.record("Discover", list); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	syms := m.lists[list]
	if limit > 0 && len(syms) > limit {
		syms = syms[:limit]
	}
	return append([]string(nil), syms...), nil
}

// SyntheticChain builds a chain of puts and calls around price for one
// expiration. Deltas fall off linearly with moneyness and premiums follow a
// crude time-value curve; good enough for selection logic, not for pricing.
func SyntheticChain(symbol string, price float64, exp time.Time, strikes []float64, iv float64, asOf time.Time) Chain {
	sorted := append([]float64(nil), strikes...)
	sort.Float64s(sorted)
	days := math.Max(exp.Sub(asOf).Hours()/24, 1)
	timeValue := price * iv * math.Sqrt(days/365) * 0.4
	ch := Chain{Underlying: strings.ToUpper(symbol), UnderlyingPrice: price, IVRank: 50, PutCallRatio: 1, AsOf: asOf}
	for _, k := range sorted {
		moneyness := (k - price) / price
		for _, typ := range []OptionType{Put, Call} {
			intrinsic := math.Max(0, k-price)
			delta := -clampUnit(0.5 + moneyness*5)
			if typ == Call {
				intrinsic = math.Max(0, price-k)
				delta = clampUnit(0.5 - moneyness*5)
			}
			mid := round2(intrinsic + timeValue*math.Exp(-math.Abs(moneyness)*8))
			if mid < 0.01 {
				mid = 0.01
			}
			ch.Contracts = append(ch.Contracts, OptionContract{
				Symbol:       FormatOCC(symbol, exp, typ, k),
				Underlying:   strings.ToUpper(symbol),
				Type:         typ,
				Strike:       k,
				Expiration:   exp,
				Bid:          round2(mid * 0.97),
				Ask:          round2(mid * 1.03),
				Volume:       500,
				OpenInterest: 2000,
				ImpliedVol:   iv,
				Delta:        delta,
			})
		}
	}
	return ch
}

func clampUnit(v float64) float64 {
	return math.Max(0.01, math.Min(0.99, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
