package adapters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Gateway supplies quotes, option chains and discovery lists. Missing data
// for one symbol is reported per call and never poisons other symbols.
type Gateway interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetProfile(ctx context.Context, symbol string) (*Profile, error)
	GetChain(ctx context.Context, symbol string, from, to time.Time) (*Chain, error)
	GetOptionQuotes(ctx context.Context, symbols []string) (map[string]OptionQuote, error)
	GetHistory(ctx context.Context, symbol string, days int) ([]Bar, error)
	Discover(ctx context.Context, list string, limit int) ([]string, error)
}

// Quote is a normalized equity quote.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	ChangePct float64   `json:"change_percent"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// ValidateQuote rejects quotes that cannot be priced against.
func ValidateQuote(q *Quote) error {
	if q == nil {
		return errors.New("quote is nil")
	}
	q.Symbol = strings.ToUpper(strings.TrimSpace(q.Symbol))
	if q.Symbol == "" {
		return errors.New("empty symbol")
	}
	if q.Last <= 0 {
		return fmt.Errorf("invalid last price %.4f", q.Last)
	}
	if q.Bid > 0 && q.Ask > 0 && q.Ask < q.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", q.Ask, q.Bid)
	}
	if q.Volume < 0 {
		return fmt.Errorf("negative volume: %d", q.Volume)
	}
	if q.Timestamp.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.Timestamp)
	}
	return nil
}

// Profile carries slow-moving reference data.
type Profile struct {
	Symbol       string     `json:"symbol"`
	Sector       string     `json:"sector"`
	NextEarnings *time.Time `json:"next_earnings,omitempty"`
}

// OptionType is call or put.
type OptionType string

const (
	Call OptionType = "call"
	Put  OptionType = "put"
)

// OptionContract is one row of an option chain.
type OptionContract struct {
	Symbol       string     `json:"contract_symbol"`
	Underlying   string     `json:"underlying_symbol"`
	Type         OptionType `json:"option_type"`
	Strike       float64    `json:"strike"`
	Expiration   time.Time  `json:"expiration"`
	Bid          float64    `json:"bid"`
	Ask          float64    `json:"ask"`
	Last         float64    `json:"last_trade_price"`
	Volume       int64      `json:"volume"`
	OpenInterest int64      `json:"open_interest"`
	ImpliedVol   float64    `json:"implied_volatility"`
	Delta        float64    `json:"delta"`
	Gamma        float64    `json:"gamma"`
	Theta        float64    `json:"theta"`
	Vega         float64    `json:"vega"`
}

// Mid returns the bid/ask midpoint, falling back to last.
func (c OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// SpreadPct returns (ask-bid)/mid, or 1 when unquoted.
func (c OptionContract) SpreadPct() float64 {
	mid := c.Mid()
	if mid <= 0 || c.Ask <= 0 {
		return 1
	}
	return (c.Ask - c.Bid) / mid
}

// Chain is an option chain snapshot for one underlying.
type Chain struct {
	Underlying      string           `json:"underlying"`
	UnderlyingPrice float64          `json:"underlying_price"`
	IVRank          float64          `json:"iv_rank"`
	PutCallRatio    float64          `json:"put_call_ratio"`
	Contracts       []OptionContract `json:"contracts"`
	AsOf            time.Time        `json:"as_of"`
}

// Filter returns contracts of type t expiring within [from, to], sorted by
// expiration then strike.
func (ch *Chain) Filter(t OptionType, from, to time.Time) []OptionContract {
	var out []OptionContract
	for _, c := range ch.Contracts {
		if c.Type != t {
			continue
		}
		if c.Expiration.Before(from) || c.Expiration.After(to) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Expiration.Equal(out[j].Expiration) {
			return out[i].Expiration.Before(out[j].Expiration)
		}
		return out[i].Strike < out[j].Strike
	})
	return out
}

// Liquidity summarizes chain-level volume, open interest and quote width.
func (ch *Chain) Liquidity() (volume, openInterest int64, avgSpreadPct float64) {
	var spreads float64
	var quoted int
	for _, c := range ch.Contracts {
		volume += c.Volume
		openInterest += c.OpenInterest
		if c.Bid > 0 && c.Ask > 0 {
			spreads += c.SpreadPct()
			quoted++
		}
	}
	if quoted == 0 {
		return volume, openInterest, 1
	}
	return volume, openInterest, spreads / float64(quoted)
}

// OptionQuote is a point-in-time mark for one contract.
type OptionQuote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Mark      float64   `json:"mark"`
	Timestamp time.Time `json:"timestamp"`
}

// Bar is a daily close.
type Bar struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// Closes extracts close prices in order.
func Closes(bars []Bar) []float64 {
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		out = append(out, b.Close)
	}
	return out
}

// GatewayError classifies external data failures.
type GatewayError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_symbol", "not_found"
	Symbol  string
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error for %s: %s (%v)", e.Type, e.Symbol, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Symbol, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// Benign reports failures that say nothing about provider health.
func (e *GatewayError) Benign() bool {
	return e.Type == "not_found" || e.Type == "bad_symbol"
}

// Retryable reports whether the failure is worth another attempt.
func (e *GatewayError) Retryable() bool {
	return e.Type == "network" || e.Type == "rate_limit"
}

func NewNetworkError(symbol, message string, cause error) *GatewayError {
	return &GatewayError{Type: "network", Symbol: symbol, Message: message, Cause: cause}
}

func NewRateLimitError(symbol, message string) *GatewayError {
	return &GatewayError{Type: "rate_limit", Symbol: symbol, Message: message}
}

func NewProviderError(symbol, message string, cause error) *GatewayError {
	return &GatewayError{Type: "provider_error", Symbol: symbol, Message: message, Cause: cause}
}

func NewBadSymbolError(symbol, message string) *GatewayError {
	return &GatewayError{Type: "bad_symbol", Symbol: symbol, Message: message}
}

func NewNotFoundError(symbol, message string) *GatewayError {
	return &GatewayError{Type: "not_found", Symbol: symbol, Message: message}
}
