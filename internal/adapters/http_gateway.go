package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/resilience"
)

// HTTPGatewayConfig configures the REST market-data client.
type HTTPGatewayConfig struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Burst             int
	ChainTTL          time.Duration
}

// HTTPGateway talks to a REST market-data service exposing equity quotes,
// option chains and discovery lists under one base URL.
type HTTPGateway struct {
	cfg        HTTPGatewayConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	guard      *resilience.Guard
	cache      Cache
}

// NewHTTPGateway builds the client. cache may be nil.
func NewHTTPGateway(cfg HTTPGatewayConfig, guard *resilience.Guard, cache Cache) *HTTPGateway {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPGateway{
		cfg:        cfg,
		httpClient: &http.Client{Transport: http.DefaultTransport},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		guard:      guard,
		cache:      cache,
	}
}

type envelope[T any] struct {
	Results []T `json:"results"`
}

type wireQuote struct {
	Symbol        string  `json:"symbol"`
	Bid           float64 `json:"bid"`
	Ask           float64 `json:"ask"`
	LastPrice     float64 `json:"last_price"`
	Volume        int64   `json:"volume"`
	ChangePercent float64 `json:"change_percent"`
	LastTimestamp string  `json:"last_timestamp"`
}

type wireProfile struct {
	Symbol       string `json:"symbol"`
	Sector       string `json:"sector"`
	NextEarnings string `json:"next_earnings_date"`
}

type wireContract struct {
	ContractSymbol    string  `json:"contract_symbol"`
	UnderlyingSymbol  string  `json:"underlying_symbol"`
	OptionType        string  `json:"option_type"`
	Strike            float64 `json:"strike"`
	Expiration        string  `json:"expiration"`
	Bid               float64 `json:"bid"`
	Ask               float64 `json:"ask"`
	LastTradePrice    float64 `json:"last_trade_price"`
	Volume            int64   `json:"volume"`
	OpenInterest      int64   `json:"open_interest"`
	ImpliedVolatility float64 `json:"implied_volatility"`
	Delta             float64 `json:"delta"`
	Gamma             float64 `json:"gamma"`
	Theta             float64 `json:"theta"`
	Vega              float64 `json:"vega"`
}

type wireChain struct {
	UnderlyingPrice float64        `json:"underlying_price"`
	IVRank          float64        `json:"iv_rank"`
	PutCallRatio    float64        `json:"put_call_ratio"`
	Results         []wireContract `json:"results"`
}

type wireBar struct {
	Date  string  `json:"date"`
	Close float64 `json:"close"`
}

type wireSymbol struct {
	Symbol string `json:"symbol"`
}

func (g *HTTPGateway) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var env envelope[wireQuote]
	if err := g.getJSON(ctx, symbol, "/equity/price/quote", url.Values{"symbol": {symbol}}, &env); err != nil {
		return nil, err
	}
	if len(env.Results) == 0 {
		return nil, NewNotFoundError(symbol, "no quote returned")
	}
	w := env.Results[0]
	ts, err := time.Parse(time.RFC3339, w.LastTimestamp)
	if err != nil {
		ts = time.Now()
	}
	q := &Quote{
		Symbol:    w.Symbol,
		Bid:       w.Bid,
		Ask:       w.Ask,
		Last:      w.LastPrice,
		Volume:    w.Volume,
		ChangePct: w.ChangePercent,
		Timestamp: ts,
		Source:    "gateway",
	}
	if err := ValidateQuote(q); err != nil {
		return nil, NewProviderError(symbol, "invalid quote", err)
	}
	return q, nil
}

func (g *HTTPGateway) GetProfile(ctx context.Context, symbol string) (*Profile, error) {
	var env envelope[wireProfile]
	if err := g.getJSON(ctx, symbol, "/equity/profile", url.Values{"symbol": {symbol}}, &env); err != nil {
		return nil, err
	}
	if len(env.Results) == 0 {
		return nil, NewNotFoundError(symbol, "no profile returned")
	}
	w := env.Results[0]
	p := &Profile{Symbol: strings.ToUpper(symbol), Sector: w.Sector}
	if w.NextEarnings != "" {
		if t, err := time.Parse("2006-01-02", w.NextEarnings); err == nil {
			p.NextEarnings = &t
		}
	}
	return p, nil
}

func (g *HTTPGateway) GetChain(ctx context.Context, symbol string, from, to time.Time) (*Chain, error) {
	key := fmt.Sprintf("chain:%s:%s:%s", symbol, from.Format("20060102"), to.Format("20060102"))
	if g.cache != nil {
		if b, ok, err := g.cache.Get(ctx, key); err == nil && ok {
			var ch Chain
			if json.Unmarshal(b, &ch) == nil {
				return &ch, nil
			}
		}
	}

	var w wireChain
	q := url.Values{
		"symbol":          {symbol},
		"expiration_from": {from.Format("2006-01-02")},
		"expiration_to":   {to.Format("2006-01-02")},
	}
	if err := g.getJSON(ctx, symbol, "/derivatives/options/chains", q, &w); err != nil {
		return nil, err
	}
	ch := &Chain{
		Underlying:      strings.ToUpper(symbol),
		UnderlyingPrice: w.UnderlyingPrice,
		IVRank:          w.IVRank,
		PutCallRatio:    w.PutCallRatio,
		AsOf:            time.Now(),
	}
	for _, c := range w.Results {
		exp, err := time.Parse("2006-01-02", c.Expiration)
		if err != nil {
			continue
		}
		ch.Contracts = append(ch.Contracts, OptionContract{
			Symbol:       c.ContractSymbol,
			Underlying:   strings.ToUpper(symbol),
			Type:         OptionType(strings.ToLower(c.OptionType)),
			Strike:       c.Strike,
			Expiration:   exp,
			Bid:          c.Bid,
			Ask:          c.Ask,
			Last:         c.LastTradePrice,
			Volume:       c.Volume,
			OpenInterest: c.OpenInterest,
			ImpliedVol:   c.ImpliedVolatility,
			Delta:        c.Delta,
			Gamma:        c.Gamma,
			Theta:        c.Theta,
			Vega:         c.Vega,
		})
	}
	if len(ch.Contracts) == 0 {
		return nil, NewNotFoundError(symbol, "empty option chain")
	}
	if g.cache != nil && g.cfg.ChainTTL > 0 {
		if b, err := json.Marshal(ch); err == nil {
			if err := g.cache.Set(ctx, key, b, g.cfg.ChainTTL); err != nil {
				observ.Warn("gateway_cache_set_failed", map[string]any{"symbol": symbol, "error": err.Error()})
			}
		}
	}
	return ch, nil
}

func (g *HTTPGateway) GetOptionQuotes(ctx context.Context, symbols []string) (map[string]OptionQuote, error) {
	out := make(map[string]OptionQuote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	var env envelope[OptionQuote]
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if err := g.getJSON(ctx, strings.Join(symbols, ","), "/derivatives/options/quotes", q, &env); err != nil {
		return nil, err
	}
	for _, oq := range env.Results {
		if oq.Mark == 0 && oq.Bid > 0 && oq.Ask > 0 {
			oq.Mark = (oq.Bid + oq.Ask) / 2
		}
		out[oq.Symbol] = oq
	}
	return out, nil
}

func (g *HTTPGateway) GetHistory(ctx context.Context, symbol string, days int) ([]Bar, error) {
	var env envelope[wireBar]
	start := time.Now().AddDate(0, 0, -days).Format("2006-01-02")
	q := url.Values{"symbol": {symbol}, "start_date": {start}}
	if err := g.getJSON(ctx, symbol, "/equity/price/historical", q, &env); err != nil {
		return nil, err
	}
	bars := make([]Bar, 0, len(env.Results))
	for _, w := range env.Results {
		d, err := time.Parse("2006-01-02", w.Date)
		if err != nil || w.Close <= 0 {
			continue
		}
		bars = append(bars, Bar{Date: d, Close: w.Close})
	}
	return bars, nil
}

func (g *HTTPGateway) Discover(ctx context.Context, list string, limit int) ([]string, error) {
	var env envelope[wireSymbol]
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if err := g.getJSON(ctx, list, "/equity/discovery/"+url.PathEscape(list), q, &env); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(env.Results))
	for _, s := range env.Results {
		if sym := strings.ToUpper(strings.TrimSpace(s.Symbol)); sym != "" {
			out = append(out, sym)
		}
	}
	return out, nil
}

// getJSON performs a rate-limited GET under the gateway's resilience guard.
func (g *HTTPGateway) getJSON(ctx context.Context, symbol, path string, q url.Values, out any) error {
	requestURL := strings.TrimRight(g.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		requestURL += "?" + q.Encode()
	}
	start := time.Now()
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return resilience.Permanent(NewNetworkError(symbol, "rate limiter wait", err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return resilience.Permanent(NewProviderError(symbol, "build request", err))
		}
		req.Header.Set("Accept", "application/json")
		if g.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
		}
		resp, err := g.httpClient.Do(req)
		if err != nil {
			return NewNetworkError(symbol, "request failed", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return NewRateLimitError(symbol, "provider rate limit")
		case resp.StatusCode == http.StatusNotFound:
			return resilience.Permanent(NewNotFoundError(symbol, path))
		case resp.StatusCode >= 500:
			return NewProviderError(symbol, fmt.Sprintf("status %d", resp.StatusCode), nil)
		case resp.StatusCode >= 400:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return resilience.Permanent(NewBadSymbolError(symbol, fmt.Sprintf("status %d: %s", resp.StatusCode, body)))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resilience.Permanent(NewProviderError(symbol, "decode response", err))
		}
		return nil
	})
	observ.RecordDuration("gateway_request", time.Since(start), map[string]string{
		"path":   path,
		"result": resultLabel(err),
	})
	return err
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
