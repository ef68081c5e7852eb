package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FilterPolicy controls whether a failing filter drops a candidate or only tags it.
type FilterPolicy string

const (
	PolicyWarn   FilterPolicy = "WARN"
	PolicyReject FilterPolicy = "REJECT"
)

type Filter struct {
	Value  float64      `yaml:"value"` // 0 disables the filter
	Policy FilterPolicy `yaml:"policy"`
}

type Filters struct {
	MinPrice        Filter `yaml:"min_price"`
	MaxPrice        Filter `yaml:"max_price"`
	MaxOptionSpread Filter `yaml:"max_option_spread"` // fraction of mid
	MinVolume       Filter `yaml:"min_volume"`
	EarningsWindow  Filter `yaml:"earnings_window"` // days
}

type Weights struct {
	Liquidity  float64 `yaml:"liquidity"`
	Spread     float64 `yaml:"spread"`
	Signals    float64 `yaml:"signals"`
	Volatility float64 `yaml:"volatility"`
	Recency    float64 `yaml:"recency"`
}

type Adjustments struct {
	DirectionalBonus    float64 `yaml:"directional_bonus"`
	HighVolBonus        float64 `yaml:"high_vol_bonus"`
	HighVolIVRank       float64 `yaml:"high_vol_iv_rank"`
	EarningsPenalty     float64 `yaml:"earnings_penalty"`
	StalePenalty        float64 `yaml:"stale_penalty"`
	DegradedPenalty     float64 `yaml:"degraded_penalty"`
	SignalMultiplier    float64 `yaml:"signal_multiplier"`
	SignalMultiplierMin int     `yaml:"signal_multiplier_min"`
	BullishPutCall      float64 `yaml:"bullish_put_call"` // put/call ratio below this aligns with BULL
	BearishPutCall      float64 `yaml:"bearish_put_call"` // put/call ratio above this aligns with BEAR
}

type Source struct {
	Name     string   `yaml:"name"`
	Cluster  string   `yaml:"cluster"`
	Symbols  []string `yaml:"symbols"`
	Discover string   `yaml:"discover"` // gateway discovery list, e.g. "active"
	Limit    int      `yaml:"limit"`
}

type Funnel struct {
	Sources                []Source          `yaml:"sources"`
	QualityGateSize        int               `yaml:"quality_gate_size"`
	MinScore               float64           `yaml:"min_score"`
	SectorCap              int               `yaml:"sector_cap"`
	SourceCap              int               `yaml:"source_cap"`
	NearDuplicateTolerance float64           `yaml:"near_duplicate_tolerance"`
	EnrichConcurrency      int               `yaml:"enrich_concurrency"`
	StaleAfterSecs         int               `yaml:"stale_after_seconds"`
	PreferredVolume        float64           `yaml:"preferred_volume"`
	PreferredOpenInterest  float64           `yaml:"preferred_open_interest"`
	Weights                Weights           `yaml:"weights"`
	Adjustments            Adjustments       `yaml:"adjustments"`
	Filters                Filters           `yaml:"filters"`
	Sectors                map[string]string `yaml:"sectors"`
}

func (f Funnel) StaleAfter() time.Duration {
	return time.Duration(f.StaleAfterSecs) * time.Second
}

type Regime struct {
	IndexSymbol   string  `yaml:"index_symbol"`
	ShortWindow   int     `yaml:"short_window"`
	LongWindow    int     `yaml:"long_window"`
	LookbackDays  int     `yaml:"lookback_days"`
	BullThreshold float64 `yaml:"bull_threshold"`
	BearThreshold float64 `yaml:"bear_threshold"`
	HighVol       float64 `yaml:"high_vol"`
	LowVol        float64 `yaml:"low_vol"`
}

type Sizing struct {
	BaseFraction          float64 `yaml:"base_fraction"`
	MinMultiplier         float64 `yaml:"min_multiplier"`
	MaxMultiplier         float64 `yaml:"max_multiplier"`
	MinTradesForHistory   int     `yaml:"min_trades_for_history"`
	MaxContractsPerSymbol int     `yaml:"max_contracts_per_symbol"`
	MaxNotionalFraction   float64 `yaml:"max_notional_fraction"`
	MaxConsecutiveLosses  int     `yaml:"max_consecutive_losses"`
}

type Wheel struct {
	Enabled              bool    `yaml:"enabled"`
	MinDTE               int     `yaml:"min_dte"`
	MaxDTE               int     `yaml:"max_dte"`
	TargetDelta          float64 `yaml:"target_delta"`
	MinPremium           float64 `yaml:"min_premium"`
	ProfitTargetFraction float64 `yaml:"profit_target_fraction"`
	TimeExitDTE          int     `yaml:"time_exit_dte"`
	TimeExitMinProfit    float64 `yaml:"time_exit_min_profit"`
}

type Spread struct {
	Enabled              bool    `yaml:"enabled"`
	MinDTE               int     `yaml:"min_dte"`
	MaxDTE               int     `yaml:"max_dte"`
	TargetDelta          float64 `yaml:"target_delta"`
	Width                float64 `yaml:"width"`
	MinCreditRatio       float64 `yaml:"min_credit_ratio"`
	ProfitTargetFraction float64 `yaml:"profit_target_fraction"`
	ForceCloseDTE        int     `yaml:"force_close_dte"`
	StopLossFraction     float64 `yaml:"stop_loss_fraction"` // 0 disables
	ImportCreditRatio    float64 `yaml:"import_credit_ratio"`
}

type Policy struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier"`
	TimeoutMs        int     `yaml:"timeout_ms"`
	TripThreshold    int     `yaml:"trip_threshold"`
	CoolDownSecs     int     `yaml:"cool_down_seconds"`
}

type Resilience struct {
	Gateway Policy `yaml:"gateway"`
	Advisor Policy `yaml:"advisor"`
	Broker  Policy `yaml:"broker"`
}

type Gateway struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"-"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	ChainCacheTTLSecs int     `yaml:"chain_cache_ttl_seconds"`
	UseMock           bool    `yaml:"use_mock"`
}

type Cache struct {
	RedisURL  string `yaml:"-"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PaperBroker struct {
	StartingEquity float64 `yaml:"starting_equity"`
	SlippageBps    int     `yaml:"slippage_bps"`
}

type Broker struct {
	Mode                 string      `yaml:"mode"` // paper | alpaca
	BaseURL              string      `yaml:"base_url"`
	KeyID                string      `yaml:"-"`
	SecretKey            string      `yaml:"-"`
	FillTimeoutSecs      int         `yaml:"fill_timeout_seconds"`
	PollIntervalMs       int         `yaml:"poll_interval_ms"`
	CompensationAttempts int         `yaml:"compensation_attempts"`
	OutboxPath           string      `yaml:"outbox_path"`
	Paper                PaperBroker `yaml:"paper"`
}

type Advisor struct {
	Enabled           bool    `yaml:"enabled"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"-"`
	MinSkipConfidence float64 `yaml:"min_skip_confidence"`
}

type Alerts struct {
	SlackWebhookURL  string `yaml:"-"`
	Channel          string `yaml:"channel"`
	DedupeWindowSecs int    `yaml:"dedupe_window_seconds"`
}

type Store struct {
	Dir            string  `yaml:"dir"`
	CapitalCeiling float64 `yaml:"capital_ceiling"`
}

type Engine struct {
	ScanIntervalSecs        int    `yaml:"scan_interval_seconds"`
	MonitorIntervalSecs     int    `yaml:"monitor_interval_seconds"`
	ReconcileCron           string `yaml:"reconcile_cron"`
	ExpirationSweepCron     string `yaml:"expiration_sweep_cron"`
	ShortlistLimit          int    `yaml:"shortlist_limit"`
	MaxNewPositionsPerCycle int    `yaml:"max_new_positions_per_cycle"`
	DryRun                  bool   `yaml:"dry_run"`
}

type Control struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Session is the regular trading session new entries are confined to.
type Session struct {
	AllowAfterHours bool     `yaml:"allow_after_hours"` // scan at any hour
	Timezone        string   `yaml:"timezone"`
	Open            string   `yaml:"open"`     // HH:MM
	Close           string   `yaml:"close"`    // HH:MM
	Holidays        []string `yaml:"holidays"` // YYYY-MM-DD
}

type Root struct {
	LogLevel   string     `yaml:"log_level"`
	Engine     Engine     `yaml:"engine"`
	Store      Store      `yaml:"store"`
	Gateway    Gateway    `yaml:"gateway"`
	Cache      Cache      `yaml:"cache"`
	Broker     Broker     `yaml:"broker"`
	Advisor    Advisor    `yaml:"advisor"`
	Alerts     Alerts     `yaml:"alerts"`
	Control    Control    `yaml:"control"`
	Session    Session    `yaml:"session"`
	Resilience Resilience `yaml:"resilience"`
	Funnel     Funnel     `yaml:"funnel"`
	Regime     Regime     `yaml:"regime"`
	Sizing     Sizing     `yaml:"sizing"`
	Wheel      Wheel      `yaml:"wheel"`
	Spread     Spread     `yaml:"spread"`
}

// Load reads the YAML file at path, applies defaults and environment secrets,
// then validates the result.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	c.ApplyDefaults()
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// LoadEnv loads a dotenv file if present. A missing file is not an error.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() Root {
	var c Root
	c.ApplyDefaults()
	return c
}

func (c *Root) applyEnv() {
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_KEY_ID"); v != "" {
		c.Broker.KeyID = v
	}
	if v := os.Getenv("ALPACA_API_SECRET_KEY"); v != "" {
		c.Broker.SecretKey = v
	}
	if v := os.Getenv("ADVISOR_API_KEY"); v != "" {
		c.Advisor.APIKey = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		c.Alerts.SlackWebhookURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
}

func setInt(v *int, d int) {
	if *v == 0 {
		*v = d
	}
}

func setFloat(v *float64, d float64) {
	if *v == 0 {
		*v = d
	}
}

func setString(v *string, d string) {
	if *v == "" {
		*v = d
	}
}

func setPolicy(f *Filter, d FilterPolicy) {
	if f.Policy == "" {
		f.Policy = d
	}
	f.Policy = FilterPolicy(strings.ToUpper(string(f.Policy)))
}

func (p *Policy) applyDefaults(timeoutMs int) {
	setInt(&p.MaxAttempts, 3)
	setInt(&p.InitialBackoffMs, 1000)
	setInt(&p.MaxBackoffMs, 8000)
	setFloat(&p.Multiplier, 2.0)
	setInt(&p.TimeoutMs, timeoutMs)
	setInt(&p.TripThreshold, 10)
	setInt(&p.CoolDownSecs, 600)
}

// ApplyDefaults fills zero values.
func (c *Root) ApplyDefaults() {
	setString(&c.LogLevel, "info")

	e := &c.Engine
	setInt(&e.ScanIntervalSecs, 1800)
	setInt(&e.MonitorIntervalSecs, 300)
	setString(&e.ReconcileCron, "0 */15 * * * *")
	setString(&e.ExpirationSweepCron, "0 5 16 * * MON-FRI")
	setInt(&e.ShortlistLimit, 10)
	setInt(&e.MaxNewPositionsPerCycle, 3)

	setString(&c.Store.Dir, "data")
	setFloat(&c.Store.CapitalCeiling, 50000)

	setString(&c.Gateway.BaseURL, "http://localhost:6900/api/v1")
	setFloat(&c.Gateway.RequestsPerSecond, 5)
	setInt(&c.Gateway.Burst, 10)
	setInt(&c.Gateway.ChainCacheTTLSecs, 60)
	setString(&c.Cache.KeyPrefix, "premium-engine:")

	b := &c.Broker
	setString(&b.Mode, "paper")
	setString(&b.BaseURL, "https://paper-api.alpaca.markets")
	setInt(&b.FillTimeoutSecs, 60)
	setInt(&b.PollIntervalMs, 500)
	setInt(&b.CompensationAttempts, 3)
	setString(&b.OutboxPath, "data/orders.jsonl")
	setFloat(&b.Paper.StartingEquity, 100000)

	setString(&c.Advisor.Model, "grok-3-mini")
	setFloat(&c.Advisor.MinSkipConfidence, 0.8)
	setInt(&c.Alerts.DedupeWindowSecs, 300)
	setString(&c.Control.ListenAddr, "127.0.0.1:8090")
	setString(&c.Session.Timezone, "America/New_York")
	setString(&c.Session.Open, "09:30")
	setString(&c.Session.Close, "16:00")
	if c.Session.Holidays == nil {
		c.Session.Holidays = []string{
			"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03", "2026-05-25",
			"2026-06-19", "2026-07-03", "2026-09-07", "2026-11-26", "2026-12-25",
			"2027-01-01", "2027-01-18", "2027-02-15", "2027-03-26", "2027-05-31",
			"2027-06-18", "2027-07-05", "2027-09-06", "2027-11-25", "2027-12-24",
		}
	}

	c.Resilience.Gateway.applyDefaults(10000)
	c.Resilience.Advisor.applyDefaults(30000)
	c.Resilience.Broker.applyDefaults(15000)

	f := &c.Funnel
	setInt(&f.QualityGateSize, 30)
	setFloat(&f.MinScore, 50)
	setInt(&f.SectorCap, 3)
	setInt(&f.SourceCap, 5)
	setFloat(&f.NearDuplicateTolerance, 0.15)
	setInt(&f.EnrichConcurrency, 8)
	setInt(&f.StaleAfterSecs, 900)
	setFloat(&f.PreferredVolume, 5_000_000)
	setFloat(&f.PreferredOpenInterest, 10_000)
	w := &f.Weights
	if w.Liquidity+w.Spread+w.Signals+w.Volatility+w.Recency == 0 {
		*w = Weights{Liquidity: 0.25, Spread: 0.20, Signals: 0.20, Volatility: 0.20, Recency: 0.15}
	}
	a := &f.Adjustments
	setFloat(&a.DirectionalBonus, 10)
	setFloat(&a.HighVolBonus, 5)
	setFloat(&a.HighVolIVRank, 80)
	setFloat(&a.EarningsPenalty, 15)
	setFloat(&a.StalePenalty, 10)
	setFloat(&a.DegradedPenalty, 20)
	setFloat(&a.SignalMultiplier, 1.5)
	setInt(&a.SignalMultiplierMin, 3)
	setFloat(&a.BullishPutCall, 0.7)
	setFloat(&a.BearishPutCall, 1.2)
	setPolicy(&f.Filters.MinPrice, PolicyReject)
	setPolicy(&f.Filters.MaxPrice, PolicyWarn)
	setPolicy(&f.Filters.MaxOptionSpread, PolicyReject)
	setPolicy(&f.Filters.MinVolume, PolicyWarn)
	setPolicy(&f.Filters.EarningsWindow, PolicyReject)
	setFloat(&f.Filters.EarningsWindow.Value, 7)
	setFloat(&f.Filters.MaxOptionSpread.Value, 0.20)

	r := &c.Regime
	setString(&r.IndexSymbol, "SPY")
	setInt(&r.ShortWindow, 20)
	setInt(&r.LongWindow, 50)
	setInt(&r.LookbackDays, 90)
	setFloat(&r.BullThreshold, 0.005)
	setFloat(&r.BearThreshold, 0.01)
	setFloat(&r.HighVol, 0.25)
	setFloat(&r.LowVol, 0.15)

	s := &c.Sizing
	setFloat(&s.BaseFraction, 0.14)
	setFloat(&s.MinMultiplier, 0.7)
	setFloat(&s.MaxMultiplier, 1.3)
	setInt(&s.MinTradesForHistory, 3)
	setInt(&s.MaxContractsPerSymbol, 10)
	setFloat(&s.MaxNotionalFraction, 0.25)
	setInt(&s.MaxConsecutiveLosses, 3)

	wh := &c.Wheel
	setInt(&wh.MinDTE, 21)
	setInt(&wh.MaxDTE, 45)
	setFloat(&wh.TargetDelta, 0.30)
	setFloat(&wh.MinPremium, 0.20)
	setFloat(&wh.ProfitTargetFraction, 0.50)
	setInt(&wh.TimeExitDTE, 7)
	setFloat(&wh.TimeExitMinProfit, 0.25)

	sp := &c.Spread
	setInt(&sp.MinDTE, 21)
	setInt(&sp.MaxDTE, 45)
	setFloat(&sp.TargetDelta, 0.25)
	setFloat(&sp.Width, 5)
	setFloat(&sp.MinCreditRatio, 0.20)
	setFloat(&sp.ProfitTargetFraction, 0.50)
	setInt(&sp.ForceCloseDTE, 7)
	setFloat(&sp.ImportCreditRatio, 0.20)
}

// Validate rejects configurations the engine cannot run with.
func (c Root) Validate() error {
	var errs []error
	for name, f := range map[string]Filter{
		"min_price":         c.Funnel.Filters.MinPrice,
		"max_price":         c.Funnel.Filters.MaxPrice,
		"max_option_spread": c.Funnel.Filters.MaxOptionSpread,
		"min_volume":        c.Funnel.Filters.MinVolume,
		"earnings_window":   c.Funnel.Filters.EarningsWindow,
	} {
		if f.Policy != PolicyWarn && f.Policy != PolicyReject {
			errs = append(errs, fmt.Errorf("filter %s: policy must be WARN or REJECT, got %q", name, f.Policy))
		}
	}
	if c.Store.CapitalCeiling <= 0 {
		errs = append(errs, errors.New("store.capital_ceiling must be positive"))
	}
	if c.Sizing.MinMultiplier > c.Sizing.MaxMultiplier {
		errs = append(errs, errors.New("sizing.min_multiplier exceeds sizing.max_multiplier"))
	}
	if c.Broker.Mode != "paper" && c.Broker.Mode != "alpaca" {
		errs = append(errs, fmt.Errorf("broker.mode must be paper or alpaca, got %q", c.Broker.Mode))
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("session.timezone: %w", err))
	}
	open, oerr := time.Parse("15:04", c.Session.Open)
	closing, cerr := time.Parse("15:04", c.Session.Close)
	switch {
	case oerr != nil || cerr != nil:
		errs = append(errs, errors.New("session.open and session.close must be HH:MM"))
	case !open.Before(closing):
		errs = append(errs, errors.New("session.open must be before session.close"))
	}
	for _, h := range c.Session.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			errs = append(errs, fmt.Errorf("session.holidays: %q is not YYYY-MM-DD", h))
		}
	}
	if c.Regime.ShortWindow >= c.Regime.LongWindow {
		errs = append(errs, errors.New("regime.short_window must be below regime.long_window"))
	}
	return errors.Join(errs...)
}
