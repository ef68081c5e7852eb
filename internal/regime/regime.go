// Package regime classifies the market backdrop once per cycle from the
// daily closes of an index symbol.
package regime

import (
	"context"
	"math"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
)

type Trend string

const (
	TrendBull    Trend = "BULL"
	TrendBear    Trend = "BEAR"
	TrendNeutral Trend = "NEUTRAL"
)

type Vol string

const (
	VolHigh   Vol = "HIGH"
	VolNormal Vol = "NORMAL"
	VolLow    Vol = "LOW"
)

const tradingDaysPerYear = 252

// Regime is the trend and volatility classification of one cycle.
type Regime struct {
	Trend         Trend     `json:"trend"`
	Vol           Vol       `json:"vol"`
	Strength      float64   `json:"strength"`       // 0..1
	TrendPct      float64   `json:"trend_pct"`      // last close vs long SMA
	ShortTrendPct float64   `json:"short_trend_pct"` // short SMA vs long SMA
	AnnualizedVol float64   `json:"annualized_vol"`
	Degraded      bool      `json:"degraded"`
	AsOf          time.Time `json:"as_of"`
}

// Neutral is the fallback used when history is missing.
func Neutral() Regime {
	return Regime{Trend: TrendNeutral, Vol: VolNormal, Strength: 0.5, Degraded: true}
}

func (r Regime) String() string {
	return string(r.Trend) + "/" + string(r.Vol)
}

// Detect classifies closes (oldest first). It never fails: short or invalid
// data yields Neutral.
func Detect(closes []float64, cfg config.Regime) Regime {
	if len(closes) < cfg.LongWindow || cfg.LongWindow < 2 || cfg.ShortWindow < 1 {
		observ.Warn("regime_insufficient_history", map[string]any{
			"closes": len(closes), "required": cfg.LongWindow,
		})
		return Neutral()
	}
	for _, c := range closes {
		if c <= 0 || math.IsNaN(c) {
			observ.Warn("regime_invalid_close", map[string]any{"close": c})
			return Neutral()
		}
	}

	last := closes[len(closes)-1]
	smaLong := sma(closes, cfg.LongWindow)
	smaShort := sma(closes, cfg.ShortWindow)

	r := Regime{
		TrendPct:      (last - smaLong) / smaLong,
		ShortTrendPct: (smaShort - smaLong) / smaLong,
		AnnualizedVol: realizedVol(closes[len(closes)-cfg.LongWindow:]),
	}

	switch {
	case r.TrendPct > cfg.BullThreshold && r.ShortTrendPct > 0:
		r.Trend = TrendBull
		r.Strength = math.Min(math.Abs(r.TrendPct)*20, 1)
	case r.TrendPct < -cfg.BearThreshold && r.ShortTrendPct < 0:
		r.Trend = TrendBear
		r.Strength = math.Min(math.Abs(r.TrendPct)*20, 1)
	default:
		r.Trend = TrendNeutral
		r.Strength = 0.5
	}

	switch {
	case r.AnnualizedVol > cfg.HighVol:
		r.Vol = VolHigh
	case r.AnnualizedVol < cfg.LowVol:
		r.Vol = VolLow
	default:
		r.Vol = VolNormal
	}
	return r
}

func sma(closes []float64, window int) float64 {
	tail := closes[len(closes)-window:]
	var sum float64
	for _, c := range tail {
		sum += c
	}
	return sum / float64(window)
}

// realizedVol is the sample standard deviation of daily log returns,
// annualized.
func realizedVol(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var ss float64
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	return math.Sqrt(ss/float64(len(returns)-1)) * math.Sqrt(tradingDaysPerYear)
}

// Detector fetches index history through the gateway.
type Detector struct {
	gateway adapters.Gateway
	cfg     config.Regime
	now     func() time.Time
}

func NewDetector(gateway adapters.Gateway, cfg config.Regime) *Detector {
	return &Detector{gateway: gateway, cfg: cfg, now: time.Now}
}

// ForCycle computes the regime for one cycle. Gateway failures degrade to
// Neutral.
func (d *Detector) ForCycle(ctx context.Context) Regime {
	start := time.Now()
	bars, err := d.gateway.GetHistory(ctx, d.cfg.IndexSymbol, d.cfg.LookbackDays)
	if err != nil {
		observ.Warn("regime_history_failed", map[string]any{"symbol": d.cfg.IndexSymbol, "error": err.Error()})
		r := Neutral()
		r.AsOf = d.now()
		return r
	}
	r := Detect(adapters.Closes(bars), d.cfg)
	r.AsOf = d.now()

	observ.Log("regime_detected", map[string]any{
		"symbol":         d.cfg.IndexSymbol,
		"trend":          string(r.Trend),
		"vol":            string(r.Vol),
		"trend_pct":      r.TrendPct,
		"annualized_vol": r.AnnualizedVol,
		"degraded":       r.Degraded,
	})
	observ.RecordDuration("regime_detect", time.Since(start), nil)
	observ.SetGauge("regime_annualized_vol", r.AnnualizedVol, nil)
	return r
}
