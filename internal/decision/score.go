package decision

import (
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/regime"
)

const (
	signalPoints       = 25.0
	momentumPctPerUnit = 10.0 // |change%| * 10 when IV rank is unknown
	defaultSpreadScale = 0.40
)

// applyFilters evaluates every configured filter. WARN failures are recorded
// on the candidate; the first REJECT failure is returned.
func applyFilters(c *Candidate, f config.Filters) (string, bool) {
	type check struct {
		name   string
		filter config.Filter
		failed bool
		detail string
	}
	checks := []check{
		{
			name: "min_price", filter: f.MinPrice,
			failed: f.MinPrice.Value > 0 && c.Price < f.MinPrice.Value,
			detail: fmt.Sprintf("price %.2f < %.2f", c.Price, f.MinPrice.Value),
		},
		{
			name: "max_price", filter: f.MaxPrice,
			failed: f.MaxPrice.Value > 0 && c.Price > f.MaxPrice.Value,
			detail: fmt.Sprintf("price %.2f > %.2f", c.Price, f.MaxPrice.Value),
		},
		{
			name: "max_option_spread", filter: f.MaxOptionSpread,
			failed: f.MaxOptionSpread.Value > 0 && c.Chain != nil && c.Liquidity.AvgSpreadPct > f.MaxOptionSpread.Value,
		},
		{
			name: "min_volume", filter: f.MinVolume,
			failed: f.MinVolume.Value > 0 && c.Liquidity != nil && float64(c.Liquidity.Volume) < f.MinVolume.Value,
		},
		{
			name: "earnings_window", filter: f.EarningsWindow,
			failed: f.EarningsWindow.Value > 0 && c.Earnings != nil &&
				c.Earnings.DaysUntil >= 0 && float64(c.Earnings.DaysUntil) <= f.EarningsWindow.Value,
		},
	}
	if c.Liquidity != nil {
		checks[2].detail = fmt.Sprintf("option spread %.3f > %.3f", c.Liquidity.AvgSpreadPct, f.MaxOptionSpread.Value)
		checks[3].detail = fmt.Sprintf("volume %d < %.0f", c.Liquidity.Volume, f.MinVolume.Value)
	}
	if c.Earnings != nil {
		checks[4].detail = fmt.Sprintf("earnings in %d days", c.Earnings.DaysUntil)
	}

	for _, ch := range checks {
		if !ch.failed {
			continue
		}
		if ch.filter.Policy == config.PolicyReject {
			return ch.name + ": " + ch.detail, true
		}
		c.Warnings = append(c.Warnings, ch.name)
	}
	return "", false
}

// scoreCandidate computes the composite score. It depends only on the
// candidate, the configuration, the regime and now.
func scoreCandidate(c *Candidate, cfg config.Funnel, r regime.Regime, now time.Time) {
	var b ScoreBreakdown
	w := cfg.Weights
	adj := cfg.Adjustments

	if l := c.Liquidity; l != nil {
		volume := 0.0
		if cfg.PreferredVolume > 0 {
			volume = math.Min(float64(l.Volume)/cfg.PreferredVolume, 1)
		}
		oi := 0.0
		if cfg.PreferredOpenInterest > 0 {
			oi = math.Min(float64(l.OpenInterest)/cfg.PreferredOpenInterest, 1)
		}
		b.Liquidity = 50*volume + 50*oi
	}
	if l := c.Liquidity; l != nil && c.Chain != nil {
		scale := 2 * cfg.Filters.MaxOptionSpread.Value
		if scale <= 0 {
			scale = defaultSpreadScale
		}
		b.Spread = 100 * clamp(1-l.AvgSpreadPct/scale, 0, 1)
	}

	b.Signals = math.Min(float64(len(c.Signals))*signalPoints, 100)

	if c.Options != nil && c.Options.IVRank > 0 {
		b.Volatility = clamp(c.Options.IVRank, 0, 100)
	} else {
		b.Volatility = clamp(math.Abs(c.ChangePct)*momentumPctPerUnit, 0, 100)
	}

	stale := false
	if staleAfter := cfg.StaleAfter(); staleAfter > 0 {
		if c.DataAsOf.IsZero() {
			stale = true
		} else {
			age := now.Sub(c.DataAsOf)
			b.Recency = 100 * clamp(1-age.Seconds()/(2*staleAfter.Seconds()), 0, 1)
			stale = age > staleAfter
		}
	} else {
		b.Recency = 100
	}

	b.Base = w.Liquidity*b.Liquidity + w.Spread*b.Spread + w.Signals*b.Signals +
		w.Volatility*b.Volatility + w.Recency*b.Recency

	b.Multiplier = 1
	if adj.SignalMultiplierMin > 0 && len(c.Signals) >= adj.SignalMultiplierMin {
		b.Multiplier = adj.SignalMultiplier
	}

	if aligned(c, r, adj) {
		b.Directional = adj.DirectionalBonus
	}
	if r.Vol == regime.VolHigh && c.Options != nil && c.Options.IVRank >= adj.HighVolIVRank {
		b.HighVol = adj.HighVolBonus
	}
	if c.Earnings != nil && cfg.Filters.EarningsWindow.Value > 0 &&
		c.Earnings.DaysUntil >= 0 && float64(c.Earnings.DaysUntil) <= cfg.Filters.EarningsWindow.Value {
		b.Earnings = -adj.EarningsPenalty
	}
	if stale {
		b.Stale = -adj.StalePenalty
	}
	if c.EnrichError != "" {
		b.Degraded = -adj.DegradedPenalty
	}

	score := b.Base*b.Multiplier + b.Directional + b.HighVol + b.Earnings + b.Stale + b.Degraded
	c.Score = round4(math.Max(score, 0))
	c.Breakdown = b
}

// aligned reports whether the candidate's flow agrees with the trend: call
// heavy or rising in a bull regime, put heavy or falling in a bear regime.
// The put/call ratio wins over the day's move when both are known.
func aligned(c *Candidate, r regime.Regime, adj config.Adjustments) bool {
	pcr := 0.0
	if c.Options != nil {
		pcr = c.Options.PutCallRatio
	}
	switch r.Trend {
	case regime.TrendBull:
		if pcr > 0 {
			return pcr < adj.BullishPutCall
		}
		return c.Direction() > 0
	case regime.TrendBear:
		if pcr > 0 {
			return pcr > adj.BearishPutCall
		}
		return c.Direction() < 0
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
