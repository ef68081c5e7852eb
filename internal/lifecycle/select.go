package lifecycle

import (
	"errors"
	"math"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/config"
)

// ErrNoContract means nothing in the chain satisfies the selection rules.
var ErrNoContract = errors.New("no contract matches selection rules")

// SpreadPick is a selected put credit spread.
type SpreadPick struct {
	Short  adapters.OptionContract
	Long   adapters.OptionContract
	Credit float64 // per share, short mid minus long mid
}

// Width returns the strike distance.
func (s SpreadPick) Width() float64 {
	return s.Short.Strike - s.Long.Strike
}

func daysTo(exp, now time.Time) int {
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	ey, em, ed := exp.Date()
	return int(time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC).Sub(today).Hours() / 24)
}

// absDelta returns |delta|, estimating it from moneyness when the chain
// carries no greeks.
func absDelta(c adapters.OptionContract, underlying float64) float64 {
	if c.Delta != 0 {
		return math.Abs(c.Delta)
	}
	if underlying <= 0 {
		return 0
	}
	m := (c.Strike - underlying) / underlying
	if c.Type == adapters.Call {
		m = -m
	}
	return math.Max(0.01, math.Min(0.99, 0.5+m*5))
}

func inWindow(c adapters.OptionContract, now time.Time, minDTE, maxDTE int) bool {
	dte := daysTo(c.Expiration, now)
	return dte >= minDTE && dte <= maxDTE
}

// pickByDelta returns the candidate nearest the target delta. Ties go to the
// richer bid, then the lower strike.
func pickByDelta(cands []adapters.OptionContract, underlying, target float64) (adapters.OptionContract, bool) {
	var best adapters.OptionContract
	bestDist := math.Inf(1)
	found := false
	for _, c := range cands {
		dist := math.Abs(absDelta(c, underlying) - target)
		switch {
		case dist < bestDist-1e-9:
		case math.Abs(dist-bestDist) <= 1e-9 && (c.Bid > best.Bid || (c.Bid == best.Bid && c.Strike < best.Strike)):
		default:
			continue
		}
		best, bestDist, found = c, dist, true
	}
	return best, found
}

// SelectPut picks the out-of-the-money put nearest the target delta inside
// the DTE window with at least the minimum premium.
func SelectPut(ch *adapters.Chain, now time.Time, cfg config.Wheel) (adapters.OptionContract, error) {
	if ch == nil {
		return adapters.OptionContract{}, ErrNoContract
	}
	var cands []adapters.OptionContract
	for _, c := range ch.Contracts {
		if c.Type != adapters.Put || !inWindow(c, now, cfg.MinDTE, cfg.MaxDTE) {
			continue
		}
		if c.Bid < cfg.MinPremium || c.Bid <= 0 {
			continue
		}
		if ch.UnderlyingPrice > 0 && c.Strike >= ch.UnderlyingPrice {
			continue
		}
		cands = append(cands, c)
	}
	best, ok := pickByDelta(cands, ch.UnderlyingPrice, cfg.TargetDelta)
	if !ok {
		return best, ErrNoContract
	}
	return best, nil
}

// SelectCall picks the call nearest the target delta whose strike is
// strictly above the cost basis.
func SelectCall(ch *adapters.Chain, now time.Time, costBasis float64, cfg config.Wheel) (adapters.OptionContract, error) {
	if ch == nil {
		return adapters.OptionContract{}, ErrNoContract
	}
	var cands []adapters.OptionContract
	for _, c := range ch.Contracts {
		if c.Type != adapters.Call || !inWindow(c, now, cfg.MinDTE, cfg.MaxDTE) {
			continue
		}
		if c.Strike <= costBasis || c.Bid < cfg.MinPremium || c.Bid <= 0 {
			continue
		}
		cands = append(cands, c)
	}
	best, ok := pickByDelta(cands, ch.UnderlyingPrice, cfg.TargetDelta)
	if !ok {
		return best, ErrNoContract
	}
	return best, nil
}

// SelectSpread picks a put credit spread: the short put nearest the target
// delta and the long put nearest the configured width below it, requiring a
// minimum credit to width ratio.
func SelectSpread(ch *adapters.Chain, now time.Time, cfg config.Spread) (SpreadPick, error) {
	if ch == nil {
		return SpreadPick{}, ErrNoContract
	}
	// Filter sorts by expiration, so groups come out in date order.
	var groups [][]adapters.OptionContract
	for _, c := range ch.Filter(adapters.Put, now, now.AddDate(0, 0, cfg.MaxDTE+1)) {
		if !inWindow(c, now, cfg.MinDTE, cfg.MaxDTE) {
			continue
		}
		n := len(groups)
		if n == 0 || !groups[n-1][0].Expiration.Equal(c.Expiration) {
			groups = append(groups, nil)
			n++
		}
		groups[n-1] = append(groups[n-1], c)
	}

	var best SpreadPick
	bestDist := math.Inf(1)
	found := false
	for _, puts := range groups {
		for _, short := range puts {
			if short.Bid <= 0 || (ch.UnderlyingPrice > 0 && short.Strike >= ch.UnderlyingPrice) {
				continue
			}
			long, ok := longLeg(puts, short.Strike, cfg.Width)
			if !ok {
				continue
			}
			credit := math.Round((short.Mid()-long.Mid())*100) / 100
			width := short.Strike - long.Strike
			if credit <= 0 || credit/width < cfg.MinCreditRatio {
				continue
			}
			dist := math.Abs(absDelta(short, ch.UnderlyingPrice) - cfg.TargetDelta)
			if dist < bestDist-1e-9 || (math.Abs(dist-bestDist) <= 1e-9 && credit/width > best.Credit/best.Width()) {
				best = SpreadPick{Short: short, Long: long, Credit: credit}
				bestDist = dist
				found = true
			}
		}
	}
	if !found {
		return best, ErrNoContract
	}
	return best, nil
}

// longLeg returns the lower-strike put whose distance from shortStrike is
// nearest width, never wider than width.
func longLeg(puts []adapters.OptionContract, shortStrike, width float64) (adapters.OptionContract, bool) {
	var best adapters.OptionContract
	found := false
	for _, p := range puts {
		w := shortStrike - p.Strike
		if w <= 0 || w > width+1e-9 || p.Ask <= 0 {
			continue
		}
		if !found || w > shortStrike-best.Strike {
			best, found = p, true
		}
	}
	return best, found
}
