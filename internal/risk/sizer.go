package risk

import (
	"math"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
)

// SizingInput is everything SizePosition looks at.
type SizingInput struct {
	Symbol string
	// UnitCapital is the capital one contract ties up: the secured strike for
	// a short put, the max risk for a spread.
	UnitCapital float64
	// Equity is the account value the base fraction applies to.
	Equity float64
	// Available is capital still free under the ceiling and buying power.
	Available float64
	// Performance is nil when the symbol has no closed history.
	Performance *domain.SymbolPerformance
}

// SizingResult carries the contract count and why it came out that way.
type SizingResult struct {
	Contracts  int
	Multiplier float64
	Allocation float64
	Reason     string
}

// SizePosition computes a contract count. It is a pure function of its
// inputs; 0 contracts means reject.
func SizePosition(in SizingInput, cfg config.Sizing) SizingResult {
	if in.UnitCapital <= 0 || in.Equity <= 0 {
		return SizingResult{Reason: "invalid_inputs"}
	}
	perf := in.Performance
	if perf != nil && cfg.MaxConsecutiveLosses > 0 && perf.ConsecutiveLosses >= cfg.MaxConsecutiveLosses {
		return SizingResult{Reason: "consecutive_losses"}
	}

	mult := PerformanceMultiplier(perf, cfg)
	allocation := in.Equity * cfg.BaseFraction * mult

	if cfg.MaxNotionalFraction > 0 {
		allocation = math.Min(allocation, in.Equity*cfg.MaxNotionalFraction)
	}
	allocation = math.Min(allocation, in.Available)

	contracts := int(math.Floor(allocation / in.UnitCapital))
	if cfg.MaxContractsPerSymbol > 0 && contracts > cfg.MaxContractsPerSymbol {
		contracts = cfg.MaxContractsPerSymbol
	}
	if contracts < 1 {
		return SizingResult{Multiplier: mult, Allocation: allocation, Reason: "insufficient_capital"}
	}
	return SizingResult{Contracts: contracts, Multiplier: mult, Allocation: allocation, Reason: "sized"}
}

// PerformanceMultiplier maps win rate and quality score onto
// [MinMultiplier, MaxMultiplier]. Symbols without enough history get 1.0.
func PerformanceMultiplier(perf *domain.SymbolPerformance, cfg config.Sizing) float64 {
	if perf == nil || perf.Trades < cfg.MinTradesForHistory || perf.Trades == 0 {
		return 1.0
	}
	blend := 0.5*perf.WinRate() + 0.5*(perf.QualityScore/100)
	blend = math.Max(0, math.Min(1, blend))
	return cfg.MinMultiplier + blend*(cfg.MaxMultiplier-cfg.MinMultiplier)
}
