package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
)

func sizingConfig() config.Sizing {
	return config.Sizing{
		BaseFraction:          0.14,
		MinMultiplier:         0.7,
		MaxMultiplier:         1.3,
		MinTradesForHistory:   3,
		MaxContractsPerSymbol: 10,
		MaxNotionalFraction:   0.25,
		MaxConsecutiveLosses:  3,
	}
}

func TestSizePosition(t *testing.T) {
	strong := &domain.SymbolPerformance{Symbol: "F", Trades: 10, Wins: 10, QualityScore: 100}
	weak := &domain.SymbolPerformance{Symbol: "F", Trades: 10, Wins: 0, QualityScore: 0, ConsecutiveLosses: 1}
	streak := &domain.SymbolPerformance{Symbol: "F", Trades: 5, Wins: 2, ConsecutiveLosses: 3}
	thin := &domain.SymbolPerformance{Symbol: "F", Trades: 2, Wins: 0}

	tests := []struct {
		name      string
		in        SizingInput
		contracts int
		mult      float64
		reason    string
	}{
		{"neutral without history", SizingInput{UnitCapital: 1200, Equity: 100000, Available: 100000}, 10, 1.0, "sized"},
		{"neutral with thin history", SizingInput{UnitCapital: 3000, Equity: 100000, Available: 100000, Performance: thin}, 4, 1.0, "sized"},
		{"strong history scales up", SizingInput{UnitCapital: 3000, Equity: 100000, Available: 100000, Performance: strong}, 6, 1.3, "sized"},
		{"weak history scales down", SizingInput{UnitCapital: 3000, Equity: 100000, Available: 100000, Performance: weak}, 3, 0.7, "sized"},
		{"capped by available capital", SizingInput{UnitCapital: 3000, Equity: 100000, Available: 5000}, 1, 1.0, "sized"},
		{"too expensive rejects", SizingInput{UnitCapital: 20000, Equity: 100000, Available: 100000}, 0, 1.0, "insufficient_capital"},
		{"loss streak rejects", SizingInput{UnitCapital: 500, Equity: 100000, Available: 100000, Performance: streak}, 0, 0, "consecutive_losses"},
		{"zero equity rejects", SizingInput{UnitCapital: 500}, 0, 0, "invalid_inputs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SizePosition(tt.in, sizingConfig())
			assert.Equal(t, tt.contracts, got.Contracts)
			assert.InDelta(t, tt.mult, got.Multiplier, 1e-9)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestSizePosition_NotionalCap(t *testing.T) {
	cfg := sizingConfig()
	cfg.BaseFraction = 0.5
	cfg.MaxContractsPerSymbol = 100

	got := SizePosition(SizingInput{UnitCapital: 1000, Equity: 100000, Available: 100000}, cfg)
	assert.Equal(t, 25, got.Contracts)
}

func TestSizePosition_IsDeterministic(t *testing.T) {
	in := SizingInput{UnitCapital: 2500, Equity: 80000, Available: 40000,
		Performance: &domain.SymbolPerformance{Trades: 6, Wins: 4, QualityScore: 62}}
	first := SizePosition(in, sizingConfig())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, SizePosition(in, sizingConfig()))
	}
}
