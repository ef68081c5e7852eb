package domain

import (
	"fmt"
	"time"
)

// Source records how a position came to exist.
const (
	SourceScan      = "scan"
	SourceReconcile = "reconcile"
)

// SharesPerContract is the standard equity option multiplier.
const SharesPerContract = 100

// Position is the durable record of one strategy instance. Money fields are
// per share unless noted otherwise.
type Position struct {
	ID     string
	Kind   Kind
	Symbol string
	State  State
	LegKey string

	ShortSymbol string // OCC symbol of the sold option
	LongSymbol  string // OCC symbol of the protective leg, spreads only
	ShortStrike float64
	LongStrike  float64
	Expiration  time.Time
	Contracts   int

	EntryCredit      float64 // credit of the currently open option or spread
	PremiumCollected float64 // cumulative dollars, wheel
	CostBasis        float64
	AssignedStrike   float64 // strike the shares were bought at, wheel
	Shares           int

	CurrentMark     float64
	UnrealizedPnL   float64 // dollars
	RealizedPnL     float64 // dollars
	ReservedCapital float64 // dollars

	Cycle      int
	Source     string
	OpenedAt   time.Time
	UpdatedAt  time.Time
	ClosedAt   *time.Time
	ExitReason string
	Notes      string
}

// Width returns the strike distance of a spread.
func (p *Position) Width() float64 {
	return p.ShortStrike - p.LongStrike
}

// DTE returns whole calendar days from now until expiration, floored at the
// expiration date itself.
func (p *Position) DTE(now time.Time) int {
	if p.Expiration.IsZero() {
		return 0
	}
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	ey, em, ed := p.Expiration.Date()
	exp := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	return int(exp.Sub(today).Hours() / 24)
}

// HasOpenOption reports whether a sold option is currently outstanding.
func (p *Position) HasOpenOption() bool {
	return p.ShortSymbol != ""
}

// SpreadLegKey builds the leg identity used to match broker holdings.
func SpreadLegKey(shortSymbol, longSymbol string) string {
	return fmt.Sprintf("%s|%s", shortSymbol, longSymbol)
}

// WheelLegKey identifies a wheel by underlying; one wheel runs per symbol.
func WheelLegKey(symbol string) string {
	return "wheel|" + symbol
}

// Transition is an append-only audit entry for a state change.
type Transition struct {
	Seq        int64
	PositionID string
	Kind       Kind
	From       State
	To         State
	Cause      string
	EventKey   string
	CreatedAt  time.Time
}

// SymbolPerformance aggregates closed positions of one symbol in one ledger.
type SymbolPerformance struct {
	Symbol               string
	Trades               int
	Wins                 int
	Losses               int
	CumulativePnL        float64
	ConsecutiveLosses    int
	MaxConsecutiveLosses int
	QualityScore         float64
	LastClosedAt         time.Time
}

// WinRate returns wins/trades in [0,1].
func (s *SymbolPerformance) WinRate() float64 {
	if s == nil || s.Trades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Trades)
}

// Record folds one closed position's realized P&L into the aggregate.
func (s *SymbolPerformance) Record(pnl float64, closedAt time.Time) {
	s.Trades++
	s.CumulativePnL += pnl
	if pnl > 0 {
		s.Wins++
		s.ConsecutiveLosses = 0
	} else {
		s.Losses++
		s.ConsecutiveLosses++
		if s.ConsecutiveLosses > s.MaxConsecutiveLosses {
			s.MaxConsecutiveLosses = s.ConsecutiveLosses
		}
	}
	s.LastClosedAt = closedAt
	s.QualityScore = QualityScore(s)
}

// QualityScore rates a symbol's history on 0..100: win rate contributes up to
// 50, average profit up to 30 and loss-streak discipline up to 20.
func QualityScore(s *SymbolPerformance) float64 {
	if s == nil || s.Trades == 0 {
		return 0
	}
	score := s.WinRate() * 50
	avg := s.CumulativePnL / float64(s.Trades)
	score += clamp(avg/200*30, 0, 30)
	score += clamp(20-5*float64(s.MaxConsecutiveLosses), 0, 20)
	return clamp(score, 0, 100)
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
