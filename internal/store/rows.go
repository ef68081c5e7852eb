package store

import (
	"database/sql"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/domain"
)

const dateLayout = "2006-01-02"

const positionColumns = `id, kind, symbol, state, leg_key, short_symbol, long_symbol,
	short_strike, long_strike, expiration, contracts, entry_credit, premium_collected,
	cost_basis, assigned_strike, shares, current_mark, unrealized_pnl, realized_pnl, reserved_capital,
	cycle, source, opened_at, updated_at, closed_at, exit_reason, notes`

const positionValues = `:id, :kind, :symbol, :state, :leg_key, :short_symbol, :long_symbol,
	:short_strike, :long_strike, :expiration, :contracts, :entry_credit, :premium_collected,
	:cost_basis, :assigned_strike, :shares, :current_mark, :unrealized_pnl, :realized_pnl, :reserved_capital,
	:cycle, :source, :opened_at, :updated_at, :closed_at, :exit_reason, :notes`

type positionRow struct {
	ID               string        `db:"id"`
	Kind             string        `db:"kind"`
	Symbol           string        `db:"symbol"`
	State            string        `db:"state"`
	LegKey           string        `db:"leg_key"`
	ShortSymbol      string        `db:"short_symbol"`
	LongSymbol       string        `db:"long_symbol"`
	ShortStrike      float64       `db:"short_strike"`
	LongStrike       float64       `db:"long_strike"`
	Expiration       string        `db:"expiration"`
	Contracts        int           `db:"contracts"`
	EntryCredit      float64       `db:"entry_credit"`
	PremiumCollected float64       `db:"premium_collected"`
	CostBasis        float64       `db:"cost_basis"`
	AssignedStrike   float64       `db:"assigned_strike"`
	Shares           int           `db:"shares"`
	CurrentMark      float64       `db:"current_mark"`
	UnrealizedPnL    float64       `db:"unrealized_pnl"`
	RealizedPnL      float64       `db:"realized_pnl"`
	ReservedCapital  float64       `db:"reserved_capital"`
	Cycle            int           `db:"cycle"`
	Source           string        `db:"source"`
	OpenedAt         int64         `db:"opened_at"`
	UpdatedAt        int64         `db:"updated_at"`
	ClosedAt         sql.NullInt64 `db:"closed_at"`
	ExitReason       string        `db:"exit_reason"`
	Notes            string        `db:"notes"`
}

func toRow(p *domain.Position) positionRow {
	r := positionRow{
		ID:               p.ID,
		Kind:             string(p.Kind),
		Symbol:           p.Symbol,
		State:            string(p.State),
		LegKey:           p.LegKey,
		ShortSymbol:      p.ShortSymbol,
		LongSymbol:       p.LongSymbol,
		ShortStrike:      p.ShortStrike,
		LongStrike:       p.LongStrike,
		Contracts:        p.Contracts,
		EntryCredit:      p.EntryCredit,
		PremiumCollected: p.PremiumCollected,
		CostBasis:        p.CostBasis,
		AssignedStrike:   p.AssignedStrike,
		Shares:           p.Shares,
		CurrentMark:      p.CurrentMark,
		UnrealizedPnL:    p.UnrealizedPnL,
		RealizedPnL:      p.RealizedPnL,
		ReservedCapital:  p.ReservedCapital,
		Cycle:            p.Cycle,
		Source:           p.Source,
		OpenedAt:         p.OpenedAt.UnixNano(),
		UpdatedAt:        p.UpdatedAt.UnixNano(),
		ExitReason:       p.ExitReason,
		Notes:            p.Notes,
	}
	if !p.Expiration.IsZero() {
		r.Expiration = p.Expiration.Format(dateLayout)
	}
	if p.ClosedAt != nil {
		r.ClosedAt = sql.NullInt64{Int64: p.ClosedAt.UnixNano(), Valid: true}
	}
	return r
}

func (r positionRow) toPosition() *domain.Position {
	p := &domain.Position{
		ID:               r.ID,
		Kind:             domain.Kind(r.Kind),
		Symbol:           r.Symbol,
		State:            domain.State(r.State),
		LegKey:           r.LegKey,
		ShortSymbol:      r.ShortSymbol,
		LongSymbol:       r.LongSymbol,
		ShortStrike:      r.ShortStrike,
		LongStrike:       r.LongStrike,
		Contracts:        r.Contracts,
		EntryCredit:      r.EntryCredit,
		PremiumCollected: r.PremiumCollected,
		CostBasis:        r.CostBasis,
		AssignedStrike:   r.AssignedStrike,
		Shares:           r.Shares,
		CurrentMark:      r.CurrentMark,
		UnrealizedPnL:    r.UnrealizedPnL,
		RealizedPnL:      r.RealizedPnL,
		ReservedCapital:  r.ReservedCapital,
		Cycle:            r.Cycle,
		Source:           r.Source,
		OpenedAt:         time.Unix(0, r.OpenedAt).UTC(),
		UpdatedAt:        time.Unix(0, r.UpdatedAt).UTC(),
		ExitReason:       r.ExitReason,
		Notes:            r.Notes,
	}
	if r.Expiration != "" {
		if t, err := time.Parse(dateLayout, r.Expiration); err == nil {
			p.Expiration = t
		}
	}
	if r.ClosedAt.Valid {
		t := time.Unix(0, r.ClosedAt.Int64).UTC()
		p.ClosedAt = &t
	}
	return p
}

type transitionRow struct {
	Seq        int64          `db:"seq"`
	PositionID string         `db:"position_id"`
	Kind       string         `db:"kind"`
	From       string         `db:"from_state"`
	To         string         `db:"to_state"`
	Cause      string         `db:"cause"`
	EventKey   sql.NullString `db:"event_key"`
	CreatedAt  int64          `db:"created_at"`
}

func (r transitionRow) toTransition() domain.Transition {
	return domain.Transition{
		Seq:        r.Seq,
		PositionID: r.PositionID,
		Kind:       domain.Kind(r.Kind),
		From:       domain.State(r.From),
		To:         domain.State(r.To),
		Cause:      r.Cause,
		EventKey:   r.EventKey.String,
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
	}
}

type performanceRow struct {
	Symbol               string  `db:"symbol"`
	Trades               int     `db:"trades"`
	Wins                 int     `db:"wins"`
	Losses               int     `db:"losses"`
	CumulativePnL        float64 `db:"cumulative_pnl"`
	ConsecutiveLosses    int     `db:"consecutive_losses"`
	MaxConsecutiveLosses int     `db:"max_consecutive_losses"`
	QualityScore         float64 `db:"quality_score"`
	LastClosedAt         int64   `db:"last_closed_at"`
}

func (r performanceRow) toPerformance() *domain.SymbolPerformance {
	return &domain.SymbolPerformance{
		Symbol:               r.Symbol,
		Trades:               r.Trades,
		Wins:                 r.Wins,
		Losses:               r.Losses,
		CumulativePnL:        r.CumulativePnL,
		ConsecutiveLosses:    r.ConsecutiveLosses,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
		QualityScore:         r.QualityScore,
		LastClosedAt:         time.Unix(0, r.LastClosedAt).UTC(),
	}
}

func fromPerformance(p *domain.SymbolPerformance) performanceRow {
	return performanceRow{
		Symbol:               p.Symbol,
		Trades:               p.Trades,
		Wins:                 p.Wins,
		Losses:               p.Losses,
		CumulativePnL:        p.CumulativePnL,
		ConsecutiveLosses:    p.ConsecutiveLosses,
		MaxConsecutiveLosses: p.MaxConsecutiveLosses,
		QualityScore:         p.QualityScore,
		LastClosedAt:         p.LastClosedAt.UnixNano(),
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
