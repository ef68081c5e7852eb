package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/decision"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/execution"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

// OpenSpread sells a put credit spread on the candidate as one multi-leg
// order.
func (m *Manager) OpenSpread(ctx context.Context, c *decision.Candidate) (*domain.Position, error) {
	if err := m.canOpen(); err != nil {
		return nil, err
	}
	ch, err := m.chainFor(ctx, c.Symbol, c.Chain, m.spread.MinDTE, m.spread.MaxDTE)
	if err != nil {
		return nil, err
	}
	pick, err := SelectSpread(ch, m.now(), m.spread)
	if err != nil {
		return nil, fmt.Errorf("select spread for %s: %w", c.Symbol, err)
	}
	sized, err := m.size(ctx, domain.KindSpread, c.Symbol,
		domain.SpreadMaxRisk(pick.Short.Strike, pick.Long.Strike, pick.Credit, 1))
	if err != nil {
		return nil, err
	}

	pos := &domain.Position{
		Kind:            domain.KindSpread,
		Symbol:          c.Symbol,
		LegKey:          domain.SpreadLegKey(pick.Short.Symbol, pick.Long.Symbol),
		ShortSymbol:     pick.Short.Symbol,
		LongSymbol:      pick.Long.Symbol,
		ShortStrike:     pick.Short.Strike,
		LongStrike:      pick.Long.Strike,
		Expiration:      pick.Short.Expiration,
		Contracts:       sized.Contracts,
		EntryCredit:     pick.Credit,
		ReservedCapital: domain.SpreadMaxRisk(pick.Short.Strike, pick.Long.Strike, pick.Credit, sized.Contracts),
		Cycle:           1,
	}
	p, err := m.enter(ctx, entry{
		pos:    pos,
		intent: "open_spread",
		order: adapters.Order{
			Underlying: c.Symbol,
			Legs: []adapters.OrderLeg{
				{Symbol: pick.Short.Symbol, Side: adapters.SellToOpen, Ratio: 1},
				{Symbol: pick.Long.Symbol, Side: adapters.BuyToOpen, Ratio: 1},
			},
			Quantity:    sized.Contracts,
			LimitPrice:  pick.Credit,
			Credit:      true,
			TimeInForce: "day",
		},
		to:    domain.StateOpen,
		marks: map[string]float64{pick.Short.Symbol: pick.Short.Mid(), pick.Long.Symbol: pick.Long.Mid()},
		onFill: func(p *domain.Position, st adapters.OrderStatus) {
			p.Contracts = st.FilledQty
			p.EntryCredit = st.AvgPrice
			p.CurrentMark = st.AvgPrice
			// never grow the reservation after the fact
			p.ReservedCapital = math.Min(p.ReservedCapital,
				domain.SpreadMaxRisk(p.ShortStrike, p.LongStrike, st.AvgPrice, st.FilledQty))
		},
	})
	if err != nil {
		return nil, err
	}
	observ.Log("spread_opened", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"short":       p.ShortSymbol,
		"long":        p.LongSymbol,
		"contracts":   p.Contracts,
		"credit":      p.EntryCredit,
		"max_risk":    p.ReservedCapital,
	})
	return p, nil
}

// MonitorSpreads refreshes marks on open spreads and closes those that hit
// the profit target, the expiration window or, when enabled, the stop loss.
// Spreads past expiration settle at intrinsic value.
func (m *Manager) MonitorSpreads(ctx context.Context) (MonitorReport, error) {
	report := MonitorReport{Kind: domain.KindSpread}
	positions, err := m.store.OpenPositions(ctx, domain.KindSpread)
	if err != nil {
		return report, err
	}
	var contracts []string
	for _, p := range positions {
		if p.State == domain.StateOpen {
			contracts = append(contracts, p.ShortSymbol, p.LongSymbol)
		}
	}
	marks := m.optionMarks(ctx, contracts)

	for _, p := range positions {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !domain.Automated(p.State) {
			continue
		}
		report.Checked++
		moved, err := m.monitorSpread(ctx, p, marks)
		if err != nil {
			report.Errors++
			observ.Error("spread_monitor_failed", err, map[string]any{"position_id": p.ID, "symbol": p.Symbol})
		}
		report.Transitions += moved
	}
	observ.SetGauge("open_positions", float64(len(positions)), map[string]string{"kind": string(domain.KindSpread)})
	return report, nil
}

func (m *Manager) monitorSpread(ctx context.Context, p *domain.Position, marks map[string]float64) (int, error) {
	now := m.now()
	shortMark, okShort := marks[p.ShortSymbol]
	longMark, okLong := marks[p.LongSymbol]
	if !okShort || !okLong {
		shortMark, longMark = -1, -1
	} else {
		value := domain.SpreadValue(shortMark, longMark)
		if err := m.store.UpdateMarks(ctx, domain.KindSpread, p.ID, value,
			domain.OptionClosePnL(p.EntryCredit, value, p.Contracts)); err != nil {
			return 0, err
		}
	}

	var underlying float64
	if p.DTE(now) < 0 {
		q, err := m.gateway.GetQuote(ctx, p.Symbol)
		if err != nil {
			return 0, fmt.Errorf("quote %s for settlement: %w", p.Symbol, err)
		}
		underlying = q.Last
	}

	exit, ok := SpreadExit(p, shortMark, longMark, underlying, now, m.spread)
	if !ok {
		return 0, nil
	}
	if !exit.NeedsOrder {
		return m.settleSpread(ctx, p, exit)
	}
	return m.closeSpread(ctx, p, exit, shortMark, longMark)
}

func (m *Manager) closeSpread(ctx context.Context, p *domain.Position, exit Exit, shortMark, longMark float64) (int, error) {
	req := execution.Request{
		PositionID: p.ID,
		Kind:       domain.KindSpread,
		Symbol:     p.Symbol,
		Intent:     "close_spread",
		Attempt:    m.attempt(),
		Order: adapters.Order{
			Underlying: p.Symbol,
			Legs: []adapters.OrderLeg{
				{Symbol: p.ShortSymbol, Side: adapters.BuyToClose, Ratio: 1},
				{Symbol: p.LongSymbol, Side: adapters.SellToClose, Ratio: 1},
			},
			Quantity:    p.Contracts,
			LimitPrice:  debitLimit(domain.SpreadValue(shortMark, longMark)),
			TimeInForce: "day",
		},
	}
	st, err := m.exec.Close(ctx, req)
	if err != nil {
		var mismatch *execution.LegMismatchError
		if errors.As(err, &mismatch) {
			marks := map[string]float64{p.ShortSymbol: shortMark, p.LongSymbol: longMark}
			return m.completeSpreadClose(ctx, p, exit, req, mismatch, marks)
		}
		return 0, fmt.Errorf("close spread %s: %w", p.LegKey, err)
	}
	if st.FilledQty != p.Contracts {
		m.markInconsistent(ctx, p, fmt.Sprintf("spread close filled %d of %d", st.FilledQty, p.Contracts))
		return 1, nil
	}
	return m.recordSpreadClose(ctx, p, exit, st.AvgPrice, "fill:"+st.ID)
}

// completeSpreadClose finishes a close where only some legs filled by
// resubmitting the others. The position goes INCONSISTENT only when that
// fails too.
func (m *Manager) completeSpreadClose(ctx context.Context, p *domain.Position, exit Exit, req execution.Request, mismatch *execution.LegMismatchError, marks map[string]float64) (int, error) {
	observ.Warn("spread_close_leg_mismatch", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"error":       mismatch.Error(),
	})
	done, err := m.exec.Complete(context.WithoutCancel(ctx), req, mismatch.Unfilled, marks)
	if err != nil {
		m.markInconsistent(ctx, p, fmt.Sprintf("%v; %v", mismatch, err))
		return 1, fmt.Errorf("close spread %s: %w", p.LegKey, mismatch)
	}
	legs := append(append([]adapters.LegFill{}, mismatch.Filled...), done...)
	return m.recordSpreadClose(ctx, p, exit, closeDebit(legs, marks), "close:"+mismatch.ClientOrderID)
}

func (m *Manager) recordSpreadClose(ctx context.Context, p *domain.Position, exit Exit, cost float64, eventKey string) (int, error) {
	_, out, err := m.persist(ctx, store.TransitionRequest{
		Kind:       domain.KindSpread,
		PositionID: p.ID,
		From:       domain.StateOpen,
		To:         exit.To,
		Cause:      exit.Reason,
		EventKey:   eventKey,
		Mutate: func(p *domain.Position) error {
			p.CurrentMark = cost
			p.RealizedPnL = domain.OptionClosePnL(p.EntryCredit, cost, p.Contracts)
			p.ExitReason = exit.Reason
			return nil
		},
	})
	if err != nil {
		m.alert(ctx, alerts.SeverityCritical, "close filled but not recorded", p,
			fmt.Sprintf("spread close at %.2f: %v", cost, err))
		return 0, err
	}
	observ.Log("spread_closed", map[string]any{
		"position_id":  out.ID,
		"symbol":       out.Symbol,
		"reason":       exit.Reason,
		"close_cost":   cost,
		"realized_pnl": out.RealizedPnL,
	})
	return 1, nil
}

// closeDebit nets per-share leg prices into the cost of a close. A leg
// reported without a price is valued at its mark.
func closeDebit(legs []adapters.LegFill, marks map[string]float64) float64 {
	var debit float64
	for _, l := range legs {
		price := l.AvgPrice
		if price <= 0 {
			price = marks[l.Symbol]
		}
		switch l.Side {
		case adapters.BuyToClose, adapters.Buy, adapters.BuyToOpen:
			debit += price
		default:
			debit -= price
		}
	}
	return cents(debit)
}

func (m *Manager) settleSpread(ctx context.Context, p *domain.Position, exit Exit) (int, error) {
	applied, out, err := m.store.Transition(ctx, store.TransitionRequest{
		Kind:       domain.KindSpread,
		PositionID: p.ID,
		From:       domain.StateOpen,
		To:         exit.To,
		Cause:      exit.Reason,
		EventKey:   fmt.Sprintf("expire:%s:%s", p.ID, p.LegKey),
		Mutate: func(p *domain.Position) error {
			p.CurrentMark = exit.Settlement
			p.RealizedPnL = domain.OptionClosePnL(p.EntryCredit, exit.Settlement, p.Contracts)
			p.ExitReason = exit.Reason
			return nil
		},
	})
	if err != nil || !applied {
		return 0, err
	}
	observ.Log("spread_expired", map[string]any{
		"position_id":  out.ID,
		"symbol":       out.Symbol,
		"settlement":   exit.Settlement,
		"realized_pnl": out.RealizedPnL,
	})
	return 1, nil
}
