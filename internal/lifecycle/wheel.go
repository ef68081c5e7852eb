package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/decision"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/execution"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

// OpenWheel sells a cash-secured put on the candidate. A symbol whose last
// wheel was called away starts its next cycle here.
func (m *Manager) OpenWheel(ctx context.Context, c *decision.Candidate) (*domain.Position, error) {
	if err := m.canOpen(); err != nil {
		return nil, err
	}
	ch, err := m.chainFor(ctx, c.Symbol, c.Chain, m.wheel.MinDTE, m.wheel.MaxDTE)
	if err != nil {
		return nil, err
	}
	put, err := SelectPut(ch, m.now(), m.wheel)
	if err != nil {
		return nil, fmt.Errorf("select put for %s: %w", c.Symbol, err)
	}
	sized, err := m.size(ctx, domain.KindWheel, c.Symbol, domain.SecuredCapital(put.Strike, 1))
	if err != nil {
		return nil, err
	}
	last, err := m.store.LastCycle(ctx, c.Symbol)
	if err != nil {
		return nil, err
	}

	limit := cents(put.Mid())
	pos := &domain.Position{
		Kind:            domain.KindWheel,
		Symbol:          c.Symbol,
		LegKey:          domain.WheelLegKey(c.Symbol),
		ShortSymbol:     put.Symbol,
		ShortStrike:     put.Strike,
		Expiration:      put.Expiration,
		Contracts:       sized.Contracts,
		EntryCredit:     limit,
		ReservedCapital: domain.SecuredCapital(put.Strike, sized.Contracts),
		Cycle:           last + 1,
	}
	p, err := m.enter(ctx, entry{
		pos:    pos,
		intent: "sell_put",
		order: adapters.Order{
			Underlying:  c.Symbol,
			Legs:        []adapters.OrderLeg{{Symbol: put.Symbol, Side: adapters.SellToOpen}},
			Quantity:    sized.Contracts,
			LimitPrice:  limit,
			Credit:      true,
			TimeInForce: "day",
		},
		to: domain.StateSellingPut,
		onFill: func(p *domain.Position, st adapters.OrderStatus) {
			p.Contracts = st.FilledQty
			p.EntryCredit = st.AvgPrice
			p.CurrentMark = st.AvgPrice
			p.PremiumCollected += domain.PremiumDollars(st.AvgPrice, st.FilledQty)
			p.ReservedCapital = domain.SecuredCapital(p.ShortStrike, st.FilledQty)
		},
	})
	if err != nil {
		return nil, err
	}
	observ.Log("wheel_opened", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"contract":    p.ShortSymbol,
		"contracts":   p.Contracts,
		"credit":      p.EntryCredit,
		"cycle":       p.Cycle,
		"multiplier":  sized.Multiplier,
	})
	return p, nil
}

// HandleAssignment records the put assignment of p. Repeating it for the
// same contract is a no-op that returns applied=false.
func (m *Manager) HandleAssignment(ctx context.Context, p *domain.Position) (bool, *domain.Position, error) {
	applied, out, err := m.store.Transition(ctx, store.TransitionRequest{
		Kind:       domain.KindWheel,
		PositionID: p.ID,
		From:       domain.StateSellingPut,
		To:         domain.StateAssigned,
		Cause:      "put_assigned",
		EventKey:   fmt.Sprintf("assign:%s:%s", p.ID, p.ShortSymbol),
		Mutate: func(p *domain.Position) error {
			p.Shares = p.Contracts * domain.SharesPerContract
			p.AssignedStrike = p.ShortStrike
			p.CostBasis = domain.CostBasisAfterAssignment(p.ShortStrike, p.PremiumCollected, p.Shares)
			p.ShortSymbol = ""
			p.EntryCredit = 0
			p.CurrentMark = 0
			p.UnrealizedPnL = 0
			p.Expiration = time.Time{}
			return nil
		},
	})
	if err != nil {
		return false, nil, fmt.Errorf("record assignment of %s: %w", p.ID, err)
	}
	if applied {
		observ.Log("wheel_assigned", map[string]any{
			"position_id": out.ID,
			"symbol":      out.Symbol,
			"shares":      out.Shares,
			"cost_basis":  out.CostBasis,
		})
	}
	return applied, out, nil
}

// SellCall writes a covered call on an assigned wheel. The strike is always
// strictly above the cost basis.
func (m *Manager) SellCall(ctx context.Context, p *domain.Position) (*domain.Position, error) {
	if p.State != domain.StateAssigned && !(p.State == domain.StateSellingCall && !p.HasOpenOption()) {
		return nil, fmt.Errorf("%w: cannot sell a call on %s in %s", store.ErrStateConflict, p.ID, p.State)
	}
	if err := m.canOpen(); err != nil {
		return nil, err
	}
	contracts := p.Shares / domain.SharesPerContract
	if contracts < 1 {
		return nil, fmt.Errorf("%w: %s holds %d shares", store.ErrStateConflict, p.ID, p.Shares)
	}
	ch, err := m.chainFor(ctx, p.Symbol, nil, m.wheel.MinDTE, m.wheel.MaxDTE)
	if err != nil {
		return nil, err
	}
	call, err := SelectCall(ch, m.now(), p.CostBasis, m.wheel)
	if err != nil {
		return nil, fmt.Errorf("select call for %s above %.2f: %w", p.Symbol, p.CostBasis, err)
	}

	st, err := m.exec.Open(ctx, execution.Request{
		PositionID: p.ID,
		Kind:       domain.KindWheel,
		Symbol:     p.Symbol,
		Intent:     "sell_call",
		Attempt:    m.attempt(),
		Order: adapters.Order{
			Underlying:  p.Symbol,
			Legs:        []adapters.OrderLeg{{Symbol: call.Symbol, Side: adapters.SellToOpen}},
			Quantity:    contracts,
			LimitPrice:  cents(call.Mid()),
			Credit:      true,
			TimeInForce: "day",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sell call on %s: %w", p.Symbol, err)
	}

	_, out, err := m.persist(ctx, store.TransitionRequest{
		Kind:       domain.KindWheel,
		PositionID: p.ID,
		From:       p.State,
		To:         domain.StateSellingCall,
		Cause:      "call_sold",
		EventKey:   "fill:" + st.ID,
		Mutate: func(p *domain.Position) error {
			p.ShortSymbol = call.Symbol
			p.ShortStrike = call.Strike
			p.Expiration = call.Expiration
			p.Contracts = st.FilledQty
			p.EntryCredit = st.AvgPrice
			p.CurrentMark = st.AvgPrice
			p.PremiumCollected += domain.PremiumDollars(st.AvgPrice, st.FilledQty)
			return nil
		},
	})
	if err != nil {
		m.alert(ctx, alerts.SeverityCritical, "call filled but not recorded", p, err.Error())
		return nil, fmt.Errorf("record call on %s: %w", p.Symbol, err)
	}
	observ.Log("wheel_call_sold", map[string]any{
		"position_id": out.ID,
		"symbol":      out.Symbol,
		"contract":    out.ShortSymbol,
		"credit":      out.EntryCredit,
		"cost_basis":  out.CostBasis,
	})
	return out, nil
}

// MonitorWheel walks every open wheel: it detects assignment, expiry and
// call-away from broker holdings, refreshes marks, applies exit rules and
// writes calls on assigned shares.
func (m *Manager) MonitorWheel(ctx context.Context) (MonitorReport, error) {
	report := MonitorReport{Kind: domain.KindWheel}
	positions, err := m.store.OpenPositions(ctx, domain.KindWheel)
	if err != nil {
		return report, err
	}
	held, known := m.holdings(ctx)

	var contracts []string
	for _, p := range positions {
		if p.HasOpenOption() {
			contracts = append(contracts, p.ShortSymbol)
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
		moved, err := m.monitorWheel(ctx, p, held, known, marks)
		if err != nil {
			report.Errors++
			observ.Error("wheel_monitor_failed", err, map[string]any{"position_id": p.ID, "symbol": p.Symbol, "state": string(p.State)})
		}
		report.Transitions += moved
	}
	observ.SetGauge("open_positions", float64(len(positions)), map[string]string{"kind": string(domain.KindWheel)})
	return report, nil
}

func (m *Manager) monitorWheel(ctx context.Context, p *domain.Position, held map[string]adapters.BrokerPosition, known bool, marks map[string]float64) (int, error) {
	now := m.now()
	switch p.State {
	case domain.StateSellingPut:
		if known && held[p.ShortSymbol].Quantity >= 0 {
			switch {
			case held[p.Symbol].Quantity >= p.Contracts*domain.SharesPerContract:
				applied, out, err := m.HandleAssignment(ctx, p)
				if err != nil || !applied {
					return 0, err
				}
				if _, err := m.SellCall(ctx, out); err != nil {
					return 1, err
				}
				return 2, nil
			case p.DTE(now) < 0:
				return m.expirePut(ctx, p)
			default:
				observ.Warn("wheel_option_missing", map[string]any{"position_id": p.ID, "contract": p.ShortSymbol})
				return 0, nil
			}
		}
		return m.checkOptionExit(ctx, p, marks)

	case domain.StateAssigned:
		if _, err := m.SellCall(ctx, p); err != nil {
			return 0, err
		}
		return 1, nil

	case domain.StateSellingCall:
		if !p.HasOpenOption() {
			if _, err := m.SellCall(ctx, p); err != nil {
				return 0, err
			}
			return 1, nil
		}
		if known && held[p.ShortSymbol].Quantity >= 0 {
			switch {
			case held[p.Symbol].Quantity < p.Shares:
				return m.calledAway(ctx, p)
			case p.DTE(now) < 0:
				return m.expireCall(ctx, p)
			default:
				observ.Warn("wheel_option_missing", map[string]any{"position_id": p.ID, "contract": p.ShortSymbol})
				return 0, nil
			}
		}
		return m.checkOptionExit(ctx, p, marks)
	}
	return 0, nil
}

func (m *Manager) checkOptionExit(ctx context.Context, p *domain.Position, marks map[string]float64) (int, error) {
	mark, ok := marks[p.ShortSymbol]
	if !ok {
		return 0, nil
	}
	unrealized := domain.OptionClosePnL(p.EntryCredit, mark, p.Contracts)
	if err := m.store.UpdateMarks(ctx, domain.KindWheel, p.ID, mark, unrealized); err != nil {
		return 0, err
	}
	exit, ok := WheelOptionExit(p, mark, m.now(), m.wheel)
	if !ok {
		return 0, nil
	}
	return m.closeWheelOption(ctx, p, exit, mark)
}

func (m *Manager) closeWheelOption(ctx context.Context, p *domain.Position, exit Exit, mark float64) (int, error) {
	st, err := m.exec.Close(ctx, execution.Request{
		PositionID: p.ID,
		Kind:       domain.KindWheel,
		Symbol:     p.Symbol,
		Intent:     "buy_to_close",
		Attempt:    m.attempt(),
		Order: adapters.Order{
			Underlying:  p.Symbol,
			Legs:        []adapters.OrderLeg{{Symbol: p.ShortSymbol, Side: adapters.BuyToClose}},
			Quantity:    p.Contracts,
			LimitPrice:  debitLimit(mark),
			TimeInForce: "day",
		},
	})
	if err != nil {
		return 0, fmt.Errorf("close %s on %s: %w", p.ShortSymbol, p.Symbol, err)
	}
	if st.FilledQty != p.Contracts {
		m.markInconsistent(ctx, p, fmt.Sprintf("buy-to-close of %s filled %d of %d", p.ShortSymbol, st.FilledQty, p.Contracts))
		return 1, nil
	}

	cost := domain.PremiumDollars(st.AvgPrice, st.FilledQty)
	req := store.TransitionRequest{
		Kind:       domain.KindWheel,
		PositionID: p.ID,
		From:       p.State,
		To:         exit.To,
		Cause:      exit.Reason,
		EventKey:   "fill:" + st.ID,
	}
	if exit.To == domain.StateClosedEarly {
		req.Mutate = func(p *domain.Position) error {
			p.PremiumCollected -= cost
			p.CurrentMark = st.AvgPrice
			p.RealizedPnL = p.PremiumCollected
			p.ExitReason = exit.Reason
			return nil
		}
	} else {
		req.Cause = "call_closed_" + exit.Reason
		req.Mutate = func(p *domain.Position) error {
			p.PremiumCollected -= cost
			clearOption(p)
			return nil
		}
	}
	if _, _, err := m.persist(ctx, req); err != nil {
		m.alert(ctx, alerts.SeverityCritical, "close filled but not recorded", p,
			fmt.Sprintf("order %s filled %d @ %.2f: %v", st.ID, st.FilledQty, st.AvgPrice, err))
		return 0, err
	}
	observ.Log("wheel_option_closed", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"contract":    p.ShortSymbol,
		"reason":      exit.Reason,
		"close_cost":  st.AvgPrice,
	})
	return 1, nil
}

func (m *Manager) expirePut(ctx context.Context, p *domain.Position) (int, error) {
	applied, _, err := m.store.Transition(ctx, store.TransitionRequest{
		Kind:       domain.KindWheel,
		PositionID: p.ID,
		From:       domain.StateSellingPut,
		To:         domain.StateExpiredWorthless,
		Cause:      ReasonExpiredWorthless,
		EventKey:   fmt.Sprintf("expire:%s:%s", p.ID, p.ShortSymbol),
		Mutate: func(p *domain.Position) error {
			p.CurrentMark = 0
			p.RealizedPnL = p.PremiumCollected
			p.ExitReason = ReasonExpiredWorthless
			return nil
		},
	})
	if err != nil || !applied {
		return 0, err
	}
	return 1, nil
}

// expireCall loops SELLING_CALL onto itself when the call expires and the
// shares stay, then writes the next call.
func (m *Manager) expireCall(ctx context.Context, p *domain.Position) (int, error) {
	applied, out, err := m.store.Transition(ctx, store.TransitionRequest{
		Kind:       domain.KindWheel,
		PositionID: p.ID,
		From:       domain.StateSellingCall,
		To:         domain.StateSellingCall,
		Cause:      "call_expired",
		EventKey:   fmt.Sprintf("expire:%s:%s", p.ID, p.ShortSymbol),
		Mutate: func(p *domain.Position) error {
			clearOption(p)
			return nil
		},
	})
	if err != nil || !applied {
		return 0, err
	}
	if _, err := m.SellCall(ctx, out); err != nil {
		return 1, err
	}
	return 2, nil
}

func (m *Manager) calledAway(ctx context.Context, p *domain.Position) (int, error) {
	applied, out, err := m.store.Transition(ctx, store.TransitionRequest{
		Kind:       domain.KindWheel,
		PositionID: p.ID,
		From:       domain.StateSellingCall,
		To:         domain.StateCalledAway,
		Cause:      ReasonCalledAway,
		EventKey:   fmt.Sprintf("called_away:%s:%s", p.ID, p.ShortSymbol),
		Mutate: func(p *domain.Position) error {
			p.RealizedPnL = domain.CalledAwayPnL(p.PremiumCollected, p.AssignedStrike, p.ShortStrike, p.Shares)
			p.CurrentMark = 0
			p.ExitReason = ReasonCalledAway
			return nil
		},
	})
	if err != nil || !applied {
		return 0, err
	}
	observ.Log("wheel_called_away", map[string]any{
		"position_id":       out.ID,
		"symbol":            out.Symbol,
		"cycle":             out.Cycle,
		"premium_collected": out.PremiumCollected,
		"realized_pnl":      out.RealizedPnL,
	})
	return 1, nil
}

func clearOption(p *domain.Position) {
	p.ShortSymbol = ""
	p.EntryCredit = 0
	p.CurrentMark = 0
	p.UnrealizedPnL = 0
	p.Expiration = time.Time{}
}
