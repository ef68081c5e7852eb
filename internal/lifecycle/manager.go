// Package lifecycle drives wheel and credit-spread positions through their
// state graphs: contract selection, entry, assignment, exits and expiry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/execution"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/risk"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

// persistTimeout bounds a ledger write that records an order outcome.
const persistTimeout = 30 * time.Second

var (
	// ErrTradingHalted means the trading gate refused a new entry.
	ErrTradingHalted = errors.New("trading halted")
	// ErrNotSized means the sizer returned zero contracts.
	ErrNotSized = errors.New("position not sized")
)

// Deps wires a Manager.
type Deps struct {
	Store    *store.Store
	Executor *execution.Executor
	Gateway  adapters.Gateway
	Gate     *risk.TradingGate
	Alerter  alerts.Alerter
	Config   config.Root
}

// Manager owns every order-producing decision about positions.
type Manager struct {
	store   *store.Store
	exec    *execution.Executor
	gateway adapters.Gateway
	gate    *risk.TradingGate
	alerter alerts.Alerter
	wheel   config.Wheel
	spread  config.Spread
	sizing  config.Sizing
	now     func() time.Time
}

func NewManager(d Deps) *Manager {
	al := d.Alerter
	if al == nil {
		al = alerts.LogAlerter{}
	}
	return &Manager{
		store:   d.Store,
		exec:    d.Executor,
		gateway: d.Gateway,
		gate:    d.Gate,
		alerter: al,
		wheel:   d.Config.Wheel,
		spread:  d.Config.Spread,
		sizing:  d.Config.Sizing,
		now:     time.Now,
	}
}

// SetClock replaces the time source; tests use it to step through expiries.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// MonitorReport summarizes one monitor pass.
type MonitorReport struct {
	Kind        domain.Kind `json:"kind"`
	Checked     int         `json:"checked"`
	Transitions int         `json:"transitions"`
	Errors      int         `json:"errors"`
}

// attempt distinguishes repeated non-entry orders for the same position so a
// retried close gets a fresh client order id.
func (m *Manager) attempt() int {
	return int(m.now().Unix())
}

func (m *Manager) canOpen() error {
	if m.gate == nil {
		return nil
	}
	if ok, reason := m.gate.CanTrade(risk.IntentOpen); !ok {
		return fmt.Errorf("%w: %s", ErrTradingHalted, reason)
	}
	return nil
}

// chainFor returns the candidate's chain when it covers the window, else
// fetches one.
func (m *Manager) chainFor(ctx context.Context, symbol string, have *adapters.Chain, minDTE, maxDTE int) (*adapters.Chain, error) {
	if have != nil && len(have.Contracts) > 0 {
		return have, nil
	}
	now := m.now()
	ch, err := m.gateway.GetChain(ctx, symbol, now.AddDate(0, 0, minDTE), now.AddDate(0, 0, maxDTE+1))
	if err != nil {
		return nil, fmt.Errorf("fetch chain for %s: %w", symbol, err)
	}
	return ch, nil
}

// size turns a per-contract capital need into a contract count, bounded by
// the capital ceiling and buying power.
func (m *Manager) size(ctx context.Context, kind domain.Kind, symbol string, unit float64) (risk.SizingResult, error) {
	acct, err := m.exec.Account(ctx)
	if err != nil {
		return risk.SizingResult{}, err
	}
	reserved, err := m.store.ReservedCapital(ctx)
	if err != nil {
		return risk.SizingResult{}, err
	}
	perf, err := m.store.Performance(ctx, kind, symbol)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return risk.SizingResult{}, err
	}
	available := math.Min(m.store.CapitalCeiling()-reserved, acct.BuyingPower)
	res := risk.SizePosition(risk.SizingInput{
		Symbol:      symbol,
		UnitCapital: unit,
		Equity:      acct.Equity,
		Available:   available,
		Performance: perf,
	}, m.sizing)
	if res.Contracts < 1 {
		return res, fmt.Errorf("%w: %s (%s)", ErrNotSized, symbol, res.Reason)
	}
	return res, nil
}

// entry is one reservation plus the order that fills it.
type entry struct {
	pos    *domain.Position
	intent string
	order  adapters.Order
	to     domain.State
	marks  map[string]float64
	onFill func(p *domain.Position, st adapters.OrderStatus)
}

// enter reserves the position, submits the entry order and records the
// outcome. A failed entry is archived as ENTRY_FAILED; a one-sided fill that
// cannot be unwound leaves the position INCONSISTENT.
func (m *Manager) enter(ctx context.Context, e entry) (*domain.Position, error) {
	if err := m.store.Reserve(ctx, e.pos); err != nil {
		return nil, fmt.Errorf("reserve %s %s: %w", e.pos.Kind, e.pos.Symbol, err)
	}
	req := execution.Request{
		PositionID: e.pos.ID,
		Kind:       e.pos.Kind,
		Symbol:     e.pos.Symbol,
		Intent:     e.intent,
		Order:      e.order,
	}
	st, err := m.exec.Open(ctx, req)
	if err != nil {
		return m.entryFailed(ctx, e, req, err)
	}

	_, p, err := m.persist(ctx, store.TransitionRequest{
		Kind:       e.pos.Kind,
		PositionID: e.pos.ID,
		From:       domain.StatePendingEntry,
		To:         e.to,
		Cause:      "entry_filled",
		EventKey:   "fill:" + st.ID,
		Mutate: func(p *domain.Position) error {
			e.onFill(p, st)
			return nil
		},
	})
	if err != nil {
		m.alert(ctx, alerts.SeverityCritical, "entry filled but not recorded", e.pos,
			fmt.Sprintf("order %s filled %d @ %.2f: %v", st.ID, st.FilledQty, st.AvgPrice, err))
		return nil, fmt.Errorf("record entry fill for %s: %w", e.pos.Symbol, err)
	}
	observ.IncCounter("positions_opened_total", map[string]string{"kind": string(p.Kind)})
	return p, nil
}

func (m *Manager) entryFailed(ctx context.Context, e entry, req execution.Request, cause error) (*domain.Position, error) {
	reason := ReasonEntryFailed
	var mismatch *execution.LegMismatchError
	if errors.As(cause, &mismatch) {
		if cerr := m.exec.Compensate(context.WithoutCancel(ctx), req, mismatch.Filled, e.marks); cerr != nil {
			_, p, terr := m.persist(ctx, store.TransitionRequest{
				Kind:       e.pos.Kind,
				PositionID: e.pos.ID,
				From:       domain.StatePendingEntry,
				To:         domain.StateInconsistent,
				Cause:      ReasonCompensationFailed,
				Mutate: func(p *domain.Position) error {
					p.Notes = fmt.Sprintf("%v; %v", cause, cerr)
					return nil
				},
			})
			if terr != nil {
				observ.Error("inconsistent_transition_failed", terr, map[string]any{"position_id": e.pos.ID})
			}
			m.alert(ctx, alerts.SeverityCritical, "position inconsistent", e.pos,
				fmt.Sprintf("leg mismatch could not be unwound: %v", cerr))
			return p, fmt.Errorf("open %s: %w", e.pos.Symbol, cause)
		}
		reason = ReasonCompensated
	}

	_, _, terr := m.persist(ctx, store.TransitionRequest{
		Kind:       e.pos.Kind,
		PositionID: e.pos.ID,
		From:       domain.StatePendingEntry,
		To:         domain.StateEntryFailed,
		Cause:      reason,
		Mutate: func(p *domain.Position) error {
			p.ExitReason = reason
			p.Notes = cause.Error()
			return nil
		},
	})
	if terr != nil {
		observ.Error("entry_failed_transition_failed", terr, map[string]any{"position_id": e.pos.ID})
	}
	observ.Warn("entry_failed", map[string]any{
		"position_id": e.pos.ID,
		"symbol":      e.pos.Symbol,
		"kind":        string(e.pos.Kind),
		"reason":      reason,
		"error":       cause.Error(),
	})
	observ.IncCounter("entries_failed_total", map[string]string{"kind": string(e.pos.Kind), "reason": reason})
	return nil, fmt.Errorf("open %s: %w", e.pos.Symbol, cause)
}

// markInconsistent parks a position outside automation and raises an alert.
func (m *Manager) markInconsistent(ctx context.Context, p *domain.Position, cause string) {
	_, _, err := m.persist(ctx, store.TransitionRequest{
		Kind:       p.Kind,
		PositionID: p.ID,
		From:       p.State,
		To:         domain.StateInconsistent,
		Cause:      cause,
		Mutate: func(p *domain.Position) error {
			p.Notes = cause
			return nil
		},
	})
	if err != nil {
		observ.Error("inconsistent_transition_failed", err, map[string]any{"position_id": p.ID})
	}
	m.alert(ctx, alerts.SeverityCritical, "position inconsistent", p, cause)
}

// persist applies a transition that records what the broker did. It runs
// detached from ctx so a cancelled cycle still records a filled order.
func (m *Manager) persist(ctx context.Context, req store.TransitionRequest) (bool, *domain.Position, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return m.store.Transition(pctx, req)
}

func (m *Manager) alert(ctx context.Context, sev alerts.Severity, title string, p *domain.Position, msg string) {
	a := alerts.Alert{Severity: sev, Title: title, Message: msg, Timestamp: m.now().UTC()}
	if p != nil {
		a.Symbol = p.Symbol
		a.PositionID = p.ID
	}
	m.alerter.Send(ctx, a)
}

// optionMarks fetches marks for the given contracts. Missing marks are
// simply absent from the result.
func (m *Manager) optionMarks(ctx context.Context, symbols []string) map[string]float64 {
	out := map[string]float64{}
	if len(symbols) == 0 {
		return out
	}
	quotes, err := m.gateway.GetOptionQuotes(ctx, symbols)
	if err != nil {
		observ.Warn("option_marks_unavailable", map[string]any{"contracts": len(symbols), "error": err.Error()})
		return out
	}
	for sym, q := range quotes {
		mark := q.Mark
		if mark <= 0 && q.Bid > 0 && q.Ask > 0 {
			mark = (q.Bid + q.Ask) / 2
		}
		if mark > 0 {
			out[sym] = mark
		}
	}
	return out
}

// holdings indexes broker positions by symbol. ok is false when the broker
// could not be read, in which case broker-derived events are skipped.
func (m *Manager) holdings(ctx context.Context) (map[string]adapters.BrokerPosition, bool) {
	list, err := m.exec.Positions(ctx)
	if err != nil {
		observ.Error("broker_holdings_unavailable", err, nil)
		return nil, false
	}
	out := make(map[string]adapters.BrokerPosition, len(list))
	for _, h := range list {
		out[h.Symbol] = h
	}
	return out, true
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}

// debitLimit rounds a buy-back price up to the next cent.
func debitLimit(v float64) float64 {
	return math.Max(math.Ceil(v*100-1e-6)/100, 0.01)
}
