// Package reconcile aligns the local ledgers with broker holdings: unknown
// spreads and wheels are imported, local positions missing at the broker are
// reported as drift.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

// HoldingsSource lists broker positions.
type HoldingsSource interface {
	Positions(ctx context.Context) ([]adapters.BrokerPosition, error)
}

// Drift is a local position none of whose legs exist at the broker.
type Drift struct {
	PositionID string       `json:"position_id"`
	Kind       domain.Kind  `json:"kind"`
	Symbol     string       `json:"symbol"`
	State      domain.State `json:"state"`
	Legs       []string     `json:"legs"`
}

// Report is the outcome of one reconciliation.
type Report struct {
	Imported  int       `json:"imported"`
	Spreads   int       `json:"spreads"`
	Wheels    int       `json:"wheels"`
	Drift     []Drift   `json:"drift"`
	Unmatched []string  `json:"unmatched"`
	At        time.Time `json:"at"`
}

type Service struct {
	store       *store.Store
	source      HoldingsSource
	alerter     alerts.Alerter
	creditRatio float64
	now         func() time.Time
}

func NewService(st *store.Store, source HoldingsSource, alerter alerts.Alerter, cfg config.Spread) *Service {
	if alerter == nil {
		alerter = alerts.LogAlerter{}
	}
	ratio := cfg.ImportCreditRatio
	if ratio <= 0 {
		ratio = 0.20
	}
	return &Service{store: st, source: source, alerter: alerter, creditRatio: ratio, now: time.Now}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Run reads holdings and both ledgers, then reconciles them. Callers log the
// error; it is never fatal.
func (s *Service) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	holdings, err := s.source.Positions(ctx)
	if err != nil {
		observ.IncCounter("reconcile_runs_total", map[string]string{"result": "error"})
		return Report{}, fmt.Errorf("reconcile: %w", err)
	}
	var local []*domain.Position
	for _, kind := range []domain.Kind{domain.KindWheel, domain.KindSpread} {
		open, err := s.store.OpenPositions(ctx, kind)
		if err != nil {
			observ.IncCounter("reconcile_runs_total", map[string]string{"result": "error"})
			return Report{}, fmt.Errorf("reconcile: %w", err)
		}
		local = append(local, open...)
	}
	report, err := s.Reconcile(ctx, holdings, local)
	result := "ok"
	if err != nil {
		result = "error"
	}
	observ.IncCounter("reconcile_runs_total", map[string]string{"result": result})
	observ.RecordDuration("reconcile", time.Since(start), nil)
	return report, err
}

type optionLeg struct {
	occ     adapters.OCCSymbol
	symbol  string
	qty     int
	avgCost float64
}

// Reconcile imports broker exposure unknown to local and reports local
// positions absent at the broker.
func (s *Service) Reconcile(ctx context.Context, holdings []adapters.BrokerPosition, local []*domain.Position) (Report, error) {
	report := Report{At: s.now().UTC()}

	known := map[string]bool{}
	wheelSymbols := map[string]bool{}
	for _, p := range local {
		for _, leg := range legs(p) {
			known[leg] = true
		}
		if p.Kind == domain.KindWheel {
			wheelSymbols[p.Symbol] = true
		}
	}

	held := map[string]adapters.BrokerPosition{}
	type groupKey struct {
		root string
		exp  time.Time
	}
	groups := map[groupKey][]optionLeg{}
	shortCalls := map[string][]optionLeg{}
	var stocks []adapters.BrokerPosition
	for _, h := range holdings {
		occ, err := adapters.ParseOCC(h.Symbol)
		if err != nil {
			sym := strings.ToUpper(strings.TrimSpace(h.Symbol))
			held[sym] = h
			if !wheelSymbols[sym] && h.Quantity >= domain.SharesPerContract {
				stocks = append(stocks, h)
			}
			continue
		}
		sym := occ.String()
		held[sym] = h
		if known[sym] {
			continue
		}
		leg := optionLeg{occ: occ, symbol: sym, qty: h.Quantity, avgCost: h.AvgEntryPrice}
		switch {
		case occ.Type == adapters.Put:
			k := groupKey{occ.Root, occ.Expiration}
			groups[k] = append(groups[k], leg)
		case occ.Type == adapters.Call && h.Quantity < 0:
			shortCalls[occ.Root] = append(shortCalls[occ.Root], leg)
		default:
			report.Unmatched = append(report.Unmatched, sym)
		}
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].root != keys[j].root {
			return keys[i].root < keys[j].root
		}
		return keys[i].exp.Before(keys[j].exp)
	})

	var errs []error
	for _, k := range keys {
		var shorts, longs []optionLeg
		for _, l := range groups[k] {
			if l.qty < 0 {
				shorts = append(shorts, l)
			} else {
				longs = append(longs, l)
			}
		}
		switch {
		case len(shorts) == 1 && len(longs) == 1 && shorts[0].occ.Strike > longs[0].occ.Strike:
			if err := s.importSpread(ctx, shorts[0], longs[0], &report); err != nil {
				errs = append(errs, err)
			}
		case len(shorts) == 1 && len(longs) == 0 && !wheelSymbols[k.root]:
			if err := s.importPut(ctx, shorts[0], &report); err != nil {
				errs = append(errs, err)
			}
		default:
			for _, l := range groups[k] {
				report.Unmatched = append(report.Unmatched, l.symbol)
			}
		}
	}

	for _, h := range stocks {
		root := strings.ToUpper(strings.TrimSpace(h.Symbol))
		var call *optionLeg
		if calls := shortCalls[root]; len(calls) == 1 {
			call = &calls[0]
			delete(shortCalls, root)
		}
		if err := s.importShares(ctx, h, call, &report); err != nil {
			errs = append(errs, err)
		}
	}
	for _, calls := range shortCalls {
		for _, l := range calls {
			report.Unmatched = append(report.Unmatched, l.symbol)
		}
	}
	sort.Strings(report.Unmatched)

	now := s.now()
	for _, p := range local {
		if d, ok := drift(p, held, now); ok {
			report.Drift = append(report.Drift, d)
		}
	}
	for _, d := range report.Drift {
		observ.Warn("reconcile_drift", map[string]any{"position_id": d.PositionID, "symbol": d.Symbol, "state": string(d.State), "legs": d.Legs})
		s.alerter.Send(ctx, alerts.Alert{
			Severity:   alerts.SeverityWarning,
			Title:      "position missing at broker",
			Symbol:     d.Symbol,
			PositionID: d.PositionID,
			Message:    fmt.Sprintf("%s %s in %s has no broker legs: %s", d.Kind, d.Symbol, d.State, strings.Join(d.Legs, ", ")),
		})
	}
	observ.SetGauge("reconcile_drift_positions", float64(len(report.Drift)), nil)
	observ.Log("reconcile_completed", map[string]any{
		"imported":  report.Imported,
		"spreads":   report.Spreads,
		"wheels":    report.Wheels,
		"drift":     len(report.Drift),
		"unmatched": len(report.Unmatched),
	})
	return report, errors.Join(errs...)
}

func (s *Service) importSpread(ctx context.Context, short, long optionLeg, report *Report) error {
	contracts := -short.qty
	if long.qty < contracts {
		contracts = long.qty
	}
	width := short.occ.Strike - long.occ.Strike
	credit := short.avgCost - long.avgCost
	if short.avgCost <= 0 || long.avgCost <= 0 || credit <= 0 || credit >= width {
		credit = width * s.creditRatio
	}
	credit = math.Round(credit*100) / 100
	p := &domain.Position{
		Kind:            domain.KindSpread,
		Symbol:          short.occ.Root,
		State:           domain.StateOpen,
		LegKey:          domain.SpreadLegKey(short.symbol, long.symbol),
		ShortSymbol:     short.symbol,
		LongSymbol:      long.symbol,
		ShortStrike:     short.occ.Strike,
		LongStrike:      long.occ.Strike,
		Expiration:      short.occ.Expiration,
		Contracts:       contracts,
		EntryCredit:     credit,
		CurrentMark:     credit,
		ReservedCapital: domain.SpreadMaxRisk(short.occ.Strike, long.occ.Strike, credit, contracts),
		Cycle:           1,
		Notes:           "imported from broker",
	}
	return s.record(ctx, p, report, &report.Spreads)
}

func (s *Service) importPut(ctx context.Context, short optionLeg, report *Report) error {
	contracts := -short.qty
	p := &domain.Position{
		Kind:             domain.KindWheel,
		Symbol:           short.occ.Root,
		State:            domain.StateSellingPut,
		LegKey:           domain.WheelLegKey(short.occ.Root),
		ShortSymbol:      short.symbol,
		ShortStrike:      short.occ.Strike,
		Expiration:       short.occ.Expiration,
		Contracts:        contracts,
		EntryCredit:      short.avgCost,
		CurrentMark:      short.avgCost,
		PremiumCollected: domain.PremiumDollars(short.avgCost, contracts),
		ReservedCapital:  domain.SecuredCapital(short.occ.Strike, contracts),
		Cycle:            1,
		Notes:            "imported from broker",
	}
	return s.record(ctx, p, report, &report.Wheels)
}

// importShares turns an unknown round-lot stock holding into an assigned
// wheel, or a call-writing one when a short call on it exists.
func (s *Service) importShares(ctx context.Context, h adapters.BrokerPosition, call *optionLeg, report *Report) error {
	root := strings.ToUpper(strings.TrimSpace(h.Symbol))
	shares := h.Quantity / domain.SharesPerContract * domain.SharesPerContract
	p := &domain.Position{
		Kind:            domain.KindWheel,
		Symbol:          root,
		State:           domain.StateAssigned,
		LegKey:          domain.WheelLegKey(root),
		Shares:          shares,
		Contracts:       shares / domain.SharesPerContract,
		CostBasis:       h.AvgEntryPrice,
		AssignedStrike:  h.AvgEntryPrice,
		ReservedCapital: h.AvgEntryPrice * float64(shares),
		Cycle:           1,
		Notes:           "imported from broker",
	}
	if call != nil {
		p.State = domain.StateSellingCall
		p.ShortSymbol = call.symbol
		p.ShortStrike = call.occ.Strike
		p.Expiration = call.occ.Expiration
		p.Contracts = -call.qty
		p.EntryCredit = call.avgCost
		p.CurrentMark = call.avgCost
		p.PremiumCollected = domain.PremiumDollars(call.avgCost, -call.qty)
	}
	return s.record(ctx, p, report, &report.Wheels)
}

func (s *Service) record(ctx context.Context, p *domain.Position, report *Report, counter *int) error {
	if err := s.store.Import(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicatePosition) {
			observ.Warn("reconcile_import_conflict", map[string]any{"symbol": p.Symbol, "kind": string(p.Kind), "legs": p.LegKey})
			report.Unmatched = append(report.Unmatched, p.LegKey)
			return nil
		}
		return fmt.Errorf("import %s %s: %w", p.Kind, p.Symbol, err)
	}
	report.Imported++
	*counter++
	observ.Log("reconcile_imported", map[string]any{
		"position_id": p.ID,
		"kind":        string(p.Kind),
		"symbol":      p.Symbol,
		"state":       string(p.State),
		"legs":        p.LegKey,
		"contracts":   p.Contracts,
		"credit":      p.EntryCredit,
	})
	return nil
}

// legs returns the broker symbols a local position expects to see.
func legs(p *domain.Position) []string {
	var out []string
	if p.ShortSymbol != "" {
		out = append(out, normalize(p.ShortSymbol))
	}
	if p.LongSymbol != "" {
		out = append(out, normalize(p.LongSymbol))
	}
	if p.Kind == domain.KindWheel && p.Shares > 0 {
		out = append(out, p.Symbol)
	}
	return out
}

func normalize(symbol string) string {
	if occ, err := adapters.ParseOCC(symbol); err == nil {
		return occ.String()
	}
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// drift reports a position whose every leg is absent at the broker. Pending
// entries and positions past expiration are left to the lifecycle monitor.
func drift(p *domain.Position, held map[string]adapters.BrokerPosition, now time.Time) (Drift, bool) {
	if p.State == domain.StatePendingEntry {
		return Drift{}, false
	}
	if !p.Expiration.IsZero() && p.DTE(now) < 0 {
		return Drift{}, false
	}
	expected := legs(p)
	if p.Kind == domain.KindWheel && p.State == domain.StateSellingPut {
		// an assigned put shows up as shares
		expected = append(expected, p.Symbol)
	}
	if len(expected) == 0 {
		return Drift{}, false
	}
	for _, leg := range expected {
		if h, ok := held[leg]; ok && h.Quantity != 0 {
			return Drift{}, false
		}
	}
	return Drift{PositionID: p.ID, Kind: p.Kind, Symbol: p.Symbol, State: p.State, Legs: expected}, true
}
