// Package portfolio builds the read-only status summary served by the
// control surface and the status command.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/observ"
)

// Ledger is the read side of the position store.
type Ledger interface {
	OpenPositions(ctx context.Context, kind domain.Kind) ([]*domain.Position, error)
	ClosedPositions(ctx context.Context, kind domain.Kind, limit int) ([]*domain.Position, error)
	ReservedCapital(ctx context.Context) (float64, error)
	CapitalCeiling() float64
}

// GateView reports trading-gate state.
type GateView interface {
	Status() map[string]any
}

// recentClosed bounds the closed positions folded into each kind's totals.
const recentClosed = 200

type PositionView struct {
	ID            string       `json:"id"`
	Kind          domain.Kind  `json:"kind"`
	Symbol        string       `json:"symbol"`
	State         domain.State `json:"state"`
	ShortSymbol   string       `json:"short_symbol,omitempty"`
	LongSymbol    string       `json:"long_symbol,omitempty"`
	Contracts     int          `json:"contracts"`
	Shares        int          `json:"shares,omitempty"`
	DTE           int          `json:"dte"`
	EntryCredit   float64      `json:"entry_credit"`
	CurrentMark   float64      `json:"current_mark"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	Premium       float64      `json:"premium_collected,omitempty"`
	Reserved      float64      `json:"reserved_capital"`
	Cycle         int          `json:"cycle"`
	Source        string       `json:"source"`
	OpenedAt      time.Time    `json:"opened_at"`
}

type KindSummary struct {
	Kind          domain.Kind    `json:"kind"`
	Open          int            `json:"open"`
	ByState       map[string]int `json:"by_state"`
	Reserved      float64        `json:"reserved_capital"`
	UnrealizedPnL float64        `json:"unrealized_pnl"`
	Closed        int            `json:"closed"`
	Wins          int            `json:"wins"`
	RealizedPnL   float64        `json:"realized_pnl"`
	WinRate       float64        `json:"win_rate"`
	Inconsistent  int            `json:"inconsistent"`
}

// Summary is one status snapshot. Version increases with each refresh.
type Summary struct {
	Version        int64          `json:"version"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CapitalCeiling float64        `json:"capital_ceiling"`
	Reserved       float64        `json:"reserved_capital"`
	Headroom       float64        `json:"headroom"`
	Gate           map[string]any `json:"gate,omitempty"`
	Kinds          []KindSummary  `json:"kinds"`
	Positions      []PositionView `json:"positions"`
}

// Manager refreshes summaries and persists the latest one to filePath when
// set.
type Manager struct {
	ledger   Ledger
	gate     GateView
	filePath string
	now      func() time.Time

	mu   sync.RWMutex
	last Summary
}

func NewManager(ledger Ledger, gate GateView, filePath string) *Manager {
	return &Manager{ledger: ledger, gate: gate, filePath: filePath, now: time.Now}
}

func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Refresh rebuilds the summary from the ledgers.
func (m *Manager) Refresh(ctx context.Context) (Summary, error) {
	now := m.now().UTC()
	s := Summary{UpdatedAt: now, CapitalCeiling: m.ledger.CapitalCeiling()}

	reserved, err := m.ledger.ReservedCapital(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read reserved capital: %w", err)
	}
	s.Reserved = reserved
	s.Headroom = s.CapitalCeiling - reserved
	if s.Headroom < 0 {
		s.Headroom = 0
	}
	if m.gate != nil {
		s.Gate = m.gate.Status()
	}

	for _, kind := range []domain.Kind{domain.KindWheel, domain.KindSpread} {
		open, err := m.ledger.OpenPositions(ctx, kind)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to read %s positions: %w", kind, err)
		}
		closed, err := m.ledger.ClosedPositions(ctx, kind, recentClosed)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to read closed %s positions: %w", kind, err)
		}
		ks := summarize(kind, open, closed)
		s.Kinds = append(s.Kinds, ks)
		for _, p := range open {
			s.Positions = append(s.Positions, view(p, now))
		}
		observ.SetGauge("open_positions", float64(ks.Open), map[string]string{"kind": string(kind)})
		observ.SetGauge("unrealized_pnl_dollars", ks.UnrealizedPnL, map[string]string{"kind": string(kind)})
	}
	observ.SetGauge("reserved_capital_dollars", reserved, nil)

	sort.Slice(s.Positions, func(i, j int) bool {
		if s.Positions[i].Kind != s.Positions[j].Kind {
			return s.Positions[i].Kind < s.Positions[j].Kind
		}
		return s.Positions[i].Symbol < s.Positions[j].Symbol
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version = m.last.Version + 1
	m.last = s
	if m.filePath != "" {
		if err := save(m.filePath, s); err != nil {
			observ.Error("status_snapshot_failed", err, map[string]any{"path": m.filePath})
		}
	}
	return s, nil
}

// Last returns the most recent summary without touching the ledgers.
func (m *Manager) Last() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Load reads a persisted snapshot.
func Load(path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read status snapshot: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("failed to unmarshal status snapshot: %w", err)
	}
	return s, nil
}

// save writes atomically via temp file + rename.
func save(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status snapshot: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp status snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename status snapshot: %w", err)
	}
	return nil
}

func summarize(kind domain.Kind, open, closed []*domain.Position) KindSummary {
	ks := KindSummary{Kind: kind, Open: len(open), ByState: map[string]int{}}
	for _, p := range open {
		ks.ByState[string(p.State)]++
		ks.Reserved += p.ReservedCapital
		ks.UnrealizedPnL += p.UnrealizedPnL
		if p.State == domain.StateInconsistent {
			ks.Inconsistent++
		}
	}
	for _, p := range closed {
		if p.State == domain.StateEntryFailed {
			continue
		}
		ks.Closed++
		ks.RealizedPnL += p.RealizedPnL
		if p.RealizedPnL > 0 {
			ks.Wins++
		}
	}
	if ks.Closed > 0 {
		ks.WinRate = float64(ks.Wins) / float64(ks.Closed)
	}
	return ks
}

func view(p *domain.Position, now time.Time) PositionView {
	return PositionView{
		ID:            p.ID,
		Kind:          p.Kind,
		Symbol:        p.Symbol,
		State:         p.State,
		ShortSymbol:   p.ShortSymbol,
		LongSymbol:    p.LongSymbol,
		Contracts:     p.Contracts,
		Shares:        p.Shares,
		DTE:           p.DTE(now),
		EntryCredit:   p.EntryCredit,
		CurrentMark:   p.CurrentMark,
		UnrealizedPnL: p.UnrealizedPnL,
		Premium:       p.PremiumCollected,
		Reserved:      p.ReservedCapital,
		Cycle:         p.Cycle,
		Source:        p.Source,
		OpenedAt:      p.OpenedAt,
	}
}
