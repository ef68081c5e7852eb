package portfolio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/premium-engine/internal/domain"
)

type fakeLedger struct {
	open     map[domain.Kind][]*domain.Position
	closed   map[domain.Kind][]*domain.Position
	reserved float64
	ceiling  float64
}

func (f *fakeLedger) OpenPositions(_ context.Context, kind domain.Kind) ([]*domain.Position, error) {
	return f.open[kind], nil
}

func (f *fakeLedger) ClosedPositions(_ context.Context, kind domain.Kind, _ int) ([]*domain.Position, error) {
	return f.closed[kind], nil
}

func (f *fakeLedger) ReservedCapital(context.Context) (float64, error) {
	return f.reserved, nil
}

func (f *fakeLedger) CapitalCeiling() float64 {
	return f.ceiling
}

type fakeGate struct{}

func (fakeGate) Status() map[string]any {
	return map[string]any{"state": "TRADING"}
}

func TestRefresh_AggregatesAndPersists(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	exp := now.AddDate(0, 0, 30)
	ledger := &fakeLedger{
		open: map[domain.Kind][]*domain.Position{
			domain.KindSpread: {
				{ID: "s1", Kind: domain.KindSpread, Symbol: "SOFI", State: domain.StateOpen, Expiration: exp, ReservedCapital: 800, UnrealizedPnL: 120},
				{ID: "s2", Kind: domain.KindSpread, Symbol: "AMD", State: domain.StateInconsistent, Expiration: exp, ReservedCapital: 400},
			},
			domain.KindWheel: {
				{ID: "w1", Kind: domain.KindWheel, Symbol: "F", State: domain.StateSellingPut, Expiration: exp, ReservedCapital: 1200, UnrealizedPnL: -30},
			},
		},
		closed: map[domain.Kind][]*domain.Position{
			domain.KindSpread: {
				{State: domain.StateClosedProfitTarget, RealizedPnL: 400},
				{State: domain.StateExpired, RealizedPnL: -250},
				{State: domain.StateEntryFailed},
			},
		},
		reserved: 2400,
		ceiling:  50000,
	}
	path := filepath.Join(t.TempDir(), "status.json")
	m := NewManager(ledger, fakeGate{}, path)
	m.SetClock(func() time.Time { return now })

	s, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, 47600.0, s.Headroom)
	assert.Equal(t, "TRADING", s.Gate["state"])
	require.Len(t, s.Kinds, 2)

	spreads := s.Kinds[1]
	assert.Equal(t, domain.KindSpread, spreads.Kind)
	assert.Equal(t, 2, spreads.Open)
	assert.Equal(t, 1, spreads.Inconsistent)
	assert.Equal(t, 2, spreads.Closed)
	assert.Equal(t, 150.0, spreads.RealizedPnL)
	assert.Equal(t, 0.5, spreads.WinRate)
	assert.Equal(t, 1200.0, spreads.Reserved)

	require.Len(t, s.Positions, 3)
	assert.Equal(t, "AMD", s.Positions[0].Symbol)
	assert.Equal(t, 30, s.Positions[0].DTE)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, s.Version, loaded.Version)
	assert.Len(t, loaded.Positions, 3)

	s, err = m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version)
	assert.Equal(t, int64(2), m.Last().Version)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
