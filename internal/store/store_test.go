package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
)

func openTestStore(t *testing.T, ceiling float64) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.Store{Dir: t.TempDir(), CapitalCeiling: ceiling})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func spread(symbol string, reserved float64) *domain.Position {
	return &domain.Position{
		Kind:            domain.KindSpread,
		Symbol:          symbol,
		LegKey:          domain.SpreadLegKey(symbol+"P30", symbol+"P25"),
		ShortStrike:     30,
		LongStrike:      25,
		Expiration:      time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		Contracts:       1,
		ReservedCapital: reserved,
	}
}

func TestReserve_ConcurrentSameSymbolAdmitsOne(t *testing.T) {
	s := openTestStore(t, 1_000_000)
	ctx := context.Background()

	const workers = 12
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Reserve(ctx, spread("SOFI", 500))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicatePosition)
	}
	assert.Equal(t, 1, ok)

	open, err := s.OpenPositions(ctx, domain.KindSpread)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestReserve_SameSymbolDifferentKindsAllowed(t *testing.T) {
	s := openTestStore(t, 1_000_000)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, spread("F", 500)))
	wheel := &domain.Position{Kind: domain.KindWheel, Symbol: "F", LegKey: domain.WheelLegKey("F"), ReservedCapital: 1200}
	require.NoError(t, s.Reserve(ctx, wheel))
}

func TestReserve_CapitalCeiling(t *testing.T) {
	s := openTestStore(t, 5000)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, spread("AAA", 3000)))
	wheel := &domain.Position{Kind: domain.KindWheel, Symbol: "BBB", LegKey: domain.WheelLegKey("BBB"), ReservedCapital: 2500}
	err := s.Reserve(ctx, wheel)
	assert.ErrorIs(t, err, ErrCapitalCeiling, "ceiling spans both ledgers")

	require.NoError(t, s.Reserve(ctx, spread("CCC", 2000)))
	total, err := s.ReservedCapital(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, total)

	imported := spread("DDD", 1000)
	imported.State = domain.StateOpen
	require.NoError(t, s.Import(ctx, imported), "imports bypass the ceiling")
}

func TestReserve_ConcurrentCeilingNeverExceeded(t *testing.T) {
	s := openTestStore(t, 4000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Reserve(ctx, spread(fmt.Sprintf("S%02d", i), 1000))
		}(i)
	}
	wg.Wait()

	total, err := s.ReservedCapital(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4000.0, total)
}

func TestTransition_IdempotentByEventKey(t *testing.T) {
	s := openTestStore(t, 100_000)
	ctx := context.Background()

	p := &domain.Position{Kind: domain.KindWheel, Symbol: "SOFI", LegKey: domain.WheelLegKey("SOFI"), ReservedCapital: 3000}
	require.NoError(t, s.Reserve(ctx, p))
	_, _, err := s.Transition(ctx, TransitionRequest{
		Kind: domain.KindWheel, PositionID: p.ID,
		From: domain.StatePendingEntry, To: domain.StateSellingPut, Cause: "entry_filled",
		Mutate: func(p *domain.Position) error {
			p.ShortStrike = 30
			p.Contracts = 1
			p.PremiumCollected = 175
			return nil
		},
	})
	require.NoError(t, err)

	assign := TransitionRequest{
		Kind: domain.KindWheel, PositionID: p.ID,
		From: domain.StateSellingPut, To: domain.StateAssigned, Cause: "assignment",
		EventKey: "assign:" + p.ID + ":SOFI260116P00030000",
		Mutate: func(p *domain.Position) error {
			p.Shares += 100
			p.CostBasis = domain.CostBasisAfterAssignment(p.ShortStrike, p.PremiumCollected, p.Shares)
			return nil
		},
	}
	applied, got, err := s.Transition(ctx, assign)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 100, got.Shares)

	for i := 0; i < 5; i++ {
		applied, got, err = s.Transition(ctx, assign)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 100, got.Shares)
		assert.Equal(t, domain.StateAssigned, got.State)
	}

	seen, err := s.HasEvent(ctx, domain.KindWheel, assign.EventKey)
	require.NoError(t, err)
	assert.True(t, seen)

	trail, err := s.Transitions(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, domain.StatePendingEntry, trail[0].To)
	assert.Equal(t, domain.StateAssigned, trail[2].To)
}

func TestTransition_StateConflict(t *testing.T) {
	s := openTestStore(t, 100_000)
	ctx := context.Background()

	p := spread("F", 500)
	require.NoError(t, s.Reserve(ctx, p))

	_, _, err := s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: p.ID,
		From: domain.StateOpen, To: domain.StateClosedProfitTarget, Cause: "test"})
	assert.ErrorIs(t, err, ErrStateConflict)

	_, _, err = s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: p.ID,
		From: domain.StatePendingEntry, To: domain.StateExpired, Cause: "test"})
	assert.ErrorIs(t, err, ErrStateConflict, "edge not in graph")

	_, _, err = s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: "missing",
		From: domain.StatePendingEntry, To: domain.StateOpen})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransition_MutateErrorLeavesState(t *testing.T) {
	s := openTestStore(t, 100_000)
	ctx := context.Background()

	p := spread("F", 500)
	require.NoError(t, s.Reserve(ctx, p))
	_, _, err := s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: p.ID,
		From: domain.StatePendingEntry, To: domain.StateOpen,
		Mutate: func(*domain.Position) error { return errors.New("boom") }})
	require.Error(t, err)

	got, err := s.Get(ctx, domain.KindSpread, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingEntry, got.State)
}

func TestTransition_TerminalArchivesAndRecordsPerformance(t *testing.T) {
	s := openTestStore(t, 100_000)
	ctx := context.Background()
	closedAt := time.Date(2025, 12, 1, 15, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return closedAt })

	p := spread("SOFI", 500)
	require.NoError(t, s.Reserve(ctx, p))
	_, _, err := s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: p.ID,
		From: domain.StatePendingEntry, To: domain.StateOpen, Cause: "entry_filled",
		Mutate: func(p *domain.Position) error { p.EntryCredit = 1.50; return nil }})
	require.NoError(t, err)

	_, _, err = s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: p.ID,
		From: domain.StateOpen, To: domain.StateClosedProfitTarget, Cause: "profit_target"})
	assert.ErrorIs(t, err, ErrStateConflict, "exit reason is mandatory")

	applied, closed, err := s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: p.ID,
		From: domain.StateOpen, To: domain.StateClosedProfitTarget, Cause: "profit_target",
		Mutate: func(p *domain.Position) error {
			p.RealizedPnL = domain.OptionClosePnL(p.EntryCredit, 0.70, p.Contracts)
			p.ExitReason = "profit_target"
			return nil
		}})
	require.NoError(t, err)
	assert.True(t, applied)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, 80.0, closed.RealizedPnL)

	open, err := s.OpenPositions(ctx, domain.KindSpread)
	require.NoError(t, err)
	assert.Empty(t, open)

	archived, err := s.ClosedPositions(ctx, domain.KindSpread, 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, domain.StateClosedProfitTarget, archived[0].State)
	assert.Equal(t, "profit_target", archived[0].ExitReason)
	assert.Equal(t, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), archived[0].Expiration)

	perf, err := s.Performance(ctx, domain.KindSpread, "SOFI")
	require.NoError(t, err)
	assert.Equal(t, 1, perf.Trades)
	assert.Equal(t, 1, perf.Wins)
	assert.Equal(t, 80.0, perf.CumulativePnL)
	assert.True(t, perf.LastClosedAt.Equal(closedAt))

	_, err = s.Performance(ctx, domain.KindWheel, "SOFI")
	assert.ErrorIs(t, err, ErrNotFound)

	total, err := s.ReservedCapital(ctx)
	require.NoError(t, err)
	assert.Zero(t, total, "closing frees the reservation")

	require.NoError(t, s.Reserve(ctx, spread("SOFI", 500)), "symbol is free again")
}

func TestTransition_EntryFailedSkipsPerformance(t *testing.T) {
	s := openTestStore(t, 100_000)
	ctx := context.Background()

	p := spread("F", 500)
	require.NoError(t, s.Reserve(ctx, p))
	_, _, err := s.Transition(ctx, TransitionRequest{Kind: domain.KindSpread, PositionID: p.ID,
		From: domain.StatePendingEntry, To: domain.StateEntryFailed, Cause: "order_rejected",
		Mutate: func(p *domain.Position) error { p.ExitReason = "entry_failed"; return nil }})
	require.NoError(t, err)

	_, err = s.Performance(ctx, domain.KindSpread, "F")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMarksAndLastCycle(t *testing.T) {
	s := openTestStore(t, 100_000)
	ctx := context.Background()

	p := &domain.Position{Kind: domain.KindWheel, Symbol: "F", LegKey: domain.WheelLegKey("F"), Cycle: 2}
	require.NoError(t, s.Reserve(ctx, p))
	require.NoError(t, s.UpdateMarks(ctx, domain.KindWheel, p.ID, 0.42, 33))

	got, err := s.Get(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.42, got.CurrentMark)
	assert.Equal(t, 33.0, got.UnrealizedPnL)

	assert.ErrorIs(t, s.UpdateMarks(ctx, domain.KindWheel, "nope", 1, 1), ErrNotFound)

	cycle, err := s.LastCycle(ctx, "F")
	require.NoError(t, err)
	assert.Equal(t, 2, cycle)

	cycle, err = s.LastCycle(ctx, "ZZZ")
	require.NoError(t, err)
	assert.Zero(t, cycle)

	require.NoError(t, s.Ping(ctx))
}
