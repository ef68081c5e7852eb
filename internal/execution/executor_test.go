package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/outbox"
	"github.com/Rajchodisetti/premium-engine/internal/resilience"
)

const (
	shortPut = "SOFI260116P00030000"
	longPut  = "SOFI260116P00025000"
)

func testExecutor(t *testing.T, broker adapters.Broker, trip uint32) (*Executor, *outbox.Outbox) {
	t.Helper()
	journal, err := outbox.New(filepath.Join(t.TempDir(), "orders.jsonl"), 300)
	require.NoError(t, err)
	guard := resilience.NewGuard(resilience.Policy{
		Name:           "broker",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		TripThreshold:  trip,
		CoolDown:       time.Hour,
	}, nil)
	exec := NewExecutor(broker, guard, journal, Config{
		FillTimeout:          100 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		CompensationAttempts: 2,
	})
	return exec, journal
}

func spreadRequest(posID string) Request {
	return Request{
		PositionID: posID,
		Kind:       domain.KindSpread,
		Symbol:     "SOFI",
		Intent:     "open_spread",
		Order: adapters.Order{
			Underlying: "SOFI",
			Legs: []adapters.OrderLeg{
				{Symbol: shortPut, Side: adapters.SellToOpen},
				{Symbol: longPut, Side: adapters.BuyToOpen},
			},
			Quantity:   1,
			LimitPrice: 1.20,
			Credit:     true,
		},
	}
}

func TestOpen_FillsAndJournals(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	exec, journal := testExecutor(t, broker, 3)

	st, err := exec.Open(context.Background(), spreadRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, adapters.OrderFilled, st.State)
	assert.Equal(t, 1.20, st.AvgPrice)
	assert.Equal(t, outbox.GenerateIdempotencyKey("p1", "open_spread", 0), st.ClientOrderID)

	entries, err := journal.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "order", entries[0].Type)
	assert.Equal(t, "fill", entries[1].Type)
}

func TestOpen_RetriesTransientSubmitFailure(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.FailSubmits = 2
	exec, _ := testExecutor(t, broker, 3)

	st, err := exec.Open(context.Background(), spreadRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, adapters.OrderFilled, st.State)
	assert.Equal(t, uint32(0), exec.Breaker().ConsecutiveFailures())
}

func TestOpen_BreakerTripsAndBlocksOpeningButNotClosing(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.FailSubmits = 3
	exec, _ := testExecutor(t, broker, 1)
	ctx := context.Background()

	_, err := exec.Open(ctx, spreadRequest("p1"))
	require.Error(t, err)
	assert.True(t, exec.Breaker().Open())

	_, err = exec.Open(ctx, spreadRequest("p2"))
	assert.ErrorIs(t, err, ErrBreakerOpen)

	closeReq := spreadRequest("p3")
	closeReq.Intent = "close_spread"
	closeReq.Order.Legs = []adapters.OrderLeg{
		{Symbol: shortPut, Side: adapters.BuyToClose},
		{Symbol: longPut, Side: adapters.SellToClose},
	}
	closeReq.Order.Credit = false
	st, err := exec.Close(ctx, closeReq)
	require.NoError(t, err)
	assert.Equal(t, adapters.OrderFilled, st.State)
}

func TestOpen_RejectedOrderIsNotFilled(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.RejectLegs[shortPut] = true
	broker.RejectLegs[longPut] = true
	exec, _ := testExecutor(t, broker, 3)

	_, err := exec.Open(context.Background(), spreadRequest("p1"))
	assert.ErrorIs(t, err, ErrNotFilled)
}

func TestOpen_LegMismatchThenCompensation(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.RejectLegs[longPut] = true
	exec, _ := testExecutor(t, broker, 3)
	ctx := context.Background()
	req := spreadRequest("p1")

	_, err := exec.Open(ctx, req)
	var mismatch *LegMismatchError
	require.True(t, errors.As(err, &mismatch))
	require.Len(t, mismatch.Filled, 1)
	assert.Equal(t, shortPut, mismatch.Filled[0].Symbol)
	require.Len(t, mismatch.Unfilled, 1)

	positions, err := broker.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, -1, positions[0].Quantity)

	require.NoError(t, exec.Compensate(ctx, req, mismatch.Filled, map[string]float64{shortPut: 1.60}))
	positions, err = broker.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestCompensate_ExhaustsAttempts(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.RejectLegs[longPut] = true
	exec, _ := testExecutor(t, broker, 3)
	ctx := context.Background()
	req := spreadRequest("p1")

	_, err := exec.Open(ctx, req)
	var mismatch *LegMismatchError
	require.True(t, errors.As(err, &mismatch))

	broker.RejectLegs[shortPut] = true
	err = exec.Compensate(ctx, req, mismatch.Filled, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFilled)
}

func TestComplete_ResubmitsUnfilledLeg(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.RejectLegsOnce[longPut] = true
	exec, _ := testExecutor(t, broker, 3)
	ctx := context.Background()
	req := spreadRequest("p1")

	_, err := exec.Open(ctx, req)
	var mismatch *LegMismatchError
	require.True(t, errors.As(err, &mismatch))

	done, err := exec.Complete(ctx, req, mismatch.Unfilled, map[string]float64{longPut: 0.40})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, adapters.BuyToOpen, done[0].Side)
	assert.Equal(t, 1, done[0].FilledQty)
	assert.Equal(t, 0.44, done[0].AvgPrice)

	positions, err := broker.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, 1, positions[0].Quantity)
	assert.Equal(t, -1, positions[1].Quantity)
}

func TestComplete_FailsWithoutMark(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.RejectLegsOnce[longPut] = true
	exec, _ := testExecutor(t, broker, 3)
	ctx := context.Background()
	req := spreadRequest("p1")

	_, err := exec.Open(ctx, req)
	var mismatch *LegMismatchError
	require.True(t, errors.As(err, &mismatch))

	_, err = exec.Complete(ctx, req, mismatch.Unfilled, nil)
	require.Error(t, err)

	positions, err := broker.ListPositions(ctx)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestOpen_HeldOrderFillsWhilePolling(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.HoldOpen = true
	exec, _ := testExecutor(t, broker, 3)
	req := spreadRequest("p1")
	key := outbox.GenerateIdempotencyKey("p1", "open_spread", 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		broker.FillClientOrder(key)
	}()
	st, err := exec.Open(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, adapters.OrderFilled, st.State)
}

func TestOpen_TimeoutCancelsHeldOrder(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.HoldOpen = true
	exec, _ := testExecutor(t, broker, 3)

	st, err := exec.Open(context.Background(), spreadRequest("p1"))
	assert.ErrorIs(t, err, ErrNotFilled)
	assert.Equal(t, adapters.OrderCanceled, st.State)
}

func TestOpen_PollingSurvivesCallerCancellation(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	broker.HoldOpen = true
	exec, _ := testExecutor(t, broker, 3)
	key := outbox.GenerateIdempotencyKey("p1", "open_spread", 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
		time.Sleep(10 * time.Millisecond)
		broker.FillClientOrder(key)
	}()
	st, err := exec.Open(ctx, spreadRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, adapters.OrderFilled, st.State)
}

func TestOpen_ResubmissionIsIdempotent(t *testing.T) {
	broker := adapters.NewPaperBroker(10000, 0)
	exec, _ := testExecutor(t, broker, 3)
	ctx := context.Background()

	first, err := exec.Open(ctx, spreadRequest("p1"))
	require.NoError(t, err)
	second, err := exec.Open(ctx, spreadRequest("p1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	positions, err := broker.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, 1, positions[0].Quantity)
}
