package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/decision"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/execution"
	"github.com/Rajchodisetti/premium-engine/internal/outbox"
	"github.com/Rajchodisetti/premium-engine/internal/resilience"
	"github.com/Rajchodisetti/premium-engine/internal/risk"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

type recordingAlerter struct {
	mu  sync.Mutex
	got []alerts.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
}

func (r *recordingAlerter) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, a := range r.got {
		out = append(out, a.Title)
	}
	return out
}

// singleLegRejecter refuses every single-leg order, so compensating closes
// never go through.
type singleLegRejecter struct {
	*adapters.PaperBroker
}

func (b singleLegRejecter) SubmitOrder(ctx context.Context, o adapters.Order) (adapters.OrderStatus, error) {
	if len(o.Legs) == 1 {
		return adapters.OrderStatus{}, &adapters.BrokerError{Op: "submit", StatusCode: 422, Message: "single leg orders disabled"}
	}
	return b.PaperBroker.SubmitOrder(ctx, o)
}

type harness struct {
	m      *Manager
	store  *store.Store
	paper  *adapters.PaperBroker
	gw     *adapters.MockGateway
	gate   *risk.TradingGate
	alerts *recordingAlerter
	now    time.Time
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func newHarness(t *testing.T, wrap func(*adapters.PaperBroker) adapters.Broker) *harness {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Dir = t.TempDir()
	cfg.Sizing.BaseFraction = 0.2
	cfg.Sizing.MaxContractsPerSymbol = 5

	st, err := store.Open(ctx, cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	paper := adapters.NewPaperBroker(100000, 0)
	var broker adapters.Broker = paper
	if wrap != nil {
		broker = wrap(paper)
	}
	journal, err := outbox.New(filepath.Join(t.TempDir(), "orders.jsonl"), 300)
	require.NoError(t, err)
	guard := resilience.NewGuard(resilience.Policy{
		Name:           "broker",
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		TripThreshold:  5,
		CoolDown:       time.Hour,
	}, nil)
	exec := execution.NewExecutor(broker, guard, journal, execution.Config{
		FillTimeout:          200 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		CompensationAttempts: 2,
	})

	h := &harness{
		store:  st,
		paper:  paper,
		gw:     adapters.NewMockGateway(),
		gate:   risk.NewTradingGate(exec.Breaker()),
		alerts: &recordingAlerter{},
		now:    time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC),
	}
	h.m = NewManager(Deps{
		Store:    st,
		Executor: exec,
		Gateway:  h.gw,
		Gate:     h.gate,
		Alerter:  h.alerts,
		Config:   cfg,
	})
	h.m.SetClock(func() time.Time { return h.now })
	return h
}

func contract(sym string, exp time.Time, typ adapters.OptionType, strike, mid, delta float64) adapters.OptionContract {
	return adapters.OptionContract{
		Symbol:       adapters.FormatOCC(sym, exp, typ, strike),
		Underlying:   sym,
		Type:         typ,
		Strike:       strike,
		Expiration:   exp,
		Bid:          mid,
		Ask:          mid,
		Volume:       500,
		OpenInterest: 2000,
		Delta:        delta,
	}
}

func (h *harness) expiry(days int) time.Time {
	y, m, d := h.now.AddDate(0, 0, days).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (h *harness) wheelChain() (put, call adapters.OptionContract) {
	exp := h.expiry(30)
	put = contract("SOFI", exp, adapters.Put, 31.50, 1.75, -0.30)
	call = contract("SOFI", exp, adapters.Call, 33.075, 0.80, 0.30)
	h.gw.SetChain(adapters.Chain{Underlying: "SOFI", UnderlyingPrice: 33, Contracts: []adapters.OptionContract{put, call}, AsOf: h.now})
	return put, call
}

func (h *harness) spreadChain() (short, long adapters.OptionContract) {
	exp := h.expiry(30)
	short = contract("SOFI", exp, adapters.Put, 30, 1.90, -0.25)
	long = contract("SOFI", exp, adapters.Put, 25, 0.40, -0.08)
	h.gw.SetChain(adapters.Chain{Underlying: "SOFI", UnderlyingPrice: 33, Contracts: []adapters.OptionContract{short, long}, AsOf: h.now})
	return short, long
}

func TestWheel_FullCycleRealizesExactPnL(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	put, call := h.wheelChain()

	p, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSellingPut, p.State)
	assert.Equal(t, 5, p.Contracts)
	assert.Equal(t, 1.75, p.EntryCredit)
	assert.Equal(t, 875.0, p.PremiumCollected)
	assert.Equal(t, 1, p.Cycle)

	require.NoError(t, h.paper.Assign(put.Symbol))
	report, err := h.m.MonitorWheel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Transitions)

	p, err = h.store.Get(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSellingCall, p.State)
	assert.Equal(t, 29.75, p.CostBasis)
	assert.Equal(t, 31.50, p.AssignedStrike)
	assert.Equal(t, call.Symbol, p.ShortSymbol)
	assert.Equal(t, 1275.0, p.PremiumCollected)

	require.NoError(t, h.paper.Assign(call.Symbol))
	_, err = h.m.MonitorWheel(ctx)
	require.NoError(t, err)

	p, err = h.store.Get(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCalledAway, p.State)
	assert.Equal(t, 2062.5, p.RealizedPnL)
	assert.Equal(t, ReasonCalledAway, p.ExitReason)

	perf, err := h.store.Performance(ctx, domain.KindWheel, "SOFI")
	require.NoError(t, err)
	assert.Equal(t, 1, perf.Wins)

	next, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Cycle)
	assert.NotEqual(t, p.ID, next.ID)
}

func TestWheel_AssignmentIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.wheelChain()

	p, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		applied, out, err := h.m.HandleAssignment(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, i == 0, applied)
		assert.Equal(t, domain.StateAssigned, out.State)
		assert.Equal(t, 500, out.Shares)
	}

	trail, err := h.store.Transitions(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, domain.StateAssigned, trail[2].To)
}

func TestWheel_PutExpiresWorthless(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	put, _ := h.wheelChain()

	p, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	h.advance(31 * 24 * time.Hour)
	h.paper.Expire(put.Symbol)
	_, err = h.m.MonitorWheel(ctx)
	require.NoError(t, err)

	p, err = h.store.Get(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpiredWorthless, p.State)
	assert.Equal(t, 875.0, p.RealizedPnL)

	// the next put stays in the same wheel cycle
	h.wheelChain()
	next, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, next.ID)
	assert.Equal(t, p.Cycle, next.Cycle)
}

func TestWheel_ProfitTargetClosesPutEarly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	put, _ := h.wheelChain()

	p, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	h.gw.SetMark(put.Symbol, 0.70)
	_, err = h.m.MonitorWheel(ctx)
	require.NoError(t, err)

	p, err = h.store.Get(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosedEarly, p.State)
	assert.Equal(t, ReasonProfitTarget, p.ExitReason)
	assert.Equal(t, 525.0, p.RealizedPnL)

	holdings, err := h.paper.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestWheel_HaltedGateBlocksEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.wheelChain()
	h.gate.ManualHalt("ops", "maintenance")

	_, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	assert.ErrorIs(t, err, ErrTradingHalted)

	open, err := h.store.OpenPositions(ctx, domain.KindWheel)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSpread_ProfitTargetCloses(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	short, long := h.spreadChain()

	p, err := h.m.OpenSpread(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, p.State)
	assert.Equal(t, 1.50, p.EntryCredit)
	assert.Equal(t, 5, p.Contracts)
	assert.Equal(t, domain.SpreadLegKey(short.Symbol, long.Symbol), p.LegKey)
	assert.Equal(t, 1750.0, p.ReservedCapital)

	h.gw.SetMark(short.Symbol, 0.90)
	h.gw.SetMark(long.Symbol, 0.20)
	report, err := h.m.MonitorSpreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitions)

	p, err = h.store.Get(ctx, domain.KindSpread, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosedProfitTarget, p.State)
	assert.Equal(t, 400.0, p.RealizedPnL)
}

func TestSpread_HoldsBelowTarget(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	short, long := h.spreadChain()

	p, err := h.m.OpenSpread(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	h.gw.SetMark(short.Symbol, 1.40)
	h.gw.SetMark(long.Symbol, 0.30)
	_, err = h.m.MonitorSpreads(ctx)
	require.NoError(t, err)

	p, err = h.store.Get(ctx, domain.KindSpread, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, p.State)
	assert.InDelta(t, 1.10, p.CurrentMark, 1e-9)
	assert.InDelta(t, 200.0, p.UnrealizedPnL, 1e-9)
}

func TestSpread_ExpiredSettlesAtIntrinsic(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.spreadChain()

	p, err := h.m.OpenSpread(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	h.advance(31 * 24 * time.Hour)
	h.gw.SetQuote(adapters.Quote{Symbol: "SOFI", Last: 28})
	_, err = h.m.MonitorSpreads(ctx)
	require.NoError(t, err)

	p, err = h.store.Get(ctx, domain.KindSpread, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateExpired, p.State)
	assert.Equal(t, -250.0, p.RealizedPnL)
}

func TestSpread_LegMismatchCompensated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, long := h.spreadChain()
	h.paper.RejectLegs[long.Symbol] = true

	_, err := h.m.OpenSpread(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.Error(t, err)

	open, err := h.store.OpenPositions(ctx, domain.KindSpread)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := h.store.ClosedPositions(ctx, domain.KindSpread, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, domain.StateEntryFailed, closed[0].State)
	assert.Equal(t, ReasonCompensated, closed[0].ExitReason)

	holdings, err := h.paper.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestSpread_FailedCompensationMarksInconsistent(t *testing.T) {
	h := newHarness(t, func(p *adapters.PaperBroker) adapters.Broker { return singleLegRejecter{p} })
	ctx := context.Background()
	_, long := h.spreadChain()
	h.paper.RejectLegs[long.Symbol] = true

	_, err := h.m.OpenSpread(ctx, &decision.Candidate{Symbol: "SOFI"})
	var mismatch *execution.LegMismatchError
	require.ErrorAs(t, err, &mismatch)

	open, err := h.store.OpenPositions(ctx, domain.KindSpread)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.StateInconsistent, open[0].State)
	assert.Contains(t, h.alerts.titles(), "position inconsistent")

	// automation leaves it alone
	report, err := h.m.MonitorSpreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked)
}

func TestWheel_CallClosedEarlyKeepsSharesAndResells(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	put, call := h.wheelChain()

	p, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)
	require.NoError(t, h.paper.Assign(put.Symbol))
	_, err = h.m.MonitorWheel(ctx)
	require.NoError(t, err)

	h.advance(time.Hour)
	h.gw.SetMark(call.Symbol, 0.30)
	report, err := h.m.MonitorWheel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitions)

	p, err = h.store.Get(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSellingCall, p.State)
	assert.False(t, p.HasOpenOption())
	assert.Equal(t, 500, p.Shares)
	assert.Equal(t, 1125.0, p.PremiumCollected)

	holdings, err := h.paper.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "SOFI", holdings[0].Symbol)

	h.advance(time.Hour)
	_, err = h.m.MonitorWheel(ctx)
	require.NoError(t, err)

	p, err = h.store.Get(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSellingCall, p.State)
	assert.Equal(t, call.Symbol, p.ShortSymbol)
	assert.Equal(t, 1525.0, p.PremiumCollected)

	trail, err := h.store.Transitions(ctx, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "call_closed_"+ReasonProfitTarget, trail[len(trail)-2].Cause)
}

func TestWheel_FillAfterCancellationIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.wheelChain()
	h.paper.HoldOpen = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(40 * time.Millisecond)
		h.paper.FillHeld()
	}()

	p, err := h.m.OpenWheel(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateSellingPut, p.State)

	bg := context.Background()
	stored, err := h.store.Get(bg, domain.KindWheel, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSellingPut, stored.State)
	assert.Equal(t, 875.0, stored.PremiumCollected)

	holdings, err := h.paper.ListPositions(bg)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, -stored.Contracts, holdings[0].Quantity)
}

func TestSpread_CloseAfterCancellationIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	short, long := h.spreadChain()

	p, err := h.m.OpenSpread(context.Background(), &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	h.gw.SetMark(short.Symbol, 0.90)
	h.gw.SetMark(long.Symbol, 0.20)
	h.paper.HoldOpen = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		time.Sleep(40 * time.Millisecond)
		h.paper.FillHeld()
	}()
	_, err = h.m.MonitorSpreads(ctx)
	require.NoError(t, err)

	p, err = h.store.Get(context.Background(), domain.KindSpread, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosedProfitTarget, p.State)
	assert.Equal(t, 400.0, p.RealizedPnL)
}

func TestSpread_CloseLegMismatchCompensated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	short, long := h.spreadChain()

	p, err := h.m.OpenSpread(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	h.paper.RejectLegsOnce[short.Symbol] = true
	h.gw.SetMark(short.Symbol, 0.90)
	h.gw.SetMark(long.Symbol, 0.20)
	report, err := h.m.MonitorSpreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Transitions)
	assert.Equal(t, 0, report.Errors)

	p, err = h.store.Get(ctx, domain.KindSpread, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosedProfitTarget, p.State)
	// short bought back at 0.99 after the long sold at its 0.20 mark
	assert.InDelta(t, 355.0, p.RealizedPnL, 1e-9)
	assert.NotContains(t, h.alerts.titles(), "position inconsistent")

	holdings, err := h.paper.ListPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, holdings)
}

func TestSpread_CloseLegMismatchUncompensatedMarksInconsistent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	short, long := h.spreadChain()

	p, err := h.m.OpenSpread(ctx, &decision.Candidate{Symbol: "SOFI"})
	require.NoError(t, err)

	h.paper.RejectLegs[short.Symbol] = true
	h.gw.SetMark(short.Symbol, 0.90)
	h.gw.SetMark(long.Symbol, 0.20)
	report, err := h.m.MonitorSpreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)

	p, err = h.store.Get(ctx, domain.KindSpread, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateInconsistent, p.State)
	assert.Contains(t, h.alerts.titles(), "position inconsistent")

	// the short leg is still open at the broker
	holdings, err := h.paper.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, short.Symbol, holdings[0].Symbol)
}
