package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/premium-engine/internal/adapters"
	"github.com/Rajchodisetti/premium-engine/internal/alerts"
	"github.com/Rajchodisetti/premium-engine/internal/config"
	"github.com/Rajchodisetti/premium-engine/internal/domain"
	"github.com/Rajchodisetti/premium-engine/internal/store"
)

type staticHoldings struct {
	positions []adapters.BrokerPosition
	err       error
}

func (s staticHoldings) Positions(context.Context) ([]adapters.BrokerPosition, error) {
	return s.positions, s.err
}

type recordingAlerter struct {
	mu  sync.Mutex
	got []alerts.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a)
}

var (
	testNow = time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	testExp = time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
)

func newService(t *testing.T, holdings []adapters.BrokerPosition) (*Service, *store.Store, *recordingAlerter) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Dir = t.TempDir()
	st, err := store.Open(context.Background(), cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec := &recordingAlerter{}
	svc := NewService(st, staticHoldings{positions: holdings}, rec, cfg.Spread)
	svc.SetClock(func() time.Time { return testNow })
	return svc, st, rec
}

func occ(root string, typ adapters.OptionType, strike float64) string {
	return adapters.FormatOCC(root, testExp, typ, strike)
}

func TestRun_ImportsUnknownSpreadAtEstimatedCredit(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t, []adapters.BrokerPosition{
		{Symbol: occ("SOFI", adapters.Put, 30), Quantity: -2, AssetClass: "us_option"},
		{Symbol: occ("SOFI", adapters.Put, 25), Quantity: 2, AssetClass: "us_option"},
	})

	report, err := svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 1, report.Spreads)
	assert.Empty(t, report.Drift)

	open, err := st.OpenPositions(ctx, domain.KindSpread)
	require.NoError(t, err)
	require.Len(t, open, 1)
	p := open[0]
	assert.Equal(t, domain.StateOpen, p.State)
	assert.Equal(t, domain.SourceReconcile, p.Source)
	assert.Equal(t, 30.0, p.ShortStrike)
	assert.Equal(t, 25.0, p.LongStrike)
	assert.Equal(t, 2, p.Contracts)
	assert.InDelta(t, 1.00, p.EntryCredit, 1e-9)
	assert.InDelta(t, 800.0, p.ReservedCapital, 1e-9)

	// second pass sees the legs as known
	report, err = svc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Imported)
}

func TestReconcile_UsesBrokerEntryPricesWhenPresent(t *testing.T) {
	svc, st, _ := newService(t, nil)
	report, err := svc.Reconcile(context.Background(), []adapters.BrokerPosition{
		{Symbol: occ("AMD", adapters.Put, 100), Quantity: -1, AvgEntryPrice: 2.10},
		{Symbol: occ("AMD", adapters.Put, 95), Quantity: 1, AvgEntryPrice: 0.85},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Spreads)

	open, err := st.OpenPositions(context.Background(), domain.KindSpread)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.InDelta(t, 1.25, open[0].EntryCredit, 1e-9)
}

func TestReconcile_ImportsWheelsFromPutsAndShares(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := newService(t, nil)
	report, err := svc.Reconcile(ctx, []adapters.BrokerPosition{
		{Symbol: occ("F", adapters.Put, 12), Quantity: -3, AvgEntryPrice: 0.40},
		{Symbol: "INTC", Quantity: 200, AvgEntryPrice: 21.5},
		{Symbol: occ("INTC", adapters.Call, 24), Quantity: -2, AvgEntryPrice: 0.55},
		{Symbol: "T", Quantity: 50, AvgEntryPrice: 17},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Wheels)
	assert.Equal(t, 0, report.Spreads)

	open, err := st.OpenPositions(ctx, domain.KindWheel)
	require.NoError(t, err)
	bySymbol := map[string]*domain.Position{}
	for _, p := range open {
		bySymbol[p.Symbol] = p
	}
	require.Len(t, bySymbol, 2)

	put := bySymbol["F"]
	require.NotNil(t, put)
	assert.Equal(t, domain.StateSellingPut, put.State)
	assert.Equal(t, 3, put.Contracts)
	assert.InDelta(t, 120.0, put.PremiumCollected, 1e-9)

	stock := bySymbol["INTC"]
	require.NotNil(t, stock)
	assert.Equal(t, domain.StateSellingCall, stock.State)
	assert.Equal(t, 200, stock.Shares)
	assert.InDelta(t, 21.5, stock.CostBasis, 1e-9)
	assert.Equal(t, occ("INTC", adapters.Call, 24), stock.ShortSymbol)
}

func TestReconcile_AmbiguousGroupsAreUnmatched(t *testing.T) {
	svc, _, _ := newService(t, nil)
	report, err := svc.Reconcile(context.Background(), []adapters.BrokerPosition{
		{Symbol: occ("PLTR", adapters.Put, 20), Quantity: -1},
		{Symbol: occ("PLTR", adapters.Put, 25), Quantity: 1},
		{Symbol: occ("NIO", adapters.Put, 5), Quantity: -1},
		{Symbol: occ("NIO", adapters.Put, 4), Quantity: -1},
		{Symbol: occ("NIO", adapters.Put, 3), Quantity: 1},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Imported)
	assert.Len(t, report.Unmatched, 5)
}

func TestReconcile_KnownLegsAreSkipped(t *testing.T) {
	svc, _, _ := newService(t, nil)
	short, long := occ("SOFI", adapters.Put, 30), occ("SOFI", adapters.Put, 25)
	local := []*domain.Position{{
		ID: "p1", Kind: domain.KindSpread, Symbol: "SOFI", State: domain.StateOpen,
		ShortSymbol: short, LongSymbol: long, Expiration: testExp,
	}}
	report, err := svc.Reconcile(context.Background(), []adapters.BrokerPosition{
		{Symbol: short, Quantity: -1},
		{Symbol: long, Quantity: 1},
	}, local)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Imported)
	assert.Empty(t, report.Drift)
	assert.Empty(t, report.Unmatched)
}

func TestReconcile_ReportsDriftAndAlerts(t *testing.T) {
	svc, _, rec := newService(t, nil)
	local := []*domain.Position{
		{
			ID: "gone", Kind: domain.KindSpread, Symbol: "SOFI", State: domain.StateOpen,
			ShortSymbol: occ("SOFI", adapters.Put, 30), LongSymbol: occ("SOFI", adapters.Put, 25), Expiration: testExp,
		},
		{ID: "pending", Kind: domain.KindSpread, Symbol: "AMD", State: domain.StatePendingEntry},
		{
			ID: "expired", Kind: domain.KindSpread, Symbol: "F", State: domain.StateOpen,
			ShortSymbol: "F260102P00012000", LongSymbol: "F260102P00011000",
			Expiration: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		},
	}
	report, err := svc.Reconcile(context.Background(), nil, local)
	require.NoError(t, err)
	require.Len(t, report.Drift, 1)
	assert.Equal(t, "gone", report.Drift[0].PositionID)
	require.Len(t, rec.got, 1)
	assert.Equal(t, alerts.SeverityWarning, rec.got[0].Severity)
}

func TestReconcile_AssignedPutIsNotDrift(t *testing.T) {
	svc, _, _ := newService(t, nil)
	local := []*domain.Position{{
		ID: "w1", Kind: domain.KindWheel, Symbol: "F", State: domain.StateSellingPut,
		ShortSymbol: occ("F", adapters.Put, 12), ShortStrike: 12, Expiration: testExp, Contracts: 1,
	}}
	report, err := svc.Reconcile(context.Background(), []adapters.BrokerPosition{
		{Symbol: "F", Quantity: 100, AvgEntryPrice: 12},
	}, local)
	require.NoError(t, err)
	assert.Empty(t, report.Drift)
	assert.Equal(t, 0, report.Imported)
}

func TestRun_HoldingsErrorIsReturned(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Dir = t.TempDir()
	st, err := store.Open(context.Background(), cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, staticHoldings{err: errors.New("broker down")}, nil, cfg.Spread)
	_, err = svc.Run(context.Background())
	assert.ErrorContains(t, err, "broker down")
}
