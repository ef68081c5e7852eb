package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spreadOrder(id string) Order {
	return Order{
		ClientOrderID: id,
		Underlying:    "SOFI",
		Legs: []OrderLeg{
			{Symbol: "SOFI260116P00030000", Side: SellToOpen},
			{Symbol: "SOFI260116P00025000", Side: BuyToOpen},
		},
		Quantity:   2,
		LimitPrice: 1.50,
		Credit:     true,
	}
}

func TestPaperBroker_FillsMultiLeg(t *testing.T) {
	b := NewPaperBroker(10000, 0)
	ctx := context.Background()

	st, err := b.SubmitOrder(ctx, spreadOrder("c1"))
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, 1.50, st.AvgPrice)

	positions, err := b.ListPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "SOFI260116P00025000", positions[0].Symbol)
	assert.Equal(t, 2, positions[0].Quantity)
	assert.Equal(t, -2, positions[1].Quantity)
	assert.Equal(t, "short", positions[1].Side)

	acct, err := b.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10300.0, acct.Cash)
}

func TestPaperBroker_ClientOrderIDIsIdempotent(t *testing.T) {
	b := NewPaperBroker(10000, 0)
	ctx := context.Background()

	first, err := b.SubmitOrder(ctx, spreadOrder("same"))
	require.NoError(t, err)
	second, err := b.SubmitOrder(ctx, spreadOrder("same"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	positions, _ := b.ListPositions(ctx)
	assert.Equal(t, -2, positions[1].Quantity)
}

func TestPaperBroker_RejectedLegLeavesPartner(t *testing.T) {
	b := NewPaperBroker(10000, 0)
	b.RejectLegs["SOFI260116P00025000"] = true

	st, err := b.SubmitOrder(context.Background(), spreadOrder("c2"))
	require.NoError(t, err)
	assert.Equal(t, OrderPartiallyFilled, st.State)
	assert.Equal(t, OrderFilled, st.Legs[0].State)
	assert.Equal(t, OrderRejected, st.Legs[1].State)
}

func TestPaperBroker_RejectLegsOnce(t *testing.T) {
	b := NewPaperBroker(10000, 0)
	b.RejectLegsOnce["SOFI260116P00025000"] = true
	ctx := context.Background()

	st, err := b.SubmitOrder(ctx, spreadOrder("c3"))
	require.NoError(t, err)
	assert.Equal(t, OrderPartiallyFilled, st.State)

	st, err = b.SubmitOrder(ctx, Order{
		ClientOrderID: "c4",
		Legs:          []OrderLeg{{Symbol: "SOFI260116P00025000", Side: BuyToOpen}},
		Quantity:      2,
		LimitPrice:    0.40,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
}

func TestPaperBroker_Assign(t *testing.T) {
	b := NewPaperBroker(50000, 0)
	ctx := context.Background()
	_, err := b.SubmitOrder(ctx, Order{
		ClientOrderID: "p1",
		Legs:          []OrderLeg{{Symbol: "F260116P00012000", Side: SellToOpen}},
		Quantity:      3,
		LimitPrice:    0.40,
		Credit:        true,
	})
	require.NoError(t, err)

	require.NoError(t, b.Assign("F260116P00012000"))
	positions, _ := b.ListPositions(ctx)
	require.Len(t, positions, 1)
	assert.Equal(t, "F", positions[0].Symbol)
	assert.Equal(t, 300, positions[0].Quantity)
	assert.Equal(t, "us_equity", positions[0].AssetClass)
}
