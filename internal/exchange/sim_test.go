package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"spreadarb/internal/core"
	"spreadarb/internal/feed"
	apperrors "spreadarb/pkg/errors"
	"spreadarb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimFixture(t *testing.T) (*SimulatedPort, *feed.QuoteBoard) {
	t.Helper()
	board := feed.NewQuoteBoard()
	now := time.Now()
	require.NoError(t, board.Publish(core.Quote{
		Venue: core.VenueV1, Bid: decimal.NewFromFloat(99.90), Ask: decimal.NewFromFloat(99.95), ReceivedAt: now,
	}))
	require.NoError(t, board.Publish(core.Quote{
		Venue: core.VenueV2, Bid: decimal.NewFromFloat(100.50), Ask: decimal.NewFromFloat(100.55), ReceivedAt: now,
	}))

	port := NewSimulatedPort(SimulatedPortConfig{
		InitialCash: decimal.NewFromInt(1000),
	}, board, feed.NewAccountBoard(), logging.NewNopLogger())
	return port, board
}

func TestSimulatedPort_FillsAtTopOfBook(t *testing.T) {
	port, _ := newSimFixture(t)
	ctx := context.Background()

	buy, err := port.PlaceOrder(ctx, core.OrderRequest{
		Venue: core.VenueV1, Side: core.SideBuy,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "c1",
	})
	require.NoError(t, err)
	assert.True(t, buy.IsFullFill())
	assert.True(t, buy.AvgPrice.Equal(decimal.NewFromFloat(99.95)), "buys fill at the ask")

	sell, err := port.PlaceOrder(ctx, core.OrderRequest{
		Venue: core.VenueV2, Side: core.SideSell,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "c2",
	})
	require.NoError(t, err)
	assert.True(t, sell.AvgPrice.Equal(decimal.NewFromFloat(100.50)), "sells fill at the bid")
}

func TestSimulatedPort_IdempotentByClientOrderID(t *testing.T) {
	port, _ := newSimFixture(t)
	ctx := context.Background()

	req := core.OrderRequest{
		Venue: core.VenueV1, Side: core.SideBuy,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "dup",
	}

	first, err := port.PlaceOrder(ctx, req)
	require.NoError(t, err)
	cashAfterFirst, contractsAfterFirst := port.Portfolio(core.VenueV1)

	second, err := port.PlaceOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	cash, contracts := port.Portfolio(core.VenueV1)
	assert.True(t, cash.Equal(cashAfterFirst), "replay must not spend twice")
	assert.True(t, contracts.Equal(contractsAfterFirst))
}

func TestSimulatedPort_InsufficientFunds(t *testing.T) {
	port, _ := newSimFixture(t)
	ctx := context.Background()

	_, err := port.PlaceOrder(ctx, core.OrderRequest{
		Venue: core.VenueV1, Side: core.SideBuy,
		Contracts: decimal.NewFromInt(100), ClientOrderID: "big",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientFunds))

	// A failed order leaves the portfolio untouched
	cash, contracts := port.Portfolio(core.VenueV1)
	assert.True(t, cash.Equal(decimal.NewFromInt(1000)))
	assert.True(t, contracts.IsZero())
}

func TestSimulatedPort_ShortSellAllowed(t *testing.T) {
	port, _ := newSimFixture(t)
	ctx := context.Background()

	sell, err := port.PlaceOrder(ctx, core.OrderRequest{
		Venue: core.VenueV2, Side: core.SideSell,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "s1",
	})
	require.NoError(t, err)
	require.True(t, sell.IsFullFill())

	cash, contracts := port.Portfolio(core.VenueV2)
	assert.True(t, contracts.Equal(decimal.NewFromInt(-1)))
	assert.True(t, cash.Equal(decimal.NewFromFloat(1100.50)))
}

func TestSimulatedPort_FeesCharged(t *testing.T) {
	board := feed.NewQuoteBoard()
	require.NoError(t, board.Publish(core.Quote{
		Venue: core.VenueV1, Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100), ReceivedAt: time.Now(),
	}))

	port := NewSimulatedPort(SimulatedPortConfig{
		InitialCash: decimal.NewFromInt(1000),
		TakerFees: map[core.Venue]decimal.Decimal{
			core.VenueV1: decimal.NewFromFloat(0.001),
		},
	}, board, nil, logging.NewNopLogger())

	res, err := port.PlaceOrder(context.Background(), core.OrderRequest{
		Venue: core.VenueV1, Side: core.SideBuy,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "f1",
	})
	require.NoError(t, err)
	assert.True(t, res.Fee.Equal(decimal.NewFromFloat(0.1)))

	cash, _ := port.Portfolio(core.VenueV1)
	assert.True(t, cash.Equal(decimal.NewFromFloat(899.9)))
}

func TestSimulatedPort_FailNext(t *testing.T) {
	port, _ := newSimFixture(t)
	ctx := context.Background()

	injected := errors.New("venue down")
	port.FailNext(core.VenueV2, injected)

	_, err := port.PlaceOrder(ctx, core.OrderRequest{
		Venue: core.VenueV2, Side: core.SideSell,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "x1",
	})
	assert.ErrorIs(t, err, injected)

	// The failure is one-shot
	_, err = port.PlaceOrder(ctx, core.OrderRequest{
		Venue: core.VenueV2, Side: core.SideSell,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "x2",
	})
	assert.NoError(t, err)
}

func TestSimulatedPort_NoQuoteIsStale(t *testing.T) {
	port := NewSimulatedPort(SimulatedPortConfig{
		InitialCash: decimal.NewFromInt(1000),
	}, feed.NewQuoteBoard(), nil, logging.NewNopLogger())

	_, err := port.PlaceOrder(context.Background(), core.OrderRequest{
		Venue: core.VenueV1, Side: core.SideBuy,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "q1",
	})
	assert.ErrorIs(t, err, apperrors.ErrStaleData)
}

func TestSimulatedPort_PublishesAccountState(t *testing.T) {
	accounts := feed.NewAccountBoard()
	board := feed.NewQuoteBoard()
	require.NoError(t, board.Publish(core.Quote{
		Venue: core.VenueV1, Bid: decimal.NewFromInt(100), Ask: decimal.NewFromInt(100), ReceivedAt: time.Now(),
	}))

	port := NewSimulatedPort(SimulatedPortConfig{
		InitialCash: decimal.NewFromInt(500),
	}, board, accounts, logging.NewNopLogger())

	st, ok := accounts.Latest(core.VenueV1)
	require.True(t, ok)
	assert.True(t, st.Cash.Equal(decimal.NewFromInt(500)))

	_, err := port.PlaceOrder(context.Background(), core.OrderRequest{
		Venue: core.VenueV1, Side: core.SideBuy,
		Contracts: decimal.NewFromInt(1), ClientOrderID: "a1",
	})
	require.NoError(t, err)

	st, _ = accounts.Latest(core.VenueV1)
	assert.True(t, st.Cash.Equal(decimal.NewFromInt(400)))
	assert.True(t, st.Contracts.Equal(decimal.NewFromInt(1)))
}
