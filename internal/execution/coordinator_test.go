package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spreadarb/internal/core"
	"spreadarb/internal/exchange"
	"spreadarb/internal/feed"
	apperrors "spreadarb/pkg/errors"
	"spreadarb/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimBoard(t *testing.T) *feed.QuoteBoard {
	t.Helper()
	board := feed.NewQuoteBoard()
	now := time.Now()
	require.NoError(t, board.Publish(core.Quote{
		Venue: core.VenueV1, Bid: decimal.NewFromFloat(99.90), Ask: decimal.NewFromFloat(99.95), ReceivedAt: now,
	}))
	require.NoError(t, board.Publish(core.Quote{
		Venue: core.VenueV2, Bid: decimal.NewFromFloat(100.50), Ask: decimal.NewFromFloat(100.55), ReceivedAt: now,
	}))
	return board
}

func newSimCoordinator(t *testing.T, cfg Config) (*Coordinator, *exchange.SimulatedPort) {
	t.Helper()
	port := exchange.NewSimulatedPort(exchange.SimulatedPortConfig{
		InitialCash: decimal.NewFromInt(10000),
	}, newSimBoard(t), nil, logging.NewNopLogger())

	c := NewCoordinator(map[core.Mode]core.IExecutionPort{
		core.ModeSimulated: port,
	}, cfg, logging.NewNopLogger())
	t.Cleanup(c.Stop)
	return c, port
}

func TestSubmit_EntryPairFills(t *testing.T) {
	c, _ := newSimCoordinator(t, Config{})

	res, err := c.Submit(context.Background(), SubmitRequest{
		PositionID: 1,
		Direction:  core.DirectionV1ToV2,
		Phase:      PhaseEntry,
		Mode:       core.ModeSimulated,
		Contracts:  decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, core.VenueV1, res.BuyLeg.Venue)
	assert.Equal(t, core.VenueV2, res.SellLeg.Venue)
	assert.True(t, res.BuyLeg.AvgPrice.Equal(decimal.NewFromFloat(99.95)))
	assert.True(t, res.SellLeg.AvgPrice.Equal(decimal.NewFromFloat(100.50)))

	buy, sell := res.Fills()
	assert.Equal(t, core.SideBuy, buy.Side)
	assert.Equal(t, core.SideSell, sell.Side)
	assert.NotEmpty(t, buy.ID)
	assert.NotEqual(t, buy.ID, sell.ID)
}

func TestSubmit_ExitPairSwapsVenues(t *testing.T) {
	c, _ := newSimCoordinator(t, Config{})

	res, err := c.Submit(context.Background(), SubmitRequest{
		PositionID: 2,
		Direction:  core.DirectionV1ToV2,
		Phase:      PhaseExit,
		Mode:       core.ModeSimulated,
		Contracts:  decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	// Exit buys back where the entry sold and sells where it bought
	assert.Equal(t, core.VenueV2, res.BuyLeg.Venue)
	assert.Equal(t, core.VenueV1, res.SellLeg.Venue)
}

func TestSubmit_LegMismatchUnwinds(t *testing.T) {
	c, port := newSimCoordinator(t, Config{})
	port.FailNext(core.VenueV1, errors.New("venue down"))

	_, err := c.Submit(context.Background(), SubmitRequest{
		PositionID: 3,
		Direction:  core.DirectionV1ToV2,
		Phase:      PhaseEntry,
		Mode:       core.ModeSimulated,
		Contracts:  decimal.NewFromInt(1),
	})
	require.Error(t, err)

	var mismatch *apperrors.LegMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(3), mismatch.PositionID)
	assert.True(t, mismatch.Unwound)
	assert.True(t, mismatch.FilledContracts.Equal(decimal.NewFromInt(1)))

	// The filled sell leg was bought back: no residual inventory anywhere
	_, contractsV1 := port.Portfolio(core.VenueV1)
	_, contractsV2 := port.Portfolio(core.VenueV2)
	assert.True(t, contractsV1.IsZero())
	assert.True(t, contractsV2.IsZero())
}

func TestSubmit_BothLegsFailNoUnwind(t *testing.T) {
	c, port := newSimCoordinator(t, Config{})
	port.FailNext(core.VenueV1, errors.New("v1 down"))
	port.FailNext(core.VenueV2, errors.New("v2 down"))

	_, err := c.Submit(context.Background(), SubmitRequest{
		PositionID: 4,
		Direction:  core.DirectionV1ToV2,
		Phase:      PhaseEntry,
		Mode:       core.ModeSimulated,
		Contracts:  decimal.NewFromInt(1),
	})
	require.Error(t, err)

	var mismatch *apperrors.LegMismatchError
	assert.False(t, errors.As(err, &mismatch), "nothing filled, nothing to unwind")

	_, contractsV1 := port.Portfolio(core.VenueV1)
	_, contractsV2 := port.Portfolio(core.VenueV2)
	assert.True(t, contractsV1.IsZero())
	assert.True(t, contractsV2.IsZero())
}

// blockingPort parks PlaceOrder until the request context expires
type blockingPort struct {
	started chan struct{}
	once    sync.Once
}

func (p *blockingPort) Mode() core.Mode { return core.ModeSimulated }

func (p *blockingPort) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (p *blockingPort) CancelOrder(ctx context.Context, venue core.Venue, orderID string) error {
	return nil
}

func TestSubmit_InFlightGuard(t *testing.T) {
	port := &blockingPort{started: make(chan struct{})}
	c := NewCoordinator(map[core.Mode]core.IExecutionPort{
		core.ModeSimulated: port,
	}, Config{FillTimeout: 500 * time.Millisecond}, logging.NewNopLogger())
	t.Cleanup(c.Stop)

	req := SubmitRequest{
		PositionID: 7,
		Direction:  core.DirectionV1ToV2,
		Phase:      PhaseEntry,
		Mode:       core.ModeSimulated,
		Contracts:  decimal.NewFromInt(1),
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), req)
		firstDone <- err
	}()
	<-port.started

	_, err := c.Submit(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrSubmissionInFlight)

	// The first submission times out and releases the slot
	require.Error(t, <-firstDone)
	_, err = c.Submit(context.Background(), req)
	assert.NotErrorIs(t, err, apperrors.ErrSubmissionInFlight)
}

func TestSubmit_MinOrderInterval(t *testing.T) {
	c, _ := newSimCoordinator(t, Config{MinOrderInterval: time.Minute})

	req := SubmitRequest{
		PositionID: 8,
		Direction:  core.DirectionV1ToV2,
		Phase:      PhaseEntry,
		Mode:       core.ModeSimulated,
		Contracts:  decimal.NewFromInt(1),
	}

	_, err := c.Submit(context.Background(), req)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	// Other positions are not throttled by position 8's interval
	other := req
	other.PositionID = 9
	_, err = c.Submit(context.Background(), other)
	assert.NoError(t, err)
}

func TestSubmit_UnknownMode(t *testing.T) {
	c, _ := newSimCoordinator(t, Config{})

	_, err := c.Submit(context.Background(), SubmitRequest{
		PositionID: 10,
		Direction:  core.DirectionV1ToV2,
		Phase:      PhaseEntry,
		Mode:       core.ModeReal,
		Contracts:  decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, apperrors.ErrPortUnavailable)
}

func TestSubmitAsync_DeliversResult(t *testing.T) {
	c, _ := newSimCoordinator(t, Config{})

	done := make(chan error, 1)
	err := c.SubmitAsync(context.Background(), SubmitRequest{
		PositionID: 11,
		Direction:  core.DirectionV2ToV1,
		Phase:      PhaseEntry,
		Mode:       core.ModeSimulated,
		Contracts:  decimal.NewFromInt(1),
	}, func(res *PairResult, err error) {
		if err == nil && res == nil {
			err = errors.New("nil result")
		}
		done <- err
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("async submission never completed")
	}
}
