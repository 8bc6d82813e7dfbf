// Package exchange implements the execution ports: a simulated paper venue
// pair and a live REST venue pair behind the same interface.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spreadarb/internal/core"
	"spreadarb/internal/feed"
	apperrors "spreadarb/pkg/errors"
	"spreadarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// SimulatedPort fills orders against the live quote board with a slippage
// model and tracks a paper portfolio per venue. Orders are fill-or-kill and
// idempotent by client order ID.
type SimulatedPort struct {
	mu         sync.Mutex
	board      *feed.QuoteBoard
	accounts   *feed.AccountBoard
	portfolios map[core.Venue]*paperPortfolio
	fees       map[core.Venue]decimal.Decimal
	slippage   decimal.Decimal
	orders     map[string]*core.OrderResult
	failNext   map[core.Venue]error
	orderSeq   int64
	logger     core.ILogger
}

type paperPortfolio struct {
	cash      decimal.Decimal
	contracts decimal.Decimal
}

// SimulatedPortConfig configures the paper venues
type SimulatedPortConfig struct {
	InitialCash  decimal.Decimal
	TakerFees    map[core.Venue]decimal.Decimal
	FillSlippage decimal.Decimal
}

// NewSimulatedPort creates a paper port backed by the quote board
func NewSimulatedPort(cfg SimulatedPortConfig, board *feed.QuoteBoard, accounts *feed.AccountBoard, logger core.ILogger) *SimulatedPort {
	fees := cfg.TakerFees
	if fees == nil {
		fees = map[core.Venue]decimal.Decimal{}
	}
	p := &SimulatedPort{
		board:    board,
		accounts: accounts,
		portfolios: map[core.Venue]*paperPortfolio{
			core.VenueV1: {cash: cfg.InitialCash},
			core.VenueV2: {cash: cfg.InitialCash},
		},
		fees:     fees,
		slippage: cfg.FillSlippage,
		orders:   make(map[string]*core.OrderResult),
		failNext: make(map[core.Venue]error),
		logger:   logger.WithField("component", "sim_port"),
	}
	p.publishAccounts()
	return p
}

// Mode implements core.IExecutionPort
func (p *SimulatedPort) Mode() core.Mode {
	return core.ModeSimulated
}

// FailNext makes the next order on the venue fail with err. Tests use this
// to force leg mismatches.
func (p *SimulatedPort) FailNext(venue core.Venue, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[venue] = err
}

// PlaceOrder fills a market order at the venue's current top of book with
// the configured slippage. Resubmitting a client order ID returns the
// original result without a second portfolio mutation.
func (p *SimulatedPort) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.ClientOrderID != "" {
		if existing, ok := p.orders[req.ClientOrderID]; ok {
			return existing, nil
		}
	}

	if err, ok := p.failNext[req.Venue]; ok {
		delete(p.failNext, req.Venue)
		return nil, err
	}

	quote, ok := p.board.Latest(req.Venue)
	if !ok {
		return nil, fmt.Errorf("%w: no quote for %s", apperrors.ErrStaleData, req.Venue)
	}

	price := p.fillPrice(quote, req.Side)
	notional := req.Contracts.Mul(price)
	fee := notional.Mul(p.fees[req.Venue])
	pf := p.portfolios[req.Venue]

	switch req.Side {
	case core.SideBuy:
		cost := notional.Add(fee)
		if pf.cash.LessThan(cost) {
			return nil, fmt.Errorf("%w: venue %s cash %s < cost %s",
				apperrors.ErrInsufficientFunds, req.Venue, pf.cash, cost)
		}
		pf.cash = pf.cash.Sub(cost)
		pf.contracts = pf.contracts.Add(req.Contracts)
	case core.SideSell:
		// Short selling is allowed: the hedged strategy sells on the venue
		// that holds no inventory
		pf.contracts = pf.contracts.Sub(req.Contracts)
		pf.cash = pf.cash.Add(notional.Sub(fee))
	default:
		return nil, fmt.Errorf("%w: unknown side %q", apperrors.ErrOrderRejected, req.Side)
	}

	p.orderSeq++
	result := &core.OrderResult{
		OrderID:       fmt.Sprintf("sim_%s_%d", req.Venue, p.orderSeq),
		ClientOrderID: req.ClientOrderID,
		Venue:         req.Venue,
		Side:          req.Side,
		Requested:     req.Contracts,
		Filled:        req.Contracts,
		AvgPrice:      price,
		Fee:           fee,
		FilledAt:      time.Now(),
	}
	if req.ClientOrderID != "" {
		p.orders[req.ClientOrderID] = result
	}
	p.publishAccounts()
	telemetry.OrdersPlaced.WithLabelValues(string(req.Venue), string(req.Side), string(core.ModeSimulated)).Inc()

	p.logger.Debug("Paper order filled",
		"venue", req.Venue, "side", req.Side,
		"contracts", req.Contracts, "price", price, "fee", fee)
	return result, nil
}

// CancelOrder is a no-op for already-filled FOK orders
func (p *SimulatedPort) CancelOrder(ctx context.Context, venue core.Venue, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.orders {
		if r.OrderID == orderID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
}

// Portfolio returns the paper balances for one venue
func (p *SimulatedPort) Portfolio(venue core.Venue) (cash, contracts decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pf := p.portfolios[venue]
	return pf.cash, pf.contracts
}

// fillPrice applies the slippage model: buys pay above the ask, sells
// receive below the bid. Caller holds mu.
func (p *SimulatedPort) fillPrice(q core.Quote, side core.OrderSide) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == core.SideBuy {
		return q.Ask.Mul(one.Add(p.slippage))
	}
	return q.Bid.Mul(one.Sub(p.slippage))
}

// publishAccounts pushes paper balances to the account board. Caller holds mu.
func (p *SimulatedPort) publishAccounts() {
	if p.accounts == nil {
		return
	}
	now := time.Now()
	for venue, pf := range p.portfolios {
		p.accounts.Publish(core.AccountState{
			Venue:      venue,
			Cash:       pf.cash,
			Contracts:  pf.contracts,
			ReceivedAt: now,
		})
	}
}
