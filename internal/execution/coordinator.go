// Package execution submits hedged order pairs and guarantees that a
// position never ends up with a single naked leg: either both legs fill or
// the filled leg is unwound.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"spreadarb/internal/core"
	"spreadarb/pkg/concurrency"
	apperrors "spreadarb/pkg/errors"
	"spreadarb/pkg/retry"
	"spreadarb/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Phase distinguishes entry pairs from exit pairs
type Phase string

const (
	PhaseEntry Phase = "entry"
	PhaseExit  Phase = "exit"
)

// SubmitRequest describes one hedged pair for a position
type SubmitRequest struct {
	PositionID    int64
	Direction     core.Direction
	Phase         Phase
	Mode          core.Mode
	Contracts     decimal.Decimal
	BuyPriceHint  decimal.Decimal
	SellPriceHint decimal.Decimal
}

// buyVenue returns where this request buys: entries buy on the direction's
// buy venue, exits buy back on the venue that was sold.
func (r SubmitRequest) buyVenue() core.Venue {
	if r.Phase == PhaseEntry {
		return r.Direction.BuyVenue()
	}
	return r.Direction.SellVenue()
}

func (r SubmitRequest) sellVenue() core.Venue {
	if r.Phase == PhaseEntry {
		return r.Direction.SellVenue()
	}
	return r.Direction.BuyVenue()
}

// PairResult carries both filled legs of a successful submission
type PairResult struct {
	BuyLeg  *core.OrderResult
	SellLeg *core.OrderResult
}

// Fills converts the pair into ledger fills. Fill IDs derive from venue
// order IDs so a replayed result maps to the same fills.
func (pr *PairResult) Fills() (buy, sell core.Fill) {
	return fillFromResult(pr.BuyLeg), fillFromResult(pr.SellLeg)
}

func fillFromResult(r *core.OrderResult) core.Fill {
	return core.Fill{
		ID:        fmt.Sprintf("%s:%s", r.Venue, r.OrderID),
		Venue:     r.Venue,
		Side:      r.Side,
		Contracts: r.Filled,
		Price:     r.AvgPrice,
		Fee:       r.Fee,
		Time:      r.FilledAt,
	}
}

// Config holds coordinator settings
type Config struct {
	FillTimeout      time.Duration
	MinOrderInterval time.Duration
	Workers          int
}

// Coordinator resolves the execution port by mode and runs paired
// submissions. One operation per position at a time; cross-position
// submissions run concurrently on a worker pool.
type Coordinator struct {
	ports map[core.Mode]core.IExecutionPort
	cfg   Config

	mu        sync.Mutex
	inFlight  map[int64]struct{}
	lastOrder map[int64]time.Time

	pool   *concurrency.WorkerPool
	logger core.ILogger
}

// NewCoordinator creates a coordinator over the given ports
func NewCoordinator(ports map[core.Mode]core.IExecutionPort, cfg Config, logger core.ILogger) *Coordinator {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Coordinator{
		ports:     ports,
		cfg:       cfg,
		inFlight:  make(map[int64]struct{}),
		lastOrder: make(map[int64]time.Time),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "execution",
			MaxWorkers:  cfg.Workers,
			MaxCapacity: cfg.Workers * 8,
			NonBlocking: true,
		}, logger),
		logger: logger.WithField("component", "execution_coordinator"),
	}
}

// Stop drains the worker pool
func (c *Coordinator) Stop() {
	c.pool.Stop()
}

// Submit runs one hedged pair synchronously. It returns
// ErrSubmissionInFlight while another operation for the position is
// running and ErrRateLimited inside the per-position order interval.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*PairResult, error) {
	port, ok := c.ports[req.Mode]
	if !ok {
		return nil, fmt.Errorf("%w: no port for mode %s", apperrors.ErrPortUnavailable, req.Mode)
	}

	if err := c.acquire(req.PositionID); err != nil {
		return nil, err
	}
	defer c.release(req.PositionID)

	start := time.Now()
	result, err := c.executePair(ctx, port, req)
	latency := float64(time.Since(start).Milliseconds())
	telemetry.OrderExecutionLatency.WithLabelValues(string(req.Mode)).Observe(latency)

	c.mu.Lock()
	c.lastOrder[req.PositionID] = time.Now()
	c.mu.Unlock()

	return result, err
}

// SubmitAsync schedules Submit on the worker pool and delivers the outcome
// to done. It fails fast when the pool is saturated.
func (c *Coordinator) SubmitAsync(ctx context.Context, req SubmitRequest, done func(*PairResult, error)) error {
	return c.pool.Submit(func() {
		result, err := c.Submit(ctx, req)
		if done != nil {
			done(result, err)
		}
	})
}

// acquire takes the per-position slot, enforcing the order interval
func (c *Coordinator) acquire(positionID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inFlight[positionID]; busy {
		return fmt.Errorf("%w: position %d", apperrors.ErrSubmissionInFlight, positionID)
	}
	if c.cfg.MinOrderInterval > 0 {
		if last, ok := c.lastOrder[positionID]; ok {
			if since := time.Since(last); since < c.cfg.MinOrderInterval {
				return fmt.Errorf("%w: position %d ordered %s ago", apperrors.ErrRateLimited, positionID, since.Round(time.Millisecond))
			}
		}
	}
	c.inFlight[positionID] = struct{}{}
	return nil
}

func (c *Coordinator) release(positionID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, positionID)
}

// executePair places both legs in parallel and reconciles the outcome
func (c *Coordinator) executePair(ctx context.Context, port core.IExecutionPort, req SubmitRequest) (*PairResult, error) {
	legCtx, cancel := context.WithTimeout(ctx, c.cfg.FillTimeout)
	defer cancel()

	tag := uuid.NewString()[:8]
	buyReq := core.OrderRequest{
		Venue:         req.buyVenue(),
		Side:          core.SideBuy,
		Contracts:     req.Contracts,
		PriceHint:     req.BuyPriceHint,
		ClientOrderID: clientOrderID(req, "buy", tag),
	}
	sellReq := core.OrderRequest{
		Venue:         req.sellVenue(),
		Side:          core.SideSell,
		Contracts:     req.Contracts,
		PriceHint:     req.SellPriceHint,
		ClientOrderID: clientOrderID(req, "sell", tag),
	}

	var buyRes, sellRes *core.OrderResult
	g, gctx := errgroup.WithContext(legCtx)
	g.Go(func() error {
		var err error
		buyRes, err = port.PlaceOrder(gctx, buyReq)
		return wrapTimeout(err)
	})
	g.Go(func() error {
		var err error
		sellRes, err = port.PlaceOrder(gctx, sellReq)
		return wrapTimeout(err)
	})
	legErr := g.Wait()

	buyFilled := buyRes != nil && buyRes.Filled.IsPositive()
	sellFilled := sellRes != nil && sellRes.Filled.IsPositive()

	switch {
	case buyFilled && sellFilled && buyRes.IsFullFill() && sellRes.IsFullFill():
		c.logger.Info("Pair filled",
			"position_id", req.PositionID, "phase", req.Phase,
			"contracts", req.Contracts,
			"buy_venue", buyRes.Venue, "buy_price", buyRes.AvgPrice,
			"sell_venue", sellRes.Venue, "sell_price", sellRes.AvgPrice)
		return &PairResult{BuyLeg: buyRes, SellLeg: sellRes}, nil

	case !buyFilled && !sellFilled:
		// Nothing executed, nothing to repair
		return nil, fmt.Errorf("pair failed for position %d: %w", req.PositionID, legErr)

	default:
		return nil, c.unwind(ctx, port, req, buyRes, sellRes, legErr)
	}
}

// unwind compensates whatever filled so the book carries no naked leg.
// Partially filled legs are unwound for their executed quantity.
func (c *Coordinator) unwind(ctx context.Context, port core.IExecutionPort, req SubmitRequest, buyRes, sellRes *core.OrderResult, cause error) error {
	mismatch := &apperrors.LegMismatchError{
		PositionID: req.PositionID,
		Cause:      cause,
	}

	// Unwind in reverse: the most recently filled leg first
	type leg struct {
		res  *core.OrderResult
		side core.OrderSide // compensating side
	}
	var legs []leg
	if sellRes != nil && sellRes.Filled.IsPositive() {
		legs = append(legs, leg{sellRes, core.SideBuy})
	}
	if buyRes != nil && buyRes.Filled.IsPositive() {
		legs = append(legs, leg{buyRes, core.SideSell})
	}

	unwound := true
	var filledVenues []string
	total := decimal.Zero
	for _, l := range legs {
		filledVenues = append(filledVenues, string(l.res.Venue))
		total = total.Add(l.res.Filled)

		compReq := core.OrderRequest{
			Venue:         l.res.Venue,
			Side:          l.side,
			Contracts:     l.res.Filled,
			ClientOrderID: l.res.ClientOrderID + "_unwind",
		}
		c.logger.Warn("Leg mismatch, compensating",
			"position_id", req.PositionID, "venue", compReq.Venue,
			"side", compReq.Side, "contracts", compReq.Contracts)

		// Unwind context is independent of the leg timeout: compensation
		// must be attempted even when the pair deadline already passed
		unwindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FillTimeout)
		err := retry.Do(unwindCtx, retry.UnwindPolicy, func(error) bool { return true }, func() error {
			res, err := port.PlaceOrder(unwindCtx, compReq)
			if err != nil {
				return err
			}
			if !res.IsFullFill() {
				return fmt.Errorf("%w: compensation filled %s of %s", apperrors.ErrPartialFillTimeout, res.Filled, compReq.Contracts)
			}
			return nil
		})
		cancel()
		if err != nil {
			unwound = false
			c.logger.Error("CRITICAL: compensation failed, naked leg remains",
				"position_id", req.PositionID, "venue", compReq.Venue,
				"contracts", compReq.Contracts, "error", err)
		}
	}

	mismatch.FilledVenue = strings.Join(filledVenues, ",")
	mismatch.FilledContracts = total
	mismatch.Unwound = unwound
	telemetry.RecordLegMismatch(unwound)
	return mismatch
}

func clientOrderID(req SubmitRequest, side, tag string) string {
	return fmt.Sprintf("arb_%d_%s_%s_%s", req.PositionID, req.Phase, side, tag)
}

func wrapTimeout(err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", apperrors.ErrPartialFillTimeout, err)
	}
	return err
}
