// Package engine runs the decision loop: one tick reads the latest quotes,
// recomputes both directional spreads and decides entries and exits. All
// order submissions go through the execution coordinator asynchronously so a
// slow venue never stalls evaluation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spreadarb/internal/alert"
	"spreadarb/internal/config"
	"spreadarb/internal/core"
	"spreadarb/internal/execution"
	"spreadarb/internal/feed"
	"spreadarb/internal/position"
	"spreadarb/internal/risk"
	"spreadarb/internal/spread"
	apperrors "spreadarb/pkg/errors"
	"spreadarb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// PairSubmitter is the slice of the execution coordinator the engine uses
type PairSubmitter interface {
	SubmitAsync(ctx context.Context, req execution.SubmitRequest, done func(*execution.PairResult, error)) error
}

// entryCandidate is a detected opportunity held for confirmation
type entryCandidate struct {
	entry  decimal.Decimal
	seenAt time.Time
}

// Engine owns the tick loop and the decision state machine
type Engine struct {
	cfg       *config.Manager
	board     *feed.QuoteBoard
	accounts  core.IAccountBoard
	calc      *spread.Calculator
	history   *spread.History
	ledger    *position.Ledger
	risk      *risk.Manager
	submitter PairSubmitter
	alerts    alert.Alerter
	logger    core.ILogger

	tickInterval time.Duration
	clock        func() time.Time
	events       *eventRing

	mu            sync.Mutex
	paused        bool
	halted        bool
	haltReason    string
	candidates    map[core.Direction]*entryCandidate
	pending       map[int64]struct{}
	latestSpreads []spread.DirectionalSpread
	lastRiskOK    bool

	ctx context.Context
}

// Options overrides engine defaults, mainly for tests
type Options struct {
	TickInterval time.Duration
	Clock        func() time.Time
	EventBuffer  int
	Alerts       alert.Alerter
}

// New wires the engine. The ledger's close callback feeds the risk manager;
// a nil account board disables the funding and inventory checks.
func New(cfg *config.Manager, board *feed.QuoteBoard, accounts core.IAccountBoard, ledger *position.Ledger, riskMgr *risk.Manager, submitter PairSubmitter, logger core.ILogger, opts Options) *Engine {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 200 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		cfg:          cfg,
		board:        board,
		accounts:     accounts,
		calc:         spread.NewCalculator(),
		history:      spread.NewHistory(0),
		ledger:       ledger,
		risk:         riskMgr,
		submitter:    submitter,
		logger:       logger.WithField("component", "engine"),
		tickInterval: opts.TickInterval,
		clock:        opts.Clock,
		events:       newEventRing(opts.EventBuffer),
		candidates:   make(map[core.Direction]*entryCandidate),
		pending:      make(map[int64]struct{}),
		lastRiskOK:   true,
		alerts:       opts.Alerts,
		ctx:          context.Background(),
	}
	ledger.OnClosed(riskMgr.OnTradeClosed)
	return e
}

// Run ticks until the context is cancelled
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.logger.Info("Engine started", "tick_interval", e.tickInterval)
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine stopped")
			return ctx.Err()
		case <-ticker.C:
			e.Tick(e.clock())
		}
	}
}

// Tick runs one full decision cycle at the given instant
func (e *Engine) Tick(now time.Time) {
	e.risk.DailyResetIfNeeded(now)
	snap := e.cfg.Snapshot()
	quotes := e.board.Pair()
	e.observeQuotes(quotes, now)

	// Spreads are recomputed and recorded every tick, open positions or not
	spreads := e.calc.Both(quotes, snap)
	for _, ds := range spreads {
		e.history.Record(ds, now)
		entryF, _ := ds.Entry.Float64()
		exitF, _ := ds.Exit.Float64()
		telemetry.SpreadObserved.WithLabelValues(string(ds.Direction)).Set(entryF)
		telemetry.ExitSpreadObserved.WithLabelValues(string(ds.Direction)).Set(exitF)
	}

	e.mu.Lock()
	e.latestSpreads = spreads
	halted, paused := e.halted, e.paused
	e.mu.Unlock()

	if halted {
		return
	}

	e.evaluateExits(now, snap, quotes)

	if paused {
		e.dropCandidates("paused")
		return
	}
	e.evaluateEntries(now, snap, quotes, spreads)
}

// evaluateEntries applies the entry gates and the two-phase confirmation hold
func (e *Engine) evaluateEntries(now time.Time, snap config.Snapshot, quotes map[core.Venue]core.Quote, spreads []spread.DirectionalSpread) {
	if e.board.IsStale(core.VenueV1, snap.QuoteFreshness, now) || e.board.IsStale(core.VenueV2, snap.QuoteFreshness, now) {
		telemetry.RecordBlocked("stale_quote")
		e.dropCandidates("stale_quote")
		return
	}
	if !e.risk.TradingAllowed() {
		telemetry.RecordBlocked("risk_tripped")
		e.dropCandidates("risk_tripped")
		return
	}

	for _, ds := range spreads {
		e.evaluateEntry(now, snap, quotes, ds)
	}
}

func (e *Engine) evaluateEntry(now time.Time, snap config.Snapshot, quotes map[core.Venue]core.Quote, ds spread.DirectionalSpread) {
	d := ds.Direction

	if ds.Entry.LessThan(snap.MinSpreadEnter) {
		e.mu.Lock()
		_, had := e.candidates[d]
		delete(e.candidates, d)
		e.mu.Unlock()
		if had {
			telemetry.OpportunitiesDetected.WithLabelValues(string(d), "discarded").Inc()
			e.events.append(Event{Time: now, Kind: "entry_discarded", Direction: string(d),
				Reason: "spread_fell", Detail: ds.Entry.String()})
		}
		return
	}

	e.mu.Lock()
	cand := e.candidates[d]
	if cand == nil {
		e.candidates[d] = &entryCandidate{entry: ds.Entry, seenAt: now}
		e.mu.Unlock()
		e.events.append(Event{Time: now, Kind: "entry_candidate", Direction: string(d), Detail: ds.Entry.String()})
		return
	}
	if now.Sub(cand.seenAt) < snap.ConfirmationDelay {
		e.mu.Unlock()
		return
	}
	delete(e.candidates, d)
	e.mu.Unlock()

	// Confirmation re-check: quotes must be recent enough to act on
	for _, v := range []core.Venue{d.BuyVenue(), d.SellVenue()} {
		if quotes[v].Age(now) > snap.ConfirmFreshness {
			telemetry.OpportunitiesDetected.WithLabelValues(string(d), "blocked").Inc()
			telemetry.RecordBlocked("confirm_stale")
			e.events.append(Event{Time: now, Kind: "entry_blocked", Direction: string(d), Reason: "confirm_stale"})
			return
		}
	}

	telemetry.OpportunitiesDetected.WithLabelValues(string(d), "confirmed").Inc()
	e.dispatchEntry(now, snap, quotes, ds)
}

// dispatchEntry sizes one order and hands it to the coordinator. Sizing is
// fixed at MinOrderContracts; scale-ins re-confirm on later ticks.
func (e *Engine) dispatchEntry(now time.Time, snap config.Snapshot, quotes map[core.Venue]core.Quote, ds spread.DirectionalSpread) {
	d := ds.Direction
	qty := snap.MinOrderContracts

	if e.ledger.ActiveContracts(d).Add(qty).GreaterThan(snap.MaxPositionContracts) {
		telemetry.RecordBlocked("position_ceiling")
		e.events.append(Event{Time: now, Kind: "entry_blocked", Direction: string(d), Reason: "position_ceiling"})
		return
	}

	buyQ := quotes[d.BuyVenue()]
	sellQ := quotes[d.SellVenue()]
	buySlip := e.calc.EstimateSlippage(buyQ.AskSize, qty, snap.BaseSlippage)
	sellSlip := e.calc.EstimateSlippage(sellQ.BidSize, qty, snap.BaseSlippage)
	if buySlip.GreaterThan(snap.MaxSlippage) || sellSlip.GreaterThan(snap.MaxSlippage) {
		worst := decimal.Max(buySlip, sellSlip)
		e.logger.Warn("Entry blocked", "direction", d,
			"error", fmt.Errorf("%w: estimated %s > max %s", apperrors.ErrSlippageExceeded, worst, snap.MaxSlippage))
		telemetry.RecordBlocked("slippage")
		e.events.append(Event{Time: now, Kind: "entry_blocked", Direction: string(d), Reason: "slippage",
			Detail: worst.String()})
		return
	}

	// The buy leg must be fundable from the venue's reported balance
	if e.accounts != nil {
		if acct, ok := e.accounts.Latest(d.BuyVenue()); ok {
			cost := ds.BuyPrice.Mul(qty)
			if acct.Cash.LessThan(cost) {
				e.logger.Warn("Entry blocked", "direction", d,
					"error", fmt.Errorf("%w: venue %s cash %s < cost %s", apperrors.ErrInsufficientFunds, d.BuyVenue(), acct.Cash, cost))
				telemetry.RecordBlocked("insufficient_funds")
				e.events.append(Event{Time: now, Kind: "entry_blocked", Direction: string(d), Reason: "insufficient_funds",
					Detail: acct.Cash.String()})
				return
			}
		}
	}

	// Prefer scaling into an existing open position in the same direction
	var target *position.Position
	for _, p := range e.ledger.ListActive() {
		if p.Direction == d && p.State == position.StateOpen && !e.isPending(p.ID) {
			target = p
			break
		}
	}

	scaleIn := target != nil
	if scaleIn {
		if err := e.ledger.AddEntryTarget(target.ID, qty); err != nil {
			e.logger.Warn("Scale-in rejected", "position_id", target.ID, "error", err)
			return
		}
	} else {
		if e.ledger.ActiveCount() >= snap.MaxConcurrentPositions {
			telemetry.RecordBlocked("max_concurrent")
			e.events.append(Event{Time: now, Kind: "entry_blocked", Direction: string(d), Reason: "max_concurrent"})
			return
		}
		target = e.ledger.OpenDraft(d, e.cfg.CurrentMode(), qty, snap.MinSpreadExit, now)
	}

	e.setPending(target.ID)
	e.events.append(Event{Time: now, Kind: "entry_submitted", Direction: string(d),
		PositionID: target.ID, Detail: ds.Entry.String()})

	posID := target.ID
	mode := target.Mode
	req := execution.SubmitRequest{
		PositionID:    posID,
		Direction:     d,
		Phase:         execution.PhaseEntry,
		Mode:          mode,
		Contracts:     qty,
		BuyPriceHint:  ds.BuyPrice,
		SellPriceHint: ds.SellPrice,
	}
	if err := e.submitter.SubmitAsync(e.runCtx(), req, func(res *execution.PairResult, err error) {
		e.onEntryResult(posID, scaleIn, qty, res, err)
	}); err != nil {
		e.logger.Error("Entry dispatch failed", "position_id", posID, "error", err)
		e.onEntryResult(posID, scaleIn, qty, nil, err)
	}
}

// onEntryResult applies an entry outcome to the ledger
func (e *Engine) onEntryResult(posID int64, scaleIn bool, qty decimal.Decimal, res *execution.PairResult, err error) {
	defer e.clearPending(posID)
	now := e.clock()

	if err != nil {
		e.events.append(Event{Time: now, Kind: "entry_failed", PositionID: posID, Reason: err.Error()})
		e.alertOnNakedLeg(posID, err)
		if scaleIn {
			if rerr := e.ledger.RevertEntryTarget(posID, qty); rerr != nil {
				e.maybeHalt(rerr)
			}
		} else {
			if ferr := e.ledger.MarkFailedOpen(posID, err.Error(), now); ferr != nil {
				e.maybeHalt(ferr)
			}
		}
		return
	}

	buy, sell := res.Fills()
	if lerr := e.ledger.RecordEntryPair(posID, buy, sell, now); lerr != nil {
		e.maybeHalt(lerr)
		return
	}
	e.events.append(Event{Time: now, Kind: "entry_filled", PositionID: posID,
		Detail: buy.Contracts.String()})
}

// evaluateExits walks the active positions and closes what should close.
// Exit decisions are never blocked by the risk gate.
func (e *Engine) evaluateExits(now time.Time, snap config.Snapshot, quotes map[core.Venue]core.Quote) {
	riskOK := e.risk.TradingAllowed()
	e.mu.Lock()
	tripped := e.lastRiskOK && !riskOK
	e.lastRiskOK = riskOK
	e.mu.Unlock()
	if tripped {
		st := e.risk.Snapshot()
		e.logger.Error("Forcing exits",
			"error", fmt.Errorf("%w: %s", apperrors.ErrRiskLimitBreached, st.TripReason),
			"daily_loss", st.DailyLoss)
		e.notify(alert.LevelError, "Risk gate tripped", st.TripReason, map[string]string{
			"daily_loss": st.DailyLoss.String(),
		})
	}

	for _, p := range e.ledger.ListActive() {
		if e.isPending(p.ID) {
			continue
		}

		switch p.State {
		case position.StateOpen:
			reason := e.exitReason(p, now, snap, quotes, riskOK)
			if reason == "" {
				continue
			}
			if err := e.ledger.MarkClosing(p.ID, reason, now); err != nil {
				e.logger.Warn("Close rejected", "position_id", p.ID, "error", err)
				continue
			}
			e.events.append(Event{Time: now, Kind: "exit_started", PositionID: p.ID, Reason: reason})
			p.State = position.StateClosing
			e.dispatchExit(now, p, snap, quotes)

		case position.StateClosing:
			// A partial or failed exit left a remainder; dispatch the next slice
			e.dispatchExit(now, p, snap, quotes)
		}
	}
}

// exitReason decides whether an open position should close this tick
func (e *Engine) exitReason(p *position.Position, now time.Time, snap config.Snapshot, quotes map[core.Venue]core.Quote, riskOK bool) string {
	if !riskOK {
		return "risk_trip"
	}
	if snap.MaxPositionAge > 0 && p.Age(now) >= snap.MaxPositionAge {
		return "max_age"
	}

	exitSpread, ok := e.calc.Exit(p.Direction, quotes, snap)
	if !ok {
		return ""
	}
	// Spread-target exits need quotes fresh enough to price the exit
	for _, v := range []core.Venue{p.Direction.BuyVenue(), p.Direction.SellVenue()} {
		if e.board.IsStale(v, snap.QuoteFreshness, now) {
			return ""
		}
	}
	if exitSpread.LessThanOrEqual(p.ExitSpreadTarget) {
		return "exit_target"
	}
	return ""
}

// dispatchExit submits one exit slice for a closing position. Exits are sized
// like entries, one order of at most MinOrderContracts; CLOSING positions
// drain the remainder across ticks.
func (e *Engine) dispatchExit(now time.Time, p *position.Position, snap config.Snapshot, quotes map[core.Venue]core.Quote) {
	qty := decimal.Min(p.RemainingContracts(), snap.MinOrderContracts)
	if !qty.IsPositive() {
		return
	}

	// The exit sells on the venue that was bought; never sell more than the
	// account actually reports holding there
	if e.accounts != nil {
		if acct, ok := e.accounts.Latest(p.Direction.BuyVenue()); ok && acct.Contracts.LessThan(qty) {
			qty = acct.Contracts
			if !qty.IsPositive() {
				telemetry.RecordBlocked("no_inventory")
				e.events.append(Event{Time: now, Kind: "exit_deferred", PositionID: p.ID, Reason: "no_inventory"})
				return
			}
		}
	}

	// Exit buys back on the sold venue and sells on the bought venue
	buyHint := quotes[p.Direction.SellVenue()].Ask
	sellHint := quotes[p.Direction.BuyVenue()].Bid

	e.setPending(p.ID)
	posID := p.ID
	req := execution.SubmitRequest{
		PositionID:    posID,
		Direction:     p.Direction,
		Phase:         execution.PhaseExit,
		Mode:          p.Mode,
		Contracts:     qty,
		BuyPriceHint:  buyHint,
		SellPriceHint: sellHint,
	}
	if err := e.submitter.SubmitAsync(e.runCtx(), req, func(res *execution.PairResult, err error) {
		e.onExitResult(posID, res, err)
	}); err != nil {
		e.logger.Error("Exit dispatch failed", "position_id", posID, "error", err)
		e.clearPending(posID)
	}
}

// onExitResult applies an exit outcome. A failed exit leaves the position
// CLOSING and the next tick retries the remainder.
func (e *Engine) onExitResult(posID int64, res *execution.PairResult, err error) {
	defer e.clearPending(posID)
	now := e.clock()

	if err != nil {
		e.events.append(Event{Time: now, Kind: "exit_failed", PositionID: posID, Reason: err.Error()})
		e.alertOnNakedLeg(posID, err)
		return
	}

	buy, sell := res.Fills()
	if lerr := e.ledger.RecordExitPair(posID, buy, sell, now); lerr != nil {
		e.maybeHalt(lerr)
		return
	}
	e.events.append(Event{Time: now, Kind: "exit_filled", PositionID: posID,
		Detail: buy.Contracts.String()})
}

// maybeHalt stops all trading on a ledger invariant violation. Anything else
// is logged and the loop continues.
func (e *Engine) maybeHalt(err error) {
	if !errors.Is(err, position.ErrInvariantViolation) {
		e.logger.Error("Ledger update failed", "error", err)
		return
	}
	e.mu.Lock()
	already := e.halted
	e.halted = true
	e.haltReason = err.Error()
	e.mu.Unlock()
	if !already {
		e.logger.Error("FATAL: trading halted", "error", err)
		e.events.append(Event{Time: e.clock(), Kind: "halted", Reason: err.Error()})
		e.risk.Trip("ledger invariant violation", e.clock())
		e.notify(alert.LevelCritical, "Trading halted", err.Error(), nil)
	}
}

// alertOnNakedLeg escalates the one failure mode that leaves real exposure:
// a mismatched pair whose compensation also failed
func (e *Engine) alertOnNakedLeg(posID int64, err error) {
	var mismatch *apperrors.LegMismatchError
	if !errors.As(err, &mismatch) || mismatch.Unwound {
		return
	}
	e.notify(alert.LevelCritical, "Naked leg", mismatch.Error(), map[string]string{
		"position_id": fmt.Sprintf("%d", posID),
		"venue":       mismatch.FilledVenue,
		"contracts":   mismatch.FilledContracts.String(),
	})
}

// notify is a nil-safe alert dispatch
func (e *Engine) notify(level alert.Level, title, message string, fields map[string]string) {
	if e.alerts == nil {
		return
	}
	e.alerts.Alert(e.runCtx(), level, title, message, fields)
}

func (e *Engine) dropCandidates(reason string) {
	e.mu.Lock()
	had := len(e.candidates) > 0
	e.candidates = make(map[core.Direction]*entryCandidate)
	e.mu.Unlock()
	if had {
		e.events.append(Event{Time: e.clock(), Kind: "candidates_dropped", Reason: reason})
	}
}

func (e *Engine) observeQuotes(quotes map[core.Venue]core.Quote, now time.Time) {
	for v, q := range quotes {
		telemetry.QuoteAge.WithLabelValues(string(v)).Set(q.Age(now).Seconds())
	}
}

func (e *Engine) isPending(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

func (e *Engine) setPending(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[id] = struct{}{}
}

func (e *Engine) clearPending(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, id)
}

func (e *Engine) runCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}
