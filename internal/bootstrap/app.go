// Package bootstrap assembles the application: configuration, logging,
// feeds, ports, persistence and the engine, plus the shutdown sequence.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"spreadarb/internal/alert"
	"spreadarb/internal/config"
	"spreadarb/internal/core"
	"spreadarb/internal/engine"
	"spreadarb/internal/exchange"
	"spreadarb/internal/execution"
	"spreadarb/internal/feed"
	"spreadarb/internal/position"
	"spreadarb/internal/risk"
	"spreadarb/internal/safety"
	"spreadarb/pkg/logging"
	"spreadarb/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// App holds every wired component
type App struct {
	Cfg     *config.Config
	Mgr     *config.Manager
	Logger  *logging.ZapLogger
	Board   *feed.QuoteBoard
	Ledger  *position.Ledger
	Risk    *risk.Manager
	Engine  *engine.Engine
	Coord   *execution.Coordinator
	Store   *position.Store
	Checker *safety.Checker

	accounts *feed.AccountBoard
	streams  []*feed.Stream
	metrics  *telemetry.Server
	riskPath string
	simPort  *exchange.SimulatedPort
}

// NewApp loads configuration and wires all components. An empty configPath
// runs on defaults, which is the simulated mode out-of-the-box experience.
func NewApp(configPath string) (*App, error) {
	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("default config: %w", err)
		}
	} else {
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return nil, err
		}
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	mgr, err := config.NewManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("config manager: %w", err)
	}
	snap := mgr.Snapshot()

	a := &App{
		Cfg:      cfg,
		Mgr:      mgr,
		Logger:   logger,
		Board:    feed.NewQuoteBoard(),
		accounts: feed.NewAccountBoard(),
		Checker:  safety.NewChecker(logger),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.App.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	a.riskPath = filepath.Join(filepath.Dir(cfg.App.StatePath), "risk_state.json")

	if a.Store, err = position.NewStore(cfg.App.StatePath); err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}

	a.Ledger = position.NewLedger(logger)
	if state, err := a.Store.LoadState(context.Background()); err != nil {
		return nil, fmt.Errorf("load ledger state: %w", err)
	} else if state != nil {
		if err := a.Ledger.Restore(state); err != nil {
			return nil, fmt.Errorf("restore ledger: %w", err)
		}
	}

	now := time.Now()
	loc := time.UTC
	if cfg.Risk.DayBoundaryTZ != "" {
		if loc, err = time.LoadLocation(cfg.Risk.DayBoundaryTZ); err != nil {
			return nil, fmt.Errorf("day boundary tz: %w", err)
		}
	}
	a.Risk = risk.NewManager(risk.Config{
		DailyLossLimit: decimal.NewFromFloat(cfg.Risk.DailyLossLimit),
		DayBoundaryTZ:  loc,
	}, now, logger)
	if st, ok, err := risk.LoadStateFile(a.riskPath); err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	} else if ok {
		a.Risk.Restore(st)
		a.Risk.DailyResetIfNeeded(now)
	}

	a.buildStreams(cfg, logger)

	ports, err := a.buildPorts(cfg, snap, logger)
	if err != nil {
		return nil, err
	}
	a.Coord = execution.NewCoordinator(ports, execution.Config{
		FillTimeout:      snap.FillTimeout,
		MinOrderInterval: snap.MinOrderInterval,
	}, logger)

	a.Engine = engine.New(mgr, a.Board, a.accounts, a.Ledger, a.Risk, a.Coord, logger, engine.Options{
		TickInterval: time.Duration(cfg.Timing.TickIntervalMs) * time.Millisecond,
		Alerts:       a.buildAlerts(cfg, logger),
	})

	if cfg.Telemetry.EnableMetrics {
		a.metrics = telemetry.NewServer(cfg.Telemetry.MetricsAddr, logger)
	}
	return a, nil
}

// Run starts everything and blocks until a termination signal or a fatal
// component error
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("Starting spreadarb", "mode", a.Cfg.App.Mode)

	if a.metrics != nil {
		a.metrics.Start()
	}
	for _, s := range a.streams {
		s.Start()
	}

	if err := a.preflight(ctx); err != nil {
		a.stopComponents()
		return fmt.Errorf("preflight failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Engine.Run(gctx)
	})
	g.Go(func() error {
		return a.persistLoop(gctx)
	})

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Shut down cleanly")
	return nil
}

// preflight verifies parameters, feed liveness and funding before trading
func (a *App) preflight(ctx context.Context) error {
	snap := a.Mgr.Snapshot()
	if err := a.Checker.CheckTradingParameters(snap); err != nil {
		return err
	}
	if len(a.streams) == 0 {
		a.Logger.Warn("No venue feeds configured, engine will idle on stale quotes")
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := a.Checker.WaitForQuotes(waitCtx, a.Board, snap.QuoteFreshness); err != nil {
		return err
	}
	if a.Cfg.App.Mode == string(core.ModeSimulated) {
		return a.Checker.CheckFunding(a.Board, decimal.NewFromFloat(a.Cfg.App.InitialCash), snap)
	}
	return nil
}

// persistLoop snapshots the ledger and the risk state periodically
func (a *App) persistLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.saveState()
		}
	}
}

func (a *App) saveState() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Store.SaveState(ctx, a.Ledger.Snapshot()); err != nil {
		a.Logger.Error("Ledger snapshot failed", "error", err)
	}
	if err := risk.SaveStateFile(a.riskPath, a.Risk.Snapshot()); err != nil {
		a.Logger.Error("Risk state save failed", "error", err)
	}
}

// shutdown drains open positions when configured, persists state and stops
// every component
func (a *App) shutdown() {
	if a.Cfg.System.CloseAllOnExit {
		if n := a.Engine.CloseAll("shutdown"); n > 0 {
			a.Logger.Info("Draining positions before exit", "count", n)
			deadline := time.Now().Add(15 * time.Second)
			tick := time.Duration(a.Cfg.Timing.TickIntervalMs) * time.Millisecond
			for time.Now().Before(deadline) && a.Ledger.ActiveCount() > 0 {
				a.Engine.Tick(time.Now())
				time.Sleep(tick)
			}
			if left := a.Ledger.ActiveCount(); left > 0 {
				a.Logger.Error("Positions still open at exit", "count", left)
			}
		}
	}

	a.saveState()
	a.stopComponents()
}

func (a *App) stopComponents() {
	for _, s := range a.streams {
		s.Stop()
	}
	a.Coord.Stop()
	if a.metrics != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Stop(stopCtx)
		cancel()
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Store close failed", "error", err)
	}
	_ = a.Logger.Sync()
}

// buildStreams creates one quote stream per configured venue websocket
func (a *App) buildStreams(cfg *config.Config, logger *logging.ZapLogger) {
	for key, venue := range cfg.Venues {
		if venue.WSURL == "" {
			continue
		}
		v, ok := venueKey(key)
		if !ok {
			logger.Warn("Unknown venue key ignored", "key", key)
			continue
		}
		var subscribe interface{}
		if venue.Symbol != "" {
			subscribe = map[string]interface{}{"op": "subscribe", "channel": "ticker", "symbol": venue.Symbol}
		}
		a.streams = append(a.streams, feed.NewStream(feed.StreamConfig{
			Venue:        v,
			URL:          venue.WSURL,
			SubscribeMsg: subscribe,
			PingInterval: time.Duration(cfg.Timing.WSPingIntervalSec) * time.Second,
		}, feed.JSONTickerDecoder{}, a.Board, logger))
	}
}

// buildPorts wires the execution ports. The simulated port is always
// available; the live port only in real mode with both venues configured.
func (a *App) buildPorts(cfg *config.Config, snap config.Snapshot, logger *logging.ZapLogger) (map[core.Mode]core.IExecutionPort, error) {
	fees := make(map[core.Venue]decimal.Decimal)
	for key, venue := range cfg.Venues {
		if v, ok := venueKey(key); ok {
			fees[v] = decimal.NewFromFloat(venue.TakerFeeRate)
		}
	}

	a.simPort = exchange.NewSimulatedPort(exchange.SimulatedPortConfig{
		InitialCash:  decimal.NewFromFloat(cfg.App.InitialCash),
		TakerFees:    fees,
		FillSlippage: snap.BaseSlippage,
	}, a.Board, a.accounts, logger)

	ports := map[core.Mode]core.IExecutionPort{
		core.ModeSimulated: a.simPort,
	}

	if cfg.App.Mode == string(core.ModeReal) {
		clients := make(map[core.Venue]*exchange.VenueClient)
		for key, venue := range cfg.Venues {
			v, ok := venueKey(key)
			if !ok || venue.RESTURL == "" {
				continue
			}
			clients[v] = exchange.NewVenueClient(
				venue.RESTURL, venue.Symbol, snap.FillTimeout,
				apiKeySigner{key: string(venue.APIKey)},
				venue.OrdersPerSec,
			)
		}
		live, err := exchange.NewLivePort(clients, logger)
		if err != nil {
			return nil, fmt.Errorf("live port: %w", err)
		}
		ports[core.ModeReal] = live
	}
	return ports, nil
}

func (a *App) buildAlerts(cfg *config.Config, logger *logging.ZapLogger) alert.Alerter {
	if cfg.Alerts.SlackWebhookURL == "" && cfg.Alerts.TelegramBotToken == "" {
		return nil
	}
	m := alert.NewManager(logger)
	if cfg.Alerts.SlackWebhookURL != "" {
		m.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.SlackWebhookURL)))
	}
	if cfg.Alerts.TelegramBotToken != "" {
		m.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
	}
	return m
}

func venueKey(key string) (core.Venue, bool) {
	switch key {
	case "v1":
		return core.VenueV1, true
	case "v2":
		return core.VenueV2, true
	default:
		return "", false
	}
}

// apiKeySigner attaches the API key header. Venue-specific request signing
// belongs to the venue adapter behind the Signer interface.
type apiKeySigner struct {
	key string
}

func (s apiKeySigner) SignRequest(req *http.Request) error {
	if s.key != "" {
		req.Header.Set("X-API-Key", s.key)
	}
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	return nil
}
