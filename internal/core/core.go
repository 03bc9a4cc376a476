/*
Core wires the trading components together and runs the session.

# Module
  - event bus: carries ticks, closed candles, signals, fills and control events between components
  - market service: aggregates ticks into candles for the subscribed universe
  - strategy runtime: invokes every strategy on each closed candle
  - risk engine: validates the signals against the portfolio tracker
  - order manager: turns approved signals into orders and applies their fills

# Source
 1. ticks, acks and fills from the broker event channel
 2. operator commands from the api and the kill switch

# Produce
  - orders to the broker
  - candles, signals, orders, fills and runs to the repository
  - a daily journal and kafka notifications when configured
*/
package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kpLEE-HYU/krader/internal/api"
	"github.com/kpLEE-HYU/krader/internal/broker"
	"github.com/kpLEE-HYU/krader/internal/bus"
	"github.com/kpLEE-HYU/krader/internal/candle"
	"github.com/kpLEE-HYU/krader/internal/control"
	"github.com/kpLEE-HYU/krader/internal/feed"
	"github.com/kpLEE-HYU/krader/internal/journal"
	"github.com/kpLEE-HYU/krader/internal/market"
	"github.com/kpLEE-HYU/krader/internal/notify"
	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/og"
	"github.com/kpLEE-HYU/krader/internal/ops"
	"github.com/kpLEE-HYU/krader/internal/recon"
	"github.com/kpLEE-HYU/krader/internal/repository"
	"github.com/kpLEE-HYU/krader/internal/risk"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/state"
	"github.com/kpLEE-HYU/krader/internal/strategy"
	"github.com/kpLEE-HYU/krader/internal/universe"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	busDrainTimeout   = 5 * time.Second
	statusInterval    = 30 * time.Second
	marketPollPeriod  = time.Second
	syntheticVolStdev = 0.0003
)

// Options holds the collaborators of an App. Only Config and DB are required.
type Options struct {
	Config ops.Loaded
	DB     *gorm.DB
	// Broker replaces the paper broker built from Config.
	Broker broker.Broker
	// Strategies replaces the strategy created from Config through Registry.
	Strategies []strategy.Strategy
	Registry   *strategy.Registry
	// Provider replaces the static universe of Config.
	Provider universe.Provider
	// Notifier replaces the kafka writer built from Config.
	Notifier notify.Writer
	Clock    func() time.Time
	Metrics  *obs.Metrics
}

// App is one trading session.
type App struct {
	cfg     ops.Loaded
	clock   func() time.Time
	metrics *obs.Metrics

	repo       *repository.Repository
	broker     broker.Broker
	bus        *bus.Bus
	tracker    *state.Tracker
	risk       *risk.Engine
	orders     *og.Manager
	control    *control.Control
	market     *market.Service
	universe   *universe.Service
	recon      *recon.Reconciler
	journal    *journal.Service
	notifier   *notify.Notifier
	strategies []strategy.Strategy

	lastSignal atomic.Int64
	marketOpen atomic.Bool
	ticks      atomic.Uint64
	signals    atomic.Uint64
	stopping   atomic.Bool
}

// New builds the session without touching the network or the database.
func New(opts Options) (*App, error) {
	if opts.DB == nil {
		return nil, errors.New("core: nil database")
	}
	cfg := opts.Config
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = obs.NewMetrics()
	}

	engine, err := risk.NewEngine(cfg.File.Risk, clock, metrics)
	if err != nil {
		return nil, fmt.Errorf("risk engine: %w", err)
	}

	a := &App{
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		repo:    repository.New(opts.DB),
		bus:     bus.New(bus.WithMetrics(metrics)),
		tracker: state.NewTracker(clock),
		risk:    engine,
	}

	inner := opts.Broker
	if inner == nil {
		inner = newPaper(cfg, clock, metrics)
	}
	a.broker = broker.NewGate(inner, broker.GateConfig{MinSpacing: cfg.Spacing, Timeout: cfg.Timeout}, metrics)

	a.orders = og.NewManager(a.repo, a.broker, a.tracker, a.bus, og.Config{Clock: clock, Metrics: metrics})
	a.control = control.New(control.Config{
		ErrorThreshold: cfg.File.Control.ErrorThreshold,
		ErrorWindow:    cfg.ErrWindow,
	}, a.orders, a.repo, a.bus, clock)

	agg := candle.NewAggregator(cfg.Timeframes, engine.Location(), metrics)
	a.market = market.NewService(agg, universe.NewSet(), a.broker, a.repo, a.bus, market.Config{HistorySize: cfg.File.Market.HistorySize}, metrics)

	provider := opts.Provider
	if provider == nil {
		provider = universe.Static(cfg.Universe)
	}
	a.universe = universe.NewService(provider, a.market, universe.Config{
		Size:          cfg.File.Universe.Size,
		CacheDuration: cfg.CacheFor,
		Clock:         clock,
	})

	rc := recon.DefaultConfig()
	rc.Clock = clock
	a.recon = recon.New(a.repo, a.broker, a.tracker, rc)

	a.strategies = opts.Strategies
	if len(a.strategies) == 0 {
		registry := opts.Registry
		if registry == nil {
			registry = strategy.DefaultRegistry()
		}
		s, err := registry.Create(cfg.File.Strategy.Name, cfg.File.Strategy.Params)
		if err != nil {
			return nil, err
		}
		a.strategies = []strategy.Strategy{s}
	}

	if cfg.File.Journal.Enabled {
		a.journal = journal.New(a.repo, cfg.File.Journal.Dir, a.strategies[0].Name(), engine.Location())
	}

	writer := opts.Notifier
	if writer == nil && len(cfg.File.Notify.Brokers) != 0 {
		writer = notify.NewKafkaWriter(cfg.File.Notify.Brokers, cfg.File.Notify.Topic)
	}
	if writer != nil {
		a.notifier = notify.New(writer, clock)
		a.notifier.Attach(a.bus)
	}

	a.bus.SetErrorHook(a.onHandlerError)
	a.bus.Subscribe(schema.EventTick, "market", a.onTick)
	a.bus.Subscribe(schema.EventCandleClosed, "strategy", a.onCandle)
	a.bus.Subscribe(schema.EventSignal, "execution", a.onSignal)
	a.bus.Subscribe(schema.EventFill, "strategy", a.onFill)
	a.bus.Subscribe(schema.EventControl, "core", a.onControl)
	return a, nil
}

func newPaper(cfg ops.Loaded, clock func() time.Time, metrics *obs.Metrics) *broker.Paper {
	var source broker.TickSource
	if cfg.File.Broker.FeedURL != "" {
		source = feed.New(cfg.File.Broker.FeedURL, cfg.TickEvery)
	} else {
		source = broker.NewSyntheticTicks(broker.SyntheticConfig{
			Interval:   cfg.TickEvery,
			Seed:       cfg.File.Broker.Seed,
			SeedPrices: broker.BlueChipSeedPrices,
			Volatility: syntheticVolStdev,
			Clock:      clock,
		})
	}
	return broker.NewPaper(broker.PaperConfig{
		InitialCash:    cfg.File.Broker.InitialCash,
		CommissionRate: cfg.File.Broker.CommissionRate,
		PartialFills:   cfg.File.Broker.PartialFills,
		Source:         source,
		Clock:          clock,
		Metrics:        metrics,
	})
}

// Run starts the session and blocks until ctx ends, the control surface
// requests a shutdown, or a background loop fails. Startup errors, including
// a failed reconciliation, abort before any order can be placed.
func (a *App) Run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		a.stop(context.WithoutCancel(ctx))
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return a.pump(egCtx) })
	eg.Go(func() error { return a.watch(egCtx) })
	eg.Go(func() error { return a.universe.Run(egCtx, a.cfg.RefreshFor) })
	if addr := a.cfg.File.API.Addr; addr != "" {
		eg.Go(func() error { return api.Serve(egCtx, addr, a.Handler()) })
	}
	eg.Go(func() error {
		select {
		case <-egCtx.Done():
		case <-a.control.ShutdownRequested():
			cancel()
		}
		return nil
	})

	err := eg.Wait()
	a.stop(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) start(ctx context.Context) error {
	if err := a.repo.Migrate(ctx); err != nil {
		return err
	}
	if err := a.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	res, err := a.recon.Reconcile(ctx)
	if err != nil {
		return err
	}
	if len(res.UnknownBrokerOrders) != 0 {
		logs.Warnf("core: %d open broker orders are not ours, left untouched", len(res.UnknownBrokerOrders))
	}
	if err := a.orders.LoadActive(ctx); err != nil {
		return fmt.Errorf("load active orders: %w", err)
	}

	for _, s := range a.strategies {
		if err := s.OnStart(ctx); err != nil {
			return fmt.Errorf("start strategy %s: %w", s.Name(), err)
		}
	}

	a.marketOpen.Store(a.risk.IsMarketOpen(a.clock()))
	a.bus.Start(ctx)

	if _, _, err := a.universe.Refresh(ctx, true); err != nil {
		return fmt.Errorf("subscribe universe: %w", err)
	}
	logs.Infof("core: started run %s, %d strategies, universe %v, market open %v",
		a.recon.RunID(), len(a.strategies), a.universe.Symbols(), a.marketOpen.Load())
	return nil
}

func (a *App) stop(ctx context.Context) {
	a.stopping.Store(true)
	a.orders.Pause()
	for _, s := range a.strategies {
		if err := s.OnStop(ctx); err != nil {
			logs.Errorf("core: stop strategy %s, err: %+v", s.Name(), err)
		}
	}

	a.market.Flush(ctx)
	if err := a.bus.Close(busDrainTimeout); err != nil {
		logs.Errorf("core: close bus, err: %+v", err)
	}

	a.generateJournal(ctx)

	status := schema.RunStatusCompleted
	if a.control.KillSwitchActive() {
		status = schema.RunStatusKilled
	}
	if err := a.recon.EndRun(ctx, status); err != nil {
		logs.Errorf("core: end run, err: %+v", err)
	}

	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			logs.Errorf("core: close notifier, err: %+v", err)
		}
	}
	if err := a.broker.Disconnect(ctx); err != nil {
		logs.Errorf("core: disconnect broker, err: %+v", err)
	}
	logs.Infof("core: stopped, %d ticks, %d signals", a.ticks.Load(), a.signals.Load())
}

// pump moves inbound broker events into the process. Ticks go through the
// bus; acks and fills go straight to the order manager in arrival order.
func (a *App) pump(ctx context.Context) error {
	events := a.broker.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return errors.New("broker event channel closed")
			}
			a.dispatch(ctx, ev)
		}
	}
}

func (a *App) dispatch(ctx context.Context, ev broker.Event) {
	switch ev.Kind {
	case broker.EventKindTick:
		if err := a.bus.Publish(schema.EventTick, ev.Tick); err != nil {
			logs.Debugf("core: drop tick %s, err: %v", ev.Tick.Symbol, err)
		}
	case broker.EventKindAck:
		if err := a.orders.HandleAck(ctx, ev.Ack); err != nil {
			a.recordError(ctx, schema.ErrorEvent{Source: "og", Code: "ACK_FAILED", Message: err.Error(), Ref: ev.Ack.BrokerOrderID})
		}
	case broker.EventKindFill:
		if err := a.orders.HandleFill(ctx, ev.Fill); err != nil {
			a.recordError(ctx, schema.ErrorEvent{Source: "og", Code: "FILL_FAILED", Message: err.Error(), Ref: ev.Fill.BrokerOrderID})
		}
	default:
		logs.Warnf("core: unknown broker event kind %d", ev.Kind)
	}
}

// watch follows the market session and logs the status periodically.
func (a *App) watch(ctx context.Context) error {
	poll := time.NewTicker(marketPollPeriod)
	defer poll.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			a.checkMarket(ctx)
		case <-status.C:
			a.logStatus()
		}
	}
}

func (a *App) checkMarket(ctx context.Context) {
	open := a.risk.IsMarketOpen(a.clock())
	if a.marketOpen.Swap(open) == open {
		return
	}

	if open {
		a.tracker.ResetDaily()
		logs.Info("core: market opened, daily counters reset")
		a.publishControl(schema.ControlEvent{Command: schema.ControlMarketOpen})
		return
	}
	logs.Info("core: market closed")
	a.publishControl(schema.ControlEvent{Command: schema.ControlMarketShut})
	a.generateJournal(ctx)
}

func (a *App) generateJournal(ctx context.Context) {
	if a.journal == nil {
		return
	}
	now := a.clock()
	if a.journal.Generated(now) {
		return
	}
	path, err := a.journal.Generate(ctx, now, a.tracker.Snapshot())
	if err != nil {
		logs.Errorf("core: generate journal, err: %+v", err)
		return
	}
	if path != "" {
		logs.Infof("core: journal saved to %s", path)
	}
}

func (a *App) logStatus() {
	p := a.tracker.Snapshot()
	st := a.control.Status()
	logs.Infof("core: status market_open=%v paused=%v kill=%v equity=%s cash=%s daily_pnl=%s positions=%d active_orders=%d ticks=%d signals=%d backlog_peak=%v",
		a.marketOpen.Load(), st.Paused, st.KillSwitch, p.TotalEquity, p.Cash, p.DailyPnL,
		len(p.Positions), len(a.orders.ActiveOrders()), a.ticks.Load(), a.signals.Load(), a.bus.HighWater())
}

func (a *App) publishControl(ev schema.ControlEvent) {
	if err := a.bus.Publish(schema.EventControl, ev); err != nil {
		logs.Warnf("core: publish control %s, err: %+v", ev.Command, err)
	}
}

// Handler is the operator api of the session.
func (a *App) Handler() *gin.Engine {
	return api.NewRouter(api.Config{
		Control:   a.control,
		Portfolio: a.tracker,
		Orders:    a.orders,
		Errors:    a.repo,
		Metrics:   a.metrics,
		Universe:  a.universe.Symbols,
		RunID:     a.recon.RunID,
	})
}

// SetRiskConfig swaps the risk limits of a running session.
func (a *App) SetRiskConfig(cfg risk.Config) error {
	return a.risk.SetConfig(cfg)
}

func (a *App) Control() *control.Control {
	return a.control
}

func (a *App) Portfolio() schema.Portfolio {
	return a.tracker.Snapshot()
}

func (a *App) ActiveOrders() []schema.Order {
	return a.orders.ActiveOrders()
}
