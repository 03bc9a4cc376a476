package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kpLEE-HYU/krader/internal/bus"
	"github.com/kpLEE-HYU/krader/internal/risk"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/strategy"
	"github.com/kpLEE-HYU/krader/pkg/exception"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

func (a *App) onTick(ctx context.Context, e bus.Event) error {
	tick, ok := e.Payload.(schema.Tick)
	if !ok {
		return fmt.Errorf("tick handler: unexpected payload %T", e.Payload)
	}
	a.ticks.Add(1)
	a.market.OnTick(ctx, tick)
	a.tracker.UpdatePrice(tick.Symbol, tick.Price)
	return nil
}

// onCandle hands a snapshot to every strategy trading the symbol. A failing
// strategy is counted toward the kill switch and does not stop the others.
// Candles flushed during shutdown reach no strategy.
func (a *App) onCandle(ctx context.Context, e bus.Event) error {
	c, ok := e.Payload.(schema.Candle)
	if !ok {
		return fmt.Errorf("candle handler: unexpected payload %T", e.Payload)
	}
	if a.control.Paused() || a.stopping.Load() {
		return nil
	}

	now := a.clock()
	snap := a.market.Snapshot(c.Symbol, now)
	sc, err := a.strategyContext(ctx, now)
	if err != nil {
		return err
	}

	for _, s := range a.strategies {
		if !strategy.Wants(s, c.Symbol) {
			continue
		}
		signals, err := s.OnMarketData(ctx, snap, sc)
		if err != nil {
			a.recordError(ctx, schema.ErrorEvent{Source: "strategy:" + s.Name(), Code: "STRATEGY_FAILED", Message: err.Error(), Ref: c.Symbol})
			continue
		}
		for _, sig := range signals {
			if sig.Strategy == "" {
				sig.Strategy = s.Name()
			}
			if err := a.bus.Publish(schema.EventSignal, sig); err != nil {
				logs.Errorf("core: publish signal %s %s, err: %+v", sig.ID, sig.Symbol, err)
			}
		}
	}
	return nil
}

func (a *App) strategyContext(ctx context.Context, now time.Time) (strategy.Context, error) {
	daily, err := a.repo.CountOrdersSince(ctx, startOfDay(now, a.risk.Location()))
	if err != nil {
		return strategy.Context{}, err
	}
	sc := strategy.Context{
		Portfolio:    a.tracker.Snapshot(),
		ActiveOrders: len(a.orders.ActiveOrders()),
		DailyOrders:  daily,
		MarketOpen:   a.risk.IsMarketOpen(now),
		Universe:     a.universe.Symbols(),
	}
	if ns := a.lastSignal.Load(); ns != 0 {
		sc.LastSignalTime = time.Unix(0, ns)
	}
	return sc, nil
}

// onSignal persists the signal, validates it and submits the approved
// quantity. Every signal gets a recorded outcome, rejections included.
func (a *App) onSignal(ctx context.Context, e bus.Event) error {
	sig, ok := e.Payload.(schema.Signal)
	if !ok {
		return fmt.Errorf("signal handler: unexpected payload %T", e.Payload)
	}
	a.signals.Add(1)
	if sig.Action != schema.ActionHold {
		a.lastSignal.Store(sig.Timestamp.UnixNano())
	}

	if err := a.repo.SaveSignal(ctx, sig); err != nil {
		return fmt.Errorf("save signal %s: %w", sig.ID, err)
	}

	price := a.marketPrice(sig.Symbol)
	res, err := a.validate(ctx, sig, price)
	if err != nil {
		return err
	}
	if err := a.repo.RecordSignalOutcome(ctx, sig.ID, res); err != nil {
		logs.Errorf("core: record outcome of %s, err: %+v", sig.ID, err)
	}
	if !res.Approved {
		return nil
	}

	if !price.IsPositive() {
		price = sig.Price
	}
	order, err := a.orders.Submit(ctx, sig, res.ApprovedQuantity, price)
	switch {
	case errors.Is(err, exception.ErrOrderSubmissionPaused):
		logs.Warnf("core: signal %s approved but order submission is paused", sig.ID)
		return nil
	case err != nil:
		return fmt.Errorf("submit signal %s: %w", sig.ID, err)
	}
	logs.Infof("core: signal %s -> order %s %s %s %d (%s)", sig.ID, order.ID, order.Side, order.Symbol, order.Quantity, order.Status)
	return nil
}

func (a *App) validate(ctx context.Context, sig schema.Signal, price decimal.Decimal) (schema.ValidationResult, error) {
	if a.stopping.Load() {
		logs.Warnf("core: rejected %s %s %s, shutting down", sig.ID, sig.Action, sig.Symbol)
		return schema.Reject(sig.SuggestedQuantity, schema.RiskReasonPaused, "shutting down"), nil
	}
	if a.control.Paused() && !a.control.KillSwitchActive() {
		logs.Warnf("core: rejected %s %s %s, trading is paused", sig.ID, sig.Action, sig.Symbol)
		return schema.Reject(sig.SuggestedQuantity, schema.RiskReasonPaused, "trading is paused"), nil
	}

	today, err := a.repo.CountOrdersSince(ctx, startOfDay(a.clock(), a.risk.Location()))
	if err != nil {
		return schema.ValidationResult{}, fmt.Errorf("count orders for %s: %w", sig.ID, err)
	}
	return a.risk.Evaluate(sig, risk.Input{
		Portfolio:   a.tracker.Snapshot(),
		Price:       price,
		KillSwitch:  a.control.KillSwitchActive(),
		OrdersToday: today,
	}), nil
}

// marketPrice is the last traded price, zero when the symbol has not traded.
func (a *App) marketPrice(symbol string) decimal.Decimal {
	if t, ok := a.market.LastTick(symbol); ok {
		return t.Price
	}
	return decimal.Zero
}

func (a *App) onFill(ctx context.Context, e bus.Event) error {
	fill, ok := e.Payload.(schema.Fill)
	if !ok {
		return fmt.Errorf("fill handler: unexpected payload %T", e.Payload)
	}
	for _, s := range a.strategies {
		if strategy.Wants(s, fill.Symbol) {
			s.OnFill(ctx, fill)
		}
	}
	return nil
}

func (a *App) onControl(_ context.Context, e bus.Event) error {
	ev, ok := e.Payload.(schema.ControlEvent)
	if !ok {
		return fmt.Errorf("control handler: unexpected payload %T", e.Payload)
	}
	switch ev.Command {
	case schema.ControlKill:
		logs.Errorf("core: kill switch active, %d orders canceled, reason: %s", ev.Count, ev.Reason)
	case schema.ControlShutdown:
		logs.Warnf("core: shutdown requested, reason: %s", ev.Reason)
	default:
		logs.Infof("core: control %s %s", ev.Command, ev.Reason)
	}
	return nil
}

// onHandlerError counts a failed bus handler toward the kill switch. Failures
// on the error lane are only logged.
func (a *App) onHandlerError(eventType schema.EventType, name string, err error) {
	if eventType == schema.EventError {
		return
	}
	a.recordError(context.Background(), schema.ErrorEvent{Source: "bus:" + name, Code: "HANDLER_FAILED", Message: err.Error(), Ref: eventType.String()})
}

func (a *App) recordError(ctx context.Context, ev schema.ErrorEvent) {
	a.control.RecordError(ctx, ev)
	if err := a.bus.Publish(schema.EventError, ev); err != nil && !errors.Is(err, bus.ErrBusClosed) {
		logs.Warnf("core: publish error event from %s, err: %+v", ev.Source, err)
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
