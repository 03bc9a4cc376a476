package broker

import (
	"context"
	"errors"
	"time"

	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"
)

const (
	defaultSpacing = 200 * time.Millisecond
	defaultTimeout = 10 * time.Second
)

// GateConfig controls outbound call pacing.
type GateConfig struct {
	// MinSpacing is the minimum interval between two outbound calls.
	MinSpacing time.Duration
	// Timeout bounds each call; an expired call is an ambiguous outcome.
	Timeout time.Duration
}

// Gate serializes every outbound call of a broker through one limiter and
// bounds each call with a timeout.
type Gate struct {
	inner   Broker
	limiter *rate.Limiter
	timeout time.Duration
	metrics *obs.Metrics
}

var _ Broker = (*Gate)(nil)

// NewGate wraps inner.
func NewGate(inner Broker, cfg GateConfig, metrics *obs.Metrics) *Gate {
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = defaultSpacing
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Gate{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		timeout: cfg.Timeout,
		metrics: metrics,
	}
}

func call[T any](g *Gate, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.limiter.Wait(ctx); err != nil {
		return zero, &Error{Kind: KindConnection, Code: "GATE_WAIT", Message: op, Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	v, err := fn(callCtx)
	g.metrics.ObserveBroker(time.Since(start))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (callCtx.Err() != nil && KindOf(err) == KindUnknown) {
			logs.Warnf("broker: %s timed out after %s", op, time.Since(start))
			return zero, &Error{Kind: KindTimeout, Code: "TIMEOUT", Message: op, Err: err}
		}
		return zero, err
	}
	return v, nil
}

func (g *Gate) Connect(ctx context.Context) error {
	_, err := call(g, ctx, "connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Connect(ctx)
	})
	return err
}

func (g *Gate) Disconnect(ctx context.Context) error {
	return g.inner.Disconnect(ctx)
}

func (g *Gate) IsConnected() bool {
	return g.inner.IsConnected()
}

func (g *Gate) PlaceOrder(ctx context.Context, order schema.Order) (string, error) {
	return call(g, ctx, "place order "+order.ID, func(ctx context.Context) (string, error) {
		return g.inner.PlaceOrder(ctx, order)
	})
}

func (g *Gate) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	return call(g, ctx, "cancel order "+brokerOrderID, func(ctx context.Context) (bool, error) {
		return g.inner.CancelOrder(ctx, brokerOrderID)
	})
}

func (g *Gate) FetchPositions(ctx context.Context) ([]schema.Position, error) {
	return call(g, ctx, "fetch positions", g.inner.FetchPositions)
}

func (g *Gate) FetchOpenOrders(ctx context.Context) ([]OrderSummary, error) {
	return call(g, ctx, "fetch open orders", g.inner.FetchOpenOrders)
}

func (g *Gate) FetchOrderFills(ctx context.Context, brokerOrderID string) ([]Execution, error) {
	return call(g, ctx, "fetch fills "+brokerOrderID, func(ctx context.Context) ([]Execution, error) {
		return g.inner.FetchOrderFills(ctx, brokerOrderID)
	})
}

func (g *Gate) FetchBalance(ctx context.Context) (schema.Balance, error) {
	return call(g, ctx, "fetch balance", g.inner.FetchBalance)
}

func (g *Gate) SubscribeMarketData(ctx context.Context, symbols []string) error {
	_, err := call(g, ctx, "subscribe", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.SubscribeMarketData(ctx, symbols)
	})
	return err
}

func (g *Gate) UnsubscribeMarketData(ctx context.Context, symbols []string) error {
	_, err := call(g, ctx, "unsubscribe", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.UnsubscribeMarketData(ctx, symbols)
	})
	return err
}

func (g *Gate) Events() <-chan Event {
	return g.inner.Events()
}
