package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kpLEE-HYU/krader/internal/broker"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/state"
	"github.com/sethvargo/go-retry"
	"github.com/yanun0323/logs"
)

// ErrReconcileFailed aborts startup: trading must not begin with unknown
// position state.
var ErrReconcileFailed = errors.New("reconcile failed")

// Store is the persistence the reconciler repairs.
type Store interface {
	UnfinishedRuns(ctx context.Context) ([]schema.BotRun, error)
	StartRun(ctx context.Context, run schema.BotRun) error
	EndRun(ctx context.Context, id string, status schema.RunStatus, endedAt time.Time) error
	Positions(ctx context.Context) ([]schema.Position, error)
	ReplacePositions(ctx context.Context, positions []schema.Position) error
	OpenOrders(ctx context.Context) ([]schema.Order, error)
	UpdateOrder(ctx context.Context, order schema.Order) error
	FilledQuantity(ctx context.Context, orderID string) (int64, error)
}

// Broker is the read-only broker view used during reconciliation.
type Broker interface {
	FetchPositions(ctx context.Context) ([]schema.Position, error)
	FetchOpenOrders(ctx context.Context) ([]broker.OrderSummary, error)
	FetchOrderFills(ctx context.Context, brokerOrderID string) ([]broker.Execution, error)
	FetchBalance(ctx context.Context) (schema.Balance, error)
}

// Portfolio receives the broker's positions and balance wholesale.
type Portfolio interface {
	Sync(positions []schema.Position, balance schema.Balance) []state.Divergence
}

// Config controls fetch retries.
type Config struct {
	Attempts uint64
	Backoff  time.Duration
	Clock    func() time.Time
}

// DefaultConfig retries each fetch up to 3 more times starting at 500ms.
func DefaultConfig() Config {
	return Config{Attempts: 3, Backoff: 500 * time.Millisecond}
}

// Result summarizes one reconciliation.
type Result struct {
	RunID                 string
	CrashedRuns           int
	PositionsSynced       int
	Divergences           []state.Divergence
	OrdersFilled          int
	OrdersPartiallyFilled int
	OrdersCanceled        int
	OrdersStillOpen       int
	UnknownBrokerOrders   []broker.OrderSummary
}

// Reconciler repairs local state against the broker once at startup.
type Reconciler struct {
	store     Store
	broker    Broker
	portfolio Portfolio
	cfg       Config
	runID     string
}

func New(store Store, b Broker, portfolio Portfolio, cfg Config) *Reconciler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Reconciler{store: store, broker: b, portfolio: portfolio, cfg: cfg}
}

// RunID is the id of the run row created by the last successful Reconcile.
func (r *Reconciler) RunID() string {
	return r.runID
}

// Reconcile closes crashed runs, overwrites positions with the broker's,
// resolves locally open orders, and only then opens a new run.
// Any failure is wrapped with ErrReconcileFailed.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	var res Result
	fail := func(step string, err error) (Result, error) {
		logs.Errorf("recon: %s, err: %+v", step, err)
		return res, fmt.Errorf("%w: %s: %w", ErrReconcileFailed, step, err)
	}

	crashed, err := r.closeCrashedRuns(ctx)
	if err != nil {
		return fail("close crashed runs", err)
	}
	res.CrashedRuns = crashed

	positions, err := fetch(ctx, r, "positions", r.broker.FetchPositions)
	if err != nil {
		return fail("fetch positions", err)
	}
	balance, err := fetch(ctx, r, "balance", r.broker.FetchBalance)
	if err != nil {
		return fail("fetch balance", err)
	}
	openAtBroker, err := fetch(ctx, r, "open orders", r.broker.FetchOpenOrders)
	if err != nil {
		return fail("fetch open orders", err)
	}

	if err := r.mergePositions(ctx, positions, balance, &res); err != nil {
		return fail("merge positions", err)
	}
	if err := r.mergeOrders(ctx, openAtBroker, &res); err != nil {
		return fail("merge orders", err)
	}

	run := schema.BotRun{
		ID:        "RUN-" + uuid.NewString(),
		StartedAt: r.cfg.Clock(),
		Status:    schema.RunStatusRunning,
	}
	if err := r.store.StartRun(ctx, run); err != nil {
		return fail("start run", err)
	}
	r.runID = run.ID
	res.RunID = run.ID

	logs.Infof("recon: done, run=%s crashed=%d positions=%d divergences=%d filled=%d partial=%d canceled=%d open=%d unknown=%d",
		run.ID, res.CrashedRuns, res.PositionsSynced, len(res.Divergences),
		res.OrdersFilled, res.OrdersPartiallyFilled, res.OrdersCanceled, res.OrdersStillOpen, len(res.UnknownBrokerOrders))
	return res, nil
}

// EndRun closes the run opened by Reconcile.
func (r *Reconciler) EndRun(ctx context.Context, status schema.RunStatus) error {
	if r.runID == "" {
		return nil
	}
	if err := r.store.EndRun(ctx, r.runID, status, r.cfg.Clock()); err != nil {
		return fmt.Errorf("end run %s: %w", r.runID, err)
	}
	logs.Infof("recon: run %s ended as %s", r.runID, status)
	return nil
}

func (r *Reconciler) closeCrashedRuns(ctx context.Context) (int, error) {
	runs, err := r.store.UnfinishedRuns(ctx)
	if err != nil {
		return 0, err
	}
	for _, run := range runs {
		logs.Warnf("recon: run %s started at %s never ended, closing as %s", run.ID, run.StartedAt, schema.RunStatusCrashed)
		if err := r.store.EndRun(ctx, run.ID, schema.RunStatusCrashed, r.cfg.Clock()); err != nil {
			return 0, fmt.Errorf("close run %s: %w", run.ID, err)
		}
	}
	return len(runs), nil
}

func (r *Reconciler) mergePositions(ctx context.Context, positions []schema.Position, balance schema.Balance, res *Result) error {
	stored, err := r.store.Positions(ctx)
	if err != nil {
		return err
	}

	res.Divergences = r.portfolio.Sync(positions, balance)
	for _, d := range res.Divergences {
		logs.Warnf("recon: position divergence %s", d)
	}
	res.PositionsSynced = len(state.NewSnapshot(positions).Positions)

	if len(state.CompareSnapshots(state.NewSnapshot(stored), state.NewSnapshot(positions))) == 0 {
		return nil
	}
	return r.store.ReplacePositions(ctx, positions)
}

func (r *Reconciler) mergeOrders(ctx context.Context, openAtBroker []broker.OrderSummary, res *Result) error {
	local, err := r.store.OpenOrders(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(local))
	for _, o := range local {
		if o.BrokerOrderID != "" {
			known[o.BrokerOrderID] = struct{}{}
		}
	}
	stillOpen := make(map[string]broker.OrderSummary, len(openAtBroker))
	for _, s := range openAtBroker {
		stillOpen[s.BrokerOrderID] = s
		if _, ok := known[s.BrokerOrderID]; !ok {
			logs.Warnf("recon: broker order %s (%s %s %d) has no local record", s.BrokerOrderID, s.Side, s.Symbol, s.Quantity)
			res.UnknownBrokerOrders = append(res.UnknownBrokerOrders, s)
		}
	}

	for _, o := range local {
		if o.BrokerOrderID != "" {
			if summary, ok := stillOpen[o.BrokerOrderID]; ok {
				res.OrdersStillOpen++
				if err := r.catchUpFills(ctx, o, summary, res); err != nil {
					return fmt.Errorf("order %s: %w", o.ID, err)
				}
				continue
			}
		}

		filled, err := r.filledQuantity(ctx, o)
		if err != nil {
			return fmt.Errorf("order %s: %w", o.ID, err)
		}

		next := o
		next.FilledQuantity = max(o.FilledQuantity, min(filled, o.Quantity))
		next.UpdatedAt = r.cfg.Clock()
		if next.FilledQuantity >= o.Quantity {
			next.Status = schema.OrderStatusFilled
			res.OrdersFilled++
		} else {
			next.Status = schema.OrderStatusCanceled
			res.OrdersCanceled++
		}
		logs.Warnf("recon: order %s (broker %q) not open at broker, %s -> %s, filled %d/%d",
			o.ID, o.BrokerOrderID, o.Status, next.Status, next.FilledQuantity, o.Quantity)
		if err := r.store.UpdateOrder(ctx, next); err != nil {
			return fmt.Errorf("update order %s: %w", o.ID, err)
		}
	}
	return nil
}

// catchUpFills raises the filled quantity of an order the broker still holds
// open to what the broker reports, covering fills made while the process was
// down. The filled quantity never decreases.
func (r *Reconciler) catchUpFills(ctx context.Context, o schema.Order, summary broker.OrderSummary, res *Result) error {
	filled := min(summary.FilledQuantity, o.Quantity)
	if filled <= o.FilledQuantity {
		return nil
	}

	next := o
	next.FilledQuantity = filled
	next.UpdatedAt = r.cfg.Clock()
	if filled >= o.Quantity {
		next.Status = schema.OrderStatusFilled
		res.OrdersFilled++
	} else {
		next.Status = schema.OrderStatusPartialFill
		res.OrdersPartiallyFilled++
	}
	logs.Warnf("recon: order %s (broker %s) filled %d/%d at broker while down, %s -> %s",
		o.ID, o.BrokerOrderID, filled, o.Quantity, o.Status, next.Status)
	return r.store.UpdateOrder(ctx, next)
}

// filledQuantity prefers the broker's fill history and falls back to the
// locally recorded fills.
func (r *Reconciler) filledQuantity(ctx context.Context, o schema.Order) (int64, error) {
	if o.BrokerOrderID != "" {
		execs, err := fetch(ctx, r, "fills of "+o.BrokerOrderID, func(ctx context.Context) ([]broker.Execution, error) {
			return r.broker.FetchOrderFills(ctx, o.BrokerOrderID)
		})
		if err != nil {
			return 0, err
		}
		if len(execs) != 0 {
			return broker.FilledQuantity(execs), nil
		}
	}
	return r.store.FilledQuantity(ctx, o.ID)
}

func fetch[T any](ctx context.Context, r *Reconciler, what string, f func(context.Context) (T, error)) (T, error) {
	var out T
	attempt := 0
	b := retry.WithMaxRetries(r.cfg.Attempts, retry.NewExponential(r.cfg.Backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		v, err := f(ctx)
		if err != nil {
			logs.Warnf("recon: fetch %s attempt %d failed, err: %+v", what, attempt, err)
			if broker.KindOf(err) == broker.KindMalformed {
				return err
			}
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	return out, err
}
