package broker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/state"
	"github.com/kpLEE-HYU/krader/pkg/exception"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const defaultEventBuffer = 4096

// PaperConfig configures the in-process broker.
type PaperConfig struct {
	InitialCash    decimal.Decimal
	CommissionRate decimal.Decimal
	// PartialFills splits every market fill into two executions.
	PartialFills bool
	// FillDelay postpones fill delivery after the order is accepted.
	FillDelay   time.Duration
	EventBuffer int
	Source      TickSource
	Clock       func() time.Time
	Metrics     *obs.Metrics
}

type paperOrder struct {
	summary OrderSummary
	typ     schema.OrderType
}

// Paper simulates a venue in process. Market orders fill at the last known
// price; limit orders rest until a tick crosses them.
type Paper struct {
	cfg PaperConfig

	mu         sync.Mutex
	connected  bool
	cash       decimal.Decimal
	positions  *state.PositionReducer
	open       map[string]*paperOrder
	executions map[string][]Execution
	prices     map[string]decimal.Decimal
	subscribed map[string]struct{}

	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Broker = (*Paper)(nil)

// NewPaper creates a paper broker.
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Paper{
		cfg:        cfg,
		cash:       cfg.InitialCash,
		positions:  state.NewPositionReducer(),
		open:       make(map[string]*paperOrder),
		executions: make(map[string][]Execution),
		prices:     make(map[string]decimal.Decimal),
		subscribed: make(map[string]struct{}),
		events:     make(chan Event, cfg.EventBuffer),
	}
}

func (p *Paper) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	p.connected = true

	if p.cfg.Source != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.cfg.Source.Run(runCtx, p.Subscribed, p.Feed); err != nil && runCtx.Err() == nil {
				logs.Errorf("paper: tick source stopped, err: %+v", err)
			}
		}()
	}
	logs.Infof("paper: connected, cash=%s", p.cash)
	return nil
}

func (p *Paper) Disconnect(context.Context) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	cancel := p.cancel
	close(p.done)
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	logs.Info("paper: disconnected")
	return nil
}

func (p *Paper) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Paper) Events() <-chan Event {
	return p.events
}

// Feed records a market tick, forwards it and fills crossed limit orders.
func (p *Paper) Feed(tick schema.Tick) {
	if err := tick.Validate(); err != nil {
		p.cfg.Metrics.IncDroppedTick()
		return
	}

	p.mu.Lock()
	p.prices[tick.Symbol] = tick.Price
	p.positions.UpdatePrice(tick.Symbol, tick.Price)
	var execs []Execution
	for id, o := range p.open {
		if o.summary.Symbol != tick.Symbol || o.typ != schema.OrderTypeLimit {
			continue
		}
		if !crosses(o.summary, tick.Price) {
			continue
		}
		execs = append(execs, p.executeLocked(id, o, o.summary.Quantity-o.summary.FilledQuantity, o.summary.Price)...)
	}
	_, subscribed := p.subscribed[tick.Symbol]
	done := p.done
	p.mu.Unlock()

	if subscribed {
		select {
		case p.events <- Event{Kind: EventKindTick, Tick: tick}:
		default:
			p.cfg.Metrics.IncDroppedTick()
		}
	}
	p.deliver(done, execs)
}

func crosses(o OrderSummary, price decimal.Decimal) bool {
	if o.Side == schema.OrderSideBuy {
		return price.LessThanOrEqual(o.Price)
	}
	return price.GreaterThanOrEqual(o.Price)
}

func (p *Paper) PlaceOrder(ctx context.Context, order schema.Order) (string, error) {
	if order.Quantity <= 0 {
		return "", NewError(KindRejected, "INVALID_QUANTITY", "quantity must be positive")
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return "", &Error{Kind: KindConnection, Code: "NOT_CONNECTED", Err: exception.ErrNotConnected}
	}

	price := p.prices[order.Symbol]
	if order.Type == schema.OrderTypeLimit {
		price = order.Price
	}
	if !price.IsPositive() {
		price = order.Price
	}
	if !price.IsPositive() {
		p.mu.Unlock()
		return "", NewError(KindSymbolNotFound, "NO_PRICE", "no market price for "+order.Symbol)
	}

	if order.Side == schema.OrderSideBuy {
		cost := price.Mul(decimal.NewFromInt(order.Quantity))
		cost = cost.Add(cost.Mul(p.cfg.CommissionRate))
		if cost.GreaterThan(p.cash) {
			p.mu.Unlock()
			return "", NewError(KindInsufficientFunds, "INSUFFICIENT_FUNDS", "need "+cost.StringFixed(0)+", have "+p.cash.StringFixed(0))
		}
	}

	id := "PAPER-" + uuid.NewString()
	o := &paperOrder{
		summary: OrderSummary{
			BrokerOrderID: id,
			Symbol:        order.Symbol,
			Side:          order.Side,
			Quantity:      order.Quantity,
			Price:         price,
		},
		typ: order.Type,
	}
	p.open[id] = o

	var execs []Execution
	last := p.prices[order.Symbol]
	if order.Type != schema.OrderTypeLimit || (last.IsPositive() && crosses(o.summary, last)) {
		if p.cfg.PartialFills && order.Quantity > 1 {
			first := order.Quantity / 2
			execs = append(execs, p.executeLocked(id, o, first, price)...)
			execs = append(execs, p.executeLocked(id, o, order.Quantity-first, price)...)
		} else {
			execs = p.executeLocked(id, o, order.Quantity, price)
		}
	}
	done := p.done
	p.mu.Unlock()

	logs.Infof("paper: accepted %s %s %s %d@%s as %s", order.ID, order.Side, order.Symbol, order.Quantity, price, id)
	p.deliverAsync(done, execs)
	return id, nil
}

// executeLocked books an execution against an open order. p.mu must be held.
func (p *Paper) executeLocked(id string, o *paperOrder, qty int64, price decimal.Decimal) []Execution {
	remaining := o.summary.Quantity - o.summary.FilledQuantity
	qty = min(qty, remaining)
	if qty <= 0 {
		return nil
	}

	notional := price.Mul(decimal.NewFromInt(qty))
	commission := notional.Mul(p.cfg.CommissionRate).Round(0)
	switch o.summary.Side {
	case schema.OrderSideBuy:
		p.cash = p.cash.Sub(notional).Sub(commission)
	case schema.OrderSideSell:
		p.cash = p.cash.Add(notional).Sub(commission)
	}
	now := p.cfg.Clock()
	next, _ := p.positions.Next(o.summary.Symbol, o.summary.Side, qty, price, now)
	p.positions.Set(next)

	o.summary.FilledQuantity += qty
	if o.summary.FilledQuantity >= o.summary.Quantity {
		delete(p.open, id)
	}

	exec := Execution{
		BrokerFillID:  "PFILL-" + uuid.NewString(),
		BrokerOrderID: id,
		Symbol:        o.summary.Symbol,
		Side:          o.summary.Side,
		Quantity:      qty,
		Price:         price,
		Commission:    commission,
		Timestamp:     now,
	}
	p.executions[id] = append(p.executions[id], exec)
	return []Execution{exec}
}

func (p *Paper) deliverAsync(done <-chan struct{}, execs []Execution) {
	if len(execs) == 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.cfg.FillDelay > 0 {
			select {
			case <-time.After(p.cfg.FillDelay):
			case <-done:
				return
			}
		}
		p.deliver(done, execs)
	}()
}

func (p *Paper) deliver(done <-chan struct{}, execs []Execution) {
	for _, e := range execs {
		select {
		case p.events <- Event{Kind: EventKindFill, Fill: e}:
		case <-done:
			logs.Warnf("paper: disconnected before delivering fill %s of %s", e.BrokerFillID, e.BrokerOrderID)
			return
		}
	}
}

func (p *Paper) CancelOrder(_ context.Context, brokerOrderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return false, &Error{Kind: KindConnection, Code: "NOT_CONNECTED", Err: exception.ErrNotConnected}
	}
	if _, ok := p.open[brokerOrderID]; !ok {
		return false, nil
	}
	delete(p.open, brokerOrderID)
	logs.Infof("paper: canceled %s", brokerOrderID)
	return true, nil
}

func (p *Paper) FetchPositions(context.Context) ([]schema.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positions.Positions(), nil
}

func (p *Paper) FetchOpenOrders(context.Context) ([]OrderSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderSummary, 0, len(p.open))
	for _, o := range p.open {
		out = append(out, o.summary)
	}
	slices.SortFunc(out, func(a, b OrderSummary) int {
		if a.BrokerOrderID < b.BrokerOrderID {
			return -1
		}
		if a.BrokerOrderID > b.BrokerOrderID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (p *Paper) FetchOrderFills(_ context.Context, brokerOrderID string) ([]Execution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.executions[brokerOrderID]), nil
}

func (p *Paper) FetchBalance(context.Context) (schema.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return schema.Balance{
		Cash:        p.cash,
		TotalEquity: p.cash.Add(p.positions.Value()),
	}, nil
}

func (p *Paper) SubscribeMarketData(_ context.Context, symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		p.subscribed[s] = struct{}{}
	}
	return nil
}

func (p *Paper) UnsubscribeMarketData(_ context.Context, symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.subscribed, s)
	}
	return nil
}

// Subscribed lists the subscribed symbols in sorted order.
func (p *Paper) Subscribed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subscribed))
	for s := range p.subscribed {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// SetPosition seeds a holding, e.g. to simulate positions opened elsewhere.
func (p *Paper) SetPosition(pos schema.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions.Set(pos)
}
