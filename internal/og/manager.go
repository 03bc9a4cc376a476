package og

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kpLEE-HYU/krader/internal/broker"
	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/pkg/exception"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

// Store is the order persistence the manager needs. Order lookups return
// exception.ErrNotFound when no row exists.
type Store interface {
	Order(ctx context.Context, id string) (schema.Order, error)
	OrderByBrokerID(ctx context.Context, brokerOrderID string) (schema.Order, error)
	CreateOrder(ctx context.Context, order schema.Order) error
	UpdateOrder(ctx context.Context, order schema.Order) error
	OpenOrders(ctx context.Context) ([]schema.Order, error)
	FillExists(ctx context.Context, orderID, brokerFillID string) (bool, error)
	// ApplyFill writes the fill, the order and the position in one transaction.
	ApplyFill(ctx context.Context, order schema.Order, fill schema.Fill, position schema.Position) error
}

// Router sends orders to the venue.
type Router interface {
	PlaceOrder(ctx context.Context, order schema.Order) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
}

// Portfolio applies fills; commit runs while the portfolio is locked.
type Portfolio interface {
	ApplyFill(fill schema.Fill, commit func(schema.Position) error) (schema.Position, error)
}

// Publisher fans events out to the rest of the process.
type Publisher interface {
	Publish(eventType schema.EventType, payload any) error
}

// Config tunes the manager.
type Config struct {
	KeyBucket time.Duration
	Clock     func() time.Time
	Metrics   *obs.Metrics
}

// Manager owns every order record. Each order is mutated by at most one
// goroutine at a time; different orders proceed independently.
type Manager struct {
	store     Store
	router    Router
	portfolio Portfolio
	publisher Publisher

	bucket  time.Duration
	clock   func() time.Time
	metrics *obs.Metrics

	locks  keyedMutex
	paused atomic.Bool

	mu       sync.RWMutex
	active   map[string]schema.Order
	byBroker map[string]string
	orphans  map[string][]broker.Execution
	lateAcks map[string][]broker.Ack
}

// NewManager creates an order manager. publisher may be nil.
func NewManager(store Store, router Router, portfolio Portfolio, publisher Publisher, cfg Config) *Manager {
	if cfg.KeyBucket <= 0 {
		cfg.KeyBucket = DefaultKeyBucket
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		store:     store,
		router:    router,
		portfolio: portfolio,
		publisher: publisher,
		bucket:    cfg.KeyBucket,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		locks:     keyedMutex{locks: make(map[string]*refLock)},
		active:    make(map[string]schema.Order),
		byBroker:  make(map[string]string),
		orphans:   make(map[string][]broker.Execution),
		lateAcks:  make(map[string][]broker.Ack),
	}
}

// Pause blocks new submissions; fills and cancels keep flowing.
func (m *Manager) Pause() {
	if !m.paused.Swap(true) {
		logs.Warnf("order: submissions paused")
	}
}

// Resume re-enables submissions.
func (m *Manager) Resume() {
	if m.paused.Swap(false) {
		logs.Infof("order: submissions resumed")
	}
}

// Paused reports whether submissions are blocked.
func (m *Manager) Paused() bool {
	return m.paused.Load()
}

// LoadActive restores the in-memory view of open orders from the store.
func (m *Manager) LoadActive(ctx context.Context) error {
	orders, err := m.store.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		m.trackLocked(o)
	}
	logs.Infof("order: loaded %d active orders", len(orders))
	return nil
}

// Submit turns an approved signal into an order. A signal replayed within
// the same key bucket returns the order created the first time.
func (m *Manager) Submit(ctx context.Context, sig schema.Signal, qty int64, price decimal.Decimal) (schema.Order, error) {
	if m.paused.Load() {
		return schema.Order{}, fmt.Errorf("%w: signal %s", exception.ErrOrderSubmissionPaused, sig.ID)
	}
	side, ok := sig.Action.Side()
	if !ok || qty <= 0 || sig.Symbol == "" {
		return schema.Order{}, fmt.Errorf("%w: signal %s action=%s qty=%d", exception.ErrOrderInvalidRequest, sig.ID, sig.Action, qty)
	}

	start := m.clock()
	at := sig.Timestamp
	if at.IsZero() {
		at = start
	}
	key := IdempotencyKey(sig.ID, sig.Symbol, side, qty, at, m.bucket)

	unlock := m.locks.Lock(key)
	order, created, err := m.submitLocked(ctx, key, sig, side, qty, price)
	unlock()
	if err != nil || !created {
		return order, err
	}

	m.metrics.ObserveOrderFlow(time.Since(start))
	if order.BrokerOrderID != "" {
		m.drainOrphans(context.WithoutCancel(ctx), order.BrokerOrderID)
	}
	return order, nil
}

func (m *Manager) submitLocked(ctx context.Context, key string, sig schema.Signal, side schema.OrderSide, qty int64, price decimal.Decimal) (schema.Order, bool, error) {
	existing, err := m.store.Order(ctx, key)
	switch {
	case err == nil:
		if existing.SignalID != sig.ID || existing.Symbol != sig.Symbol || existing.Side != side || existing.Quantity != qty {
			logs.Errorf("order: key %s reused by signal %s with a different payload", key, sig.ID)
			return existing, false, fmt.Errorf("%w: %s", ErrIdempotencyConflict, key)
		}
		logs.Infof("order: signal %s already produced %s (%s), not resubmitting", sig.ID, key, existing.Status)
		return existing, false, nil
	case !errors.Is(err, exception.ErrNotFound):
		return schema.Order{}, false, fmt.Errorf("lookup order %s: %w", key, err)
	}

	now := m.clock()
	order := schema.Order{
		ID:        key,
		SignalID:  sig.ID,
		Symbol:    sig.Symbol,
		Side:      side,
		Type:      schema.OrderTypeMarket,
		Quantity:  qty,
		Price:     price,
		Status:    schema.OrderStatusPendingNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateOrder(ctx, order); err != nil {
		return schema.Order{}, false, fmt.Errorf("persist order %s: %w", key, err)
	}
	m.track(order)
	m.publish(order, "created")

	brokerID, placeErr := m.router.PlaceOrder(ctx, order)
	now = m.clock()
	switch {
	case placeErr == nil:
		order.BrokerOrderID = brokerID
		order, _ = Transition(order, schema.OrderStatusSubmitted, now)
		m.metrics.IncOrderSubmitted()
		logs.Infof("order: %s submitted %s %s %d, broker id %s", order.ID, order.Side, order.Symbol, order.Quantity, brokerID)
	case broker.IsAmbiguous(placeErr):
		order, _ = Transition(order, schema.OrderStatusSubmitted, now)
		m.metrics.IncOrderAmbiguous()
		logs.Warnf("order: %s outcome unknown, left SUBMITTED without broker id for reconciliation, err: %+v", order.ID, placeErr)
	default:
		order.RejectReason = placeErr.Error()
		order, _ = Transition(order, schema.OrderStatusRejected, now)
		m.metrics.IncOrderRejected()
		logs.Warnf("order: %s rejected by broker: %s", order.ID, order.RejectReason)
	}

	if err := m.store.UpdateOrder(context.WithoutCancel(ctx), order); err != nil {
		logs.Errorf("order: persist %s as %s, err: %+v", order.ID, order.Status, err)
		m.track(order)
		return order, true, fmt.Errorf("persist order %s: %w", order.ID, err)
	}
	m.track(order)
	m.publish(order, "submit")
	return order, true, nil
}

// HandleFill applies one broker execution. Executions for an unknown broker
// id are parked until an order with that id is recorded.
func (m *Manager) HandleFill(ctx context.Context, exec broker.Execution) error {
	orderID, ok, err := m.resolve(ctx, exec.BrokerOrderID)
	if err != nil {
		return err
	}
	if !ok {
		m.mu.Lock()
		orderID, ok = m.byBroker[exec.BrokerOrderID]
		if !ok {
			m.orphans[exec.BrokerOrderID] = append(m.orphans[exec.BrokerOrderID], exec)
		}
		m.mu.Unlock()
		if !ok {
			logs.Warnf("order: fill %s for unknown broker order %s parked", exec.BrokerFillID, exec.BrokerOrderID)
			return nil
		}
	}

	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.current(ctx, orderID)
	if err != nil {
		return err
	}
	if exec.BrokerFillID != "" {
		dup, err := m.store.FillExists(ctx, orderID, exec.BrokerFillID)
		if err != nil {
			return fmt.Errorf("check fill %s: %w", exec.BrokerFillID, err)
		}
		if dup {
			m.metrics.IncDuplicateFill()
			logs.Infof("order: duplicate fill %s for %s ignored", exec.BrokerFillID, orderID)
			return nil
		}
	}

	now := m.clock()
	next, err := ApplyFill(order, exec.Quantity, now)
	if err != nil {
		logs.Errorf("order: refuse fill %s for %s, err: %+v", exec.BrokerFillID, orderID, err)
		return err
	}

	ts := exec.Timestamp
	if ts.IsZero() {
		ts = now
	}
	fill := schema.Fill{
		ID:           uuid.NewString(),
		OrderID:      orderID,
		BrokerFillID: exec.BrokerFillID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Quantity:     exec.Quantity,
		Price:        exec.Price,
		Commission:   exec.Commission,
		Timestamp:    ts,
	}
	if _, err := m.portfolio.ApplyFill(fill, func(pos schema.Position) error {
		return m.store.ApplyFill(ctx, next, fill, pos)
	}); err != nil {
		logs.Errorf("order: apply fill %s for %s, err: %+v", exec.BrokerFillID, orderID, err)
		return fmt.Errorf("apply fill %s: %w", exec.BrokerFillID, err)
	}

	m.track(next)
	m.metrics.IncFillApplied()
	logs.Infof("order: %s filled %d/%d @%s (%s)", orderID, next.FilledQuantity, next.Quantity, exec.Price, next.Status)
	if m.publisher != nil {
		if err := m.publisher.Publish(schema.EventFill, fill); err != nil {
			logs.Warnf("order: publish fill %s, err: %+v", fill.ID, err)
		}
	}
	m.publish(next, "fill")
	return nil
}

// HandleAck applies an asynchronous status change from the broker. Acks for
// an unknown broker id are parked like fills and replayed after them.
func (m *Manager) HandleAck(ctx context.Context, ack broker.Ack) error {
	orderID, ok, err := m.resolve(ctx, ack.BrokerOrderID)
	if err != nil {
		return err
	}
	if !ok {
		m.mu.Lock()
		orderID, ok = m.byBroker[ack.BrokerOrderID]
		if !ok {
			m.lateAcks[ack.BrokerOrderID] = append(m.lateAcks[ack.BrokerOrderID], ack)
		}
		m.mu.Unlock()
		if !ok {
			logs.Warnf("order: ack %s for unknown broker order %s parked", ack.Status, ack.BrokerOrderID)
			return nil
		}
	}

	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.current(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == ack.Status {
		return nil
	}

	switch ack.Status {
	case schema.OrderStatusRejected, schema.OrderStatusCanceled:
	default:
		logs.Debugf("order: ack %s for %s carries no transition", ack.Status, orderID)
		return nil
	}

	next, err := Transition(order, ack.Status, m.clock())
	if err != nil {
		logs.Warnf("order: refuse ack for %s, err: %+v", orderID, err)
		return err
	}
	if ack.Status == schema.OrderStatusRejected {
		next.RejectReason = ack.Reason
		if next.RejectReason == "" {
			next.RejectReason = "rejected by broker"
		}
	}
	if err := m.store.UpdateOrder(ctx, next); err != nil {
		return fmt.Errorf("persist order %s: %w", orderID, err)
	}
	m.track(next)
	logs.Infof("order: %s %s by broker %s", orderID, next.Status, ack.Reason)
	m.publish(next, "ack")
	return nil
}

// Cancel cancels one live order. It returns false for orders that are not
// live, have no broker id, or that the broker declined to cancel.
func (m *Manager) Cancel(ctx context.Context, orderID string) (bool, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	order, err := m.current(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !order.Status.IsActive() {
		return false, nil
	}
	if order.BrokerOrderID == "" {
		logs.Warnf("order: %s has no broker id, left for reconciliation", orderID)
		return false, nil
	}

	ok, err := m.router.CancelOrder(ctx, order.BrokerOrderID)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", orderID, err)
	}
	if !ok {
		logs.Warnf("order: broker declined cancel of %s", orderID)
		return false, nil
	}

	next, err := Transition(order, schema.OrderStatusCanceled, m.clock())
	if err != nil {
		return false, err
	}
	if err := m.store.UpdateOrder(context.WithoutCancel(ctx), next); err != nil {
		return false, fmt.Errorf("persist order %s: %w", orderID, err)
	}
	m.track(next)
	logs.Infof("order: %s canceled (filled %d/%d)", orderID, next.FilledQuantity, next.Quantity)
	m.publish(next, "cancel")
	return true, nil
}

// CancelAll attempts to cancel every open order independently and returns
// how many were canceled.
func (m *Manager) CancelAll(ctx context.Context) int {
	var canceled int
	for _, o := range m.ActiveOrders() {
		ok, err := m.Cancel(ctx, o.ID)
		if err != nil {
			logs.Errorf("order: cancel-all %s, err: %+v", o.ID, err)
			continue
		}
		if ok {
			canceled++
		}
	}
	logs.Infof("order: cancel-all canceled %d orders", canceled)
	return canceled
}

// ActiveOrders lists open orders, oldest first.
func (m *Manager) ActiveOrders() []schema.Order {
	m.mu.RLock()
	out := make([]schema.Order, 0, len(m.active))
	for _, o := range m.active {
		out = append(out, o)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b schema.Order) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Order returns one order from memory or the store.
func (m *Manager) Order(ctx context.Context, id string) (schema.Order, error) {
	return m.current(ctx, id)
}

func (m *Manager) current(ctx context.Context, id string) (schema.Order, error) {
	m.mu.RLock()
	o, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return o, nil
	}
	o, err := m.store.Order(ctx, id)
	if err != nil {
		return schema.Order{}, fmt.Errorf("order %s: %w", id, err)
	}
	return o, nil
}

func (m *Manager) resolve(ctx context.Context, brokerOrderID string) (string, bool, error) {
	if brokerOrderID == "" {
		return "", false, exception.ErrOrderEmptyBrokerID
	}
	m.mu.RLock()
	id, ok := m.byBroker[brokerOrderID]
	m.mu.RUnlock()
	if ok {
		return id, true, nil
	}

	o, err := m.store.OrderByBrokerID(ctx, brokerOrderID)
	switch {
	case err == nil:
		return o.ID, true, nil
	case errors.Is(err, exception.ErrNotFound):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("lookup broker order %s: %w", brokerOrderID, err)
	}
}

func (m *Manager) drainOrphans(ctx context.Context, brokerOrderID string) {
	m.mu.Lock()
	parked := m.orphans[brokerOrderID]
	acks := m.lateAcks[brokerOrderID]
	delete(m.orphans, brokerOrderID)
	delete(m.lateAcks, brokerOrderID)
	m.mu.Unlock()

	for _, exec := range parked {
		if err := m.HandleFill(ctx, exec); err != nil {
			logs.Errorf("order: replay parked fill %s, err: %+v", exec.BrokerFillID, err)
		}
	}
	for _, ack := range acks {
		if err := m.HandleAck(ctx, ack); err != nil {
			logs.Errorf("order: replay parked ack %s for %s, err: %+v", ack.Status, brokerOrderID, err)
		}
	}
}

func (m *Manager) track(o schema.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackLocked(o)
}

func (m *Manager) trackLocked(o schema.Order) {
	if o.Status.IsTerminal() {
		delete(m.active, o.ID)
		if o.BrokerOrderID != "" {
			delete(m.byBroker, o.BrokerOrderID)
		}
		return
	}
	m.active[o.ID] = o
	if o.BrokerOrderID != "" {
		m.byBroker[o.BrokerOrderID] = o.ID
	}
}

func (m *Manager) publish(o schema.Order, kind string) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(schema.EventOrderUpdate, schema.OrderUpdate{Kind: kind, Order: o}); err != nil {
		logs.Warnf("order: publish update %s for %s, err: %+v", kind, o.ID, err)
	}
}

type refLock struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
