package state

import (
	"maps"
	"sync"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

var ErrInvalidFill = errors.New("invalid fill")

// Tracker owns the in-memory portfolio. Writers hold the lock for a whole
// update, so readers always observe a fully applied fill or sync.
type Tracker struct {
	mu        sync.RWMutex
	positions *PositionReducer
	cash      decimal.Decimal
	equity    decimal.Decimal

	dailyStartEquity decimal.Decimal
	dailyPnL         decimal.Decimal
	updatedAt        time.Time

	clock func() time.Time
}

// NewTracker creates an empty tracker. A nil clock means time.Now.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{positions: NewPositionReducer(), clock: clock}
}

// Snapshot returns a deep copy of the portfolio.
func (t *Tracker) Snapshot() schema.Portfolio {
	t.mu.RLock()
	defer t.mu.RUnlock()

	positions := make(map[string]schema.Position, t.positions.Count())
	maps.Copy(positions, t.positions.positions)
	return schema.Portfolio{
		Cash:             t.cash,
		TotalEquity:      t.equity,
		DailyPnL:         t.dailyPnL,
		DailyStartEquity: t.dailyStartEquity,
		Positions:        positions,
		UpdatedAt:        t.updatedAt,
	}
}

// Load seeds positions from a persisted cache without touching cash.
func (t *Tracker) Load(positions []schema.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions.ApplySnapshot(NewSnapshot(positions))
	t.equity = t.cash.Add(t.positions.Value())
	t.updatedAt = t.clock()
	logs.Infof("portfolio: loaded %d positions", t.positions.Count())
}

// Sync replaces positions and cash wholesale with the broker's view and returns
// every symbol that disagreed with the local view beforehand.
func (t *Tracker) Sync(positions []schema.Position, balance schema.Balance) []Divergence {
	t.mu.Lock()
	defer t.mu.Unlock()

	broker := NewSnapshot(positions)
	divergences := CompareSnapshots(t.positions.Snapshot(), broker)

	t.positions.ApplySnapshot(broker)
	t.cash = balance.Cash
	t.equity = balance.TotalEquity
	if !t.equity.IsPositive() {
		t.equity = t.cash.Add(t.positions.Value())
	}
	if t.dailyStartEquity.IsZero() {
		t.dailyStartEquity = t.equity
	}
	t.updatedAt = t.clock()

	logs.Infof("portfolio: synced %d positions, cash=%s, equity=%s", t.positions.Count(), t.cash, t.equity)
	return divergences
}

// ApplyFill applies one fill incrementally. commit runs under the write lock
// with the resulting position (quantity zero when flat); if it fails the
// portfolio is left unchanged.
func (t *Tracker) ApplyFill(fill schema.Fill, commit func(schema.Position) error) (schema.Position, error) {
	if fill.Quantity <= 0 || !fill.Price.IsPositive() || fill.Symbol == "" {
		return schema.Position{}, errors.Wrapf(ErrInvalidFill, "fill %s: qty=%d price=%s symbol=%q", fill.ID, fill.Quantity, fill.Price, fill.Symbol)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	next, realized := t.positions.Next(fill.Symbol, fill.Side, fill.Quantity, fill.Price, fill.Timestamp)
	if commit != nil {
		if err := commit(next); err != nil {
			return schema.Position{}, err
		}
	}

	t.positions.Set(next)
	notional := fill.Price.Mul(decimal.NewFromInt(fill.Quantity))
	switch fill.Side {
	case schema.OrderSideBuy:
		t.cash = t.cash.Sub(notional).Sub(fill.Commission)
	case schema.OrderSideSell:
		t.cash = t.cash.Add(notional).Sub(fill.Commission)
	}
	t.dailyPnL = t.dailyPnL.Add(realized).Sub(fill.Commission)
	t.equity = t.cash.Add(t.positions.Value())
	t.updatedAt = t.clock()

	logs.Infof("portfolio: fill %s %s %d@%s, position=%d avg=%s cash=%s",
		fill.Side, fill.Symbol, fill.Quantity, fill.Price, next.Quantity, next.AvgPrice, t.cash)
	return next, nil
}

// UpdatePrice marks a held symbol to the latest price.
func (t *Tracker) UpdatePrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.positions.UpdatePrice(symbol, price) {
		t.equity = t.cash.Add(t.positions.Value())
	}
}

// ResetDaily starts a new trading day at the current equity.
func (t *Tracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dailyStartEquity = t.equity
	t.dailyPnL = decimal.Zero
}

// DailyPnL is realized P&L net of commissions since the last reset.
func (t *Tracker) DailyPnL() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dailyPnL
}

// Position returns the position of one symbol.
func (t *Tracker) Position(symbol string) (schema.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions.Position(symbol)
}
