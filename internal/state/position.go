package state

import (
	"sort"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
)

// PositionReducer updates positions based on fill events.
type PositionReducer struct {
	positions map[string]schema.Position
}

// NewPositionReducer creates an empty reducer.
func NewPositionReducer() *PositionReducer {
	return &PositionReducer{positions: make(map[string]schema.Position)}
}

// Next computes the position after a fill without applying it, along with the
// realized P&L of any reduced quantity.
func (r *PositionReducer) Next(symbol string, side schema.OrderSide, qty int64, price decimal.Decimal, ts time.Time) (schema.Position, decimal.Decimal) {
	cur, ok := r.positions[symbol]
	if !ok {
		cur = schema.Position{Symbol: symbol}
	}
	delta := side.Sign() * qty
	realized := decimal.Zero

	next := cur
	next.UpdatedAt = ts
	switch {
	case cur.Quantity == 0 || sameSign(cur.Quantity, delta):
		held := decimal.NewFromInt(abs(cur.Quantity))
		add := decimal.NewFromInt(qty)
		next.AvgPrice = cur.AvgPrice.Mul(held).Add(price.Mul(add)).Div(held.Add(add))
		next.Quantity = cur.Quantity + delta
	default:
		closing := min(abs(delta), abs(cur.Quantity))
		realized = price.Sub(cur.AvgPrice).Mul(decimal.NewFromInt(closing * sign(cur.Quantity)))
		next.Quantity = cur.Quantity + delta
		switch {
		case next.Quantity == 0:
			next.AvgPrice = decimal.Zero
		case !sameSign(next.Quantity, cur.Quantity):
			next.AvgPrice = price
		}
	}
	if next.CurrentPrice.IsZero() {
		next.CurrentPrice = price
	}
	return next, realized
}

// ApplyFill updates the position and returns it with the realized P&L.
func (r *PositionReducer) ApplyFill(fill schema.Fill) (schema.Position, decimal.Decimal) {
	next, realized := r.Next(fill.Symbol, fill.Side, fill.Quantity, fill.Price, fill.Timestamp)
	r.Set(next)
	return next, realized
}

// Set stores a position, removing it when flat.
func (r *PositionReducer) Set(pos schema.Position) {
	if pos.Quantity == 0 {
		delete(r.positions, pos.Symbol)
		return
	}
	r.positions[pos.Symbol] = pos
}

// ApplySnapshot replaces positions with a snapshot.
func (r *PositionReducer) ApplySnapshot(snapshot Snapshot) {
	clear(r.positions)
	for _, entry := range snapshot.Positions {
		r.Set(entry)
	}
}

// Position returns the current position of a symbol.
func (r *PositionReducer) Position(symbol string) (schema.Position, bool) {
	p, ok := r.positions[symbol]
	return p, ok
}

// UpdatePrice marks a held position to a new price.
func (r *PositionReducer) UpdatePrice(symbol string, price decimal.Decimal) bool {
	p, ok := r.positions[symbol]
	if !ok {
		return false
	}
	p.CurrentPrice = price
	r.positions[symbol] = p
	return true
}

// Count returns the number of tracked symbols.
func (r *PositionReducer) Count() int {
	return len(r.positions)
}

// Positions returns a copy of every position sorted by symbol.
func (r *PositionReducer) Positions() []schema.Position {
	out := make([]schema.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Value is the signed market value of all positions.
func (r *PositionReducer) Value() decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.positions {
		total = total.Add(p.MarketValue())
	}
	return total
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(v int64) int64 {
	if v < 0 {
		return -1
	}
	return 1
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
