package schema

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Position is the holding of one symbol.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MarketValue is quantity times the last known price, falling back to the average price.
func (p Position) MarketValue() decimal.Decimal {
	price := p.CurrentPrice
	if price.IsZero() {
		price = p.AvgPrice
	}
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// UnrealizedPnL is the mark-to-market gain against the average price.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.CurrentPrice.IsZero() {
		return decimal.Zero
	}
	return p.CurrentPrice.Sub(p.AvgPrice).Mul(decimal.NewFromInt(p.Quantity))
}

// Balance is the broker's account summary.
type Balance struct {
	Cash        decimal.Decimal `json:"cash"`
	TotalEquity decimal.Decimal `json:"total_equity"`
}

// Portfolio is an immutable view of cash, equity and positions.
type Portfolio struct {
	Cash             decimal.Decimal     `json:"cash"`
	TotalEquity      decimal.Decimal     `json:"total_equity"`
	DailyPnL         decimal.Decimal     `json:"daily_pnl"`
	DailyStartEquity decimal.Decimal     `json:"daily_start_equity"`
	Positions        map[string]Position `json:"positions"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// PositionQuantity returns the signed quantity held, zero when flat.
func (p Portfolio) PositionQuantity(symbol string) int64 {
	return p.Positions[symbol].Quantity
}

// PositionsList returns the positions sorted by symbol.
func (p Portfolio) PositionsList() []Position {
	out := make([]Position, 0, len(p.Positions))
	for _, pos := range p.Positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// TotalPositionValue sums absolute market value across positions.
func (p Portfolio) TotalPositionValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		total = total.Add(pos.MarketValue().Abs())
	}
	return total
}

// ExposurePct is position value over equity, zero without equity.
func (p Portfolio) ExposurePct() decimal.Decimal {
	if !p.TotalEquity.IsPositive() {
		return decimal.Zero
	}
	return p.TotalPositionValue().Div(p.TotalEquity)
}

// RunStatus is the terminal or active state of a process lifetime.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusCrashed   RunStatus = "CRASHED"
	RunStatusKilled    RunStatus = "KILLED"
)

// BotRun is one process lifetime.
type BotRun struct {
	ID        string     `json:"run_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    RunStatus  `json:"status"`
	Note      string     `json:"note,omitempty"`
}
