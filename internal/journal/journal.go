// Package journal writes a markdown report of each trading day.
//
// # Source
//
//   - orders created during the day, their fills and originating signals
//   - 1m candles before and 5m candles after each order
//
// # Produce
//
//   - <dir>/<YYYY-MM-DD>.md, at most once per day
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/pkg/exception"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const (
	candlesBefore = 10
	candlesAfter  = 6
)

// Store reads the day's trading records.
type Store interface {
	OrdersBetween(ctx context.Context, from, to time.Time) ([]schema.Order, error)
	Fills(ctx context.Context, orderID string) ([]schema.Fill, error)
	Signal(ctx context.Context, id string) (schema.Signal, error)
	CandlesBetween(ctx context.Context, symbol string, tf schema.Timeframe, from, to time.Time) ([]schema.Candle, error)
}

// Trade is one order with everything the report shows about it.
type Trade struct {
	Order      schema.Order
	Strategy   string
	Confidence float64
	Reason     string
	Fills      []schema.Fill
	Before     []schema.Candle
	After      []schema.Candle
}

// AvgFillPrice is the quantity weighted fill price, zero without fills.
func (t Trade) AvgFillPrice() decimal.Decimal {
	var qty int64
	value := decimal.Zero
	for _, f := range t.Fills {
		qty += f.Quantity
		value = value.Add(f.Price.Mul(decimal.NewFromInt(f.Quantity)))
	}
	if qty == 0 {
		return decimal.Zero
	}
	return value.Div(decimal.NewFromInt(qty))
}

func (t Trade) Commission() decimal.Decimal {
	total := decimal.Zero
	for _, f := range t.Fills {
		total = total.Add(f.Commission)
	}
	return total
}

func (t Trade) FilledQuantity() int64 {
	var qty int64
	for _, f := range t.Fills {
		qty += f.Quantity
	}
	return qty
}

// Summary aggregates a day.
type Summary struct {
	Trades     int
	Buys       int
	Sells      int
	Commission decimal.Decimal
	Symbols    []string
	Strategy   string
}

// Report is a rendered day.
type Report struct {
	Date      time.Time
	Summary   Summary
	Trades    []Trade
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	Positions []schema.Position
}

// Service builds and writes the daily report.
type Service struct {
	store    Store
	dir      string
	strategy string
	loc      *time.Location

	mu   sync.Mutex
	done map[string]bool
}

// New creates a journal writing into dir. Days are cut in loc.
func New(store Store, dir, strategy string, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{store: store, dir: dir, strategy: strategy, loc: loc, done: make(map[string]bool)}
}

// Generated reports whether the day of t was already handled.
func (s *Service) Generated(t time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[dayKey(t.In(s.loc))]
}

// Generate writes the report for the day of t and returns its path. It
// returns an empty path when the day has no orders or was already handled.
func (s *Service) Generate(ctx context.Context, t time.Time, portfolio schema.Portfolio) (string, error) {
	t = t.In(s.loc)
	key := dayKey(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done[key] {
		return "", nil
	}

	report, err := s.build(ctx, t, portfolio)
	if err != nil {
		return "", err
	}
	if len(report.Trades) == 0 {
		logs.Infof("journal: no orders on %s, skip", key)
		s.done[key] = true
		return "", nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create journal dir %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, key+".md")
	if err := os.WriteFile(path, []byte(Render(report)), 0o644); err != nil {
		return "", fmt.Errorf("write journal %s: %w", path, err)
	}
	s.done[key] = true
	logs.Infof("journal: wrote %s, trades=%d", path, len(report.Trades))
	return path, nil
}

func (s *Service) build(ctx context.Context, t time.Time, portfolio schema.Portfolio) (Report, error) {
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	orders, err := s.store.OrdersBetween(ctx, start, start.AddDate(0, 0, 1))
	if err != nil {
		return Report{}, fmt.Errorf("load orders: %w", err)
	}

	trades := make([]Trade, 0, len(orders))
	for _, o := range orders {
		trade, err := s.trade(ctx, o)
		if err != nil {
			return Report{}, fmt.Errorf("order %s: %w", o.ID, err)
		}
		trades = append(trades, trade)
	}

	return Report{
		Date:      start,
		Summary:   s.summarize(trades),
		Trades:    trades,
		Cash:      portfolio.Cash,
		Equity:    portfolio.TotalEquity,
		Positions: portfolio.PositionsList(),
	}, nil
}

func (s *Service) trade(ctx context.Context, o schema.Order) (Trade, error) {
	trade := Trade{Order: o, Strategy: s.strategy}
	if o.SignalID != "" {
		sig, err := s.store.Signal(ctx, o.SignalID)
		switch {
		case err == nil:
			trade.Strategy = sig.Strategy
			trade.Confidence = sig.Confidence
			trade.Reason = sig.Reason
		case !errors.Is(err, exception.ErrNotFound):
			return Trade{}, fmt.Errorf("load signal: %w", err)
		}
	}

	fills, err := s.store.Fills(ctx, o.ID)
	if err != nil {
		return Trade{}, fmt.Errorf("load fills: %w", err)
	}
	trade.Fills = fills

	entry := o.CreatedAt
	before, err := s.store.CandlesBetween(ctx, o.Symbol, schema.Timeframe1m, entry.Add(-candlesBefore*time.Minute), entry.Add(time.Minute))
	if err != nil {
		return Trade{}, fmt.Errorf("load candles before: %w", err)
	}
	if len(before) > candlesBefore {
		before = before[len(before)-candlesBefore:]
	}
	trade.Before = before

	after, err := s.store.CandlesBetween(ctx, o.Symbol, schema.Timeframe5m, entry, entry.Add(candlesAfter*schema.Timeframe5m.Duration()+schema.Timeframe5m.Duration()))
	if err != nil {
		return Trade{}, fmt.Errorf("load candles after: %w", err)
	}
	if len(after) > candlesAfter {
		after = after[:candlesAfter]
	}
	trade.After = after
	return trade, nil
}

func (s *Service) summarize(trades []Trade) Summary {
	sum := Summary{Trades: len(trades), Commission: decimal.Zero, Strategy: s.strategy}
	seen := make(map[string]bool)
	for _, t := range trades {
		switch t.Order.Side {
		case schema.OrderSideBuy:
			sum.Buys++
		case schema.OrderSideSell:
			sum.Sells++
		}
		sum.Commission = sum.Commission.Add(t.Commission())
		if !seen[t.Order.Symbol] {
			seen[t.Order.Symbol] = true
			sum.Symbols = append(sum.Symbols, t.Order.Symbol)
		}
	}
	for _, t := range trades {
		if t.Strategy != "" {
			sum.Strategy = t.Strategy
			break
		}
	}
	return sum
}

func dayKey(t time.Time) string {
	return t.Format(time.DateOnly)
}
