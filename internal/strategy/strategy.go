// Package strategy defines the contract between the trading core and a
// signal generator.
//
// # Consume
//
//   - schema.MarketSnapshot once per closed candle per subscribed symbol
//   - Context with the portfolio view and system state
//   - schema.Fill of orders the strategy caused
//
// # Produce
//
//   - schema.Signal; the core validates and executes them
package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
)

// Strategy never places orders; it only returns signals.
type Strategy interface {
	Name() string
	// Symbols the strategy trades, empty meaning the whole universe.
	Symbols() []string
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnMarketData(ctx context.Context, snap schema.MarketSnapshot, sc Context) ([]schema.Signal, error)
	OnFill(ctx context.Context, fill schema.Fill)
}

// Context is the system state visible to a strategy.
type Context struct {
	Portfolio      schema.Portfolio
	ActiveOrders   int
	DailyOrders    int
	LastSignalTime time.Time
	MarketOpen     bool
	Universe       []string
}

// InUniverse reports whether symbol is tradable right now.
func (c Context) InUniverse(symbol string) bool {
	return slices.Contains(c.Universe, symbol)
}

// Wants reports whether s trades symbol.
func Wants(s Strategy, symbol string) bool {
	symbols := s.Symbols()
	return len(symbols) == 0 || slices.Contains(symbols, symbol)
}

// NewSignalID derives a stable id from the strategy, symbol and decision
// time, so the same decision replayed after a restart keeps its id.
func NewSignalID(strategy, symbol string, at time.Time) string {
	sum := sha256.Sum256([]byte(strategy + "|" + symbol + "|" + strconv.FormatInt(at.UnixNano(), 10)))
	return "SIG-" + hex.EncodeToString(sum[:])[:12]
}

// Base is embedded by strategies that need no lifecycle hooks.
type Base struct{}

func (Base) Symbols() []string { return nil }
func (Base) OnStart(context.Context) error { return nil }
func (Base) OnStop(context.Context) error { return nil }
func (Base) OnFill(context.Context, schema.Fill) {}
