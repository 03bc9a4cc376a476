package broker

import (
	"context"
	"math/rand"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
)

// BlueChipSeedPrices are the walk's starting prices of the KOSPI blue chips.
var BlueChipSeedPrices = map[string]decimal.Decimal{
	"005930": decimal.NewFromInt(72_000),
	"000660": decimal.NewFromInt(130_000),
	"373220": decimal.NewFromInt(450_000),
	"207940": decimal.NewFromInt(750_000),
	"005380": decimal.NewFromInt(210_000),
	"006400": decimal.NewFromInt(380_000),
	"051910": decimal.NewFromInt(460_000),
	"035420": decimal.NewFromInt(210_000),
	"000270": decimal.NewFromInt(95_000),
	"105560": decimal.NewFromInt(65_000),
	"055550": decimal.NewFromInt(42_000),
	"035720": decimal.NewFromInt(45_000),
	"003670": decimal.NewFromInt(320_000),
	"068270": decimal.NewFromInt(180_000),
	"028260": decimal.NewFromInt(130_000),
	"012330": decimal.NewFromInt(240_000),
	"066570": decimal.NewFromInt(100_000),
	"003550": decimal.NewFromInt(80_000),
	"096770": decimal.NewFromInt(110_000),
	"034730": decimal.NewFromInt(170_000),
}

// SyntheticConfig shapes the random walk.
type SyntheticConfig struct {
	Interval   time.Duration
	Seed       int64
	StartPrice decimal.Decimal
	// SeedPrices overrides StartPrice per symbol.
	SeedPrices map[string]decimal.Decimal
	// Volatility is the standard deviation of one step as a fraction of price.
	Volatility float64
	MaxSize    int64
	Clock      func() time.Time
}

// SyntheticTicks generates a random-walk tick per subscribed symbol on every interval.
type SyntheticTicks struct {
	cfg    SyntheticConfig
	rng    *rand.Rand
	prices map[string]float64
}

var _ TickSource = (*SyntheticTicks)(nil)

// NewSyntheticTicks creates a generator.
func NewSyntheticTicks(cfg SyntheticConfig) *SyntheticTicks {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if !cfg.StartPrice.IsPositive() {
		cfg.StartPrice = decimal.NewFromInt(50_000)
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SyntheticTicks{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		prices: make(map[string]float64),
	}
}

// Run emits ticks until ctx is canceled.
func (s *SyntheticTicks) Run(ctx context.Context, symbols func() []string, emit func(schema.Tick)) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.cfg.Clock()
			for _, sym := range symbols() {
				emit(s.Next(sym, now))
			}
		}
	}
}

// Next advances the walk of one symbol. Prices are rounded to the KRX tick size.
func (s *SyntheticTicks) Next(symbol string, now time.Time) schema.Tick {
	p, ok := s.prices[symbol]
	if !ok {
		p = s.cfg.StartPrice.InexactFloat64()
		if seed, ok := s.cfg.SeedPrices[symbol]; ok && seed.IsPositive() {
			p = seed.InexactFloat64()
		}
	}
	p *= 1 + s.rng.NormFloat64()*s.cfg.Volatility
	p = max(p, 1)
	s.prices[symbol] = p

	return schema.Tick{
		Symbol:    symbol,
		Price:     RoundToTickSize(decimal.NewFromFloat(p)),
		Size:      s.rng.Int63n(s.cfg.MaxSize) + 1,
		Timestamp: now,
	}
}

// TickSize is the KRX price increment for a price level.
func TickSize(price decimal.Decimal) decimal.Decimal {
	switch p := price.IntPart(); {
	case p < 2_000:
		return decimal.NewFromInt(1)
	case p < 5_000:
		return decimal.NewFromInt(5)
	case p < 20_000:
		return decimal.NewFromInt(10)
	case p < 50_000:
		return decimal.NewFromInt(50)
	case p < 200_000:
		return decimal.NewFromInt(100)
	case p < 500_000:
		return decimal.NewFromInt(500)
	default:
		return decimal.NewFromInt(1_000)
	}
}

// RoundToTickSize rounds to the nearest valid price, never below one tick.
func RoundToTickSize(price decimal.Decimal) decimal.Decimal {
	step := TickSize(price)
	return decimal.Max(step, price.Div(step).Round(0).Mul(step))
}
