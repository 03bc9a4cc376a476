package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seoul = mustLocation("Asia/Seoul")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func clockAt(h, m int) func() time.Time {
	return func() time.Time { return time.Date(2024, 3, 4, h, m, 0, 0, seoul) }
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg, clockAt(10, 0), obs.NewMetrics())
	require.NoError(t, err)
	return e
}

func richPortfolio() schema.Portfolio {
	return schema.Portfolio{
		Cash:        decimal.NewFromInt(10_000_000),
		TotalEquity: decimal.NewFromInt(10_000_000),
		Positions:   map[string]schema.Position{},
	}
}

func buy(qty int64) schema.Signal {
	return schema.Signal{ID: "SIG-1", Strategy: "test", Symbol: "005930", Action: schema.ActionBuy, SuggestedQuantity: qty}
}

func sell(qty int64) schema.Signal {
	s := buy(qty)
	s.Action = schema.ActionSell
	return s
}

func TestEvaluateClampsToPositionCap(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.MaxPositionSize = 150 })

	res := e.Evaluate(buy(200), Input{Portfolio: richPortfolio(), Price: decimal.NewFromInt(50_000)})

	assert.True(t, res.Approved)
	assert.Equal(t, int64(150), res.ApprovedQuantity)
	assert.Equal(t, int64(200), res.RequestedQuantity)
	assert.Equal(t, schema.RiskReasonNone, res.Reason)
}

func TestEvaluateKillSwitchWins(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.MaxTradesPerDay = 1 })

	p := richPortfolio()
	p.Cash = decimal.Zero
	p.DailyPnL = decimal.NewFromInt(-10_000_000)
	res := e.Evaluate(buy(10), Input{Portfolio: p, Price: decimal.NewFromInt(100), KillSwitch: true, OrdersToday: 99})

	assert.False(t, res.Approved)
	assert.Equal(t, schema.RiskReasonKillSwitch, res.Reason)
	assert.Equal(t, int64(0), res.ApprovedQuantity)
}

func TestEvaluateCheckOrder(t *testing.T) {
	price := decimal.NewFromInt(50_000)
	testCases := []struct {
		desc    string
		engine  func(*Config)
		clock   func() time.Time
		signal  schema.Signal
		input   func(*Input)
		reason  schema.RiskReason
		wantQty int64
	}{
		{
			desc:   "hold",
			signal: schema.Signal{ID: "SIG-H", Symbol: "A", Action: schema.ActionHold},
			reason: schema.RiskReasonHold,
		},
		{
			desc:   "before open",
			clock:  clockAt(8, 59),
			signal: buy(1),
			reason: schema.RiskReasonTradingHours,
		},
		{
			desc:    "at close is still open",
			clock:   clockAt(15, 30),
			signal:  buy(1),
			wantQty: 1,
		},
		{
			desc:   "after close",
			clock:  clockAt(15, 31),
			signal: buy(1),
			reason: schema.RiskReasonTradingHours,
		},
		{
			desc:   "no price",
			signal: buy(1),
			input:  func(in *Input) { in.Price = decimal.Zero },
			reason: schema.RiskReasonNoPrice,
		},
		{
			desc:   "position cap already full",
			engine: func(c *Config) { c.MaxPositionSize = 100 },
			signal: buy(1),
			input: func(in *Input) {
				in.Portfolio.Positions["005930"] = schema.Position{Symbol: "005930", Quantity: 100, AvgPrice: price}
			},
			reason: schema.RiskReasonPositionLimit,
		},
		{
			desc:   "position cap is checked before trade count",
			engine: func(c *Config) { c.MaxPositionSize = 100; c.MaxTradesPerDay = 1 },
			signal: buy(1),
			input: func(in *Input) {
				in.Portfolio.Positions["005930"] = schema.Position{Symbol: "005930", Quantity: 100, AvgPrice: price}
				in.OrdersToday = 5
			},
			reason: schema.RiskReasonPositionLimit,
		},
		{
			desc:   "exposure full",
			signal: buy(10),
			input: func(in *Input) {
				in.Portfolio.Positions["000660"] = schema.Position{Symbol: "000660", Quantity: 160, AvgPrice: price, CurrentPrice: price}
			},
			reason: schema.RiskReasonExposureLimit,
		},
		{
			desc:    "exposure within limit",
			signal:  buy(50),
			wantQty: 50,
			input: func(in *Input) {
				in.Portfolio.Positions["000660"] = schema.Position{Symbol: "000660", Quantity: 100, AvgPrice: price, CurrentPrice: price}
			},
		},
		{
			desc:    "exposure clamps partially",
			signal:  buy(100),
			wantQty: 60,
			input: func(in *Input) {
				in.Portfolio.Positions["000660"] = schema.Position{Symbol: "000660", Quantity: 100, AvgPrice: price, CurrentPrice: price}
			},
		},
		{
			desc:    "cash clamps including fee",
			signal:  buy(100),
			wantQty: 9,
			input: func(in *Input) {
				in.Portfolio.Cash = decimal.NewFromInt(500_000)
			},
		},
		{
			desc:   "no cash",
			signal: buy(1),
			input: func(in *Input) {
				in.Portfolio.Cash = decimal.NewFromInt(50_000)
			},
			reason: schema.RiskReasonInsufficientCash,
		},
		{
			desc:    "sell ignores cash",
			signal:  sell(5),
			wantQty: 5,
			input: func(in *Input) {
				in.Portfolio.Cash = decimal.Zero
				in.Portfolio.Positions["005930"] = schema.Position{Symbol: "005930", Quantity: 5, AvgPrice: price, CurrentPrice: price}
			},
		},
		{
			desc:   "daily loss",
			signal: buy(1),
			input: func(in *Input) {
				in.Portfolio.DailyPnL = decimal.NewFromInt(-1_000_001)
			},
			reason: schema.RiskReasonDailyLossLimit,
		},
		{
			desc:   "daily loss is checked before trade count",
			signal: buy(1),
			engine: func(c *Config) { c.MaxTradesPerDay = 1 },
			input: func(in *Input) {
				in.Portfolio.DailyPnL = decimal.NewFromInt(-1_000_001)
				in.OrdersToday = 1
			},
			reason: schema.RiskReasonDailyLossLimit,
		},
		{
			desc:   "trade count",
			signal: buy(1),
			engine: func(c *Config) { c.MaxTradesPerDay = 3 },
			input:  func(in *Input) { in.OrdersToday = 3 },
			reason: schema.RiskReasonMaxTradesPerDay,
		},
		{
			desc:    "sized from equity",
			signal:  buy(0),
			wantQty: 10,
		},
		{
			desc:    "sized from equity capped by max position",
			engine:  func(c *Config) { c.MaxPositionSize = 4 },
			signal:  buy(0),
			wantQty: 4,
		},
		{
			desc:   "sizing without equity",
			signal: buy(0),
			input: func(in *Input) {
				in.Portfolio.TotalEquity = decimal.Zero
			},
			reason: schema.RiskReasonZeroSize,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultConfig()
			if tc.engine != nil {
				tc.engine(&cfg)
			}
			clock := tc.clock
			if clock == nil {
				clock = clockAt(10, 0)
			}
			e, err := NewEngine(cfg, clock, nil)
			require.NoError(t, err)

			in := Input{Portfolio: richPortfolio(), Price: price}
			if tc.input != nil {
				tc.input(&in)
			}
			res := e.Evaluate(tc.signal, in)

			if tc.reason != schema.RiskReasonNone {
				if res.Approved || res.Reason != tc.reason {
					t.Fatalf("reason mismatch! should be %s but got %s (approved=%v)", tc.reason, res.Reason, res.Approved)
				}
				assert.Equal(t, int64(0), res.ApprovedQuantity)
				assert.NotEmpty(t, res.Message)
				return
			}
			require.Truef(t, res.Approved, "rejected: %s %s", res.Reason, res.Message)
			assert.Equal(t, tc.wantQty, res.ApprovedQuantity)
		})
	}
}

func TestEvaluateSellPositionCapAllowsReduction(t *testing.T) {
	e := newTestEngine(t, func(c *Config) { c.MaxPositionSize = 100 })
	in := Input{Portfolio: richPortfolio(), Price: decimal.NewFromInt(1000)}
	in.Portfolio.Positions["005930"] = schema.Position{Symbol: "005930", Quantity: 100, AvgPrice: decimal.NewFromInt(1000)}

	res := e.Evaluate(sell(250), in)
	require.True(t, res.Approved)
	assert.Equal(t, int64(200), res.ApprovedQuantity)
}

func TestEvaluateNeverIncreasesQuantity(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	e := newTestEngine(t, func(c *Config) { c.MaxPositionSize = 500 })

	for i := 0; i < 1000; i++ {
		qty := r.Int63n(1000) + 1
		sig := buy(qty)
		if r.Intn(2) == 0 {
			sig = sell(qty)
		}
		p := schema.Portfolio{
			Cash:        decimal.NewFromInt(r.Int63n(50_000_000)),
			TotalEquity: decimal.NewFromInt(r.Int63n(50_000_000) + 1),
			DailyPnL:    decimal.NewFromInt(-r.Int63n(1_500_000)),
			Positions: map[string]schema.Position{
				"005930": {Symbol: "005930", Quantity: r.Int63n(1000) - 500, AvgPrice: decimal.NewFromInt(1000), CurrentPrice: decimal.NewFromInt(1000)},
			},
		}
		res := e.Evaluate(sig, Input{Portfolio: p, Price: decimal.NewFromInt(r.Int63n(100_000) + 1), OrdersToday: r.Intn(60)})
		if res.Approved {
			if res.ApprovedQuantity <= 0 || res.ApprovedQuantity > qty {
				t.Fatalf("clamp mismatch! should be in (0, %d] but got %d", qty, res.ApprovedQuantity)
			}
			continue
		}
		if res.ApprovedQuantity != 0 || res.Reason == schema.RiskReasonNone {
			t.Fatalf("rejection mismatch! got qty=%d reason=%s", res.ApprovedQuantity, res.Reason)
		}
	}
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	testCases := []struct {
		desc   string
		mutate func(*Config)
	}{
		{desc: "bad start", mutate: func(c *Config) { c.TradingStart = "9am" }},
		{desc: "end before start", mutate: func(c *Config) { c.TradingStart = "15:00"; c.TradingEnd = "09:00" }},
		{desc: "bad location", mutate: func(c *Config) { c.Location = "Mars/Olympus" }},
		{desc: "negative fee", mutate: func(c *Config) { c.TransactionCostRate = decimal.NewFromInt(-1) }},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			_, err := NewEngine(cfg, nil, nil)
			assert.Error(t, err)
		})
	}
}

func TestEngineMarketHoursAndReload(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.True(t, e.IsMarketOpen(time.Date(2024, 3, 4, 9, 0, 0, 0, seoul)))
	assert.False(t, e.IsMarketOpen(time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)))

	cfg := e.Config()
	cfg.TradingStart = "08:00"
	require.NoError(t, e.SetConfig(cfg))
	assert.True(t, e.IsMarketOpen(time.Date(2024, 3, 4, 8, 30, 0, 0, seoul)))
	assert.True(t, e.EstimatedFee(decimal.NewFromInt(10_000), 10).Equal(decimal.NewFromInt(15)))
}
