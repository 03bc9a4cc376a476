package strategy

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{PullbackName}, r.Available())

	s, err := r.Create(PullbackName, map[string]any{"cooldown_minutes": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, PullbackName, s.Name())

	_, err = r.Create("nope", nil)
	require.ErrorIs(t, err, ErrUnknownStrategy)

	require.ErrorIs(t, r.Register(PullbackName, NewPullbackFromParams), ErrAlreadyRegistered)

	testCases := []struct {
		desc   string
		params map[string]any
	}{
		{desc: "fractional int", params: map[string]any{"swing_lookback": 2.5}},
		{desc: "wrong type", params: map[string]any{"higher_timeframe": 60}},
		{desc: "unknown timeframe", params: map[string]any{"lower_timeframe": "7m"}},
		{desc: "too few bars", params: map[string]any{"min_higher_bars": 10}},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := r.Create(PullbackName, tc.params)
			assert.Error(t, err)
		})
	}
}

func TestNewSignalIDIsStable(t *testing.T) {
	at := time.Date(2024, 3, 4, 0, 1, 0, 0, time.UTC)
	a := NewSignalID(PullbackName, "005930", at)
	assert.Equal(t, a, NewSignalID(PullbackName, "005930", at))
	assert.NotEqual(t, a, NewSignalID(PullbackName, "000660", at))
	assert.NotEqual(t, a, NewSignalID(PullbackName, "005930", at.Add(time.Minute)))
	assert.True(t, strings.HasPrefix(a, "SIG-"))
	assert.Len(t, a, 16)
}

func TestIndicators(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	e := ema(values, 3)
	assert.Equal(t, []float64{0, 0, 2, 3, 4}, e)

	up := make([]float64, 20)
	for i := range up {
		up[i] = float64(i)
	}
	r := rsi(up, 14)
	assert.Equal(t, 50.0, r[13])
	assert.Equal(t, 100.0, r[19])

	flat := rsi([]float64{1, 2}, 14)
	assert.Equal(t, []float64{50, 50}, flat)
}

func bars(tf schema.Timeframe, n int, start, step float64) []schema.Candle {
	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	out := make([]schema.Candle, n)
	for i := range out {
		px := start + step*float64(i)
		out[i] = schema.Candle{
			Symbol:    "005930",
			Timeframe: tf,
			OpenTime:  base.Add(time.Duration(i) * tf.Duration()),
			Open:      decimal.NewFromFloat(px - step/2),
			High:      decimal.NewFromFloat(px + math.Abs(step)),
			Low:       decimal.NewFromFloat(px - math.Abs(step)),
			Close:     decimal.NewFromFloat(px),
			Closed:    true,
		}
	}
	return out
}

func TestPullbackDecisions(t *testing.T) {
	now := time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)
	sc := Context{MarketOpen: true, Universe: []string{"005930"}}
	tick := &schema.Tick{Symbol: "005930", Price: decimal.NewFromInt(1200), Size: 1, Timestamp: now}

	testCases := []struct {
		desc   string
		ctx    Context
		htf    []schema.Candle
		ltf    []schema.Candle
		action schema.Action
		reason string
		none   bool
	}{
		{desc: "outside universe", ctx: Context{MarketOpen: true}, none: true},
		{desc: "market closed", ctx: Context{Universe: sc.Universe}, none: true},
		{desc: "insufficient data", ctx: sc, htf: bars(schema.Timeframe60m, 50, 1000, 1), ltf: bars(schema.Timeframe5m, 30, 1000, 1), action: schema.ActionHold, reason: "insufficient_data"},
		{desc: "downtrend", ctx: sc, htf: bars(schema.Timeframe60m, 250, 2000, -1), ltf: bars(schema.Timeframe5m, 30, 1000, 1), action: schema.ActionHold, reason: "trend_filter_fail"},
		{desc: "steady uptrend", ctx: sc, htf: bars(schema.Timeframe60m, 250, 1000, 1), ltf: bars(schema.Timeframe5m, 30, 1000, 1), action: schema.ActionHold, reason: "hold"},
		{desc: "lower timeframe breaks down", ctx: sc, htf: bars(schema.Timeframe60m, 250, 1000, 1), ltf: bars(schema.Timeframe5m, 30, 1300, -1), action: schema.ActionSell, reason: "exit_trigger"},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			p := NewPullback(DefaultPullbackConfig())
			snap := schema.MarketSnapshot{
				Symbol:    "005930",
				Timestamp: now,
				LastTick:  tick,
				History: map[schema.Timeframe][]schema.Candle{
					schema.Timeframe60m: tc.htf,
					schema.Timeframe5m:  tc.ltf,
				},
			}
			signals, err := p.OnMarketData(t.Context(), snap, tc.ctx)
			require.NoError(t, err)
			if tc.none {
				assert.Empty(t, signals)
				return
			}
			require.Len(t, signals, 1)
			sig := signals[0]
			if sig.Action != tc.action || sig.Reason != tc.reason {
				t.Fatalf("decision mismatch! should be %s/%s but got %s/%s", tc.action, tc.reason, sig.Action, sig.Reason)
			}
			assert.Equal(t, PullbackName, sig.Strategy)
			assert.Equal(t, NewSignalID(PullbackName, "005930", now), sig.ID)
			assert.True(t, sig.Price.Equal(decimal.NewFromInt(1200)))
			assert.Zero(t, sig.SuggestedQuantity)
		})
	}
}
