package schema

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeFloor(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)

	ts := time.Date(2024, 3, 4, 9, 47, 31, 500, seoul)
	testCases := []struct {
		desc string
		tf   Timeframe
		want time.Time
	}{
		{desc: "1m", tf: Timeframe1m, want: time.Date(2024, 3, 4, 9, 47, 0, 0, seoul)},
		{desc: "5m", tf: Timeframe5m, want: time.Date(2024, 3, 4, 9, 45, 0, 0, seoul)},
		{desc: "15m", tf: Timeframe15m, want: time.Date(2024, 3, 4, 9, 45, 0, 0, seoul)},
		{desc: "30m", tf: Timeframe30m, want: time.Date(2024, 3, 4, 9, 30, 0, 0, seoul)},
		{desc: "60m", tf: Timeframe60m, want: time.Date(2024, 3, 4, 9, 0, 0, 0, seoul)},
		{desc: "1d floors to local midnight", tf: Timeframe1d, want: time.Date(2024, 3, 4, 0, 0, 0, 0, seoul)},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := tc.tf.Floor(ts)
			if !got.Equal(tc.want) {
				t.Fatalf("floor mismatch! should be %s but got %s", tc.want, got)
			}
		})
	}
}

func TestParseTimeframe(t *testing.T) {
	tf, err := ParseTimeframe("15m")
	require.NoError(t, err)
	assert.Equal(t, Timeframe15m, tf)

	_, err = ParseTimeframe("7m")
	require.ErrorIs(t, err, ErrUnknownTimeframe)
}

func TestTickValidate(t *testing.T) {
	now := time.Now()
	testCases := []struct {
		desc  string
		tick  Tick
		valid bool
	}{
		{desc: "ok", tick: Tick{Symbol: "005930", Price: decimal.NewFromInt(70000), Size: 1, Timestamp: now}, valid: true},
		{desc: "zero size is allowed", tick: Tick{Symbol: "005930", Price: decimal.NewFromInt(70000), Timestamp: now}, valid: true},
		{desc: "empty symbol", tick: Tick{Price: decimal.NewFromInt(1), Size: 1, Timestamp: now}},
		{desc: "zero price", tick: Tick{Symbol: "005930", Size: 1, Timestamp: now}},
		{desc: "negative size", tick: Tick{Symbol: "005930", Price: decimal.NewFromInt(1), Size: -1, Timestamp: now}},
		{desc: "zero timestamp", tick: Tick{Symbol: "005930", Price: decimal.NewFromInt(1), Size: 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.tick.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTick)
			}
		})
	}
}

func TestPortfolioExposure(t *testing.T) {
	p := Portfolio{
		Cash:        decimal.NewFromInt(600),
		TotalEquity: decimal.NewFromInt(1000),
		Positions: map[string]Position{
			"A": {Symbol: "A", Quantity: 2, AvgPrice: decimal.NewFromInt(100), CurrentPrice: decimal.NewFromInt(150)},
			"B": {Symbol: "B", Quantity: 1, AvgPrice: decimal.NewFromInt(100)},
		},
	}

	assert.Equal(t, int64(2), p.PositionQuantity("A"))
	assert.Equal(t, int64(0), p.PositionQuantity("C"))
	assert.Truef(t, p.TotalPositionValue().Equal(decimal.NewFromInt(400)), "total position value: %s", p.TotalPositionValue())
	assert.Truef(t, p.ExposurePct().Equal(decimal.RequireFromString("0.4")), "exposure: %s", p.ExposurePct())
}
