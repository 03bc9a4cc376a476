package state

import (
	"sync"
	"testing"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fill(id, symbol string, side schema.OrderSide, qty int64, price, commission string, ts time.Time) schema.Fill {
	return schema.Fill{
		ID:         id,
		OrderID:    "ORD-" + id,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      dec(price),
		Commission: dec(commission),
		Timestamp:  ts,
	}
}

func TestTrackerApplyFill(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	tr := NewTracker(func() time.Time { return now })
	tr.Sync(nil, schema.Balance{Cash: dec("1000000"), TotalEquity: dec("1000000")})

	testCases := []struct {
		desc     string
		fill     schema.Fill
		wantQty  int64
		wantAvg  string
		wantCash string
		wantPnL  string
	}{
		{
			desc:     "open long",
			fill:     fill("1", "A", schema.OrderSideBuy, 10, "100", "1", now),
			wantQty:  10,
			wantAvg:  "100",
			wantCash: "998999",
			wantPnL:  "-1",
		},
		{
			desc:     "add at higher price averages up",
			fill:     fill("2", "A", schema.OrderSideBuy, 10, "200", "2", now),
			wantQty:  20,
			wantAvg:  "150",
			wantCash: "996997",
			wantPnL:  "-3",
		},
		{
			desc:     "partial sell keeps average",
			fill:     fill("3", "A", schema.OrderSideSell, 5, "170", "1", now),
			wantQty:  15,
			wantAvg:  "150",
			wantCash: "997846",
			wantPnL:  "96",
		},
		{
			desc:     "flip to short resets average",
			fill:     fill("4", "A", schema.OrderSideSell, 20, "160", "0", now),
			wantQty:  -5,
			wantAvg:  "160",
			wantCash: "1001046",
			wantPnL:  "246",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			pos, err := tr.ApplyFill(tc.fill, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.wantQty, pos.Quantity)
			assert.Truef(t, pos.AvgPrice.Equal(dec(tc.wantAvg)), "avg mismatch! should be %s but got %s", tc.wantAvg, pos.AvgPrice)

			snap := tr.Snapshot()
			assert.Truef(t, snap.Cash.Equal(dec(tc.wantCash)), "cash mismatch! should be %s but got %s", tc.wantCash, snap.Cash)
			assert.Truef(t, snap.DailyPnL.Equal(dec(tc.wantPnL)), "pnl mismatch! should be %s but got %s", tc.wantPnL, snap.DailyPnL)
		})
	}
}

func TestTrackerFlatRemovesPosition(t *testing.T) {
	tr := NewTracker(nil)
	now := time.Now()
	_, err := tr.ApplyFill(fill("1", "A", schema.OrderSideBuy, 3, "10", "0", now), nil)
	require.NoError(t, err)

	var committed schema.Position
	_, err = tr.ApplyFill(fill("2", "A", schema.OrderSideSell, 3, "12", "0", now), func(p schema.Position) error {
		committed = p
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), committed.Quantity)
	assert.Equal(t, "A", committed.Symbol)

	_, ok := tr.Position("A")
	assert.False(t, ok)
	assert.Empty(t, tr.Snapshot().Positions)
}

func TestTrackerCommitFailureLeavesStateUnchanged(t *testing.T) {
	tr := NewTracker(nil)
	tr.Sync([]schema.Position{{Symbol: "A", Quantity: 5, AvgPrice: dec("10")}}, schema.Balance{Cash: dec("100")})
	before := tr.Snapshot()

	errCommit := errors.New("db down")
	_, err := tr.ApplyFill(fill("1", "A", schema.OrderSideBuy, 5, "20", "1", time.Now()), func(schema.Position) error {
		return errCommit
	})
	require.ErrorIs(t, err, errCommit)

	after := tr.Snapshot()
	assert.Equal(t, before.Positions["A"].Quantity, after.Positions["A"].Quantity)
	assert.True(t, before.Cash.Equal(after.Cash))
}

func TestTrackerRejectsInvalidFill(t *testing.T) {
	tr := NewTracker(nil)
	_, err := tr.ApplyFill(schema.Fill{Symbol: "A", Side: schema.OrderSideBuy, Price: dec("1")}, nil)
	require.ErrorIs(t, err, ErrInvalidFill)
}

func TestTrackerSyncReportsDivergence(t *testing.T) {
	tr := NewTracker(nil)
	tr.Load([]schema.Position{
		{Symbol: "A", Quantity: 10, AvgPrice: dec("100")},
		{Symbol: "B", Quantity: 3, AvgPrice: dec("50")},
	})

	divergences := tr.Sync([]schema.Position{
		{Symbol: "A", Quantity: 10, AvgPrice: dec("100")},
		{Symbol: "C", Quantity: 1, AvgPrice: dec("7")},
	}, schema.Balance{Cash: dec("500"), TotalEquity: dec("1507")})

	require.Len(t, divergences, 2)
	assert.Equal(t, "B", divergences[0].Symbol)
	assert.Equal(t, int64(0), divergences[0].Actual.Quantity)
	assert.Equal(t, "C", divergences[1].Symbol)
	assert.Equal(t, int64(0), divergences[1].Expected.Quantity)

	snap := tr.Snapshot()
	assert.Len(t, snap.Positions, 2)
	assert.True(t, snap.TotalEquity.Equal(dec("1507")))

	assert.Empty(t, tr.Sync(snap.PositionsList(), schema.Balance{Cash: dec("500"), TotalEquity: dec("1507")}))
}

func TestTrackerSnapshotIsConsistent(t *testing.T) {
	tr := NewTracker(nil)
	tr.Sync(nil, schema.Balance{Cash: dec("1000000")})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = tr.ApplyFill(fill("b", "A", schema.OrderSideBuy, 1, "100", "0", time.Now()), nil)
		}
	}()

	for i := 0; i < 200; i++ {
		snap := tr.Snapshot()
		qty := snap.PositionQuantity("A")
		want := dec("1000000").Sub(dec("100").Mul(decimal.NewFromInt(qty)))
		if !snap.Cash.Equal(want) {
			t.Fatalf("torn read! qty=%d cash=%s", qty, snap.Cash)
		}
	}
	wg.Wait()
}

func TestRebuildPositions(t *testing.T) {
	t0 := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	fills := []schema.Fill{
		fill("3", "A", schema.OrderSideSell, 4, "120", "0", t0.Add(2*time.Minute)),
		fill("1", "A", schema.OrderSideBuy, 10, "100", "0", t0),
		fill("2", "B", schema.OrderSideBuy, 2, "50", "0", t0.Add(time.Minute)),
		fill("4", "B", schema.OrderSideSell, 2, "55", "0", t0.Add(3*time.Minute)),
	}

	first := RebuildPositions(fills).Snapshot()
	second := RebuildPositions(fills).Snapshot()
	assert.Empty(t, CompareSnapshots(first, second))

	require.Len(t, first.Positions, 1)
	assert.Equal(t, "A", first.Positions[0].Symbol)
	assert.Equal(t, int64(6), first.Positions[0].Quantity)
	assert.True(t, first.Positions[0].AvgPrice.Equal(dec("100")))
}
