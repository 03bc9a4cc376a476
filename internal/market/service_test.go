package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kpLEE-HYU/krader/internal/candle"
	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/universe"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	subscribed   []string
	unsubscribed []string
	err          error
}

func (f *fakeSource) SubscribeMarketData(_ context.Context, symbols []string) error {
	if f.err != nil {
		return f.err
	}
	f.subscribed = append(f.subscribed, symbols...)
	return nil
}

func (f *fakeSource) UnsubscribeMarketData(_ context.Context, symbols []string) error {
	f.unsubscribed = append(f.unsubscribed, symbols...)
	return nil
}

type memCandles struct {
	mu    sync.Mutex
	saved []schema.Candle
	seed  map[schema.Timeframe][]schema.Candle
}

func (m *memCandles) SaveCandle(_ context.Context, c schema.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, c)
	return nil
}

func (m *memCandles) Candles(_ context.Context, _ string, tf schema.Timeframe, _ int) ([]schema.Candle, error) {
	return m.seed[tf], nil
}

type recorder struct {
	mu     sync.Mutex
	closed []schema.Candle
}

func (r *recorder) Publish(_ schema.EventType, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, payload.(schema.Candle))
	return nil
}

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 4, h, m, s, 0, time.UTC)
}

func tick(symbol string, ts time.Time, price int64) schema.Tick {
	return schema.Tick{Symbol: symbol, Price: decimal.NewFromInt(price), Size: 1, Timestamp: ts}
}

func newService(t *testing.T, size int) (*Service, *fakeSource, *memCandles, *recorder, *obs.Metrics) {
	t.Helper()
	metrics := obs.NewMetrics()
	agg := candle.NewAggregator([]schema.Timeframe{schema.Timeframe1m}, time.UTC, metrics)
	src, store, rec := &fakeSource{}, &memCandles{seed: map[schema.Timeframe][]schema.Candle{}}, &recorder{}
	return NewService(agg, universe.NewSet(), src, store, rec, Config{HistorySize: size}, metrics), src, store, rec, metrics
}

func TestOnTickOnlyForSubscribedSymbols(t *testing.T) {
	svc, src, store, rec, metrics := newService(t, 3)
	ctx := t.Context()

	svc.OnTick(ctx, tick("005930", at(9, 0, 1), 100))
	assert.Equal(t, uint64(1), metrics.Snapshot().DroppedTicks)

	require.NoError(t, svc.Subscribe(ctx, []string{"005930"}))
	assert.Equal(t, []string{"005930"}, src.subscribed)

	svc.OnTick(ctx, tick("005930", at(9, 0, 1), 100))
	svc.OnTick(ctx, tick("005930", at(9, 0, 40), 102))
	closed := svc.OnTick(ctx, tick("005930", at(9, 1, 5), 99))
	require.Len(t, closed, 1)
	require.Len(t, store.saved, 1)
	require.Len(t, rec.closed, 1)
	assert.Truef(t, rec.closed[0].Close.Equal(decimal.NewFromInt(102)), "close: %s", rec.closed[0].Close)

	snap := svc.Snapshot("005930", at(9, 1, 5))
	require.NotNil(t, snap.LastTick)
	price, ok := snap.LastPrice()
	require.True(t, ok)
	assert.Truef(t, price.Equal(decimal.NewFromInt(99)), "price: %s", price)
	assert.Len(t, snap.History[schema.Timeframe1m], 1)
	assert.Contains(t, snap.Current, schema.Timeframe1m)

	svc.OnTick(ctx, schema.Tick{Symbol: "005930", Price: decimal.Zero, Size: 1, Timestamp: at(9, 1, 6)})
	assert.Equal(t, uint64(2), metrics.Snapshot().DroppedTicks)
}

func TestHistoryIsBounded(t *testing.T) {
	svc, _, _, _, _ := newService(t, 3)
	ctx := t.Context()
	require.NoError(t, svc.Subscribe(ctx, []string{"A"}))

	for m := 0; m <= 6; m++ {
		svc.OnTick(ctx, tick("A", at(9, m, 0), int64(100+m)))
	}
	h := svc.Snapshot("A", at(9, 6, 0)).History[schema.Timeframe1m]
	require.Len(t, h, 3)
	assert.Equal(t, at(9, 3, 0), h[0].OpenTime)
	assert.Equal(t, at(9, 5, 0), h[2].OpenTime)
}

func TestSubscribeSeedsAndUnsubscribeFlushes(t *testing.T) {
	svc, src, store, rec, _ := newService(t, 250)
	ctx := t.Context()
	store.seed[schema.Timeframe1m] = []schema.Candle{{Symbol: "A", Timeframe: schema.Timeframe1m, OpenTime: at(8, 59, 0), Close: decimal.NewFromInt(90), Closed: true}}

	require.NoError(t, svc.Subscribe(ctx, []string{"A"}))
	assert.Equal(t, 1, svc.HistoryLen("A")[schema.Timeframe1m])

	svc.OnTick(ctx, tick("A", at(9, 0, 1), 100))
	require.NoError(t, svc.Unsubscribe(ctx, []string{"A", "B"}))
	assert.Equal(t, []string{"A"}, src.unsubscribed)
	require.Len(t, rec.closed, 1, "open candle is closed on unsubscribe")
	assert.Empty(t, svc.Symbols())
	assert.Empty(t, svc.Snapshot("A", at(9, 1, 0)).History)
}

func TestSubscribeNeverReopensStoredBar(t *testing.T) {
	svc, _, store, rec, metrics := newService(t, 250)
	ctx := t.Context()
	stored := schema.Candle{
		Symbol: "A", Timeframe: schema.Timeframe1m, OpenTime: at(9, 0, 0),
		Open: decimal.NewFromInt(100), High: decimal.NewFromInt(100), Low: decimal.NewFromInt(100), Close: decimal.NewFromInt(100),
		Volume: 50, Closed: true,
	}
	store.seed[schema.Timeframe1m] = []schema.Candle{stored}

	require.NoError(t, svc.Subscribe(ctx, []string{"A"}))
	assert.Empty(t, svc.OnTick(ctx, tick("A", at(9, 0, 50), 90)))
	assert.Empty(t, svc.OnTick(ctx, tick("A", at(9, 1, 5), 91)))
	assert.Empty(t, rec.closed)
	assert.Empty(t, store.saved)
	assert.Equal(t, uint64(1), metrics.Snapshot().LateTicks)

	closed := svc.OnTick(ctx, tick("A", at(9, 2, 0), 92))
	require.Len(t, closed, 1)
	if !closed[0].OpenTime.Equal(at(9, 1, 0)) {
		t.Fatalf("open time mismatch! should be %s but got %s", at(9, 1, 0), closed[0].OpenTime)
	}
}

func TestResubscribeNeverReopensFlushedBar(t *testing.T) {
	svc, _, store, rec, _ := newService(t, 250)
	ctx := t.Context()

	require.NoError(t, svc.Subscribe(ctx, []string{"A"}))
	svc.OnTick(ctx, tick("A", at(9, 0, 10), 100))
	require.NoError(t, svc.Unsubscribe(ctx, []string{"A"}))
	require.Len(t, rec.closed, 1)

	require.NoError(t, svc.Subscribe(ctx, []string{"A"}))
	svc.OnTick(ctx, tick("A", at(9, 0, 40), 101))
	svc.OnTick(ctx, tick("A", at(9, 1, 5), 102))
	assert.Len(t, rec.closed, 1)
	assert.Len(t, store.saved, 1)
}

func TestSubscribeFailureKeepsSymbolOut(t *testing.T) {
	svc, src, _, _, _ := newService(t, 10)
	src.err = errors.New("rejected")

	require.Error(t, svc.Subscribe(t.Context(), []string{"A"}))
	assert.Empty(t, svc.Symbols())
}
