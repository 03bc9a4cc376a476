package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kpLEE-HYU/krader/internal/broker"
	"github.com/kpLEE-HYU/krader/internal/ops"
	"github.com/kpLEE-HYU/krader/internal/recon"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/strategy"
	"github.com/kpLEE-HYU/krader/pkg/conn"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var kst = time.FixedZone("KST", 9*3600)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// buyOnce buys 10 shares on the first closed candle it sees.
type buyOnce struct {
	strategy.Base

	mu        sync.Mutex
	sent      bool
	stopped   bool
	afterStop int
	fills     []schema.Fill
}

func (s *buyOnce) Name() string { return "buy_once" }

func (s *buyOnce) OnMarketData(_ context.Context, snap schema.MarketSnapshot, _ strategy.Context) ([]schema.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.afterStop++
	}
	if s.sent {
		return nil, nil
	}
	s.sent = true
	price, _ := snap.LastPrice()
	return []schema.Signal{{
		ID:                strategy.NewSignalID(s.Name(), snap.Symbol, snap.Timestamp),
		Strategy:          s.Name(),
		Symbol:            snap.Symbol,
		Action:            schema.ActionBuy,
		Confidence:        0.8,
		Reason:            "first_candle",
		SuggestedQuantity: 10,
		Price:             price,
		Timestamp:         snap.Timestamp,
	}}, nil
}

func (s *buyOnce) OnStop(context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *buyOnce) OnFill(_ context.Context, f schema.Fill) {
	s.mu.Lock()
	s.fills = append(s.fills, f)
	s.mu.Unlock()
}

func (s *buyOnce) state() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, len(s.fills)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	w.msgs = append(w.msgs, msgs...)
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) types() map[string]int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]int)
	for _, m := range w.msgs {
		out[string(m.Headers[0].Value)]++
	}
	return out
}

// brokenPositions fails the position fetch with a non-retryable error.
type brokenPositions struct {
	*broker.Paper
}

func (brokenPositions) FetchPositions(context.Context) ([]schema.Position, error) {
	return nil, broker.NewError(broker.KindMalformed, "BAD_PAYLOAD", "positions payload is garbage")
}

type fixture struct {
	app      *App
	paper    *broker.Paper
	strategy *buyOnce
	writer   *fakeWriter
	clock    *testClock
	dir      string
}

func newFixture(t *testing.T, wrap func(*broker.Paper) broker.Broker) *fixture {
	t.Helper()

	file := ops.Default()
	file.Mode = ops.ModeTest
	file.Broker.RateLimitMs = 1
	file.Universe.Symbols = []string{"005930"}
	file.Journal.Dir = t.TempDir()
	file.API.Addr = ""
	loaded, err := ops.Resolve(file)
	require.NoError(t, err)

	client, err := conn.New(loaded.Database)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	clock := &testClock{now: time.Date(2024, 3, 4, 10, 0, 0, 0, kst)}
	paper := broker.NewPaper(broker.PaperConfig{
		InitialCash:    decimal.NewFromInt(10_000_000),
		CommissionRate: decimal.RequireFromString("0.00015"),
		Clock:          clock.Now,
	})
	var b broker.Broker = paper
	if wrap != nil {
		b = wrap(paper)
	}

	f := &fixture{paper: paper, strategy: &buyOnce{}, writer: &fakeWriter{}, clock: clock, dir: file.Journal.Dir}
	f.app, err = New(Options{
		Config:     loaded,
		DB:         client.DB(),
		Broker:     b,
		Strategies: []strategy.Strategy{f.strategy},
		Notifier:   f.writer,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.app.market.Symbols()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return cancel, done
}

// closeMinute trades through 10:00 and opens 10:01, closing the 10:00 candle.
func (f *fixture) closeMinute() {
	for _, tc := range []struct {
		at    time.Time
		price int64
	}{
		{time.Date(2024, 3, 4, 10, 0, 5, 0, kst), 72_000},
		{time.Date(2024, 3, 4, 10, 0, 40, 0, kst), 72_100},
		{time.Date(2024, 3, 4, 10, 1, 1, 0, kst), 72_200},
	} {
		f.clock.Set(tc.at)
		f.paper.Feed(schema.Tick{Symbol: "005930", Price: decimal.NewFromInt(tc.price), Size: 10, Timestamp: tc.at})
	}
}

func TestRunTradesClosedCandleSignal(t *testing.T) {
	f := newFixture(t, nil)
	cancel, done := f.start(t)

	f.closeMinute()

	require.Eventually(t, func() bool {
		_, fills := f.strategy.state()
		return fills == 1 && f.app.Portfolio().PositionQuantity("005930") == 10
	}, 5*time.Second, 10*time.Millisecond)

	pos := f.app.Portfolio().Positions["005930"]
	if !pos.AvgPrice.Equal(decimal.NewFromInt(72_200)) {
		t.Fatalf("average price mismatch! should be %s but got %s", "72200", pos.AvgPrice)
	}
	assert.Empty(t, f.app.ActiveOrders())

	cancel()
	require.NoError(t, <-done)

	ctx := context.Background()
	run, err := f.app.repo.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	count, err := f.app.repo.CountOrdersSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	types := f.writer.types()
	assert.Equal(t, 1, types[schema.EventFill.String()])
	assert.NotZero(t, types[schema.EventOrderUpdate.String()])

	body, err := os.ReadFile(filepath.Join(f.dir, "2024-03-04.md"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "first_candle"))
}

func TestKillSwitchBlocksSignalsAndEndsRunKilled(t *testing.T) {
	f := newFixture(t, nil)
	cancel, done := f.start(t)

	h := f.app.Handler()
	req := httptest.NewRequest(http.MethodPost, "/kill-switch", strings.NewReader(`{"reason":"test"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	f.closeMinute()
	require.Eventually(t, func() bool {
		return f.app.metrics.Snapshot().RiskReasonCounts[schema.RiskReasonKillSwitch.String()] == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	ctx := context.Background()
	count, err := f.app.repo.CountOrdersSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.app.Portfolio().PositionQuantity("005930"))

	run, err := f.app.repo.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusKilled, run.Status)
}

func TestShutdownFlushReachesNoStrategy(t *testing.T) {
	f := newFixture(t, nil)
	cancel, done := f.start(t)

	at := time.Date(2024, 3, 4, 10, 0, 5, 0, kst)
	f.clock.Set(at)
	f.paper.Feed(schema.Tick{Symbol: "005930", Price: decimal.NewFromInt(72_000), Size: 10, Timestamp: at})
	require.Eventually(t, func() bool {
		_, ok := f.app.market.LastTick("005930")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	f.strategy.mu.Lock()
	sent, afterStop := f.strategy.sent, f.strategy.afterStop
	f.strategy.mu.Unlock()
	assert.False(t, sent)
	assert.Zero(t, afterStop)

	count, err := f.app.repo.CountOrdersSince(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Zero(t, count)

	candles, err := f.app.repo.Candles(context.Background(), "005930", schema.Timeframe1m, 10)
	require.NoError(t, err)
	assert.Len(t, candles, 1, "the open candle is still persisted on shutdown")
}

func TestRunFailsWhenReconcileFails(t *testing.T) {
	f := newFixture(t, func(p *broker.Paper) broker.Broker { return brokenPositions{p} })

	err := f.app.Run(t.Context())
	require.ErrorIs(t, err, recon.ErrReconcileFailed)
	assert.Empty(t, f.app.recon.RunID())
	assert.False(t, f.paper.IsConnected())
}

func TestStartOfDay(t *testing.T) {
	at := time.Date(2024, 3, 3, 20, 30, 0, 0, time.UTC)
	got := startOfDay(at, kst)
	want := time.Date(2024, 3, 4, 0, 0, 0, 0, kst)
	if !got.Equal(want) {
		t.Fatalf("start of day mismatch! should be %s but got %s", want, got)
	}
}
