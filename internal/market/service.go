package market

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/kpLEE-HYU/krader/internal/candle"
	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/kpLEE-HYU/krader/internal/universe"
	"github.com/yanun0323/logs"
)

const DefaultHistorySize = 250

// Source is the broker side of market data subscriptions.
type Source interface {
	SubscribeMarketData(ctx context.Context, symbols []string) error
	UnsubscribeMarketData(ctx context.Context, symbols []string) error
}

// CandleStore persists closed candles and seeds history.
type CandleStore interface {
	SaveCandle(ctx context.Context, c schema.Candle) error
	Candles(ctx context.Context, symbol string, tf schema.Timeframe, limit int) ([]schema.Candle, error)
}

type Publisher interface {
	Publish(eventType schema.EventType, payload any) error
}

type Config struct {
	HistorySize int
}

// Service owns the candle aggregator, the subscribed symbol set and the
// bounded candle history used to assemble strategy snapshots.
type Service struct {
	agg       *candle.Aggregator
	set       *universe.Set
	source    Source
	store     CandleStore
	publisher Publisher
	metrics   *obs.Metrics
	size      int

	mu       sync.RWMutex
	lastTick map[string]schema.Tick
	history  map[string]map[schema.Timeframe][]schema.Candle
}

func NewService(agg *candle.Aggregator, set *universe.Set, source Source, store CandleStore, publisher Publisher, cfg Config, metrics *obs.Metrics) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Service{
		agg:       agg,
		set:       set,
		source:    source,
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		size:      cfg.HistorySize,
		lastTick:  make(map[string]schema.Tick),
		history:   make(map[string]map[schema.Timeframe][]schema.Candle),
	}
}

// OnTick aggregates one tick of a subscribed symbol and returns the candles
// it closed. Invalid ticks and ticks of unsubscribed symbols are dropped.
func (s *Service) OnTick(ctx context.Context, tick schema.Tick) []schema.Candle {
	if err := tick.Validate(); err != nil {
		s.metrics.IncDroppedTick()
		logs.Debugf("market: drop tick, err: %+v", err)
		return nil
	}

	var closed []schema.Candle
	ok := s.set.Deliver(tick.Symbol, func() {
		s.mu.Lock()
		s.lastTick[tick.Symbol] = tick
		s.mu.Unlock()

		closed = s.agg.Process(tick)
		for _, c := range closed {
			s.onClosed(ctx, c)
		}
	})
	if !ok {
		s.metrics.IncDroppedTick()
	}
	return closed
}

func (s *Service) onClosed(ctx context.Context, c schema.Candle) {
	if s.store != nil {
		if err := s.store.SaveCandle(context.WithoutCancel(ctx), c); err != nil {
			logs.Errorf("market: save candle %s, err: %+v", c.Key(), err)
		}
	}

	s.mu.Lock()
	byTf, ok := s.history[c.Symbol]
	if !ok {
		byTf = make(map[schema.Timeframe][]schema.Candle)
		s.history[c.Symbol] = byTf
	}
	byTf[c.Timeframe] = appendBounded(byTf[c.Timeframe], c, s.size)
	s.mu.Unlock()

	logs.Debugf("market: candle closed %s %s o=%s h=%s l=%s c=%s v=%d",
		c.Symbol, c.Timeframe, c.Open, c.High, c.Low, c.Close, c.Volume)
	if s.publisher != nil {
		if err := s.publisher.Publish(schema.EventCandleClosed, c); err != nil {
			logs.Warnf("market: publish candle %s, err: %+v", c.Key(), err)
		}
	}
}

func appendBounded(h []schema.Candle, c schema.Candle, size int) []schema.Candle {
	if n := len(h); n != 0 && !c.OpenTime.After(h[n-1].OpenTime) {
		return h
	}
	h = append(h, c)
	if len(h) > size {
		h = slices.Clone(h[len(h)-size:])
	}
	return h
}

// Subscribe seeds history from the store and subscribes at the source; the
// symbols join the set only if the source accepted them. Buckets already in
// the store stay closed.
func (s *Service) Subscribe(ctx context.Context, symbols []string) error {
	added, err := s.set.Add(symbols, func(added []string) error {
		s.seed(ctx, added)
		return s.source.SubscribeMarketData(ctx, added)
	})
	if err != nil {
		return err
	}
	if len(added) != 0 {
		logs.Infof("market: subscribed %v", added)
	}
	return nil
}

func (s *Service) seed(ctx context.Context, symbols []string) {
	if s.store == nil {
		return
	}
	for _, sym := range symbols {
		byTf := make(map[schema.Timeframe][]schema.Candle)
		for _, tf := range s.agg.Timeframes() {
			candles, err := s.store.Candles(ctx, sym, tf, s.size)
			if err != nil {
				logs.Warnf("market: seed history %s %s, err: %+v", sym, tf, err)
				continue
			}
			byTf[tf] = candles
			if n := len(candles); n != 0 {
				s.agg.Seed(sym, tf, candles[n-1].OpenTime)
			}
		}
		s.mu.Lock()
		s.history[sym] = byTf
		s.mu.Unlock()
	}
}

// Unsubscribe closes the open candles of the symbols, forgets their ticks and
// history and unsubscribes at the source. The aggregator keeps its closed
// marks so a later subscribe cannot reopen a bar.
func (s *Service) Unsubscribe(ctx context.Context, symbols []string) error {
	removed, err := s.set.Remove(symbols, func(removed []string) error {
		for _, sym := range removed {
			for _, c := range s.agg.FlushSymbol(sym) {
				s.onClosed(ctx, c)
			}
			s.agg.Clear(sym)
			s.mu.Lock()
			delete(s.lastTick, sym)
			delete(s.history, sym)
			s.mu.Unlock()
		}
		return s.source.UnsubscribeMarketData(ctx, removed)
	})
	if len(removed) != 0 {
		logs.Infof("market: unsubscribed %v", removed)
	}
	return err
}

// Flush closes every open candle, used on shutdown.
func (s *Service) Flush(ctx context.Context) []schema.Candle {
	closed := s.agg.Flush()
	for _, c := range closed {
		s.onClosed(ctx, c)
	}
	return closed
}

// Symbols returns the subscribed symbols.
func (s *Service) Symbols() []string {
	return s.set.Symbols()
}

// LastTick is the most recent tick of a symbol.
func (s *Service) LastTick(symbol string) (schema.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastTick[symbol]
	return t, ok
}

// Snapshot assembles a deep copy of the market state of one symbol.
func (s *Service) Snapshot(symbol string, now time.Time) schema.MarketSnapshot {
	snap := schema.MarketSnapshot{
		Symbol:    symbol,
		Timestamp: now,
		Current:   s.agg.CurrentAll(symbol),
		History:   make(map[schema.Timeframe][]schema.Candle),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.lastTick[symbol]; ok {
		snap.LastTick = &t
	}
	for tf, h := range s.history[symbol] {
		snap.History[tf] = slices.Clone(h)
	}
	return snap
}

// HistoryLen reports the history window length per timeframe of a symbol.
func (s *Service) HistoryLen(symbol string) map[schema.Timeframe]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[schema.Timeframe]int, len(s.history[symbol]))
	for tf, h := range s.history[symbol] {
		out[tf] = len(h)
	}
	return out
}
