package candle

import (
	"sort"
	"sync"
	"time"

	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/yanun0323/logs"
)

type series struct {
	open       *schema.Candle
	lastClosed time.Time
}

// frame holds every symbol's bucket state for one timeframe behind its own lock,
// so a close on one timeframe never waits on another.
type frame struct {
	tf     schema.Timeframe
	mu     sync.Mutex
	series map[string]*series
}

// Aggregator folds ticks into OHLCV candles per symbol and timeframe.
type Aggregator struct {
	frames  []*frame
	loc     *time.Location
	metrics *obs.Metrics
}

// NewAggregator creates an aggregator for the given timeframes. Buckets are
// aligned in loc; a nil loc means UTC.
func NewAggregator(timeframes []schema.Timeframe, loc *time.Location, metrics *obs.Metrics) *Aggregator {
	if len(timeframes) == 0 {
		timeframes = schema.DefaultTimeframes
	}
	if loc == nil {
		loc = time.UTC
	}
	a := &Aggregator{loc: loc, metrics: metrics}
	seen := make(map[schema.Timeframe]bool, len(timeframes))
	for _, tf := range timeframes {
		if seen[tf] || tf.Duration() == 0 {
			continue
		}
		seen[tf] = true
		a.frames = append(a.frames, &frame{tf: tf, series: make(map[string]*series)})
	}
	return a
}

// Timeframes returns the aggregated timeframes in configuration order.
func (a *Aggregator) Timeframes() []schema.Timeframe {
	out := make([]schema.Timeframe, 0, len(a.frames))
	for _, f := range a.frames {
		out = append(out, f.tf)
	}
	return out
}

// Process applies a tick to every timeframe and returns the candles it closed.
// Malformed ticks are dropped and counted.
func (a *Aggregator) Process(tick schema.Tick) []schema.Candle {
	if err := tick.Validate(); err != nil {
		a.metrics.IncDroppedTick()
		logs.Warnf("candle: drop tick, err: %+v", err)
		return nil
	}
	tick.Timestamp = tick.Timestamp.In(a.loc)

	var closed []schema.Candle
	for _, f := range a.frames {
		if c, ok := f.apply(tick, a.metrics); ok {
			closed = append(closed, c)
		}
	}
	return closed
}

func (f *frame) apply(tick schema.Tick, metrics *obs.Metrics) (schema.Candle, bool) {
	bucket := f.tf.Floor(tick.Timestamp)

	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.series[tick.Symbol]
	if !ok {
		s = &series{}
		f.series[tick.Symbol] = s
	}

	if !s.lastClosed.IsZero() && !bucket.After(s.lastClosed) {
		metrics.IncLateTick()
		return schema.Candle{}, false
	}

	if s.open == nil {
		s.open = newCandle(tick, f.tf, bucket)
		return schema.Candle{}, false
	}

	switch {
	case bucket.Equal(s.open.OpenTime):
		if tick.Price.GreaterThan(s.open.High) {
			s.open.High = tick.Price
		}
		if tick.Price.LessThan(s.open.Low) {
			s.open.Low = tick.Price
		}
		s.open.Close = tick.Price
		s.open.Volume += tick.Size
		return schema.Candle{}, false
	case bucket.After(s.open.OpenTime):
		done := *s.open
		done.Closed = true
		s.lastClosed = done.OpenTime
		s.open = newCandle(tick, f.tf, bucket)
		return done, true
	default:
		metrics.IncLateTick()
		return schema.Candle{}, false
	}
}

func newCandle(tick schema.Tick, tf schema.Timeframe, bucket time.Time) *schema.Candle {
	return &schema.Candle{
		Symbol:    tick.Symbol,
		Timeframe: tf,
		OpenTime:  bucket,
		Open:      tick.Price,
		High:      tick.Price,
		Low:       tick.Price,
		Close:     tick.Price,
		Volume:    tick.Size,
	}
}

// Current returns the open candle for a symbol and timeframe.
func (a *Aggregator) Current(symbol string, tf schema.Timeframe) (schema.Candle, bool) {
	for _, f := range a.frames {
		if f.tf != tf {
			continue
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		s, ok := f.series[symbol]
		if !ok || s.open == nil {
			return schema.Candle{}, false
		}
		return *s.open, true
	}
	return schema.Candle{}, false
}

// CurrentAll returns every open candle of a symbol keyed by timeframe.
func (a *Aggregator) CurrentAll(symbol string) map[schema.Timeframe]schema.Candle {
	out := make(map[schema.Timeframe]schema.Candle, len(a.frames))
	for _, f := range a.frames {
		f.mu.Lock()
		if s, ok := f.series[symbol]; ok && s.open != nil {
			out[f.tf] = *s.open
		}
		f.mu.Unlock()
	}
	return out
}

// Flush closes every open candle without waiting for a boundary tick.
func (a *Aggregator) Flush() []schema.Candle {
	var closed []schema.Candle
	for _, f := range a.frames {
		closed = append(closed, f.flush(func(string) bool { return true })...)
	}
	return closed
}

// FlushSymbol closes the open candles of one symbol.
func (a *Aggregator) FlushSymbol(symbol string) []schema.Candle {
	var closed []schema.Candle
	for _, f := range a.frames {
		closed = append(closed, f.flush(func(s string) bool { return s == symbol })...)
	}
	return closed
}

func (f *frame) flush(match func(string) bool) []schema.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()

	var closed []schema.Candle
	for symbol, s := range f.series {
		if s.open == nil || !match(symbol) {
			continue
		}
		done := *s.open
		done.Closed = true
		s.lastClosed = done.OpenTime
		s.open = nil
		closed = append(closed, done)
	}
	sort.Slice(closed, func(i, j int) bool {
		return closed[i].Symbol < closed[j].Symbol
	})
	return closed
}

// Clear drops the open candles of a symbol without closing them. The last
// closed bucket is kept, so a cleared symbol never reopens a closed bar.
func (a *Aggregator) Clear(symbol string) {
	for _, f := range a.frames {
		f.mu.Lock()
		if s, ok := f.series[symbol]; ok {
			s.open = nil
		}
		f.mu.Unlock()
	}
}

// Seed marks the bucket opening at lastClosed as already closed for a symbol,
// typically the newest persisted candle. Ticks at or before it are late. An
// older seed never moves the mark backwards, and an open candle at or before
// the mark is dropped.
func (a *Aggregator) Seed(symbol string, tf schema.Timeframe, lastClosed time.Time) {
	if lastClosed.IsZero() {
		return
	}
	for _, f := range a.frames {
		if f.tf != tf {
			continue
		}
		f.mu.Lock()
		s, ok := f.series[symbol]
		if !ok {
			s = &series{}
			f.series[symbol] = s
		}
		if lastClosed.After(s.lastClosed) {
			s.lastClosed = lastClosed
		}
		if s.open != nil && !s.open.OpenTime.After(s.lastClosed) {
			s.open = nil
		}
		f.mu.Unlock()
	}
}
