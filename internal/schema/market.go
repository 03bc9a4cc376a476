package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

var (
	ErrInvalidTick      = errors.New("invalid tick")
	ErrUnknownTimeframe = errors.New("unknown timeframe")
)

// Timeframe is a candle aggregation interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe60m Timeframe = "60m"
	Timeframe1d  Timeframe = "1d"
)

// AllTimeframes lists every timeframe, shortest first.
var AllTimeframes = []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe30m, Timeframe60m, Timeframe1d}

// DefaultTimeframes is the aggregation set used when none is configured.
var DefaultTimeframes = []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe60m}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if tf.Duration() == 0 {
		return "", errors.Wrapf(ErrUnknownTimeframe, "timeframe: %q", s)
	}
	return tf, nil
}

// Duration returns the bucket length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe60m:
		return time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Floor returns the start of the bucket containing t.
// Intraday buckets are aligned to the wall clock of t's location; 1d floors to local midnight.
func (tf Timeframe) Floor(t time.Time) time.Time {
	if tf == Timeframe1d {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
	d := tf.Duration()
	if d <= 0 {
		return t
	}
	y, m, day := t.Date()
	midnight := time.Date(y, m, day, 0, 0, 0, 0, t.Location())
	offset := t.Sub(midnight)
	return midnight.Add(offset - offset%d)
}

// Tick is a single trade print.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      int64           `json:"size"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate reports whether the tick can be aggregated.
func (t Tick) Validate() error {
	switch {
	case t.Symbol == "":
		return errors.Wrap(ErrInvalidTick, "empty symbol")
	case !t.Price.IsPositive():
		return errors.Wrapf(ErrInvalidTick, "non-positive price %s for %s", t.Price, t.Symbol)
	case t.Size < 0:
		return errors.Wrapf(ErrInvalidTick, "negative size %d for %s", t.Size, t.Symbol)
	case t.Timestamp.IsZero():
		return errors.Wrapf(ErrInvalidTick, "zero timestamp for %s", t.Symbol)
	}
	return nil
}

// Candle is an OHLCV bar keyed by (symbol, timeframe, open time).
type Candle struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Closed    bool            `json:"closed"`
}

// Key identifies the candle bucket.
func (c Candle) Key() string {
	return fmt.Sprintf("%s|%s|%d", c.Symbol, c.Timeframe, c.OpenTime.Unix())
}

// CloseTime is the exclusive end of the bucket.
func (c Candle) CloseTime() time.Time {
	if c.Timeframe == Timeframe1d {
		return c.OpenTime.AddDate(0, 0, 1)
	}
	return c.OpenTime.Add(c.Timeframe.Duration())
}

// MarketSnapshot is the read-only market view handed to a strategy.
// History is newest last.
type MarketSnapshot struct {
	Symbol    string                 `json:"symbol"`
	Timestamp time.Time              `json:"timestamp"`
	LastTick  *Tick                  `json:"last_tick,omitempty"`
	Current   map[Timeframe]Candle   `json:"current"`
	History   map[Timeframe][]Candle `json:"history"`
}

// LastPrice is the last tick price, then the close of the shortest
// in-progress candle, then the latest historical close.
func (s MarketSnapshot) LastPrice() (decimal.Decimal, bool) {
	if s.LastTick != nil && s.LastTick.Price.IsPositive() {
		return s.LastTick.Price, true
	}
	for _, tf := range AllTimeframes {
		if c, ok := s.Current[tf]; ok && c.Close.IsPositive() {
			return c.Close, true
		}
	}
	for _, tf := range AllTimeframes {
		if h := s.History[tf]; len(h) != 0 && h[len(h)-1].Close.IsPositive() {
			return h[len(h)-1].Close, true
		}
	}
	return decimal.Zero, false
}
