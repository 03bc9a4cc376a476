package strategy

import (
	"context"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

const PullbackName = "pullback_v1"

// PullbackConfig tunes the pullback continuation strategy.
type PullbackConfig struct {
	HigherTimeframe schema.Timeframe
	LowerTimeframe  schema.Timeframe
	MinHigherBars   int
	SwingLookback   int
	Cooldown        time.Duration
}

func DefaultPullbackConfig() PullbackConfig {
	return PullbackConfig{
		HigherTimeframe: schema.Timeframe60m,
		LowerTimeframe:  schema.Timeframe5m,
		MinHigherBars:   200,
		SwingLookback:   10,
		Cooldown:        30 * time.Minute,
	}
}

// Pullback is a long-only trend continuation strategy: it trades in the
// direction of a higher-timeframe EMA trend, enters when price pulls back
// into the EMA20/EMA50 band and the lower timeframe turns up through its
// swing high, and exits when the lower timeframe loses momentum.
type Pullback struct {
	Base
	cfg PullbackConfig

	mu      sync.Mutex
	lastBuy map[string]time.Time
}

func NewPullback(cfg PullbackConfig) *Pullback {
	return &Pullback{cfg: cfg, lastBuy: make(map[string]time.Time)}
}

// NewPullbackFromParams reads cooldown_minutes, swing_lookback,
// min_higher_bars, higher_timeframe and lower_timeframe.
func NewPullbackFromParams(params map[string]any) (Strategy, error) {
	cfg := DefaultPullbackConfig()

	cooldown, err := intParam(params, "cooldown_minutes", int(cfg.Cooldown/time.Minute))
	if err != nil {
		return nil, err
	}
	if cfg.SwingLookback, err = intParam(params, "swing_lookback", cfg.SwingLookback); err != nil {
		return nil, err
	}
	if cfg.MinHigherBars, err = intParam(params, "min_higher_bars", cfg.MinHigherBars); err != nil {
		return nil, err
	}
	htf, err := stringParam(params, "higher_timeframe", string(cfg.HigherTimeframe))
	if err != nil {
		return nil, err
	}
	ltf, err := stringParam(params, "lower_timeframe", string(cfg.LowerTimeframe))
	if err != nil {
		return nil, err
	}
	if cfg.HigherTimeframe, err = schema.ParseTimeframe(htf); err != nil {
		return nil, err
	}
	if cfg.LowerTimeframe, err = schema.ParseTimeframe(ltf); err != nil {
		return nil, err
	}
	if cooldown < 0 || cfg.SwingLookback <= 0 || cfg.MinHigherBars < 200 {
		return nil, errors.Wrapf(ErrInvalidStrategyArg, "cooldown=%d swing=%d min_higher_bars=%d", cooldown, cfg.SwingLookback, cfg.MinHigherBars)
	}
	cfg.Cooldown = time.Duration(cooldown) * time.Minute
	return NewPullback(cfg), nil
}

func (p *Pullback) Name() string {
	return PullbackName
}

func (p *Pullback) OnMarketData(_ context.Context, snap schema.MarketSnapshot, sc Context) ([]schema.Signal, error) {
	if !sc.InUniverse(snap.Symbol) || !sc.MarketOpen {
		return nil, nil
	}
	price, ok := snap.LastPrice()
	if !ok {
		return nil, nil
	}
	hold := func(reason string, meta map[string]any) ([]schema.Signal, error) {
		return []schema.Signal{p.signal(snap, price, schema.ActionHold, 0, reason, meta)}, nil
	}

	ltfKey := p.cfg.LowerTimeframe
	ltfCandles := snap.History[ltfKey]
	if len(ltfCandles) == 0 {
		ltfKey = schema.Timeframe1m
		ltfCandles = snap.History[ltfKey]
	}
	htf := seriesOf(snap.History[p.cfg.HigherTimeframe])
	ltf := seriesOf(ltfCandles)

	minLower := max(20, p.cfg.SwingLookback+2)
	if len(htf.close) < p.cfg.MinHigherBars || len(ltf.close) < minLower {
		return hold("insufficient_data", map[string]any{"htf_candles": len(htf.close), "ltf_candles": len(ltf.close)})
	}

	htfEMA20 := last(ema(htf.close, 20), 0)
	htfEMA50 := last(ema(htf.close, 50), 0)
	htfEMA200 := last(ema(htf.close, 200), 0)
	htfRSI := last(rsi(htf.close, 14), 50)
	htfClose := last(htf.close, 0)

	ltfEMA20 := last(ema(ltf.close, 20), 0)
	ltfRSIs := rsi(ltf.close, 14)
	ltfRSI := last(ltfRSIs, 50)
	ltfRSIPrev := 50.0
	if len(ltfRSIs) >= 2 {
		ltfRSIPrev = ltfRSIs[len(ltfRSIs)-2]
	}
	ltfClose := last(ltf.close, 0)

	swingHigh := ltfClose
	if end := len(ltf.high) - 1; end > 0 {
		start := max(0, end-p.cfg.SwingLookback)
		swingHigh = math.Inf(-1)
		for _, h := range ltf.high[start:end] {
			swingHigh = max(swingHigh, h)
		}
	}

	cooldown := p.inCooldown(snap.Symbol, snap.Timestamp)
	meta := map[string]any{
		"htf_ema20":       round2(htfEMA20),
		"htf_ema50":       round2(htfEMA50),
		"htf_ema200":      round2(htfEMA200),
		"htf_rsi14":       round2(htfRSI),
		"ltf_ema20":       round2(ltfEMA20),
		"ltf_rsi14":       round2(ltfRSI),
		"swing_high":      round2(swingHigh),
		"htf":             string(p.cfg.HigherTimeframe),
		"ltf":             string(ltfKey),
		"cooldown_active": cooldown,
	}

	if htfEMA50 <= 0 || htfEMA200 <= 0 {
		return hold("invalid_ema", meta)
	}
	if htfEMA50 <= htfEMA200 || htfRSI < 40 {
		return hold("trend_filter_fail", with(meta, "trend_ema50_gt_ema200", htfEMA50 > htfEMA200, "trend_rsi_ok", htfRSI >= 40))
	}

	bandLow, bandHigh := min(htfEMA20, htfEMA50), max(htfEMA20, htfEMA50)
	tolerance := 0.01 * bandHigh
	inZone := htfClose >= bandLow-tolerance && htfClose <= bandHigh+tolerance
	collapse := collapsing(htf)
	if !inZone || collapse {
		return hold("no_pullback", with(meta, "in_zone", inZone, "collapse", collapse))
	}

	rsiCrossDown := ltfRSIPrev >= 50 && ltfRSI < 50
	belowEMA := ltfClose < ltfEMA20
	if rsiCrossDown || belowEMA {
		sig := p.signal(snap, price, schema.ActionSell, 0.6, "exit_trigger", with(meta, "rsi_cross_down", rsiCrossDown, "below_ema", belowEMA))
		return []schema.Signal{sig}, nil
	}

	rsiCrossUp := ltfRSIPrev < 40 && ltfRSI >= 40
	aboveEMA := ltfClose > ltfEMA20
	breakSwing := ltfClose > swingHigh
	if rsiCrossUp && aboveEMA && breakSwing && !cooldown {
		confidence := 0.6
		if htfEMA50/htfEMA200 > 1.02 {
			confidence += 0.1
		}
		if htfRSI >= 50 {
			confidence += 0.1
		}
		p.mu.Lock()
		p.lastBuy[snap.Symbol] = snap.Timestamp
		p.mu.Unlock()

		sig := p.signal(snap, price, schema.ActionBuy, min(confidence, 1), "entry_trigger", with(meta, "rsi_cross_up", rsiCrossUp, "above_ema", aboveEMA, "break_swing", breakSwing))
		return []schema.Signal{sig}, nil
	}
	return hold("hold", meta)
}

func (p *Pullback) inCooldown(symbol string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.lastBuy[symbol]
	return ok && now.Sub(t) < p.cfg.Cooldown
}

// collapsing is two bearish higher-timeframe bars with expanding ranges.
func collapsing(s series) bool {
	n := len(s.close)
	if n < 3 {
		return false
	}
	bearish := s.close[n-1] < s.open[n-1] && s.close[n-2] < s.open[n-2]
	r0 := s.high[n-1] - s.low[n-1]
	r1 := s.high[n-2] - s.low[n-2]
	r2 := s.high[n-3] - s.low[n-3]
	return bearish && r0 > r1 && r1 > r2
}

func (p *Pullback) signal(snap schema.MarketSnapshot, price decimal.Decimal, action schema.Action, confidence float64, reason string, meta map[string]any) schema.Signal {
	return schema.Signal{
		ID:         NewSignalID(PullbackName, snap.Symbol, snap.Timestamp),
		Strategy:   PullbackName,
		Symbol:     snap.Symbol,
		Action:     action,
		Confidence: confidence,
		Reason:     reason,
		Price:      price,
		Metadata:   meta,
		Timestamp:  snap.Timestamp,
	}
}

func with(meta map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(meta)+len(kv)/2)
	maps.Copy(out, meta)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
