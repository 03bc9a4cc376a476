package risk

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Config defines the risk limits.
type Config struct {
	MaxPositionSize         int64           `json:"maxPositionSize"`
	MaxPortfolioExposurePct decimal.Decimal `json:"maxPortfolioExposurePct"`
	DailyLossLimit          decimal.Decimal `json:"dailyLossLimit"`
	TradingStart            string          `json:"tradingStart"`
	TradingEnd              string          `json:"tradingEnd"`
	Location                string          `json:"location"`
	TransactionCostRate     decimal.Decimal `json:"transactionCostRate"`
	MaxTradesPerDay         int             `json:"maxTradesPerDay"`
	PositionSizePct         decimal.Decimal `json:"positionSizePct"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxPositionSize:         1000,
		MaxPortfolioExposurePct: decimal.RequireFromString("0.8"),
		DailyLossLimit:          decimal.NewFromInt(1_000_000),
		TradingStart:            "09:00",
		TradingEnd:              "15:30",
		Location:                "Asia/Seoul",
		TransactionCostRate:     decimal.RequireFromString("0.00015"),
		MaxTradesPerDay:         50,
		PositionSizePct:         decimal.RequireFromString("0.05"),
	}
}

// Input is the state a single validation reads, captured by the caller at call time.
type Input struct {
	Portfolio   schema.Portfolio
	Price       decimal.Decimal
	KillSwitch  bool
	OrdersToday int
}

type compiled struct {
	cfg        Config
	loc        *time.Location
	startMin   int
	endMin     int
	costFactor decimal.Decimal
}

// Engine validates signals against the configured limits. It holds no
// per-call state; the limits can be swapped atomically at runtime.
type Engine struct {
	cur     atomic.Pointer[compiled]
	clock   func() time.Time
	metrics *obs.Metrics
}

// NewEngine creates a risk engine. A nil clock means time.Now.
func NewEngine(cfg Config, clock func() time.Time, metrics *obs.Metrics) (*Engine, error) {
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{clock: clock, metrics: metrics}
	if err := e.SetConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// SetConfig validates and installs new limits.
func (e *Engine) SetConfig(cfg Config) error {
	c, err := compile(cfg)
	if err != nil {
		return err
	}
	e.cur.Store(c)
	return nil
}

// Config returns the active limits.
func (e *Engine) Config() Config {
	return e.cur.Load().cfg
}

func compile(cfg Config) (*compiled, error) {
	loc := time.Local
	if cfg.Location != "" {
		l, err := time.LoadLocation(cfg.Location)
		if err != nil {
			return nil, errors.Wrapf(err, "load location %q", cfg.Location)
		}
		loc = l
	}
	start, err := parseClock(cfg.TradingStart)
	if err != nil {
		return nil, errors.Wrap(err, "trading start")
	}
	end, err := parseClock(cfg.TradingEnd)
	if err != nil {
		return nil, errors.Wrap(err, "trading end")
	}
	if end < start {
		return nil, errors.Errorf("trading end %s before start %s", cfg.TradingEnd, cfg.TradingStart)
	}
	if cfg.TransactionCostRate.IsNegative() {
		return nil, errors.New("transaction cost rate must be >= 0")
	}
	return &compiled{
		cfg:        cfg,
		loc:        loc,
		startMin:   start,
		endMin:     end,
		costFactor: decimal.NewFromInt(1).Add(cfg.TransactionCostRate),
	}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse %q as HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// IsMarketOpen reports whether t falls inside the configured trading window.
func (e *Engine) IsMarketOpen(t time.Time) bool {
	return e.cur.Load().isOpen(t)
}

// Location is the trading-calendar time zone.
func (e *Engine) Location() *time.Location {
	return e.cur.Load().loc
}

func (c *compiled) isOpen(t time.Time) bool {
	local := t.In(c.loc)
	m := local.Hour()*60 + local.Minute()
	return m >= c.startMin && m <= c.endMin
}

// Evaluate runs the checks in fixed order; the first failing check decides the
// rejection. Every adjustment only lowers the quantity.
func (e *Engine) Evaluate(sig schema.Signal, in Input) schema.ValidationResult {
	start := time.Now()
	res := e.cur.Load().evaluate(sig, in, e.clock())
	e.metrics.ObserveRiskEval(time.Since(start))
	e.metrics.IncRiskReason(res.Reason)

	if res.Approved {
		logs.Infof("risk: approved %s %s %s qty=%d (requested=%d)", sig.ID, sig.Action, sig.Symbol, res.ApprovedQuantity, res.RequestedQuantity)
	} else {
		logs.Warnf("risk: rejected %s %s %s reason=%s: %s", sig.ID, sig.Action, sig.Symbol, res.Reason, res.Message)
	}
	return res
}

func (c *compiled) evaluate(sig schema.Signal, in Input, now time.Time) schema.ValidationResult {
	cfg := c.cfg
	requested := sig.SuggestedQuantity

	if in.KillSwitch {
		return schema.Reject(requested, schema.RiskReasonKillSwitch, "kill switch is active")
	}

	side, ok := sig.Action.Side()
	if !ok {
		return schema.Reject(requested, schema.RiskReasonHold, "HOLD signals do not generate orders")
	}

	if !c.isOpen(now) {
		return schema.Reject(requested, schema.RiskReasonTradingHours,
			fmt.Sprintf("outside trading hours %s-%s", cfg.TradingStart, cfg.TradingEnd))
	}

	price := in.Price
	if !price.IsPositive() {
		price = sig.Price
	}
	if !price.IsPositive() {
		return schema.Reject(requested, schema.RiskReasonNoPrice, "no market price for "+sig.Symbol)
	}

	qty := requested
	if qty <= 0 {
		qty = c.positionSize(in.Portfolio, price)
		requested = qty
		if qty <= 0 {
			return schema.Reject(0, schema.RiskReasonZeroSize, "calculated position size is zero")
		}
	}

	cur := in.Portfolio.PositionQuantity(sig.Symbol)

	if cfg.MaxPositionSize > 0 {
		allowed := cfg.MaxPositionSize - cur
		if side == schema.OrderSideSell {
			allowed = cfg.MaxPositionSize + cur
		}
		if allowed <= 0 {
			return schema.Reject(requested, schema.RiskReasonPositionLimit,
				fmt.Sprintf("position limit %d reached for %s (held %d)", cfg.MaxPositionSize, sig.Symbol, cur))
		}
		qty = min(qty, allowed)
	}

	if cfg.MaxPortfolioExposurePct.IsPositive() {
		var ok bool
		qty, ok = c.clampExposure(in.Portfolio, side, cur, qty, price)
		if !ok {
			return schema.Reject(requested, schema.RiskReasonExposureLimit,
				fmt.Sprintf("portfolio exposure limit %s reached", cfg.MaxPortfolioExposurePct))
		}
	}

	if side == schema.OrderSideBuy {
		cost := price.Mul(decimal.NewFromInt(qty)).Mul(c.costFactor)
		if cost.GreaterThan(in.Portfolio.Cash) {
			affordable := in.Portfolio.Cash.Div(price.Mul(c.costFactor)).Floor().IntPart()
			if affordable <= 0 {
				return schema.Reject(requested, schema.RiskReasonInsufficientCash,
					fmt.Sprintf("insufficient cash: need %s, have %s", cost.StringFixed(0), in.Portfolio.Cash.StringFixed(0)))
			}
			qty = min(qty, affordable)
		}
	}

	if cfg.DailyLossLimit.IsPositive() && in.Portfolio.DailyPnL.LessThan(cfg.DailyLossLimit.Neg()) {
		return schema.Reject(requested, schema.RiskReasonDailyLossLimit,
			fmt.Sprintf("daily loss %s exceeds limit %s", in.Portfolio.DailyPnL, cfg.DailyLossLimit))
	}

	if cfg.MaxTradesPerDay > 0 && in.OrdersToday >= cfg.MaxTradesPerDay {
		return schema.Reject(requested, schema.RiskReasonMaxTradesPerDay,
			fmt.Sprintf("max trades per day reached (%d/%d)", in.OrdersToday, cfg.MaxTradesPerDay))
	}

	if qty <= 0 {
		return schema.Reject(requested, schema.RiskReasonZeroSize, "approved quantity is zero")
	}
	return schema.Approve(requested, qty)
}

// positionSize sizes an order as a fraction of equity, capped by the per-symbol limit.
func (c *compiled) positionSize(p schema.Portfolio, price decimal.Decimal) int64 {
	if !p.TotalEquity.IsPositive() || !c.cfg.PositionSizePct.IsPositive() {
		return 0
	}
	qty := p.TotalEquity.Mul(c.cfg.PositionSizePct).Div(price).Floor().IntPart()
	if c.cfg.MaxPositionSize > 0 {
		qty = min(qty, c.cfg.MaxPositionSize)
	}
	return max(qty, 0)
}

// clampExposure limits the part of an order that grows the absolute position.
// Quantity that only reduces an existing position is never limited.
func (c *compiled) clampExposure(p schema.Portfolio, side schema.OrderSide, cur, qty int64, price decimal.Decimal) (int64, bool) {
	var reducing int64
	if cur != 0 && (cur > 0) != (side == schema.OrderSideBuy) {
		reducing = min(qty, absQuantity(cur))
	}
	growing := qty - reducing
	if growing <= 0 {
		return qty, true
	}
	if !p.TotalEquity.IsPositive() {
		return reducing, reducing > 0
	}

	limit := p.TotalEquity.Mul(c.cfg.MaxPortfolioExposurePct)
	current := p.TotalPositionValue()
	next := current.Add(price.Mul(decimal.NewFromInt(growing)))
	if !next.GreaterThan(limit) {
		return qty, true
	}

	room := limit.Sub(current)
	var extra int64
	if room.IsPositive() {
		extra = room.Div(price).Floor().IntPart()
	}
	allowed := reducing + min(growing, extra)
	return allowed, allowed > 0
}

// EstimatedFee is the flat-rate transaction cost for a fill.
func (e *Engine) EstimatedFee(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty)).Mul(e.cur.Load().cfg.TransactionCostRate)
}

func absQuantity(q int64) int64 {
	if q < 0 {
		return -q
	}
	return q
}
