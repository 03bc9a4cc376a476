package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the trade intent carried by a signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side returns the order side for a tradable action.
func (a Action) Side() (OrderSide, bool) {
	switch a {
	case ActionBuy:
		return OrderSideBuy, true
	case ActionSell:
		return OrderSideSell, true
	default:
		return "", false
	}
}

// OrderSide describes order direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Sign is +1 for buys and -1 for sells.
func (s OrderSide) Sign() int64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// OrderType describes order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPendingNew  OrderStatus = "PENDING_NEW"
	OrderStatusSubmitted   OrderStatus = "SUBMITTED"
	OrderStatusPartialFill OrderStatus = "PARTIAL_FILL"
	OrderStatusFilled      OrderStatus = "FILLED"
	OrderStatusCanceled    OrderStatus = "CANCELED"
	OrderStatusRejected    OrderStatus = "REJECTED"
)

// OpenOrderStatuses are the non-terminal statuses.
var OpenOrderStatuses = []OrderStatus{
	OrderStatusPendingNew,
	OrderStatusSubmitted,
	OrderStatusPartialFill,
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// IsActive reports whether the order is live at the broker.
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusSubmitted || s == OrderStatusPartialFill
}

// Signal is a strategy's proposed trade.
type Signal struct {
	ID                string          `json:"signal_id"`
	Strategy          string          `json:"strategy"`
	Symbol            string          `json:"symbol"`
	Action            Action          `json:"action"`
	Confidence        float64         `json:"confidence"`
	Reason            string          `json:"reason"`
	SuggestedQuantity int64           `json:"suggested_quantity,omitempty"`
	Price             decimal.Decimal `json:"price"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// RiskReason is a coarse reason code for risk rejections.
type RiskReason uint16

const (
	RiskReasonNone RiskReason = iota
	RiskReasonKillSwitch
	RiskReasonHold
	RiskReasonTradingHours
	RiskReasonNoPrice
	RiskReasonZeroSize
	RiskReasonPositionLimit
	RiskReasonExposureLimit
	RiskReasonInsufficientCash
	RiskReasonDailyLossLimit
	RiskReasonMaxTradesPerDay
	RiskReasonPaused
)

func (r RiskReason) String() string {
	switch r {
	case RiskReasonNone:
		return "NONE"
	case RiskReasonKillSwitch:
		return "KILL_SWITCH_ACTIVE"
	case RiskReasonHold:
		return "HOLD_SIGNAL"
	case RiskReasonTradingHours:
		return "OUTSIDE_TRADING_HOURS"
	case RiskReasonNoPrice:
		return "NO_PRICE"
	case RiskReasonZeroSize:
		return "ZERO_SIZE"
	case RiskReasonPositionLimit:
		return "POSITION_LIMIT"
	case RiskReasonExposureLimit:
		return "EXPOSURE_LIMIT"
	case RiskReasonInsufficientCash:
		return "INSUFFICIENT_CASH"
	case RiskReasonDailyLossLimit:
		return "DAILY_LOSS_LIMIT"
	case RiskReasonMaxTradesPerDay:
		return "MAX_TRADES_PER_DAY"
	case RiskReasonPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// ValidationResult is the risk validator's verdict for one signal.
// A rejected result always carries a zero quantity.
type ValidationResult struct {
	Approved          bool
	ApprovedQuantity  int64
	RequestedQuantity int64
	Reason            RiskReason
	Message           string
}

// Approve builds an approved result.
func Approve(requested, approved int64) ValidationResult {
	return ValidationResult{Approved: true, ApprovedQuantity: approved, RequestedQuantity: requested}
}

// Reject builds a rejected result.
func Reject(requested int64, reason RiskReason, msg string) ValidationResult {
	return ValidationResult{RequestedQuantity: requested, Reason: reason, Message: msg}
}

// Order is the execution record owned by the order manager.
type Order struct {
	ID             string          `json:"order_id"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	SignalID       string          `json:"signal_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"order_type"`
	Quantity       int64           `json:"quantity"`
	FilledQuantity int64           `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price"`
	Status         OrderStatus     `json:"status"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RemainingQuantity is the unfilled quantity.
func (o Order) RemainingQuantity() int64 {
	return o.Quantity - o.FilledQuantity
}

// Fill is one execution against an order.
type Fill struct {
	ID           string          `json:"fill_id"`
	OrderID      string          `json:"order_id"`
	BrokerFillID string          `json:"broker_fill_id,omitempty"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Quantity     int64           `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Commission   decimal.Decimal `json:"commission"`
	Timestamp    time.Time       `json:"timestamp"`
}

// OrderUpdate is the payload for EventOrderUpdate.
type OrderUpdate struct {
	Kind  string `json:"kind"`
	Order Order  `json:"order"`
}
