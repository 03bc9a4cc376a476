package broker

import (
	"context"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
)

// Broker is the venue contract consumed by the core. Implementations must be
// safe for concurrent use; inbound acks, fills and ticks are delivered only
// through Events.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// PlaceOrder returns the broker-assigned order id.
	PlaceOrder(ctx context.Context, order schema.Order) (string, error)
	// CancelOrder reports whether the broker honored the cancel.
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)

	FetchPositions(ctx context.Context) ([]schema.Position, error)
	FetchOpenOrders(ctx context.Context) ([]OrderSummary, error)
	FetchOrderFills(ctx context.Context, brokerOrderID string) ([]Execution, error)
	FetchBalance(ctx context.Context) (schema.Balance, error)

	SubscribeMarketData(ctx context.Context, symbols []string) error
	UnsubscribeMarketData(ctx context.Context, symbols []string) error

	Events() <-chan Event
}

// OrderSummary is the broker's view of an open order.
type OrderSummary struct {
	BrokerOrderID  string
	Symbol         string
	Side           schema.OrderSide
	Quantity       int64
	FilledQuantity int64
	Price          decimal.Decimal
}

// Execution is one fill reported by the broker.
type Execution struct {
	BrokerFillID  string
	BrokerOrderID string
	Symbol        string
	Side          schema.OrderSide
	Quantity      int64
	Price         decimal.Decimal
	Commission    decimal.Decimal
	Timestamp     time.Time
}

// Ack is an asynchronous order status change, e.g. a late rejection.
type Ack struct {
	BrokerOrderID string
	Status        schema.OrderStatus
	Reason        string
	Timestamp     time.Time
}

// EventKind tells which field of an Event is set.
type EventKind uint8

const (
	EventKindTick EventKind = iota + 1
	EventKindAck
	EventKindFill
)

// Event is one inbound message from the transport.
type Event struct {
	Kind EventKind
	Tick schema.Tick
	Ack  Ack
	Fill Execution
}

// TickSource produces market data for the subscribed symbols until ctx ends.
type TickSource interface {
	Run(ctx context.Context, symbols func() []string, emit func(schema.Tick)) error
}

// FilledQuantity sums execution quantities.
func FilledQuantity(execs []Execution) int64 {
	var total int64
	for _, e := range execs {
		total += e.Quantity
	}
	return total
}
