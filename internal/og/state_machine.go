package og

import (
	"errors"
	"fmt"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
)

var (
	ErrInvalidTransition   = errors.New("invalid order state transition")
	ErrInvalidFill         = errors.New("invalid fill quantity")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")
)

var transitions = map[schema.OrderStatus][]schema.OrderStatus{
	schema.OrderStatusPendingNew:  {schema.OrderStatusSubmitted, schema.OrderStatusRejected},
	schema.OrderStatusSubmitted:   {schema.OrderStatusPartialFill, schema.OrderStatusFilled, schema.OrderStatusCanceled, schema.OrderStatusRejected},
	schema.OrderStatusPartialFill: {schema.OrderStatusPartialFill, schema.OrderStatusFilled, schema.OrderStatusCanceled},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to schema.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves an order to status to. Terminal orders never move.
func Transition(o schema.Order, to schema.OrderStatus, now time.Time) (schema.Order, error) {
	if !CanTransition(o.Status, to) {
		return o, fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = now
	return o, nil
}

// ApplyFill accumulates qty onto an active order and derives the next status.
func ApplyFill(o schema.Order, qty int64, now time.Time) (schema.Order, error) {
	if !o.Status.IsActive() {
		return o, fmt.Errorf("%w: order %s is %s", ErrInvalidTransition, o.ID, o.Status)
	}
	if qty <= 0 || qty > o.RemainingQuantity() {
		return o, fmt.Errorf("%w: order %s fill %d, remaining %d", ErrInvalidFill, o.ID, qty, o.RemainingQuantity())
	}

	to := schema.OrderStatusPartialFill
	if o.FilledQuantity+qty == o.Quantity {
		to = schema.OrderStatusFilled
	}
	next, err := Transition(o, to, now)
	if err != nil {
		return o, err
	}
	next.FilledQuantity += qty
	return next, nil
}
