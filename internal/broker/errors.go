package broker

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies broker failures.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnection
	KindRejected
	KindInsufficientFunds
	KindRateLimit
	KindMarketClosed
	KindSymbolNotFound
	KindTimeout
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "CONNECTION"
	case KindRejected:
		return "REJECTED"
	case KindInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindMarketClosed:
		return "MARKET_CLOSED"
	case KindSymbolNotFound:
		return "SYMBOL_NOT_FOUND"
	case KindTimeout:
		return "TIMEOUT"
	case KindMalformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

// Error is a structured broker failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// NewError builds a structured error.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("broker %s", e.Kind)
	if e.Code != "" {
		s += " [" + e.Code + "]"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ", err: " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind of a broker error, KindUnknown otherwise.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsAmbiguous reports whether the broker may have acted on the request even
// though the call failed. Only definitive refusals are unambiguous.
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindConnection, KindRejected, KindInsufficientFunds, KindRateLimit, KindMarketClosed, KindSymbolNotFound:
		return false
	default:
		return true
	}
}
