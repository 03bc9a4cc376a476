package exception

import "errors"

var (
	ErrOrderInvalidRequest   = errors.New("order: invalid request")
	ErrOrderSubmissionPaused = errors.New("order: submission paused")
	ErrOrderEmptyBrokerID    = errors.New("order: empty broker order id")
)
