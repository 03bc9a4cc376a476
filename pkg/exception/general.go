package exception

import "errors"

// Store lookups and inserts report these so callers need not know the driver.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)
