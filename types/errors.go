package types

import "errors"

// Returned, usually wrapped, when a caller drives a state machine or picker contract in a way it
// doesn't permit. Errors of this kind are never retried internally.
var ErrInvalidOperation = errors.New("invalid operation")
