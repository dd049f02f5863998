package core

import "errors"

// Invalid-input errors. A rejection of this class happens before any state
// mutation, so the market is left exactly as it was.
var (
	ErrZeroAmount = errors.New("amount must be positive")
	ErrNilUser    = errors.New("user id is nil")
	ErrNoPosition = errors.New("no position")
)

// ErrReentrant means ProcessEvent was entered while another event was still
// being applied. The core is single-threaded; hitting this is a wiring bug
// in the caller, not a recoverable condition of the event itself.
var ErrReentrant = errors.New("re-entrant core call")
