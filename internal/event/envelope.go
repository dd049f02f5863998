package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSupplyRequested
	EventTypeBorrowRequested
	EventTypeWithdrawRequested
	EventTypeRepayRequested
	EventTypeIndexRefresh
	EventTypeMarketCreated
	EventTypeMarketParamUpdate
	EventTypeMarketPauseUpdate
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (every overlay event targets one market)
	Asset string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Market returns the asset the event targets
	Market() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTimestamp returns the versioned input timestamp
	EventTimestamp() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeSupplyRequested:
		return "SupplyRequested"
	case EventTypeBorrowRequested:
		return "BorrowRequested"
	case EventTypeWithdrawRequested:
		return "WithdrawRequested"
	case EventTypeRepayRequested:
		return "RepayRequested"
	case EventTypeIndexRefresh:
		return "IndexRefresh"
	case EventTypeMarketCreated:
		return "MarketCreated"
	case EventTypeMarketParamUpdate:
		return "MarketParamUpdate"
	case EventTypeMarketPauseUpdate:
		return "MarketPauseUpdate"
	default:
		return "Unknown"
	}
}
