// internal/event/market_admin.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// MarketCreated registers a new market over an underlying pool reserve.
// Cursor and ReserveFactor are decimal strings in [0, 1].
type MarketCreated struct {
	RequestID          uuid.UUID `json:"request_id"`
	Asset              string    `json:"asset"`
	Cursor             string    `json:"cursor"`
	ReserveFactor      string    `json:"reserve_factor"`
	MaxSortedUsers     int       `json:"max_sorted_users"`
	DefaultMatchBudget int       `json:"default_match_budget"`
	Timestamp          time.Time `json:"timestamp"`
	Sequence           int64     `json:"sequence"`
}

func (m *MarketCreated) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *MarketCreated) EventType() EventType {
	return EventTypeMarketCreated
}

func (m *MarketCreated) Market() string {
	return m.Asset
}

func (m *MarketCreated) SourceSequence() int64 {
	return m.Sequence
}

func (m *MarketCreated) EventTimestamp() time.Time {
	return m.Timestamp
}

// MarketParamUpdate changes rate parameters on a live market. Indices are
// refreshed at the event timestamp before the new parameters take effect,
// so the old parameters govern the elapsed interval.
type MarketParamUpdate struct {
	RequestID          uuid.UUID `json:"request_id"`
	Asset              string    `json:"asset"`
	Cursor             string    `json:"cursor"`
	ReserveFactor      string    `json:"reserve_factor"`
	MaxSortedUsers     int       `json:"max_sorted_users"`
	DefaultMatchBudget int       `json:"default_match_budget"`
	Timestamp          time.Time `json:"timestamp"`
	Sequence           int64     `json:"sequence"`
}

func (m *MarketParamUpdate) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *MarketParamUpdate) EventType() EventType {
	return EventTypeMarketParamUpdate
}

func (m *MarketParamUpdate) Market() string {
	return m.Asset
}

func (m *MarketParamUpdate) SourceSequence() int64 {
	return m.Sequence
}

func (m *MarketParamUpdate) EventTimestamp() time.Time {
	return m.Timestamp
}

// MarketPauseUpdate flips the market's pause flags.
type MarketPauseUpdate struct {
	RequestID       uuid.UUID `json:"request_id"`
	Asset           string    `json:"asset"`
	Paused          bool      `json:"paused"`
	PartiallyPaused bool      `json:"partially_paused"`
	P2PDisabled     bool      `json:"p2p_disabled"`
	Timestamp       time.Time `json:"timestamp"`
	Sequence        int64     `json:"sequence"`
}

func (m *MarketPauseUpdate) IdempotencyKey() string {
	return m.RequestID.String()
}

func (m *MarketPauseUpdate) EventType() EventType {
	return EventTypeMarketPauseUpdate
}

func (m *MarketPauseUpdate) Market() string {
	return m.Asset
}

func (m *MarketPauseUpdate) SourceSequence() int64 {
	return m.Sequence
}

func (m *MarketPauseUpdate) EventTimestamp() time.Time {
	return m.Timestamp
}
