package query

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MarketResponse is the read-model view of one market. Index values are
// rendered as decimals (ray raw value scaled by 10^-27); scaled balances
// stay as raw base-10 integer strings.
type MarketResponse struct {
	Asset string `json:"asset"`

	PoolSupplyIndex decimal.Decimal `json:"pool_supply_index"`
	PoolBorrowIndex decimal.Decimal `json:"pool_borrow_index"`
	P2PSupplyIndex  decimal.Decimal `json:"p2p_supply_index"`
	P2PBorrowIndex  decimal.Decimal `json:"p2p_borrow_index"`
	LastUpdate      int64           `json:"last_update"`

	Cursor             decimal.Decimal `json:"cursor"`
	ReserveFactor      decimal.Decimal `json:"reserve_factor"`
	MaxSortedUsers     int             `json:"max_sorted_users"`
	DefaultMatchBudget int             `json:"default_match_budget"`

	Paused          bool `json:"paused"`
	PartiallyPaused bool `json:"partially_paused"`
	P2PDisabled     bool `json:"p2p_disabled"`

	SupplyDelta    string `json:"supply_delta"`
	SupplyP2PTotal string `json:"supply_p2p_total"`
	BorrowDelta    string `json:"borrow_delta"`
	BorrowP2PTotal string `json:"borrow_p2p_total"`

	Version      int64 `json:"version"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// PositionResponse is the read-model view of one side of one user's
// position. OnPool/InP2P are scaled units; the Underlying fields are
// index-weighted values computed at query time from the market row.
type PositionResponse struct {
	Asset  string `json:"asset"`
	UserID string `json:"user_id"`
	Side   string `json:"side"`

	OnPool string `json:"on_pool"`
	InP2P  string `json:"in_p2p"`

	OnPoolUnderlying string `json:"on_pool_underlying"`
	InP2PUnderlying  string `json:"in_p2p_underlying"`
	TotalUnderlying  string `json:"total_underlying"`

	Version      int64 `json:"version"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// EventResponse is one row of the event log. Hashes are hex-encoded.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Asset          string          `json:"asset"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// IntegrityReport summarizes the event-log hash chain check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventsChecked   int64   `json:"events_checked"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	AsOfSequence    int64   `json:"as_of_sequence"`
}
