// internal/event/flow.go
package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// SupplyRequested asks the overlay to place amount of asset for user,
// matching against waiting borrowers first.
type SupplyRequested struct {
	RequestID uuid.UUID `json:"request_id"`
	UserID    uuid.UUID `json:"user_id"`
	Asset     string    `json:"asset"`
	Amount    *big.Int  `json:"amount"` // underlying units
	// MatchBudget caps registry iterations; 0 means the market default,
	// negative forces pool-only routing with no traversal.
	MatchBudget int       `json:"match_budget"`
	Timestamp   time.Time `json:"timestamp"`
	Sequence    int64     `json:"sequence"`
}

func (s *SupplyRequested) IdempotencyKey() string {
	return s.RequestID.String()
}

func (s *SupplyRequested) EventType() EventType {
	return EventTypeSupplyRequested
}

func (s *SupplyRequested) Market() string {
	return s.Asset
}

func (s *SupplyRequested) SourceSequence() int64 {
	return s.Sequence
}

func (s *SupplyRequested) EventTimestamp() time.Time {
	return s.Timestamp
}

// BorrowRequested asks the overlay to draw amount of asset for user,
// matching against waiting suppliers first.
type BorrowRequested struct {
	RequestID   uuid.UUID `json:"request_id"`
	UserID      uuid.UUID `json:"user_id"`
	Asset       string    `json:"asset"`
	Amount      *big.Int  `json:"amount"`
	MatchBudget int       `json:"match_budget"`
	Timestamp   time.Time `json:"timestamp"`
	Sequence    int64     `json:"sequence"`
}

func (b *BorrowRequested) IdempotencyKey() string {
	return b.RequestID.String()
}

func (b *BorrowRequested) EventType() EventType {
	return EventTypeBorrowRequested
}

func (b *BorrowRequested) Market() string {
	return b.Asset
}

func (b *BorrowRequested) SourceSequence() int64 {
	return b.Sequence
}

func (b *BorrowRequested) EventTimestamp() time.Time {
	return b.Timestamp
}

// WithdrawRequested removes supply. Amounts above the user's balance are
// capped to the balance, so MaxInt64-style sentinels withdraw everything.
type WithdrawRequested struct {
	RequestID   uuid.UUID `json:"request_id"`
	UserID      uuid.UUID `json:"user_id"`
	Asset       string    `json:"asset"`
	Amount      *big.Int  `json:"amount"`
	MatchBudget int       `json:"match_budget"`
	Timestamp   time.Time `json:"timestamp"`
	Sequence    int64     `json:"sequence"`
}

func (w *WithdrawRequested) IdempotencyKey() string {
	return w.RequestID.String()
}

func (w *WithdrawRequested) EventType() EventType {
	return EventTypeWithdrawRequested
}

func (w *WithdrawRequested) Market() string {
	return w.Asset
}

func (w *WithdrawRequested) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawRequested) EventTimestamp() time.Time {
	return w.Timestamp
}

// RepayRequested pays down a borrow. Amounts above the debt are capped.
type RepayRequested struct {
	RequestID   uuid.UUID `json:"request_id"`
	UserID      uuid.UUID `json:"user_id"`
	Asset       string    `json:"asset"`
	Amount      *big.Int  `json:"amount"`
	MatchBudget int       `json:"match_budget"`
	Timestamp   time.Time `json:"timestamp"`
	Sequence    int64     `json:"sequence"`
}

func (r *RepayRequested) IdempotencyKey() string {
	return r.RequestID.String()
}

func (r *RepayRequested) EventType() EventType {
	return EventTypeRepayRequested
}

func (r *RepayRequested) Market() string {
	return r.Asset
}

func (r *RepayRequested) SourceSequence() int64 {
	return r.Sequence
}

func (r *RepayRequested) EventTimestamp() time.Time {
	return r.Timestamp
}
