package ingestion

import (
	"PeerLend/internal/event"
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Injector provides admin/manual event injection for the HTTP admin surface.
// Not for high-throughput ingestion (use NATS for that). Injected events go
// through the same typed channel, so they share the core's ordering and
// idempotency guarantees. Callers supply the source sequence: injected
// events occupy a slot in the market partition like any upstream event.
type Injector struct {
	eventChan chan<- event.Event
}

func NewInjector(eventChan chan<- event.Event) *Injector {
	return &Injector{eventChan: eventChan}
}

// InjectFlow manually injects one of the four flow events.
func (s *Injector) InjectFlow(
	ctx context.Context,
	eventType string,
	userID uuid.UUID,
	asset string,
	amount *big.Int,
	matchBudget int,
	sequence int64,
) (uuid.UUID, error) {
	if amount == nil || amount.Sign() <= 0 {
		return uuid.Nil, fmt.Errorf("amount must be positive")
	}

	requestID := uuid.New()
	now := time.Now()

	var evt event.Event
	switch eventType {
	case "SupplyRequested":
		evt = &event.SupplyRequested{RequestID: requestID, UserID: userID, Asset: asset, Amount: amount, MatchBudget: matchBudget, Timestamp: now, Sequence: sequence}
	case "BorrowRequested":
		evt = &event.BorrowRequested{RequestID: requestID, UserID: userID, Asset: asset, Amount: amount, MatchBudget: matchBudget, Timestamp: now, Sequence: sequence}
	case "WithdrawRequested":
		evt = &event.WithdrawRequested{RequestID: requestID, UserID: userID, Asset: asset, Amount: amount, MatchBudget: matchBudget, Timestamp: now, Sequence: sequence}
	case "RepayRequested":
		evt = &event.RepayRequested{RequestID: requestID, UserID: userID, Asset: asset, Amount: amount, MatchBudget: matchBudget, Timestamp: now, Sequence: sequence}
	default:
		return uuid.Nil, fmt.Errorf("unknown flow type: %s", eventType)
	}

	return requestID, s.send(ctx, evt)
}

// InjectIndexRefresh manually ticks a market's indices.
func (s *Injector) InjectIndexRefresh(ctx context.Context, asset string, sequence int64) (uuid.UUID, error) {
	refreshID := uuid.New()
	evt := &event.IndexRefresh{
		RefreshID: refreshID,
		Asset:     asset,
		Timestamp: time.Now(),
		Sequence:  sequence,
	}
	return refreshID, s.send(ctx, evt)
}

// InjectMarketCreated registers a new market.
func (s *Injector) InjectMarketCreated(
	ctx context.Context,
	asset, cursor, reserveFactor string,
	maxSortedUsers, defaultMatchBudget int,
	sequence int64,
) (uuid.UUID, error) {
	requestID := uuid.New()
	evt := &event.MarketCreated{
		RequestID:          requestID,
		Asset:              asset,
		Cursor:             cursor,
		ReserveFactor:      reserveFactor,
		MaxSortedUsers:     maxSortedUsers,
		DefaultMatchBudget: defaultMatchBudget,
		Timestamp:          time.Now(),
		Sequence:           sequence,
	}
	return requestID, s.send(ctx, evt)
}

// InjectParamUpdate changes a live market's rate parameters.
func (s *Injector) InjectParamUpdate(
	ctx context.Context,
	asset, cursor, reserveFactor string,
	maxSortedUsers, defaultMatchBudget int,
	sequence int64,
) (uuid.UUID, error) {
	requestID := uuid.New()
	evt := &event.MarketParamUpdate{
		RequestID:          requestID,
		Asset:              asset,
		Cursor:             cursor,
		ReserveFactor:      reserveFactor,
		MaxSortedUsers:     maxSortedUsers,
		DefaultMatchBudget: defaultMatchBudget,
		Timestamp:          time.Now(),
		Sequence:           sequence,
	}
	return requestID, s.send(ctx, evt)
}

// InjectPauseUpdate flips a market's lifecycle flags.
func (s *Injector) InjectPauseUpdate(
	ctx context.Context,
	asset string,
	paused, partiallyPaused, p2pDisabled bool,
	sequence int64,
) (uuid.UUID, error) {
	requestID := uuid.New()
	evt := &event.MarketPauseUpdate{
		RequestID:       requestID,
		Asset:           asset,
		Paused:          paused,
		PartiallyPaused: partiallyPaused,
		P2PDisabled:     p2pDisabled,
		Timestamp:       time.Now(),
		Sequence:        sequence,
	}
	return requestID, s.send(ctx, evt)
}

func (s *Injector) send(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
