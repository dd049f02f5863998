package ingestion

import (
	"PeerLend/internal/event"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell validates and parses before anything reaches
// the core; the same path re-parses stored payloads during replay, so the
// wire format and the event-log payload format are identical.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "SupplyRequested":
		return parseSupplyRequested(raw.Data)
	case "BorrowRequested":
		return parseBorrowRequested(raw.Data)
	case "WithdrawRequested":
		return parseWithdrawRequested(raw.Data)
	case "RepayRequested":
		return parseRepayRequested(raw.Data)
	case "IndexRefresh":
		return parseIndexRefresh(raw.Data)
	case "MarketCreated":
		return parseMarketCreated(raw.Data)
	case "MarketParamUpdate":
		return parseMarketParamUpdate(raw.Data)
	case "MarketPauseUpdate":
		return parseMarketPauseUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// Wire format notes: field names are snake_case (see the json tags on the
// event structs). Amounts are arbitrary-precision JSON integers; timestamps
// are RFC 3339.

func parseSupplyRequested(data []byte) (*event.SupplyRequested, error) {
	var e event.SupplyRequested
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse SupplyRequested: %w", err)
	}
	if err := validateFlow(e.RequestID, e.UserID, e.Asset, e.Amount != nil); err != nil {
		return nil, fmt.Errorf("SupplyRequested: %w", err)
	}
	return &e, nil
}

func parseBorrowRequested(data []byte) (*event.BorrowRequested, error) {
	var e event.BorrowRequested
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse BorrowRequested: %w", err)
	}
	if err := validateFlow(e.RequestID, e.UserID, e.Asset, e.Amount != nil); err != nil {
		return nil, fmt.Errorf("BorrowRequested: %w", err)
	}
	return &e, nil
}

func parseWithdrawRequested(data []byte) (*event.WithdrawRequested, error) {
	var e event.WithdrawRequested
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse WithdrawRequested: %w", err)
	}
	if err := validateFlow(e.RequestID, e.UserID, e.Asset, e.Amount != nil); err != nil {
		return nil, fmt.Errorf("WithdrawRequested: %w", err)
	}
	return &e, nil
}

func parseRepayRequested(data []byte) (*event.RepayRequested, error) {
	var e event.RepayRequested
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse RepayRequested: %w", err)
	}
	if err := validateFlow(e.RequestID, e.UserID, e.Asset, e.Amount != nil); err != nil {
		return nil, fmt.Errorf("RepayRequested: %w", err)
	}
	return &e, nil
}

func parseIndexRefresh(data []byte) (*event.IndexRefresh, error) {
	var e event.IndexRefresh
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse IndexRefresh: %w", err)
	}
	if e.RefreshID == uuid.Nil {
		return nil, fmt.Errorf("IndexRefresh: missing refresh_id")
	}
	if e.Asset == "" {
		return nil, fmt.Errorf("IndexRefresh: missing asset")
	}
	return &e, nil
}

func parseMarketCreated(data []byte) (*event.MarketCreated, error) {
	var e event.MarketCreated
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse MarketCreated: %w", err)
	}
	if err := validateAdmin(e.RequestID, e.Asset); err != nil {
		return nil, fmt.Errorf("MarketCreated: %w", err)
	}
	if e.Cursor == "" || e.ReserveFactor == "" {
		return nil, fmt.Errorf("MarketCreated: missing cursor or reserve_factor")
	}
	return &e, nil
}

func parseMarketParamUpdate(data []byte) (*event.MarketParamUpdate, error) {
	var e event.MarketParamUpdate
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse MarketParamUpdate: %w", err)
	}
	if err := validateAdmin(e.RequestID, e.Asset); err != nil {
		return nil, fmt.Errorf("MarketParamUpdate: %w", err)
	}
	if e.Cursor == "" || e.ReserveFactor == "" {
		return nil, fmt.Errorf("MarketParamUpdate: missing cursor or reserve_factor")
	}
	return &e, nil
}

func parseMarketPauseUpdate(data []byte) (*event.MarketPauseUpdate, error) {
	var e event.MarketPauseUpdate
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse MarketPauseUpdate: %w", err)
	}
	if err := validateAdmin(e.RequestID, e.Asset); err != nil {
		return nil, fmt.Errorf("MarketPauseUpdate: %w", err)
	}
	return &e, nil
}

func validateFlow(requestID, userID uuid.UUID, asset string, hasAmount bool) error {
	if requestID == uuid.Nil {
		return fmt.Errorf("missing request_id")
	}
	if userID == uuid.Nil {
		return fmt.Errorf("missing user_id")
	}
	if asset == "" {
		return fmt.Errorf("missing asset")
	}
	if !hasAmount {
		return fmt.Errorf("missing amount")
	}
	return nil
}

func validateAdmin(requestID uuid.UUID, asset string) error {
	if requestID == uuid.Nil {
		return fmt.Errorf("missing request_id")
	}
	if asset == "" {
		return fmt.Errorf("missing asset")
	}
	return nil
}
