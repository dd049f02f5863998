package ingestion_test

import (
	"PeerLend/internal/event"
	"PeerLend/internal/ingestion"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseSupplyRequested(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":   "550e8400-e29b-41d4-a716-446655440000",
		"user_id":      "660e8400-e29b-41d4-a716-446655440001",
		"asset":        "DAI",
		"amount":       json.RawMessage(`123456789012345678901234567890`),
		"match_budget": 16,
		"timestamp":    "2024-03-01T12:00:00Z",
		"sequence":     int64(42),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "SupplyRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	sr, ok := evt.(*event.SupplyRequested)
	if !ok {
		t.Fatalf("expected *event.SupplyRequested, got %T", evt)
	}

	if sr.Asset != "DAI" {
		t.Errorf("asset: got %s, want DAI", sr.Asset)
	}
	want, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if sr.Amount.Cmp(want) != 0 {
		t.Errorf("amount: got %s", sr.Amount)
	}
	if sr.MatchBudget != 16 {
		t.Errorf("match_budget: got %d, want 16", sr.MatchBudget)
	}
	if sr.SourceSequence() != 42 {
		t.Errorf("sequence: got %d, want 42", sr.SourceSequence())
	}
	if sr.EventType() != event.EventTypeSupplyRequested {
		t.Errorf("event type: got %v, want SupplyRequested", sr.EventType())
	}
}

func TestParseWithdrawRequested(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "550e8400-e29b-41d4-a716-446655440000",
		"user_id":    "660e8400-e29b-41d4-a716-446655440001",
		"asset":      "USDC",
		"amount":     int64(2_000_000),
		"timestamp":  "2024-03-01T12:00:00Z",
		"sequence":   int64(7),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "WithdrawRequested")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	wr, ok := evt.(*event.WithdrawRequested)
	if !ok {
		t.Fatalf("expected *event.WithdrawRequested, got %T", evt)
	}

	if wr.Amount.Int64() != 2_000_000 {
		t.Errorf("amount: got %s, want 2000000", wr.Amount)
	}
	// match_budget omitted: defaults to zero (market default).
	if wr.MatchBudget != 0 {
		t.Errorf("match_budget: got %d, want 0", wr.MatchBudget)
	}
}

func TestParseIndexRefresh(t *testing.T) {
	payload := map[string]interface{}{
		"refresh_id": "770e8400-e29b-41d4-a716-446655440002",
		"asset":      "DAI",
		"timestamp":  "2024-03-01T12:00:05Z",
		"sequence":   int64(100),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "IndexRefresh")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ir, ok := evt.(*event.IndexRefresh)
	if !ok {
		t.Fatalf("expected *event.IndexRefresh, got %T", evt)
	}
	if ir.Asset != "DAI" {
		t.Errorf("asset: got %s, want DAI", ir.Asset)
	}
	if ir.Sequence != 100 {
		t.Errorf("sequence: got %d, want 100", ir.Sequence)
	}
}

func TestParseMarketCreated(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":           "550e8400-e29b-41d4-a716-446655440000",
		"asset":                "DAI",
		"cursor":               "0.5",
		"reserve_factor":       "0.1",
		"max_sorted_users":     32,
		"default_match_budget": 64,
		"timestamp":            "2024-03-01T12:00:00Z",
		"sequence":             int64(1),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "MarketCreated")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	mc, ok := evt.(*event.MarketCreated)
	if !ok {
		t.Fatalf("expected *event.MarketCreated, got %T", evt)
	}
	if mc.Cursor != "0.5" || mc.ReserveFactor != "0.1" {
		t.Errorf("params: got cursor=%s rf=%s", mc.Cursor, mc.ReserveFactor)
	}
	if mc.MaxSortedUsers != 32 || mc.DefaultMatchBudget != 64 {
		t.Errorf("capacity/budget: got %d/%d", mc.MaxSortedUsers, mc.DefaultMatchBudget)
	}
}

func TestParseMarketPauseUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"request_id":       "550e8400-e29b-41d4-a716-446655440000",
		"asset":            "DAI",
		"paused":           false,
		"partially_paused": true,
		"p2p_disabled":     true,
		"timestamp":        "2024-03-01T12:00:00Z",
		"sequence":         int64(2),
	}

	raw := rawFromJSON(t, payload)
	evt, err := ingestion.ParseRawEvent(raw, "MarketPauseUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu, ok := evt.(*event.MarketPauseUpdate)
	if !ok {
		t.Fatalf("expected *event.MarketPauseUpdate, got %T", evt)
	}
	if pu.Paused || !pu.PartiallyPaused || !pu.P2PDisabled {
		t.Errorf("flags: %+v", pu)
	}
}

func TestParseRoundTrip(t *testing.T) {
	// Applied events are stored as their own JSON marshalling; replay must
	// re-parse that exact output.
	orig := &event.BorrowRequested{
		RequestID:   uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		UserID:      uuid.MustParse("660e8400-e29b-41d4-a716-446655440001"),
		Asset:       "DAI",
		Amount:      big.NewInt(987654321),
		MatchBudget: -1,
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Sequence:    9,
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Data: data}, "BorrowRequested")
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	br := evt.(*event.BorrowRequested)
	if br.RequestID != orig.RequestID || br.Amount.Cmp(orig.Amount) != 0 ||
		br.MatchBudget != orig.MatchBudget || !br.Timestamp.Equal(orig.Timestamp) ||
		br.Sequence != orig.Sequence {
		t.Errorf("round trip mismatch: %+v", br)
	}
}

func TestParseMissingUser_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "550e8400-e29b-41d4-a716-446655440000",
		"asset":      "DAI",
		"amount":     int64(100),
		"sequence":   int64(1),
	}
	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "SupplyRequested"); err == nil {
		t.Fatal("expected error for missing user_id")
	}
}

func TestParseMissingAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "550e8400-e29b-41d4-a716-446655440000",
		"user_id":    "660e8400-e29b-41d4-a716-446655440001",
		"asset":      "DAI",
		"sequence":   int64(1),
	}
	raw := rawFromJSON(t, payload)
	if _, err := ingestion.ParseRawEvent(raw, "RepayRequested"); err == nil {
		t.Fatal("expected error for missing amount")
	}
}

func TestParseUnknownEventType_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	_, err := ingestion.ParseRawEvent(raw, "NonExistentType")
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawEvent(raw, "SupplyRequested")
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"request_id": "not-a-uuid",
		"user_id":    "also-not-a-uuid",
		"asset":      "DAI",
		"amount":     int64(1),
		"sequence":   int64(0),
	}

	raw := rawFromJSON(t, payload)
	_, err := ingestion.ParseRawEvent(raw, "SupplyRequested")
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
