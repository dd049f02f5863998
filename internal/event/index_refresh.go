// internal/event/index_refresh.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// IndexRefresh triggers a lazy index update for one market at the event's
// timestamp. Flows refresh implicitly; this keeps idle markets from going
// arbitrarily stale between flows.
type IndexRefresh struct {
	RefreshID uuid.UUID `json:"refresh_id"`
	Asset     string    `json:"asset"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

func (i *IndexRefresh) IdempotencyKey() string {
	return i.RefreshID.String()
}

func (i *IndexRefresh) EventType() EventType {
	return EventTypeIndexRefresh
}

func (i *IndexRefresh) Market() string {
	return i.Asset
}

func (i *IndexRefresh) SourceSequence() int64 {
	return i.Sequence
}

func (i *IndexRefresh) EventTimestamp() time.Time {
	return i.Timestamp
}
