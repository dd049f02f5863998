package core

import (
	"fmt"

	"PeerLend/internal/observability"
)

// SequenceValidator validates source sequences per partition. Flow and
// admin events require strict gapless ordering within their market
// partition; index refreshes tolerate gaps the way price ticks would.
// Not thread-safe — only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks strict source sequence ordering.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed — redelivery, not a fault.
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateRefreshSequence validates index refresh ticks. Stale ticks are
// silently ignored; gaps are tolerated because a missed tick just means the
// next flow compounds a longer interval.
func (sv *SequenceValidator) ValidateRefreshSequence(asset string, refreshSequence int64) (stale bool) {
	partition := fmt.Sprintf("refresh:%s", asset)
	expected := sv.expectedNextSeq[partition]

	if refreshSequence <= expected {
		return true
	}
	if refreshSequence > expected+1 {
		if sv.metrics != nil {
			sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
		}
	}
	sv.expectedNextSeq[partition] = refreshSequence
	return false
}

// RestorePartition initializes a partition's expected sequence (recovery).
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions returns a copy of the per-partition cursor (snapshots).
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
