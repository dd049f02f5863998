package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"PeerLend/internal/core"
	"PeerLend/internal/observability"
	"PeerLend/internal/persistence"
)

// ProjectionWorker maintains the read-model tables (projections.markets,
// projections.positions) from the core's output stream. The projection
// channel is non-blocking with drop: a full channel never stalls the core.
// Dropped updates are harmless because every output carries the full market
// clone and the touched positions, so the next update for the same market
// converges, and a full rebuild from the engine is always possible.
type ProjectionWorker struct {
	writer    *persistence.EventLogWriter
	inputChan <-chan core.CoreOutput
	workerID  string
	metrics   *observability.Metrics
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		writer:    persistence.NewEventLogWriter(db),
		inputChan: inputChan,
		workerID:  "main",
		metrics:   metrics,
	}
}

// Run starts the projection worker loop. Blocks until ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.apply(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Envelope.Sequence, err)
				// Continue — projections are eventually consistent and can
				// be rebuilt from live engine state.
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("projection").Inc()
				}
			}

			pw.lastSeq = output.Envelope.Sequence
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, output core.CoreOutput) error {
	seq := output.Envelope.Sequence

	tx, err := pw.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Market != nil {
		row := persistence.MarketRowFromState(output.Market)
		if err := pw.writer.UpsertMarkets(ctx, tx, []persistence.MarketRow{row}, seq); err != nil {
			return fmt.Errorf("market projection: %w", err)
		}
		if pw.metrics != nil {
			pw.metrics.PersistRowsWritten.WithLabelValues("markets").Inc()
		}
	}

	if len(output.Positions) > 0 {
		rows := make([]persistence.PositionRow, 0, len(output.Positions))
		for _, p := range output.Positions {
			rows = append(rows, persistence.PositionRowFromState(p))
		}
		if err := pw.writer.UpsertPositions(ctx, tx, rows, seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
		if pw.metrics != nil {
			pw.metrics.PersistRowsWritten.WithLabelValues("positions").Add(float64(len(rows)))
		}
	}

	if err := pw.writer.UpdateWatermark(ctx, tx, pw.workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Rebuild truncates the read models and repopulates them from the engine's
// live state. Used after detecting projection drift or on operator request.
// Must run while the engine is quiescent (startup, before consumers attach).
func Rebuild(ctx context.Context, db *sql.DB, snap *core.SnapshotState) error {
	writer := persistence.NewEventLogWriter(db)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	truncateStatements := []string{
		`TRUNCATE projections.markets`,
		`TRUNCATE projections.positions`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	marketRows := make([]persistence.MarketRow, 0, len(snap.Markets))
	for _, m := range snap.Markets {
		marketRows = append(marketRows, persistence.MarketRowFromState(m))
	}
	if err := writer.UpsertMarkets(ctx, tx, marketRows, snap.Sequence); err != nil {
		return fmt.Errorf("rebuild markets: %w", err)
	}

	positionRows := make([]persistence.PositionRow, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		positionRows = append(positionRows, persistence.PositionRowFromState(p))
	}
	if len(positionRows) > 0 {
		if err := writer.UpsertPositions(ctx, tx, positionRows, snap.Sequence); err != nil {
			return fmt.Errorf("rebuild positions: %w", err)
		}
	}

	if err := writer.UpdateWatermark(ctx, tx, "main", snap.Sequence); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: projection rebuild complete (markets=%d positions=%d seq=%d)",
		len(marketRows), len(positionRows), snap.Sequence)
	return nil
}
