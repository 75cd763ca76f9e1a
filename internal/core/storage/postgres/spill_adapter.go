package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/storage"
	"github.com/google/uuid"
)

// SpillAdapter implements storage.SpillStore on PostgreSQL. Runs are stored
// zstd-compressed in a bytea column, one row per run.
type SpillAdapter struct {
	db *sql.DB
}

// NewSpillAdapter creates a new SpillAdapter sharing the given connection.
func NewSpillAdapter(db *sql.DB) *SpillAdapter {
	return &SpillAdapter{db: db}
}

func (a *SpillAdapter) Backend() string { return "postgres" }

// WriteRun inserts one run. A run that already exists for the sequence number
// is a caller bug and is reported, not overwritten.
func (a *SpillAdapter) WriteRun(ctx context.Context, spillID uuid.UUID, seq int, run *block.Page) (int, error) {
	payload := storage.EncodeRun(run)

	result, err := a.db.ExecContext(ctx, queryInsertSpillRun,
		spillID.String(),
		seq,
		run.PositionCount(),
		payload,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("spill_runs insert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("spill_runs insert: rows affected: %w", err)
	}
	if affected == 0 {
		return 0, fmt.Errorf("spill %s: run %d already written", spillID, seq)
	}
	return len(payload), nil
}

// ReadRuns loads and decodes every run of the spill in sequence order.
func (a *SpillAdapter) ReadRuns(ctx context.Context, spillID uuid.UUID) ([]*block.Page, error) {
	rows, err := a.db.QueryContext(ctx, querySelectSpillRuns, spillID.String())
	if err != nil {
		return nil, fmt.Errorf("spill_runs select: %w", err)
	}
	defer rows.Close()

	var pages []*block.Page
	for rows.Next() {
		var (
			seq           int
			positionCount int
			payload       []byte
		)
		if err := rows.Scan(&seq, &positionCount, &payload); err != nil {
			return nil, fmt.Errorf("spill_runs scan: %w", err)
		}
		page, err := storage.DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("spill %s run %d: %w", spillID, seq, err)
		}
		if page.PositionCount() != positionCount {
			return nil, fmt.Errorf("spill %s run %d: %d positions decoded, %d recorded",
				spillID, seq, page.PositionCount(), positionCount)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spill_runs rows: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("spill %s: %w", spillID, storage.ErrSpillNotFound)
	}
	return pages, nil
}

func (a *SpillAdapter) Delete(ctx context.Context, spillID uuid.UUID) error {
	result, err := a.db.ExecContext(ctx, queryDeleteSpillRuns, spillID.String())
	if err != nil {
		return fmt.Errorf("spill_runs delete: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil {
		slog.Debug("[SpillAdapter] Deleted spill runs", "spill_id", spillID, "runs", n)
	}
	return nil
}

// DeleteOlderThan removes spills left behind by operators that never
// finished, e.g. after a crash. A spill goes only when its newest run is
// older than cutoff, and then all of its runs go. It returns the number of
// runs removed.
func (a *SpillAdapter) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("spill_runs sweep: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var orphaned int64
	if err := tx.QueryRowContext(ctx, queryCountSpillRunsBefore, cutoff).Scan(&orphaned); err != nil {
		return 0, fmt.Errorf("spill_runs sweep: count: %w", err)
	}
	if orphaned == 0 {
		return 0, nil
	}

	result, err := tx.ExecContext(ctx, queryDeleteSpillRunsBefore, cutoff)
	if err != nil {
		return 0, fmt.Errorf("spill_runs sweep: delete: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("spill_runs sweep: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("spill_runs sweep: commit: %w", err)
	}

	slog.Info("[SpillAdapter] Swept orphaned spill runs", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

var _ storage.SpillStore = (*SpillAdapter)(nil)
