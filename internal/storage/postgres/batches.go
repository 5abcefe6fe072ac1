package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const batchColumns = `id, name, source_ids, schedule, night_mode, priority, filters, status, pause_requested, created_at, last_run_at, next_run_at`

// batchOrder is the scheduling order shared by listing and claiming.
const batchOrder = `ORDER BY priority DESC, created_at ASC, id ASC`

func scanBatch(row rowScanner) (harvest.Batch, error) {
	var (
		b       harvest.Batch
		status  string
		filters []byte
	)
	err := row.Scan(
		&b.ID,
		&b.Name,
		&b.SourceIDs,
		&b.Schedule,
		&b.NightMode,
		&b.Priority,
		&filters,
		&status,
		&b.PauseRequested,
		&b.CreatedAt,
		&b.LastRunAt,
		&b.NextRunAt,
	)
	if err != nil {
		return harvest.Batch{}, err
	}
	b.Status = harvest.BatchStatus(status)
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &b.Filters); err != nil {
			return harvest.Batch{}, fmt.Errorf("decode batch filters: %w", err)
		}
	}
	return b, nil
}

func encodeFilters(f map[string]string) ([]byte, error) {
	if f == nil {
		f = map[string]string{}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode batch filters: %w", err)
	}
	return data, nil
}

// CreateBatch inserts a batch.
func (s *Store) CreateBatch(ctx context.Context, b harvest.Batch) error {
	filters, err := encodeFilters(b.Filters)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.Name, nonNil(b.SourceIDs), b.Schedule, b.NightMode, b.Priority, filters,
		string(b.Status), b.PauseRequested, b.CreatedAt, b.LastRunAt, b.NextRunAt,
	)
	return mapErr(err, "insert batch "+b.ID)
}

// GetBatch fetches a batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (harvest.Batch, error) {
	b, err := scanBatch(s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err != nil {
		return harvest.Batch{}, mapErr(err, "get batch "+id)
	}
	return b, nil
}

// ListBatches returns batches in scheduling order, optionally filtered by status.
func (s *Store) ListBatches(ctx context.Context, status harvest.BatchStatus, page harvest.Page) ([]harvest.Batch, int, error) {
	page = page.Normalize()
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM batches WHERE ($1 = '' OR status = $1)`, string(status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count batches: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE ($1 = '' OR status = $1)
		`+batchOrder+`
		LIMIT $2 OFFSET $3`,
		string(status), page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	out := make([]harvest.Batch, 0, page.Size)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate batches: %w", err)
	}
	return out, total, nil
}

// UpdateBatch locks the row, applies fn and writes the result back in one
// transaction.
func (s *Store) UpdateBatch(ctx context.Context, id string, fn func(*harvest.Batch) error) (harvest.Batch, error) {
	var out harvest.Batch
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		b, err := scanBatch(tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return mapErr(err, "lock batch "+id)
		}
		if err := fn(&b); err != nil {
			return err
		}
		b.ID = id
		filters, err := encodeFilters(b.Filters)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE batches
			SET name = $2, source_ids = $3, schedule = $4, night_mode = $5, priority = $6, filters = $7,
				status = $8, pause_requested = $9, last_run_at = $10, next_run_at = $11
			WHERE id = $1`,
			b.ID, b.Name, nonNil(b.SourceIDs), b.Schedule, b.NightMode, b.Priority, filters,
			string(b.Status), b.PauseRequested, b.LastRunAt, b.NextRunAt,
		); err != nil {
			return mapErr(err, "update batch "+id)
		}
		out = b
		return nil
	})
	if err != nil {
		return harvest.Batch{}, err
	}
	return out, nil
}

// DeleteBatch removes a batch unless it is running.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	var status string
	err := s.db.QueryRow(ctx, `
		WITH target AS (SELECT id, status FROM batches WHERE id = $1),
		deleted AS (
			DELETE FROM batches WHERE id = $1 AND status <> $2 RETURNING id
		)
		SELECT status FROM target`,
		id, string(harvest.BatchRunning),
	).Scan(&status)
	if err != nil {
		return mapErr(err, "delete batch "+id)
	}
	if harvest.BatchStatus(status) == harvest.BatchRunning {
		return fmt.Errorf("batch %s is running: %w", id, harvest.ErrConflict)
	}
	return nil
}

// ClaimNext flips the highest priority due batch to RUNNING. SKIP LOCKED lets
// concurrent schedulers pass over a row another claim is already holding.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (harvest.Batch, bool, error) {
	b, err := scanBatch(s.db.QueryRow(ctx, `
		UPDATE batches
		SET status = $2, last_run_at = $1
		WHERE id = (
			SELECT id FROM batches
			WHERE status = $3 AND (next_run_at IS NULL OR next_run_at <= $1)
			`+batchOrder+`
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+batchColumns,
		now, string(harvest.BatchRunning), string(harvest.BatchQueued),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.Batch{}, false, nil
	}
	if err != nil {
		return harvest.Batch{}, false, fmt.Errorf("claim batch: %w", err)
	}
	return b, true, nil
}
