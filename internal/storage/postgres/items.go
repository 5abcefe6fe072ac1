package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const itemColumns = `id, job_id, source_id, kind, url, content_ref, content_hash, parsed_data, ocr_confidence, force_manual, problem_count, status, imported_problem_ids, created_at, updated_at`

func scanItem(row rowScanner) (harvest.Item, error) {
	var (
		it     harvest.Item
		kind   string
		status string
		parsed []byte
	)
	err := row.Scan(
		&it.ID,
		&it.JobID,
		&it.SourceID,
		&kind,
		&it.URL,
		&it.ContentRef,
		&it.ContentHash,
		&parsed,
		&it.OCRConfidence,
		&it.ForceManual,
		&it.ProblemCount,
		&status,
		&it.ImportedProblemIDs,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err != nil {
		return harvest.Item{}, err
	}
	it.Kind = harvest.ItemKind(kind)
	it.Status = harvest.ItemStatus(status)
	if len(parsed) > 0 {
		var data harvest.ParsedData
		if err := json.Unmarshal(parsed, &data); err != nil {
			return harvest.Item{}, fmt.Errorf("decode parsed data of %s: %w", it.ID, err)
		}
		it.ParsedData = &data
	}
	return it, nil
}

// encodeParsed returns nil for a missing payload so the column stays NULL.
func encodeParsed(data *harvest.ParsedData) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode parsed data: %w", err)
	}
	return raw, nil
}

// CreateItem inserts an item.
func (s *Store) CreateItem(ctx context.Context, item harvest.Item) error {
	parsed, err := encodeParsed(item.ParsedData)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		item.ID, item.JobID, item.SourceID, string(item.Kind), item.URL, item.ContentRef, item.ContentHash,
		parsed, item.OCRConfidence, item.ForceManual, item.ProblemCount, string(item.Status),
		nonNil(item.ImportedProblemIDs), item.CreatedAt, item.UpdatedAt,
	)
	return mapErr(err, "insert item "+item.ID)
}

// GetItem fetches an item by ID.
func (s *Store) GetItem(ctx context.Context, id string) (harvest.Item, error) {
	it, err := scanItem(s.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		return harvest.Item{}, mapErr(err, "get item "+id)
	}
	return it, nil
}

// UpdateItem writes the mutable item fields. The write is skipped when the
// row is already IMPORTED, including when an import commits while the update
// waits on the row lock.
func (s *Store) UpdateItem(ctx context.Context, item harvest.Item) error {
	parsed, err := encodeParsed(item.ParsedData)
	if err != nil {
		return err
	}
	var updated bool
	err = s.db.QueryRow(ctx, `
		WITH target AS (SELECT id FROM items WHERE id = $1),
		updated AS (
			UPDATE items
			SET content_ref = $2, content_hash = $3, parsed_data = $4, ocr_confidence = $5, force_manual = $6,
				problem_count = $7, status = $8, imported_problem_ids = $9, updated_at = $10
			WHERE id = $1 AND status <> $11
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM updated) FROM target`,
		item.ID, item.ContentRef, item.ContentHash, parsed, item.OCRConfidence, item.ForceManual,
		item.ProblemCount, string(item.Status), nonNil(item.ImportedProblemIDs), item.UpdatedAt,
		string(harvest.ItemImported),
	).Scan(&updated)
	if err != nil {
		return mapErr(err, "update item "+item.ID)
	}
	if !updated {
		return fmt.Errorf("item %s is already imported: %w", item.ID, harvest.ErrConflict)
	}
	return nil
}

const itemFilterClause = `($1 = '' OR source_id = $1) AND ($2 = '' OR job_id = $2) AND ($3 = '' OR status = $3)`

// ListItems returns matching items newest first.
func (s *Store) ListItems(ctx context.Context, filter harvest.ItemFilter, page harvest.Page) ([]harvest.Item, int, error) {
	page = page.Normalize()
	args := []any{filter.SourceID, filter.JobID, string(filter.Status)}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM items WHERE `+itemFilterClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count items: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE `+itemFilterClause+`
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	out := make([]harvest.Item, 0, page.Size)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate items: %w", err)
	}
	return out, total, nil
}

// CountItems counts items created in the window.
func (s *Store) CountItems(ctx context.Context, w harvest.Window) (int, error) {
	from, to := windowArgs(w)
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM items WHERE `+windowClause, from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}

// SumProblemCounts sums the extracted problem counts of items in the window.
func (s *Store) SumProblemCounts(ctx context.Context, w harvest.Window) (int, error) {
	from, to := windowArgs(w)
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(problem_count), 0)::int FROM items WHERE `+windowClause, from, to,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sum problem counts: %w", err)
	}
	return n, nil
}

// CountItemsByStatus groups items in the window by status.
func (s *Store) CountItemsByStatus(ctx context.Context, w harvest.Window) (map[harvest.ItemStatus]int, error) {
	from, to := windowArgs(w)
	rows, err := s.db.Query(ctx,
		`SELECT status, COUNT(*) FROM items WHERE `+windowClause+` GROUP BY status`, from, to)
	if err != nil {
		return nil, fmt.Errorf("count items by status: %w", err)
	}
	defer rows.Close()

	out := make(map[harvest.ItemStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[harvest.ItemStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return out, nil
}

// MeanConfidence averages the OCR confidence of items in the window that
// carry one.
func (s *Store) MeanConfidence(ctx context.Context, w harvest.Window) (float64, error) {
	from, to := windowArgs(w)
	var mean float64
	if err := s.db.QueryRow(ctx,
		`SELECT COALESCE(AVG(ocr_confidence), 0)::float8 FROM items WHERE ocr_confidence IS NOT NULL AND `+windowClause,
		from, to,
	).Scan(&mean); err != nil {
		return 0, fmt.Errorf("mean confidence: %w", err)
	}
	return mean, nil
}
