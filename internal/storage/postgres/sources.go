package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const sourceColumns = `id, name, type, base_url, link_pattern, file_types, max_depth, delay_ms, quality_grade, active, created_at, updated_at`

func scanSource(row rowScanner) (harvest.Source, error) {
	var src harvest.Source
	err := row.Scan(
		&src.ID,
		&src.Name,
		&src.Type,
		&src.BaseURL,
		&src.LinkPattern,
		&src.FileTypes,
		&src.MaxDepth,
		&src.DelayMs,
		&src.QualityGrade,
		&src.Active,
		&src.CreatedAt,
		&src.UpdatedAt,
	)
	return src, err
}

func sourceArgs(src harvest.Source) []any {
	return []any{
		src.ID,
		src.Name,
		src.Type,
		src.BaseURL,
		src.LinkPattern,
		nonNil(src.FileTypes),
		src.MaxDepth,
		src.DelayMs,
		src.QualityGrade,
		src.Active,
		src.CreatedAt,
		src.UpdatedAt,
	}
}

// CreateSource inserts a source.
func (s *Store) CreateSource(ctx context.Context, src harvest.Source) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sources (`+sourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sourceArgs(src)...)
	return mapErr(err, "insert source "+src.ID)
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (harvest.Source, error) {
	src, err := scanSource(s.db.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err != nil {
		return harvest.Source{}, mapErr(err, "get source "+id)
	}
	return src, nil
}

// ListSources returns every source ordered by creation time.
func (s *Store) ListSources(ctx context.Context) ([]harvest.Source, error) {
	rows, err := s.db.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	out := make([]harvest.Source, 0)
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return out, nil
}

// UpdateSource replaces an existing source.
func (s *Store) UpdateSource(ctx context.Context, src harvest.Source) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sources
		SET name = $2, type = $3, base_url = $4, link_pattern = $5, file_types = $6,
			max_depth = $7, delay_ms = $8, quality_grade = $9, active = $10, updated_at = $11
		WHERE id = $1`,
		src.ID, src.Name, src.Type, src.BaseURL, src.LinkPattern, nonNil(src.FileTypes),
		src.MaxDepth, src.DelayMs, src.QualityGrade, src.Active, src.UpdatedAt)
	if err != nil {
		return mapErr(err, "update source "+src.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", src.ID, harvest.ErrNotFound)
	}
	return nil
}

// DeleteSource removes a source. Historical jobs and items are untouched.
func (s *Store) DeleteSource(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "delete source "+id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, harvest.ErrNotFound)
	}
	return nil
}
