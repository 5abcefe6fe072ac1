package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const logColumns = `id, job_id, source_id, level, action, message, details, created_at`

// AppendLog inserts an entry.
func (s *Store) AppendLog(ctx context.Context, entry harvest.LogEntry) error {
	var details []byte
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("encode log details: %w", err)
		}
		details = raw
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO log_entries (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.JobID, entry.SourceID, string(entry.Level), entry.Action, entry.Message, details, entry.CreatedAt,
	)
	return mapErr(err, "insert log entry "+entry.ID)
}

func scanLogs(rows pgx.Rows) ([]harvest.LogEntry, error) {
	defer rows.Close()
	out := make([]harvest.LogEntry, 0)
	for rows.Next() {
		var (
			e       harvest.LogEntry
			level   string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.SourceID, &level, &e.Action, &e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Level = harvest.LogLevel(level)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode log details of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return out, nil
}

// ListLogs returns entries newest first, optionally scoped to a job.
func (s *Store) ListLogs(ctx context.Context, jobID string, page harvest.Page) ([]harvest.LogEntry, int, error) {
	page = page.Normalize()
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM log_entries WHERE ($1 = '' OR job_id = $1)`, jobID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count log entries: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+logColumns+` FROM log_entries
		WHERE ($1 = '' OR job_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		jobID, page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list log entries: %w", err)
	}
	out, err := scanLogs(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// PurgeLogsBefore deletes entries created before cutoff.
func (s *Store) PurgeLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM log_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge log entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecentErrors returns the newest ERROR entries.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]harvest.LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+logColumns+` FROM log_entries
		WHERE level = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		string(harvest.LevelError), limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	return scanLogs(rows)
}
