package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const jobColumns = `id, batch_id, source_id, status, pages_visited, items_found, error, created_at, started_at, finished_at`

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job harvest.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.BatchID, job.SourceID, string(job.Status), job.PagesVisited, job.ItemsFound,
		job.ErrorText, job.CreatedAt, job.StartedAt, job.FinishedAt,
	)
	return mapErr(err, "insert job "+job.ID)
}

// UpdateJob writes the mutable job fields.
func (s *Store) UpdateJob(ctx context.Context, job harvest.Job) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2, pages_visited = $3, items_found = $4, error = $5, started_at = $6, finished_at = $7
		WHERE id = $1`,
		job.ID, string(job.Status), job.PagesVisited, job.ItemsFound, job.ErrorText, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return mapErr(err, "update job "+job.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", job.ID, harvest.ErrNotFound)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (harvest.Job, error) {
	var (
		job    harvest.Job
		status string
	)
	err := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id).Scan(
		&job.ID,
		&job.BatchID,
		&job.SourceID,
		&status,
		&job.PagesVisited,
		&job.ItemsFound,
		&job.ErrorText,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return harvest.Job{}, mapErr(err, "get job "+id)
	}
	job.Status = harvest.JobStatus(status)
	return job, nil
}
