package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const problemColumns = `id, item_id, subject_id, content, type, options, answer, explanation, review_stage, status, quality_score, force_manual, duplicate_of, duplicate_score, created_at, updated_at`

const reviewColumns = `id, problem_id, stage, outcome, reviewer, comments, score, issues, created_at`

func scanProblem(row rowScanner) (harvest.Problem, error) {
	var (
		p      harvest.Problem
		typ    string
		stage  string
		status string
	)
	err := row.Scan(
		&p.ID,
		&p.ItemID,
		&p.SubjectID,
		&p.Content,
		&typ,
		&p.Options,
		&p.Answer,
		&p.Explanation,
		&stage,
		&status,
		&p.QualityScore,
		&p.ForceManual,
		&p.DuplicateOf,
		&p.DuplicateScore,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return harvest.Problem{}, err
	}
	p.Type = harvest.ProblemType(typ)
	p.ReviewStage = harvest.Stage(stage)
	p.Status = harvest.ProblemStatus(status)
	return p, nil
}

func scanProblems(rows pgx.Rows) ([]harvest.Problem, error) {
	defer rows.Close()
	out := make([]harvest.Problem, 0)
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan problem: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate problems: %w", err)
	}
	return out, nil
}

func problemStage(p harvest.Problem) string {
	if p.ReviewStage == "" {
		return string(harvest.StageNone)
	}
	return string(p.ReviewStage)
}

// GetProblem fetches a problem by ID.
func (s *Store) GetProblem(ctx context.Context, id string) (harvest.Problem, error) {
	p, err := scanProblem(s.db.QueryRow(ctx, `SELECT `+problemColumns+` FROM problems WHERE id = $1`, id))
	if err != nil {
		return harvest.Problem{}, mapErr(err, "get problem "+id)
	}
	return p, nil
}

// ProblemExists reports whether the ID is taken.
func (s *Store) ProblemExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM problems WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check problem %s: %w", id, err)
	}
	return exists, nil
}

// RecentProblems returns the newest non-archived problems.
func (s *Store) RecentProblems(ctx context.Context, limit int) ([]harvest.Problem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+problemColumns+` FROM problems
		WHERE status <> $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		string(harvest.ProblemArchived), limit)
	if err != nil {
		return nil, fmt.Errorf("recent problems: %w", err)
	}
	return scanProblems(rows)
}

// pendingClause matches PENDING problems whose next gate is $2. A problem
// that has not entered review yet waits on AUTO.
const pendingClause = `status = $1 AND ($2 = '' OR (CASE WHEN review_stage = 'NONE' THEN 'AUTO' ELSE review_stage END) = $2)`

// ListPending returns PENDING problems waiting on the given stage, oldest first.
func (s *Store) ListPending(ctx context.Context, stage harvest.Stage, page harvest.Page) ([]harvest.Problem, int, error) {
	page = page.Normalize()
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM problems WHERE `+pendingClause,
		string(harvest.ProblemPending), string(stage),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pending problems: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+problemColumns+` FROM problems
		WHERE `+pendingClause+`
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4`,
		string(harvest.ProblemPending), string(stage), page.Size, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list pending problems: %w", err)
	}
	out, err := scanProblems(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// CountPending counts problems still awaiting review.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM problems WHERE status = $1`, string(harvest.ProblemPending),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// ListReviews returns the audit trail of a problem in insertion order.
func (s *Store) ListReviews(ctx context.Context, problemID string) ([]harvest.ReviewRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+reviewColumns+` FROM review_records
		WHERE problem_id = $1
		ORDER BY created_at ASC, id ASC`, problemID)
	if err != nil {
		return nil, fmt.Errorf("list reviews of %s: %w", problemID, err)
	}
	defer rows.Close()

	out := make([]harvest.ReviewRecord, 0)
	for rows.Next() {
		var (
			rec     harvest.ReviewRecord
			stage   string
			outcome string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ProblemID,
			&stage,
			&outcome,
			&rec.Reviewer,
			&rec.Comments,
			&rec.Score,
			&rec.Issues,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		rec.Stage = harvest.Stage(stage)
		rec.Outcome = harvest.ReviewOutcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return out, nil
}

func insertReview(ctx context.Context, tx pgx.Tx, rec harvest.ReviewRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO review_records (`+reviewColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ProblemID, string(rec.Stage), string(rec.Outcome), rec.Reviewer, rec.Comments,
		rec.Score, nonNil(rec.Issues), rec.CreatedAt,
	)
	return mapErr(err, "insert review "+rec.ID)
}

// ApplyReview locks the problem row, lets fn compute the transition and
// writes the new state together with its audit record.
func (s *Store) ApplyReview(
	ctx context.Context,
	problemID string,
	fn func(harvest.Problem) (harvest.Problem, harvest.ReviewRecord, error),
) (harvest.Problem, error) {
	var out harvest.Problem
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanProblem(tx.QueryRow(ctx,
			`SELECT `+problemColumns+` FROM problems WHERE id = $1 FOR UPDATE`, problemID))
		if err != nil {
			return mapErr(err, "lock problem "+problemID)
		}
		next, record, err := fn(current)
		if err != nil {
			return err
		}
		next.ID = problemID
		if _, err := tx.Exec(ctx, `
			UPDATE problems
			SET review_stage = $2, status = $3, quality_score = $4, force_manual = $5, updated_at = $6
			WHERE id = $1`,
			next.ID, problemStage(next), string(next.Status), next.QualityScore, next.ForceManual, next.UpdatedAt,
		); err != nil {
			return mapErr(err, "update problem "+problemID)
		}
		if err := insertReview(ctx, tx, record); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return harvest.Problem{}, err
	}
	return out, nil
}

// CommitImport marks the item IMPORTED and inserts its problems and initial
// review records in one transaction.
func (s *Store) CommitImport(
	ctx context.Context,
	itemID string,
	problems []harvest.Problem,
	records []harvest.ReviewRecord,
	at time.Time,
) (harvest.Item, error) {
	var out harvest.Item
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1 FOR UPDATE`, itemID))
		if err != nil {
			return mapErr(err, "lock item "+itemID)
		}
		if item.Status != harvest.ItemParsed {
			return fmt.Errorf("item %s is %s: %w", itemID, item.Status, harvest.ErrConflict)
		}
		ids := make([]string, 0, len(problems))
		for _, p := range problems {
			if _, err := tx.Exec(ctx, `
				INSERT INTO problems (`+problemColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				p.ID, p.ItemID, p.SubjectID, p.Content, string(p.Type), nonNil(p.Options), p.Answer, p.Explanation,
				problemStage(p), string(p.Status), p.QualityScore, p.ForceManual, p.DuplicateOf, p.DuplicateScore,
				p.CreatedAt, p.UpdatedAt,
			); err != nil {
				return mapErr(err, "insert problem "+p.ID)
			}
			ids = append(ids, p.ID)
		}
		for _, rec := range records {
			if err := insertReview(ctx, tx, rec); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			UPDATE items SET status = $2, imported_problem_ids = $3, updated_at = $4 WHERE id = $1`,
			itemID, string(harvest.ItemImported), ids, at,
		); err != nil {
			return mapErr(err, "update item "+itemID)
		}
		item.Status = harvest.ItemImported
		item.ImportedProblemIDs = ids
		item.UpdatedAt = at
		out = item
		return nil
	})
	if err != nil {
		return harvest.Item{}, err
	}
	return out, nil
}
