package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// GetProblem fetches a problem by ID.
func (s *Store) GetProblem(_ context.Context, id string) (harvest.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.problems[id]
	if !ok {
		return harvest.Problem{}, fmt.Errorf("problem %s: %w", id, harvest.ErrNotFound)
	}
	return cloneProblem(p), nil
}

// ProblemExists reports whether the ID is taken.
func (s *Store) ProblemExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.problems[id]
	return ok, nil
}

// RecentProblems returns the newest non-archived problems.
func (s *Store) RecentProblems(_ context.Context, limit int) ([]harvest.Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]harvest.Problem, 0, len(s.problems))
	for _, p := range s.problems {
		if p.Status == harvest.ProblemArchived {
			continue
		}
		rows = append(rows, cloneProblem(p))
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// ListPending returns PENDING problems waiting on the given stage, oldest first.
func (s *Store) ListPending(_ context.Context, stage harvest.Stage, page harvest.Page) ([]harvest.Problem, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]harvest.Problem, 0)
	for _, p := range s.problems {
		if p.Status != harvest.ProblemPending {
			continue
		}
		if stage != "" && p.PendingStage() != stage {
			continue
		}
		rows = append(rows, cloneProblem(p))
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
	return paginate(rows, page), len(rows), nil
}

// CountPending counts problems still awaiting review.
func (s *Store) CountPending(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.problems {
		if p.Status == harvest.ProblemPending {
			n++
		}
	}
	return n, nil
}

// ListReviews returns the audit trail of a problem in insertion order.
func (s *Store) ListReviews(_ context.Context, problemID string) ([]harvest.ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.reviews[problemID]), nil
}

// ApplyReview runs fn under the store lock and persists its result.
func (s *Store) ApplyReview(
	_ context.Context,
	problemID string,
	fn func(harvest.Problem) (harvest.Problem, harvest.ReviewRecord, error),
) (harvest.Problem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.problems[problemID]
	if !ok {
		return harvest.Problem{}, fmt.Errorf("problem %s: %w", problemID, harvest.ErrNotFound)
	}
	next, record, err := fn(cloneProblem(current))
	if err != nil {
		return harvest.Problem{}, err
	}
	next.ID = problemID
	s.problems[problemID] = cloneProblem(next)
	s.reviews[problemID] = append(s.reviews[problemID], record)
	return next, nil
}

// CommitImport marks the item IMPORTED and inserts its problems.
func (s *Store) CommitImport(
	_ context.Context,
	itemID string,
	problems []harvest.Problem,
	records []harvest.ReviewRecord,
	at time.Time,
) (harvest.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return harvest.Item{}, fmt.Errorf("item %s: %w", itemID, harvest.ErrNotFound)
	}
	if item.Status != harvest.ItemParsed {
		return harvest.Item{}, fmt.Errorf("item %s is %s: %w", itemID, item.Status, harvest.ErrConflict)
	}
	for _, p := range problems {
		if _, exists := s.problems[p.ID]; exists {
			return harvest.Item{}, fmt.Errorf("problem %s: %w", p.ID, harvest.ErrConflict)
		}
	}
	ids := make([]string, 0, len(problems))
	for _, p := range problems {
		s.problems[p.ID] = cloneProblem(p)
		ids = append(ids, p.ID)
	}
	for _, rec := range records {
		s.reviews[rec.ProblemID] = append(s.reviews[rec.ProblemID], rec)
	}
	item.Status = harvest.ItemImported
	item.ImportedProblemIDs = ids
	item.UpdatedAt = at
	s.items[itemID] = item
	return cloneItem(item), nil
}
