package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// CreateBatch stores a new batch.
func (s *Store) CreateBatch(_ context.Context, b harvest.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch %s: %w", b.ID, harvest.ErrConflict)
	}
	s.batches[b.ID] = cloneBatch(b)
	return nil
}

// GetBatch fetches a batch by ID.
func (s *Store) GetBatch(_ context.Context, id string) (harvest.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return harvest.Batch{}, fmt.Errorf("batch %s: %w", id, harvest.ErrNotFound)
	}
	return cloneBatch(b), nil
}

// ListBatches returns batches in scheduling order, optionally filtered by status.
func (s *Store) ListBatches(_ context.Context, status harvest.BatchStatus, page harvest.Page) ([]harvest.Batch, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]harvest.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if status != "" && b.Status != status {
			continue
		}
		rows = append(rows, cloneBatch(b))
	}
	sortBatches(rows)
	return paginate(rows, page), len(rows), nil
}

// UpdateBatch applies fn to a copy of the batch and saves it when fn succeeds.
func (s *Store) UpdateBatch(_ context.Context, id string, fn func(*harvest.Batch) error) (harvest.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.batches[id]
	if !ok {
		return harvest.Batch{}, fmt.Errorf("batch %s: %w", id, harvest.ErrNotFound)
	}
	next := cloneBatch(current)
	if err := fn(&next); err != nil {
		return harvest.Batch{}, err
	}
	next.ID = id
	s.batches[id] = cloneBatch(next)
	return next, nil
}

// DeleteBatch removes a batch unless it is running.
func (s *Store) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, harvest.ErrNotFound)
	}
	if b.Status == harvest.BatchRunning {
		return fmt.Errorf("batch %s is running: %w", id, harvest.ErrConflict)
	}
	delete(s.batches, id)
	return nil
}

// ClaimNext flips the highest priority due batch to RUNNING.
func (s *Store) ClaimNext(_ context.Context, now time.Time) (harvest.Batch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]harvest.Batch, 0)
	for _, b := range s.batches {
		if b.Due(now) {
			due = append(due, b)
		}
	}
	if len(due) == 0 {
		return harvest.Batch{}, false, nil
	}
	sortBatches(due)
	claimed := cloneBatch(due[0])
	claimed.Status = harvest.BatchRunning
	claimed.LastRunAt = &now
	s.batches[claimed.ID] = cloneBatch(claimed)
	return claimed, true, nil
}

func sortBatches(rows []harvest.Batch) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Priority != rows[j].Priority {
			return rows[i].Priority > rows[j].Priority
		}
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
