package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// CreateItem stores a new item.
func (s *Store) CreateItem(_ context.Context, item harvest.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("item %s: %w", item.ID, harvest.ErrConflict)
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// GetItem fetches an item by ID.
func (s *Store) GetItem(_ context.Context, id string) (harvest.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return harvest.Item{}, fmt.Errorf("item %s: %w", id, harvest.ErrNotFound)
	}
	return cloneItem(item), nil
}

// UpdateItem replaces an existing item. Imported items are frozen.
func (s *Store) UpdateItem(_ context.Context, item harvest.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[item.ID]
	if !ok {
		return fmt.Errorf("item %s: %w", item.ID, harvest.ErrNotFound)
	}
	if cur.Status == harvest.ItemImported {
		return fmt.Errorf("item %s is already imported: %w", item.ID, harvest.ErrConflict)
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

// ListItems returns matching items newest first.
func (s *Store) ListItems(_ context.Context, filter harvest.ItemFilter, page harvest.Page) ([]harvest.Item, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]harvest.Item, 0)
	for _, it := range s.items {
		if filter.SourceID != "" && it.SourceID != filter.SourceID {
			continue
		}
		if filter.JobID != "" && it.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && it.Status != filter.Status {
			continue
		}
		rows = append(rows, cloneItem(it))
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	return paginate(rows, page), len(rows), nil
}

// CountItems counts items created in the window.
func (s *Store) CountItems(_ context.Context, w harvest.Window) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if w.Contains(it.CreatedAt) {
			n++
		}
	}
	return n, nil
}

// SumProblemCounts sums the extracted problem counts of items in the window.
func (s *Store) SumProblemCounts(_ context.Context, w harvest.Window) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, it := range s.items {
		if w.Contains(it.CreatedAt) {
			total += it.ProblemCount
		}
	}
	return total, nil
}

// CountItemsByStatus groups items in the window by status.
func (s *Store) CountItemsByStatus(_ context.Context, w harvest.Window) (map[harvest.ItemStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[harvest.ItemStatus]int)
	for _, it := range s.items {
		if w.Contains(it.CreatedAt) {
			out[it.Status]++
		}
	}
	return out, nil
}

// MeanConfidence averages the OCR confidence of items in the window that
// carry one. It is zero when none do.
func (s *Store) MeanConfidence(_ context.Context, w harvest.Window) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	n := 0
	for _, it := range s.items {
		if it.OCRConfidence == nil || !w.Contains(it.CreatedAt) {
			continue
		}
		sum += *it.OCRConfidence
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}
