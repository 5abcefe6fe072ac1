package memory

import (
	"context"
	"maps"
	"time"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// AppendLog appends an entry. Entries are never modified afterwards.
func (s *Store) AppendLog(_ context.Context, entry harvest.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Details = maps.Clone(entry.Details)
	s.logs = append(s.logs, entry)
	return nil
}

// ListLogs returns entries newest first, optionally scoped to a job.
func (s *Store) ListLogs(_ context.Context, jobID string, page harvest.Page) ([]harvest.LogEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]harvest.LogEntry, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		if jobID != "" && s.logs[i].JobID != jobID {
			continue
		}
		rows = append(rows, s.logs[i])
	}
	return paginate(rows, page), len(rows), nil
}

// PurgeLogsBefore drops entries created before cutoff.
func (s *Store) PurgeLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var removed int64
	for _, e := range s.logs {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.logs = kept
	return removed, nil
}

// RecentErrors returns the newest ERROR entries.
func (s *Store) RecentErrors(_ context.Context, limit int) ([]harvest.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.LogEntry, 0, limit)
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.logs[i].Level == harvest.LevelError {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}
