// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// Store implements harvest.Store with maps guarded by a single mutex, which
// makes every multi-entity operation atomic.
type Store struct {
	mu       sync.RWMutex
	sources  map[string]harvest.Source
	batches  map[string]harvest.Batch
	jobs     map[string]harvest.Job
	items    map[string]harvest.Item
	problems map[string]harvest.Problem
	reviews  map[string][]harvest.ReviewRecord
	logs     []harvest.LogEntry
}

var _ harvest.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sources:  make(map[string]harvest.Source),
		batches:  make(map[string]harvest.Batch),
		jobs:     make(map[string]harvest.Job),
		items:    make(map[string]harvest.Item),
		problems: make(map[string]harvest.Problem),
		reviews:  make(map[string][]harvest.ReviewRecord),
	}
}

// CreateSource stores a new source.
func (s *Store) CreateSource(_ context.Context, src harvest.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return fmt.Errorf("source %s: %w", src.ID, harvest.ErrConflict)
	}
	s.sources[src.ID] = cloneSource(src)
	return nil
}

// GetSource fetches a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return harvest.Source{}, fmt.Errorf("source %s: %w", id, harvest.ErrNotFound)
	}
	return cloneSource(src), nil
}

// ListSources returns every source ordered by creation time.
func (s *Store) ListSources(_ context.Context) ([]harvest.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, cloneSource(src))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateSource replaces an existing source.
func (s *Store) UpdateSource(_ context.Context, src harvest.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.ID]; !ok {
		return fmt.Errorf("source %s: %w", src.ID, harvest.ErrNotFound)
	}
	s.sources[src.ID] = cloneSource(src)
	return nil
}

// DeleteSource removes a source. Historical jobs and items are untouched.
func (s *Store) DeleteSource(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return fmt.Errorf("source %s: %w", id, harvest.ErrNotFound)
	}
	delete(s.sources, id)
	return nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, harvest.ErrConflict)
	}
	s.jobs[job.ID] = job
	return nil
}

// UpdateJob replaces an existing job.
func (s *Store) UpdateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return fmt.Errorf("job %s: %w", job.ID, harvest.ErrNotFound)
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (harvest.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return harvest.Job{}, fmt.Errorf("job %s: %w", id, harvest.ErrNotFound)
	}
	return job, nil
}

func paginate[T any](rows []T, page harvest.Page) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(rows) {
		return []T{}
	}
	end := min(start+page.Size, len(rows))
	return rows[start:end]
}

func cloneSource(src harvest.Source) harvest.Source {
	src.FileTypes = slices.Clone(src.FileTypes)
	return src
}

func cloneBatch(b harvest.Batch) harvest.Batch {
	b.SourceIDs = slices.Clone(b.SourceIDs)
	b.Filters = maps.Clone(b.Filters)
	b.LastRunAt = cloneTime(b.LastRunAt)
	b.NextRunAt = cloneTime(b.NextRunAt)
	return b
}

func cloneItem(it harvest.Item) harvest.Item {
	it.ImportedProblemIDs = slices.Clone(it.ImportedProblemIDs)
	if it.ParsedData != nil {
		pd := *it.ParsedData
		pd.Problems = slices.Clone(pd.Problems)
		pd.Metadata = maps.Clone(pd.Metadata)
		it.ParsedData = &pd
	}
	if it.OCRConfidence != nil {
		c := *it.OCRConfidence
		it.OCRConfidence = &c
	}
	return it
}

func cloneProblem(p harvest.Problem) harvest.Problem {
	p.Options = slices.Clone(p.Options)
	if p.QualityScore != nil {
		q := *p.QualityScore
		p.QualityScore = &q
	}
	return p
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
