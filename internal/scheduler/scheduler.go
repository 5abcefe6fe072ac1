// Package scheduler groups sources into batches, decides when each batch runs
// and drives the crawl executor. The QUEUED to RUNNING claim in the store is
// the only lock: a batch runs at most once at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/metrics"
)

// NightHour is the local hour at which night-mode batches run.
const NightHour = 22

// Runner executes one source's crawl.
type Runner interface {
	Run(ctx context.Context, batchID string, src harvest.Source) (harvest.Job, error)
}

// EventLog receives the structured log entries the scheduler emits.
type EventLog interface {
	Emit(ctx context.Context, level harvest.LogLevel, jobID, sourceID, action, message string, details map[string]any)
}

// Store is the persistence the scheduler needs.
type Store interface {
	harvest.BatchStore
	GetSource(ctx context.Context, id string) (harvest.Source, error)
}

// Config tunes the scheduler.
type Config struct {
	// Concurrency bounds the sources of one batch crawled in parallel.
	Concurrency int
	// Location anchors night-mode runs. Defaults to UTC.
	Location *time.Location
}

// Scheduler owns the batch lifecycle.
type Scheduler struct {
	cfg    Config
	store  Store
	runner Runner
	events EventLog
	ids    harvest.IDGenerator
	clock  harvest.Clock
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New wires a Scheduler.
func New(cfg Config, store Store, runner Runner, events EventLog, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		runner: runner,
		events: events,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// CreateInput is the payload for Create.
type CreateInput struct {
	Name      string            `json:"name"`
	SourceIDs []string          `json:"sourceIds"`
	Schedule  string            `json:"schedule,omitempty"`
	NightMode bool              `json:"isNightMode,omitempty"`
	Priority  *int              `json:"priority,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// Create validates and stores a new QUEUED batch.
func (s *Scheduler) Create(ctx context.Context, in CreateInput) (harvest.Batch, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return harvest.Batch{}, fmt.Errorf("%w: name is required", harvest.ErrValidation)
	}
	ids := dedupe(in.SourceIDs)
	if len(ids) == 0 {
		return harvest.Batch{}, fmt.Errorf("%w: sourceIds is required", harvest.ErrValidation)
	}
	for _, id := range ids {
		if _, err := s.store.GetSource(ctx, id); err != nil {
			if errors.Is(err, harvest.ErrNotFound) {
				return harvest.Batch{}, fmt.Errorf("%w: unknown source id %q", harvest.ErrValidation, id)
			}
			return harvest.Batch{}, fmt.Errorf("check source %s: %w", id, err)
		}
	}
	interval, err := parseSchedule(in.Schedule)
	if err != nil {
		return harvest.Batch{}, err
	}
	priority := 0
	if in.Priority != nil {
		priority = *in.Priority
	}
	if err := checkPriority(priority); err != nil {
		return harvest.Batch{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return harvest.Batch{}, fmt.Errorf("generate batch id: %w", err)
	}
	now := s.clock.Now()
	b := harvest.Batch{
		ID:        id,
		Name:      name,
		SourceIDs: ids,
		Schedule:  strings.TrimSpace(in.Schedule),
		NightMode: in.NightMode,
		Priority:  priority,
		Filters:   in.Filters,
		Status:    harvest.BatchQueued,
		CreatedAt: now,
		NextRunAt: s.nextRun(in.NightMode, interval, now),
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return harvest.Batch{}, fmt.Errorf("create batch: %w", err)
	}
	s.logger.Info("batch created", zap.String("batch_id", id), zap.Int("sources", len(ids)), zap.Int("priority", priority))
	return b, nil
}

// Get returns one batch.
func (s *Scheduler) Get(ctx context.Context, id string) (harvest.Batch, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return harvest.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// List returns batches in scheduling order.
func (s *Scheduler) List(ctx context.Context, status harvest.BatchStatus, page harvest.Page) ([]harvest.Batch, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", harvest.ErrValidation, status)
	}
	rows, total, err := s.store.ListBatches(ctx, status, page.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("list batches: %w", err)
	}
	return rows, total, nil
}

// Delete removes a batch that is not running.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteBatch(ctx, id); err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	return nil
}

// Mutate applies a status, priority or action change. A RUNNING batch keeps
// its status: pause is deferred to completion through PauseRequested.
func (s *Scheduler) Mutate(ctx context.Context, id string, m harvest.BatchMutation) (harvest.Batch, error) {
	if err := validateMutation(m); err != nil {
		return harvest.Batch{}, err
	}
	now := s.clock.Now()
	b, err := s.store.UpdateBatch(ctx, id, func(b *harvest.Batch) error {
		if b.Status == harvest.BatchRunning {
			return mutateRunning(b, m)
		}
		switch m.Action {
		case harvest.ActionPause:
			b.Status = harvest.BatchPaused
		case harvest.ActionResume:
			b.Status = harvest.BatchQueued
		case harvest.ActionRun:
			b.Status = harvest.BatchQueued
			b.Priority = harvest.RunNowPriority
			b.NextRunAt = &now
			return nil
		}
		if m.Status != nil {
			b.Status = *m.Status
		}
		if m.Priority != nil {
			b.Priority = *m.Priority
		}
		return nil
	})
	if err != nil {
		return harvest.Batch{}, fmt.Errorf("mutate batch: %w", err)
	}
	return b, nil
}

func mutateRunning(b *harvest.Batch, m harvest.BatchMutation) error {
	if m.Status != nil {
		return fmt.Errorf("batch %s is running; status cannot change until it completes: %w", b.ID, harvest.ErrConflict)
	}
	switch m.Action {
	case harvest.ActionPause:
		b.PauseRequested = true
	case harvest.ActionResume:
		b.PauseRequested = false
	case harvest.ActionRun:
		b.PauseRequested = false
		b.Priority = harvest.RunNowPriority
		return nil
	}
	if m.Priority != nil {
		b.Priority = *m.Priority
	}
	return nil
}

func validateMutation(m harvest.BatchMutation) error {
	switch m.Action {
	case "", harvest.ActionPause, harvest.ActionResume, harvest.ActionRun:
	default:
		return fmt.Errorf("%w: unknown action %q", harvest.ErrValidation, m.Action)
	}
	if m.Action != "" && m.Status != nil {
		return fmt.Errorf("%w: status and action are mutually exclusive", harvest.ErrValidation)
	}
	if m.Status != nil {
		if !m.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", harvest.ErrValidation, *m.Status)
		}
		if *m.Status == harvest.BatchRunning {
			return fmt.Errorf("batches enter RUNNING only through the scheduler: %w", harvest.ErrConflict)
		}
	}
	if m.Priority != nil {
		return checkPriority(*m.Priority)
	}
	return nil
}

// Tick claims the best due batch and starts it in the background. It reports
// the claimed batch, or false when nothing was due.
func (s *Scheduler) Tick(ctx context.Context) (harvest.Batch, bool, error) {
	b, ok, err := s.store.ClaimNext(ctx, s.clock.Now())
	if err != nil {
		return harvest.Batch{}, false, fmt.Errorf("claim batch: %w", err)
	}
	if !ok {
		return harvest.Batch{}, false, nil
	}
	metrics.ObserveBatchClaim()

	sources := s.resolveSources(ctx, b)
	s.events.Emit(ctx, harvest.LevelInfo, "", "", harvest.LogActionBatchStart, "batch started", map[string]any{
		"batch_id": b.ID,
		"sources":  len(sources),
		"priority": b.Priority,
	})
	s.logger.Info("batch claimed", zap.String("batch_id", b.ID), zap.Int("sources", len(sources)))

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(runCtx, b, sources)
	}()
	return b, true, nil
}

// Wait blocks until every batch started by Tick has completed.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Run ticks every interval until ctx is canceled. Running batches are not
// interrupted; call Wait to drain them.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", harvest.ErrValidation)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) resolveSources(ctx context.Context, b harvest.Batch) []harvest.Source {
	out := make([]harvest.Source, 0, len(b.SourceIDs))
	for _, id := range b.SourceIDs {
		src, err := s.store.GetSource(ctx, id)
		if err != nil {
			s.logger.Warn("batch source unavailable", zap.String("batch_id", b.ID), zap.String("source_id", id), zap.Error(err))
			continue
		}
		if !src.Active {
			s.logger.Info("skipping inactive source", zap.String("batch_id", b.ID), zap.String("source_id", id))
			continue
		}
		out = append(out, src)
	}
	return out
}

func (s *Scheduler) execute(ctx context.Context, b harvest.Batch, sources []harvest.Source) {
	var (
		mu       sync.Mutex
		failed   int
		finished int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, src := range sources {
		g.Go(func() error {
			job, err := s.runJob(gctx, b.ID, src)
			mu.Lock()
			defer mu.Unlock()
			finished++
			if err != nil || job.Status == harvest.JobFailed {
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	s.complete(ctx, b.ID, finished, failed)
}

func (s *Scheduler) runJob(ctx context.Context, batchID string, src harvest.Source) (job harvest.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl panicked: %v", r)
			s.logger.Error("crawl job panicked", zap.String("batch_id", batchID), zap.String("source_id", src.ID), zap.Any("panic", r))
		}
	}()
	job, err = s.runner.Run(ctx, batchID, src)
	if err != nil {
		s.logger.Error("crawl job could not start", zap.String("batch_id", batchID), zap.String("source_id", src.ID), zap.Error(err))
	}
	return job, err
}

func (s *Scheduler) complete(ctx context.Context, id string, finished, failed int) {
	now := s.clock.Now()
	b, err := s.store.UpdateBatch(ctx, id, func(b *harvest.Batch) error {
		interval, _ := parseSchedule(b.Schedule)
		b.NextRunAt = s.nextRun(b.NightMode, interval, now)
		switch {
		case b.PauseRequested:
			b.Status = harvest.BatchPaused
			b.PauseRequested = false
		case b.Repeating():
			b.Status = harvest.BatchQueued
		default:
			b.Status = harvest.BatchDone
		}
		return nil
	})
	if err != nil {
		s.logger.Error("complete batch", zap.String("batch_id", id), zap.Error(err))
		return
	}
	s.events.Emit(ctx, harvest.LevelInfo, "", "", harvest.LogActionBatchDone, "batch finished", map[string]any{
		"batch_id":  id,
		"status":    string(b.Status),
		"jobs":      finished,
		"jobs_fail": failed,
	})
	s.logger.Info("batch completed", zap.String("batch_id", id), zap.String("status", string(b.Status)))
}

func (s *Scheduler) nextRun(night bool, interval time.Duration, now time.Time) *time.Time {
	var next time.Time
	switch {
	case night:
		next = NextNightRun(now, s.cfg.Location)
	case interval > 0:
		next = now.Add(interval)
	default:
		return nil
	}
	return &next
}

// NextNightRun returns today's NightHour:00:00 in loc, or the same wall time
// on the following day when that instant is already past.
func NextNightRun(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	target := time.Date(local.Year(), local.Month(), local.Day(), NightHour, 0, 0, 0, loc)
	if target.Before(local) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func parseSchedule(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: schedule must be a duration such as 6h: %v", harvest.ErrValidation, err)
	}
	if d < time.Minute {
		return 0, fmt.Errorf("%w: schedule must be at least 1m", harvest.ErrValidation)
	}
	return d, nil
}

func checkPriority(p int) error {
	if p < 0 || p > harvest.RunNowPriority {
		return fmt.Errorf("%w: priority must be between 0 and %d", harvest.ErrValidation, harvest.RunNowPriority)
	}
	return nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
