package eventlog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// Sink consumes entries after they are persisted. Sink failures never fail the
// write.
type Sink interface {
	Consume(ctx context.Context, entries []harvest.LogEntry) error
}

// Recorder appends log entries and serves paginated reads.
type Recorder struct {
	store  harvest.LogStore
	ids    harvest.IDGenerator
	clock  harvest.Clock
	sinks  []Sink
	logger *zap.Logger
}

// NewRecorder wires a Recorder.
func NewRecorder(store harvest.LogStore, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, ids: ids, clock: clock, sinks: sinks, logger: logger}
}

// Record validates and appends an entry, stamping id and creation time.
func (r *Recorder) Record(ctx context.Context, entry harvest.LogEntry) (harvest.LogEntry, error) {
	if entry.Level == "" {
		entry.Level = harvest.LevelInfo
	}
	entry.Action = strings.TrimSpace(entry.Action)
	if err := validate(entry); err != nil {
		return harvest.LogEntry{}, err
	}
	id, err := r.ids.NewID()
	if err != nil {
		return harvest.LogEntry{}, fmt.Errorf("generate log id: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = r.clock.Now()
	if err := r.store.AppendLog(ctx, entry); err != nil {
		return harvest.LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	batch := []harvest.LogEntry{entry}
	for _, sink := range r.sinks {
		if err := sink.Consume(ctx, batch); err != nil {
			r.logger.Warn("log sink failed", zap.String("action", entry.Action), zap.Error(err))
		}
	}
	return entry, nil
}

// Emit records an entry for internal callers that must not fail because the
// log could not be written.
func (r *Recorder) Emit(ctx context.Context, level harvest.LogLevel, jobID, sourceID, action, message string, details map[string]any) {
	_, err := r.Record(ctx, harvest.LogEntry{
		JobID:    jobID,
		SourceID: sourceID,
		Level:    level,
		Action:   action,
		Message:  message,
		Details:  details,
	})
	if err != nil {
		r.logger.Error("record log entry",
			zap.String("job_id", jobID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// List returns one page of entries in chronological order. The store pages
// newest first so page 1 always holds the latest entries.
func (r *Recorder) List(ctx context.Context, jobID string, page harvest.Page) ([]harvest.LogEntry, int, error) {
	entries, total, err := r.store.ListLogs(ctx, jobID, page.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	slices.Reverse(entries)
	return entries, total, nil
}

// Purge deletes entries older than the given number of days.
func (r *Recorder) Purge(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("%w: olderThanDays must be at least 1", harvest.ErrValidation)
	}
	cutoff := r.clock.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := r.store.PurgeLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	r.logger.Info("purged log entries", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	return n, nil
}

func validate(entry harvest.LogEntry) error {
	switch entry.Level {
	case harvest.LevelDebug, harvest.LevelInfo, harvest.LevelWarn, harvest.LevelError:
	default:
		return fmt.Errorf("%w: unknown level %q", harvest.ErrValidation, entry.Level)
	}
	if entry.Action == "" {
		return fmt.Errorf("%w: action is required", harvest.ErrValidation)
	}
	if strings.TrimSpace(entry.Message) == "" {
		return fmt.Errorf("%w: message is required", harvest.ErrValidation)
	}
	return nil
}
