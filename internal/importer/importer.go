// Package importer turns a parsed item into corpus problems. Every candidate
// passes the duplicate gate before it enters the review pipeline.
package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/metrics"
	"github.com/JakeFAU/problem-harvester/internal/similarity"
)

const (
	// DuplicateReviewer names the reviewer on records written by the gate.
	DuplicateReviewer = "duplicate-gate"
	// DefaultTopic receives an event for every imported item.
	DefaultTopic = "item.imported"

	defaultIDAttempts = 5
)

// Store is the persistence the importer needs.
type Store interface {
	GetItem(ctx context.Context, id string) (harvest.Item, error)
	ProblemExists(ctx context.Context, id string) (bool, error)
	RecentProblems(ctx context.Context, limit int) ([]harvest.Problem, error)
	CommitImport(ctx context.Context, itemID string, problems []harvest.Problem, records []harvest.ReviewRecord, at time.Time) (harvest.Item, error)
}

// EventLog records pipeline events.
type EventLog interface {
	Emit(ctx context.Context, level harvest.LogLevel, jobID, sourceID, action, message string, details map[string]any)
}

// Config tunes the importer.
type Config struct {
	SampleSize int
	IDAttempts int
	Topic      string
}

// Importer creates problems from parsed items.
type Importer struct {
	cfg       Config
	store     Store
	publisher harvest.Publisher
	events    EventLog
	ids       harvest.IDGenerator
	clock     harvest.Clock
	logger    *zap.Logger
}

// New wires an Importer. publisher may be nil.
func New(cfg Config, store Store, publisher harvest.Publisher, events EventLog, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger) *Importer {
	if cfg.SampleSize <= 0 || cfg.SampleSize > similarity.MaxSample {
		cfg.SampleSize = similarity.MaxSample
	}
	if cfg.IDAttempts <= 0 {
		cfg.IDAttempts = defaultIDAttempts
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{cfg: cfg, store: store, publisher: publisher, events: events, ids: ids, clock: clock, logger: logger}
}

// Request names the item to import and the subject its problems belong to.
type Request struct {
	ItemID    string `json:"itemId"`
	SubjectID string `json:"subjectId"`
}

// Result reports what one import created.
type Result struct {
	Item      harvest.Item                   `json:"item"`
	Problems  []harvest.Problem              `json:"problems"`
	Decisions map[string]similarity.Decision `json:"decisions"`
}

// Event is published after an item is imported.
type Event struct {
	ItemID     string    `json:"itemId"`
	SourceID   string    `json:"sourceId"`
	SubjectID  string    `json:"subjectId"`
	ProblemIDs []string  `json:"problemIds"`
	ImportedAt time.Time `json:"importedAt"`
}

// Import creates one problem per candidate of a PARSED item and marks the
// item IMPORTED in the same store operation.
func (im *Importer) Import(ctx context.Context, req Request) (Result, error) {
	req.ItemID = strings.TrimSpace(req.ItemID)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.ItemID == "" || req.SubjectID == "" {
		return Result{}, fmt.Errorf("%w: itemId and subjectId are required", harvest.ErrValidation)
	}

	item, err := im.store.GetItem(ctx, req.ItemID)
	if err != nil {
		return Result{}, fmt.Errorf("get item: %w", err)
	}
	switch {
	case item.Status == harvest.ItemImported:
		return Result{}, fmt.Errorf("item %s is already imported: %w", item.ID, harvest.ErrConflict)
	case item.Status != harvest.ItemParsed || item.ParsedData == nil:
		return Result{}, fmt.Errorf("%w: item %s has no parsed data", harvest.ErrValidation, item.ID)
	}

	logger := im.logger.With(zap.String("item_id", item.ID), zap.String("subject_id", req.SubjectID))
	if err := item.ParsedData.Validate(); err != nil {
		logger.Warn("persisted candidates are malformed", zap.Error(err))
		im.events.Emit(ctx, harvest.LevelError, item.JobID, item.SourceID, harvest.LogActionImportFail,
			"persisted candidates are malformed", map[string]any{"itemId": item.ID, "error": err.Error()})
		return Result{}, fmt.Errorf("revalidate item %s: %w", item.ID, err)
	}

	recent, err := im.store.RecentProblems(ctx, im.cfg.SampleSize)
	if err != nil {
		return Result{}, fmt.Errorf("load duplicate sample: %w", err)
	}
	sample := make([]similarity.Entry, 0, len(recent)+len(item.ParsedData.Problems))
	for _, p := range recent {
		sample = append(sample, similarity.Entry{ID: p.ID, Text: p.ComparableText()})
	}

	now := im.clock.Now()
	res := Result{Decisions: make(map[string]similarity.Decision, len(item.ParsedData.Problems))}
	var records []harvest.ReviewRecord
	taken := make(map[string]struct{})
	for _, c := range item.ParsedData.Problems {
		id, err := im.problemID(ctx, taken)
		if err != nil {
			return Result{}, err
		}
		check := similarity.Check(c.ComparableText(), sample)
		metrics.ObserveDuplicateDecision(string(check.Decision))

		p := harvest.Problem{
			ID:             id,
			ItemID:         item.ID,
			SubjectID:      req.SubjectID,
			Content:        c.Content,
			Type:           c.Type,
			Options:        slices.Clone(c.Options),
			Answer:         c.Answer,
			Explanation:    c.Explanation,
			ReviewStage:    harvest.StageNone,
			Status:         harvest.ProblemPending,
			ForceManual:    item.ForceManual,
			DuplicateScore: check.Score,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		best, hasMatch := check.Best()
		if hasMatch && check.Decision != similarity.DecisionPass {
			p.DuplicateOf = best.ID
		}
		switch check.Decision {
		case similarity.DecisionReject:
			rec, err := im.duplicateRecord(p, best, now)
			if err != nil {
				return Result{}, err
			}
			p.ReviewStage = harvest.StageAuto
			p.Status = harvest.ProblemRejected
			records = append(records, rec)
		case similarity.DecisionManual:
			p.ForceManual = true
		}

		res.Problems = append(res.Problems, p)
		res.Decisions[p.ID] = check.Decision
		// Later candidates of the same item are checked against earlier ones.
		sample = append([]similarity.Entry{{ID: p.ID, Text: p.ComparableText()}}, sample...)
	}

	updated, err := im.store.CommitImport(ctx, item.ID, res.Problems, records, now)
	if err != nil {
		return Result{}, fmt.Errorf("commit import: %w", err)
	}
	res.Item = updated
	metrics.ObserveImportedProblems(len(res.Problems))
	logger.Info("item imported", zap.Int("problem_count", len(res.Problems)), zap.Int("rejected_duplicates", len(records)))
	im.events.Emit(ctx, harvest.LevelInfo, item.JobID, item.SourceID, harvest.LogActionImport,
		"item imported", map[string]any{"itemId": item.ID, "problemIds": updated.ImportedProblemIDs})
	im.publish(ctx, logger, Event{
		ItemID:     item.ID,
		SourceID:   item.SourceID,
		SubjectID:  req.SubjectID,
		ProblemIDs: updated.ImportedProblemIDs,
		ImportedAt: now,
	})
	return res, nil
}

func (im *Importer) problemID(ctx context.Context, taken map[string]struct{}) (string, error) {
	id, err := harvest.Attempt(func() (string, error) {
		id, err := im.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate problem id: %w", err)
		}
		if _, dup := taken[id]; dup {
			return "", fmt.Errorf("problem id %s: %w", id, harvest.ErrRetry)
		}
		exists, err := im.store.ProblemExists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("check problem id: %w", err)
		}
		if exists {
			return "", fmt.Errorf("problem id %s: %w", id, harvest.ErrRetry)
		}
		return id, nil
	}, im.cfg.IDAttempts)
	if err != nil {
		return "", fmt.Errorf("allocate problem id: %w", err)
	}
	taken[id] = struct{}{}
	return id, nil
}

func (im *Importer) duplicateRecord(p harvest.Problem, best similarity.Match, at time.Time) (harvest.ReviewRecord, error) {
	id, err := im.ids.NewID()
	if err != nil {
		return harvest.ReviewRecord{}, fmt.Errorf("generate review id: %w", err)
	}
	return harvest.ReviewRecord{
		ID:        id,
		ProblemID: p.ID,
		Stage:     harvest.StageAuto,
		Outcome:   harvest.OutcomeRejected,
		Reviewer:  DuplicateReviewer,
		Comments:  fmt.Sprintf("duplicate of %s (score %.3f)", best.ID, best.Score),
		Issues:    []string{"duplicate"},
		CreatedAt: at,
	}, nil
}

func (im *Importer) publish(ctx context.Context, logger *zap.Logger, ev Event) {
	if im.publisher == nil {
		return
	}
	msgID, err := im.publisher.Publish(ctx, im.cfg.Topic, ev)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn("publish import event", zap.String("topic", im.cfg.Topic), zap.Error(err))
		}
		return
	}
	logger.Debug("import event published", zap.String("topic", im.cfg.Topic), zap.String("message_id", msgID))
}
