// Package parser turns captured items into validated candidate problems and
// applies the OCR confidence gate.
package parser

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// DefaultConfidenceThreshold is the OCR confidence below which an item must
// pass an explicit MANUAL review.
const DefaultConfidenceThreshold = 0.6

// Store is the item persistence the parser needs.
type Store interface {
	GetItem(ctx context.Context, id string) (harvest.Item, error)
	UpdateItem(ctx context.Context, item harvest.Item) error
}

// EventLog records pipeline events.
type EventLog interface {
	Emit(ctx context.Context, level harvest.LogLevel, jobID, sourceID, action, message string, details map[string]any)
}

// Config tunes the parser. A nil ConfidenceThreshold uses
// DefaultConfidenceThreshold; zero disables the gate.
type Config struct {
	ConfidenceThreshold *float64
}

// Parser runs the extraction capability over items.
type Parser struct {
	threshold float64
	store     Store
	extractor harvest.Extractor
	events    EventLog
	clock     harvest.Clock
	logger    *zap.Logger
}

// New wires a Parser.
func New(cfg Config, store Store, extractor harvest.Extractor, events EventLog, clock harvest.Clock, logger *zap.Logger) *Parser {
	threshold := DefaultConfidenceThreshold
	if cfg.ConfidenceThreshold != nil {
		threshold = *cfg.ConfidenceThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{threshold: threshold, store: store, extractor: extractor, events: events, clock: clock, logger: logger}
}

// Parse extracts candidates for one item and stores the validated result. A
// failed or malformed extraction leaves the item FAILED; the returned item
// reflects what was persisted.
func (p *Parser) Parse(ctx context.Context, itemID string) (harvest.Item, error) {
	item, err := p.store.GetItem(ctx, itemID)
	if err != nil {
		return harvest.Item{}, fmt.Errorf("get item: %w", err)
	}
	if item.Status == harvest.ItemImported {
		return item, fmt.Errorf("item %s is already imported: %w", itemID, harvest.ErrConflict)
	}

	logger := p.logger.With(zap.String("item_id", item.ID), zap.String("source_id", item.SourceID))
	ext, err := p.extractor.Extract(ctx, item)
	if err == nil {
		err = validateExtraction(ext)
	}
	if err != nil {
		if ctx.Err() != nil {
			return item, fmt.Errorf("extract item: %w", ctx.Err())
		}
		return p.fail(ctx, logger, item, err)
	}

	item.ParsedData = &harvest.ParsedData{Problems: ext.Problems, Metadata: ext.Metadata}
	item.ProblemCount = len(ext.Problems)
	item.OCRConfidence = ext.Confidence
	item.ForceManual = ext.Confidence != nil && *ext.Confidence < p.threshold
	item.Status = harvest.ItemParsed
	item.UpdatedAt = p.clock.Now()
	if err := p.store.UpdateItem(ctx, item); err != nil {
		if errors.Is(err, harvest.ErrConflict) {
			logger.Warn("item imported during parse; result discarded")
		}
		return harvest.Item{}, fmt.Errorf("update item: %w", err)
	}
	logger.Info("item parsed",
		zap.Int("problem_count", item.ProblemCount),
		zap.Bool("force_manual", item.ForceManual),
	)
	return item, nil
}

func (p *Parser) fail(ctx context.Context, logger *zap.Logger, item harvest.Item, cause error) (harvest.Item, error) {
	item.Status = harvest.ItemFailed
	item.ParsedData = nil
	item.ProblemCount = 0
	item.UpdatedAt = p.clock.Now()
	if err := p.store.UpdateItem(ctx, item); err != nil {
		return harvest.Item{}, fmt.Errorf("mark item failed: %w", errors.Join(cause, err))
	}
	logger.Warn("item parse failed", zap.Error(cause))
	p.events.Emit(ctx, harvest.LevelError, item.JobID, item.SourceID, harvest.LogActionParseFail,
		"item extraction failed", map[string]any{"itemId": item.ID, "error": cause.Error()})
	return item, fmt.Errorf("parse item %s: %w", item.ID, cause)
}

func validateExtraction(ext harvest.Extraction) error {
	if c := ext.Confidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
		return fmt.Errorf("%w: confidence must be within [0,1]", harvest.ErrValidation)
	}
	return harvest.ParsedData{Problems: ext.Problems, Metadata: ext.Metadata}.Validate()
}
