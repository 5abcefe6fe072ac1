// Package registry manages the crawl-target sources.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// SourceInput carries the operator-editable fields of a source.
type SourceInput struct {
	Name         string   `json:"name" yaml:"name"`
	Type         string   `json:"type" yaml:"type"`
	BaseURL      string   `json:"baseUrl" yaml:"base_url"`
	LinkPattern  string   `json:"linkPattern" yaml:"link_pattern"`
	FileTypes    []string `json:"fileTypes" yaml:"file_types"`
	MaxDepth     int      `json:"maxDepth" yaml:"max_depth"`
	DelayMs      int      `json:"delayMs" yaml:"delay_ms"`
	QualityGrade string   `json:"qualityGrade" yaml:"quality_grade"`
	Active       *bool    `json:"active" yaml:"active"`
}

// Service validates and persists sources.
type Service struct {
	store  harvest.SourceStore
	ids    harvest.IDGenerator
	clock  harvest.Clock
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(store harvest.SourceStore, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ids: ids, clock: clock, logger: logger}
}

// Create validates the input and stores a new source.
func (s *Service) Create(ctx context.Context, in SourceInput) (harvest.Source, error) {
	if err := Validate(in); err != nil {
		return harvest.Source{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return harvest.Source{}, fmt.Errorf("generate source id: %w", err)
	}
	now := s.clock.Now()
	src := apply(harvest.Source{ID: id, Active: true, CreatedAt: now}, in)
	src.UpdatedAt = now
	if err := s.store.CreateSource(ctx, src); err != nil {
		return harvest.Source{}, fmt.Errorf("create source: %w", err)
	}
	s.logger.Info("source created", zap.String("source_id", id), zap.String("base_url", src.BaseURL))
	return src, nil
}

// Get returns one source.
func (s *Service) Get(ctx context.Context, id string) (harvest.Source, error) {
	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		return harvest.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// List returns all sources.
func (s *Service) List(ctx context.Context) ([]harvest.Source, error) {
	out, err := s.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// Update replaces the editable fields of a source. Deactivating only affects
// future batch runs.
func (s *Service) Update(ctx context.Context, id string, in SourceInput) (harvest.Source, error) {
	if err := Validate(in); err != nil {
		return harvest.Source{}, err
	}
	current, err := s.store.GetSource(ctx, id)
	if err != nil {
		return harvest.Source{}, fmt.Errorf("get source: %w", err)
	}
	next := apply(current, in)
	next.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateSource(ctx, next); err != nil {
		return harvest.Source{}, fmt.Errorf("update source: %w", err)
	}
	s.logger.Info("source updated", zap.String("source_id", id), zap.Bool("active", next.Active))
	return next, nil
}

// Delete removes a source. Historical jobs and items keep their source id.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSource(ctx, id); err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	s.logger.Info("source deleted", zap.String("source_id", id))
	return nil
}

// Validate checks a source input before any state change.
func Validate(in SourceInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", harvest.ErrValidation)
	}
	if strings.TrimSpace(in.Type) == "" {
		return fmt.Errorf("%w: type is required", harvest.ErrValidation)
	}
	if strings.TrimSpace(in.BaseURL) == "" {
		return fmt.Errorf("%w: baseUrl is required", harvest.ErrValidation)
	}
	u, err := url.Parse(strings.TrimSpace(in.BaseURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: baseUrl must be an absolute http(s) URL", harvest.ErrValidation)
	}
	if in.LinkPattern != "" {
		if _, err := regexp.Compile(in.LinkPattern); err != nil {
			return fmt.Errorf("%w: linkPattern: %v", harvest.ErrValidation, err)
		}
	}
	if in.MaxDepth < 0 {
		return fmt.Errorf("%w: maxDepth must be >= 0", harvest.ErrValidation)
	}
	if in.DelayMs < 0 {
		return fmt.Errorf("%w: delayMs must be >= 0", harvest.ErrValidation)
	}
	return nil
}

func apply(src harvest.Source, in SourceInput) harvest.Source {
	src.Name = strings.TrimSpace(in.Name)
	src.Type = strings.TrimSpace(in.Type)
	src.BaseURL = strings.TrimSpace(in.BaseURL)
	src.LinkPattern = in.LinkPattern
	src.FileTypes = normalizeFileTypes(in.FileTypes)
	src.MaxDepth = in.MaxDepth
	src.DelayMs = in.DelayMs
	src.QualityGrade = in.QualityGrade
	if in.Active != nil {
		src.Active = *in.Active
	}
	return src
}

func normalizeFileTypes(types []string) []string {
	if len(types) == 0 {
		return nil
	}
	out := make([]string, 0, len(types))
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
		if ext == "" {
			continue
		}
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	return out
}
