package review

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/metrics"
)

// Verdict is what a stage performer decides for one problem.
type Verdict struct {
	Outcome  harvest.ReviewOutcome
	Score    *float64
	Comments string
	Issues   []string
}

// Performer reviews problems at one stage. The pipeline does not care whether
// it is a rule engine, a model or a person.
type Performer interface {
	Stage() harvest.Stage
	Name() string
	Review(ctx context.Context, p harvest.Problem) (Verdict, error)
}

// Service applies review submissions to stored problems.
type Service struct {
	store  harvest.ProblemStore
	ids    harvest.IDGenerator
	clock  harvest.Clock
	policy Policy
	logger *zap.Logger
}

// NewService wires a Service.
func NewService(store harvest.ProblemStore, ids harvest.IDGenerator, clock harvest.Clock, policy Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, ids: ids, clock: clock, policy: policy, logger: logger}
}

// Submit applies one submission. The review record and the problem update are
// written together; nothing is written when the transition is refused.
func (s *Service) Submit(ctx context.Context, sub harvest.ReviewSubmission) (harvest.Problem, error) {
	if err := validateSubmission(sub); err != nil {
		return harvest.Problem{}, err
	}
	recordID, err := s.ids.NewID()
	if err != nil {
		return harvest.Problem{}, fmt.Errorf("generate review id: %w", err)
	}
	now := s.clock.Now()
	p, err := s.store.ApplyReview(ctx, sub.ProblemID, func(cur harvest.Problem) (harvest.Problem, harvest.ReviewRecord, error) {
		return Transition(cur, sub, s.policy, recordID, now)
	})
	if err != nil {
		return harvest.Problem{}, fmt.Errorf("apply review: %w", err)
	}
	metrics.ObserveReview(string(sub.Stage), string(sub.Outcome))
	s.logger.Info("review applied",
		zap.String("problem_id", p.ID),
		zap.String("stage", string(sub.Stage)),
		zap.String("outcome", string(sub.Outcome)),
		zap.String("review_stage", string(p.ReviewStage)),
		zap.String("status", string(p.Status)),
	)
	return p, nil
}

// ListPending returns problems awaiting review, optionally at one stage.
func (s *Service) ListPending(ctx context.Context, stage harvest.Stage, page harvest.Page) ([]harvest.Problem, int, error) {
	if stage != "" && !stage.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown stage %q", harvest.ErrValidation, stage)
	}
	rows, total, err := s.store.ListPending(ctx, stage, page.Normalize())
	if err != nil {
		return nil, 0, fmt.Errorf("list pending problems: %w", err)
	}
	return rows, total, nil
}

// History returns the review audit trail of a problem, oldest first.
func (s *Service) History(ctx context.Context, problemID string) ([]harvest.ReviewRecord, error) {
	if _, err := s.store.GetProblem(ctx, problemID); err != nil {
		return nil, fmt.Errorf("get problem: %w", err)
	}
	recs, err := s.store.ListReviews(ctx, problemID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return recs, nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Reviewed int `json:"reviewed"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Failed   int `json:"failed"`
}

// Sweep lets performer review up to limit problems pending at its stage.
// Performer failures are counted and skipped; the sweep stops early only when
// ctx ends.
func (s *Service) Sweep(ctx context.Context, performer Performer, limit int) (SweepResult, error) {
	var res SweepResult
	stage := performer.Stage()
	if stage == harvest.StageManual {
		return res, fmt.Errorf("%w: MANUAL review cannot be swept", harvest.ErrValidation)
	}
	pending, _, err := s.ListPending(ctx, stage, harvest.Page{Number: 1, Size: limit})
	if err != nil {
		return res, err
	}
	logger := s.logger.With(zap.String("performer", performer.Name()), zap.String("stage", string(stage)))
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("sweep interrupted: %w", err)
		}
		verdict, err := performer.Review(ctx, p)
		if err != nil {
			res.Failed++
			logger.Warn("performer failed", zap.String("problem_id", p.ID), zap.Error(err))
			continue
		}
		_, err = s.Submit(ctx, harvest.ReviewSubmission{
			ProblemID: p.ID,
			Stage:     stage,
			Outcome:   verdict.Outcome,
			Reviewer:  performer.Name(),
			Comments:  verdict.Comments,
			Score:     verdict.Score,
			Issues:    verdict.Issues,
		})
		switch {
		case errors.Is(err, harvest.ErrConflict):
			// Another reviewer moved the problem on first.
			continue
		case err != nil:
			res.Failed++
			logger.Warn("submit swept review", zap.String("problem_id", p.ID), zap.Error(err))
			continue
		}
		res.Reviewed++
		if verdict.Outcome == harvest.OutcomeApproved {
			res.Approved++
		} else {
			res.Rejected++
		}
	}
	logger.Info("review sweep finished",
		zap.Int("reviewed", res.Reviewed),
		zap.Int("approved", res.Approved),
		zap.Int("rejected", res.Rejected),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
