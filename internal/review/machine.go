// Package review implements the AUTO → AI → MANUAL review state machine and
// the service that applies submissions to stored problems.
package review

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// Policy tunes the transition function.
type Policy struct {
	// RequireManual makes MANUAL approval mandatory for every problem. When
	// false, AI approval finalizes problems that are not flagged ForceManual.
	RequireManual bool
}

// Transition computes the problem's next state and the audit record for one
// submission. It is pure; persistence is the caller's concern.
func Transition(p harvest.Problem, sub harvest.ReviewSubmission, policy Policy, recordID string, at time.Time) (harvest.Problem, harvest.ReviewRecord, error) {
	if err := validateSubmission(sub); err != nil {
		return harvest.Problem{}, harvest.ReviewRecord{}, err
	}
	if p.Status.Terminal() {
		return harvest.Problem{}, harvest.ReviewRecord{}, fmt.Errorf("problem %s is %s: %w", p.ID, p.Status, harvest.ErrConflict)
	}
	if pending := p.PendingStage(); sub.Stage != pending {
		return harvest.Problem{}, harvest.ReviewRecord{}, fmt.Errorf("problem %s awaits %s review, got %s: %w", p.ID, pending, sub.Stage, harvest.ErrConflict)
	}

	next := p
	next.UpdatedAt = at
	if sub.Score != nil {
		score := *sub.Score
		next.QualityScore = &score
	}

	switch sub.Outcome {
	case harvest.OutcomeRejected:
		next.ReviewStage = sub.Stage
		next.Status = harvest.ProblemRejected
	case harvest.OutcomeApproved:
		switch {
		case sub.Stage == harvest.StageManual:
			next.ReviewStage = harvest.StageManual
			next.Status = harvest.ProblemApproved
		case sub.Stage == harvest.StageAI && !policy.RequireManual && !p.ForceManual:
			next.ReviewStage = harvest.StageAI
			next.Status = harvest.ProblemApproved
		default:
			next.ReviewStage = nextStage(sub.Stage)
		}
	}

	rec := harvest.ReviewRecord{
		ID:        recordID,
		ProblemID: p.ID,
		Stage:     sub.Stage,
		Outcome:   sub.Outcome,
		Reviewer:  strings.TrimSpace(sub.Reviewer),
		Comments:  sub.Comments,
		Score:     sub.Score,
		Issues:    slices.Clone(sub.Issues),
		CreatedAt: at,
	}
	return next, rec, nil
}

func nextStage(s harvest.Stage) harvest.Stage {
	i := slices.Index(harvest.ReviewStages, s)
	if i < 0 || i == len(harvest.ReviewStages)-1 {
		return harvest.StageManual
	}
	return harvest.ReviewStages[i+1]
}

func validateSubmission(sub harvest.ReviewSubmission) error {
	if strings.TrimSpace(sub.ProblemID) == "" {
		return fmt.Errorf("%w: problemId is required", harvest.ErrValidation)
	}
	if !sub.Stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", harvest.ErrValidation, sub.Stage)
	}
	if !sub.Outcome.Valid() {
		return fmt.Errorf("%w: status must be APPROVED or REJECTED", harvest.ErrValidation)
	}
	if sub.Score != nil && (*sub.Score < 0 || *sub.Score > 1) {
		return fmt.Errorf("%w: score must be within [0,1]", harvest.ErrValidation)
	}
	return nil
}
