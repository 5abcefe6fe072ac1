// Package auto is the rule-based AUTO stage performer.
package auto

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/review"
)

// ReviewerName identifies AUTO review records.
const ReviewerName = "auto-rules"

// Config tunes the rule set.
type Config struct {
	MinContentRunes int
	MaxContentRunes int
}

// Reviewer applies structural sanity rules to a problem.
type Reviewer struct {
	cfg Config
}

var _ review.Performer = (*Reviewer)(nil)

// New builds a Reviewer.
func New(cfg Config) *Reviewer {
	if cfg.MinContentRunes <= 0 {
		cfg.MinContentRunes = 8
	}
	if cfg.MaxContentRunes <= 0 {
		cfg.MaxContentRunes = 5000
	}
	return &Reviewer{cfg: cfg}
}

// Stage implements review.Performer.
func (r *Reviewer) Stage() harvest.Stage { return harvest.StageAuto }

// Name implements review.Performer.
func (r *Reviewer) Name() string { return ReviewerName }

// Review approves problems with no rule violations. The score drops by a
// quarter per violation.
func (r *Reviewer) Review(_ context.Context, p harvest.Problem) (review.Verdict, error) {
	issues := r.check(p)
	score := 1 - 0.25*float64(len(issues))
	if score < 0 {
		score = 0
	}
	v := review.Verdict{Outcome: harvest.OutcomeApproved, Score: &score, Issues: issues}
	if len(issues) > 0 {
		v.Outcome = harvest.OutcomeRejected
		v.Comments = fmt.Sprintf("%d rule violation(s)", len(issues))
	}
	return v, nil
}

func (r *Reviewer) check(p harvest.Problem) []string {
	var issues []string
	content := strings.TrimSpace(p.Content)
	n := utf8.RuneCountInString(content)
	if n < r.cfg.MinContentRunes {
		issues = append(issues, "content too short")
	}
	if n > r.cfg.MaxContentRunes {
		issues = append(issues, "content too long")
	}
	answer := strings.TrimSpace(p.Answer)
	if answer == "" && p.Type != harvest.ProblemEssay {
		issues = append(issues, "missing answer")
	}

	switch p.Type {
	case harvest.ProblemSingleChoice, harvest.ProblemMultipleChoice:
		issues = append(issues, checkOptions(p.Options)...)
		if answer != "" && !answerMatchesOptions(answer, p.Options) {
			issues = append(issues, "answer does not reference an option")
		}
	case harvest.ProblemTrueFalse:
		if answer != "" && !isBoolean(answer) {
			issues = append(issues, "true/false answer is not boolean")
		}
	}
	return issues
}

func checkOptions(options []string) []string {
	var issues []string
	if len(options) < 2 {
		issues = append(issues, "fewer than two options")
	}
	seen := make(map[string]struct{}, len(options))
	for _, o := range options {
		key := strings.ToLower(strings.TrimSpace(o))
		if key == "" {
			issues = append(issues, "empty option")
			continue
		}
		if _, dup := seen[key]; dup {
			issues = append(issues, "duplicate option")
			continue
		}
		seen[key] = struct{}{}
	}
	return issues
}

// answerMatchesOptions accepts option letters ("B", "A,C") or option text.
func answerMatchesOptions(answer string, options []string) bool {
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(o), answer) {
			return true
		}
	}
	parts := strings.FieldsFunc(strings.ToUpper(answer), func(r rune) bool {
		return r == ',' || r == ' ' || r == ';' || r == '、'
	})
	if len(parts) == 0 {
		return false
	}
	for _, part := range parts {
		if len(part) != 1 || part[0] < 'A' || int(part[0]-'A') >= len(options) {
			return false
		}
	}
	return true
}

func isBoolean(answer string) bool {
	switch strings.ToLower(answer) {
	case "true", "false", "t", "f", "yes", "no", "正确", "错误", "对", "错":
		return true
	default:
		return false
	}
}
