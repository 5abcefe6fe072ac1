package harvest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProblemType classifies a candidate problem.
type ProblemType string

// Supported problem types.
const (
	ProblemSingleChoice   ProblemType = "SINGLE_CHOICE"
	ProblemMultipleChoice ProblemType = "MULTIPLE_CHOICE"
	ProblemTrueFalse      ProblemType = "TRUE_FALSE"
	ProblemFillBlank      ProblemType = "FILL_BLANK"
	ProblemShortAnswer    ProblemType = "SHORT_ANSWER"
	ProblemEssay          ProblemType = "ESSAY"
)

// Valid reports whether t is a known problem type.
func (t ProblemType) Valid() bool {
	switch t {
	case ProblemSingleChoice, ProblemMultipleChoice, ProblemTrueFalse,
		ProblemFillBlank, ProblemShortAnswer, ProblemEssay:
		return true
	default:
		return false
	}
}

// NeedsOptions reports whether the type is answered by picking options.
func (t ProblemType) NeedsOptions() bool {
	return t == ProblemSingleChoice || t == ProblemMultipleChoice
}

// CandidateProblem is one problem extracted from an item.
type CandidateProblem struct {
	Content     string      `json:"content"`
	Type        ProblemType `json:"type"`
	Options     []string    `json:"options,omitempty"`
	Answer      string      `json:"answer,omitempty"`
	Explanation string      `json:"explanation,omitempty"`
}

// ParsedData is the validated payload attached to a parsed item.
type ParsedData struct {
	Problems []CandidateProblem `json:"problems"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

// Validate rejects payloads that cannot be imported.
func (d ParsedData) Validate() error {
	if len(d.Problems) == 0 {
		return fmt.Errorf("%w: parsed data has no problems", ErrValidation)
	}
	for i, p := range d.Problems {
		if strings.TrimSpace(p.Content) == "" {
			return fmt.Errorf("%w: problem %d has empty content", ErrValidation, i)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("%w: problem %d has unknown type %q", ErrValidation, i, p.Type)
		}
		if p.Type.NeedsOptions() && len(p.Options) < 2 {
			return fmt.Errorf("%w: problem %d of type %s needs at least two options", ErrValidation, i, p.Type)
		}
	}
	return nil
}

// DecodeParsedData unmarshals and validates a persisted payload.
func DecodeParsedData(raw []byte) (ParsedData, error) {
	var data ParsedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return ParsedData{}, fmt.Errorf("%w: decode parsed data: %v", ErrValidation, err)
	}
	if err := data.Validate(); err != nil {
		return ParsedData{}, err
	}
	return data, nil
}

// Stage is a review gate.
type Stage string

// Review stages in pipeline order.
const (
	StageNone   Stage = "NONE"
	StageAuto   Stage = "AUTO"
	StageAI     Stage = "AI"
	StageManual Stage = "MANUAL"
)

// ReviewStages is the ordered sequence a problem must pass.
var ReviewStages = []Stage{StageAuto, StageAI, StageManual}

// Valid reports whether s names one of the review gates.
func (s Stage) Valid() bool {
	switch s {
	case StageAuto, StageAI, StageManual:
		return true
	default:
		return false
	}
}

// ProblemStatus is the corpus status of a problem.
type ProblemStatus string

// Problem status values.
const (
	ProblemPending  ProblemStatus = "PENDING"
	ProblemApproved ProblemStatus = "APPROVED"
	ProblemRejected ProblemStatus = "REJECTED"
	ProblemArchived ProblemStatus = "ARCHIVED"
)

// Terminal reports whether no review may change the status any more.
func (s ProblemStatus) Terminal() bool {
	return s == ProblemApproved || s == ProblemRejected || s == ProblemArchived
}

// Problem is a corpus entry created from an imported candidate.
type Problem struct {
	ID             string        `json:"id"`
	ItemID         string        `json:"itemId"`
	SubjectID      string        `json:"subjectId"`
	Content        string        `json:"content"`
	Type           ProblemType   `json:"type"`
	Options        []string      `json:"options,omitempty"`
	Answer         string        `json:"answer,omitempty"`
	Explanation    string        `json:"explanation,omitempty"`
	ReviewStage    Stage         `json:"reviewStage"`
	Status         ProblemStatus `json:"status"`
	QualityScore   *float64      `json:"qualityScore,omitempty"`
	ForceManual    bool          `json:"forceManual"`
	DuplicateOf    string        `json:"duplicateOf,omitempty"`
	DuplicateScore float64       `json:"duplicateScore"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// PendingStage is the stage whose submission the problem is waiting for.
func (p Problem) PendingStage() Stage {
	if p.ReviewStage == StageNone || p.ReviewStage == "" {
		return StageAuto
	}
	return p.ReviewStage
}

// ComparableText is the text the duplicate gate compares.
func (p Problem) ComparableText() string {
	return CandidateProblem{Content: p.Content, Options: p.Options}.ComparableText()
}

// ComparableText joins content and options.
func (c CandidateProblem) ComparableText() string {
	if len(c.Options) == 0 {
		return c.Content
	}
	return c.Content + "\n" + strings.Join(c.Options, "\n")
}

// ReviewOutcome is the verdict of one review attempt.
type ReviewOutcome string

// Review outcomes.
const (
	OutcomeApproved ReviewOutcome = "APPROVED"
	OutcomeRejected ReviewOutcome = "REJECTED"
)

// Valid reports whether o is a known outcome.
func (o ReviewOutcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

// ReviewSubmission is the performer-agnostic input to the pipeline.
type ReviewSubmission struct {
	ProblemID string        `json:"problemId"`
	Stage     Stage         `json:"stage"`
	Outcome   ReviewOutcome `json:"status"`
	Reviewer  string        `json:"reviewer,omitempty"`
	Comments  string        `json:"comments,omitempty"`
	Score     *float64      `json:"score,omitempty"`
	Issues    []string      `json:"issues,omitempty"`
}

// ReviewRecord is the immutable audit row for one applied attempt.
type ReviewRecord struct {
	ID        string        `json:"id"`
	ProblemID string        `json:"problemId"`
	Stage     Stage         `json:"stage"`
	Outcome   ReviewOutcome `json:"outcome"`
	Reviewer  string        `json:"reviewer,omitempty"`
	Comments  string        `json:"comments,omitempty"`
	Score     *float64      `json:"score,omitempty"`
	Issues    []string      `json:"issues,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}
