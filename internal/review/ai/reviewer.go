// Package ai is the model-backed AI stage performer. It asks an OpenAI chat
// model for a JSON verdict on each problem.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/review"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"
	// DefaultTimeout bounds one review call.
	DefaultTimeout = 60 * time.Second

	maxRateLimitRetries = 3
	baseBackoff         = 2 * time.Second
	maxBackoff          = 32 * time.Second
)

// ErrAPIKeyNotSet is returned when the reviewer is built without credentials.
var ErrAPIKeyNotSet = errors.New("openai api key not set")

// Config configures the reviewer.
type Config struct {
	APIKey      string
	Model       string
	BaseURL     string
	Timeout     time.Duration
	Temperature float64
	// PassScore is the minimum model score for approval.
	PassScore float64
}

// Reviewer implements review.Performer with an OpenAI chat model.
type Reviewer struct {
	client  openai.Client
	cfg     Config
	backoff time.Duration
}

var _ review.Performer = (*Reviewer)(nil)

// New builds a Reviewer.
func New(cfg Config, opts ...option.RequestOption) (*Reviewer, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PassScore <= 0 {
		cfg.PassScore = 0.7
	}
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &Reviewer{
		client:  openai.NewClient(append(base, opts...)...),
		cfg:     cfg,
		backoff: baseBackoff,
	}, nil
}

// Stage implements review.Performer.
func (r *Reviewer) Stage() harvest.Stage { return harvest.StageAI }

// Name implements review.Performer.
func (r *Reviewer) Name() string { return "openai:" + r.cfg.Model }

type modelVerdict struct {
	Approved bool     `json:"approved"`
	Score    float64  `json:"score"`
	Comments string   `json:"comments"`
	Issues   []string `json:"issues"`
}

// Review asks the model to grade p. The model's own approval and the pass
// score must both agree for the problem to be approved.
func (r *Reviewer) Review(ctx context.Context, p harvest.Problem) (review.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	content, err := r.complete(ctx, buildPrompt(p))
	if err != nil {
		return review.Verdict{}, err
	}
	var mv modelVerdict
	if err := json.Unmarshal([]byte(content), &mv); err != nil {
		return review.Verdict{}, fmt.Errorf("decode model verdict: %w", err)
	}
	score := math.Min(math.Max(mv.Score, 0), 1)
	v := review.Verdict{
		Outcome:  harvest.OutcomeRejected,
		Score:    &score,
		Comments: strings.TrimSpace(mv.Comments),
		Issues:   mv.Issues,
	}
	if mv.Approved && score >= r.cfg.PassScore {
		v.Outcome = harvest.OutcomeApproved
	}
	return v, nil
}

func (r *Reviewer) complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(r.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(r.cfg.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRateLimitRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * r.backoff
			if wait > maxBackoff {
				wait = maxBackoff
			}
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("wait for rate limit: %w", ctx.Err())
			case <-time.After(wait):
			}
		}
		completion, err := r.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return "", fmt.Errorf("openai chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", errors.New("openai returned no choices")
		}
		return completion.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("openai rate limited after %d retries: %w", maxRateLimitRetries, lastErr)
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

const systemPrompt = `You review exam problems before they enter a question bank.
Check that the problem is self-contained, unambiguous and answerable, that the
answer is correct and matches the options when there are any, and that the
explanation (if present) supports the answer.
Reply with a JSON object: {"approved": bool, "score": number between 0 and 1,
"comments": string, "issues": [string]}.`

func buildPrompt(p harvest.Problem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Type: %s\n", p.Type)
	fmt.Fprintf(&b, "Problem:\n%s\n", p.Content)
	if len(p.Options) > 0 {
		b.WriteString("Options:\n")
		for i, o := range p.Options {
			fmt.Fprintf(&b, "%c. %s\n", 'A'+i, o)
		}
	}
	if p.Answer != "" {
		fmt.Fprintf(&b, "Answer: %s\n", p.Answer)
	}
	if p.Explanation != "" {
		fmt.Fprintf(&b, "Explanation: %s\n", p.Explanation)
	}
	return b.String()
}
