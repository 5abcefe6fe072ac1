package harvest

import (
	"context"
	"io"
	"time"
)

// SourceStore persists source records.
type SourceStore interface {
	CreateSource(ctx context.Context, src Source) error
	GetSource(ctx context.Context, id string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	UpdateSource(ctx context.Context, src Source) error
	DeleteSource(ctx context.Context, id string) error
}

// BatchStore persists batches. ClaimNext is the scheduler's only lock: it
// flips the best due QUEUED batch to RUNNING in one atomic step.
type BatchStore interface {
	CreateBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id string) (Batch, error)
	ListBatches(ctx context.Context, status BatchStatus, page Page) ([]Batch, int, error)
	UpdateBatch(ctx context.Context, id string, fn func(*Batch) error) (Batch, error)
	DeleteBatch(ctx context.Context, id string) error
	ClaimNext(ctx context.Context, now time.Time) (Batch, bool, error)
}

// JobStore persists crawl jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
}

// ItemFilter narrows item listings. Empty fields match everything.
type ItemFilter struct {
	SourceID string
	JobID    string
	Status   ItemStatus
}

// ItemStore persists captured items and answers the item-side dashboard
// queries. Each aggregate is a separate call so one failing query does not
// take the others down.
type ItemStore interface {
	CreateItem(ctx context.Context, item Item) error
	GetItem(ctx context.Context, id string) (Item, error)
	// UpdateItem returns ErrConflict when the stored item is IMPORTED.
	UpdateItem(ctx context.Context, item Item) error
	ListItems(ctx context.Context, filter ItemFilter, page Page) ([]Item, int, error)

	CountItems(ctx context.Context, w Window) (int, error)
	SumProblemCounts(ctx context.Context, w Window) (int, error)
	CountItemsByStatus(ctx context.Context, w Window) (map[ItemStatus]int, error)
	MeanConfidence(ctx context.Context, w Window) (float64, error)
}

// ProblemStore persists corpus problems and their review history.
type ProblemStore interface {
	GetProblem(ctx context.Context, id string) (Problem, error)
	ProblemExists(ctx context.Context, id string) (bool, error)
	// RecentProblems returns up to limit non-archived problems, newest first.
	RecentProblems(ctx context.Context, limit int) ([]Problem, error)
	ListPending(ctx context.Context, stage Stage, page Page) ([]Problem, int, error)
	CountPending(ctx context.Context) (int, error)
	ListReviews(ctx context.Context, problemID string) ([]ReviewRecord, error)
	// ApplyReview loads the problem, lets fn compute the next state and the
	// audit record, then persists both atomically. Nothing is written when fn
	// returns an error.
	ApplyReview(ctx context.Context, problemID string, fn func(Problem) (Problem, ReviewRecord, error)) (Problem, error)
	// CommitImport moves a PARSED item to IMPORTED and inserts its problems
	// and initial review records in one step. ErrConflict is returned when the
	// item is no longer PARSED.
	CommitImport(ctx context.Context, itemID string, problems []Problem, records []ReviewRecord, at time.Time) (Item, error)
}

// LogStore persists append-only log entries.
type LogStore interface {
	AppendLog(ctx context.Context, entry LogEntry) error
	// ListLogs returns a page of entries newest first.
	ListLogs(ctx context.Context, jobID string, page Page) ([]LogEntry, int, error)
	PurgeLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// RecentErrors returns up to limit ERROR entries, newest first.
	RecentErrors(ctx context.Context, limit int) ([]LogEntry, error)
}

// Store bundles every persistence concern.
type Store interface {
	SourceStore
	BatchStore
	JobStore
	ItemStore
	ProblemStore
	LogStore
}

// BlobStore writes raw captures and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes domain events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// FetchResult is the outcome of a single page fetch.
type FetchResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Title      string
	Links      []string
	Duration   time.Duration
}

// PageFetcher fetches one page and extracts its title and absolute links in
// document order. Non-2xx responses are reported as *FetchError.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResult, error)
}

// Extraction is what the extraction capability returns for one item.
type Extraction struct {
	Problems   []CandidateProblem `json:"problems"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	Confidence *float64           `json:"confidence,omitempty"`
}

// Extractor turns a captured resource into candidate problems.
type Extractor interface {
	Extract(ctx context.Context, item Item) (Extraction, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
