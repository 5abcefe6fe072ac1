// Package harvest defines the domain types shared by the scheduler, executor,
// parser, review pipeline and stores.
package harvest

import (
	"time"
)

// Source describes an external origin eligible for collection.
type Source struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	BaseURL      string    `json:"baseUrl"`
	LinkPattern  string    `json:"linkPattern,omitempty"`
	FileTypes    []string  `json:"fileTypes,omitempty"`
	MaxDepth     int       `json:"maxDepth"`
	DelayMs      int       `json:"delayMs"`
	QualityGrade string    `json:"qualityGrade,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Delay returns the configured politeness delay.
func (s Source) Delay() time.Duration {
	return time.Duration(s.DelayMs) * time.Millisecond
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

// Batch status values.
const (
	BatchQueued  BatchStatus = "QUEUED"
	BatchRunning BatchStatus = "RUNNING"
	BatchPaused  BatchStatus = "PAUSED"
	BatchDone    BatchStatus = "DONE"
)

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchQueued, BatchRunning, BatchPaused, BatchDone:
		return true
	default:
		return false
	}
}

// RunNowPriority is the priority a batch receives from the "run" action. No
// ordinary batch is expected to be created above it, so a batch forced to run
// is claimed at the next tick.
const RunNowPriority = 100

// Batch groups sources that are executed together.
type Batch struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	SourceIDs      []string          `json:"sourceIds"`
	Schedule       string            `json:"schedule,omitempty"`
	NightMode      bool              `json:"isNightMode"`
	Priority       int               `json:"priority"`
	Filters        map[string]string `json:"filters,omitempty"`
	Status         BatchStatus       `json:"status"`
	PauseRequested bool              `json:"pauseRequested,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastRunAt      *time.Time        `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time        `json:"nextRunAt,omitempty"`
}

// Repeating reports whether the batch returns to the queue after a run.
func (b Batch) Repeating() bool {
	return b.NightMode || b.Schedule != ""
}

// Due reports whether a QUEUED batch may be claimed at now.
func (b Batch) Due(now time.Time) bool {
	if b.Status != BatchQueued {
		return false
	}
	return b.NextRunAt == nil || !b.NextRunAt.After(now)
}

// BatchMutation carries the optional fields of a batch update.
type BatchMutation struct {
	Status   *BatchStatus `json:"status,omitempty"`
	Priority *int         `json:"priority,omitempty"`
	Action   string       `json:"action,omitempty"`
}

// Batch actions accepted by BatchMutation.Action.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionRun    = "run"
)

// JobStatus is the lifecycle state of a crawl job.
type JobStatus string

// Job status values.
const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobSuccess JobStatus = "SUCCESS"
	JobFailed  JobStatus = "FAILED"
)

// Job is one crawl execution for a single source.
type Job struct {
	ID           string     `json:"id"`
	BatchID      string     `json:"batchId,omitempty"`
	SourceID     string     `json:"sourceId"`
	Status       JobStatus  `json:"status"`
	PagesVisited int        `json:"pagesVisited"`
	ItemsFound   int        `json:"itemsFound"`
	ErrorText    string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// ItemStatus is the lifecycle state of a captured item.
type ItemStatus string

// Item status values.
const (
	ItemNew      ItemStatus = "NEW"
	ItemParsed   ItemStatus = "PARSED"
	ItemFailed   ItemStatus = "FAILED"
	ItemImported ItemStatus = "IMPORTED"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemNew, ItemParsed, ItemFailed, ItemImported:
		return true
	default:
		return false
	}
}

// ItemKind distinguishes captured pages from linked files.
type ItemKind string

// Item kinds.
const (
	ItemKindPage ItemKind = "PAGE"
	ItemKindFile ItemKind = "FILE"
)

// Item is a captured candidate resource produced by a job.
type Item struct {
	ID                 string      `json:"id"`
	JobID              string      `json:"jobId"`
	SourceID           string      `json:"sourceId"`
	Kind               ItemKind    `json:"kind"`
	URL                string      `json:"url"`
	ContentRef         string      `json:"contentRef"`
	ContentHash        string      `json:"contentHash,omitempty"`
	ParsedData         *ParsedData `json:"parsedData,omitempty"`
	OCRConfidence      *float64    `json:"ocrConfidence,omitempty"`
	ForceManual        bool        `json:"forceManual"`
	ProblemCount       int         `json:"problemCount"`
	Status             ItemStatus  `json:"status"`
	ImportedProblemIDs []string    `json:"importedProblemIds,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// LogLevel is the severity of a log entry.
type LogLevel string

// Log levels.
const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Log actions recorded by the pipeline. Error actions double as failure
// categories for the error ranking.
const (
	LogActionJobStart         = "JOB_START"
	LogActionJobSuccess       = "JOB_SUCCESS"
	LogActionPageFetched      = "PAGE_FETCHED"
	LogActionRobotsDisallowed = "ROBOTS_DISALLOWED"
	LogActionRobotsFallback   = "ROBOTS_FALLBACK"
	LogActionTimeout          = "TIMEOUT"
	LogActionDNS              = "DNS"
	LogActionNetwork          = "NETWORK"
	LogActionHTTP4xx          = "HTTP_4XX"
	LogActionHTTP5xx          = "HTTP_5XX"
	LogActionStorage          = "STORAGE"
	LogActionParseFail        = "PARSE_FAIL"
	LogActionImport           = "IMPORT"
	LogActionImportFail       = "IMPORT_FAIL"
	LogActionBatchStart       = "BATCH_START"
	LogActionBatchDone        = "BATCH_DONE"
)

// LogEntry is an append-only structured event.
type LogEntry struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId,omitempty"`
	SourceID  string         `json:"sourceId,omitempty"`
	Level     LogLevel       `json:"level"`
	Action    string         `json:"action"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Page is a 1-based pagination request.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 20
	}
	if p.Size > 200 {
		p.Size = 200
	}
	return p
}

// Offset returns the zero-based offset of the first row on the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// Window bounds an aggregation by creation time.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls within [From, To).
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}
