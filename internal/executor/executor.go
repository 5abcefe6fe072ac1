// Package executor runs one source's crawl as a job: a bounded breadth-first
// walk under the host's robots policy that emits page and file items.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/metrics"
	"github.com/JakeFAU/problem-harvester/internal/robots"
)

// RobotsResolver yields the politeness policy for a URL's host.
type RobotsResolver interface {
	Resolve(ctx context.Context, rawURL string) robots.Policy
}

// Gate serializes fetches per host and bounds global concurrency.
type Gate interface {
	Acquire(ctx context.Context, rawURL string, delay time.Duration) (func(), error)
}

// EventLog receives the structured log entries a job emits.
type EventLog interface {
	Emit(ctx context.Context, level harvest.LogLevel, jobID, sourceID, action, message string, details map[string]any)
}

// Store is the persistence the executor needs.
type Store interface {
	harvest.SourceStore
	harvest.JobStore
	CreateItem(ctx context.Context, item harvest.Item) error
}

// Config tunes traversal limits.
type Config struct {
	// MaxPages caps the pages fetched by one job.
	MaxPages int
	// DefaultFileTypes applies to test-crawls of raw URLs.
	DefaultFileTypes []string
}

// Deps bundles collaborators.
type Deps struct {
	Store   Store
	Fetcher harvest.PageFetcher
	Robots  RobotsResolver
	Gate    Gate
	Blobs   harvest.BlobStore
	Events  EventLog
	IDs     harvest.IDGenerator
	Clock   harvest.Clock
	Hasher  harvest.Hasher
	Retry   RetryPolicy
	Logger  *zap.Logger
}

// Executor executes crawl jobs.
type Executor struct {
	cfg Config
	Deps
}

// New constructs an Executor.
func New(cfg Config, deps Deps) *Executor {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = NewExponentialRetryPolicy(3, 0, 0)
	}
	return &Executor{cfg: cfg, Deps: deps}
}

type frontier struct {
	url   string
	depth int
}

// crawl holds the per-job traversal state.
type crawl struct {
	job          harvest.Job
	src          harvest.Source
	pattern      *regexp.Regexp
	fileTypes    map[string]struct{}
	seedHost     string
	seen         map[string]struct{}
	emittedFiles map[string]struct{}
	fallbackSeen map[string]struct{}
}

// Run crawls src as a new job. The returned error covers only failures to
// record the job itself; crawl failures end in a FAILED job.
func (e *Executor) Run(ctx context.Context, batchID string, src harvest.Source) (harvest.Job, error) {
	id, err := e.IDs.NewID()
	if err != nil {
		return harvest.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := e.Clock.Now()
	job := harvest.Job{
		ID:        id,
		BatchID:   batchID,
		SourceID:  src.ID,
		Status:    harvest.JobRunning,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := e.Store.CreateJob(ctx, job); err != nil {
		return harvest.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	logger := e.Logger.With(zap.String("job_id", job.ID), zap.String("source_id", src.ID))
	e.Events.Emit(ctx, harvest.LevelInfo, job.ID, src.ID, harvest.LogActionJobStart,
		"crawl started", map[string]any{"base_url": src.BaseURL, "max_depth": src.MaxDepth})

	c, err := e.prepare(job, src)
	if err != nil {
		return e.finish(ctx, logger, c.job, &harvest.FetchError{URL: src.BaseURL, Category: harvest.CategoryNetwork, Err: err}), nil
	}
	failure := e.walk(ctx, logger, c)
	return e.finish(ctx, logger, c.job, failure), nil
}

func (e *Executor) prepare(job harvest.Job, src harvest.Source) (*crawl, error) {
	c := &crawl{
		job:          job,
		src:          src,
		fileTypes:    make(map[string]struct{}, len(src.FileTypes)),
		seen:         make(map[string]struct{}),
		emittedFiles: make(map[string]struct{}),
		fallbackSeen: make(map[string]struct{}),
	}
	for _, ft := range src.FileTypes {
		c.fileTypes[ft] = struct{}{}
	}
	if src.LinkPattern != "" {
		re, err := regexp.Compile(src.LinkPattern)
		if err != nil {
			return c, fmt.Errorf("compile link pattern: %w", err)
		}
		c.pattern = re
	}
	seed, err := NormalizeURL(src.BaseURL)
	if err != nil {
		return c, fmt.Errorf("normalize base url: %w", err)
	}
	c.seedHost = hostOf(seed)
	c.seen[seed] = struct{}{}
	return c, nil
}

// walk performs the breadth-first traversal. It returns the failure that ends
// the job, or nil.
func (e *Executor) walk(ctx context.Context, logger *zap.Logger, c *crawl) *harvest.FetchError {
	seed, _ := NormalizeURL(c.src.BaseURL)
	queue := []frontier{{url: seed, depth: 0}}

	for len(queue) > 0 && c.job.PagesVisited < e.cfg.MaxPages {
		cur := queue[0]
		queue = queue[1:]
		if err := ctx.Err(); err != nil {
			return harvest.ClassifyFetchError(cur.url, err)
		}

		policy := e.Robots.Resolve(ctx, cur.url)
		if policy.Fallback() {
			if _, warned := c.fallbackSeen[policy.Host()]; !warned {
				c.fallbackSeen[policy.Host()] = struct{}{}
				e.Events.Emit(ctx, harvest.LevelWarn, c.job.ID, c.src.ID, harvest.LogActionRobotsFallback,
					"robots.txt unavailable, allowing all paths", map[string]any{"host": policy.Host()})
			}
		}
		if !policy.IsAllowedURL(cur.url) {
			e.Events.Emit(ctx, harvest.LevelInfo, c.job.ID, c.src.ID, harvest.LogActionRobotsDisallowed,
				"skipped by robots.txt", map[string]any{"url": cur.url, "depth": cur.depth})
			continue
		}

		delay := max(c.src.Delay(), policy.CrawlDelay())
		res, err := e.fetchWithRetry(ctx, logger, cur.url, delay)
		if err != nil {
			fe := harvest.ClassifyFetchError(cur.url, err)
			if cur.depth == 0 || fe.Transient() || ctx.Err() != nil {
				return fe
			}
			e.Events.Emit(ctx, harvest.LevelWarn, c.job.ID, c.src.ID, string(fe.Category),
				"page fetch failed, continuing", map[string]any{"url": cur.url, "status": fe.StatusCode})
			continue
		}
		c.job.PagesVisited++
		e.Events.Emit(ctx, harvest.LevelDebug, c.job.ID, c.src.ID, harvest.LogActionPageFetched,
			"page fetched", map[string]any{"url": cur.url, "status": res.StatusCode, "links": len(res.Links)})

		if cur.depth >= 1 && c.pattern != nil && c.pattern.MatchString(cur.url) {
			if fe := e.capturePage(ctx, c, cur.url, res.Body); fe != nil {
				return fe
			}
		}

		for _, link := range res.Links {
			norm, err := NormalizeURL(link)
			if err != nil {
				continue
			}
			if _, ok := c.fileTypes[fileExt(norm)]; ok {
				if fe := e.emitFile(ctx, c, norm); fe != nil {
					return fe
				}
				continue
			}
			if cur.depth >= c.src.MaxDepth || hostOf(norm) != c.seedHost {
				continue
			}
			if c.pattern != nil && !c.pattern.MatchString(norm) {
				continue
			}
			if _, dup := c.seen[norm]; dup {
				continue
			}
			c.seen[norm] = struct{}{}
			queue = append(queue, frontier{url: norm, depth: cur.depth + 1})
		}
	}
	return nil
}

func (e *Executor) fetchWithRetry(ctx context.Context, logger *zap.Logger, rawURL string, delay time.Duration) (harvest.FetchResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.fetchOnce(ctx, rawURL, delay)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || !e.Retry.ShouldRetry(err, attempt) {
			return harvest.FetchResult{}, err
		}
		wait := e.Retry.Backoff(attempt)
		logger.Warn("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return harvest.FetchResult{}, harvest.ClassifyFetchError(rawURL, ctx.Err())
		case <-timer.C:
		}
	}
}

func (e *Executor) fetchOnce(ctx context.Context, rawURL string, delay time.Duration) (harvest.FetchResult, error) {
	release, err := e.Gate.Acquire(ctx, rawURL, delay)
	if err != nil {
		return harvest.FetchResult{}, harvest.ClassifyFetchError(rawURL, err)
	}
	defer release()
	res, err := e.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return harvest.FetchResult{}, fmt.Errorf("fetch page: %w", err)
	}
	return res, nil
}

func (e *Executor) capturePage(ctx context.Context, c *crawl, pageURL string, body []byte) *harvest.FetchError {
	sum, err := e.Hasher.Hash(body)
	if err != nil {
		return storageFailure(pageURL, fmt.Errorf("hash page: %w", err))
	}
	path := fmt.Sprintf("captures/%s/%s.html", c.job.ID, sum)
	ref, err := e.Blobs.PutObject(ctx, path, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		return storageFailure(pageURL, fmt.Errorf("store capture: %w", err))
	}
	return e.createItem(ctx, c, harvest.ItemKindPage, pageURL, ref, sum)
}

func (e *Executor) emitFile(ctx context.Context, c *crawl, fileURL string) *harvest.FetchError {
	if _, done := c.emittedFiles[fileURL]; done {
		return nil
	}
	c.emittedFiles[fileURL] = struct{}{}
	sum, err := e.Hasher.Hash([]byte(fileURL))
	if err != nil {
		return storageFailure(fileURL, fmt.Errorf("hash file url: %w", err))
	}
	return e.createItem(ctx, c, harvest.ItemKindFile, fileURL, fileURL, sum)
}

func (e *Executor) createItem(ctx context.Context, c *crawl, kind harvest.ItemKind, itemURL, ref, sum string) *harvest.FetchError {
	id, err := e.IDs.NewID()
	if err != nil {
		return storageFailure(itemURL, fmt.Errorf("generate item id: %w", err))
	}
	now := e.Clock.Now()
	item := harvest.Item{
		ID:          id,
		JobID:       c.job.ID,
		SourceID:    c.src.ID,
		Kind:        kind,
		URL:         itemURL,
		ContentRef:  ref,
		ContentHash: sum,
		Status:      harvest.ItemNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Store.CreateItem(ctx, item); err != nil {
		return storageFailure(itemURL, fmt.Errorf("create item: %w", err))
	}
	c.job.ItemsFound++
	return nil
}

func storageFailure(rawURL string, err error) *harvest.FetchError {
	return &harvest.FetchError{URL: rawURL, Category: harvest.CategoryStorage, Err: err}
}

func (e *Executor) finish(ctx context.Context, logger *zap.Logger, job harvest.Job, failure *harvest.FetchError) harvest.Job {
	// The job record must land even when the crawl context was canceled.
	writeCtx := context.WithoutCancel(ctx)
	finished := e.Clock.Now()
	job.FinishedAt = &finished

	if failure != nil {
		job.Status = harvest.JobFailed
		job.ErrorText = failure.Error()
		e.Events.Emit(writeCtx, harvest.LevelError, job.ID, job.SourceID, string(failure.Category),
			"crawl job failed", map[string]any{
				"url":           failure.URL,
				"status":        failure.StatusCode,
				"pages_visited": job.PagesVisited,
				"items_found":   job.ItemsFound,
			})
		logger.Warn("crawl job failed", zap.String("category", string(failure.Category)), zap.Error(failure))
	} else {
		job.Status = harvest.JobSuccess
		e.Events.Emit(writeCtx, harvest.LevelInfo, job.ID, job.SourceID, harvest.LogActionJobSuccess,
			"crawl finished", map[string]any{"pages_visited": job.PagesVisited, "items_found": job.ItemsFound})
		logger.Info("crawl job finished", zap.Int("pages_visited", job.PagesVisited), zap.Int("items_found", job.ItemsFound))
	}
	metrics.ObserveJob(string(job.Status))

	if err := e.Store.UpdateJob(writeCtx, job); err != nil {
		logger.Error("persist job outcome", zap.Error(err))
	}
	return job
}

// errNoTarget is returned by TestCrawl when neither a source nor a URL is set.
var errNoTarget = errors.New("sourceId or url is required")
