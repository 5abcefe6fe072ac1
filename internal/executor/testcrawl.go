package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

const (
	maxReportedDisallowed = 10
	maxReportedFileLinks  = 20
	maxSampleLinks        = 10
)

// TestCrawlRequest names either a registered source or a raw URL.
type TestCrawlRequest struct {
	SourceID string `json:"sourceId,omitempty"`
	URL      string `json:"url,omitempty"`
}

// RobotsReport summarizes the policy that applies to the target.
type RobotsReport struct {
	Exists          bool     `json:"exists"`
	IsAllowed       bool     `json:"isAllowed"`
	CrawlDelay      float64  `json:"crawlDelay"`
	DisallowedPaths []string `json:"disallowedPaths"`
}

// PageReport summarizes the single fetched page.
type PageReport struct {
	Title          string   `json:"title"`
	LinksFound     int      `json:"linksFound"`
	FileLinksFound int      `json:"fileLinksFound"`
	FileLinks      []string `json:"fileLinks"`
	SampleLinks    []string `json:"sampleLinks"`
}

// TestCrawlResult is returned by TestCrawl. Fetch failures are reported in
// Error rather than as a Go error.
type TestCrawlResult struct {
	Success   bool         `json:"success"`
	ElapsedMs int64        `json:"elapsedMs"`
	Robots    RobotsReport `json:"robots"`
	Page      *PageReport  `json:"page,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// TestCrawl runs the robots check and one page fetch without persisting
// anything. The host gate still applies so a test-crawl stays polite.
func (e *Executor) TestCrawl(ctx context.Context, req TestCrawlRequest) (TestCrawlResult, error) {
	target, fileTypes, delay, err := e.testTarget(ctx, req)
	if err != nil {
		return TestCrawlResult{}, err
	}
	start := time.Now()
	result := TestCrawlResult{}

	policy := e.Robots.Resolve(ctx, target)
	disallowed := policy.DisallowedPaths()
	if len(disallowed) > maxReportedDisallowed {
		disallowed = disallowed[:maxReportedDisallowed]
	}
	if disallowed == nil {
		disallowed = []string{}
	}
	result.Robots = RobotsReport{
		Exists:          policy.Exists(),
		IsAllowed:       policy.IsAllowedURL(target),
		CrawlDelay:      policy.CrawlDelay().Seconds(),
		DisallowedPaths: disallowed,
	}
	if !result.Robots.IsAllowed {
		result.Error = "disallowed by robots.txt"
		result.ElapsedMs = time.Since(start).Milliseconds()
		return result, nil
	}

	res, err := e.fetchOnce(ctx, target, max(delay, policy.CrawlDelay()))
	result.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = harvest.ClassifyFetchError(target, err).Error()
		return result, nil
	}
	result.Success = true
	result.Page = summarizePage(res, fileTypes)
	return result, nil
}

func (e *Executor) testTarget(ctx context.Context, req TestCrawlRequest) (string, map[string]struct{}, time.Duration, error) {
	types := e.cfg.DefaultFileTypes
	var delay time.Duration
	raw := strings.TrimSpace(req.URL)
	switch {
	case req.SourceID != "":
		src, err := e.Store.GetSource(ctx, req.SourceID)
		if err != nil {
			return "", nil, 0, fmt.Errorf("load source: %w", err)
		}
		if raw == "" {
			raw = src.BaseURL
		}
		types = src.FileTypes
		delay = src.Delay()
	case raw == "":
		return "", nil, 0, fmt.Errorf("%w: %w", harvest.ErrValidation, errNoTarget)
	}
	target, err := NormalizeURL(raw)
	if err != nil {
		return "", nil, 0, fmt.Errorf("%w: %w", harvest.ErrValidation, err)
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[strings.TrimPrefix(strings.ToLower(t), ".")] = struct{}{}
	}
	return target, set, delay, nil
}

func summarizePage(res harvest.FetchResult, fileTypes map[string]struct{}) *PageReport {
	report := &PageReport{
		Title:       res.Title,
		LinksFound:  len(res.Links),
		FileLinks:   []string{},
		SampleLinks: []string{},
	}
	seenFiles := make(map[string]struct{})
	for _, link := range res.Links {
		if len(report.SampleLinks) < maxSampleLinks {
			report.SampleLinks = append(report.SampleLinks, link)
		}
		if _, ok := fileTypes[fileExt(link)]; !ok {
			continue
		}
		if _, dup := seenFiles[link]; dup {
			continue
		}
		seenFiles[link] = struct{}{}
		report.FileLinksFound++
		if len(report.FileLinks) < maxReportedFileLinks {
			report.FileLinks = append(report.FileLinks, link)
		}
	}
	return report
}
