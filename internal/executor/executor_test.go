package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/problem-harvester/internal/eventlog"
	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/hash/sha256"
	"github.com/JakeFAU/problem-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/problem-harvester/internal/robots"
	"github.com/JakeFAU/problem-harvester/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", s.n.Add(1)), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeFetcher serves scripted responses keyed by URL. Each URL may carry a
// sequence of errors returned before its result.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]harvest.FetchResult
	errs    map[string][]error
	calls   map[string]int
	ordered []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages: make(map[string]harvest.FetchResult),
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) page(url, title string, links ...string) {
	f.pages[url] = harvest.FetchResult{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Body:       []byte("<html><title>" + title + "</title></html>"),
		Title:      title,
		Links:      links,
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (harvest.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	f.ordered = append(f.ordered, rawURL)
	if queue := f.errs[rawURL]; len(queue) > 0 {
		f.errs[rawURL] = queue[1:]
		if queue[0] != nil {
			return harvest.FetchResult{}, queue[0]
		}
	}
	res, ok := f.pages[rawURL]
	if !ok {
		return harvest.FetchResult{}, harvest.NewStatusError(rawURL, http.StatusNotFound)
	}
	return res, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type harness struct {
	base    string
	store   *memory.Store
	blobs   *memory.BlobStore
	fetcher *fakeFetcher
	exec    *Executor
}

func newHarness(t *testing.T, robotsBody string) *harness {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" && robotsBody != "" {
			_, _ = w.Write([]byte(robotsBody))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	clock := fixedClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	store := memory.NewStore()
	blobs := memory.NewBlobStore()
	fetcher := newFakeFetcher()
	resolver := robots.NewResolver(robots.Config{UserAgent: "harvester-test"}, srv.Client(), robots.NewMemoryCache(), clock, nil)

	exec := New(Config{MaxPages: 50, DefaultFileTypes: []string{"pdf"}}, Deps{
		Store:   store,
		Fetcher: fetcher,
		Robots:  resolver,
		Gate:    ratelimit.New(ratelimit.Config{MaxInFlight: 2}),
		Blobs:   blobs,
		Events:  eventlog.NewRecorder(store, ids, clock, nil),
		IDs:     ids,
		Clock:   clock,
		Hasher:  sha256.New(),
		Retry:   NewExponentialRetryPolicy(2, time.Millisecond, 2*time.Millisecond),
	})
	return &harness{base: srv.URL, store: store, blobs: blobs, fetcher: fetcher, exec: exec}
}

func (h *harness) url(path string) string {
	return h.base + path
}

func (h *harness) logActions(t *testing.T, level harvest.LogLevel) []string {
	t.Helper()
	entries, _, err := h.store.ListLogs(context.Background(), "", harvest.Page{Size: 200})
	require.NoError(t, err)
	var actions []string
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Level == level {
			actions = append(actions, entries[i].Action)
		}
	}
	return actions
}

func (h *harness) items(t *testing.T, jobID string) []harvest.Item {
	t.Helper()
	items, _, err := h.store.ListItems(context.Background(), harvest.ItemFilter{JobID: jobID}, harvest.Page{Size: 200})
	require.NoError(t, err)
	return items
}

func TestRunBreadthFirstWithinDepth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "User-agent: *\nDisallow: /private/\n")
	h.fetcher.page(h.url("/"), "home",
		h.url("/a"), h.url("/b.pdf"), h.url("/private/x"), "https://other.example/c", h.url("/a#frag"))
	h.fetcher.page(h.url("/a"), "a", h.url("/deep"), h.url("/b.pdf"), h.url("/c.DOC"))

	src := harvest.Source{ID: "src-1", BaseURL: h.url("/"), MaxDepth: 1, FileTypes: []string{"pdf", "doc"}, Active: true}
	job, err := h.exec.Run(context.Background(), "batch-1", src)
	require.NoError(t, err)

	require.Equal(t, harvest.JobSuccess, job.Status)
	require.Equal(t, 2, job.PagesVisited)
	require.Equal(t, 2, job.ItemsFound)
	require.Zero(t, h.fetcher.callCount(h.url("/deep")))
	require.Zero(t, h.fetcher.callCount(h.url("/private/x")))
	require.Equal(t, 1, h.fetcher.callCount(h.url("/a")))
	require.Equal(t, []string{h.url("/"), h.url("/a")}, h.fetcher.ordered)

	items := h.items(t, job.ID)
	urls := []string{items[0].URL, items[1].URL}
	require.ElementsMatch(t, []string{h.url("/b.pdf"), h.url("/c.DOC")}, urls)
	for _, it := range items {
		require.Equal(t, harvest.ItemKindFile, it.Kind)
		require.Equal(t, harvest.ItemNew, it.Status)
	}
	require.Contains(t, h.logActions(t, harvest.LevelInfo), harvest.LogActionRobotsDisallowed)

	stored, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, harvest.JobSuccess, stored.Status)
	require.NotNil(t, stored.FinishedAt)
}

func TestRunCapturesMatchingPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.fetcher.page(h.url("/"), "home", h.url("/exam/1"), h.url("/about"))
	h.fetcher.page(h.url("/exam/1"), "exam one")

	src := harvest.Source{ID: "src-1", BaseURL: h.url("/"), MaxDepth: 2, LinkPattern: `/exam/`}
	job, err := h.exec.Run(context.Background(), "", src)
	require.NoError(t, err)
	require.Equal(t, harvest.JobSuccess, job.Status)
	require.Zero(t, h.fetcher.callCount(h.url("/about")))

	items := h.items(t, job.ID)
	require.Len(t, items, 1)
	require.Equal(t, harvest.ItemKindPage, items[0].Kind)
	require.Equal(t, fmt.Sprintf("memory://captures/%s/%s.html", job.ID, items[0].ContentHash), items[0].ContentRef)
	require.Equal(t, 1, h.blobs.Len())
}

func TestRunSeedFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	src := harvest.Source{ID: "src-1", BaseURL: h.url("/")}
	job, err := h.exec.Run(context.Background(), "", src)
	require.NoError(t, err)
	require.Equal(t, harvest.JobFailed, job.Status)
	require.NotEmpty(t, job.ErrorText)
	require.Equal(t, []string{harvest.LogActionHTTP4xx}, h.logActions(t, harvest.LevelError))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.fetcher.page(h.url("/"), "home")
	h.fetcher.errs[h.url("/")] = []error{harvest.NewStatusError(h.url("/"), http.StatusServiceUnavailable)}

	job, err := h.exec.Run(context.Background(), "", harvest.Source{ID: "s", BaseURL: h.url("/")})
	require.NoError(t, err)
	require.Equal(t, harvest.JobSuccess, job.Status)
	require.Equal(t, 2, h.fetcher.callCount(h.url("/")))
}

func TestRunExhaustedRetriesFailJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.fetcher.page(h.url("/"), "home", h.url("/slow"))
	slow := h.url("/slow")
	h.fetcher.errs[slow] = []error{
		harvest.NewStatusError(slow, http.StatusBadGateway),
		harvest.NewStatusError(slow, http.StatusBadGateway),
		harvest.NewStatusError(slow, http.StatusBadGateway),
	}

	job, err := h.exec.Run(context.Background(), "", harvest.Source{ID: "s", BaseURL: h.url("/"), MaxDepth: 1})
	require.NoError(t, err)
	require.Equal(t, harvest.JobFailed, job.Status)
	require.Equal(t, 3, h.fetcher.callCount(slow))
	require.Equal(t, []string{harvest.LogActionHTTP5xx}, h.logActions(t, harvest.LevelError))
}

func TestRunNonSeedClientErrorContinues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.fetcher.page(h.url("/"), "home", h.url("/gone"), h.url("/ok"))
	h.fetcher.page(h.url("/ok"), "ok")

	job, err := h.exec.Run(context.Background(), "", harvest.Source{ID: "s", BaseURL: h.url("/"), MaxDepth: 1})
	require.NoError(t, err)
	require.Equal(t, harvest.JobSuccess, job.Status)
	require.Equal(t, 2, job.PagesVisited)
	require.Equal(t, 1, h.fetcher.callCount(h.url("/gone")))
	require.Contains(t, h.logActions(t, harvest.LevelWarn), harvest.LogActionHTTP4xx)
}

func TestRunHonorsPageCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	links := make([]string, 0, 80)
	for i := 0; i < 80; i++ {
		p := h.url(fmt.Sprintf("/p/%d", i))
		links = append(links, p)
		h.fetcher.page(p, "p")
	}
	h.fetcher.page(h.url("/"), "home", links...)

	job, err := h.exec.Run(context.Background(), "", harvest.Source{ID: "s", BaseURL: h.url("/"), MaxDepth: 1})
	require.NoError(t, err)
	require.Equal(t, 50, job.PagesVisited)
}

func TestTestCrawlReportsDisallowedTarget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "User-agent: *\nDisallow: /private/\nCrawl-delay: 2\n")
	ctx := context.Background()
	require.NoError(t, h.store.CreateSource(ctx, harvest.Source{ID: "src-a", BaseURL: h.url("/"), DelayMs: 1000}))

	res, err := h.exec.TestCrawl(ctx, TestCrawlRequest{SourceID: "src-a", URL: h.url("/private/page")})
	require.NoError(t, err)
	require.False(t, res.Robots.IsAllowed)
	require.True(t, res.Robots.Exists)
	require.False(t, res.Success)
	require.Equal(t, []string{"/private/"}, res.Robots.DisallowedPaths)
	require.InDelta(t, 2.0, res.Robots.CrawlDelay, 0.001)
	require.Nil(t, res.Page)
	require.Empty(t, h.fetcher.ordered)
}

func TestTestCrawlSummarizesPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	links := []string{h.url("/a.pdf"), h.url("/a.pdf"), h.url("/b.html")}
	for i := 0; i < 12; i++ {
		links = append(links, h.url(fmt.Sprintf("/x/%d", i)))
	}
	h.fetcher.page(h.url("/start"), "Start", links...)

	res, err := h.exec.TestCrawl(context.Background(), TestCrawlRequest{URL: h.url("/start")})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.Robots.Exists)
	require.NotNil(t, res.Page)
	require.Equal(t, "Start", res.Page.Title)
	require.Equal(t, 15, res.Page.LinksFound)
	require.Equal(t, 1, res.Page.FileLinksFound)
	require.Equal(t, []string{h.url("/a.pdf")}, res.Page.FileLinks)
	require.Len(t, res.Page.SampleLinks, 10)
}

func TestTestCrawlReportsFetchError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	res, err := h.exec.TestCrawl(context.Background(), TestCrawlRequest{URL: h.url("/nothing")})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "HTTP_4XX")
}

func TestTestCrawlRejectsBadRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	ctx := context.Background()

	_, err := h.exec.TestCrawl(ctx, TestCrawlRequest{})
	require.ErrorIs(t, err, harvest.ErrValidation)
	_, err = h.exec.TestCrawl(ctx, TestCrawlRequest{URL: "ftp://example.com/x"})
	require.ErrorIs(t, err, harvest.ErrValidation)
	_, err = h.exec.TestCrawl(ctx, TestCrawlRequest{SourceID: "missing"})
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTP://Example.COM:80/a?b=2&a=1#frag": "http://example.com/a?a=1&b=2",
		"https://example.com:443":              "https://example.com/",
		"https://example.com/x/":               "https://example.com/x/",
	}
	for in, want := range cases {
		got, err := NormalizeURL(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := NormalizeURL("mailto:someone@example.com")
	require.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, 10*time.Millisecond, 40*time.Millisecond)
	transient := harvest.NewStatusError("u", http.StatusServiceUnavailable)
	require.True(t, p.ShouldRetry(transient, 0))
	require.True(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", transient), 1))
	require.False(t, p.ShouldRetry(transient, 2))
	require.False(t, p.ShouldRetry(harvest.NewStatusError("u", http.StatusNotFound), 0))
	require.True(t, p.ShouldRetry(harvest.NewStatusError("u", http.StatusTooManyRequests), 0))
	require.False(t, p.ShouldRetry(context.Canceled, 0))

	for attempt := 0; attempt < 5; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, 5*time.Millisecond)
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}
