// Package observability derives the dashboard report from items, problems and
// the event log. Every metric degrades on its own: a failing query yields the
// zero value and is named in the report instead of failing the whole call.
package observability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
)

// Window names accepted by Report.
const (
	WindowToday = "today"
	Window24h   = "24h"
	Window7d    = "7d"
)

// Metric names listed in Report.Degraded.
const (
	MetricItemCount      = "itemCount"
	MetricProblemCount   = "problemCount"
	MetricSuccessRatio   = "successRatio"
	MetricMeanConfidence = "meanConfidence"
	MetricPendingReviews = "pendingReviews"
	MetricTopErrors      = "topErrors"
	MetricSourceHealth   = "sourceHealth"
)

// Health classifies a source.
type Health string

// Health values.
const (
	HealthNormal  Health = "NORMAL"
	HealthWarning Health = "WARNING"
	HealthBlocked Health = "BLOCKED"
)

// Store is the read side the aggregator queries.
type Store interface {
	CountItems(ctx context.Context, w harvest.Window) (int, error)
	SumProblemCounts(ctx context.Context, w harvest.Window) (int, error)
	CountItemsByStatus(ctx context.Context, w harvest.Window) (map[harvest.ItemStatus]int, error)
	MeanConfidence(ctx context.Context, w harvest.Window) (float64, error)
	CountPending(ctx context.Context) (int, error)
	RecentErrors(ctx context.Context, limit int) ([]harvest.LogEntry, error)
	ListSources(ctx context.Context) ([]harvest.Source, error)
}

// Config tunes the aggregator.
type Config struct {
	TopErrors        int
	ErrorSample      int
	WarningThreshold int
	Location         *time.Location
}

// ErrorCount is one ranked error category.
type ErrorCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// SourceHealth is the health of one source.
type SourceHealth struct {
	SourceID   string `json:"sourceId"`
	Name       string `json:"name"`
	Status     Health `json:"status"`
	ErrorCount int    `json:"errorCount"`
}

// Report is the dashboard payload.
type Report struct {
	Window         string         `json:"window"`
	From           time.Time      `json:"from"`
	GeneratedAt    time.Time      `json:"generatedAt"`
	ItemCount      int            `json:"itemCount"`
	ProblemCount   int            `json:"problemCount"`
	SuccessRatio   float64        `json:"successRatio"`
	MeanConfidence float64        `json:"meanConfidence"`
	PendingReviews int            `json:"pendingReviews"`
	TopErrors      []ErrorCount   `json:"topErrors"`
	SourceHealth   []SourceHealth `json:"sourceHealth"`
	Degraded       []string       `json:"degraded"`
}

// Aggregator builds reports.
type Aggregator struct {
	cfg    Config
	store  Store
	clock  harvest.Clock
	logger *zap.Logger
}

// New wires an Aggregator.
func New(cfg Config, store Store, clock harvest.Clock, logger *zap.Logger) *Aggregator {
	if cfg.TopErrors <= 0 {
		cfg.TopErrors = 5
	}
	if cfg.ErrorSample <= 0 {
		cfg.ErrorSample = 100
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = 5
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{cfg: cfg, store: store, clock: clock, logger: logger}
}

// ResolveWindow maps a window name onto a creation-time range ending now.
func ResolveWindow(name string, now time.Time, loc *time.Location) (harvest.Window, error) {
	switch name {
	case "", WindowToday:
		local := now.In(loc)
		return harvest.Window{From: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)}, nil
	case Window24h:
		return harvest.Window{From: now.Add(-24 * time.Hour)}, nil
	case Window7d:
		return harvest.Window{From: now.Add(-7 * 24 * time.Hour)}, nil
	default:
		return harvest.Window{}, fmt.Errorf("%w: unknown window %q", harvest.ErrValidation, name)
	}
}

// Report computes every metric for the named window. It only fails on an
// unknown window.
func (a *Aggregator) Report(ctx context.Context, window string) (Report, error) {
	now := a.clock.Now()
	w, err := ResolveWindow(window, now, a.cfg.Location)
	if err != nil {
		return Report{}, err
	}
	if window == "" {
		window = WindowToday
	}
	rep := Report{
		Window:       window,
		From:         w.From,
		GeneratedAt:  now,
		TopErrors:    []ErrorCount{},
		SourceHealth: []SourceHealth{},
		Degraded:     []string{},
	}

	var mu sync.Mutex
	degrade := func(metric string, err error) {
		a.logger.Warn("dashboard metric degraded", zap.String("metric", metric), zap.Error(err))
		mu.Lock()
		rep.Degraded = append(rep.Degraded, metric)
		mu.Unlock()
	}

	var (
		errorsSample []harvest.LogEntry
		errorsOK     bool
		sources      []harvest.Source
		sourcesOK    bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := a.store.CountItems(gctx, w)
		if err != nil {
			degrade(MetricItemCount, err)
			return nil
		}
		rep.ItemCount = n
		return nil
	})
	g.Go(func() error {
		n, err := a.store.SumProblemCounts(gctx, w)
		if err != nil {
			degrade(MetricProblemCount, err)
			return nil
		}
		rep.ProblemCount = n
		return nil
	})
	g.Go(func() error {
		byStatus, err := a.store.CountItemsByStatus(gctx, w)
		if err != nil {
			degrade(MetricSuccessRatio, err)
			return nil
		}
		rep.SuccessRatio = SuccessRatio(byStatus)
		return nil
	})
	g.Go(func() error {
		mean, err := a.store.MeanConfidence(gctx, w)
		if err != nil {
			degrade(MetricMeanConfidence, err)
			return nil
		}
		rep.MeanConfidence = mean
		return nil
	})
	g.Go(func() error {
		n, err := a.store.CountPending(gctx)
		if err != nil {
			degrade(MetricPendingReviews, err)
			return nil
		}
		rep.PendingReviews = n
		return nil
	})
	g.Go(func() error {
		rows, err := a.store.RecentErrors(gctx, a.cfg.ErrorSample)
		if err != nil {
			degrade(MetricTopErrors, err)
			return nil
		}
		errorsSample, errorsOK = rows, true
		return nil
	})
	g.Go(func() error {
		rows, err := a.store.ListSources(gctx)
		if err != nil {
			degrade(MetricSourceHealth, err)
			return nil
		}
		sources, sourcesOK = rows, true
		return nil
	})
	_ = g.Wait()

	if errorsOK {
		rep.TopErrors = TopErrors(errorsSample, a.cfg.TopErrors)
	}
	if sourcesOK {
		rep.SourceHealth = ClassifySources(sources, errorsSample, a.cfg.WarningThreshold)
	}
	sort.Strings(rep.Degraded)
	return rep, nil
}

// SuccessRatio is success/(success+failed) over terminal item outcomes. PARSED
// and IMPORTED count as success. It is zero when no item is terminal.
func SuccessRatio(byStatus map[harvest.ItemStatus]int) float64 {
	success := byStatus[harvest.ItemParsed] + byStatus[harvest.ItemImported]
	failed := byStatus[harvest.ItemFailed]
	if success+failed == 0 {
		return 0
	}
	return float64(success) / float64(success+failed)
}

// TopErrors groups entries by action and returns the n most frequent, count
// descending then action ascending.
func TopErrors(entries []harvest.LogEntry, n int) []ErrorCount {
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Action]++
	}
	out := make([]ErrorCount, 0, len(counts))
	for action, c := range counts {
		out = append(out, ErrorCount{Action: action, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Action < out[j].Action
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// ClassifySources rates every source against the error sample.
func ClassifySources(sources []harvest.Source, entries []harvest.LogEntry, warnAbove int) []SourceHealth {
	perSource := make(map[string]int)
	for _, e := range entries {
		if e.SourceID != "" {
			perSource[e.SourceID]++
		}
	}
	out := make([]SourceHealth, 0, len(sources))
	for _, src := range sources {
		h := SourceHealth{SourceID: src.ID, Name: src.Name, Status: HealthNormal, ErrorCount: perSource[src.ID]}
		switch {
		case !src.Active:
			h.Status = HealthBlocked
		case h.ErrorCount > warnAbove:
			h.Status = HealthWarning
		}
		out = append(out, h)
	}
	return out
}
