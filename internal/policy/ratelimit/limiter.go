// Package ratelimit enforces per-host politeness and bounds global fetch
// concurrency.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/problem-harvester/internal/metrics"
)

// HostGate serializes requests per host, spaces them by the politeness delay
// and caps the number of in-flight fetches across all hosts. The spacing is
// shared by every job and source that targets the same host.
type HostGate struct {
	mu     sync.Mutex
	hosts  map[string]*hostSlot
	global *semaphore.Weighted
}

type hostSlot struct {
	turn    chan struct{}
	limiter *rate.Limiter
}

// Config holds gate configuration.
type Config struct {
	// MaxInFlight bounds concurrent fetches across all hosts.
	MaxInFlight int64
}

// New creates a HostGate.
func New(cfg Config) *HostGate {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	return &HostGate{
		hosts:  make(map[string]*hostSlot),
		global: semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Acquire blocks until rawURL's host is free, the delay since the previous
// request to that host has elapsed and a global slot is available. The caller
// must invoke release once the fetch completes.
func (g *HostGate) Acquire(ctx context.Context, rawURL string, delay time.Duration) (func(), error) {
	host := hostKey(rawURL)
	slot := g.slot(host)
	start := time.Now()

	select {
	case slot.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait host turn: %w", ctx.Err())
	}
	releaseTurn := func() { <-slot.turn }

	if delay > 0 {
		slot.limiter.SetLimit(rate.Every(delay))
	} else {
		slot.limiter.SetLimit(rate.Inf)
	}
	if err := slot.limiter.Wait(ctx); err != nil {
		releaseTurn()
		return nil, fmt.Errorf("host politeness wait: %w", err)
	}
	if err := g.global.Acquire(ctx, 1); err != nil {
		releaseTurn()
		return nil, fmt.Errorf("acquire fetch slot: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveHostWait(host, waited)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.global.Release(1)
			releaseTurn()
		})
	}, nil
}

func (g *HostGate) slot(host string) *hostSlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.hosts[host]
	if !ok {
		s = &hostSlot{
			turn:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(rate.Inf, 1),
		}
		g.hosts[host] = s
	}
	return s
}

func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Host)
}
