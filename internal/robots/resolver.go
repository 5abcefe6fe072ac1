package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/metrics"
)

const maxRobotsBody = 512 << 10

// Config tunes the resolver.
type Config struct {
	UserAgent  string
	Timeout    time.Duration
	TTL        time.Duration
	FailureTTL time.Duration
}

// Resolver resolves robots policies with a host-keyed cache. Concurrent misses
// for one host share a single fetch.
type Resolver struct {
	cfg    Config
	client *http.Client
	cache  Cache
	clock  harvest.Clock
	logger *zap.Logger
	flight singleflight.Group
}

// NewResolver wires a Resolver. A nil client gets a default one; the fetch
// timeout is always applied through the request context.
func NewResolver(cfg Config, client *http.Client, cache Cache, clock harvest.Clock, logger *zap.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.FailureTTL <= 0 {
		cfg.FailureTTL = 5 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "problem-harvester"
	}
	if client == nil {
		client = &http.Client{}
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, client: client, cache: cache, clock: clock, logger: logger}
}

// Resolve returns the policy for the host of rawURL. It never fails: any
// problem yields an allow-all policy.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) Policy {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		r.logger.Warn("robots resolve on invalid url; allowing", zap.String("url", rawURL))
		return Policy{fallback: true}
	}
	host := strings.ToLower(u.Host)
	now := r.clock.Now()

	rec, ok, err := r.cache.Get(ctx, host, now)
	if err != nil {
		r.logger.Warn("robots cache read failed", zap.String("host", host), zap.Error(err))
	}
	if ok {
		metrics.ObserveRobotsLookup("cache_hit")
		return r.policyFor(rec)
	}

	ch := r.flight.DoChan(host, func() (any, error) {
		if cached, hit, _ := r.cache.Get(context.WithoutCancel(ctx), host, r.clock.Now()); hit {
			return cached, nil
		}
		fetched := r.fetch(context.WithoutCancel(ctx), u.Scheme, host)
		if err := r.cache.Set(context.WithoutCancel(ctx), fetched, r.clock.Now()); err != nil {
			r.logger.Warn("robots cache write failed", zap.String("host", host), zap.Error(err))
		}
		return fetched, nil
	})
	select {
	case <-ctx.Done():
		r.logger.Warn("robots resolve abandoned by caller; allowing", zap.String("host", host), zap.Error(ctx.Err()))
		return Policy{host: host, fallback: true}
	case res := <-ch:
		fetched, _ := res.Val.(Record)
		return r.policyFor(fetched)
	}
}

func (r *Resolver) policyFor(rec Record) Policy {
	pol, err := buildPolicy(rec, r.cfg.UserAgent)
	if err != nil {
		r.logger.Warn("robots declaration unparsable; allowing", zap.String("host", rec.Host), zap.Error(err))
		return Policy{host: rec.Host, fallback: true, expiresAt: rec.ExpiresAt}
	}
	return pol
}

func (r *Resolver) fetch(ctx context.Context, scheme, host string) Record {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := (&url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}).String()
	now := r.clock.Now()

	fail := func(reason string, err error) Record {
		r.logger.Warn("robots fetch failed; allowing all",
			zap.String("host", host),
			zap.String("reason", reason),
			zap.Error(err),
		)
		metrics.ObserveRobotsLookup("fallback")
		return Record{Host: host, Failed: true, FetchedAt: now, ExpiresAt: now.Add(r.cfg.FailureTTL)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return fail("build request", err)
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return fail(string(harvest.ClassifyFetchError(robotsURL, err).Category), err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			r.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fail("server error", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		metrics.ObserveRobotsLookup("missing")
		return Record{Host: host, StatusCode: resp.StatusCode, FetchedAt: now, ExpiresAt: now.Add(r.cfg.TTL)}
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		return fail("unexpected status", fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return fail("read body", err)
	}
	rec := Record{
		Host:       host,
		StatusCode: resp.StatusCode,
		Body:       body,
		Exists:     true,
		FetchedAt:  now,
		ExpiresAt:  now.Add(r.cfg.TTL),
	}
	if _, err := buildPolicy(rec, r.cfg.UserAgent); err != nil {
		return fail("malformed declaration", err)
	}
	metrics.ObserveRobotsLookup("fetched")
	return rec
}
