package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/api"
	"github.com/JakeFAU/problem-harvester/internal/clock/system"
	"github.com/JakeFAU/problem-harvester/internal/config"
	"github.com/JakeFAU/problem-harvester/internal/eventlog"
	"github.com/JakeFAU/problem-harvester/internal/executor"
	collyfetcher "github.com/JakeFAU/problem-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/hash/sha256"
	"github.com/JakeFAU/problem-harvester/internal/id/uuid"
	"github.com/JakeFAU/problem-harvester/internal/importer"
	"github.com/JakeFAU/problem-harvester/internal/metrics"
	"github.com/JakeFAU/problem-harvester/internal/observability"
	"github.com/JakeFAU/problem-harvester/internal/parser"
	"github.com/JakeFAU/problem-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/problem-harvester/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/problem-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/problem-harvester/internal/registry"
	"github.com/JakeFAU/problem-harvester/internal/review"
	"github.com/JakeFAU/problem-harvester/internal/review/ai"
	"github.com/JakeFAU/problem-harvester/internal/review/auto"
	"github.com/JakeFAU/problem-harvester/internal/robots"
	"github.com/JakeFAU/problem-harvester/internal/scheduler"
	gcsstore "github.com/JakeFAU/problem-harvester/internal/storage/gcs"
	localstore "github.com/JakeFAU/problem-harvester/internal/storage/local"
	memorystore "github.com/JakeFAU/problem-harvester/internal/storage/memory"
	"github.com/JakeFAU/problem-harvester/internal/storage/postgres"
)

// errNoExtractor fails parses when no extraction service is configured.
var errNoExtractor = errors.New("no extraction service configured")

type unconfiguredExtractor struct{}

func (unconfiguredExtractor) Extract(context.Context, harvest.Item) (harvest.Extraction, error) {
	return harvest.Extraction{}, errNoExtractor
}

// app holds the wired services for one process.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	store      harvest.Store
	registry   *registry.Service
	scheduler  *scheduler.Scheduler
	executor   *executor.Executor
	events     *eventlog.Recorder
	parser     *parser.Parser
	importer   *importer.Importer
	reviews    *review.Service
	dashboard  *observability.Aggregator
	performers []review.Performer

	ready   func(ctx context.Context) error
	closers []func()
}

// newApp wires every component from cfg. The log sink counter is registered
// on reg so one-shot commands can pass a throwaway registry.
func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	metrics.Init()
	a := &app{cfg: cfg, logger: logger}
	wired := false
	defer func() {
		if !wired {
			a.Close()
		}
	}()

	clock := system.New()
	ids := uuid.New()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.openBlobs(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := a.openPublisher(ctx)
	if err != nil {
		return nil, err
	}

	promSink, err := eventlog.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("log metrics: %w", err)
	}
	a.events = eventlog.NewRecorder(a.store, ids, clock, logger.Named("eventlog"),
		eventlog.NewLogSink(logger.Named("events")), promSink)

	resolver := robots.NewResolver(robots.Config{
		UserAgent:  cfg.Crawler.UserAgent,
		Timeout:    time.Duration(cfg.Robots.TimeoutSeconds) * time.Second,
		TTL:        time.Duration(cfg.Robots.TTLMinutes) * time.Minute,
		FailureTTL: time.Duration(cfg.Robots.FailureTTLMinutes) * time.Minute,
	}, &http.Client{}, a.robotsCache(), clock, logger.Named("robots"))

	a.executor = executor.New(executor.Config{
		MaxPages:         cfg.Crawler.MaxPages,
		DefaultFileTypes: cfg.Crawler.FileTypes,
	}, executor.Deps{
		Store: a.store,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Crawler.UserAgent,
			Timeout:     cfg.FetchTimeout(),
			MaxBodySize: cfg.Crawler.MaxBodySize,
		}),
		Robots: resolver,
		Gate:   ratelimit.New(ratelimit.Config{MaxInFlight: int64(cfg.Crawler.MaxInFlight)}),
		Blobs:  blobs,
		Events: a.events,
		IDs:    ids,
		Clock:  clock,
		Hasher: sha256.New(),
		Retry: executor.NewExponentialRetryPolicy(
			cfg.HTTP.MaxRetries,
			time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
			time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
		),
		Logger: logger.Named("executor"),
	})

	a.registry = registry.NewService(a.store, ids, clock, logger.Named("registry"))
	a.scheduler = scheduler.New(scheduler.Config{
		Concurrency: cfg.Scheduler.Concurrency,
		Location:    cfg.Location(),
	}, a.store, a.executor, a.events, ids, clock, logger.Named("scheduler"))

	extractor, err := a.extractor()
	if err != nil {
		return nil, err
	}
	threshold := cfg.Parser.ConfidenceThreshold
	a.parser = parser.New(parser.Config{ConfidenceThreshold: &threshold},
		a.store, extractor, a.events, clock, logger.Named("parser"))
	a.importer = importer.New(importer.Config{
		SampleSize: cfg.Importer.SampleSize,
		IDAttempts: cfg.Importer.IDAttempts,
	}, a.store, pub, a.events, ids, clock, logger.Named("importer"))
	a.reviews = review.NewService(a.store, ids, clock,
		review.Policy{RequireManual: cfg.Review.RequireManual}, logger.Named("review"))
	a.dashboard = observability.New(observability.Config{
		TopErrors:        cfg.Dashboard.TopErrors,
		ErrorSample:      cfg.Dashboard.ErrorSample,
		WarningThreshold: cfg.Dashboard.WarningThreshold,
		Location:         cfg.Location(),
	}, a.store, clock, logger.Named("observability"))

	a.performers = append(a.performers, auto.New(auto.Config{
		MinContentRunes: cfg.Review.MinContentRunes,
		MaxContentRunes: cfg.Review.MaxContentRunes,
	}))
	if cfg.OpenAI.APIKey != "" {
		reviewer, err := ai.New(ai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			Model:       cfg.OpenAI.Model,
			BaseURL:     cfg.OpenAI.BaseURL,
			Timeout:     time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
			Temperature: cfg.OpenAI.Temperature,
			PassScore:   cfg.OpenAI.PassScore,
		})
		if err != nil {
			return nil, fmt.Errorf("ai reviewer: %w", err)
		}
		a.performers = append(a.performers, reviewer)
	} else {
		logger.Info("openai api key not set; AI review sweep disabled")
	}
	wired = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Storage.Backend != config.BackendPostgres {
		a.store = memorystore.NewStore()
		return nil
	}
	pg, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        int32(a.cfg.DB.MaxConns),
		MinConns:        int32(a.cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	if a.cfg.DB.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	a.store = pg
	a.ready = pg.Ping
	return nil
}

func (a *app) openBlobs(ctx context.Context) (harvest.BlobStore, error) {
	switch a.cfg.Blob.Backend {
	case config.BackendLocal:
		blobs, err := localstore.New(localstore.Config{Dir: a.cfg.Blob.LocalDir, Prefix: a.cfg.Blob.Prefix})
		if err != nil {
			return nil, fmt.Errorf("local blob store: %w", err)
		}
		return blobs, nil
	case config.BackendGCS:
	default:
		return memorystore.NewBlobStore(), nil
	}
	client, err := gstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	})
	blobs, err := gcsstore.New(client, gcsstore.Config{Bucket: a.cfg.Blob.GCSBucket, Prefix: a.cfg.Blob.Prefix})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store: %w", err)
	}
	return blobs, nil
}

func (a *app) openPublisher(ctx context.Context) (harvest.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		return memorypublisher.New(), nil
	}
	client, err := gpubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	})
	pub, err := pubsubpublisher.New(client, map[string]string{importer.DefaultTopic: a.cfg.PubSub.TopicName})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, pub.Stop)
	return pub, nil
}

func (a *app) robotsCache() robots.Cache {
	if a.cfg.Redis.Addr == "" {
		return robots.NewMemoryCache()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	})
	return robots.NewRedisCache(client, a.cfg.Redis.Prefix)
}

func (a *app) extractor() (harvest.Extractor, error) {
	if a.cfg.Parser.ExtractorEndpoint == "" {
		a.logger.Info("extractor endpoint not set; parse requests will fail")
		return unconfiguredExtractor{}, nil
	}
	remote, err := parser.NewRemoteExtractor(parser.RemoteConfig{
		Endpoint: a.cfg.Parser.ExtractorEndpoint,
		APIKey:   a.cfg.Parser.ExtractorAPIKey,
		Timeout:  time.Duration(a.cfg.Parser.ExtractorTimeoutSeconds) * time.Second,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("remote extractor: %w", err)
	}
	return remote, nil
}

// server builds the HTTP API over the wired services.
func (a *app) server() *api.Server {
	return api.NewServer(api.Services{
		Sources:    a.registry,
		Batches:    a.scheduler,
		Crawler:    a.executor,
		Items:      a.store,
		Parser:     a.parser,
		Importer:   a.importer,
		Logs:       a.events,
		Reviews:    a.reviews,
		Dashboard:  a.dashboard,
		Performers: a.performers,
	}, api.Options{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
		SweepLimit:     a.cfg.Review.SweepLimit,
		RetentionDays:  a.cfg.Logs.RetentionDays,
		Ready:          a.ready,
	}, a.logger)
}

// Close releases clients in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
