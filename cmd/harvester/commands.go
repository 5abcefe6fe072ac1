package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/config"
	"github.com/JakeFAU/problem-harvester/internal/executor"
	"github.com/JakeFAU/problem-harvester/internal/logging"
	"github.com/JakeFAU/problem-harvester/internal/registry"
)

// setup loads configuration and builds the logger shared by every command.
func setup(cmd *cli.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env-file"))
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// oneShot runs fn against a freshly wired app and tears it down afterwards.
func oneShot(ctx context.Context, cmd *cli.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	a, err := newApp(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	a, err := newApp(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	schedDone := make(chan error, 1)
	go func() {
		logger.Info("scheduler started", zap.Duration("tick_interval", cfg.TickInterval()))
		schedDone <- a.scheduler.Run(runCtx, cfg.TickInterval())
	}()

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
			return
		}
		srvErr <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srvErr:
		if serveErr != nil {
			logger.Error("http server error", zap.Error(serveErr))
		}
	}
	logger.Info("shutdown initiated")
	cancel()

	grace := time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second
	shutdownCtx, stop := context.WithTimeout(context.Background(), grace)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := <-schedDone; err != nil {
		logger.Error("scheduler stopped with error", zap.Error(err))
	}

	drained := make(chan struct{})
	go func() {
		a.scheduler.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("running batches did not finish before the shutdown deadline")
	}
	logger.Info("shutdown complete")
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

type tickOutput struct {
	Claimed bool   `json:"claimed"`
	BatchID string `json:"batchId,omitempty"`
	Name    string `json:"name,omitempty"`
}

func tickAction(ctx context.Context, cmd *cli.Command) error {
	return oneShot(ctx, cmd, func(ctx context.Context, a *app) error {
		b, ok, err := a.scheduler.Tick(ctx)
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if ok {
			a.scheduler.Wait()
		}
		return printJSON(output(cmd), tickOutput{Claimed: ok, BatchID: b.ID, Name: b.Name})
	})
}

func testCrawlAction(ctx context.Context, cmd *cli.Command) error {
	req := executor.TestCrawlRequest{SourceID: cmd.String("source-id"), URL: cmd.String("url")}
	if req.SourceID == "" && req.URL == "" {
		return errors.New("one of --source-id or --url is required")
	}
	return oneShot(ctx, cmd, func(ctx context.Context, a *app) error {
		res, err := a.executor.TestCrawl(ctx, req)
		if err != nil {
			return fmt.Errorf("test crawl: %w", err)
		}
		return printJSON(output(cmd), res)
	})
}

func purgeLogsAction(ctx context.Context, cmd *cli.Command) error {
	return oneShot(ctx, cmd, func(ctx context.Context, a *app) error {
		days := int(cmd.Int("older-than-days"))
		if days == 0 {
			days = a.cfg.Logs.RetentionDays
		}
		deleted, err := a.events.Purge(ctx, days)
		if err != nil {
			return fmt.Errorf("purge logs: %w", err)
		}
		return printJSON(output(cmd), map[string]any{"deleted": deleted, "olderThanDays": days})
	})
}

func sourcesImportAction(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return errors.New("seed file path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	seed, err := registry.ParseSeed(f)
	if err != nil {
		return err
	}
	return oneShot(ctx, cmd, func(ctx context.Context, a *app) error {
		res := a.registry.Import(ctx, seed)
		w := output(cmd)
		for _, src := range res.Created {
			fmt.Fprintf(w, "created %s %s\n", src.ID, src.Name)
		}
		if len(res.Failed) > 0 {
			errs := make([]error, 0, len(res.Failed))
			for _, i := range slices.Sorted(maps.Keys(res.Failed)) {
				errs = append(errs, fmt.Errorf("entry %d: %w", i, res.Failed[i]))
			}
			return fmt.Errorf("%d of %d seed entries rejected: %w", len(res.Failed), len(seed.Sources), errors.Join(errs...))
		}
		return nil
	})
}

func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func syncLogger(logger *zap.Logger) {
	// Sync on stderr returns EINVAL on some platforms; nothing to do about it.
	_ = logger.Sync()
}
