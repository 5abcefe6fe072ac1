// Package api exposes the HTTP interface for the harvester.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/problem-harvester/internal/executor"
	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/importer"
	"github.com/JakeFAU/problem-harvester/internal/metrics"
	"github.com/JakeFAU/problem-harvester/internal/observability"
	"github.com/JakeFAU/problem-harvester/internal/registry"
	"github.com/JakeFAU/problem-harvester/internal/review"
	"github.com/JakeFAU/problem-harvester/internal/scheduler"
)

// SourceService manages the source registry.
type SourceService interface {
	Create(ctx context.Context, in registry.SourceInput) (harvest.Source, error)
	Get(ctx context.Context, id string) (harvest.Source, error)
	List(ctx context.Context) ([]harvest.Source, error)
	Update(ctx context.Context, id string, in registry.SourceInput) (harvest.Source, error)
	Delete(ctx context.Context, id string) error
}

// BatchService manages batches and the scheduler tick.
type BatchService interface {
	Create(ctx context.Context, in scheduler.CreateInput) (harvest.Batch, error)
	Get(ctx context.Context, id string) (harvest.Batch, error)
	List(ctx context.Context, status harvest.BatchStatus, page harvest.Page) ([]harvest.Batch, int, error)
	Mutate(ctx context.Context, id string, m harvest.BatchMutation) (harvest.Batch, error)
	Delete(ctx context.Context, id string) error
	Tick(ctx context.Context) (harvest.Batch, bool, error)
}

// TestCrawler runs synchronous single-page checks.
type TestCrawler interface {
	TestCrawl(ctx context.Context, req executor.TestCrawlRequest) (executor.TestCrawlResult, error)
}

// ItemReader lists captured items.
type ItemReader interface {
	GetItem(ctx context.Context, id string) (harvest.Item, error)
	ListItems(ctx context.Context, filter harvest.ItemFilter, page harvest.Page) ([]harvest.Item, int, error)
}

// ItemParser runs extraction for one item.
type ItemParser interface {
	Parse(ctx context.Context, itemID string) (harvest.Item, error)
}

// ItemImporter turns a parsed item into corpus problems.
type ItemImporter interface {
	Import(ctx context.Context, req importer.Request) (importer.Result, error)
}

// LogService is the structured log surface.
type LogService interface {
	Record(ctx context.Context, entry harvest.LogEntry) (harvest.LogEntry, error)
	List(ctx context.Context, jobID string, page harvest.Page) ([]harvest.LogEntry, int, error)
	Purge(ctx context.Context, olderThanDays int) (int64, error)
}

// ReviewService applies review submissions.
type ReviewService interface {
	Submit(ctx context.Context, sub harvest.ReviewSubmission) (harvest.Problem, error)
	ListPending(ctx context.Context, stage harvest.Stage, page harvest.Page) ([]harvest.Problem, int, error)
	History(ctx context.Context, problemID string) ([]harvest.ReviewRecord, error)
	Sweep(ctx context.Context, performer review.Performer, limit int) (review.SweepResult, error)
}

// Dashboard builds observability reports.
type Dashboard interface {
	Report(ctx context.Context, window string) (observability.Report, error)
}

// Services bundles the handlers' collaborators.
type Services struct {
	Sources   SourceService
	Batches   BatchService
	Crawler   TestCrawler
	Items     ItemReader
	Parser    ItemParser
	Importer  ItemImporter
	Logs      LogService
	Reviews   ReviewService
	Dashboard Dashboard
	// Performers are the automated reviewers reachable through the sweep route.
	Performers []review.Performer
}

// Options tunes the server.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	SweepLimit     int
	RetentionDays  int
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the harvester services.
type Server struct {
	router chi.Router
	svc    Services
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Services, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = 50
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	s := &Server{svc: svc, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(metrics.Middleware)
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}

		r.Route("/sources", func(r chi.Router) {
			r.Post("/", s.createSource)
			r.Get("/", s.listSources)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSource)
				r.Put("/", s.updateSource)
				r.Delete("/", s.deleteSource)
			})
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.createBatch)
			r.Get("/", s.listBatches)
			r.Post("/tick", s.tick)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Patch("/", s.mutateBatch)
				r.Delete("/", s.deleteBatch)
			})
		})
		r.Post("/test-crawl", s.testCrawl)
		r.Route("/items", func(r chi.Router) {
			r.Get("/", s.listItems)
			r.Post("/import", s.importItem)
			r.Get("/{id}", s.getItem)
			r.Post("/{id}/parse", s.parseItem)
		})
		r.Route("/logs", func(r chi.Router) {
			r.Post("/", s.createLog)
			r.Get("/", s.listLogs)
			r.Delete("/", s.purgeLogs)
		})
		r.Route("/reviews", func(r chi.Router) {
			r.Post("/", s.submitReview)
			r.Get("/pending", s.listPending)
			r.Post("/sweep", s.sweep)
			r.Get("/{problemId}", s.reviewHistory)
		})
		r.Get("/dashboard", s.dashboard)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", requestID(r.Context())),
					zap.Any("panic", rec),
				)
				writeErrorBody(w, http.StatusInternalServerError, codeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":{"code":"TIMEOUT","message":"request timed out"}}`)
	}
}

// apiKeyMiddleware guards mutating requests. Reads stay open so dashboards
// can poll without a key.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			switch {
			case key == "":
				writeError(w, harvest.ErrUnauthorized)
				return
			case key != expected:
				writeError(w, harvest.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
