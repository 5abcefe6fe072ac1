package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/problem-harvester/internal/executor"
	"github.com/JakeFAU/problem-harvester/internal/harvest"
	"github.com/JakeFAU/problem-harvester/internal/importer"
	"github.com/JakeFAU/problem-harvester/internal/registry"
	"github.com/JakeFAU/problem-harvester/internal/scheduler"
)

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	var in registry.SourceInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	src, err := s.svc.Sources.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.svc.Sources.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": sources, "total": len(sources)})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.svc.Sources.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	var in registry.SourceInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	src, err := s.svc.Sources.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Sources.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var in scheduler.CreateInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.svc.Batches.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := harvest.BatchStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown status %q", harvest.ErrValidation, status))
		return
	}
	batches, total, err := s.svc.Batches.List(r.Context(), status, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(batches, total, page))
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) mutateBatch(w http.ResponseWriter, r *http.Request) {
	var m harvest.BatchMutation
	if err := decodeJSON(w, r, &m); err != nil {
		s.fail(w, r, err)
		return
	}
	b, err := s.svc.Batches.Mutate(r.Context(), chi.URLParam(r, "id"), m)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Batches.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tickResponse struct {
	Claimed bool           `json:"claimed"`
	Batch   *harvest.Batch `json:"batch,omitempty"`
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	b, ok, err := s.svc.Batches.Tick(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := tickResponse{Claimed: ok}
	if ok {
		resp.Batch = &b
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) testCrawl(w http.ResponseWriter, r *http.Request) {
	var req executor.TestCrawlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Crawler.TestCrawl(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	status := harvest.ItemStatus(strings.ToUpper(q.Get("status")))
	if status != "" && !status.Valid() {
		s.fail(w, r, fmt.Errorf("%w: unknown status %q", harvest.ErrValidation, status))
		return
	}
	filter := harvest.ItemFilter{
		SourceID: q.Get("sourceId"),
		JobID:    q.Get("jobId"),
		Status:   status,
	}
	items, total, err := s.svc.Items.ListItems(r.Context(), filter, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items, total, page))
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Items.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) parseItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.svc.Parser.Parse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		// A failed extraction is a recorded outcome, not a caller fault.
		if item.Status == harvest.ItemFailed {
			writeJSON(w, http.StatusOK, item)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) importItem(w http.ResponseWriter, r *http.Request) {
	var req importer.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Importer.Import(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type logRequest struct {
	JobID    string           `json:"jobId"`
	SourceID string           `json:"sourceId"`
	Level    harvest.LogLevel `json:"level"`
	Action   string           `json:"action"`
	Message  string           `json:"message"`
	Details  map[string]any   `json:"details"`
}

func (s *Server) createLog(w http.ResponseWriter, r *http.Request) {
	var req logRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	entry, err := s.svc.Logs.Record(r.Context(), harvest.LogEntry{
		JobID:    req.JobID,
		SourceID: req.SourceID,
		Level:    harvest.LogLevel(strings.ToUpper(string(req.Level))),
		Action:   req.Action,
		Message:  req.Message,
		Details:  req.Details,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, total, err := s.svc.Logs.List(r.Context(), r.URL.Query().Get("jobId"), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries, total, page))
}

func (s *Server) purgeLogs(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "olderThanDays", s.opts.RetentionDays)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	deleted, err := s.svc.Logs.Purge(r.Context(), days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "olderThanDays": days})
}

func (s *Server) submitReview(w http.ResponseWriter, r *http.Request) {
	var sub harvest.ReviewSubmission
	if err := decodeJSON(w, r, &sub); err != nil {
		s.fail(w, r, err)
		return
	}
	sub.Stage = harvest.Stage(strings.ToUpper(string(sub.Stage)))
	sub.Outcome = harvest.ReviewOutcome(strings.ToUpper(string(sub.Outcome)))
	p, err := s.svc.Reviews.Submit(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) listPending(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stage := harvest.Stage(strings.ToUpper(r.URL.Query().Get("stage")))
	problems, total, err := s.svc.Reviews.ListPending(r.Context(), stage, page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(problems, total, page))
}

func (s *Server) reviewHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Reviews.History(r.Context(), chi.URLParam(r, "problemId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records, "total": len(records)})
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	stage := harvest.Stage(strings.ToUpper(r.URL.Query().Get("stage")))
	limit, err := queryInt(r, "limit", s.opts.SweepLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit < 1 {
		s.fail(w, r, fmt.Errorf("%w: limit must be positive", harvest.ErrValidation))
		return
	}
	for _, p := range s.svc.Performers {
		if p.Stage() != stage {
			continue
		}
		res, err := s.svc.Reviews.Sweep(r.Context(), p, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	s.fail(w, r, fmt.Errorf("%w: no automated reviewer for stage %q", harvest.ErrNotFound, stage))
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Dashboard.Report(r.Context(), r.URL.Query().Get("window"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
