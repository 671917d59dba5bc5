// Package api exposes the HTTP interface for imagecrawl.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagecrawl/internal/archive"
	"github.com/JakeFAU/imagecrawl/internal/extract"
	"github.com/JakeFAU/imagecrawl/internal/orchestrator"
	"github.com/JakeFAU/imagecrawl/internal/session"
)

// maxExtractBody bounds POST /v1/extract payloads.
const maxExtractBody = 32 << 20

// Runner drives download runs. orchestrator.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context) (orchestrator.Summary, error)
	Pause()
	Resume()
	PauseRequested() bool
}

// Server wires HTTP handlers to the session manager and run engine.
type Server struct {
	router    chi.Router
	manager   *session.Manager
	runner    Runner
	extractor *extract.Extractor
	logger    *zap.Logger

	baseCtx   context.Context
	launching atomic.Bool
	runs      sync.WaitGroup

	mu          sync.RWMutex
	lastSummary *runSummary
}

// NewServer constructs a Server with middleware and routes. Background runs
// inherit baseCtx, so canceling it pauses an active run.
func NewServer(
	baseCtx context.Context,
	manager *session.Manager,
	runner Runner,
	extractor *extract.Extractor,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if extractor == nil {
		extractor = extract.New("")
	}
	s := &Server{
		manager:   manager,
		runner:    runner,
		extractor: extractor,
		logger:    logger.Named("api"),
		baseCtx:   baseCtx,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.getSession)
		r.Post("/extract", s.extract)
		r.Put("/metadata", s.putMetadata)
		r.Put("/settings", s.putSettings)
		r.Post("/run", s.startRun)
		r.Post("/pause", s.pauseRun)
		r.Post("/retry-failed", s.retryFailed)
		r.Post("/reset", s.reset)
		r.Get("/archive", s.getArchive)
		r.Get("/items/{id}", s.getItem)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until background runs started by this server have returned.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for active run: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runSummary struct {
	Status     session.Status `json:"status"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Remaining  int            `json:"remaining"`
	Processed  int            `json:"processed"`
	Total      int            `json:"total"`
	DurationMS int64          `json:"duration_ms"`
	Error      string         `json:"error,omitempty"`
}

type sessionView struct {
	ID             string           `json:"id"`
	Status         session.Status   `json:"status"`
	Step           session.Step     `json:"step"`
	Started        bool             `json:"started"`
	Running        bool             `json:"running"`
	PauseRequested bool             `json:"pause_requested"`
	Counts         session.Counts   `json:"counts"`
	Metadata       session.Metadata `json:"metadata"`
	DelayMS        int64            `json:"delay_ms"`
	HasCredential  bool             `json:"has_credential"`
	HasCookie      bool             `json:"has_cookie"`
	Failed         []string         `json:"failed"`
	StagingDir     string           `json:"staging_dir,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
	LastRun        *runSummary      `json:"last_run,omitempty"`
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	snap := s.manager.Snapshot()
	if snap == nil {
		writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	s.mu.RLock()
	last := s.lastSummary
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, sessionView{
		ID:             snap.ID.String(),
		Status:         snap.Status,
		Step:           snap.Step,
		Started:        snap.Started,
		Running:        s.manager.Running(),
		PauseRequested: s.runner.PauseRequested(),
		Counts:         snap.Counts(),
		Metadata:       snap.Progress.Metadata,
		DelayMS:        snap.Delay.Milliseconds(),
		HasCredential:  snap.Credential != "",
		HasCookie:      snap.Cookie != "",
		Failed:         snap.Progress.Failed,
		StagingDir:     snap.StagingDir,
		UpdatedAt:      snap.UpdatedAt,
		LastRun:        last,
	})
}

func (s *Server) extract(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxExtractBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxExtractBody {
		writeError(w, http.StatusRequestEntityTooLarge, "input too large")
		return
	}
	res, err := s.extractor.Extract(string(body))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.manager.Extract(r.Context(), res.IDs); err != nil {
		s.writeDomainError(w, err)
		return
	}
	counts := s.manager.Snapshot().Counts()
	writeJSON(w, http.StatusOK, map[string]int{
		"count":      res.Count(),
		"unique":     counts.Unique,
		"candidates": res.Candidates,
	})
}

type metadataRequest struct {
	Collection string `json:"collection"`
	Period     string `json:"period"`
	Code       string `json:"code"`
}

func (s *Server) putMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	meta := session.Metadata{Collection: req.Collection, Period: req.Period, Code: req.Code}
	if err := s.manager.Configure(r.Context(), meta); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot().Progress.Metadata)
}

type settingsRequest struct {
	Credential *string `json:"credential"`
	Cookie     *string `json:"cookie"`
	DelayMS    *int64  `json:"delay_ms"`
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	upd := session.Settings{Credential: req.Credential, Cookie: req.Cookie}
	if req.DelayMS != nil {
		d := time.Duration(*req.DelayMS) * time.Millisecond
		upd.Delay = &d
	}
	if err := s.manager.UpdateSettings(r.Context(), upd); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startRun(w http.ResponseWriter, _ *http.Request) {
	snap := s.manager.Snapshot()
	switch {
	case snap == nil || len(snap.IDs) == 0:
		s.writeDomainError(w, session.ErrNoSession)
		return
	case !snap.Configured():
		s.writeDomainError(w, session.ErrNotConfigured)
		return
	}
	if s.manager.Running() || !s.launching.CompareAndSwap(false, true) {
		s.writeDomainError(w, session.ErrRunActive)
		return
	}

	s.runner.Resume()
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.launching.Store(false)
		summary, err := s.runner.Run(s.baseCtx)
		if err != nil {
			s.logger.Warn("Background run did not start", zap.Error(err))
			return
		}
		s.recordSummary(summary)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": snap.ID.String(), "status": "starting"})
}

func (s *Server) recordSummary(summary orchestrator.Summary) {
	view := &runSummary{
		Status:     summary.Status,
		Succeeded:  summary.Succeeded,
		Failed:     summary.Failed,
		Remaining:  summary.Remaining,
		Processed:  summary.Processed,
		Total:      summary.Total,
		DurationMS: summary.Duration.Milliseconds(),
	}
	if summary.Err != nil {
		view.Error = summary.Err.Error()
	}
	s.mu.Lock()
	s.lastSummary = view
	s.mu.Unlock()
}

func (s *Server) pauseRun(w http.ResponseWriter, _ *http.Request) {
	if !s.manager.Running() && !s.launching.Load() {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	s.runner.Pause()
	writeJSON(w, http.StatusAccepted, map[string]bool{"pause_requested": true})
}

func (s *Server) retryFailed(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.manager.RetryFailed(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": cleared, "count": len(cleared)})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Reset(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.mu.Lock()
	s.lastSummary = nil
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	if snap == nil {
		s.writeDomainError(w, session.ErrNoSession)
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	data, report, err := archive.Build(snap.Progress, archive.Options{CompletedOnly: !all})
	if err != nil {
		s.logger.Error("archive build failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "archive build failed")
		return
	}
	for _, skipped := range report.Skipped {
		s.logger.Warn("archive entry skipped", zap.String("identifier", skipped.ID), zap.String("reason", skipped.Reason))
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(snap.Progress.Metadata.ArchiveName()))
	w.Header().Set("X-Archive-Entries", strconv.Itoa(len(report.Entries)))
	w.Header().Set("X-Archive-Skipped", strconv.Itoa(len(report.Skipped)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("archive write failed", zap.Error(err))
	}
}

func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Snapshot()
	if snap == nil {
		s.writeDomainError(w, session.ErrNoSession)
		return
	}
	item, err := archive.Item(snap.Progress, chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", attachment(item.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(item.Data); err != nil {
		s.logger.Warn("item write failed", zap.Error(err))
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var perr *session.PersistenceError
	switch {
	case errors.Is(err, extract.ErrNoIdentifiers):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, session.ErrMetadataIncomplete), errors.Is(err, session.ErrInvalidLabel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNoSession), errors.Is(err, archive.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrRunActive),
		errors.Is(err, session.ErrNotConfigured),
		errors.Is(err, session.ErrProgressRecorded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &perr):
		s.logger.Error("session persistence failed", zap.String("op", perr.Op), zap.Error(perr.Err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", name)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
