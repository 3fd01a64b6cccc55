// Package server exposes the ingestion engine over HTTP: a trigger endpoint
// for sources, a cron-driven queue drain, and status lookups.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fundscope/ingest-cli/internal/config"
	"github.com/fundscope/ingest-cli/internal/model"
	"github.com/fundscope/ingest-cli/internal/queue"
	"github.com/fundscope/ingest-cli/internal/store"
)

// Ingestor starts ingestion for one source and returns the master run.
type Ingestor interface {
	Ingest(ctx context.Context, sourceID string, records []model.Record) (*model.Run, error)
}

// Server wires the HTTP handlers to the queue and store.
type Server struct {
	cfg         config.ServerConfig
	store       store.Store
	coordinator *queue.Coordinator
	worker      *queue.Worker
	ingestor    Ingestor
}

// New creates a Server.
func New(cfg config.ServerConfig, st store.Store, coordinator *queue.Coordinator, worker *queue.Worker, ingestor Ingestor) *Server {
	return &Server{
		cfg:         cfg,
		store:       st,
		coordinator: coordinator,
		worker:      worker,
		ingestor:    ingestor,
	}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)
		r.Post("/process", s.handleProcess)
		// Cron providers differ on verb; accept both.
		r.Get("/cron/process-jobs", s.handleProcessJobs)
		r.Post("/cron/process-jobs", s.handleProcessJobs)
		r.Get("/runs/{runID}", s.handleGetRun)
		r.Get("/queue/status", s.handleQueueStatus)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server: shutdown error", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.Int("port", s.cfg.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// bearerAuth rejects requests without the configured bearer token.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CronSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "server secret not configured")
			return
		}
		want := "Bearer " + s.cfg.CronSecret
		got := r.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type processRequest struct {
	SourceID string         `json:"source_id"`
	Records  []model.Record `json:"records,omitempty"`
}

// handleProcess runs a full ingestion synchronously: fetch (or take inline
// records), enqueue, drain the queue in-process, and report the aggregated
// result. Pipeline failures come back as 200 with a structured error body so
// callers can read the failing stage.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceID == "" {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}

	run, err := s.ingestor.Ingest(r.Context(), req.SourceID, req.Records)
	if err != nil {
		zap.L().Error("server: ingest failed",
			zap.String("source_id", req.SourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	for {
		summary, err := s.worker.Tick(r.Context(), 0)
		if err != nil {
			zap.L().Error("server: process drain failed",
				zap.String("run_id", run.ID), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "error",
				"run_id": run.ID,
				"error":  err.Error(),
			})
			return
		}
		if summary.Processed == 0 && summary.Failed == 0 && summary.Retried == 0 && len(summary.Aggregated) == 0 {
			break
		}

		final, err := s.store.GetRun(r.Context(), run.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		switch final.Status {
		case model.RunStatusCompleted:
			writeJSON(w, http.StatusOK, map[string]any{
				"status":  "completed",
				"run_id":  final.ID,
				"metrics": final.Result,
			})
			return
		case model.RunStatusFailed:
			writeJSON(w, http.StatusOK, map[string]any{
				"status":       "error",
				"run_id":       final.ID,
				"error":        final.Error,
				"failed_stage": final.FailedStage,
			})
			return
		}
	}

	// Drain made no progress without the run finishing; report where it stands.
	final, err := s.store.GetRun(r.Context(), run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(final.Status),
		"run_id": final.ID,
	})
}

type processJobsRequest struct {
	Action string `json:"action"`
}

// handleProcessJobs performs one worker tick: recover stuck jobs, requeue
// retryable failures, process pending jobs. A POST body of
// {"action":"status"} reports the queue without touching it. Tick failures
// still return 200; cron schedulers retry on response content, not on
// transport status.
func (s *Server) handleProcessJobs(w http.ResponseWriter, r *http.Request) {
	var req processJobsRequest
	if r.Body != nil {
		// An empty or absent body means "run a tick".
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Action == "status" {
		status, err := s.coordinator.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"processed":    false,
			"queue_status": status,
		})
		return
	}

	maxJobs := 1
	if v := r.URL.Query().Get("max_jobs"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max_jobs must be a non-negative integer")
			return
		}
		maxJobs = n
	}

	summary, tickErr := s.worker.Tick(r.Context(), maxJobs)

	resp := map[string]any{}
	if status, err := s.coordinator.Status(r.Context()); err == nil {
		resp["queue_status"] = status
	}
	if tickErr != nil {
		zap.L().Error("server: worker tick failed", zap.Error(tickErr))
		resp["processed"] = false
		resp["success"] = false
		resp["error"] = tickErr.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp["processed"] = summary.Processed > 0
	resp["success"] = true
	resp["summary"] = summary
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	resp := map[string]any{"run": run}
	if run.IsMaster() {
		progress, err := s.store.GetMasterRunProgress(r.Context(), runID)
		if err == nil {
			resp["progress"] = progress
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coordinator.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
