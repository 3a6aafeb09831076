// Package api is the daemon's HTTP surface: the job command endpoints, the
// websocket event stream and the speed test endpoints. The listener binds
// loopback only.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/primoscope/mediadl/internal/engine"
	"github.com/primoscope/mediadl/internal/network"
	"github.com/primoscope/mediadl/internal/options"
	"github.com/primoscope/mediadl/internal/storage"
)

// Server wires the engine and speed tester to HTTP.
type Server struct {
	logger  *slog.Logger
	manager *engine.Manager
	tester  *network.Tester
	router  *chi.Mux
	httpSrv *http.Server
	started time.Time
}

func NewServer(logger *slog.Logger, manager *engine.Manager, tester *network.Tester) *Server {
	s := &Server{
		logger:  logger,
		manager: manager,
		tester:  tester,
		router:  chi.NewRouter(),
		started: time.Now(),
	}
	s.routes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds 127.0.0.1:port and serves until Shutdown.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.httpSrv = &http.Server{Handler: s.router}
	s.logger.Info("api listening", "addr", addr)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/clear-completed", s.handleClearCompleted)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleRemoveJob)
		r.Post("/jobs/{id}/control", s.handleControl)
		r.Post("/jobs/{id}/reorder", s.handleReorder)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Get("/ws", s.handleWebsocket)
		r.Post("/speedtest", s.handleSpeedTest)
		r.Get("/speedtest/history", s.handleSpeedTestHistory)
		r.Get("/status", s.handleStatus)
	})
}

// ============= Request/response models =============

type enqueueRequest struct {
	URL          string          `json:"url"`
	OutputFolder string          `json:"output_folder,omitempty"`
	Priority     *int            `json:"priority,omitempty"`
	Options      json.RawMessage `json:"options,omitempty"`
}

type enqueueResponse struct {
	JobID    string   `json:"job_id"`
	Warnings []string `json:"warnings,omitempty"`
}

type controlRequest struct {
	Action string `json:"action"` // cancel | pause | resume
}

type reorderRequest struct {
	Direction string `json:"direction,omitempty"` // up | down | top
	Priority  *int   `json:"priority,omitempty"`
}

type jobDetail struct {
	Job   storage.JobRecord    `json:"job"`
	Items []storage.ItemRecord `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ============= Handlers =============

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	opts, warnings, err := options.DecodeStrict(req.Options)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	priority := storage.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}

	id, err := s.manager.Enqueue(req.URL, req.OutputFolder, priority, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{JobID: id, Warnings: warnings})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.manager.ListJobs(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.manager.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	items, err := s.manager.ItemsForJob(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobDetail{Job: job, Items: items})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	switch req.Action {
	case "cancel":
		err = s.manager.Cancel(id)
	case "pause":
		err = s.manager.Pause(id)
	case "resume":
		err = s.manager.Resume(id)
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+strconv.Quote(req.Action))
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	switch {
	case req.Priority != nil:
		err = s.manager.SetPriority(id, *req.Priority)
	case req.Direction != "":
		err = s.manager.Reorder(id, req.Direction)
	default:
		writeError(w, http.StatusBadRequest, "direction or priority is required")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.ClearCompleted()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.manager.GetJob(id); err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	evs, err := s.manager.RecentEvents(id, uint(since), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleSpeedTest(w http.ResponseWriter, r *http.Request) {
	res, err := s.tester.Run(r.Context())
	if err != nil {
		code := http.StatusBadGateway
		if err == network.ErrTestRunning {
			code = http.StatusConflict
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSpeedTestHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.tester.History(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "running",
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// ============= Helpers =============

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch err {
	case engine.ErrJobNotFound:
		return http.StatusNotFound
	case engine.ErrJobRunning, engine.ErrJobTerminal, engine.ErrJobNotRunning:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
