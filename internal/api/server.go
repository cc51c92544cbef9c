// Package api serves a read-only HTTP view of compounds, tasks and the
// journal.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/assay/internal/ir"
	"github.com/roach88/assay/internal/store"
)

// Store is the subset of the durable store the API reads.
type Store interface {
	ReadCompound(ctx context.Context, id string) (ir.Compound, error)
	ListCompounds(ctx context.Context, entityID string) ([]ir.Compound, error)
	ListEntities(ctx context.Context) ([]string, error)
	ReadTaskByID(ctx context.Context, id string) (ir.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]ir.Task, error)
	CountByState(ctx context.Context) (map[ir.TaskState]int, error)
	ListJournal(ctx context.Context, f store.JournalFilter) ([]ir.JournalEntry, error)
	Ping(ctx context.Context) error
}

var _ Store = (*store.Store)(nil)

// DefaultTaskLimit caps /tasks when no limit is given.
const DefaultTaskLimit = 500

// Server is the assay HTTP API server.
type Server struct {
	store  Store
	logger *slog.Logger
}

// NewServer creates a new API server. A nil logger uses slog.Default.
func NewServer(st Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, logger: logger}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Get("/entities", s.handleListEntities)
	r.Get("/entities/{entity}/compounds", s.handleListCompounds)
	r.Get("/compounds/{id}", s.handleGetCompound)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/counts", s.handleCountTasks)
		r.Get("/{id}", s.handleGetTask)
	})

	r.Get("/journal", s.handleListJournal)
	return r
}

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// taskView adds the derived task id to the stored task.
type taskView struct {
	ID string `json:"id"`
	ir.Task
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := s.store.ListEntities(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleListCompounds(w http.ResponseWriter, r *http.Request) {
	compounds, err := s.store.ListCompounds(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compounds": compounds})
}

func (s *Server) handleGetCompound(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.ReadCompound(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "compound not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.ReadTaskByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView{ID: t.ID(), Task: t})
}

// handleListTasks serves /tasks?entity=a,b&unit=&config=&compound=&state=&limit=.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		EntityIDs:  splitList(q.Get("entity")),
		Unit:       q.Get("unit"),
		ConfigID:   q.Get("config"),
		CompoundID: q.Get("compound"),
		Limit:      DefaultTaskLimit,
	}
	for _, raw := range splitList(q.Get("state")) {
		st, err := ir.ParseTaskState(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.States = append(f.States, st)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = taskView{ID: t.ID(), Task: t}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleCountTasks(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByState(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// handleListJournal serves /journal?run=&entity=&scope=&after=.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JournalFilter{
		RunID:    q.Get("run"),
		EntityID: q.Get("entity"),
	}
	switch scope := ir.Scope(q.Get("scope")); scope {
	case "", ir.ScopeEntity, ir.ScopeRun:
		f.Scope = scope
	default:
		writeError(w, http.StatusBadRequest, "scope must be entity or run")
		return
	}
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		f.AfterSeq = n
	}

	entries, err := s.store.ListJournal(r.Context(), f)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("api request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"status":  status,
		},
	})
}
