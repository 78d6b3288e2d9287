package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"cmdsched/internal/codec"
	"cmdsched/internal/domain"
	"cmdsched/internal/scheduler"
	"cmdsched/internal/worker"
)

type Server struct {
	r     *chi.Mux
	sched *scheduler.Scheduler
	reg   *codec.Registry
	stats func() worker.Stats
	now   func() time.Time
}

// NewServer exposes the scheduler over HTTP. stats may be nil when no worker
// pool runs in this process.
func NewServer(sched *scheduler.Scheduler, reg *codec.Registry, stats func() worker.Stats) http.Handler {
	return NewServerWithDebug(sched, reg, stats, false)
}

func NewServerWithDebug(sched *scheduler.Scheduler, reg *codec.Registry, stats func() worker.Stats, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, reg: reg, stats: stats, now: time.Now}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/commands", s.scheduleCommand)
	r.Get("/api/commands", s.listCommands)
	r.Get("/api/commands/{id}", s.getCommand)
	r.Delete("/api/commands/{id}", s.deleteCommand)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "cmdsched_up 1")
	if s.stats == nil {
		return
	}
	st := s.stats()
	fmt.Fprintf(w, "cmdsched_polls_total %d\n", st.Polls)
	fmt.Fprintf(w, "cmdsched_claimed_total %d\n", st.Claimed)
	fmt.Fprintf(w, "cmdsched_succeeded_total %d\n", st.Succeeded)
	fmt.Fprintf(w, "cmdsched_failed_total %d\n", st.Failed)
	fmt.Fprintf(w, "cmdsched_unfinalized_total %d\n", st.Unfinalized)
}

type scheduleReq struct {
	Command   string          `json:"command"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Delay     string          `json:"delay"`
	Cron      string          `json:"cron"`
}

type scheduleResp struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) scheduleCommand(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Command == "" {
		http.Error(w, "command is required", 400)
		return
	}
	ts, err := s.resolveTimestamp(req)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	cmd, err := scheduler.BuildCommand(s.reg, req.Command, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	cmd.SetTimestamp(ts)

	id, err := s.sched.Schedule(r.Context(), cmd)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Location", "/api/commands/"+id)
	writeJSON(w, http.StatusAccepted, scheduleResp{ID: id, Timestamp: ts})
}

// resolveTimestamp takes exactly one of timestamp, delay or cron.
func (s *Server) resolveTimestamp(req scheduleReq) (int64, error) {
	set := 0
	for _, ok := range []bool{req.Timestamp != 0, req.Delay != "", req.Cron != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return 0, errors.New("exactly one of timestamp, delay or cron is required")
	}

	now := s.now()
	switch {
	case req.Timestamp != 0:
		if req.Timestamp < 0 {
			return 0, errors.New("timestamp must be positive")
		}
		return req.Timestamp, nil
	case req.Delay != "":
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("invalid delay %q", req.Delay)
		}
		return now.Add(d).Unix(), nil
	default:
		next, err := scheduler.NextRunTime(req.Cron, now)
		if err != nil {
			return 0, fmt.Errorf("invalid cron expression: %w", err)
		}
		return next.Unix(), nil
	}
}

type entryView struct {
	ID          string          `json:"id"`
	Command     string          `json:"command,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	State       string          `json:"state"`
	FiniteState string          `json:"finite_state,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func toView(e scheduler.Entry) entryView {
	v := entryView{
		ID:        e.Record.ID,
		Timestamp: e.Record.Timestamp,
		State:     string(e.Record.State),
		CreatedAt: e.Record.CreatedAt,
	}
	if e.Record.ClaimedAt != 0 {
		t := time.Unix(0, e.Record.ClaimedAt).UTC()
		v.ClaimedAt = &t
	}
	if e.Command != nil {
		v.Command = e.Command.CommandName()
		if sc, ok := e.Command.(domain.StatefulCommand); ok {
			v.FiniteState = string(sc.FiniteState())
		}
		v.Payload, _ = json.Marshal(e.Command)
	}
	return v
}

func (s *Server) getCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.sched.Lookup(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		http.Error(w, "not found", 404)
		return
	case errors.Is(err, scheduler.ErrSerialization):
		// The record exists; show it without its command.
	case err != nil:
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, toView(entry))
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", 400)
			return
		}
		limit = n
	}
	entries, err := s.sched.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, toView(e))
	}
	writeJSON(w, 200, views)
}

func (s *Server) deleteCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Finalize(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
