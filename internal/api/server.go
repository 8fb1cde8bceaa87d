package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"timerflow/internal/domain"
	"timerflow/internal/schedule"
	"timerflow/internal/scheduler"
	"timerflow/internal/timer"
)

// Timers is the part of the timer service the API drives.
type Timers interface {
	CreateCalendarTimer(ctx context.Context, expr schedule.Expression, cfg timer.Config) (timer.Info, error)
	CreateSingleActionTimer(ctx context.Context, delay time.Duration, cfg timer.Config) (timer.Info, error)
	CreateIntervalTimer(ctx context.Context, initial time.Time, interval time.Duration, cfg timer.Config) (timer.Info, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (timer.Info, error)
	List() []timer.Info
	TimeRemaining(id string) (time.Duration, bool, error)
}

// PayloadValidator rejects payloads no handler can deliver.
type PayloadValidator interface {
	Validate(payload []byte) error
}

type Server struct {
	r        *chi.Mux
	timers   Timers
	payloads PayloadValidator
}

func NewServer(timers Timers, payloads PayloadValidator) http.Handler {
	return NewServerWithDebug(timers, payloads, false)
}

func NewServerWithDebug(timers Timers, payloads PayloadValidator, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)

	s := &Server{r: r, timers: timers, payloads: payloads}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/timers", s.listTimers)
	r.Post("/api/timers", s.createTimer)
	r.Get("/api/timers/{id}", s.getTimer)
	r.Delete("/api/timers/{id}", s.cancelTimer)
	r.Post("/api/schedules/preview", s.previewSchedule)

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
		defer func() {
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts := map[domain.State]int{}
	for _, info := range s.timers.List() {
		counts[info.State]++
	}
	states := make([]domain.State, 0, len(counts))
	for st := range counts {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "timerflow_up 1\n")
	for _, st := range states {
		fmt.Fprintf(w, "timerflow_timers{state=%q} %d\n", st.String(), counts[st])
	}
}

type timerResp struct {
	timer.Info
	Remaining string `json:"remaining,omitempty"`
}

func (s *Server) listTimers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.timers.List())
}

func (s *Server) getTimer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.timers.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := timerResp{Info: info}
	if d, ok, err := s.timers.TimeRemaining(id); err == nil && ok {
		resp.Remaining = d.Round(time.Millisecond).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// createTimerReq selects the timer kind by which of schedule, cron, delay
// or initial is set. Exactly one is allowed.
type createTimerReq struct {
	Schedule   *schedule.Expression `json:"schedule"`
	Cron       string               `json:"cron"`
	Delay      string               `json:"delay"`
	Initial    *time.Time           `json:"initial"`
	Interval   string               `json:"interval"`
	Payload    json.RawMessage      `json:"payload"`
	Persistent *bool                `json:"persistent"`
}

func (req createTimerReq) kinds() int {
	n := 0
	for _, set := range []bool{req.Schedule != nil, req.Cron != "", req.Delay != "", req.Initial != nil} {
		if set {
			n++
		}
	}
	return n
}

func (s *Server) createTimer(w http.ResponseWriter, r *http.Request) {
	var req createTimerReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.kinds() != 1 {
		http.Error(w, "exactly one of schedule, cron, delay and initial is required", http.StatusBadRequest)
		return
	}
	if req.Interval != "" && req.Initial == nil {
		http.Error(w, "interval requires initial", http.StatusBadRequest)
		return
	}
	if err := s.payloads.Validate(req.Payload); err != nil {
		http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	cfg := timer.Config{Payload: req.Payload, Persistent: true}
	if req.Persistent != nil {
		cfg.Persistent = *req.Persistent
	}

	var (
		info timer.Info
		err  error
	)
	switch {
	case req.Schedule != nil:
		info, err = s.timers.CreateCalendarTimer(r.Context(), *req.Schedule, cfg)
	case req.Cron != "":
		var expr schedule.Expression
		if expr, err = schedule.FromCron(req.Cron); err == nil {
			info, err = s.timers.CreateCalendarTimer(r.Context(), expr, cfg)
		}
	case req.Delay != "":
		var d time.Duration
		if d, err = time.ParseDuration(req.Delay); err != nil {
			http.Error(w, fmt.Sprintf("invalid delay %q", req.Delay), http.StatusBadRequest)
			return
		}
		info, err = s.timers.CreateSingleActionTimer(r.Context(), d, cfg)
	default:
		var every time.Duration
		if req.Interval != "" {
			if every, err = time.ParseDuration(req.Interval); err != nil {
				http.Error(w, fmt.Sprintf("invalid interval %q", req.Interval), http.StatusBadRequest)
				return
			}
		}
		info, err = s.timers.CreateIntervalTimer(r.Context(), *req.Initial, every, cfg)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) cancelTimer(w http.ResponseWriter, r *http.Request) {
	if err := s.timers.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type previewReq struct {
	Schedule *schedule.Expression `json:"schedule"`
	Cron     string               `json:"cron"`
	From     *time.Time           `json:"from"`
	Count    int                  `json:"count"`
}

type previewResp struct {
	Expression schedule.Expression `json:"expression"`
	Next       []time.Time         `json:"next"`
}

const maxPreview = 100

func (s *Server) previewSchedule(w http.ResponseWriter, r *http.Request) {
	var req previewReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if (req.Schedule == nil) == (req.Cron == "") {
		http.Error(w, "exactly one of schedule and cron is required", http.StatusBadRequest)
		return
	}
	var expr schedule.Expression
	if req.Schedule != nil {
		expr = *req.Schedule
	} else {
		var err error
		if expr, err = schedule.FromCron(req.Cron); err != nil {
			writeError(w, err)
			return
		}
	}
	from := time.Now()
	if req.From != nil {
		from = *req.From
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	if req.Count > maxPreview {
		req.Count = maxPreview
	}
	next, err := scheduler.NextRunTimes(expr, from, req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResp{Expression: expr.WithDefaults(), Next: next})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timer.ErrNoSuchTimer):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, timer.ErrInvalidArgument), errors.Is(err, schedule.ErrScheduleParse), errors.Is(err, schedule.ErrUnsupported):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, timer.ErrIllegalTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, timer.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
