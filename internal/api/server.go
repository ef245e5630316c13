// Package api serves a read-only status view of the store over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/export"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

// Config tunes the handler.
type Config struct {
	// Threshold is the admission threshold applied to /companies. Default: 100.
	Threshold int
	// ActivityPrefixes and Keywords narrow /companies to one line of business.
	ActivityPrefixes []string
	Keywords         []string
	AllowedOrigins   []string
}

// Server exposes companies, cursors, gaps and runs.
type Server struct {
	store store.Store
	cfg   Config
}

// New creates a Server backed by st.
func New(st store.Store, cfg Config) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{store: st, cfg: cfg}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/companies", s.listCompanies)
	r.Get("/companies/{id}", s.getCompany)
	r.Get("/cursors", s.listCursors)
	r.Get("/gaps", s.listGaps)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/latest", s.latestRun)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listCompanies returns admitted companies, or every company with all=true.
func (s *Server) listCompanies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	all := q.Get("all") == "true"
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}

	companies, err := s.store.ListCompanies(r.Context(), store.CompanyFilter{})
	if err != nil {
		s.fail(w, "list companies", err)
		return
	}
	threshold := s.cfg.Threshold
	if v := q.Get("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "threshold must be a positive integer")
			return
		}
		threshold = n
	}
	selected := export.Select(companies, export.Options{
		Threshold:        threshold,
		ActivityPrefixes: s.cfg.ActivityPrefixes,
		Keywords:         s.cfg.Keywords,
		All:              all,
	})

	total := len(selected)
	selected = window(selected, limit, offset)
	records := make([]export.Record, len(selected))
	for i, c := range selected {
		records[i] = export.NewRecord(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "companies": records})
}

func (s *Server) getCompany(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCompany(r.Context(), id)
	if err != nil {
		s.fail(w, "get company", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "company not found")
		return
	}
	writeJSON(w, http.StatusOK, export.NewRecord(c))
}

func (s *Server) listCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := s.store.ListCursors(r.Context())
	if err != nil {
		s.fail(w, "list cursors", err)
		return
	}
	if cursors == nil {
		cursors = []model.CrawlCursor{}
	}
	writeJSON(w, http.StatusOK, cursors)
}

func (s *Server) listGaps(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := paging(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	gaps, err := s.store.ListGaps(r.Context(), store.GapFilter{
		RunID:  q.Get("run_id"),
		Source: model.SourceID(q.Get("source")),
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, "list gaps", err)
		return
	}
	if gaps == nil {
		gaps = []model.GapMarker{}
	}
	writeJSON(w, http.StatusOK, gaps)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := paging(w, r)
	if !ok {
		return
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status: model.RunStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.fail(w, "list runs", err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.LatestRun(r.Context())
	if err != nil {
		s.fail(w, "latest run", err)
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no runs recorded")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// paging reads limit and offset, answering 400 on malformed values.
func paging(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
			return 0, 0, false
		}
		*dst = n
	}
	return limit, offset, true
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
