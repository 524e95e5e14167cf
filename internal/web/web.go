// Package web serves the read-only JSON search API.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	appLog "cfevents/internal/log"
	"cfevents/internal/model"
	"cfevents/internal/store"
)

// Catalog is the read side of the event store.
type Catalog interface {
	Search(ctx context.Context, q store.SearchQuery) ([]model.Event, error)
	Get(ctx context.Context, id int64) (model.Event, error)
	Categories(ctx context.Context) ([]model.Category, error)
	Locations(ctx context.Context) ([]model.Location, error)
}

// RunStatus is the last import run as shown on /api/status.
type RunStatus struct {
	RunID      string         `json:"run_id"`
	Mode       string         `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sources    []SourceStatus `json:"sources"`
	Error      string         `json:"error,omitempty"`
}

// SourceStatus summarizes one source of a run.
type SourceStatus struct {
	Source     string `json:"source"`
	Imported   int    `json:"imported"`
	Updated    int    `json:"updated"`
	Duplicates int    `json:"duplicates"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
}

const searchCacheTTL = 30 * time.Second

// Server provides the HTTP API over the event store.
type Server struct {
	cfg     *config.Config
	catalog Catalog
	metrics http.Handler
	mux     *http.ServeMux

	// Search results are cached per query string until the TTL expires or
	// a run finishes.
	searchMu    sync.RWMutex
	searchCache map[string]searchEntry

	statusMu sync.RWMutex
	status   *RunStatus
}

type searchEntry struct {
	events    []model.Event
	updatedAt time.Time
}

// NewServer constructs a new Server. metrics may be nil, in which case
// /metrics is not served.
func NewServer(cfg *config.Config, catalog Catalog, metrics http.Handler) *Server {
	s := &Server{
		cfg:         cfg,
		catalog:     catalog,
		metrics:     metrics,
		mux:         http.NewServeMux(),
		searchCache: make(map[string]searchEntry),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// SetStatus records the last run and drops cached search results.
func (s *Server) SetStatus(st RunStatus) {
	s.statusMu.Lock()
	s.status = &st
	s.statusMu.Unlock()

	s.searchMu.Lock()
	clear(s.searchCache)
	s.searchMu.Unlock()
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health and /metrics with
// HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="cfevents", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleEvent)
	s.mux.HandleFunc("GET /api/categories", s.handleCategories)
	s.mux.HandleFunc("GET /api/locations", s.handleLocations)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events   []model.Event `json:"events"`
	Date     string        `json:"date,omitempty"`
	Category string        `json:"category,omitempty"`
	City     string        `json:"city,omitempty"`
}

// handleEvents searches valid events.
//
// GET /api/events?date=2024-05-01&category=music&city=Palo+Alto&limit=50
//   - date:     YYYY-MM-DD start day; "today" uses the configured timezone
//   - category: taxonomy base name
//   - city:     location city
//   - limit:    maximum rows (default 100)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sq := store.SearchQuery{
		Date:     q.Get("date"),
		Category: q.Get("category"),
		City:     q.Get("city"),
		Limit:    parseIntDefault(q.Get("limit"), 0),
	}
	if sq.Date == "today" {
		sq.Date = time.Now().In(s.cfg.Location()).Format(model.DateLayout)
	}
	if sq.Date != "" {
		if _, err := time.Parse(model.DateLayout, sq.Date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	key := sq.Date + "\x00" + sq.Category + "\x00" + sq.City + "\x00" + strconv.Itoa(sq.Limit)
	s.searchMu.RLock()
	ce, ok := s.searchCache[key]
	s.searchMu.RUnlock()
	if ok && time.Since(ce.updatedAt) < searchCacheTTL {
		writeJSON(w, http.StatusOK, eventsResponse{Events: ce.events, Date: sq.Date, Category: sq.Category, City: sq.City})
		return
	}

	events, err := s.catalog.Search(r.Context(), sq)
	if err != nil {
		appLog.Error("api events: search failed", err, "date", sq.Date, "category", sq.Category, "city", sq.City)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	s.searchMu.Lock()
	s.searchCache[key] = searchEntry{events: events, updatedAt: time.Now()}
	s.searchMu.Unlock()

	writeJSON(w, http.StatusOK, eventsResponse{Events: events, Date: sq.Date, Category: sq.Category, City: sq.City})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}
	ev, err := s.catalog.Get(r.Context(), id)
	switch {
	case apperrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, "event not found")
		return
	case err != nil:
		appLog.Error("api event: get failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to load event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.catalog.Categories(r.Context())
	if err != nil {
		appLog.Error("api categories failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list categories")
		return
	}
	if cats == nil {
		cats = []model.Category{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := s.catalog.Locations(r.Context())
	if err != nil {
		appLog.Error("api locations failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list locations")
		return
	}
	if locs == nil {
		locs = []model.Location{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locs})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.statusMu.RLock()
	st := s.status
	s.statusMu.RUnlock()
	if st == nil {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
