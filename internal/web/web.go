package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"rvacal/internal/cache"
	"rvacal/internal/feed"
	appLog "rvacal/internal/log"
	"rvacal/internal/model"
	"rvacal/internal/pipeline"
)

// refreshTimeout bounds a refresh triggered over HTTP. The run is detached
// from the request so a disconnecting client does not abort it half way.
const refreshTimeout = 15 * time.Minute

// Server provides HTTP access to the published feed and a few operational
// endpoints.
type Server struct {
	svc     *feed.Service
	metrics http.Handler
	mux     *http.ServeMux
}

// NewServer constructs a new Server. metrics may be nil, in which case
// /metrics is not registered.
func NewServer(svc *feed.Service, metrics http.Handler) *Server {
	s := &Server{
		svc:     svc,
		metrics: metrics,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server, wrapped with
// Basic Auth when credentials are configured. Credentials are read per
// request so a config reload takes effect immediately.
func (s *Server) Handler() http.Handler {
	return s.basicAuthMiddleware(s.mux)
}

// basicAuth returns the configured credentials, or false when auth is off.
func (s *Server) basicAuth() (user, pass string, ok bool) {
	cfg := s.svc.Config()
	if cfg == nil || cfg.BasicAuth == nil {
		return "", "", false
	}
	// An empty username or password disables auth.
	if cfg.BasicAuth.Username == "" || cfg.BasicAuth.Password == "" {
		return "", "", false
	}
	return cfg.BasicAuth.Username, cfg.BasicAuth.Password, true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, enabled := s.basicAuth()
		if !enabled || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rvacal", charset="UTF-8"`)
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

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /events.json", s.handleFeedJSON)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFeedJSON serves the last published events.json document verbatim.
func (s *Server) handleFeedJSON(w http.ResponseWriter, r *http.Request) {
	s.serveSnapshot(w, r, "application/json; charset=utf-8", func(snap *feed.Snapshot) []byte { return snap.JSON })
}

// handleCalendar serves the last published calendar.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	s.serveSnapshot(w, r, "text/calendar; charset=utf-8", func(snap *feed.Snapshot) []byte { return snap.ICS })
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, contentType string, body func(*feed.Snapshot) []byte) {
	snap := s.svc.Last()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "feed not published yet")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Last-Modified", snap.Report.FinishedAt.UTC().Format(http.TimeFormat))
	if ims, err := http.ParseTime(r.Header.Get("If-Modified-Since")); err == nil &&
		!snap.Report.FinishedAt.Truncate(time.Second).After(ims) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body(snap))
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	RunID      string        `json:"run_id"`
	FinishedAt time.Time     `json:"finished_at"`
	Count      int           `json:"count"`
	Events     []model.Event `json:"events"`
}

// handleEvents returns the events of the last run, optionally filtered.
//
// GET /api/events?source=vmfa&tag=open-session
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	snap := s.svc.Last()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "feed not published yet")
		return
	}

	q := r.URL.Query()
	src, tag := q.Get("source"), q.Get("tag")

	events := make([]model.Event, 0, len(snap.Report.Events))
	for _, ev := range snap.Report.Events {
		if src != "" && ev.Source != src {
			continue
		}
		if tag != "" && !hasTag(ev.Tags, tag) {
			continue
		}
		events = append(events, ev)
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		RunID:      snap.Report.RunID,
		FinishedAt: snap.Report.FinishedAt,
		Count:      len(events),
		Events:     events,
	})
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// runSummary is the JSON view of a pipeline.Report without its events.
type runSummary struct {
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Events      int               `json:"events"`
	CacheHits   int               `json:"cache_hits"`
	Fetched     int               `json:"fetched"`
	NotModified int               `json:"not_modified"`
	Stale       int               `json:"stale"`
	Empty       int               `json:"empty"`
	Sources     map[string]string `json:"sources"`
}

func summarize(rep *pipeline.Report) *runSummary {
	if rep == nil {
		return nil
	}
	sum := &runSummary{
		RunID:       rep.RunID,
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
		Events:      len(rep.Events),
		CacheHits:   rep.CacheHits,
		Fetched:     rep.Fetched,
		NotModified: rep.NotModified,
		Stale:       rep.Stale,
		Empty:       rep.Empty,
		Sources:     make(map[string]string, len(rep.Outcomes)),
	}
	for _, o := range rep.Outcomes {
		sum.Sources[o.Source] = o.State.String()
	}
	return sum
}

// statsResponse is the JSON response shape for /api/stats.
type statsResponse struct {
	Cache   cache.Stats `json:"cache"`
	LastRun *runSummary `json:"last_run"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Cache: s.svc.Stats()}
	if snap := s.svc.Last(); snap != nil {
		resp.LastRun = summarize(snap.Report)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh runs the pipeline immediately and returns its summary.
//
// POST /api/refresh?force=1&sources=vmfa,visarts
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := pipeline.Options{
		ForceRefresh: parseBool(q.Get("force")),
		Sources:      splitList(q.Get("sources")),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), refreshTimeout)
	defer cancel()

	appLog.Info("api refresh request", "force", opts.ForceRefresh, "sources", opts.Sources)
	snap, err := s.svc.Run(ctx, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, summarize(snap.Report))
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
