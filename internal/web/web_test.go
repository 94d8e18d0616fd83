package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"rvacal/internal/cache"
	"rvacal/internal/config"
	"rvacal/internal/feed"
	"rvacal/internal/metrics"
	"rvacal/internal/model"
	"rvacal/internal/pipeline"
	"rvacal/internal/source"
)

type fixture struct {
	svc     *feed.Service
	handler http.Handler
	fetches atomic.Int32
}

func newFixture(t *testing.T, auth *config.BasicAuthConfig) *fixture {
	t.Helper()
	f := &fixture{}

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Output = config.OutputConfig{}
	cfg.BasicAuth = auth
	cfg.Sources = []config.SourceConfig{
		{ID: "alpha", Kind: config.KindJSONLD, URL: "https://alpha.example"},
		{ID: "beta", Kind: config.KindJSONLD, URL: "https://beta.example"},
	}

	build := func(cfg *config.Config) (source.Registry, error) {
		reg := make(source.Registry)
		for _, sc := range cfg.Sources {
			id := sc.ID
			reg[id] = source.FetcherFunc(func(context.Context, source.Request) source.Result {
				f.fetches.Add(1)
				return source.Fresh([]model.Event{{
					Source: id, Title: id + " session", Date: "2099-03-01", StartTime: "19:00",
					Location: id, Tags: []string{"open-session"},
					Status: model.StatusConfirmed, RegistrationStatus: model.RegistrationUnknown,
				}}, source.Validators{}, sc.URL)
			})
		}
		return reg, nil
	}

	m := metrics.New()
	store := cache.Open(cache.NewMemoryBackend(), cfg.TTLPolicy())
	svc, err := feed.New(cfg, store, feed.WithBuilder(build), feed.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	f.svc = svc
	f.handler = NewServer(svc, m.Handler()).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target string, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health: %d %q", rec.Code, rec.Body.String())
	}
}

func TestFeedNotReady(t *testing.T) {
	f := newFixture(t, nil)
	for _, path := range []string{"/events.json", "/calendar.ics", "/api/events"} {
		if rec := f.do(t, "GET", path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s before first run: %d", path, rec.Code)
		}
	}
}

func TestRefreshAndServe(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, "GET", "/api/refresh", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/refresh: %d", rec.Code)
	}

	rec := f.do(t, "POST", "/api/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rec.Code, rec.Body.String())
	}
	var sum runSummary
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatal(err)
	}
	if sum.Fetched != 2 || sum.Events != 2 || sum.Sources["alpha"] != "fetch_ok" {
		t.Errorf("unexpected summary: %+v", sum)
	}

	rec = f.do(t, "GET", "/calendar.ics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("calendar: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("calendar content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "UID:2099-03-01-1900-alpha@rvafiguredrawing") {
		t.Errorf("calendar missing alpha event:\n%s", rec.Body.String())
	}

	lastModified := rec.Header().Get("Last-Modified")
	rec = f.do(t, "GET", "/calendar.ics", func(r *http.Request) { r.Header.Set("If-Modified-Since", lastModified) })
	if rec.Code != http.StatusNotModified {
		t.Errorf("conditional calendar request: %d", rec.Code)
	}

	rec = f.do(t, "GET", "/events.json", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"lastUpdated"`) {
		t.Errorf("events.json: %d %s", rec.Code, rec.Body.String())
	}

	// Second refresh is served from cache; a forced one for one source refetches it.
	f.do(t, "POST", "/api/refresh", nil)
	if got := f.fetches.Load(); got != 2 {
		t.Errorf("expected no new fetches, got %d total", got)
	}
	rec = f.do(t, "POST", "/api/refresh?force=1&sources=beta,%20nope", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forced refresh: %d", rec.Code)
	}
	if got := f.fetches.Load(); got != 3 {
		t.Errorf("expected exactly one refetch, got %d total", got)
	}
}

func TestEventsFilter(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.svc.Run(context.Background(), pipeline.Options{}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?source=alpha", 1},
		{"?tag=OPEN-SESSION", 2},
		{"?tag=instructed", 0},
	}
	for _, tt := range tests {
		rec := f.do(t, "GET", "/api/events"+tt.query, nil)
		var resp eventsResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != tt.want || len(resp.Events) != tt.want {
			t.Errorf("/api/events%s: count %d, want %d", tt.query, resp.Count, tt.want)
		}
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "GET", "/api/stats", nil)
	var before statsResponse
	if err := json.NewDecoder(rec.Body).Decode(&before); err != nil {
		t.Fatal(err)
	}
	if before.LastRun != nil || before.Cache.TotalSources != 0 {
		t.Errorf("unexpected stats before run: %+v", before)
	}

	if _, err := f.svc.Run(context.Background(), pipeline.Options{}); err != nil {
		t.Fatal(err)
	}
	rec = f.do(t, "GET", "/api/stats", nil)
	var after statsResponse
	if err := json.NewDecoder(rec.Body).Decode(&after); err != nil {
		t.Fatal(err)
	}
	if after.Cache.TotalSources != 2 || after.LastRun == nil || after.LastRun.Fetched != 2 {
		t.Errorf("unexpected stats after run: %+v", after)
	}
	if st := after.Cache.Sources["alpha"]; st.EventCount != 1 || st.Expired {
		t.Errorf("alpha stats: %+v", st)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, "POST", "/api/refresh", nil)

	rec := f.do(t, "GET", "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `rvacal_source_runs_total{source="beta",state="fetch_ok"} 1`) {
		t.Error("metrics missing per-source counter")
	}
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, &config.BasicAuthConfig{Username: "admin", Password: "s3cret"})

	if rec := f.do(t, "GET", "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("/health must stay open, got %d", rec.Code)
	}
	rec := f.do(t, "GET", "/api/stats", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), "Basic") {
		t.Error("missing WWW-Authenticate challenge")
	}
	if rec := f.do(t, "GET", "/api/stats", func(r *http.Request) { r.SetBasicAuth("admin", "wrong") }); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/stats", func(r *http.Request) { r.SetBasicAuth("admin", "s3cret") }); rec.Code != http.StatusOK {
		t.Errorf("valid credentials: %d", rec.Code)
	}

	// Clearing credentials through a reload disables auth.
	cfg := *f.svc.Config()
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin"}
	if err := f.svc.Reconfigure(&cfg); err != nil {
		t.Fatal(err)
	}
	if rec := f.do(t, "GET", "/api/stats", nil); rec.Code != http.StatusOK {
		t.Errorf("auth should be off with an empty password, got %d", rec.Code)
	}
}

func TestSecureCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"admin", "admin", true},
		{"admin", "admim", false},
		{"admin", "admin2", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := secureCompare(tt.a, tt.b); got != tt.want {
			t.Errorf("secureCompare(%q, %q) = %v", tt.a, tt.b, got)
		}
	}
}

func TestSplitListAndParseBool(t *testing.T) {
	if got := splitList(" a, ,b,"); strings.Join(got, "|") != "a|b" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("empty list should be nil")
	}
	for in, want := range map[string]bool{"1": true, "TRUE": true, "yes": true, "0": false, "": false} {
		if parseBool(in) != want {
			t.Errorf("parseBool(%q) != %v", in, want)
		}
	}
}
