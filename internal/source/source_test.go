package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"rvacal/internal/config"
)

func TestClientConditionalGet(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Wed, 01 May 2024 10:00:00 GMT")
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	c := NewClient(nil, "rvacal-test")

	page, err := c.Get(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(page.Body) != "hello" || page.NotModified {
		t.Errorf("unexpected page: %+v", page)
	}
	if page.Validators.ETag != `"v1"` || page.Validators.LastModified == "" {
		t.Errorf("validators = %+v", page.Validators)
	}
	if gotUA != "rvacal-test" {
		t.Errorf("User-Agent = %q", gotUA)
	}

	h := http.Header{}
	h.Set("If-None-Match", `"v1"`)
	page, err = c.Get(context.Background(), srv.URL, h)
	if err != nil {
		t.Fatalf("conditional Get failed: %v", err)
	}
	if !page.NotModified || len(page.Body) != 0 {
		t.Errorf("expected not-modified page, got %+v", page)
	}
}

func TestClientUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(nil, "").Get(context.Background(), srv.URL, nil)
	if !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/private.ics?token=abc", "https://example.com/...(redacted)"},
		{"http://host:8080", "http://host:8080/...(redacted)"},
		{"not a url", "url://...(redacted)"},
	}
	for _, tt := range tests {
		if got := redactURL(tt.in); got != tt.want {
			t.Errorf("redactURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func detailPage(title, date string) string {
	return fmt.Sprintf(`<html><script type="application/ld+json">
{"@type":"Event","name":%q,"startDate":%q,"location":{"name":"Gallery"}}
</script></html>`, title, date)
}

func TestPageFetcherListingEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"list"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"list"`)
		fmt.Fprint(w, listingHTML)
	}))
	defer srv.Close()

	f := NewPageFetcher(config.SourceConfig{ID: "s23", URL: srv.URL}, NewClient(nil, ""), nil)

	res := f.Fetch(context.Background(), Request{Source: "s23", Headers: http.Header{}})
	if res.Outcome != OutcomeFresh {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}
	if len(res.Events) != 2 || res.Validators.ETag != `"list"` || res.URL != srv.URL {
		t.Errorf("unexpected result: %+v", res)
	}
	if got := res.Events[0].Tags; len(got) != 1 || got[0] != "open-session" {
		t.Errorf("default tags = %v", got)
	}

	h := http.Header{}
	h.Set("If-None-Match", `"list"`)
	if res := f.Fetch(context.Background(), Request{Source: "s23", Headers: h}); res.Outcome != OutcomeNotModified {
		t.Errorf("expected not modified, got %v", res.Outcome)
	}
}

func TestPageFetcherFollowsLinks(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"search"`)
		fmt.Fprint(w, `<html><body>
			<a href="/e/figure-1?aff=ebdssbdestsearch">one</a>
			<a href="/e/figure-1">one again</a>
			<a href="/e/bake-sale">two</a>
			<a href="/e/life-drawing-3#tickets">three</a>
			<a href="/e/figure-4">four</a>
			<a href="/about">about</a>
		</body></html>`)
	})
	mux.HandleFunc("/e/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/e/figure-1":
			fmt.Fprint(w, detailPage("Figure Drawing Night", "2030-01-05T19:00:00"))
		case "/e/bake-sale":
			fmt.Fprint(w, detailPage("Bake Sale", "2030-01-06"))
		case "/e/life-drawing-3":
			fmt.Fprint(w, detailPage("Life Drawing", "2030-01-07T18:00:00"))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.SourceConfig{
		ID:           "eventbrite",
		URL:          srv.URL + "/search",
		Tags:         []string{"open-session", "nude"},
		LinkContains: "/e/",
		Keywords:     []string{"figure", "life drawing"},
		MaxLinks:     3,
	}
	f := NewPageFetcher(cfg, NewClient(nil, ""), rate.NewLimiter(rate.Inf, 1))

	res := f.Fetch(context.Background(), Request{Source: "eventbrite", Headers: http.Header{}})
	if res.Outcome != OutcomeFresh {
		t.Fatalf("outcome = %v (%v)", res.Outcome, res.Err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 3 {
		t.Errorf("expected 3 detail fetches (max_links), got %v", hits)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 matching events, got %+v", res.Events)
	}
	if res.Events[0].URL != srv.URL+"/e/figure-1" || res.Events[1].URL != srv.URL+"/e/life-drawing-3" {
		t.Errorf("detail urls = %q, %q", res.Events[0].URL, res.Events[1].URL)
	}
	if len(res.Events[0].Tags) != 2 {
		t.Errorf("tags = %v", res.Events[0].Tags)
	}
	if res.Validators != (Validators{}) {
		t.Errorf("crawled results must not carry validators, got %+v", res.Validators)
	}
}

func TestExtractLinks(t *testing.T) {
	body := []byte(`<a href="https://other.example/e/1?x=1">a</a><a href="rel/e/2">b</a><a>c</a>`)
	got := ExtractLinks(body, "https://host.example/list/", "/e/")
	want := []string{"https://other.example/e/1", "https://host.example/list/rel/e/2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ExtractLinks = %v, want %v", got, want)
	}
}

func TestRenderedFetcher(t *testing.T) {
	render := func(ctx context.Context, url string) ([]byte, error) {
		if url != "https://example.org/js" {
			return nil, fmt.Errorf("unexpected url %s", url)
		}
		return []byte(detailPage("Figure Drawing", "2030-04-01T10:00:00")), nil
	}
	f := NewRenderedFetcher(config.SourceConfig{ID: "js", URL: "https://example.org/js"}, render, time.Second)
	res := f.Fetch(context.Background(), Request{Source: "js", Headers: http.Header{}})
	if res.Outcome != OutcomeFresh || len(res.Events) != 1 || res.Events[0].StartTime != "10:00" {
		t.Fatalf("unexpected result: %+v", res)
	}

	failing := NewRenderedFetcher(config.SourceConfig{ID: "js"}, func(context.Context, string) ([]byte, error) {
		return nil, errors.New("chrome missing")
	}, time.Second)
	if res := failing.Fetch(context.Background(), Request{}); res.Outcome != OutcomeFailed || res.Err == nil {
		t.Errorf("expected failure, got %+v", res)
	}
}

func TestBuildRegistry(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources = append(cfg.Sources,
		config.SourceConfig{ID: "feed", Kind: config.KindICS, URL: "https://example.org/cal.ics"},
		config.SourceConfig{ID: "js", Kind: config.KindRendered, URL: "https://example.org/js"},
	)
	reg, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, ok := reg["eventbrite"].(*PageFetcher); !ok {
		t.Errorf("eventbrite should be a page fetcher, got %T", reg["eventbrite"])
	}
	if _, ok := reg["visarts"].(*AgentFetcher); !ok {
		t.Errorf("visarts should be an agent fetcher, got %T", reg["visarts"])
	}
	if _, ok := reg["feed"].(*ICSFetcher); !ok {
		t.Errorf("feed should be an ics fetcher, got %T", reg["feed"])
	}
	if _, ok := reg["js"].(*RenderedFetcher); !ok {
		t.Errorf("js should be a rendered fetcher, got %T", reg["js"])
	}

	cfg.Sources = []config.SourceConfig{{ID: "bad", Kind: "ftp", URL: "ftp://x"}}
	if _, err := Build(cfg); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestResultConstructors(t *testing.T) {
	if r := Fresh(nil, Validators{}, "u"); r.Events == nil || r.Outcome != OutcomeFresh {
		t.Errorf("Fresh(nil) = %+v", r)
	}
	if r := Failed(nil); r.Err == nil {
		t.Error("Failed(nil) must still carry an error")
	}
	if OutcomeNotModified.String() != "not_modified" {
		t.Errorf("String = %q", OutcomeNotModified.String())
	}
}
