package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rvacal/internal/cache"
	"rvacal/internal/config"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRunStatsClearCache(t *testing.T) {
	day := time.Now().UTC().Add(48 * time.Hour)
	body := strings.ReplaceAll(fmt.Sprintf(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//rvacal//test//EN
BEGIN:VEVENT
UID:session@test
DTSTAMP:%[1]sT000000Z
DTSTART:%[1]sT180000Z
DTEND:%[1]sT200000Z
SUMMARY:Open Figure Drawing
LOCATION:Studio Two Three
END:VEVENT
END:VCALENDAR
`, day.Format("20060102")), "\n", "\r\n")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/calendar")
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rvacal.yaml")
	cacheFile := filepath.Join(dir, "cache", "scraper_cache.json")
	yaml := fmt.Sprintf(`timezone: UTC
cache_file: %s
sources:
  - id: studio
    kind: ics
    url: %s
    ttl_hours: 24
`, cacheFile, srv.URL)
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	icsPath := filepath.Join(dir, "out", "calendar.ics")
	stdout, stderr, err := execute(t, "--config", cfgPath, "run", "--ics", icsPath)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, stderr)
	}

	var feed struct {
		LastUpdated string `json:"lastUpdated"`
		Events      []struct {
			Source string `json:"source"`
			Title  string `json:"title"`
			Date   string `json:"date"`
		} `json:"events"`
	}
	if err := json.Unmarshal([]byte(stdout), &feed); err != nil {
		t.Fatalf("stdout is not the JSON feed: %v\n%s", err, stdout)
	}
	if len(feed.Events) != 1 || feed.Events[0].Title != "Open Figure Drawing" || feed.Events[0].Date != day.Format("2006-01-02") {
		t.Errorf("unexpected events: %+v", feed.Events)
	}
	if !strings.Contains(stderr, "1 events (0 cached, 1 fetched") {
		t.Errorf("missing run summary on stderr: %q", stderr)
	}
	ics, err := os.ReadFile(icsPath)
	if err != nil {
		t.Fatalf("calendar not written: %v", err)
	}
	if !strings.Contains(string(ics), "-1800-studio@rvafiguredrawing") {
		t.Errorf("calendar missing event UID:\n%s", ics)
	}

	// Second run inside the TTL does not touch the network.
	if _, _, err := execute(t, "--config", cfgPath, "run"); err != nil {
		t.Fatal(err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("expected one upstream request, got %d", got)
	}

	stdout, _, err = execute(t, "--config", cfgPath, "stats")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "studio") || !strings.Contains(stdout, "fresh (etag)") {
		t.Errorf("unexpected stats table:\n%s", stdout)
	}

	stdout, _, err = execute(t, "--config", cfgPath, "clear-cache")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "Cache cleared") {
		t.Errorf("clear-cache output: %q", stdout)
	}
	data, err := os.ReadFile(cacheFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "studio") {
		t.Errorf("cache still holds studio:\n%s", data)
	}
}

func TestWriteStatsTable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources = cfg.Sources[:2]
	st := cache.Stats{
		TotalSources: 2,
		Sources: map[string]cache.SourceStats{
			"vmfa":    {EventCount: 4, AgeMinutes: 130, Expired: false},
			"retired": {EventCount: 1, AgeMinutes: 5000, Expired: true},
		},
	}

	var buf bytes.Buffer
	writeStatsTable(&buf, cfg, cfg.TTLPolicy(), st)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected header, blank, column row and 3 sources; got %d lines:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[3], "visarts") || !strings.Contains(lines[3], "not cached") {
		t.Errorf("visarts row: %q", lines[3])
	}
	if !strings.HasPrefix(lines[4], "vmfa") || !strings.Contains(lines[4], "2h10m") || !strings.Contains(lines[4], "48h") {
		t.Errorf("vmfa row: %q", lines[4])
	}
	if !strings.HasPrefix(lines[5], "retired") || !strings.Contains(lines[5], "expired, not configured") {
		t.Errorf("retired row: %q", lines[5])
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0m"},
		{45 * time.Minute, "45m"},
		{time.Hour, "1h00m"},
		{26*time.Hour + 5*time.Minute, "26h05m"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.in); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
