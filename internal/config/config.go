package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"rvacal/internal/cache"
)

// Source kinds understood by internal/source.
const (
	KindJSONLD   = "jsonld"
	KindICS      = "ics"
	KindRendered = "rendered"
	KindAgent    = "agent"
)

// SourceConfig describes a single event source.
type SourceConfig struct {
	// ID is the short stable key used for caching, logging and de-dup.
	ID string `yaml:"id" json:"id" validate:"required"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// Kind selects the extraction strategy.
	Kind string `yaml:"kind" json:"kind" validate:"oneof=jsonld ics rendered agent"`
	// URL is the listing page or feed.
	URL string `yaml:"url" json:"url" validate:"required,url"`
	// TTLHours overrides the default cache lifetime for this source.
	TTLHours int `yaml:"ttl_hours,omitempty" json:"ttl_hours,omitempty" validate:"gte=0"`

	DefaultLocation string   `yaml:"default_location,omitempty" json:"default_location,omitempty"`
	DefaultAddress  string   `yaml:"default_address,omitempty" json:"default_address,omitempty"`
	Tags            []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// Instructions are appended to the agent prompt (agent kind only).
	Instructions string `yaml:"instructions,omitempty" json:"instructions,omitempty"`

	// LinkContains enables detail-page crawling for jsonld sources when the
	// listing itself carries no structured events.
	LinkContains string `yaml:"link_contains,omitempty" json:"link_contains,omitempty"`
	// Keywords filters crawled detail pages by title (any match, case-insensitive).
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	// MaxLinks caps how many detail pages are fetched.
	MaxLinks int `yaml:"max_links,omitempty" json:"max_links,omitempty" validate:"gte=0"`
}

// AgentConfig describes the external extraction command used by agent
// sources. "{prompt}" in Command is replaced by the rendered prompt.
type AgentConfig struct {
	Command []string      `yaml:"command" json:"command"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// OutputConfig lists where run results are written. Empty paths are skipped.
type OutputConfig struct {
	EventsJSON  string `yaml:"events_json" json:"events_json"`
	CalendarICS string `yaml:"calendar_ics" json:"calendar_ics"`
}

// CalendarConfig controls the published ICS document.
type CalendarConfig struct {
	Name            string `yaml:"name" json:"name"`
	Description     string `yaml:"description" json:"description"`
	UIDDomain       string `yaml:"uid_domain" json:"uid_domain"`
	RefreshInterval string `yaml:"refresh_interval" json:"refresh_interval"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=console json"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the web endpoints.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address used by `serve`.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone that defines "today" and calendar times.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a 5-field cron schedule for `serve` (e.g. "0 */6 * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays bounds recurrence expansion for ics sources.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days" validate:"gte=0"`

	// CacheFile is the persisted scrape cache document.
	CacheFile string `yaml:"cache_file" json:"cache_file"`

	// DefaultTTLHours applies to sources without ttl_hours.
	DefaultTTLHours int `yaml:"default_ttl_hours" json:"default_ttl_hours" validate:"gte=0"`

	// FetchTimeout bounds a single source fetch. Exceeding it counts as a
	// failed fetch for that source.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// UserAgent is sent with every HTTP request.
	UserAgent string `yaml:"user_agent" json:"user_agent"`

	Log      LogConfig      `yaml:"log" json:"log"`
	Output   OutputConfig   `yaml:"output" json:"output"`
	Calendar CalendarConfig `yaml:"calendar" json:"calendar"`
	Agent    AgentConfig    `yaml:"agent" json:"agent"`

	Sources []SourceConfig `yaml:"sources" json:"sources" validate:"dive"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "America/New_York"
	defaultRefreshCron  = "0 */6 * * *"
	defaultHorizonDays  = 90
	defaultTTLHours     = 12
	defaultFetchTimeout = 3 * time.Minute
	defaultUserAgent    = "rvacal/1.0 (+https://github.com/seanperkins/rva-figure-drawing)"
	defaultAgentTimeout = 180 * time.Second
	defaultMaxLinks     = 20
)

// DefaultConfig returns an in-memory default configuration listing the
// Richmond figure drawing sources.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:          defaultListen,
		Timezone:        defaultTimezone,
		RefreshCron:     defaultRefreshCron,
		HorizonDays:     defaultHorizonDays,
		CacheFile:       filepath.Join(".cache", "scraper_cache.json"),
		DefaultTTLHours: defaultTTLHours,
		FetchTimeout:    defaultFetchTimeout,
		UserAgent:       defaultUserAgent,
		Log:             LogConfig{Level: "info", Format: "console"},
		Output: OutputConfig{
			EventsJSON:  filepath.Join("public", "events.json"),
			CalendarICS: filepath.Join("public", "calendar.ics"),
		},
		Calendar: CalendarConfig{
			Name:            "RVA Figure Drawing",
			Description:     "Figure drawing sessions in Richmond, VA",
			UIDDomain:       "rvafiguredrawing",
			RefreshInterval: "P1D",
		},
		Agent: AgentConfig{
			Command: []string{"claude", "-p", "{prompt}", "--print", "--output-format", "text"},
			Timeout: defaultAgentTimeout,
		},
		Sources: []SourceConfig{
			{
				ID:              "visarts",
				Name:            "Visual Arts Center of Richmond",
				Kind:            KindAgent,
				URL:             "https://www.visarts.org/classes/?fwp_classes_duration=open-figure-draw-paint",
				TTLHours:        24,
				DefaultLocation: "Visual Arts Center of Richmond",
				DefaultAddress:  "1812 W Main St, Richmond, VA 23220",
				Tags:            []string{"open-session", "nude"},
				Instructions: "Look for Figure Drawing classes. Note:\n" +
					"- Cost shows \"$3 tuition\" but total is ~$7 with model fee\n" +
					"- Extract instructor name if shown",
			},
			{
				ID:              "vmfa",
				Name:            "VMFA Studio School",
				Kind:            KindAgent,
				URL:             "https://vmfa.museum/calendar/classes/?fwp_keywords=figure%20drawing",
				TTLHours:        48,
				DefaultLocation: "VMFA Studio School",
				DefaultAddress:  "200 N Arthur Ashe Blvd, Richmond, VA 23220",
				Tags:            []string{"instructed", "nude"},
				Instructions: "Look for figure drawing classes in the Studio School listings.\n" +
					"These are usually instructed classes, so use tags: [\"instructed\", \"nude\"]",
			},
			{
				ID:              "studiotwothree",
				Name:            "Studio Two Three",
				Kind:            KindAgent,
				URL:             "https://www.studiotwothree.org/adult-workshops",
				TTLHours:        24,
				DefaultLocation: "Studio Two Three",
				DefaultAddress:  "3300 W Clay St, Richmond, VA 23230",
				Tags:            []string{"open-session", "nude"},
				Instructions: "Look for events with \"Figure Drawing\" or \"Drink & Draw\" in the title.\n" +
					"These are usually open sessions.",
			},
			{
				ID:           "eventbrite",
				Name:         "Eventbrite",
				Kind:         KindJSONLD,
				URL:          "https://www.eventbrite.com/d/va--richmond/figure-drawing/",
				TTLHours:     12,
				Tags:         []string{"open-session", "nude"},
				LinkContains: "eventbrite.com/e/",
				Keywords:     []string{"figure", "life drawing", "drawing"},
				MaxLinks:     defaultMaxLinks,
			},
		},
		BasicAuth: nil,
	}
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.CacheFile == "" {
		c.CacheFile = filepath.Join(".cache", "scraper_cache.json")
	}
	if c.DefaultTTLHours <= 0 {
		c.DefaultTTLHours = defaultTTLHours
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Calendar.Name == "" {
		c.Calendar.Name = "RVA Figure Drawing"
	}
	if c.Calendar.UIDDomain == "" {
		c.Calendar.UIDDomain = "rvafiguredrawing"
	}
	if c.Calendar.RefreshInterval == "" {
		c.Calendar.RefreshInterval = "P1D"
	}
	if len(c.Agent.Command) == 0 {
		c.Agent.Command = DefaultConfig().Agent.Command
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = defaultAgentTimeout
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
		if s.Kind == "" {
			s.Kind = KindJSONLD
		}
		if s.Name == "" {
			s.Name = s.ID
		}
		if s.LinkContains != "" && s.MaxLinks <= 0 {
			s.MaxLinks = defaultMaxLinks
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and source id uniqueness.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if seen[s.ID] {
			return fmt.Errorf("invalid config: duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// SourceIDs returns the configured source ids in declaration order.
func (c *Config) SourceIDs() []string {
	ids := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		ids = append(ids, s.ID)
	}
	return ids
}

// TTLPolicy derives the cache TTL policy from per-source ttl_hours.
func (c *Config) TTLPolicy() cache.TTLPolicy {
	p := cache.TTLPolicy{
		Default:   time.Duration(c.DefaultTTLHours) * time.Hour,
		PerSource: make(map[string]time.Duration),
	}
	for _, s := range c.Sources {
		if s.TTLHours > 0 {
			p.PerSource[s.ID] = time.Duration(s.TTLHours) * time.Hour
		}
	}
	return p
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is parsed, normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	return Parse(data)
}

// Parse decodes, normalizes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Atomic write: write to temp file in same directory then rename.
	tmp, err := os.CreateTemp(dir, ".rvacal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	// Flush and close before chmod/rename.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
