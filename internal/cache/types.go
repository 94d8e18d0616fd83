// Package cache stores the last successful scrape result per source.
//
// # Layout
//
// All entries live in a single JSON document keyed by source id:
//
//	{
//	  "visarts": {
//	    "source": "visarts",
//	    "events": [...],
//	    "scraped_at": "2024-05-01T12:00:00-04:00",
//	    "etag": "\"abc\"",
//	    "last_modified": "Wed, 01 May 2024 10:00:00 GMT",
//	    "url": "https://..."
//	  }
//	}
//
// # Freshness
//
// An entry is expired when now > scraped_at + ttl(source). Expired entries are
// never returned by Get but stay on disk: GetRaw serves them as a fallback
// when a fetch fails, and ConditionalHeaders still offers their validators so
// the origin can answer "not modified".
//
// # Durability
//
// Every mutation rewrites the whole document through a temp file and rename,
// so a crash mid-write leaves the previous document intact. A document that
// cannot be read or parsed at startup is treated as empty.
package cache

import (
	"time"

	"rvacal/internal/model"
)

// Entry is one source's cached result. It is replaced wholesale on every
// successful fetch.
type Entry struct {
	Source       string        `json:"source"`
	Events       []model.Event `json:"events"`
	ScrapedAt    time.Time     `json:"scraped_at"`
	ETag         string        `json:"etag,omitempty"`
	LastModified string        `json:"last_modified,omitempty"`
	URL          string        `json:"url,omitempty"`
}

func (e *Entry) clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Events = model.CloneAll(e.Events)
	return &c
}

// TTLPolicy maps source ids to a time-to-live, falling back to Default.
type TTLPolicy struct {
	Default   time.Duration
	PerSource map[string]time.Duration
}

// DefaultTTL is used when a policy has no default of its own.
const DefaultTTL = 12 * time.Hour

// TTL returns the time-to-live for source.
func (p TTLPolicy) TTL(source string) time.Duration {
	if d, ok := p.PerSource[source]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultTTL
}

// Expired reports whether entry is stale at now.
func (p TTLPolicy) Expired(e *Entry, now time.Time) bool {
	return now.After(e.ScrapedAt.Add(p.TTL(e.Source)))
}

// SourceStats summarizes one entry for observability.
type SourceStats struct {
	EventCount int  `json:"event_count"`
	AgeMinutes int  `json:"age_minutes"`
	Expired    bool `json:"expired"`
	HasETag    bool `json:"has_etag"`
}

// Stats is the read-only summary returned by Store.Stats.
type Stats struct {
	TotalSources int                    `json:"total_sources"`
	Sources      map[string]SourceStats `json:"sources"`
}

// Backend persists the full set of entries.
type Backend interface {
	// Load returns all persisted entries. A missing document is not an error.
	Load() (map[string]*Entry, error)

	// Save durably replaces the persisted document with entries.
	Save(entries map[string]*Entry) error

	// Location describes where entries are persisted (for logs).
	Location() string
}
