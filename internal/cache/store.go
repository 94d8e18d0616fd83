package cache

import (
	"net/http"
	"sort"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	appLog "rvacal/internal/log"
	"rvacal/internal/model"
)

// ErrWrite marks a failure to durably persist the store. Callers must treat
// it as fatal for the current run.
var ErrWrite = pkgerrors.New("cache write failed")

// Store is the per-source result cache. One Store is constructed per process
// invocation and handed to whoever needs it.
type Store struct {
	backend Backend
	policy  TTLPolicy
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open loads the store from backend. A load failure is logged and yields an
// empty store; it is never returned to the caller.
func Open(backend Backend, policy TTLPolicy, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend: backend,
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	entries, err := backend.Load()
	if err != nil {
		appLog.Warn("could not load cache; starting empty", err, "location", backend.Location())
		entries = nil
	}
	if entries == nil {
		entries = make(map[string]*Entry)
	}
	s.entries = entries

	appLog.Debug("cache loaded", "location", backend.Location(), "sources", len(entries))
	return s
}

// Policy returns the TTL policy in effect.
func (s *Store) Policy() TTLPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy swaps the TTL policy, e.g. after a config reload. Entries are
// kept; their expiry is judged by the new policy from now on.
func (s *Store) SetPolicy(p TTLPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// Get returns the entry for source if present and not expired.
func (s *Store) Get(source string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[source]
	if !ok || s.policy.Expired(e, s.now()) {
		return nil, false
	}
	return e.clone(), true
}

// GetRaw returns the entry for source regardless of expiry. It is meant for
// stale fallback only.
func (s *Store) GetRaw(source string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[source]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// ConditionalHeaders returns If-None-Match / If-Modified-Since for any
// entry held for source, expired or not. The result is never nil.
func (s *Store) ConditionalHeaders(source string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := make(http.Header)
	e, ok := s.entries[source]
	if !ok {
		return h
	}
	if e.ETag != "" {
		h.Set("If-None-Match", e.ETag)
	}
	if e.LastModified != "" {
		h.Set("If-Modified-Since", e.LastModified)
	}
	return h
}

// Set replaces the entry for source with a freshly timestamped one and
// persists the whole store before returning. On a write failure the store is
// left as it was.
func (s *Store) Set(source string, events []model.Event, url, etag, lastModified string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if events == nil {
		events = []model.Event{}
	}
	next := s.copyEntriesLocked()
	next[source] = &Entry{
		Source:       source,
		Events:       model.CloneAll(events),
		ScrapedAt:    s.now(),
		ETag:         etag,
		LastModified: lastModified,
		URL:          url,
	}
	return s.commitLocked(next)
}

// Touch refreshes the timestamp of an existing entry, keeping its events and
// validators. It reports false when there is nothing to refresh.
func (s *Store) Touch(source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[source]
	if !ok {
		return false, nil
	}
	refreshed := e.clone()
	refreshed.ScrapedAt = s.now()
	next := s.copyEntriesLocked()
	next[source] = refreshed
	return true, s.commitLocked(next)
}

// Invalidate removes the entry for source. No-op if absent.
func (s *Store) Invalidate(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[source]; !ok {
		return nil
	}
	next := s.copyEntriesLocked()
	delete(next, source)
	return s.commitLocked(next)
}

// InvalidateAll clears every entry.
func (s *Store) InvalidateAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commitLocked(make(map[string]*Entry))
}

// Sources returns the ids currently held, sorted.
func (s *Store) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats summarizes every entry. It has no side effects.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	st := Stats{
		TotalSources: len(s.entries),
		Sources:      make(map[string]SourceStats, len(s.entries)),
	}
	for id, e := range s.entries {
		st.Sources[id] = SourceStats{
			EventCount: len(e.Events),
			AgeMinutes: int(now.Sub(e.ScrapedAt) / time.Minute),
			Expired:    s.policy.Expired(e, now),
			HasETag:    e.ETag != "",
		}
	}
	return st
}

// copyEntriesLocked returns a shallow copy of the entry map. Entries are
// never mutated in place, so sharing the pointers is safe.
func (s *Store) copyEntriesLocked() map[string]*Entry {
	next := make(map[string]*Entry, len(s.entries)+1)
	for id, e := range s.entries {
		next[id] = e
	}
	return next
}

// commitLocked persists next and only then makes it the live state.
func (s *Store) commitLocked(next map[string]*Entry) error {
	if err := s.backend.Save(next); err != nil {
		return pkgerrors.Wrapf(ErrWrite, "%s: %v", s.backend.Location(), err)
	}
	s.entries = next
	return nil
}
