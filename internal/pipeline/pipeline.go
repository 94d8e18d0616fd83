// Package pipeline runs every configured source through the scraper Runner
// and merges the results into one sorted, de-duplicated event list.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"rvacal/internal/cache"
	appLog "rvacal/internal/log"
	"rvacal/internal/model"
	"rvacal/internal/scraper"
)

// Options selects what a run covers.
type Options struct {
	// Sources restricts the run to these ids. Empty means every configured
	// source. Unknown ids are logged and ignored.
	Sources []string
	// ForceRefresh invalidates the selected sources before running, so every
	// one of them is fetched.
	ForceRefresh bool
}

// Report is the result of RunAll.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Events   []model.Event
	Outcomes []scraper.Outcome

	CacheHits   int
	Fetched     int
	NotModified int
	Stale       int
	Empty       int
}

// Pipeline orchestrates one aggregation run.
type Pipeline struct {
	store   *cache.Store
	runner  *scraper.Runner
	sources []string
	now     func() time.Time
}

// New creates a Pipeline. sources is the configured id list in display
// order.
func New(store *cache.Store, runner *scraper.Runner, sources []string) *Pipeline {
	return &Pipeline{
		store:   store,
		runner:  runner,
		sources: append([]string(nil), sources...),
		now:     time.Now,
	}
}

// RunAll resolves every selected source and returns the merged feed. The
// only error is a cache write failure, which aborts the run. Sources not yet
// fetched when ctx is cancelled fall back to whatever the cache holds.
func (p *Pipeline) RunAll(ctx context.Context, opts Options) (*Report, error) {
	rep := &Report{RunID: uuid.NewString(), StartedAt: p.now()}

	working := p.workingSet(opts.Sources)

	if opts.ForceRefresh {
		for _, id := range working {
			if err := p.store.Invalidate(id); err != nil {
				return nil, err
			}
		}
		appLog.Info("force refresh: cache invalidated", "run", rep.RunID, "sources", len(working))
	}

	var hits, toFetch []string
	for _, id := range working {
		if _, ok := p.store.Get(id); ok {
			hits = append(hits, id)
		} else {
			toFetch = append(toFetch, id)
		}
	}
	appLog.Info("run plan", "run", rep.RunID, "cached", hits, "fetch", toFetch)

	// Cache hits resolve without network work, so they always run first and
	// lead the merge order.
	groups := make([][]model.Event, 0, len(working))
	for i, id := range append(hits, toFetch...) {
		if err := ctx.Err(); err != nil && i >= len(hits) {
			out := p.runner.Fallback(id, fmt.Errorf("run cancelled before fetch: %w", err))
			rep.Outcomes = append(rep.Outcomes, out)
			groups = append(groups, out.Events)
			continue
		}
		out, err := p.runner.Run(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("run %s: source %s: %w", rep.RunID, id, err)
		}
		rep.Outcomes = append(rep.Outcomes, out)
		groups = append(groups, out.Events)
	}

	for _, o := range rep.Outcomes {
		switch o.State {
		case scraper.StateCacheHit:
			rep.CacheHits++
		case scraper.StateFetchOK:
			rep.Fetched++
		case scraper.StateNotModified:
			rep.NotModified++
		case scraper.StateStaleFallback:
			rep.Stale++
		case scraper.StateEmpty:
			rep.Empty++
		}
	}

	merged := Merge(groups...)
	rep.Events = Dedupe(Sort(merged))
	rep.FinishedAt = p.now()

	appLog.Info("run complete",
		"run", rep.RunID,
		"events", len(rep.Events),
		"duplicates", len(merged)-len(rep.Events),
		"cache_hits", rep.CacheHits,
		"fetched", rep.Fetched,
		"not_modified", rep.NotModified,
		"stale", rep.Stale,
		"empty", rep.Empty,
		"elapsed", rep.FinishedAt.Sub(rep.StartedAt),
	)
	return rep, nil
}

func (p *Pipeline) workingSet(requested []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), p.sources...)
	}
	want := make(map[string]bool, len(requested))
	known := make(map[string]bool, len(p.sources))
	for _, id := range p.sources {
		known[id] = true
	}
	for _, id := range requested {
		if !known[id] {
			appLog.Warn("ignoring unknown source", nil, "source", id)
			continue
		}
		want[id] = true
	}
	out := make([]string, 0, len(want))
	for _, id := range p.sources {
		if want[id] {
			out = append(out, id)
		}
	}
	return out
}

// Merge concatenates event groups in order.
func Merge(groups ...[]model.Event) []model.Event {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	out := make([]model.Event, 0, n)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Sort orders events in place by (date, startTime) as text. An absent start time
// sorts before any clock time on the same date. The sort is stable and
// returns events for chaining.
func Sort(events []model.Event) []model.Event {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.StartTime < b.StartTime
	})
	return events
}

// Dedupe keeps the first event for each (date, location, startTime) key,
// preserving order.
func Dedupe(events []model.Event) []model.Event {
	seen := make(map[model.Key]bool, len(events))
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		k := ev.DedupKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, ev)
	}
	return out
}
