// Package scraper decides, for a single source, whether to serve cached
// events, fetch fresh ones, or fall back to stale data.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rvacal/internal/cache"
	appLog "rvacal/internal/log"
	"rvacal/internal/model"
	"rvacal/internal/source"
)

const defaultFetchTimeout = 3 * time.Minute

// State is the terminal state of one Run.
type State int

const (
	StateUnstarted State = iota
	StateCacheHit
	StateFetchOK
	StateNotModified
	StateStaleFallback
	StateEmpty
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateCacheHit:
		return "cache_hit"
	case StateFetchOK:
		return "fetch_ok"
	case StateNotModified:
		return "not_modified"
	case StateStaleFallback:
		return "stale_fallback"
	case StateEmpty:
		return "empty"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is what a Run produced for one source.
type Outcome struct {
	Source string
	State  State
	// Events is never nil.
	Events []model.Event
	// FetchErr is the reason for a stale fallback or empty result.
	FetchErr error
	// FetchDuration is zero when the fetcher was not invoked.
	FetchDuration time.Duration
}

// Observer is notified once per completed Run.
type Observer interface {
	ObserveRun(o Outcome)
}

// Runner executes the per-source cache/fetch state machine.
type Runner struct {
	store    *cache.Store
	fetchers source.Registry
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time
	observer Observer
}

// Option customizes a Runner.
type Option func(*Runner)

// WithFetchTimeout bounds each fetcher invocation.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLocation sets the timezone that defines "today" for past-event
// filtering.
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithClock overrides the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithObserver registers o to receive every Outcome.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a Runner over store and the given fetchers.
func NewRunner(store *cache.Store, fetchers source.Registry, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		fetchers: fetchers,
		timeout:  defaultFetchTimeout,
		loc:      time.Local,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run resolves the events of one source. Fetch problems never surface as an
// error: they degrade to stale or empty results. The only error returned is a
// failure to persist the cache (cache.ErrWrite).
func (r *Runner) Run(ctx context.Context, id string) (Outcome, error) {
	out, err := r.run(ctx, id)
	if r.observer != nil {
		r.observer.ObserveRun(out)
	}
	return out, err
}

// Fallback resolves id from the cache without fetching, regardless of
// expiry. It is used for sources a cancelled run never reached.
func (r *Runner) Fallback(id string, cause error) Outcome {
	out := r.fallback(Outcome{Source: id, State: StateUnstarted}, cause)
	if r.observer != nil {
		r.observer.ObserveRun(out)
	}
	return out
}

func (r *Runner) run(ctx context.Context, id string) (Outcome, error) {
	out := Outcome{Source: id, State: StateUnstarted}

	if e, ok := r.store.Get(id); ok {
		appLog.Debug("cache hit", "source", id, "events", len(e.Events), "scraped_at", e.ScrapedAt)
		out.State = StateCacheHit
		out.Events = nonNil(e.Events)
		return out, nil
	}

	fetcher, ok := r.fetchers[id]
	if !ok {
		return r.fallback(out, fmt.Errorf("no fetcher registered for source %q", id)), nil
	}

	req := source.Request{Source: id, Headers: r.store.ConditionalHeaders(id)}
	appLog.Info("fetching", "source", id, "conditional", len(req.Headers) > 0)

	start := time.Now()
	res := r.fetch(ctx, fetcher, req)
	out.FetchDuration = time.Since(start)

	switch res.Outcome {
	case source.OutcomeFresh:
		today := model.Today(r.now(), r.loc)
		future := make([]model.Event, 0, len(res.Events))
		for _, ev := range res.Events {
			if ev.IsFuture(today) {
				future = append(future, ev)
			}
		}
		if err := r.store.Set(id, future, res.URL, res.Validators.ETag, res.Validators.LastModified); err != nil {
			return out, err
		}
		appLog.Info("fetch ok", "source", id, "events", len(future), "dropped_past", len(res.Events)-len(future))
		out.State = StateFetchOK
		out.Events = future
		return out, nil

	case source.OutcomeNotModified:
		touched, err := r.store.Touch(id)
		if err != nil {
			return out, err
		}
		if !touched {
			return r.fallback(out, source.ErrNotModifiedWithoutCache), nil
		}
		e, _ := r.store.GetRaw(id)
		appLog.Info("not modified; reusing cached events", "source", id, "events", len(e.Events))
		out.State = StateNotModified
		out.Events = nonNil(e.Events)
		return out, nil

	default:
		return r.fallback(out, res.Err), nil
	}
}

// fetch invokes f under the per-source timeout and converts a panic into a
// failed result.
func (r *Runner) fetch(ctx context.Context, f source.Fetcher, req source.Request) (res source.Result) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res = source.Failed(fmt.Errorf("fetcher panic: %v", p))
		}
	}()

	res = f.Fetch(ctx, req)
	if res.Outcome == source.OutcomeFailed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.Err = fmt.Errorf("fetch timed out after %s: %w", r.timeout, res.Err)
	}
	return res
}

func (r *Runner) fallback(out Outcome, cause error) Outcome {
	out.FetchErr = cause
	if e, ok := r.store.GetRaw(out.Source); ok {
		appLog.Warn("fetch failed; serving stale cache", cause,
			"source", out.Source, "events", len(e.Events), "scraped_at", e.ScrapedAt)
		out.State = StateStaleFallback
		out.Events = nonNil(e.Events)
		return out
	}
	appLog.Warn("fetch failed; no cached events", cause, "source", out.Source)
	out.State = StateEmpty
	out.Events = []model.Event{}
	return out
}

func nonNil(events []model.Event) []model.Event {
	if events == nil {
		return []model.Event{}
	}
	return events
}
