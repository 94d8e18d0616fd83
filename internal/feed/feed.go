// Package feed owns the long-lived pieces of a deployment: the cache store,
// the configured fetchers and the last published feed. It serializes runs so
// the store's load-modify-persist cycle is never interleaved.
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"rvacal/internal/cache"
	"rvacal/internal/calendar"
	"rvacal/internal/config"
	appLog "rvacal/internal/log"
	"rvacal/internal/metrics"
	"rvacal/internal/pipeline"
	"rvacal/internal/scraper"
	"rvacal/internal/source"
)

// Builder turns a config into the fetcher registry. source.Build is the
// production implementation.
type Builder func(*config.Config) (source.Registry, error)

// Snapshot is one published feed.
type Snapshot struct {
	Report *pipeline.Report
	JSON   []byte
	ICS    []byte
}

// Service runs the pipeline and keeps the latest Snapshot.
type Service struct {
	store   *cache.Store
	metrics *metrics.Metrics
	build   Builder
	now     func() time.Time

	runMu sync.Mutex

	mu       sync.RWMutex
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	last     *Snapshot
}

// Option customizes a Service.
type Option func(*Service)

// WithBuilder replaces source.Build (for testing).
func WithBuilder(b Builder) Option {
	return func(s *Service) { s.build = b }
}

// WithMetrics reports run outcomes to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the wall clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New wires a Service for cfg on top of store.
func New(cfg *config.Config, store *cache.Store, opts ...Option) (*Service, error) {
	s := &Service{
		store: store,
		build: source.Build,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Reconfigure rebuilds the fetchers and TTL policy from cfg. On error the
// previous configuration stays in effect. A run already in progress finishes
// with the configuration it started with.
func (s *Service) Reconfigure(cfg *config.Config) error {
	reg, err := s.build(cfg)
	if err != nil {
		return fmt.Errorf("build sources: %w", err)
	}

	runnerOpts := []scraper.Option{
		scraper.WithFetchTimeout(cfg.FetchTimeout),
		scraper.WithLocation(cfg.Location()),
		scraper.WithClock(s.now),
	}
	if s.metrics != nil {
		runnerOpts = append(runnerOpts, scraper.WithObserver(s.metrics))
	}
	runner := scraper.NewRunner(s.store, reg, runnerOpts...)

	s.mu.Lock()
	s.cfg = cfg
	s.pipeline = pipeline.New(s.store, runner, cfg.SourceIDs())
	s.store.SetPolicy(cfg.TTLPolicy())
	s.mu.Unlock()

	appLog.Info("sources configured", "sources", cfg.SourceIDs())
	return nil
}

// Run executes one aggregation run, renders both outputs, writes them to the
// configured paths and publishes the result as the latest Snapshot. Runs are
// serialized; a second caller waits for the first to finish.
func (s *Service) Run(ctx context.Context, opts pipeline.Options) (*Snapshot, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.RLock()
	cfg, p := s.cfg, s.pipeline
	s.mu.RUnlock()

	rep, err := p.RunAll(ctx, opts)
	if err != nil {
		s.fail("run aborted", err)
		return nil, err
	}

	snap, err := s.render(cfg, rep)
	if err != nil {
		s.fail("render failed", err, "run", rep.RunID)
		return nil, err
	}
	if err := publish(cfg.Output, snap); err != nil {
		s.fail("write outputs failed", err, "run", rep.RunID)
		return nil, err
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveFeed(len(rep.Events), len(s.store.Sources()), rep.FinishedAt)
	}
	return snap, nil
}

func (s *Service) render(cfg *config.Config, rep *pipeline.Report) (*Snapshot, error) {
	now := s.now()

	var jsonBuf bytes.Buffer
	if err := calendar.WriteJSON(&jsonBuf, calendar.NewFeed(rep.Events, now)); err != nil {
		return nil, fmt.Errorf("encode json feed: %w", err)
	}

	var icsBuf bytes.Buffer
	opts := calendar.ICSOptions{
		Name:            cfg.Calendar.Name,
		Description:     cfg.Calendar.Description,
		UIDDomain:       cfg.Calendar.UIDDomain,
		RefreshInterval: cfg.Calendar.RefreshInterval,
		Location:        cfg.Location(),
		Now:             now,
	}
	if err := calendar.WriteICS(&icsBuf, rep.Events, opts); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}

	return &Snapshot{Report: rep, JSON: jsonBuf.Bytes(), ICS: icsBuf.Bytes()}, nil
}

func publish(out config.OutputConfig, snap *Snapshot) error {
	for _, f := range []struct {
		path string
		data []byte
	}{
		{out.EventsJSON, snap.JSON},
		{out.CalendarICS, snap.ICS},
	} {
		if f.path == "" {
			continue
		}
		data := f.data
		err := calendar.WriteFile(f.path, func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
		appLog.Debug("output written", "path", f.path, "bytes", len(data))
	}
	return nil
}

func (s *Service) fail(msg string, err error, kv ...any) {
	appLog.Error(msg, err, kv...)
	if s.metrics != nil {
		s.metrics.ObserveFailure()
	}
}

// Last returns the most recent Snapshot, or nil before the first
// successful run.
func (s *Service) Last() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Config returns the configuration currently in effect.
func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Stats summarizes the cache.
func (s *Service) Stats() cache.Stats {
	return s.store.Stats()
}

// ClearCache drops every cached entry. It waits for any run in progress.
func (s *Service) ClearCache() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.store.InvalidateAll()
}
