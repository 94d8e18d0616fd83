// Package source defines the Source Fetcher contract and the extraction
// strategies (JSON-LD pages, ICS feeds, rendered pages, external agent) that
// implement it.
package source

import (
	"context"
	"errors"
	"net/http"

	"rvacal/internal/model"
)

var (
	// ErrNotModifiedWithoutCache is reported when a server answers 304 but
	// there is no cached payload to reuse.
	ErrNotModifiedWithoutCache = errors.New("received 304 Not Modified but no cached events available")
	// ErrUnexpectedStatus wraps any non-2xx, non-304 HTTP response.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
	// ErrUnknownKind is returned by Build for an unsupported source kind.
	ErrUnknownKind = errors.New("unknown source kind")
)

// Outcome tags a fetch Result.
type Outcome int

const (
	OutcomeFresh Outcome = iota
	OutcomeNotModified
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFresh:
		return "fresh"
	case OutcomeNotModified:
		return "not_modified"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Validators are the HTTP cache validators returned with a fresh payload.
type Validators struct {
	ETag         string
	LastModified string
}

// Request is one fetch invocation.
type Request struct {
	// Source is the source id.
	Source string
	// Headers carries If-None-Match / If-Modified-Since when the cache holds
	// validators for this source. Never nil.
	Headers http.Header
}

// Result is the tagged outcome of a fetch. Build values with Fresh,
// NotModified or Failed.
type Result struct {
	Outcome    Outcome
	Events     []model.Event
	Validators Validators
	URL        string
	Err        error
}

// Fresh is a successful fetch carrying a new payload.
func Fresh(events []model.Event, v Validators, url string) Result {
	if events == nil {
		events = []model.Event{}
	}
	return Result{Outcome: OutcomeFresh, Events: events, Validators: v, URL: url}
}

// NotModified reports that the server confirmed the cached payload is current.
func NotModified() Result {
	return Result{Outcome: OutcomeNotModified}
}

// Failed reports a fetch that produced nothing usable.
func Failed(err error) Result {
	if err == nil {
		err = errors.New("fetch failed")
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}

// Fetcher obtains the current events of one source. Implementations must
// honor ctx cancellation and never panic on malformed upstream content.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) Result
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) Result

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req Request) Result {
	return f(ctx, req)
}
