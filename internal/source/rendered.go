package source

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"rvacal/internal/config"
)

const (
	defaultRenderTimeout = 60 * time.Second
	defaultRenderSettle  = 2 * time.Second
)

// Renderer returns the serialized DOM of url after client-side scripts ran.
type Renderer func(ctx context.Context, url string) ([]byte, error)

// ChromeRenderer launches a headless Chromium per call via chromedp,
// navigates to the page, waits for <body> plus settle for late scripts and
// returns the outer HTML of the document.
func ChromeRenderer(userAgent string, settle time.Duration) Renderer {
	if settle <= 0 {
		settle = defaultRenderSettle
	}
	return func(parent context.Context, url string) ([]byte, error) {
		opts := chromedp.DefaultExecAllocatorOptions[:]
		if userAgent != "" {
			opts = append(opts, chromedp.UserAgent(userAgent))
		}
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
		defer cancelAlloc()

		ctx, cancel := chromedp.NewContext(allocCtx)
		defer cancel()

		var html string
		tasks := chromedp.Tasks{
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(settle),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		}
		if err := chromedp.Run(ctx, tasks); err != nil {
			return nil, fmt.Errorf("render: chromedp run failed: %w", err)
		}
		return []byte(html), nil
	}
}

// RenderedFetcher reads schema.org events from a page that only carries them
// after JavaScript runs. It never sends conditional requests, so every fetch
// is Fresh or Failed.
type RenderedFetcher struct {
	cfg     config.SourceConfig
	render  Renderer
	timeout time.Duration
}

// NewRenderedFetcher builds a rendered fetcher. timeout bounds a single
// render; zero means defaultRenderTimeout.
func NewRenderedFetcher(cfg config.SourceConfig, render Renderer, timeout time.Duration) *RenderedFetcher {
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	return &RenderedFetcher{cfg: cfg, render: render, timeout: timeout}
}

func (f *RenderedFetcher) Fetch(ctx context.Context, _ Request) Result {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, err := f.render(ctx, f.cfg.URL)
	if err != nil {
		return Failed(err)
	}
	return Fresh(JSONLDEvents(body, defaultsFor(f.cfg)), Validators{}, f.cfg.URL)
}
