package source

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"rvacal/internal/config"
	appLog "rvacal/internal/log"
	"rvacal/internal/model"
)

const detailPageInterval = 500 * time.Millisecond

// PageFetcher reads schema.org events from a listing page. When the listing
// carries none and LinkContains is set, it follows matching links to detail
// pages and reads the first event from each.
type PageFetcher struct {
	cfg     config.SourceConfig
	client  *Client
	limiter *rate.Limiter
}

// NewPageFetcher builds a jsonld fetcher for cfg. A nil limiter gets one
// request per detailPageInterval.
func NewPageFetcher(cfg config.SourceConfig, client *Client, limiter *rate.Limiter) *PageFetcher {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(detailPageInterval), 1)
	}
	return &PageFetcher{cfg: cfg, client: client, limiter: limiter}
}

func (f *PageFetcher) Fetch(ctx context.Context, req Request) Result {
	page, err := f.client.Get(ctx, f.cfg.URL, req.Headers)
	if err != nil {
		return Failed(err)
	}
	if page.NotModified {
		return NotModified()
	}

	def := defaultsFor(f.cfg)
	events := JSONLDEvents(page.Body, def)
	if len(events) > 0 || f.cfg.LinkContains == "" {
		return Fresh(events, page.Validators, f.cfg.URL)
	}

	links := ExtractLinks(page.Body, f.cfg.URL, f.cfg.LinkContains)
	if f.cfg.MaxLinks > 0 && len(links) > f.cfg.MaxLinks {
		links = links[:f.cfg.MaxLinks]
	}
	appLog.Info("listing has no structured events; following links", "source", f.cfg.ID, "links", len(links))

	events = f.crawl(ctx, links, def)
	// Detail pages change independently of the listing, so crawled results
	// are stored without validators and the next fetch is unconditional.
	return Fresh(events, Validators{}, f.cfg.URL)
}

func (f *PageFetcher) crawl(ctx context.Context, links []string, def model.Defaults) []model.Event {
	events := make([]model.Event, 0, len(links))
	for _, link := range links {
		if err := f.limiter.Wait(ctx); err != nil {
			appLog.Warn("detail crawl interrupted", err, "source", f.cfg.ID)
			break
		}
		page, err := f.client.Get(ctx, link, nil)
		if err != nil {
			appLog.Warn("detail page fetch failed", err, "source", f.cfg.ID, "url", redactURL(link))
			continue
		}
		found := JSONLDEvents(page.Body, def)
		if len(found) == 0 {
			continue
		}
		ev := found[0]
		ev.URL = link
		if !matchesKeywords(ev.Title, f.cfg.Keywords) {
			appLog.Debug("detail page filtered by keywords", "source", f.cfg.ID, "title", ev.Title)
			continue
		}
		events = append(events, ev)
	}
	return events
}

// ExtractLinks returns absolute hrefs containing substr, resolved against
// base, with query and fragment removed, de-duplicated in document order.
func ExtractLinks(body []byte, base, substr string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	z := html.NewTokenizer(bytes.NewReader(body))
	seen := make(map[string]bool)
	var out []string
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if string(name) != "a" {
			continue
		}
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = z.TagAttr()
			if string(key) != "href" {
				continue
			}
			ref, err := url.Parse(strings.TrimSpace(string(val)))
			if err != nil {
				continue
			}
			abs := baseURL.ResolveReference(ref)
			abs.RawQuery = ""
			abs.Fragment = ""
			s := abs.String()
			if !strings.Contains(s, substr) || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
}

func matchesKeywords(title string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	t := strings.ToLower(title)
	for _, k := range keywords {
		if strings.Contains(t, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func defaultsFor(cfg config.SourceConfig) model.Defaults {
	tags := cfg.Tags
	if len(tags) == 0 {
		tags = []string{"open-session"}
	}
	return model.Defaults{
		Source:    cfg.ID,
		SourceURL: cfg.URL,
		Location:  cfg.DefaultLocation,
		Address:   cfg.DefaultAddress,
		Tags:      tags,
	}
}
