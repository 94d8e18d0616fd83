package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	appLog "rvacal/internal/log"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxBodyBytes       = 10 << 20
)

// Page is a fetched HTTP document.
type Page struct {
	URL         string
	Body        []byte
	NotModified bool
	Validators  Validators
}

// Client performs GETs with a fixed User-Agent and optional conditional
// headers.
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient creates a Client. A nil hc gets a 30s-timeout default.
func NewClient(hc *http.Client, userAgent string) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{http: hc, userAgent: userAgent}
}

// Get fetches url. A 304 yields a Page with NotModified set and no body; any
// other non-2xx status is an ErrUnexpectedStatus.
func (c *Client) Get(ctx context.Context, url string, conditional http.Header) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/calendar;q=0.9,*/*;q=0.8")
	for k, vs := range conditional {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	appLog.Debug("http fetch start", "url", redactURL(url), "conditional", len(conditional) > 0)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		appLog.Debug("http fetch not modified", "url", redactURL(url))
		return &Page{URL: url, NotModified: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		appLog.Debug("http fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return &Page{
			URL:  url,
			Body: body,
			Validators: Validators{
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			},
		}, nil

	default:
		return nil, fmt.Errorf("%w: %s from %s", ErrUnexpectedStatus, resp.Status, redactURL(url))
	}
}

// redactURL trims a URL to scheme and host for logging.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "url://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
