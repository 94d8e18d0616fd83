package source

import (
	"fmt"
	"net/http"

	"rvacal/internal/config"
)

// Registry maps source ids to their fetchers.
type Registry map[string]Fetcher

// Build constructs one fetcher per configured source, chosen by kind. All
// HTTP-based fetchers share one client.
func Build(cfg *config.Config) (Registry, error) {
	client := NewClient(&http.Client{Timeout: defaultHTTPTimeout}, cfg.UserAgent)
	loc := cfg.Location()
	render := ChromeRenderer(cfg.UserAgent, 0)

	reg := make(Registry, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		var f Fetcher
		switch sc.Kind {
		case config.KindJSONLD:
			f = NewPageFetcher(sc, client, nil)
		case config.KindICS:
			f = NewICSFetcher(sc, client, loc, cfg.HorizonDays)
		case config.KindRendered:
			f = NewRenderedFetcher(sc, render, cfg.FetchTimeout)
		case config.KindAgent:
			f = NewAgentFetcher(sc, cfg.Agent.Command, cfg.Agent.Timeout, loc)
		default:
			return nil, fmt.Errorf("%w: %q (source %s)", ErrUnknownKind, sc.Kind, sc.ID)
		}
		reg[sc.ID] = f
	}
	return reg, nil
}
