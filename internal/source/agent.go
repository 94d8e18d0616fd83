package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"text/template"
	"time"

	"rvacal/internal/config"
	appLog "rvacal/internal/log"
	"rvacal/internal/model"
)

const defaultAgentTimeout = 180 * time.Second

var promptTemplate = template.Must(template.New("prompt").Parse(`You are scraping figure drawing events. Visit the URL and extract events.

Visit: {{.URL}}

Output a JSON array of events (no markdown, just raw JSON):
[
  {
    "title": "Event title",
    "date": "YYYY-MM-DD",
    "startTime": "HH:MM",
    "endTime": "HH:MM",
    "location": "Venue name",
    "address": "Full address",
    "cost": "$XX",
    "costValue": XX.XX,
    "url": "Direct link",
    "description": "Brief description",
    "tags": ["open-session", "nude"],
    "registrationStatus": "available|waitlist|closed|sold-out|unknown",
    "instructor": "Name if shown"
  }
]

Rules:
- Only include figure drawing / life drawing events
- Only include events on or after {{.Today}}
- Extract actual dates, not relative dates
- Output ONLY valid JSON array, nothing else
{{if .Instructions}}
{{.Instructions}}
{{end}}`))

var jsonArrayPattern = regexp.MustCompile(`\[[\s\S]*\]`)

// AgentFetcher delegates extraction to an external command that is handed a
// prompt and prints a JSON array of records.
type AgentFetcher struct {
	cfg     config.SourceConfig
	command []string
	timeout time.Duration
	loc     *time.Location
	now     func() time.Time
}

// NewAgentFetcher builds an agent fetcher. Each "{prompt}" argument in
// command is replaced by the rendered prompt.
func NewAgentFetcher(cfg config.SourceConfig, command []string, timeout time.Duration, loc *time.Location) *AgentFetcher {
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	if loc == nil {
		loc = time.Local
	}
	return &AgentFetcher{cfg: cfg, command: command, timeout: timeout, loc: loc, now: time.Now}
}

// Prompt renders the extraction prompt for this source.
func (f *AgentFetcher) Prompt() (string, error) {
	var buf bytes.Buffer
	err := promptTemplate.Execute(&buf, struct {
		URL          string
		Today        string
		Instructions string
	}{
		URL:          f.cfg.URL,
		Today:        model.Today(f.now(), f.loc),
		Instructions: strings.TrimSpace(f.cfg.Instructions),
	})
	return buf.String(), err
}

func (f *AgentFetcher) Fetch(ctx context.Context, _ Request) Result {
	if len(f.command) == 0 {
		return Failed(errors.New("agent: no command configured"))
	}
	prompt, err := f.Prompt()
	if err != nil {
		return Failed(fmt.Errorf("agent: render prompt: %w", err))
	}

	args := make([]string, len(f.command))
	for i, a := range f.command {
		args[i] = strings.ReplaceAll(a, "{prompt}", prompt)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	appLog.Debug("agent start", "source", f.cfg.ID, "command", args[0])
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Failed(fmt.Errorf("agent: %w", ctx.Err()))
		}
		return Failed(fmt.Errorf("agent: %w: %s", err, strings.TrimSpace(stderr.String())))
	}

	drafts, err := ExtractDrafts(f.cfg.ID, stdout.Bytes())
	if err != nil {
		return Failed(fmt.Errorf("agent: %w", err))
	}

	def := defaultsFor(f.cfg)
	events := make([]model.Event, 0, len(drafts))
	for _, d := range drafts {
		ev, err := d.Normalize(def)
		if err != nil {
			appLog.Warn("skipping agent record", err, "source", f.cfg.ID, "title", d.Title)
			continue
		}
		events = append(events, ev)
	}
	return Fresh(events, Validators{}, f.cfg.URL)
}

// ExtractDrafts decodes a JSON array of records from command output. The
// whole output is tried first, then the outermost bracketed span. Records
// that do not decode are logged and skipped.
func ExtractDrafts(source string, out []byte) ([]model.Draft, error) {
	out = bytes.TrimSpace(out)
	var raw []json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		m := jsonArrayPattern.Find(out)
		if m == nil || json.Unmarshal(m, &raw) != nil {
			return nil, errors.New("no JSON array of events in output")
		}
	}

	drafts := make([]model.Draft, 0, len(raw))
	for i, rec := range raw {
		var d model.Draft
		if err := json.Unmarshal(rec, &d); err != nil {
			appLog.Warn("skipping undecodable agent record", err, "source", source, "index", i)
			continue
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}
