package source

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"rvacal/internal/config"
	appLog "rvacal/internal/log"
	"rvacal/internal/model"
)

// vevent is a VEVENT as read from a feed, before recurrence expansion.
type vevent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	URL         string
	Cancelled   bool

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID in the event's own timezone
	IsOverride bool
}

// ICSFetcher reads an iCalendar feed and expands it into dated records over
// [today, today+horizon].
type ICSFetcher struct {
	cfg     config.SourceConfig
	client  *Client
	loc     *time.Location
	horizon time.Duration
	now     func() time.Time
}

// NewICSFetcher builds an ics fetcher. loc is the display timezone.
func NewICSFetcher(cfg config.SourceConfig, client *Client, loc *time.Location, horizonDays int) *ICSFetcher {
	if loc == nil {
		loc = time.Local
	}
	if horizonDays <= 0 {
		horizonDays = 90
	}
	return &ICSFetcher{
		cfg:     cfg,
		client:  client,
		loc:     loc,
		horizon: time.Duration(horizonDays) * 24 * time.Hour,
		now:     time.Now,
	}
}

func (f *ICSFetcher) Fetch(ctx context.Context, req Request) Result {
	page, err := f.client.Get(ctx, f.cfg.URL, req.Headers)
	if err != nil {
		return Failed(err)
	}
	if page.NotModified {
		return NotModified()
	}

	parsed, err := parseICS(f.cfg.ID, page.Body)
	if err != nil {
		return Failed(err)
	}

	now := f.now().In(f.loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, f.loc)
	occs, err := expandOccurrences(parsed, expandConfig{
		DisplayLocation: f.loc,
		RangeStart:      start,
		RangeEnd:        start.Add(f.horizon),
	})
	if err != nil {
		return Failed(err)
	}

	def := defaultsFor(f.cfg)
	events := make([]model.Event, 0, len(occs))
	for _, o := range occs {
		ev, err := o.draft().Normalize(def)
		if err != nil {
			appLog.Warn("skipping ics occurrence", err, "source", f.cfg.ID, "uid", o.UID)
			continue
		}
		events = append(events, ev)
	}
	return Fresh(events, page.Validators, f.cfg.URL)
}

// parseICS parses an ICS payload. A VEVENT that cannot be read is logged and
// skipped; the rest of the feed is kept.
func parseICS(sourceID string, body []byte) ([]vevent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]vevent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			appLog.Warn("ics vevent parse failed", perr, "source", sourceID)
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "source", sourceID, "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (vevent, error) {
	var out vevent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyUrl); p != nil {
		out.URL = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.Start = start
	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	} else {
		out.End = start
	}

	// VALUE=DATE or a bare YYYYMMDD marks an all-day event.
	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		if vs, ok := dtStartProp.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dtStartProp.Value, "T") {
			out.AllDay = true
		}
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, out.Start.Location()); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		if t, err := parseICSTime(ridProp.Value, out.Start.Location()); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

// parseICSTime parses a DATE or DATE-TIME value. Floating values are read in
// loc, which should be the owning event's timezone.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if loc == nil {
		loc = time.Local
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
