// Package calendar serializes the merged event list as an iCalendar
// subscription feed and as the JSON document consumed by the web front end.
package calendar

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "rvacal/internal/log"
	"rvacal/internal/model"
)

// ICSOptions describes the published calendar.
type ICSOptions struct {
	Name            string
	Description     string
	UIDDomain       string
	RefreshInterval string
	// Location is the timezone event dates and times are expressed in.
	Location *time.Location
	// Now defines "today" for future filtering and the DTSTAMP value.
	Now time.Time
}

// UID returns the stable identifier of an event:
// {date}-{HHMM or 0000}-{source}@{domain}. Location is not part of it, so
// two same-slot events from one source at different venues share a UID.
func UID(ev model.Event, domain string) string {
	hhmm := "0000"
	if ev.StartTime != "" {
		hhmm = strings.ReplaceAll(ev.StartTime, ":", "")
	}
	return fmt.Sprintf("%s-%s-%s@%s", ev.Date, hhmm, ev.Source, domain)
}

// BuildICS converts events dated today or later into a VCALENDAR.
func BuildICS(events []model.Event, opts ICSOptions) *ical.Calendar {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	today := model.Today(now, loc)

	cal := ical.NewCalendarFor(opts.Name)
	cal.SetProductId("-//" + opts.Name + "//Calendar//EN")
	cal.SetCalscale("GREGORIAN")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(opts.Name)
	if opts.Description != "" {
		cal.SetXWRCalDesc(opts.Description)
	}
	if opts.RefreshInterval != "" {
		cal.SetRefreshInterval(opts.RefreshInterval, ical.WithValue(string(ical.ValueDataTypeDuration)))
	}

	for _, ev := range events {
		if !ev.IsFuture(today) {
			continue
		}
		if err := addEvent(cal, ev, opts.UIDDomain, loc, now); err != nil {
			appLog.Warn("skipping event in calendar output", err, "source", ev.Source, "date", ev.Date, "title", ev.Title)
		}
	}
	return cal
}

// WriteICS serializes BuildICS(events, opts) to w.
func WriteICS(w io.Writer, events []model.Event, opts ICSOptions) error {
	return BuildICS(events, opts).SerializeTo(w)
}

func addEvent(cal *ical.Calendar, ev model.Event, domain string, loc *time.Location, stamp time.Time) error {
	day, err := time.ParseInLocation(model.DateLayout, ev.Date, loc)
	if err != nil {
		return err
	}

	vev := cal.AddEvent(UID(ev, domain))
	vev.SetDtStampTime(stamp)

	if ev.StartTime == "" {
		vev.SetAllDayStartAt(day)
		vev.SetAllDayEndAt(day.AddDate(0, 0, 1))
	} else {
		start, err := atClock(day, ev.StartTime, loc)
		if err != nil {
			return err
		}
		end := start
		if ev.EndTime != "" {
			if end, err = atClock(day, ev.EndTime, loc); err != nil {
				return err
			}
			if end.Before(start) {
				end = end.AddDate(0, 0, 1)
			}
		}
		vev.SetStartAt(start)
		vev.SetEndAt(end)
	}

	title := ev.Title
	if title == "" {
		title = "Figure Drawing"
	}
	vev.SetSummary(title)
	if where := joinNonEmpty(", ", ev.Location, ev.Address); where != "" {
		vev.SetLocation(where)
	}

	var costLine, registerLine string
	if ev.Cost != "" {
		costLine = "Cost: " + ev.Cost
	}
	if ev.URL != "" {
		registerLine = "Register: " + ev.URL
		vev.SetURL(ev.URL)
	}
	if desc := joinNonEmpty("\n\n", ev.Description, costLine, registerLine); desc != "" {
		vev.SetDescription(desc)
	}

	status := "CONFIRMED"
	if ev.Status == model.StatusCancelled {
		status = "CANCELLED"
	}
	vev.SetProperty(ical.ComponentPropertyStatus, status)
	for _, tag := range ev.Tags {
		vev.AddProperty(ical.ComponentPropertyCategories, tag)
	}
	return nil
}

func atClock(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(model.ClockLayout, clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
