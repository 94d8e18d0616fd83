package source

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "rvacal/internal/log"
	"rvacal/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// expandConfig controls how recurrence expansion is performed.
type expandConfig struct {
	// DisplayLocation is the timezone timed occurrences are converted to.
	// All-day occurrences keep their own calendar date.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// occurrence is one concrete instance of a (possibly recurring) VEVENT.
type occurrence struct {
	UID         string
	Summary     string
	Description string
	Location    string
	URL         string
	Cancelled   bool
	AllDay      bool
	Start       time.Time
	End         time.Time
}

func (o occurrence) draft() model.Draft {
	d := model.Draft{
		Title:       o.Summary,
		Date:        o.Start.Format(model.DateLayout),
		Location:    o.Location,
		URL:         o.URL,
		Description: o.Description,
		Status:      model.StatusConfirmed,
	}
	if o.Cancelled {
		d.Status = model.StatusCancelled
	}
	if !o.AllDay {
		d.StartTime = o.Start.Format(model.ClockLayout)
		if o.End.After(o.Start) {
			d.EndTime = o.End.Format(model.ClockLayout)
		}
	}
	return d
}

// expandOccurrences turns parsed VEVENTs into concrete occurrences within
// the configured range. It handles single events, RRULE recurrence, EXDATE
// exclusions and RECURRENCE-ID overrides. The result is ordered by start.
func expandOccurrences(events []vevent, cfg expandConfig) ([]occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Group base events and overrides by UID, keeping first-seen UID order.
	var uids []string
	baseByUID := make(map[string][]vevent)
	overridesByUID := make(map[string][]vevent)
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, ok := baseByUID[ev.UID]; !ok {
			uids = append(uids, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	out := make([]occurrence, 0)
	for _, uid := range uids {
		ov := overridesByUID[uid]
		for _, ev := range baseByUID[uid] {
			var (
				occ    []occurrence
				hitCap bool
			)
			if ev.RawRRule == "" {
				occ = expandSingle(ev, ov, cfg)
			} else {
				occ, hitCap = expandRecurring(ev, ov, cfg)
			}
			if hitCap {
				appLog.Warn("expand: truncated occurrences for UID due to cap",
					errors.New("max occurrences reached"), "uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func expandSingle(ev vevent, overrides []vevent, cfg expandConfig) []occurrence {
	if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	start, end := ev.Start, ev.End
	if o, ok := findOverride(overrides, start); ok {
		start, end, ev = o.Start, o.End, o
	}
	return []occurrence{makeOccurrence(ev, start, end, cfg.DisplayLocation)}
}

func expandRecurring(ev vevent, overrides []vevent, cfg expandConfig) ([]occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Warn("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	times := set.Between(cfg.RangeStart.In(ev.Start.Location()), cfg.RangeEnd.In(ev.Start.Location()), true)
	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]occurrence, 0, len(times))
	for _, start := range times {
		end := start.Add(dur)
		base := ev
		if o, ok := findOverride(overrides, start); ok {
			start, end, base = o.Start, o.End, o
		}
		out = append(out, makeOccurrence(base, start, end, cfg.DisplayLocation))
	}
	return out, hitCap
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []vevent, start time.Time) (vevent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return vevent{}, false
}

func makeOccurrence(ev vevent, start, end time.Time, displayLoc *time.Location) occurrence {
	if !ev.AllDay {
		start = start.In(displayLoc)
		end = end.In(displayLoc)
	}
	return occurrence{
		UID:         ev.UID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		URL:         ev.URL,
		Cancelled:   ev.Cancelled,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
