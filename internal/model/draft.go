package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Draft is a loosely-typed record as it arrives from an extractor. It must
// go through Normalize before it is allowed downstream.
type Draft struct {
	Title              string          `json:"title"`
	Date               string          `json:"date"`
	StartTime          string          `json:"startTime"`
	EndTime            string          `json:"endTime"`
	Location           string          `json:"location"`
	Address            string          `json:"address"`
	Cost               string          `json:"cost"`
	CostValue          json.RawMessage `json:"costValue"`
	URL                string          `json:"url"`
	Description        string          `json:"description"`
	Tags               []string        `json:"tags"`
	Status             string          `json:"status"`
	RegistrationStatus string          `json:"registrationStatus"`
	Instructor         string          `json:"instructor"`
}

// Defaults carries per-source fallbacks applied to empty draft fields.
type Defaults struct {
	Source    string
	SourceURL string
	Location  string
	Address   string
	Tags      []string
}

// Normalize converts a draft into a validated Event. It never returns a
// partially populated record: either the Event is well-formed or err is set.
func (d Draft) Normalize(def Defaults) (Event, error) {
	date, err := NormalizeDate(d.Date)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	start, err := NormalizeClock(d.StartTime)
	if err != nil {
		return Event{}, fmt.Errorf("%w: startTime: %v", ErrInvalidEvent, err)
	}
	end, err := NormalizeClock(d.EndTime)
	if err != nil {
		return Event{}, fmt.Errorf("%w: endTime: %v", ErrInvalidEvent, err)
	}

	ev := Event{
		Source:             def.Source,
		SourceURL:          def.SourceURL,
		Title:              trim(d.Title),
		Date:               date,
		StartTime:          start,
		EndTime:            end,
		Location:           firstNonEmpty(d.Location, def.Location),
		Address:            firstNonEmpty(d.Address, def.Address),
		Cost:               trim(d.Cost),
		URL:                trim(d.URL),
		Description:        trim(d.Description),
		Tags:               d.Tags,
		Status:             normalizeStatus(d.Status),
		RegistrationStatus: normalizeRegistration(d.RegistrationStatus),
		Instructor:         trim(d.Instructor),
	}
	if len(ev.Tags) == 0 && len(def.Tags) > 0 {
		ev.Tags = append([]string(nil), def.Tags...)
	}
	if ev.Tags == nil {
		ev.Tags = []string{}
	}

	if v, ok, err := parseCostValue(d.CostValue); err != nil {
		return Event{}, fmt.Errorf("%w: costValue: %v", ErrInvalidEvent, err)
	} else if ok {
		ev.CostValue = &v
		if ev.Cost == "" {
			ev.Cost = fmt.Sprintf("$%.2f", v)
		}
	}

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// NormalizeDate accepts YYYY-MM-DD optionally followed by a time part
// ("2024-05-01T18:00:00-04:00") and returns the date portion.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("date is required")
	}
	if len(s) > 10 {
		s = s[:10]
	}
	if _, err := time.Parse(DateLayout, s); err != nil {
		return "", fmt.Errorf("date %q is not YYYY-MM-DD", s)
	}
	return s, nil
}

var clockLayouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"3 PM",
	"3PM",
}

// NormalizeClock converts a clock string into HH:MM. Empty input yields "".
func NormalizeClock(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	up := strings.ToUpper(s)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, up); err == nil {
			return t.Format(ClockLayout), nil
		}
	}
	// ISO fragments such as "18:00:00-04:00" or "18:00Z".
	if len(s) >= 5 {
		if t, err := time.Parse(ClockLayout, s[:5]); err == nil {
			return t.Format(ClockLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognized clock time %q", s)
}

func parseCostValue(raw json.RawMessage) (float64, bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false, err
	}
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, err
	}
	return f, true, nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cancelled", "canceled", "eventcancelled", "https://schema.org/eventcancelled":
		return StatusCancelled
	default:
		return StatusConfirmed
	}
}

func normalizeRegistration(s string) string {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case RegistrationAvailable, RegistrationWaitlist, RegistrationClosed, RegistrationSoldOut:
		return v
	case "sold out", "soldout":
		return RegistrationSoldOut
	default:
		return RegistrationUnknown
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
