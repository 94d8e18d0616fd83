package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Date and clock layouts used throughout the feed. Both sort correctly as
// plain strings.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

const (
	RegistrationAvailable = "available"
	RegistrationWaitlist  = "waitlist"
	RegistrationClosed    = "closed"
	RegistrationSoldOut   = "sold-out"
	RegistrationUnknown   = "unknown"
)

// ErrInvalidEvent wraps every record-level validation failure.
var ErrInvalidEvent = errors.New("invalid event")

// Event is the normalized, source-agnostic record every fetcher produces.
// Optional fields use their zero value for "absent"; StartTime "" sorts
// before any clock time.
type Event struct {
	Source             string   `json:"source" validate:"required"`
	SourceURL          string   `json:"sourceUrl"`
	Title              string   `json:"title"`
	Date               string   `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime          string   `json:"startTime,omitempty" validate:"omitempty,datetime=15:04"`
	EndTime            string   `json:"endTime,omitempty" validate:"omitempty,datetime=15:04"`
	Location           string   `json:"location"`
	Address            string   `json:"address"`
	Cost               string   `json:"cost"`
	CostValue          *float64 `json:"costValue,omitempty" validate:"omitempty,gte=0"`
	URL                string   `json:"url"`
	Description        string   `json:"description"`
	Tags               []string `json:"tags"`
	Status             string   `json:"status" validate:"oneof=confirmed cancelled"`
	RegistrationStatus string   `json:"registrationStatus" validate:"oneof=available waitlist closed sold-out unknown"`
	Instructor         string   `json:"instructor,omitempty"`
}

// Key is the composite identity used for de-duplication.
type Key struct {
	Date      string
	Location  string
	StartTime string
}

// DedupKey returns (date, location, start time).
func (e Event) DedupKey() Key {
	return Key{Date: e.Date, Location: e.Location, StartTime: e.StartTime}
}

// IsFuture reports whether the event is on or after today (YYYY-MM-DD).
func (e Event) IsFuture(today string) bool {
	return e.Date >= today
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the record invariants.
func (e Event) Validate() error {
	if err := validatorInstance().Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q (value %v)", ErrInvalidEvent, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// Today formats now in loc as a feed date.
func Today(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return now.In(loc).Format(DateLayout)
}

// Clone returns a deep copy so cached slices are never shared with callers.
func (e Event) Clone() Event {
	out := e
	if e.Tags != nil {
		out.Tags = append([]string(nil), e.Tags...)
	}
	if e.CostValue != nil {
		v := *e.CostValue
		out.CostValue = &v
	}
	return out
}

// CloneAll deep-copies a slice of events.
func CloneAll(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = e.Clone()
	}
	return out
}

func trim(s string) string {
	return strings.TrimSpace(s)
}
