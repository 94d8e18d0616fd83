package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDraftNormalize(t *testing.T) {
	def := Defaults{
		Source:    "visarts",
		SourceURL: "https://example.org/classes",
		Location:  "Visual Arts Center",
		Address:   "1812 W Main St",
		Tags:      []string{"open-session"},
	}

	d := Draft{
		Title:              "  Figure Drawing  ",
		Date:               "2024-05-01T18:00:00-04:00",
		StartTime:          "6:00 PM",
		EndTime:            "21:00:00",
		CostValue:          json.RawMessage(`7`),
		RegistrationStatus: "Sold Out",
	}

	ev, err := d.Normalize(def)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Title != "Figure Drawing" {
		t.Errorf("Title = %q", ev.Title)
	}
	if ev.Date != "2024-05-01" {
		t.Errorf("Date = %q, want 2024-05-01", ev.Date)
	}
	if ev.StartTime != "18:00" || ev.EndTime != "21:00" {
		t.Errorf("times = %q-%q, want 18:00-21:00", ev.StartTime, ev.EndTime)
	}
	if ev.Location != def.Location || ev.Address != def.Address {
		t.Errorf("defaults not applied: %q / %q", ev.Location, ev.Address)
	}
	if ev.CostValue == nil || *ev.CostValue != 7 || ev.Cost != "$7.00" {
		t.Errorf("cost = %q / %v", ev.Cost, ev.CostValue)
	}
	if ev.Status != StatusConfirmed {
		t.Errorf("Status = %q", ev.Status)
	}
	if ev.RegistrationStatus != RegistrationSoldOut {
		t.Errorf("RegistrationStatus = %q", ev.RegistrationStatus)
	}
	if len(ev.Tags) != 1 || ev.Tags[0] != "open-session" {
		t.Errorf("Tags = %v", ev.Tags)
	}
}

func TestDraftNormalizeRejects(t *testing.T) {
	tests := []struct {
		name  string
		draft Draft
	}{
		{"missing date", Draft{Title: "x"}},
		{"bad date", Draft{Date: "05/01/2024"}},
		{"bad start", Draft{Date: "2024-05-01", StartTime: "evening"}},
		{"bad cost", Draft{Date: "2024-05-01", CostValue: json.RawMessage(`"free-ish"`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.draft.Normalize(Defaults{Source: "s"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestValidateRequiresSource(t *testing.T) {
	ev := Event{Date: "2024-05-01", Status: StatusConfirmed, RegistrationStatus: RegistrationUnknown}
	if err := ev.Validate(); err == nil {
		t.Fatal("expected error for missing source")
	}
	ev.Source = "s"
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNormalizeClock(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"09:00", "09:00"},
		{"9:00", "09:00"},
		{"18:30:00", "18:30"},
		{"7:15 pm", "19:15"},
		{"7PM", "19:00"},
		{"18:00:00-04:00", "18:00"},
	}
	for _, tt := range tests {
		got, err := NormalizeClock(tt.in)
		if err != nil {
			t.Errorf("NormalizeClock(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeClock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsFutureAndToday(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	now := time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC) // still May 1 in EST
	today := Today(now, loc)
	if today != "2024-05-01" {
		t.Fatalf("Today = %q", today)
	}
	if !(Event{Date: "2024-05-01"}).IsFuture(today) {
		t.Error("same day should count as future")
	}
	if (Event{Date: "2024-04-30"}).IsFuture(today) {
		t.Error("yesterday should not count as future")
	}
}

func TestCloneIsDeep(t *testing.T) {
	v := 3.0
	ev := Event{Tags: []string{"a"}, CostValue: &v}
	c := ev.Clone()
	c.Tags[0] = "b"
	*c.CostValue = 9
	if ev.Tags[0] != "a" || *ev.CostValue != 3 {
		t.Error("clone shares memory with original")
	}
}
