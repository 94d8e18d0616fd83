package source

import (
	"testing"

	"rvacal/internal/model"
)

const listingHTML = `<!doctype html>
<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"Organization","name":"Studio"},
  {"@type":"Event","name":"Open Figure Drawing","startDate":"2030-02-01T18:30:00-05:00",
   "endDate":"2030-02-01T21:00:00-05:00",
   "location":{"@type":"Place","name":"Studio Two Three",
     "address":{"streetAddress":"3300 W Clay St","addressLocality":"Richmond","addressRegion":"VA","postalCode":"23230"}},
   "offers":{"price":"15","priceCurrency":"USD","availability":"https://schema.org/SoldOut"},
   "url":"https://example.org/e/1"}
]}
</script>
<script type="application/ld+json">{ not json </script>
<script type="application/ld+json">
[{"@type":"WebPage","mainEntity":{"@type":["Thing","EducationEvent"],"name":"Long Pose","startDate":"2030-02-03"}}]
</script>
<script>var x = {"@type":"Event"};</script>
</head><body></body></html>`

func TestExtractAndFindEvents(t *testing.T) {
	blocks := ExtractJSONLD([]byte(listingHTML))
	if len(blocks) != 2 {
		t.Fatalf("expected 2 decoded blocks, got %d", len(blocks))
	}
	events := FindEvents(blocks)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if str(events[0]["name"]) != "Open Figure Drawing" || str(events[1]["name"]) != "Long Pose" {
		t.Errorf("unexpected events: %v", events)
	}
}

func TestDraftFromJSONLD(t *testing.T) {
	events := FindEvents(ExtractJSONLD([]byte(listingHTML)))
	d := DraftFromJSONLD(events[0], "https://example.org/listing")

	ev, err := d.Normalize(model.Defaults{Source: "s23", SourceURL: "https://example.org/listing", Tags: []string{"open-session"}})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Date != "2030-02-01" || ev.StartTime != "18:30" || ev.EndTime != "21:00" {
		t.Errorf("date/time = %s %s-%s", ev.Date, ev.StartTime, ev.EndTime)
	}
	if ev.Location != "Studio Two Three" || ev.Address != "3300 W Clay St, Richmond, VA, 23230" {
		t.Errorf("location = %q, address = %q", ev.Location, ev.Address)
	}
	if ev.Cost != "$15.00" || ev.CostValue == nil || *ev.CostValue != 15 {
		t.Errorf("cost = %q / %v", ev.Cost, ev.CostValue)
	}
	if ev.RegistrationStatus != model.RegistrationSoldOut {
		t.Errorf("registration = %q", ev.RegistrationStatus)
	}
	if ev.URL != "https://example.org/e/1" {
		t.Errorf("url = %q", ev.URL)
	}
}

func TestDraftFromJSONLDFallbacks(t *testing.T) {
	obj := map[string]any{
		"@type":     "Event",
		"name":      "Sketch Night",
		"startDate": "2030-03-04",
		"location":  "Gallery 5",
		"offers":    []any{map[string]any{"price": 12.5, "priceCurrency": "EUR"}},
	}
	d := DraftFromJSONLD(obj, "https://example.org/fallback")
	if d.URL != "https://example.org/fallback" {
		t.Errorf("url fallback = %q", d.URL)
	}
	if d.Location != "Gallery 5" || d.Address != "" {
		t.Errorf("location = %q, address = %q", d.Location, d.Address)
	}
	if d.Cost != "12.50 EUR" {
		t.Errorf("cost = %q", d.Cost)
	}
	if d.StartTime != "" {
		t.Errorf("date-only start should have no time, got %q", d.StartTime)
	}
}

func TestJSONLDEventsSkipsInvalid(t *testing.T) {
	page := `<script type="application/ld+json">[
	  {"@type":"Event","name":"no date"},
	  {"@type":"Event","name":"ok","startDate":"2030-01-01T10:00"}
	]</script>`
	events := JSONLDEvents([]byte(page), model.Defaults{Source: "x"})
	if len(events) != 1 || events[0].Title != "ok" {
		t.Fatalf("expected only the valid record, got %+v", events)
	}
}
