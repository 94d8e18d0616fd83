package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	appLog "rvacal/internal/log"
	"rvacal/internal/model"
)

// ExtractJSONLD returns every value found in <script type="application/ld+json">
// blocks. A block holding a JSON array contributes its elements. Blocks that
// do not decode are skipped.
func ExtractJSONLD(body []byte) []any {
	z := html.NewTokenizer(bytes.NewReader(body))
	var (
		blocks []any
		inLD   bool
		buf    bytes.Buffer
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return blocks

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "script" {
				continue
			}
			inLD = false
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) == "type" && strings.EqualFold(strings.TrimSpace(string(val)), "application/ld+json") {
					inLD = true
				}
			}
			buf.Reset()

		case html.TextToken:
			if inLD {
				buf.Write(z.Text())
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) != "script" || !inLD {
				continue
			}
			inLD = false
			var v any
			if err := json.Unmarshal(buf.Bytes(), &v); err != nil {
				appLog.Debug("skipping malformed json-ld block", "err", err.Error())
				continue
			}
			if list, ok := v.([]any); ok {
				blocks = append(blocks, list...)
			} else {
				blocks = append(blocks, v)
			}
		}
	}
}

// FindEvents walks JSON-LD values (including @graph and nested objects) and
// returns the objects typed as schema.org events. Matched objects are not
// searched further.
func FindEvents(blocks []any) []map[string]any {
	var out []map[string]any
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			if isEventType(t["@type"]) {
				out = append(out, t)
				return
			}
			for _, child := range t {
				walk(child)
			}
		case []any:
			for _, child := range t {
				walk(child)
			}
		}
	}
	for _, b := range blocks {
		walk(b)
	}
	return out
}

func isEventType(v any) bool {
	switch t := v.(type) {
	case string:
		return t == "Event" || strings.HasSuffix(t, "Event")
	case []any:
		for _, x := range t {
			if isEventType(x) {
				return true
			}
		}
	}
	return false
}

// DraftFromJSONLD maps a schema.org Event object onto a Draft. fallbackURL is
// used when the object has no url of its own.
func DraftFromJSONLD(obj map[string]any, fallbackURL string) model.Draft {
	d := model.Draft{
		Title:       str(obj["name"]),
		Description: str(obj["description"]),
		URL:         str(obj["url"]),
		Status:      str(obj["eventStatus"]),
	}
	if d.URL == "" {
		d.URL = fallbackURL
	}

	start := str(obj["startDate"])
	d.Date = start
	if _, tp, ok := strings.Cut(start, "T"); ok {
		d.StartTime = tp
	}
	if _, tp, ok := strings.Cut(str(obj["endDate"]), "T"); ok {
		d.EndTime = tp
	}

	d.Location, d.Address = jsonLDLocation(obj["location"])

	if offer := firstObject(obj["offers"]); offer != nil {
		if price, ok := number(offer["price"]); ok {
			d.CostValue = json.RawMessage(strconv.FormatFloat(price, 'f', -1, 64))
			currency := str(offer["priceCurrency"])
			if currency == "" || currency == "USD" {
				d.Cost = fmt.Sprintf("$%.2f", price)
			} else {
				d.Cost = fmt.Sprintf("%.2f %s", price, currency)
			}
		}
		d.RegistrationStatus = availability(str(offer["availability"]))
	}

	if p := firstObject(obj["performer"]); p != nil {
		d.Instructor = str(p["name"])
	}
	return d
}

// JSONLDEvents extracts, maps and normalizes every event on an HTML page.
// Records that fail validation are logged and skipped.
func JSONLDEvents(body []byte, def model.Defaults) []model.Event {
	objs := FindEvents(ExtractJSONLD(body))
	events := make([]model.Event, 0, len(objs))
	for _, obj := range objs {
		ev, err := DraftFromJSONLD(obj, def.SourceURL).Normalize(def)
		if err != nil {
			appLog.Warn("skipping json-ld event", err, "source", def.Source, "title", str(obj["name"]))
			continue
		}
		events = append(events, ev)
	}
	return events
}

func jsonLDLocation(v any) (name, address string) {
	switch t := v.(type) {
	case string:
		return t, ""
	case []any:
		if len(t) > 0 {
			return jsonLDLocation(t[0])
		}
	case map[string]any:
		name = str(t["name"])
		switch a := t["address"].(type) {
		case string:
			address = a
		case map[string]any:
			parts := make([]string, 0, 4)
			for _, k := range []string{"streetAddress", "addressLocality", "addressRegion", "postalCode"} {
				if s := str(a[k]); s != "" {
					parts = append(parts, s)
				}
			}
			address = strings.Join(parts, ", ")
		}
	}
	return name, address
}

func availability(s string) string {
	s = s[strings.LastIndex(s, "/")+1:]
	switch s {
	case "InStock", "LimitedAvailability", "OnlineOnly", "InStoreOnly":
		return model.RegistrationAvailable
	case "SoldOut":
		return model.RegistrationSoldOut
	case "Discontinued", "OutOfStock":
		return model.RegistrationClosed
	case "PreOrder", "BackOrder":
		return model.RegistrationWaitlist
	default:
		return model.RegistrationUnknown
	}
}

func firstObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, x := range t {
			if m, ok := x.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(t), "$"), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
