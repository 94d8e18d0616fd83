package calendar

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"rvacal/internal/model"
)

// Feed is the JSON document published next to the calendar.
type Feed struct {
	LastUpdated string        `json:"lastUpdated"`
	Events      []model.Event `json:"events"`
}

// NewFeed stamps events with the current UTC time.
func NewFeed(events []model.Event, now time.Time) Feed {
	if events == nil {
		events = []model.Event{}
	}
	return Feed{
		LastUpdated: now.UTC().Format("2006-01-02T15:04:05Z"),
		Events:      events,
	}
}

// WriteJSON encodes feed with two-space indentation.
func WriteJSON(w io.Writer, feed Feed) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(feed)
}

// WriteFile atomically replaces path with whatever write produces: the
// content goes to a temp file in the same directory which is then renamed
// over path.
func WriteFile(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
