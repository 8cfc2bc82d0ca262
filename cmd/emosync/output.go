package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/ui"
)

// recordView is the printed shape of a record.
type recordView struct {
	ID            string   `json:"id" yaml:"id"`
	Type          string   `json:"type" yaml:"type"`
	Intensity     float64  `json:"intensity" yaml:"intensity"`
	Value         float64  `json:"value" yaml:"value"`
	Note          string   `json:"note,omitempty" yaml:"note,omitempty"`
	ColorTag      string   `json:"color_tag,omitempty" yaml:"color_tag,omitempty"`
	RegionID      string   `json:"region_id,omitempty" yaml:"region_id,omitempty"`
	EventType     string   `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Tags          []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Time          string   `json:"time" yaml:"time"`
	Status        string   `json:"status" yaml:"status"`
	RemoteVersion string   `json:"remote_version,omitempty" yaml:"remote_version,omitempty"`
	LastError     string   `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Rejected      bool     `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

func viewOf(r model.EmotionRecord) recordView {
	return recordView{
		ID:            r.ID,
		Type:          string(r.Type),
		Intensity:     r.Intensity,
		Value:         r.Value,
		Note:          r.Note,
		ColorTag:      r.ColorTag,
		RegionID:      r.RegionID,
		EventType:     r.EventType,
		Tags:          r.Tags,
		Time:          r.Time().Local().Format(time.RFC3339),
		Status:        string(r.SyncStatus),
		RemoteVersion: r.RemoteVersion,
		LastError:     r.LastError,
		Rejected:      r.Rejected,
	}
}

// writeRecords prints records in format: table, json or yaml.
func writeRecords(w io.Writer, format string, records []model.EmotionRecord) error {
	switch format {
	case "json":
		views := make([]recordView, len(records))
		for i, r := range records {
			views[i] = viewOf(r)
		}
		return encodeJSON(w, views)

	case "yaml":
		views := make([]recordView, len(records))
		for i, r := range records {
			views[i] = viewOf(r)
		}
		return writeYAML(w, views)

	case "table", "":
		if len(records) == 0 {
			_, err := fmt.Fprintln(w, ui.RenderMuted("No records"))
			return err
		}
		rows := make([][]string, len(records))
		for i, r := range records {
			rows[i] = []string{
				shortID(r.ID),
				r.Time().Local().Format("2006-01-02 15:04"),
				string(r.Type),
				fmt.Sprintf("%.2f", r.Intensity),
				fmt.Sprintf("%+.2f", r.Value),
				ui.RenderStatus(r.SyncStatus),
				ui.Truncate(r.Note, 40),
			}
		}
		_, err := fmt.Fprintln(w, ui.Table([]string{"ID", "WHEN", "EMOTION", "INTENSITY", "VALENCE", "STATUS", "NOTE"}, rows))
		return err

	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
}

// writeRecord prints a single record.
func writeRecord(w io.Writer, format string, r model.EmotionRecord) error {
	switch format {
	case "json":
		return encodeJSON(w, viewOf(r))
	case "yaml", "":
		return writeYAML(w, viewOf(r))
	default:
		return writeRecords(w, format, []model.EmotionRecord{r})
	}
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSON(v any) error {
	return encodeJSON(os.Stdout, v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}

// shortID returns the first segment of a uuid-style id.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i >= 8 {
		return id[:i]
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
