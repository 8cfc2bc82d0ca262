// Package model provides the data structures shared by the local cache,
// the remote store boundary and the sync orchestrator.
package model

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"
)

// EmotionType is the categorical label of a record.
type EmotionType string

const (
	EmotionJoy          EmotionType = "joy"
	EmotionSadness      EmotionType = "sadness"
	EmotionAnger        EmotionType = "anger"
	EmotionFear         EmotionType = "fear"
	EmotionDisgust      EmotionType = "disgust"
	EmotionTrust        EmotionType = "trust"
	EmotionAnticipation EmotionType = "anticipation"
	EmotionSurprise     EmotionType = "surprise"
	EmotionLove         EmotionType = "love"
	EmotionAnxiety      EmotionType = "anxiety"
	EmotionNeutral      EmotionType = "neutral"
)

// EmotionTypes lists every known emotion kind in display order.
var EmotionTypes = []EmotionType{
	EmotionJoy, EmotionSadness, EmotionAnger, EmotionFear, EmotionDisgust,
	EmotionTrust, EmotionAnticipation, EmotionSurprise, EmotionLove,
	EmotionAnxiety, EmotionNeutral,
}

// Valid reports whether t is one of the known emotion kinds.
func (t EmotionType) Valid() bool {
	return slices.Contains(EmotionTypes, t)
}

// SyncStatus describes a record's relationship to its remote copy.
type SyncStatus string

const (
	StatusNotSynced SyncStatus = "not_synced"
	StatusSynced    SyncStatus = "synced"
	StatusConflict  SyncStatus = "conflict"
	StatusError     SyncStatus = "error"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusNotSynced, StatusSynced, StatusConflict, StatusError:
		return true
	}
	return false
}

// Pending reports whether the record still owes the server a write.
func (s SyncStatus) Pending() bool {
	return s != StatusSynced
}

// Validation bounds.
const (
	MinIntensity  = 0.0
	MaxIntensity  = 1.0
	MinValue      = -1.0
	MaxValue      = 1.0
	MaxNoteLength = 500
	MinIDLength   = 8
	MaxIDLength   = 64
)

var colorTagPattern = regexp.MustCompile(`^#([0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// EmotionRecord is a single emotion-log entry and the unit of synchronization.
//
// Content fields are compared by ContentEqual; SyncStatus, RemoteVersion and
// the retry bookkeeping are local metadata.
type EmotionRecord struct {
	// ===== Identity =====
	ID string `json:"id"`

	// ===== Content =====
	Type      EmotionType `json:"type"`
	Intensity float64     `json:"intensity"`
	Value     float64     `json:"value"`
	Note      string      `json:"note,omitempty"`
	ColorTag  string      `json:"color_tag,omitempty"`
	RegionID  string      `json:"region_id,omitempty"`
	EventType string      `json:"event_type,omitempty"`
	Tags      []string    `json:"tags,omitempty"`

	// Timestamp is creation time in unix milliseconds. It orders conflicting
	// versions, so edits keep it unless the caller re-stamps the record.
	Timestamp int64 `json:"timestamp"`

	// ===== Sync metadata =====
	SyncStatus    SyncStatus `json:"sync_status"`
	RemoteVersion string     `json:"remote_version,omitempty"`

	// ===== Retry bookkeeping =====
	Attempts  int       `json:"attempts,omitempty"`
	RetryAt   time.Time `json:"retry_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`

	// Rejected is set once the server refused this content too many times.
	// Sync leaves the record alone until the next local edit.
	Rejected bool `json:"rejected,omitempty"`
}

// NewRecord returns a fresh NotSynced record with a new id stamped at now.
func NewRecord(typ EmotionType, intensity, value float64, now time.Time) EmotionRecord {
	return EmotionRecord{
		ID:         uuid.NewString(),
		Type:       typ,
		Intensity:  intensity,
		Value:      value,
		Timestamp:  now.UnixMilli(),
		SyncStatus: StatusNotSynced,
	}
}

// Validate checks content bounds. The remote store rejects records that fail
// it; the local cache only requires an id.
func (r *EmotionRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if len(r.ID) < MinIDLength || len(r.ID) > MaxIDLength {
		return fmt.Errorf("%w: id must be %d-%d characters (got %d)", ErrInvalidRecord, MinIDLength, MaxIDLength, len(r.ID))
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown emotion type %q", ErrInvalidRecord, r.Type)
	}
	if r.Intensity < MinIntensity || r.Intensity > MaxIntensity {
		return fmt.Errorf("%w: intensity must be between %v and %v (got %v)", ErrInvalidRecord, MinIntensity, MaxIntensity, r.Intensity)
	}
	if r.Value < MinValue || r.Value > MaxValue {
		return fmt.Errorf("%w: value must be between %v and %v (got %v)", ErrInvalidRecord, MinValue, MaxValue, r.Value)
	}
	if len(r.Note) > MaxNoteLength {
		return fmt.Errorf("%w: note must be %d characters or less (got %d)", ErrInvalidRecord, MaxNoteLength, len(r.Note))
	}
	if r.ColorTag != "" && !colorTagPattern.MatchString(r.ColorTag) {
		return fmt.Errorf("%w: invalid color tag %q", ErrInvalidRecord, r.ColorTag)
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	return nil
}

// ContentEqual reports whether r and other carry the same user-visible content.
func (r *EmotionRecord) ContentEqual(other *EmotionRecord) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.ID == other.ID &&
		r.Type == other.Type &&
		r.Intensity == other.Intensity &&
		r.Value == other.Value &&
		r.Note == other.Note &&
		r.ColorTag == other.ColorTag &&
		r.RegionID == other.RegionID &&
		r.EventType == other.EventType &&
		r.Timestamp == other.Timestamp &&
		slices.Equal(r.Tags, other.Tags)
}

// WithContentOf returns a copy of r carrying other's content and r's metadata.
func (r EmotionRecord) WithContentOf(other EmotionRecord) EmotionRecord {
	out := other.Clone()
	out.SyncStatus = r.SyncStatus
	out.RemoteVersion = r.RemoteVersion
	out.Attempts = r.Attempts
	out.RetryAt = r.RetryAt
	out.LastError = r.LastError
	out.Rejected = r.Rejected
	return out
}

// Touch re-arms NotSynced after a local edit and clears retry bookkeeping.
func (r *EmotionRecord) Touch() {
	r.SyncStatus = StatusNotSynced
	r.ClearRetry()
}

// MarkSynced records a successful exchange with the server at version.
func (r *EmotionRecord) MarkSynced(version string) {
	r.SyncStatus = StatusSynced
	r.RemoteVersion = version
	r.ClearRetry()
}

// ClearRetry resets the retry bookkeeping.
func (r *EmotionRecord) ClearRetry() {
	r.Attempts = 0
	r.RetryAt = time.Time{}
	r.LastError = ""
	r.Rejected = false
}

// Time returns Timestamp as a time.Time.
func (r *EmotionRecord) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Clone returns a deep copy.
func (r EmotionRecord) Clone() EmotionRecord {
	if r.Tags != nil {
		r.Tags = slices.Clone(r.Tags)
	}
	return r
}
