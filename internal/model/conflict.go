package model

import "time"

// ConflictSide names which copy an artifact was taken from.
type ConflictSide string

const (
	SideLocal  ConflictSide = "local"
	SideRemote ConflictSide = "remote"
)

// ConflictArtifact keeps a version that lost (or could not be compared in)
// a conflict resolution so the user can inspect it before it is dismissed.
type ConflictArtifact struct {
	RecordID      string        `json:"record_id"`
	Side          ConflictSide  `json:"side"`
	Record        EmotionRecord `json:"record"`
	RemoteVersion string        `json:"remote_version,omitempty"`
	Reason        string        `json:"reason"`
	Resolved      bool          `json:"resolved"`
	DetectedAt    time.Time     `json:"detected_at"`
}
