package model

import "time"

// SyncCycleResult is the outcome of one orchestration pass. It is never
// persisted.
type SyncCycleResult struct {
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Pushed     int `json:"pushed"`
	Pulled     int `json:"pulled"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
	Deleted    int `json:"deleted"`

	// Skipped is set when a precondition aborted the cycle before any
	// remote call was made.
	Skipped string `json:"skipped,omitempty"`

	// PullComplete is true when the pull drained every page and the cursor
	// was advanced.
	PullComplete bool `json:"pull_complete"`

	// PullFailed is true when the remote store failed the pull. A pull
	// interrupted by cancellation or skipped by a flush is not a failure.
	PullFailed bool   `json:"pull_failed,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Duration returns how long the cycle ran.
func (r SyncCycleResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Attempted returns the number of remote record operations the cycle tried.
func (r SyncCycleResult) Attempted() int {
	return r.Pushed + r.Failed + r.Deleted
}

// ErrorRate returns failed operations over attempted ones. A pull that
// failed outright counts as one failed operation.
func (r SyncCycleResult) ErrorRate() float64 {
	failed := r.Failed
	attempted := r.Attempted()
	if r.PullFailed {
		failed++
		attempted++
	}
	if attempted == 0 {
		return 0
	}
	return float64(failed) / float64(attempted)
}
