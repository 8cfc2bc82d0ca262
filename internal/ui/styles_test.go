package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moodjar/emosync/internal/model"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"a longer note", 6, "a lon…"},
		{"line\nbreak", 20, "line break"},
		{"héllo wörld", 4, "hél…"},
		{"anything", 0, "anything"},
		{"ab", 1, "…"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.n), "Truncate(%q, %d)", tt.in, tt.n)
	}
}

func TestRenderStatusKeepsText(t *testing.T) {
	for _, s := range []model.SyncStatus{model.StatusSynced, model.StatusNotSynced, model.StatusConflict, model.StatusError} {
		assert.Contains(t, RenderStatus(s), string(s))
	}
}

func TestTableContainsCells(t *testing.T) {
	out := Table([]string{"ID", "TYPE"}, [][]string{{"record-1", "joy"}, {"record-2", "fear"}})
	for _, want := range []string{"ID", "TYPE", "record-1", "joy", "record-2", "fear"} {
		assert.Contains(t, out, want)
	}
}
