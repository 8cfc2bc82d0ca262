package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/orchestrator"
)

// cli runs emosync commands in-process against one data directory. Without
// a remote URL the commands sync to the SQLite remote next to the cache.
type cli struct {
	t      *testing.T
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EMOSYNC_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("EMOSYNC_PASSPHRASE", "correct horse battery staple")
	t.Setenv("EMOSYNC_USER_ID", "cli-user")
	t.Setenv("EMOSYNC_REMOTE_URL", "")
	t.Setenv("EMOSYNC_LOG_LEVEL", "error")
	return &cli{t: t, config: filepath.Join(dir, "config.yaml")}
}

// run executes one command line and returns what it printed to stdout.
func (c *cli) run(args ...string) string {
	c.t.Helper()
	resetFlags(rootCmd)

	r, w, err := os.Pipe()
	require.NoError(c.t, err)
	stdout := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = stdout }()

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	rootCmd.SetArgs(append([]string{"--config", c.config}, args...))
	execErr := rootCmd.Execute()
	require.NoError(c.t, w.Close())
	out := <-done
	require.NoError(c.t, execErr, out)
	return out
}

// list returns the cached records as printed by "list -o json".
func (c *cli) list() []recordView {
	c.t.Helper()
	var views []recordView
	require.NoError(c.t, json.Unmarshal([]byte(c.run("list", "-o", "json")), &views))
	return views
}

// sync runs "sync --json" and decodes the cycle result after the progress
// line.
func (c *cli) sync() model.SyncCycleResult {
	c.t.Helper()
	out := c.run("sync", "--json")
	start := strings.Index(out, "{")
	require.GreaterOrEqual(c.t, start, 0, out)

	var res model.SyncCycleResult
	require.NoError(c.t, json.Unmarshal([]byte(out[start:]), &res))
	return res
}

// resetFlags puts every flag back to its default so state from one command
// line does not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func TestAddListSyncRemove(t *testing.T) {
	c := newCLI(t)

	out := c.run("add", "joy", "--intensity", "0.7", "--value", "0.8", "--note", "sunny walk", "--tags", "outside,walk")
	assert.Contains(t, out, "Recorded")
	c.run("add", "anxiety", "-i", "0.4", "--value=-0.3")

	views := c.list()
	require.Len(t, views, 2)
	byType := map[string]recordView{}
	for _, v := range views {
		byType[v.Type] = v
		assert.Equal(t, string(model.StatusNotSynced), v.Status)
	}
	joy := byType["joy"]
	assert.Equal(t, "sunny walk", joy.Note)
	assert.Equal(t, []string{"outside", "walk"}, joy.Tags)

	res := c.sync()
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Error)
	assert.Equal(t, 2, res.Pushed)
	for _, v := range c.list() {
		assert.Equal(t, string(model.StatusSynced), v.Status, v.ID)
		assert.NotEmpty(t, v.RemoteVersion)
	}

	out = c.run("rm", joy.ID[:8], "-y")
	assert.Contains(t, out, "Deleted")
	views = c.list()
	require.Len(t, views, 1)
	assert.Equal(t, "anxiety", views[0].Type)

	res = c.sync()
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.Pushed)

	res = c.sync()
	assert.Zero(t, res.Deleted+res.Pushed+res.Pulled+res.Conflicted, "a settled cache has nothing to do")
	assert.Len(t, c.list(), 1)
}

func TestSyncWithoutUserIsSkipped(t *testing.T) {
	c := newCLI(t)
	t.Setenv("EMOSYNC_USER_ID", "")

	c.run("add", "neutral")
	res := c.sync()
	assert.Equal(t, orchestrator.SkipNoSession, res.Skipped)
	require.Len(t, c.list(), 1)
	assert.Equal(t, string(model.StatusNotSynced), c.list()[0].Status)
}
