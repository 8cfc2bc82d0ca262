package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/dashboard"
	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a single sync cycle in the foreground:
  1. Upload pending deletions
  2. Upload new and edited records
  3. Re-check records in conflict
  4. Download remote changes and resolve conflicts

A manual sync runs even when auto sync is disabled. It is skipped when the
remote is unreachable, when the link is metered and sync_on_wifi_only is
set, or when no user id is configured.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a := openApp(cmd)
		defer a.Close()

		mon, probing := a.monitor()
		if probing {
			exitOn(mon.Start(ctx), "starting connectivity monitor")
			defer mon.Stop()
		}
		orch, err := a.orchestrator(mon)
		exitOn(err, "opening remote store")

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("🔄"))
		res := orch.SyncNow(ctx)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			exitOn(writeJSON(res), "printing result")
		} else {
			printResult(res)
		}
		if res.Error != "" || res.Failed > 0 {
			os.Exit(2)
		}
	},
}

// printResult writes a human summary of a cycle.
func printResult(res model.SyncCycleResult) {
	if res.Skipped != "" {
		fmt.Printf("%s Sync skipped: %s\n", ui.RenderWarn("⚠"), res.Skipped)
		return
	}
	mark := ui.RenderPass("✓")
	if res.Error != "" || res.Failed > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Printf("%s Sync finished in %v\n", mark, res.Duration().Round(time.Millisecond))
	fmt.Printf("  Pushed:     %d\n", res.Pushed)
	fmt.Printf("  Deleted:    %d\n", res.Deleted)
	fmt.Printf("  Pulled:     %d\n", res.Pulled)
	fmt.Printf("  Conflicted: %d\n", res.Conflicted)
	if res.Failed > 0 {
		fmt.Printf("  Failed:     %s\n", ui.RenderFail(fmt.Sprint(res.Failed)))
	}
	if res.Error != "" {
		fmt.Printf("  Error:      %s\n", ui.RenderFail(res.Error))
	}
	if res.Conflicted > 0 {
		fmt.Printf("\nRun %s to review conflicts.\n", ui.RenderAccent("emosync conflicts list"))
	}
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cache and sync status",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		stats := a.store.Stats(ctx)
		settings := a.store.Settings(ctx)

		fmt.Printf("%s\n\n", ui.RenderAccent("Local cache"))
		if !stats.Ready {
			fmt.Printf("  %s secure storage is unavailable\n", ui.RenderFail("✗"))
		}
		fmt.Printf("  Records:         %d\n", stats.Total)
		statuses := make([]model.SyncStatus, 0, len(stats.ByStatus))
		for s := range stats.ByStatus {
			statuses = append(statuses, s)
		}
		sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
		for _, s := range statuses {
			fmt.Printf("    %-14s %d\n", ui.RenderStatus(s)+":", stats.ByStatus[s])
		}
		fmt.Printf("  Pending deletes: %d\n", stats.PendingDeletes)
		fmt.Printf("  Conflicts:       %d\n", len(a.store.Conflicts(ctx)))
		fmt.Printf("  Cursor:          %s\n", orNone(a.store.Cursor(ctx)))

		fmt.Printf("\n%s\n\n", ui.RenderAccent("Sync"))
		fmt.Printf("  Auto sync:       %v (every %d min)\n", settings.AutoSync, settings.SyncIntervalMinutes)
		fmt.Printf("  Remote:          %s\n", orNone(a.cfg.Remote.URL))
		fmt.Printf("  User:            %s\n", orNone(a.cfg.UserID))

		if !a.cfg.Dashboard.Enabled {
			return
		}
		st, err := daemonStatus(ctx, a.cfg.Dashboard.Addr)
		if err != nil {
			fmt.Printf("  Daemon:          %s\n", ui.RenderMuted("not running"))
			return
		}
		fmt.Printf("  Daemon:          %s\n", st.State)
		if st.LastResult != nil {
			fmt.Printf("\n%s\n\n", ui.RenderAccent("Last cycle"))
			printResult(*st.LastResult)
		}
	},
}

// daemonStatus asks a running daemon's dashboard for its status.
func daemonStatus(ctx context.Context, addr string) (dashboard.StatusData, error) {
	var st dashboard.StatusData
	resp, err := resty.New().
		SetTimeout(2*time.Second).
		R().
		SetContext(ctx).
		SetResult(&st).
		Get("http://" + addr + "/status")
	if err != nil {
		return st, err
	}
	if resp.IsError() {
		return st, fmt.Errorf("dashboard returned %s", resp.Status())
	}
	return st, nil
}

func orNone(s string) string {
	if s == "" {
		return ui.RenderMuted("(none)")
	}
	return s
}

func init() {
	syncCmd.Flags().Bool("json", false, "Output the cycle result as JSON")
	rootCmd.AddCommand(syncCmd, statusCmd)
}
