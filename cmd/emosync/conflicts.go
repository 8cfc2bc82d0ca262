package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Review versions that lost a conflict",
	Long: `When a record was changed both here and on another device, sync keeps
one version according to conflict_strategy and stores the other here for
review. Restore it with "resolve" or discard it with "dismiss".`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()

		artifacts := a.store.Conflicts(cmd.Context())
		format, _ := cmd.Flags().GetString("output")
		switch format {
		case "yaml", "json":
			exitOn(writeArtifacts(format, artifacts), "printing conflicts")
			return
		}
		if len(artifacts) == 0 {
			fmt.Println(ui.RenderPass("✓") + " No conflicts")
			return
		}
		rows := make([][]string, len(artifacts))
		for i, c := range artifacts {
			state := ui.RenderWarn("unresolved")
			if c.Resolved {
				state = ui.RenderMuted("resolved")
			}
			rows[i] = []string{
				shortID(c.RecordID),
				c.DetectedAt.Local().Format("2006-01-02 15:04"),
				string(c.Side),
				string(c.Record.Type),
				state,
				ui.Truncate(c.Reason, 48),
			}
		}
		fmt.Println(ui.Table([]string{"ID", "DETECTED", "STORED COPY", "EMOTION", "STATE", "REASON"}, rows))
	},
}

func writeArtifacts(format string, artifacts []model.ConflictArtifact) error {
	type view struct {
		RecordID   string     `json:"record_id" yaml:"record_id"`
		Side       string     `json:"side" yaml:"side"`
		Resolved   bool       `json:"resolved" yaml:"resolved"`
		Reason     string     `json:"reason" yaml:"reason"`
		DetectedAt string     `json:"detected_at" yaml:"detected_at"`
		Record     recordView `json:"record" yaml:"record"`
	}
	views := make([]view, len(artifacts))
	for i, c := range artifacts {
		views[i] = view{
			RecordID:   c.RecordID,
			Side:       string(c.Side),
			Resolved:   c.Resolved,
			Reason:     c.Reason,
			DetectedAt: c.DetectedAt.Local().Format(time.RFC3339),
			Record:     viewOf(c.Record),
		}
	}
	if format == "json" {
		return writeJSON(views)
	}
	return writeYAML(os.Stdout, views)
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Settle a conflict by keeping one copy",
	Long: `Keep either the local or the remote copy of a conflicted record. When the
stored version is the one kept, it is restored and uploaded over the
server copy. The conflict entry is removed afterwards.`,
	Example: `  emosync conflicts resolve 3f2a9c1e --keep local
  emosync conflicts resolve 3f2a9c1e --keep remote`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		keep, _ := cmd.Flags().GetString("keep")

		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		r, err := lookup(ctx, a.store, args[0])
		exitOn(err, "finding record")

		mon, probing := a.monitor()
		if probing {
			exitOn(mon.Start(ctx), "starting connectivity monitor")
			defer mon.Stop()
		}
		orch, err := a.orchestrator(mon)
		exitOn(err, "opening remote store")

		exitOn(orch.ResolveConflict(ctx, r.ID, model.ConflictSide(keep)), "resolving conflict")
		fmt.Printf("%s Kept %s copy of %s\n", ui.RenderPass("✓"), keep, ui.RenderMuted(r.ID))

		// Upload the decision right away when possible.
		res := orch.SyncNow(ctx)
		printResult(res)
	},
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Discard a stored conflict, keeping the current record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		id := args[0]
		if r, err := lookup(ctx, a.store, id); err == nil {
			id = r.ID
		}
		if _, ok := a.store.Conflict(ctx, id); !ok {
			fmt.Fprintf(os.Stderr, "Error: no conflict stored for %s\n", id)
			os.Exit(1)
		}
		exitOn(a.store.DismissConflict(ctx, id), "dismissing conflict")
		fmt.Printf("%s Dismissed conflict for %s\n", ui.RenderPass("✓"), ui.RenderMuted(id))
	},
}

func init() {
	conflictsListCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
	conflictsResolveCmd.Flags().String("keep", string(model.SideLocal), "Copy to keep: local or remote")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsDismissCmd)
	rootCmd.AddCommand(conflictsCmd)
}
