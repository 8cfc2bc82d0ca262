package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/archive"
	"github.com/moodjar/emosync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "maint",
	Short:   "Back up records to a JSONL file",
	Long: `Write the cached records to a JSONL file, one record per line.

Without a file name a timestamped backup is written under <data_dir>/backups.
Use "-" to write to stdout. The list time filters apply.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		f, err := listFilter(cmd, time.Now())
		exitOn(err, "parsing filters")

		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		if len(args) == 1 && args[0] == "-" {
			exitOn(archive.Write(os.Stdout, a.store.Query(ctx, f)), "exporting records")
			return
		}

		path := filepath.Join(a.cfg.DataDir, "backups", archive.BackupName(time.Now()))
		if len(args) == 1 {
			path = args[0]
		}
		n, err := archive.ExportFile(ctx, a.store, f, path)
		exitOn(err, "exporting records")
		fmt.Printf("%s Exported %d records to %s\n", ui.RenderPass("✓"), n, path)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Restore records from a JSONL file",
	Long: `Read records from a JSONL file written by "emosync export" and queue them
for upload. Records already in the cache are skipped unless --overwrite is
given. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts := archive.ImportOptions{}
		opts.Overwrite, _ = cmd.Flags().GetBool("overwrite")
		opts.DryRun, _ = cmd.Flags().GetBool("dry-run")

		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		var (
			res archive.ImportResult
			err error
		)
		if args[0] == "-" {
			res, err = archive.Import(ctx, a.store, os.Stdin, opts)
		} else {
			res, err = archive.ImportFile(ctx, a.store, args[0], opts)
		}
		exitOn(err, "importing records")

		verb := "Imported"
		if opts.DryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d records (%d skipped, %d invalid)\n", ui.RenderPass("✓"), verb, res.Imported, res.Skipped, res.Invalid)
		for _, e := range res.Errors {
			fmt.Printf("  %s %s\n", ui.RenderWarn("⚠"), e)
		}
	},
}

func init() {
	exportCmd.Flags().String("since", "", "Only records at or after this time")
	exportCmd.Flags().String("until", "", "Only records at or before this time")
	exportCmd.Flags().StringP("type", "t", "", "Only this emotion")
	exportCmd.Flags().StringSlice("status", nil, "Only these sync statuses")
	exportCmd.Flags().IntP("limit", "l", 0, "Maximum records to export (0 for all)")

	importCmd.Flags().Bool("overwrite", false, "Replace records already in the cache")
	importCmd.Flags().Bool("dry-run", false, "Validate and count without writing")

	rootCmd.AddCommand(exportCmd, importCmd)
}
