package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/recordstore"
)

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen accepts RFC 3339 times, YYYY-MM-DD dates and natural language
// such as "yesterday" or "3 days ago", relative to now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}
	r, err := timeParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

// listFilter builds the query for the list flags.
func listFilter(cmd *cobra.Command, now time.Time) (recordstore.Filter, error) {
	var f recordstore.Filter
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")
	typ, _ := cmd.Flags().GetString("type")
	statuses, _ := cmd.Flags().GetStringSlice("status")
	f.Limit, _ = cmd.Flags().GetInt("limit")

	var err error
	if f.Since, err = parseWhen(since, now); err != nil {
		return f, err
	}
	if f.Until, err = parseWhen(until, now); err != nil {
		return f, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return f, fmt.Errorf("--until is before --since")
	}
	if typ != "" {
		f.Type = model.EmotionType(strings.ToLower(typ))
		if !f.Type.Valid() {
			return f, fmt.Errorf("unknown emotion %q (one of %s)", typ, emotionNames())
		}
	}
	for _, s := range statuses {
		st := model.SyncStatus(strings.ToLower(strings.TrimSpace(s)))
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	return f, nil
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "records",
	Short:   "List recorded emotions, newest first",
	Long: `List records in the local cache, newest first.

Time bounds accept dates, RFC 3339 times or natural language.

Examples:
  emosync list --since yesterday
  emosync list --since "last monday" --until today --type joy
  emosync list --status not_synced,error -o json`,
	Run: func(cmd *cobra.Command, args []string) {
		f, err := listFilter(cmd, time.Now())
		exitOn(err, "parsing filters")

		a := openApp(cmd)
		defer a.Close()

		records := a.store.Query(cmd.Context(), f)
		format, _ := cmd.Flags().GetString("output")
		exitOn(writeRecords(os.Stdout, format, records), "printing records")
	},
}

func init() {
	listCmd.Flags().String("since", "", "Only records at or after this time")
	listCmd.Flags().String("until", "", "Only records at or before this time")
	listCmd.Flags().StringP("type", "t", "", "Only this emotion")
	listCmd.Flags().StringSlice("status", nil, "Only these sync statuses")
	listCmd.Flags().IntP("limit", "l", 50, "Maximum records to show (0 for all)")
	listCmd.Flags().StringP("output", "o", "table", "Output format: table, json or yaml")
	rootCmd.AddCommand(listCmd)
}
