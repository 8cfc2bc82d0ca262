package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/model"
	"github.com/moodjar/emosync/internal/ui"
)

// applySetting parses value into the setting named key.
func applySetting(s *model.SyncSettings, key, value string) error {
	value = strings.TrimSpace(value)
	switch strings.ReplaceAll(strings.ToLower(key), "-", "_") {
	case "auto_sync":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("auto_sync: %w", err)
		}
		s.AutoSync = b
	case "sync_interval_minutes", "interval":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("sync_interval_minutes: %w", err)
		}
		s.SyncIntervalMinutes = n
	case "max_cache_records":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_cache_records: %w", err)
		}
		s.MaxCacheRecords = n
	case "sync_on_wifi_only":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("sync_on_wifi_only: %w", err)
		}
		s.SyncOnWifiOnly = b
	case "max_records_per_sync":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("max_records_per_sync: %w", err)
		}
		s.MaxRecordsPerSync = n
	case "conflict_strategy":
		s.ConflictStrategy = model.ConflictStrategy(strings.ToLower(value))
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

// parseAssignments applies key=value pairs to a copy of s and validates the
// result.
func parseAssignments(s model.SyncSettings, args []string) (model.SyncSettings, error) {
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return s, fmt.Errorf("expected key=value, got %q", arg)
		}
		if err := applySetting(&s, key, value); err != nil {
			return s, err
		}
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

var settingsCmd = &cobra.Command{
	Use:     "settings",
	GroupID: "sync",
	Short:   "Show or change sync settings",
	Long: `Sync settings are stored in the encrypted cache alongside the records.

Keys:
  auto_sync              true/false  sync automatically (default true)
  sync_interval_minutes  minutes between automatic syncs (default 30)
  max_cache_records      records kept locally before eviction (default 5000)
  sync_on_wifi_only      skip automatic syncs on metered links
  max_records_per_sync   upload limit per cycle (default 100)
  conflict_strategy      most_recent, server_wins or client_wins`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings",
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()
		exitOn(writeYAML(os.Stdout, settingsView(a.store.Settings(cmd.Context()))), "printing settings")
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set key=value...",
	Short: "Change one or more settings",
	Example: `  emosync settings set auto_sync=false
  emosync settings set sync_interval_minutes=15 conflict_strategy=server_wins`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()
		ctx := cmd.Context()

		next, err := parseAssignments(a.store.Settings(ctx), args)
		exitOn(err, "parsing settings")
		exitOn(a.store.SaveSettings(ctx, next), "saving settings")
		fmt.Printf("%s Settings saved\n", ui.RenderPass("✓"))
	},
}

// settingsView gives settings stable yaml keys.
func settingsView(s model.SyncSettings) map[string]any {
	return map[string]any{
		"auto_sync":             s.AutoSync,
		"sync_interval_minutes": s.SyncIntervalMinutes,
		"max_cache_records":     s.MaxCacheRecords,
		"sync_on_wifi_only":     s.SyncOnWifiOnly,
		"max_records_per_sync":  s.MaxRecordsPerSync,
		"conflict_strategy":     string(s.ConflictStrategy),
	}
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}
