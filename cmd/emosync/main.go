// Command emosync records emotions offline and keeps them in sync with a
// remote store.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/config"
	"github.com/moodjar/emosync/internal/logging"
)

var (
	configPath string
	logLevel   string

	// liveLevel is the level of the logger built by loadConfig. The daemon
	// changes it on config reload.
	liveLevel *logging.Level
)

var rootCmd = &cobra.Command{
	Use:   "emosync",
	Short: "Offline-first emotion journal with background sync",
	Long: `emosync keeps an encrypted local cache of emotion records and
synchronizes it with a remote store whenever the network allows.

Records are always written locally first. "emosync sync" runs one sync
cycle; "emosync daemon" keeps a worker running that syncs on an interval,
when connectivity returns, and once more on shutdown.

Configuration is read from ~/.emosync/config.yaml and EMOSYNC_* environment
variables (e.g. EMOSYNC_PASSPHRASE, EMOSYNC_USER_ID, EMOSYNC_REMOTE_URL).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.emosync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// loadConfig reads the client configuration, applying command-line
// overrides, and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Loader, config.Config, zerolog.Logger) {
	loader := config.NewLoader(configPath)
	if cmd.Flags().Changed("log-level") {
		loader.Viper().Set("log.level", logLevel)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	lc := cfg.Logging(cfg.Log.File == "")
	liveLevel = logging.NewLevel(cfg.Log.Level)
	lc.Live = liveLevel
	return loader, cfg, logging.New("emosync", lc)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
