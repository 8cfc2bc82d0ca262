package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/config"
	"github.com/moodjar/emosync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	Long: `Write the default configuration to the config path. The passphrase is
never written; provide it with EMOSYNC_PASSPHRASE.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		loader := config.NewLoader(configPath)
		if err := loader.WriteDefault(force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), loader.Path())
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		loader, _, _ := loadConfig(cmd)
		settings := loader.Viper().AllSettings()
		if _, ok := settings["passphrase"]; ok {
			settings["passphrase"] = "<redacted>"
		}
		fmt.Printf("# %s\n", loader.Path())
		exitOn(writeYAML(os.Stdout, settings), "printing config")
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
