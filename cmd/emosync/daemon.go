package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/config"
	"github.com/moodjar/emosync/internal/connectivity"
	"github.com/moodjar/emosync/internal/dashboard"
	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/orchestrator"
	"github.com/moodjar/emosync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync worker",
	Long: `Run the sync worker in the foreground until interrupted.

The worker syncs every sync_interval_minutes, whenever the remote becomes
reachable again, and once more before exiting. Failing cycles back off
exponentially. Send SIGINT or SIGTERM to stop; pending records are flushed
within sync.final_flush_timeout.

With --dashboard (or dashboard.enabled), a WebSocket dashboard broadcasts
cycle results and conflicts, and serves /status, /health and /metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		a := openApp(cmd)
		defer a.Close()
		log := a.log

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		mon, probing := a.monitor()
		orch, err := a.orchestrator(mon)
		exitOn(err, "opening remote store")

		if probing {
			exitOn(mon.Start(ctx), "starting connectivity monitor")
			defer mon.Stop()
		}
		terminated := connectivity.WatchSignals(ctx, mon)

		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		if withDashboard || a.cfg.Dashboard.Enabled {
			addr, _ := cmd.Flags().GetString("dashboard-addr")
			if addr == "" {
				addr = a.cfg.Dashboard.Addr
			}
			server := dashboard.NewServer(&dashboard.Config{Addr: addr, Gatherer: a.registry}, log)
			handler := dashboard.NewHandler(server, a.store, log)
			detach := handler.Attach(orch.Bus())
			defer detach()
			exitOn(server.Start(), "starting dashboard")
			defer func() {
				if err := server.Stop(); err != nil {
					log.Warn().Err(err).Msg("Dashboard shutdown failed")
				}
			}()
			fmt.Printf("Dashboard: http://%s/status (ws://%s/ws)\n", server.Addr(), server.Addr())
		}

		current := a.cfg
		if a.loader.Watch(func(cfg config.Config, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Ignoring invalid config change")
				return
			}
			if applyReload(current, cfg, liveLevel, orch) {
				log.Warn().Str("path", a.loader.Path()).Msg("Config changed; restart the daemon to apply remote, identity, storage and network settings")
			}
			log.Info().Str("path", a.loader.Path()).Str("log_level", cfg.Log.Level).Msg("Config reloaded")
			current = cfg
		}) {
			log.Debug().Str("path", a.loader.Path()).Msg("Watching config")
		}

		exitOn(orch.Start(ctx), "starting sync worker")
		fmt.Printf("%s Sync worker running (remote: %s). Press Ctrl+C to stop.\n",
			ui.RenderAccent("🔄"), orNone(a.cfg.Remote.URL))

		<-terminated
		fmt.Println("\nShutting down...")

		shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.Sync.FinalFlushTimeout+5*time.Second)
		defer stop()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		if res, ok := orch.GetLastCycleResult(); ok {
			printResult(res)
		}
		fmt.Println(ui.RenderPass("✓") + " Sync worker stopped")
	},
}

// applyReload pushes the settings that can change while the daemon runs:
// log level, sync backoff bounds and batch bounds. It reports whether other
// settings changed that only take effect after a restart.
func applyReload(prev, next config.Config, level *logging.Level, orch *orchestrator.Orchestrator) (restart bool) {
	if level != nil {
		level.Set(next.Log.Level)
	}
	orch.Reconfigure(*next.Orchestrator())
	orch.Gateway().Reconfigure(*next.Gateway())

	return prev.Remote != next.Remote ||
		prev.UserID != next.UserID ||
		prev.DataDir != next.DataDir ||
		prev.Passphrase != next.Passphrase ||
		prev.Network != next.Network ||
		prev.Dashboard != next.Dashboard
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the status dashboard")
	daemonCmd.Flags().String("dashboard-addr", "", "Dashboard listen address (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
