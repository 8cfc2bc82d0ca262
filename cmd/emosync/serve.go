package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/config"
	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/remote/httpapi"
	"github.com/moodjar/emosync/internal/remote/sqlitestore"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "maint",
	Short:   "Run a remote store server for development",
	Long: `Serve a SQLite-backed remote store over HTTP so several clients can sync
with each other. Point clients at it with remote.url (EMOSYNC_REMOTE_URL).

The server is configured from the environment only:
  EMOSYNC_SERVER_ADDR              listen address (default 127.0.0.1:8787)
  EMOSYNC_SERVER_DB_PATH           database file (default emosync-server.db)
  EMOSYNC_SERVER_LOG_LEVEL         log level (default info)
  EMOSYNC_SERVER_SHUTDOWN_TIMEOUT  graceful shutdown bound (default 10s)`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.LoadServer()
		exitOn(err, "loading server config")
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		log := logging.New("emosync-server", logging.Config{Level: cfg.LogLevel})

		store, err := sqlitestore.Open(cfg.DBPath)
		exitOn(err, "opening server database")
		defer store.Close()

		srv := &http.Server{
			Addr:              cfg.Addr,
			Handler:           httpapi.NewServer(store, log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.Addr).Str("db", cfg.DBPath).Msg("Remote store listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
		fmt.Printf("Remote store on http://%s (database %s)\n", cfg.Addr, cfg.DBPath)

		select {
		case err := <-errCh:
			exitOn(err, "serving")
		case <-ctx.Done():
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		log.Info().Msg("Remote store stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
