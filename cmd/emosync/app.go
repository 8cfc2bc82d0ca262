package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/moodjar/emosync/internal/config"
	"github.com/moodjar/emosync/internal/connectivity"
	"github.com/moodjar/emosync/internal/events"
	"github.com/moodjar/emosync/internal/gateway"
	"github.com/moodjar/emosync/internal/orchestrator"
	"github.com/moodjar/emosync/internal/recordstore"
	"github.com/moodjar/emosync/internal/remote"
	"github.com/moodjar/emosync/internal/remote/httpapi"
	"github.com/moodjar/emosync/internal/remote/sqlitestore"
	"github.com/moodjar/emosync/internal/securestore"
	"github.com/moodjar/emosync/internal/session"
)

// app is the wiring shared by commands: the encrypted cache and, on demand,
// the remote side.
type app struct {
	loader *config.Loader
	cfg    config.Config
	log    zerolog.Logger

	kv    *securestore.SQLite
	store *recordstore.Store

	registry *prometheus.Registry
	closers  []func() error
}

// openApp loads configuration and opens the local cache. Failures exit the
// process.
func openApp(cmd *cobra.Command) *app {
	loader, cfg, log := loadConfig(cmd)
	if cfg.Passphrase == "" {
		fmt.Fprintf(os.Stderr, "Error: no passphrase configured (set EMOSYNC_PASSPHRASE)\n")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	kv, err := securestore.Open(cfg.CachePath(), cfg.Passphrase)
	if errors.Is(err, securestore.ErrLocked) {
		fmt.Fprintf(os.Stderr, "Error: %s is in use by another emosync process (is the daemon running?)\n", cfg.CachePath())
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening cache: %v\n", err)
		os.Exit(1)
	}

	a := &app{
		loader:   loader,
		cfg:      cfg,
		log:      log,
		kv:       kv,
		store:    recordstore.New(kv, log),
		registry: prometheus.NewRegistry(),
	}
	a.closers = append(a.closers, kv.Close)
	return a
}

// Close releases everything the app opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("Close failed")
		}
	}
	a.closers = nil
}

// remoteStore returns the configured remote: the HTTP client when a URL is
// set, otherwise a SQLite store next to the cache.
func (a *app) remoteStore() (remote.Store, error) {
	if a.cfg.Remote.URL != "" {
		return httpapi.NewClient(a.cfg.Remote.URL, a.cfg.Remote.Timeout), nil
	}
	st, err := sqlitestore.Open(a.cfg.LocalRemotePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local remote store: %w", err)
	}
	a.closers = append(a.closers, st.Close)
	return st, nil
}

// monitor builds the connectivity monitor. The second result is false when
// there is nothing to probe and the client is assumed online.
func (a *app) monitor() (*connectivity.Monitor, bool) {
	addr := probeAddress(a.cfg)
	if addr == "" {
		return connectivity.New(nil, a.cfg.Connectivity(), a.log), false
	}
	prober := &connectivity.TCPProber{
		Address: addr,
		Metered: a.cfg.Network.Metered,
		Timeout: a.cfg.Network.ProbeTimeout,
	}
	return connectivity.New(prober, a.cfg.Connectivity(), a.log), true
}

// orchestrator wires the gateway and orchestrator around the cache.
func (a *app) orchestrator(net orchestrator.Connectivity) (*orchestrator.Orchestrator, error) {
	rs, err := a.remoteStore()
	if err != nil {
		return nil, err
	}
	sess := session.NewStatic(a.cfg.UserID)
	gw := gateway.New(rs, sess, a.cfg.Gateway(), a.log)

	oc := a.cfg.Orchestrator()
	oc.Registerer = a.registry
	return orchestrator.New(a.store, gw, net, sess, events.NewBus(), oc, a.log), nil
}

// probeAddress is Network.ProbeAddress, or the host:port of Remote.URL.
func probeAddress(cfg config.Config) string {
	if cfg.Network.ProbeAddress != "" {
		return cfg.Network.ProbeAddress
	}
	if cfg.Remote.URL == "" {
		return ""
	}
	u, err := url.Parse(cfg.Remote.URL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// exitOn prints err with context and exits when err is not nil.
func exitOn(err error, what string) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", what, err)
	os.Exit(1)
}
