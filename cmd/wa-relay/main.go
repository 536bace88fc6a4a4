// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wa-relay keeps many WhatsApp accounts linked at once and relays
// their inbound messages to an HTTP collector. Accounts are managed through
// a small HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"

	"github.com/aiku/wa-relay/pkg/collector"
	"github.com/aiku/wa-relay/pkg/connector"
	"github.com/aiku/wa-relay/pkg/credstore"
	"github.com/aiku/wa-relay/pkg/transport/wa"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = flag.StringP("config", "c", "config.yaml", "Path to the config file")
	noUpdate    = flag.Bool("no-update", false, "Don't save new defaults and migrations back to the config file")
	showVersion = flag.BoolP("version", "v", false, "Print the version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("wa-relay %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig writes the example config when path does not exist yet, merges
// the file onto the current defaults and validates the result.
func loadConfig(path string, save bool) (*connector.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte(connector.ExampleConfig), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write example config: %w", err)
		}
	}
	data, _, err := up.Do(path, save, connector.ConfigUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg connector.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func run() error {
	cfg, err := loadConfig(*configPath, !*noUpdate)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)
	time.Local = cfg.Location()
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Starting wa-relay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	if dir := filepath.Dir(cfg.Database.Credentials); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	creds, err := credstore.OpenBolt(cfg.Database.Credentials)
	if err != nil {
		return err
	}
	defer creds.Close()

	tr, err := wa.New(ctx, wa.Options{
		Dialect:         cfg.Database.DevicesDialect,
		Address:         cfg.Database.Devices,
		Mode:            wa.Mode(cfg.Bootstrap.Mode),
		PairDisplayName: cfg.Bootstrap.PairDisplayName,
	}, *log)
	if err != nil {
		return err
	}
	defer tr.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	fwd, err := collector.New(collector.Options{
		URL:           cfg.Collector.URL,
		Timeout:       cfg.Collector.Timeout(),
		Workers:       cfg.Collector.Workers,
		SuccessStatus: cfg.Collector.SuccessStatus,
	}, reg, *log)
	if err != nil {
		return err
	}
	if cfg.Collector.URL == "" {
		log.Warn().Msg("No collector URL configured, inbound messages will be dropped")
	}

	c, err := connector.New(*cfg, tr, creds, fwd, reg, *log)
	if err != nil {
		fwd.Close()
		return err
	}
	defer c.Stop()
	err = c.SubscribeStateChanges(func(phone string, from, to connector.State) {
		log.Info().
			Str("phone", phone).
			Stringer("from", from).
			Stringer("to", to).
			Str("bridge_state", string(to.BridgeState())).
			Msg("Session state changed")
	})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}

	e := connector.NewRouter(c, reg, *log)
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.API.Listen).Msg("Starting HTTP API")
		if err := e.Start(cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err = <-serveErr:
		log.Error().Err(err).Msg("HTTP API failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("Failed to shut down HTTP API cleanly")
	}
	return err
}
