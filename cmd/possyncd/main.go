// Package main provides the possyncd daemon - the sync core for one POS
// terminal.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/laneforge/possync/internal/supervisor"
	"github.com/laneforge/possync/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.possync", "Data directory")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides SYNC_LOG_LEVEL")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("possyncd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := supervisor.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Fatal("Failed to build terminal", "error", err)
	}

	if err := sup.Start(); err != nil {
		log.Fatal("Failed to start terminal", "error", err)
	}

	printBanner(log, cfg, sup.PeerPort())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic outbox health summary.
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sup.LogStats(ctx)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()

	if err := sup.Stop(); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, cfg *supervisor.Config, port int) {
	cloudLabel := "dormant"
	if cfg.CloudConfigured() {
		cloudLabel = cfg.CloudBaseURL
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  POS Sync Core (%s)", cfg.TerminalID)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer listener: :%d%s", port, "/peer")
	log.Infof("  Peers: %d configured", len(cfg.PeerURLs))
	log.Infof("  Cloud: %s", cloudLabel)
	log.Infof("  Data dir: %s", cfg.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
