// Command coordinator runs the cluster control plane: node
// registration and heartbeats, placement and replica tracking, upload
// and download RPC handling, and the re-replication sweep, all over
// the cluster's wire protocol on a single TCP listener.
//
// Exit codes:
//   - 0: normal shutdown via SIGINT/SIGTERM
//   - 1: configuration error (config file cannot be decoded)
//   - 2: failed to open the journal or bind the listener
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jaywantadh/clusterd/config"
	"github.com/jaywantadh/clusterd/internal/coordinator"
	"github.com/jaywantadh/clusterd/internal/placement"
	"github.com/jaywantadh/clusterd/pkg/env"
	"github.com/jaywantadh/clusterd/pkg/logging"
)

func main() {
	env.LoadEnv()

	configPath := flag.String("config-path", "./config", "directory containing coordinator.yaml")
	host := flag.String("host", "", "address to bind")
	port := flag.Int("port", 0, "port to bind")
	journalPath := flag.String("journal-path", "", "BadgerDB directory for the manifest journal (empty disables it)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadCoordinatorConfig(*configPath)
	if err != nil {
		os.Exit(1)
	}
	if *host != "" || *port != 0 {
		cfg.ListenAddr = overrideHostPort(cfg.ListenAddr, *host, *port)
	}
	if *journalPath != "" {
		cfg.JournalPath = *journalPath
	}
	if *debug {
		cfg.Debug = true
	}

	logging.InitLogger(cfg.Debug)
	log := logging.Log.WithField("component", "coordinator")

	coord, err := coordinator.New(coordinator.Config{
		HeartbeatFailureTimeout: cfg.HeartbeatFailureTimeout,
		HealthTickInterval:      cfg.HealthTickInterval,
		SweepInterval:           cfg.SweepInterval,
		DefaultReplication:      cfg.DefaultReplication,
		PlacementStrategy:       placement.Strategy(cfg.PlacementStrategy),
		JournalPath:             cfg.JournalPath,
		StaleChunkGrace:         cfg.StaleChunkGrace,
	}, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize coordinator")
		os.Exit(2)
	}

	coord.Run()

	boundAddr, err := coord.ListenAndServe(cfg.ListenAddr)
	if err != nil {
		log.WithError(err).Error("failed to bind listener")
		os.Exit(2)
	}
	log.WithField("addr", boundAddr).Info("coordinator listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	coord.Stop()
	_ = coord.Close()
	log.Info("coordinator stopped")
}

// overrideHostPort rewrites the host and/or port components of addr,
// falling back to addr's own components for whichever flag is unset.
func overrideHostPort(addr, host string, port int) string {
	existingHost, existingPort, err := net.SplitHostPort(addr)
	if err != nil {
		existingHost, existingPort = "", ""
	}
	if host != "" {
		existingHost = host
	}
	if port != 0 {
		existingPort = strconv.Itoa(port)
	}
	return net.JoinHostPort(existingHost, existingPort)
}
