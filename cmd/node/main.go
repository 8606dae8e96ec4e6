// Command node runs one storage node: it serves PutChunk/GetChunk/Ping
// over the cluster's wire protocol, registers itself with the
// coordinator on startup, and emits a heartbeat on a fixed interval
// until it is asked to shut down.
//
// Exit codes:
//   - 0: normal shutdown via SIGINT/SIGTERM
//   - 1: configuration error (config file cannot be decoded, missing node ID)
//   - 2: failed to open the chunk store, bind the listener, or register
//     with the coordinator
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jaywantadh/clusterd/config"
	"github.com/jaywantadh/clusterd/internal/bandwidth"
	"github.com/jaywantadh/clusterd/internal/chunkstore"
	"github.com/jaywantadh/clusterd/internal/nodeserver"
	"github.com/jaywantadh/clusterd/pkg/env"
	"github.com/jaywantadh/clusterd/pkg/logging"
)

func main() {
	env.LoadEnv()

	configPath := flag.String("config-path", "./config", "directory containing node.yaml")
	nodeID := flag.String("node-id", "", "unique node identifier (required)")
	host := flag.String("host", "", "address to bind")
	port := flag.Int("port", 0, "port to bind")
	storagePath := flag.String("storage-path", "", "directory chunks are stored under")
	capacityBytes := flag.Int64("capacity-bytes", 0, "maximum bytes this node will store")
	coordinatorHost := flag.String("coordinator-host", "", "host of the coordinator")
	coordinatorPort := flag.Int("coordinator-port", 0, "port of the coordinator")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		os.Exit(1)
	}
	if *host != "" || *port != 0 {
		cfg.ListenAddr = overrideHostPort(cfg.ListenAddr, *host, *port)
	}
	if *coordinatorHost != "" || *coordinatorPort != 0 {
		cfg.CoordinatorAddr = overrideHostPort(cfg.CoordinatorAddr, *coordinatorHost, *coordinatorPort)
	}
	applyNodeFlags(cfg, *nodeID, *storagePath, *capacityBytes, *debug)
	if cfg.NodeID == "" {
		cfg.NodeID = env.GetEnv("NODE_ID", "")
	}

	logging.InitLogger(cfg.Debug)
	log := logging.Log.WithField("node_id", cfg.NodeID)

	if cfg.NodeID == "" {
		log.Error("node-id is required (flag --node-id, node.yaml node_id, or NODE_ID env var)")
		os.Exit(1)
	}

	store, err := chunkstore.New(cfg.StoragePath, cfg.CapacityBytes)
	if err != nil {
		log.WithError(err).Error("failed to open chunk store")
		os.Exit(2)
	}
	bw := bandwidth.New(cfg.BandwidthBitsPerSec)
	srv := nodeserver.New(cfg.NodeID, store, bw, cfg.Compress, log)

	boundAddr, err := srv.ListenAndServe(cfg.ListenAddr)
	if err != nil {
		log.WithError(err).Error("failed to bind listener")
		os.Exit(2)
	}
	boundHost, boundPortStr, err := net.SplitHostPort(boundAddr)
	if err != nil {
		log.WithError(err).Error("could not parse bound address")
		os.Exit(2)
	}
	boundPort, _ := strconv.Atoi(boundPortStr)

	if err := nodeserver.Register(cfg.CoordinatorAddr, cfg.NodeID, boundHost, boundPort, cfg.CapacityBytes, cfg.BandwidthBitsPerSec); err != nil {
		log.WithError(err).Error("failed to register with coordinator")
		os.Exit(2)
	}
	log.WithFields(map[string]interface{}{"addr": boundAddr, "coordinator": cfg.CoordinatorAddr}).Info("node registered and serving")

	stopHeartbeat := make(chan struct{})
	go srv.RunHeartbeat(cfg.CoordinatorAddr, cfg.HeartbeatInterval, stopHeartbeat)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	close(stopHeartbeat)
	srv.Deregister(cfg.CoordinatorAddr)
	_ = srv.Close()
	time.Sleep(50 * time.Millisecond) // let in-flight handlers finish their reply
	log.Info("node stopped")
}

func applyNodeFlags(cfg *config.NodeConfig, nodeID, storagePath string, capacityBytes int64, debug bool) {
	if nodeID != "" {
		cfg.NodeID = nodeID
	}
	if storagePath != "" {
		cfg.StoragePath = storagePath
	}
	if capacityBytes != 0 {
		cfg.CapacityBytes = capacityBytes
	}
	if debug {
		cfg.Debug = true
	}
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
