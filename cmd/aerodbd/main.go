// Command aerodbd is the AeroDB server process: parse flags and
// environment configuration, open the engine, then block until an
// operator asks the process to stop.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kartikbazzad/aerodb"
	"github.com/kartikbazzad/aerodb/pkg/config"
	"github.com/kartikbazzad/aerodb/pkg/logger"
)

func main() {
	dataDir := flag.String("data-dir", "", "directory holding WAL, storage, and snapshots")
	bindAddress := flag.String("bind-address", "", "address this node's replication server listens on")
	configPath := flag.String("config", "", "optional .env-style config file (overrides the default ./.env lookup)")
	observabilityBind := flag.String("observability-bind", "", "observability address recorded in the engine config (no endpoint is started on it)")
	flag.Parse()

	if *configPath != "" {
		if err := os.Setenv("AERODB_CONFIG_FILE", *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "aerodbd: set config file env: %v\n", err)
			os.Exit(1)
		}
	}

	cfg := aerodb.DefaultEngineConfig()
	if err := config.Load("AERODB_", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "aerodbd: load config: %v\n", err)
		os.Exit(1)
	}

	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *bindAddress != "" {
		cfg.BindAddress = *bindAddress
	}
	if *observabilityBind != "" {
		cfg.ObservabilityBind = *observabilityBind
		cfg.ObservabilityEnabled = true
	}

	engine, err := aerodb.Open(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aerodbd: open engine: %v\n", err)
		os.Exit(1)
	}

	logger.Info("aerodbd started", "data_dir", cfg.DataDir, "bind_address", cfg.BindAddress, "node_id", cfg.NodeID, "role", cfg.Role)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("aerodbd shutting down")
	if err := engine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "aerodbd: shutdown: %v\n", err)
		os.Exit(1)
	}
}
