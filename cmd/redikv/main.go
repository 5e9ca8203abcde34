package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"redikv/internal/aof"
	"redikv/internal/engine"
	"redikv/internal/filter"
	"redikv/internal/logging"
	"redikv/internal/server"
	"redikv/pkg/config"
)

var (
	configPath = flag.String("config", "configs/redikv.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "standalone", "Node identifier used in log entries")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.InitializeFromConfig(*nodeID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	startupCorrelationID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(context.Background(), startupCorrelationID)

	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "redikv starting", map[string]interface{}{
		"node_id":     *nodeID,
		"config_file": *configPath,
	})

	var aofPolicy aof.Policy
	switch cfg.AOF.FsyncPolicy {
	case "ALWAYS":
		aofPolicy = aof.PolicyAlways
	case "NO":
		aofPolicy = aof.PolicyNo
	default:
		aofPolicy = aof.PolicyEverysec
	}

	aofFile := ""
	if cfg.AOF.Enabled {
		aofFile = cfg.AOF.File
	}
	aofMgr := aof.NewManager(aofFile, aofPolicy)
	if err := aofMgr.Start(); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to start AOF manager", err)
		os.Exit(1)
	}

	var negative *filter.CuckooFilter
	if cfg.Filter.Enabled {
		filterCfg := filter.DefaultCuckooConfig("redikv", cfg.Filter.ExpectedItems)
		filterCfg.FalsePositiveRate = cfg.Filter.FalsePositiveRate
		negative, err = filter.NewCuckooFilter(filterCfg)
		if err != nil {
			logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to create negative-lookup filter", err)
			os.Exit(1)
		}
	}

	eng := engine.New(aofMgr, negative)

	replayTimer := logging.StartTimer(ctx, logging.ComponentMain, logging.ActionRestore, "AOF replay")
	count, err := eng.LoadFromAOF()
	replayTimer()
	if err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionRestore, "failed to replay AOF", err)
		os.Exit(1)
	}
	logging.Info(ctx, logging.ComponentMain, logging.ActionRestore, "AOF replay complete", map[string]interface{}{
		"records_applied": count,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Network.Host, cfg.Network.Port)
	srv := server.New(addr, eng, cfg.Network.MaxClients)
	if err := srv.Start(); err != nil {
		logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "failed to start server", err)
		os.Exit(1)
	}
	logging.Info(ctx, logging.ComponentServer, logging.ActionStart, "listening", map[string]interface{}{
		"addr":        addr,
		"max_clients": cfg.Network.MaxClients,
	})
	fmt.Printf("redikv listening on %s\n", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("redikv shutting down")
	logging.Info(ctx, logging.ComponentMain, logging.ActionStop, "shutdown signal received", nil)

	srv.Stop()
	if err := aofMgr.Stop(); err != nil {
		logging.Error(ctx, logging.ComponentMain, logging.ActionStop, "error stopping AOF manager", err)
	}

	fmt.Println("redikv shutdown complete")
}
