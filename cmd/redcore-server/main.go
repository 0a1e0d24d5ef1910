package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/halvorsen-dev/redcore/internal/config"
	"github.com/halvorsen-dev/redcore/internal/logging"
	"github.com/halvorsen-dev/redcore/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config overlay")
	port := flag.Int("port", 6379, "TCP listen port")
	replicaOf := flag.String("replicaof", "", `"<host> <port>" of the primary to replicate from`)
	dir := flag.String("dir", ".", "directory containing the snapshot file")
	dbfilename := flag.String("dbfilename", "dump.rdb", "snapshot file name")
	rateLimitBytes := flag.String("replica-rate-limit-bytes", "", `per-replica propagation rate limit (e.g. "1mb"); empty disables throttling`)
	dscp := flag.String("replica-dscp", "", "DSCP code point applied to replica sockets (e.g. AF41); empty disables marking")
	statsCron := flag.String("stats-cron", "", "cron schedule for the periodic stats log line")
	logLevel := flag.String("log-level", "", "log level override (debug|info|warn|error)")
	logFormat := flag.String("log-format", "", "log format override (json|text)")
	flag.Parse()

	cfg := &config.ServerConfig{}
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// CLI flags always take precedence over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "replicaof":
			cfg.ReplicaOf = *replicaOf
		case "dir":
			cfg.Dir = *dir
		case "dbfilename":
			cfg.DBFilename = *dbfilename
		case "replica-rate-limit-bytes":
			cfg.Replication.RateLimitBytes = *rateLimitBytes
		case "replica-dscp":
			cfg.Replication.DSCP = *dscp
		case "stats-cron":
			cfg.Stats.Cron = *statsCron
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		}
	})

	if cfg.Port == 0 {
		cfg.Port = *port
	}
	if cfg.Dir == "" {
		cfg.Dir = *dir
	}
	if cfg.DBFilename == "" {
		cfg.DBFilename = *dbfilename
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Stats.Cron == "" {
		cfg.Stats.Cron = "@every 30s"
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "")
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := server.Run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
