// Package server wires the store, command engine and wire codec into a
// running redcore process. A process is fixed at start as either a primary
// (accepts writes, fans them out to replicas) or a replica (follows a
// primary's replication stream); both accept ordinary client connections on
// the same listening port.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/halvorsen-dev/redcore/internal/command"
	"github.com/halvorsen-dev/redcore/internal/config"
	"github.com/halvorsen-dev/redcore/internal/load"
	"github.com/halvorsen-dev/redcore/internal/protocol"
	"github.com/halvorsen-dev/redcore/internal/snapshot"
	"github.com/halvorsen-dev/redcore/internal/store"
)

// loadSampleInterval is how often the background load.Sampler refreshes
// the memory/load figures the stats logger and INFO command report.
const loadSampleInterval = 5 * time.Second

// Run starts a redcore server and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	st := store.New()

	dbPath := filepath.Join(cfg.Dir, cfg.DBFilename)
	if f, err := os.Open(dbPath); err == nil {
		loadErr := snapshot.Load(f, st)
		f.Close()
		if loadErr != nil {
			return fmt.Errorf("loading snapshot %s: %w", dbPath, loadErr)
		}
		logger.Info("loaded snapshot", "path", dbPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("opening snapshot %s: %w", dbPath, err)
	}

	sampler := load.NewSampler(logger)
	sampler.Start(loadSampleInterval)
	defer sampler.Stop()

	var eng command.Engine
	var primary *PrimaryServer
	var replica *ReplicaServer

	if cfg.ReplicaOf == "" {
		dscp, err := ParseDSCP(cfg.Replication.DSCP)
		if err != nil {
			return fmt.Errorf("parsing replication.dscp: %w", err)
		}
		var rateLimitBytes int64
		if cfg.Replication.RateLimitBytes != "" {
			rateLimitBytes, err = config.ParseByteSize(cfg.Replication.RateLimitBytes)
			if err != nil {
				return fmt.Errorf("parsing replication.rate_limit_bytes: %w", err)
			}
		}
		primary = NewPrimaryServer(st, logger, cfg.Dir, cfg.DBFilename, sampler, rateLimitBytes, dscp)
		eng = primary
		logger.Info("starting as primary", "replid", primary.ReplID())
	} else {
		host, port, err := config.ParseReplicaOf(cfg.ReplicaOf)
		if err != nil {
			return fmt.Errorf("parsing replicaof: %w", err)
		}
		replica = NewReplicaServer(st, logger, cfg.Dir, cfg.DBFilename, sampler, host, port, cfg.Port)
		eng = replica
		logger.Info("starting as replica", "master", net.JoinHostPort(host, port))
		go replica.connectAndSync(ctx)
	}

	cron, err := startStatsLogger(cfg.Stats.Cron, logger, func() []any {
		sample := sampler.Sample()
		fields := []any{
			"role", eng.Role(),
			"offset", eng.Offset(),
			"mem_percent", sample.MemoryPercent,
			"load1", sample.Load1,
		}
		if primary != nil {
			fields = append(fields, "replicas", primary.replicaCountAll())
		}
		return fields
	})
	if err != nil {
		return fmt.Errorf("scheduling stats logger: %w", err)
	}
	defer cron.Stop()

	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Port, err)
	}
	defer ln.Close()
	logger.Info("server listening", "port", cfg.Port)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return acceptLoop(ctx, ln, logger, func(conn net.Conn) {
		handleConnection(ctx, eng, st, logger, conn)
	})
}

// acceptLoop accepts connections until ctx is cancelled, backing off up to
// 5s after consecutive accept errors so a transient resource exhaustion
// does not spin the loop hot.
func acceptLoop(ctx context.Context, ln net.Listener, logger *slog.Logger, handle func(net.Conn)) error {
	var consecutiveErrors int
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			consecutiveErrors++
			delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			logger.Warn("accept error", "err", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		consecutiveErrors = 0
		go handle(conn)
	}
}

// handleConnection runs the per-connection command loop. A PSYNC that
// succeeds transitions the connection from "client" to "replica link" for
// the rest of its lifetime.
func handleConnection(ctx context.Context, eng command.Engine, st *store.Store, logger *slog.Logger, conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()
	br := bufio.NewReader(conn)

	for {
		args, raw, err := protocol.DecodeCommand(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("protocol decode error, closing connection", "peer", addr, "err", err)
			}
			return
		}

		result, err := command.Execute(eng, st, args, raw)
		if err != nil {
			logger.Error("command execution error", "peer", addr, "err", err)
			return
		}

		if result.RegisterReplica {
			if err := protocol.EncodeSimpleString(conn, result.FullResyncLine); err != nil {
				return
			}
			if err := protocol.EncodeRDBPayload(conn, result.RDBPayload); err != nil {
				return
			}
			primary, ok := eng.(*PrimaryServer)
			if !ok {
				return
			}
			primary.registerReplica(ctx, addr, conn)
			primary.runReplicaLink(addr, br)
			return
		}

		if result.Reply != nil {
			if err := protocol.EncodeMessage(conn, *result.Reply); err != nil {
				return
			}
		}
	}
}
