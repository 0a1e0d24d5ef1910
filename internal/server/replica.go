package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/halvorsen-dev/redcore/internal/command"
	"github.com/halvorsen-dev/redcore/internal/load"
	"github.com/halvorsen-dev/redcore/internal/protocol"
	"github.com/halvorsen-dev/redcore/internal/snapshot"
	"github.com/halvorsen-dev/redcore/internal/store"
)

// ReplicaServer is the command.Engine implementation that applies a
// primary's replication stream locally and serves reads (and, for any
// client that writes to it directly, local-only writes) on its own port.
type ReplicaServer struct {
	*baseServer

	masterHost string
	masterPort string
	listenPort int

	offset            int64 // atomic
	handshakeFinished int32 // atomic bool
}

// NewReplicaServer constructs a replica that has not yet connected to its
// master. listenPort is advertised to the master via REPLCONF
// listening-port during the handshake.
func NewReplicaServer(st *store.Store, logger *slog.Logger, dir, dbfilename string, sampler *load.Sampler, masterHost, masterPort string, listenPort int) *ReplicaServer {
	return &ReplicaServer{
		baseServer: newBaseServer(st, logger, dir, dbfilename, sampler),
		masterHost: masterHost,
		masterPort: masterPort,
		listenPort: listenPort,
	}
}

func (r *ReplicaServer) Role() command.Role              { return command.RoleSlave }
func (r *ReplicaServer) ReplID() string                  { return "" }
func (r *ReplicaServer) Offset() int64                   { return atomic.LoadInt64(&r.offset) }
func (r *ReplicaServer) Propagate(raw []byte)            {}
func (r *ReplicaServer) RDBSnapshot() []byte              { return nil }
func (r *ReplicaServer) Wait(n int, timeoutMS int64) int { return 0 }

// connectAndSync drives the outbound handshake and apply loop, reconnecting
// with a fixed backoff whenever the link to the master drops.
func (r *ReplicaServer) connectAndSync(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.syncOnce(ctx); err != nil {
			r.logger.Warn("replication link to master failed", "master", net.JoinHostPort(r.masterHost, r.masterPort), "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *ReplicaServer) syncOnce(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(r.masterHost, r.masterPort))
	if err != nil {
		return fmt.Errorf("dialing master: %w", err)
	}
	defer conn.Close()

	br := bufio.NewReader(conn)

	if err := protocol.EncodeCommand(conn, []byte("PING")); err != nil {
		return fmt.Errorf("sending PING: %w", err)
	}
	if _, _, err := protocol.Decode(br); err != nil {
		return fmt.Errorf("reading PING reply: %w", err)
	}

	if err := protocol.EncodeCommand(conn, []byte("REPLCONF"), []byte("listening-port"), []byte(strconv.Itoa(r.listenPort))); err != nil {
		return fmt.Errorf("sending REPLCONF listening-port: %w", err)
	}
	if _, _, err := protocol.Decode(br); err != nil {
		return fmt.Errorf("reading REPLCONF listening-port reply: %w", err)
	}

	if err := protocol.EncodeCommand(conn, []byte("REPLCONF"), []byte("capa"), []byte("psync2")); err != nil {
		return fmt.Errorf("sending REPLCONF capa: %w", err)
	}
	if _, _, err := protocol.Decode(br); err != nil {
		return fmt.Errorf("reading REPLCONF capa reply: %w", err)
	}

	if err := protocol.EncodeCommand(conn, []byte("PSYNC"), []byte("?"), []byte("-1")); err != nil {
		return fmt.Errorf("sending PSYNC: %w", err)
	}
	fullresync, _, err := protocol.Decode(br)
	if err != nil {
		return fmt.Errorf("reading FULLRESYNC reply: %w", err)
	}
	if fullresync.Type != protocol.TypeSimpleString || !strings.HasPrefix(fullresync.Str, "FULLRESYNC") {
		return fmt.Errorf("unexpected PSYNC reply: %+v", fullresync)
	}

	rdb, err := protocol.DecodeRDBPayload(br)
	if err != nil {
		return fmt.Errorf("reading RDB payload: %w", err)
	}
	if err := snapshot.Load(bytes.NewReader(rdb), r.store); err != nil {
		return fmt.Errorf("loading RDB from master: %w", err)
	}

	atomic.StoreInt64(&r.offset, 0)
	atomic.StoreInt32(&r.handshakeFinished, 1)
	r.logger.Info("full resync complete", "master", net.JoinHostPort(r.masterHost, r.masterPort))

	return r.applyLoop(conn, br)
}

// applyLoop treats every inbound frame after the handshake as a replicated
// command: REPLCONF GETACK gets an ACK reply (using the offset as it stood
// before this frame's own bytes are counted, per the replication offset
// accounting rule), every other command is applied with its reply
// suppressed, and the local offset advances by the frame's byte length
// regardless of which case it was.
func (r *ReplicaServer) applyLoop(conn net.Conn, br *bufio.Reader) error {
	for {
		args, raw, err := protocol.DecodeCommand(br)
		if err != nil {
			return fmt.Errorf("reading replicated command: %w", err)
		}

		result, execErr := command.Execute(r, r.store, args, raw)
		if execErr != nil {
			r.logger.Error("error applying replicated command", "err", execErr)
		} else if len(args) > 0 && strings.EqualFold(string(args[0]), "REPLCONF") && result.Reply != nil {
			if err := protocol.EncodeMessage(conn, *result.Reply); err != nil {
				return fmt.Errorf("writing REPLCONF ACK: %w", err)
			}
		}

		atomic.AddInt64(&r.offset, int64(len(raw)))
	}
}
