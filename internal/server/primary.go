package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/halvorsen-dev/redcore/internal/command"
	"github.com/halvorsen-dev/redcore/internal/load"
	"github.com/halvorsen-dev/redcore/internal/protocol"
	"github.com/halvorsen-dev/redcore/internal/store"
)

const replIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newReplID() string {
	raw := make([]byte, 40)
	_, _ = rand.Read(raw)
	id := make([]byte, 40)
	for i, b := range raw {
		id[i] = replIDAlphabet[int(b)%len(replIDAlphabet)]
	}
	return string(id)
}

// replicaLink is the primary's record of one connected replica: its fan-out
// writer (possibly throttled/DSCP-marked) and the offset it last ACKed.
type replicaLink struct {
	addr           string
	w              io.Writer
	reportedOffset int64 // atomic
}

// waitTrigger is one blocked WAIT call's condition: satisfied once at least
// n replicas report an offset >= target.
type waitTrigger struct {
	n      int
	target int64
	done   chan int
}

// PrimaryServer is the command.Engine implementation that accepts writes
// directly, propagates them to connected replicas and services WAIT.
type PrimaryServer struct {
	*baseServer

	replid string
	offset int64 // atomic

	replicas sync.Map // addr string -> *replicaLink

	waitMu       sync.Mutex
	waitTriggers []*waitTrigger

	rateLimitBytes int64
	dscp           int
}

// NewPrimaryServer constructs a primary with a freshly generated replid.
// rateLimitBytes <= 0 disables per-replica throttling; dscp == 0 disables
// DSCP marking on replica sockets.
func NewPrimaryServer(st *store.Store, logger *slog.Logger, dir, dbfilename string, sampler *load.Sampler, rateLimitBytes int64, dscp int) *PrimaryServer {
	return &PrimaryServer{
		baseServer:     newBaseServer(st, logger, dir, dbfilename, sampler),
		replid:         newReplID(),
		rateLimitBytes: rateLimitBytes,
		dscp:           dscp,
	}
}

func (p *PrimaryServer) Role() command.Role { return command.RoleMaster }
func (p *PrimaryServer) ReplID() string     { return p.replid }
func (p *PrimaryServer) Offset() int64      { return atomic.LoadInt64(&p.offset) }

// Propagate fans raw out to every connected replica, dropping any replica
// whose write fails, then advances the primary offset by raw's length.
func (p *PrimaryServer) Propagate(raw []byte) {
	p.replicas.Range(func(key, value any) bool {
		link := value.(*replicaLink)
		if _, err := link.w.Write(raw); err != nil {
			p.logger.Warn("replica write failed, dropping replica", "peer", link.addr, "err", err)
			p.replicas.Delete(key)
		}
		return true
	})
	atomic.AddInt64(&p.offset, int64(len(raw)))
}

// RDBSnapshot returns a minimal, valid RDB payload: header, version, and an
// immediate EOF opcode with a zeroed checksum. A freshly started primary
// with no snapshot on disk has nothing else to offer a new replica anyway;
// the snapshot loader accepts this shape because it never assumes an
// opcode follows the header.
func (p *PrimaryServer) RDBSnapshot() []byte {
	rdb := []byte("REDIS0011")
	rdb = append(rdb, 0xFF)
	rdb = append(rdb, make([]byte, 8)...)
	return rdb
}

func (p *PrimaryServer) replicaCount(target int64) int {
	count := 0
	p.replicas.Range(func(_, value any) bool {
		link := value.(*replicaLink)
		if atomic.LoadInt64(&link.reportedOffset) >= target {
			count++
		}
		return true
	})
	return count
}

// Wait implements the WAIT n ms algorithm from spec: short-circuit if the
// bar is already met (covers WAIT 0 with zero replicas), else broadcast
// REPLCONF GETACK * without advancing the primary offset and block for up
// to timeoutMS for enough ACKs to arrive.
func (p *PrimaryServer) Wait(n int, timeoutMS int64) int {
	target := p.Offset()
	if count := p.replicaCount(target); count >= n {
		return count
	}

	p.broadcastGetAck()

	trigger := &waitTrigger{n: n, target: target, done: make(chan int, 1)}
	p.waitMu.Lock()
	p.waitTriggers = append(p.waitTriggers, trigger)
	p.waitMu.Unlock()

	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case count := <-trigger.done:
		return count
	case <-timer.C:
		p.removeWaitTrigger(trigger)
		return p.replicaCount(target)
	}
}

func (p *PrimaryServer) broadcastGetAck() {
	var buf bytes.Buffer
	_ = protocol.EncodeCommand(&buf, []byte("REPLCONF"), []byte("GETACK"), []byte("*"))
	raw := buf.Bytes()

	p.replicas.Range(func(key, value any) bool {
		link := value.(*replicaLink)
		if _, err := link.w.Write(raw); err != nil {
			p.logger.Warn("replica write failed during GETACK broadcast", "peer", link.addr, "err", err)
			p.replicas.Delete(key)
		}
		return true
	})
}

func (p *PrimaryServer) removeWaitTrigger(t *waitTrigger) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	for i, existing := range p.waitTriggers {
		if existing == t {
			p.waitTriggers = append(p.waitTriggers[:i], p.waitTriggers[i+1:]...)
			return
		}
	}
}

// onReplicaAck records a replica's reported offset and wakes any WAIT call
// whose bar is now met.
func (p *PrimaryServer) onReplicaAck(addr string, offset int64) {
	if v, ok := p.replicas.Load(addr); ok {
		atomic.StoreInt64(&v.(*replicaLink).reportedOffset, offset)
	}

	p.waitMu.Lock()
	var satisfied []*waitTrigger
	remaining := p.waitTriggers[:0]
	for _, t := range p.waitTriggers {
		if count := p.replicaCount(t.target); count >= t.n {
			satisfied = append(satisfied, t)
			continue
		}
		remaining = append(remaining, t)
	}
	p.waitTriggers = remaining
	p.waitMu.Unlock()

	for _, t := range satisfied {
		t.done <- p.replicaCount(t.target)
	}
}

// registerReplica adds a newly PSYNC'd connection to the fan-out set,
// wrapping its writer in throttling/DSCP marking when configured.
func (p *PrimaryServer) registerReplica(ctx context.Context, addr string, conn net.Conn) {
	if p.dscp != 0 {
		if err := ApplyDSCP(conn, p.dscp); err != nil {
			p.logger.Warn("failed to apply DSCP to replica link", "peer", addr, "err", err)
		}
	}

	var w io.Writer = conn
	if p.rateLimitBytes > 0 {
		w = NewThrottledWriter(ctx, conn, p.rateLimitBytes)
	}

	p.replicas.Store(addr, &replicaLink{addr: addr, w: w})
	p.logger.Info("replica attached", "peer", addr)
}

// runReplicaLink keeps reading a registered replica's connection for
// REPLCONF ACK frames until it disconnects or sends something malformed.
func (p *PrimaryServer) runReplicaLink(addr string, br *bufio.Reader) {
	defer func() {
		p.replicas.Delete(addr)
		p.logger.Info("replica detached", "peer", addr)
	}()

	for {
		args, _, err := protocol.DecodeCommand(br)
		if err != nil {
			return
		}
		if len(args) == 3 && strings.EqualFold(string(args[0]), "REPLCONF") && strings.EqualFold(string(args[1]), "ACK") {
			n, err := strconv.ParseInt(string(args[2]), 10, 64)
			if err == nil {
				p.onReplicaAck(addr, n)
			}
		}
	}
}

// replicaCountAll reports the number of currently attached replicas,
// regardless of reported offset, for the periodic stats log line.
func (p *PrimaryServer) replicaCountAll() int {
	count := 0
	p.replicas.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
