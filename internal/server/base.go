// Package server wires the wire codec, command engine, store and snapshot
// packages into the two running roles a redcore process can take: primary
// or replica. Both embed *baseServer for the parts that do not depend on
// role (config lookups, blocked-XREAD wakeups); PrimaryServer and
// ReplicaServer each add what is specific to driving or following a
// replication stream.
package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/halvorsen-dev/redcore/internal/load"
	"github.com/halvorsen-dev/redcore/internal/store"
	"github.com/halvorsen-dev/redcore/internal/stream"
)

// baseServer holds the state and capabilities common to both roles: the
// store every connection reads and writes, the background load sampler INFO
// reports on, and the blocked-XREAD wakeup mechanism used by
// AwaitStreamActivity/NotifyStreamAppend.
type baseServer struct {
	store      *store.Store
	logger     *slog.Logger
	dir        string
	dbfilename string
	sampler    *load.Sampler

	mu             sync.Mutex
	streamTriggers []*streamTrigger
}

// streamTrigger is one blocked XREAD call's wakeup condition: it fires the
// first time some watched key receives an append past its paired
// watermark.
type streamTrigger struct {
	watermarks map[string]stream.ID
	ch         chan struct{}
	fired      bool
}

func newBaseServer(st *store.Store, logger *slog.Logger, dir, dbfilename string, sampler *load.Sampler) *baseServer {
	return &baseServer{
		store:      st,
		logger:     logger,
		dir:        dir,
		dbfilename: dbfilename,
		sampler:    sampler,
	}
}

// ConfigGet answers CONFIG GET for the two parameters this server exposes.
func (b *baseServer) ConfigGet(key string) (string, bool) {
	switch key {
	case "dir":
		return b.dir, true
	case "dbfilename":
		return b.dbfilename, true
	}
	return "", false
}

// LoadSample reports the most recently collected memory/load figures for
// the INFO command. Returns zero values if no sampler was configured.
func (b *baseServer) LoadSample() (memPercent float64, load1 float64) {
	if b.sampler == nil {
		return 0, 0
	}
	sample := b.sampler.Sample()
	return sample.MemoryPercent, sample.Load1
}

// NotifyStreamAppend wakes every blocked XREAD whose watermark on key is
// now satisfied by id, and drops those triggers from the pending list.
func (b *baseServer) NotifyStreamAppend(key string, id stream.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.streamTriggers[:0]
	for _, t := range b.streamTriggers {
		if wm, ok := t.watermarks[key]; ok && wm.Less(id) {
			if !t.fired {
				t.fired = true
				close(t.ch)
			}
			continue
		}
		remaining = append(remaining, t)
	}
	b.streamTriggers = remaining
}

// AwaitStreamActivity blocks the calling command until some key in keys
// receives an append past its paired watermark, or timeoutMS elapses.
// indefinite ignores timeoutMS and waits for a real wakeup only (XREAD
// BLOCK 0).
//
// recheck re-reads the store for entries already past the watermarks; it
// runs while the trigger is registered but before blocking, so an XADD
// landing between the caller's first (pre-registration) read and this call
// still wakes it instead of being missed. If recheck reports data is
// already available, AwaitStreamActivity unregisters the trigger and
// returns immediately.
func (b *baseServer) AwaitStreamActivity(keys []string, watermarks []stream.ID, timeoutMS int64, indefinite bool, recheck func() bool) {
	wm := make(map[string]stream.ID, len(keys))
	for i, k := range keys {
		wm[k] = watermarks[i]
	}
	t := &streamTrigger{watermarks: wm, ch: make(chan struct{})}

	b.mu.Lock()
	b.streamTriggers = append(b.streamTriggers, t)
	already := recheck()
	if already {
		b.unregisterStreamTriggerLocked(t)
	}
	b.mu.Unlock()

	if already {
		return
	}

	if indefinite {
		<-t.ch
		return
	}

	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-t.ch:
	case <-timer.C:
		b.removeStreamTrigger(t)
	}
}

func (b *baseServer) removeStreamTrigger(t *streamTrigger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisterStreamTriggerLocked(t)
}

func (b *baseServer) unregisterStreamTriggerLocked(t *streamTrigger) {
	for i, existing := range b.streamTriggers {
		if existing == t {
			b.streamTriggers = append(b.streamTriggers[:i], b.streamTriggers[i+1:]...)
			return
		}
	}
}
