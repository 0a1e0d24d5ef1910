// Package load periodically samples host metrics so the server's
// INFO command can report a live load gauge without blocking on gopsutil
// calls from the command-handling goroutine itself.
package load

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Sample is the latest snapshot of system load, refreshed on an interval.
type Sample struct {
	MemoryPercent float64
	Load1         float64
}

// Sampler collects Sample values periodically in the background.
type Sampler struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup
	sample Sample
	mu     sync.RWMutex
}

// NewSampler returns a Sampler that has not yet started collecting.
func NewSampler(logger *slog.Logger) *Sampler {
	return &Sampler{
		logger: logger.With("component", "load_sampler"),
		close:  make(chan struct{}),
	}
}

// Start begins periodic collection at the given interval.
func (s *Sampler) Start(interval time.Duration) {
	s.wg.Add(1)
	go s.run(interval)
}

// Stop halts collection and waits for the background goroutine to exit.
func (s *Sampler) Stop() {
	close(s.close)
	s.wg.Wait()
}

// Sample returns the most recently collected sample.
func (s *Sampler) Sample() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sample
}

func (s *Sampler) run(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.collect()
	for {
		select {
		case <-s.close:
			return
		case <-ticker.C:
			s.collect()
		}
	}
}

func (s *Sampler) collect() {
	var sample Sample

	if v, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = v.UsedPercent
	} else {
		s.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		sample.Load1 = l.Load1
	} else {
		s.logger.Debug("failed to collect load stats", "error", err)
	}

	s.mu.Lock()
	s.sample = sample
	s.mu.Unlock()
}
