// Package scheduler implements the beat scheduler: an 8-tick cycle per
// domain that stamps admitted deltas with a cycle id, enqueues them into
// a bounded per-domain ring, and flushes the ring in FIFO order at tick
// 0 of the following cycle. It is grounded on the teacher's
// internal/dispatcher bounded-channel-plus-mutex shape, generalized from
// a log-entry queue to a tick-addressed delta ring.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mdzesseis/knhkd/internal/kernelerr"
	"github.com/mdzesseis/knhkd/internal/kerntypes"
	"github.com/mdzesseis/knhkd/internal/telemetry/metrics"
)

// StampedDelta is a delta stamped with the cycle id it was admitted
// under.
type StampedDelta struct {
	Delta   kerntypes.Delta
	CycleID uint64
	Tick    int
}

// Domain runs one beat cycle and owns one bounded ring. Multiple
// producer goroutines may Enqueue concurrently; Clock.OnFlush is invoked
// by the Clock's own goroutine, so it is the sole consumer, matching
// spec.md §4.G's concurrency contract.
type Domain struct {
	Name string

	mu       sync.Mutex
	ring     []StampedDelta
	capacity int

	tick      int
	cycle     uint64
	ticksPerCycle int

	parkedCount int64

	log *logrus.Logger
}

// NewDomain returns a Domain with the given ring capacity and ticks per
// cycle (defaulting to 8, the Chatman constant's cycle length).
func NewDomain(name string, capacity, ticksPerCycle int, log *logrus.Logger) *Domain {
	if ticksPerCycle <= 0 {
		ticksPerCycle = 8
	}
	if log == nil {
		log = logrus.New()
	}
	return &Domain{
		Name:          name,
		capacity:      capacity,
		ticksPerCycle: ticksPerCycle,
		log:           log,
	}
}

// Enqueue stamps delta with the domain's current cycle id and appends it
// to the ring. It returns RingBufferFull without blocking or retrying
// internally if the ring is at capacity.
func (d *Domain) Enqueue(delta kerntypes.Delta) (StampedDelta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.ring) >= d.capacity {
		d.parkedCount++
		return StampedDelta{}, kernelerr.New(kernelerr.CodeRingBufferFull, "scheduler", "Enqueue",
			"per-domain ring is at capacity")
	}

	sd := StampedDelta{Delta: delta, CycleID: d.cycle, Tick: d.tick}
	d.ring = append(d.ring, sd)
	return sd, nil
}

// Advance moves the tick forward by one, wrapping modulo ticksPerCycle
// and incrementing the cycle counter on wrap. It returns the flushed
// batch (FIFO order) when the tick wraps to 0, or nil otherwise.
func (d *Domain) Advance() []StampedDelta {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tick = (d.tick + 1) % d.ticksPerCycle
	if d.tick != 0 {
		return nil
	}

	d.cycle++
	if len(d.ring) == 0 {
		return nil
	}
	flushed := d.ring
	d.ring = make([]StampedDelta, 0, d.capacity)
	return flushed
}

// Depth returns the current ring occupancy, exposed as a scheduler
// metric.
func (d *Domain) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ring)
}

// ParkedCount returns the number of RingBufferFull rejections observed.
func (d *Domain) ParkedCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.parkedCount
}

// Clock drives a Domain's beat cycle on a fixed tick interval, invoking
// onFlush with each flushed batch. Run blocks until ctx is cancelled.
type Clock struct {
	Domain   *Domain
	Interval time.Duration
	OnFlush  func([]StampedDelta)
}

// Run drives the clock until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beatStart := time.Now()
			flushed := c.Domain.Advance()
			// RecordBeat's "tier" label is generic; the scheduler has no
			// tier concept of its own, so it is keyed by domain name here,
			// mirroring kernel.go's domain-as-workflow-name convention.
			metrics.RecordBeat(c.Domain.Name, time.Since(beatStart))
			if len(flushed) > 0 && c.OnFlush != nil {
				c.OnFlush(flushed)
			}
		}
	}
}

// Scheduler owns a set of named domains (default: a single "default"
// domain, per spec.md §4.G).
type Scheduler struct {
	mu      sync.RWMutex
	domains map[string]*Domain

	capacity      int
	ticksPerCycle int
	log           *logrus.Logger
}

// New returns a Scheduler that lazily creates domains with the given
// ring capacity and ticks-per-cycle.
func New(capacity, ticksPerCycle int, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		domains:       make(map[string]*Domain),
		capacity:      capacity,
		ticksPerCycle: ticksPerCycle,
		log:           log,
	}
}

// Domain returns (creating if necessary) the named domain.
func (s *Scheduler) Domain(name string) *Domain {
	s.mu.RLock()
	d, ok := s.domains[name]
	s.mu.RUnlock()
	if ok {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[name]; ok {
		return d
	}
	d = NewDomain(name, s.capacity, s.ticksPerCycle, s.log)
	s.domains[name] = d
	return d
}

// Enqueue routes delta to the named domain, failing with InvalidDomain
// if name is empty.
func (s *Scheduler) Enqueue(domain string, delta kerntypes.Delta) (StampedDelta, error) {
	if domain == "" {
		return StampedDelta{}, kernelerr.New(kernelerr.CodeInvalidDomain, "scheduler", "Enqueue",
			"domain name must not be empty")
	}
	return s.Domain(domain).Enqueue(delta)
}

// Domains returns the names of every domain created so far.
func (s *Scheduler) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.domains))
	for name := range s.domains {
		names = append(names, name)
	}
	return names
}
