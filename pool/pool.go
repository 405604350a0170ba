// Package pool bounds the number of operations the pipeline dispatches
// concurrently against the single storage kernel each process owns.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Slot is one unit of dispatch concurrency. It carries no resource of its
// own (there is nothing per-slot to open or close); it exists so Acquire/
// Release/the health checker have an InUse/idle lifecycle to track.
type Slot struct {
	ID        uint64
	InUse     atomic.Bool
	CreatedAt time.Time
	lastUsed  time.Time
	pool      *Pool
	mu        sync.RWMutex
}

// GetLastUsed returns when the slot was last released (thread-safe).
func (s *Slot) GetLastUsed() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsed
}

func (s *Slot) setLastUsed(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = t
}

// Pool bounds concurrent dispatch between minSize and maxSize slots,
// growing on demand and shrinking idle slots back down on a health-check
// interval.
type Pool struct {
	slots          []*Slot
	mu             sync.RWMutex
	nextID         atomic.Uint64
	minSize        int
	maxSize        int
	idleTimeout    time.Duration
	healthInterval time.Duration
	stopChan       chan struct{}
	running        bool
}

// Options configures the pool.
type Options struct {
	MinSize        int           // Minimum resident slots (default: 5)
	MaxSize        int           // Maximum concurrent slots (default: 100)
	IdleTimeout    time.Duration // Idle slot timeout (default: 5min)
	HealthInterval time.Duration // Health check interval (default: 30s)
}

// DefaultOptions returns default pool options.
func DefaultOptions() *Options {
	return &Options{
		MinSize:        5,
		MaxSize:        100,
		IdleTimeout:    5 * time.Minute,
		HealthInterval: 30 * time.Second,
	}
}

// New creates a pool with its minimum slot count already resident, and
// starts its health checker.
func New(opts *Options) (*Pool, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	p := &Pool{
		slots:          make([]*Slot, 0, opts.MaxSize),
		minSize:        opts.MinSize,
		maxSize:        opts.MaxSize,
		idleTimeout:    opts.IdleTimeout,
		healthInterval: opts.HealthInterval,
		stopChan:       make(chan struct{}),
		running:        false,
	}

	for i := 0; i < opts.MinSize; i++ {
		p.slots = append(p.slots, p.newSlot())
	}

	p.running = true
	go p.healthChecker()

	return p, nil
}

func (p *Pool) newSlot() *Slot {
	s := &Slot{
		ID:        p.nextID.Add(1),
		CreatedAt: time.Now(),
		pool:      p,
	}
	s.InUse.Store(false)
	s.setLastUsed(time.Now())
	return s
}

// Acquire reserves a slot, growing the pool up to maxSize if every
// resident slot is busy. It returns an error rather than blocking when the
// pool is already at maxSize, so a caller under sustained overload fails
// fast instead of queuing unboundedly.
func (p *Pool) Acquire() (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, fmt.Errorf("pool is closed")
	}

	for _, s := range p.slots {
		if !s.InUse.Load() {
			s.InUse.Store(true)
			s.setLastUsed(time.Now())
			return s, nil
		}
	}

	if len(p.slots) < p.maxSize {
		s := p.newSlot()
		s.InUse.Store(true)
		p.slots = append(p.slots, s)
		return s, nil
	}

	return nil, fmt.Errorf("pool exhausted, max size %d reached", p.maxSize)
}

// Release returns a slot to the pool.
func (p *Pool) Release(s *Slot) error {
	if s == nil {
		return fmt.Errorf("cannot release nil slot")
	}
	if s.pool != p {
		return fmt.Errorf("slot does not belong to this pool")
	}

	s.InUse.Store(false)
	s.setLastUsed(time.Now())
	return nil
}

// Run acquires a slot, invokes fn, and releases the slot regardless of
// fn's outcome. This is the shape the pipeline dispatch path uses: bound
// concurrent operation dispatch without the caller managing Slot
// lifetimes directly.
func (p *Pool) Run(fn func() error) error {
	slot, err := p.Acquire()
	if err != nil {
		return err
	}
	defer p.Release(slot)
	return fn()
}

func (p *Pool) healthChecker() {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.stopChan:
			return
		}
	}
}

// checkHealth trims idle slots back down toward minSize and tops the pool
// back up to minSize if it ever fell below it.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	active := make([]*Slot, 0, len(p.slots))

	for _, s := range p.slots {
		if s.InUse.Load() {
			active = append(active, s)
			continue
		}

		if now.Sub(s.GetLastUsed()) > p.idleTimeout && len(active) >= p.minSize {
			continue // drop from the pool
		}

		active = append(active, s)
	}

	p.slots = active

	for len(p.slots) < p.minSize {
		p.slots = append(p.slots, p.newSlot())
	}
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := Stats{
		TotalSlots: len(p.slots),
		MinSize:    p.minSize,
		MaxSize:    p.maxSize,
	}

	for _, s := range p.slots {
		if s.InUse.Load() {
			stats.ActiveSlots++
		} else {
			stats.IdleSlots++
		}
	}

	return stats
}

// Close stops the health checker. Slots carry no resource to release.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("pool already closed")
	}

	p.running = false
	close(p.stopChan)
	p.slots = nil
	return nil
}

// Stats contains pool occupancy statistics.
type Stats struct {
	TotalSlots  int
	IdleSlots   int
	ActiveSlots int
	MinSize     int
	MaxSize     int
}
