// Package pool provides a fixed-capacity pool of pre-allocated audio buffers
// checked out and returned under backpressure, so the capture hot path never
// allocates and memory stays bounded regardless of session count.
package pool

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidConfig = errors.New("pool: invalid configuration")
	ErrExhausted     = errors.New("pool: exhausted")
	ErrForeignBuffer = errors.New("pool: buffer does not belong to this pool")
	ErrDoubleReturn  = errors.New("pool: buffer already returned")
)

// Config sizes the pool. Alignment must be a power of two; slot sizes are
// rounded up to it so slots stay cache-line friendly.
type Config struct {
	PoolSize  int // number of slots, fixed for the pool's lifetime
	SlotSize  int // samples per slot
	Alignment int // samples, power of two

	// CheckoutTimeout is the default wait in Checkout when the caller passes
	// a negative timeout.
	CheckoutTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PoolSize:        32,
		SlotSize:        4096,
		Alignment:       16,
		CheckoutTimeout: 5 * time.Millisecond,
	}
}

// Buffer is one checked-out slot. Data is valid until the buffer is returned.
type Buffer struct {
	Data []float32
	slot int
	p    *Pool
}

// Stats is a snapshot of pool counters.
type Stats struct {
	TotalCheckouts  uint64
	FailedCheckouts uint64
	CurrentUsage    int64
	PeakUsage       int64
}

// Pool owns N pre-allocated slots. A buffered channel of slot indices acts as
// the counting semaphore; per-slot flags catch double returns. There is no
// global mutex on the checkout/return path.
type Pool struct {
	cfg   Config
	slots [][]float32
	inUse []atomic.Bool
	free  chan int

	totalCheckouts  atomic.Uint64
	failedCheckouts atomic.Uint64
	currentUsage    atomic.Int64
	peakUsage       atomic.Int64
}

// New allocates all slots up front. The pool never grows afterwards.
func New(cfg Config) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("%w: pool size %d", ErrInvalidConfig, cfg.PoolSize)
	}
	if cfg.SlotSize <= 0 {
		return nil, fmt.Errorf("%w: slot size %d", ErrInvalidConfig, cfg.SlotSize)
	}
	if cfg.Alignment <= 0 || cfg.Alignment&(cfg.Alignment-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d must be a power of two", ErrInvalidConfig, cfg.Alignment)
	}

	slotSize := (cfg.SlotSize + cfg.Alignment - 1) &^ (cfg.Alignment - 1)

	p := &Pool{
		cfg:   cfg,
		slots: make([][]float32, cfg.PoolSize),
		inUse: make([]atomic.Bool, cfg.PoolSize),
		free:  make(chan int, cfg.PoolSize),
	}
	backing := make([]float32, slotSize*cfg.PoolSize)
	for i := 0; i < cfg.PoolSize; i++ {
		p.slots[i] = backing[i*slotSize : (i+1)*slotSize : (i+1)*slotSize]
		p.free <- i
	}
	return p, nil
}

// Checkout acquires a slot, waiting up to timeout when none is free. A zero
// timeout fails immediately on an empty pool; a negative timeout uses the
// configured default. On exhaustion it returns ErrExhausted rather than
// allocating.
func (p *Pool) Checkout(timeout time.Duration) (*Buffer, error) {
	if timeout < 0 {
		timeout = p.cfg.CheckoutTimeout
	}

	var slot int
	select {
	case slot = <-p.free:
	default:
		if timeout == 0 {
			p.failedCheckouts.Add(1)
			return nil, ErrExhausted
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case slot = <-p.free:
		case <-t.C:
			p.failedCheckouts.Add(1)
			return nil, ErrExhausted
		}
	}

	p.inUse[slot].Store(true)
	p.totalCheckouts.Add(1)
	usage := p.currentUsage.Add(1)
	for {
		peak := p.peakUsage.Load()
		if usage <= peak || p.peakUsage.CompareAndSwap(peak, usage) {
			break
		}
	}

	return &Buffer{Data: p.slots[slot], slot: slot, p: p}, nil
}

// Return releases a slot back to the pool. Buffers from another pool and
// double returns are rejected.
func (p *Pool) Return(b *Buffer) error {
	if b == nil || b.slot < 0 {
		return ErrForeignBuffer
	}
	if b.p == nil {
		return ErrDoubleReturn
	}
	if b.p != p || b.slot >= len(p.slots) {
		return ErrForeignBuffer
	}
	if !p.inUse[b.slot].CompareAndSwap(true, false) {
		return ErrDoubleReturn
	}
	p.currentUsage.Add(-1)
	p.free <- b.slot
	b.p = nil
	return nil
}

// Size returns the fixed slot count.
func (p *Pool) Size() int { return p.cfg.PoolSize }

// SlotSize returns the usable samples per slot after alignment rounding.
func (p *Pool) SlotSize() int { return len(p.slots[0]) }

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		TotalCheckouts:  p.totalCheckouts.Load(),
		FailedCheckouts: p.failedCheckouts.Load(),
		CurrentUsage:    p.currentUsage.Load(),
		PeakUsage:       p.peakUsage.Load(),
	}
}
