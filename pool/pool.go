package pool

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrExhausted reports that every slot is held. It is a backpressure
	// signal, not a failure: the caller drops or defers the payload.
	ErrExhausted = errors.New("pool exhausted")

	// ErrInvalidSize indicates a non-positive capacity or slot size
	ErrInvalidSize = errors.New("invalid pool size")
)

// Pool is a fixed set of equally sized buffer slots backed by a single
// allocation. Acquire and Release are safe for concurrent use.
type Pool struct {
	backing  []byte
	slotSize int
	slots    []Slot
	free     chan int
}

// Slot is a handle to one region of the pool's backing buffer. The holder
// owns the region exclusively until Release.
type Slot struct {
	pool  *Pool
	index int
	buf   []byte
	n     int
	held  atomic.Bool
}

// New allocates capacity*slotSize bytes and builds capacity slot handles,
// each covering a disjoint sub-range of the allocation.
func New(capacity, slotSize int) (*Pool, error) {
	if capacity <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("%w: capacity %d, slot size %d", ErrInvalidSize, capacity, slotSize)
	}

	p := &Pool{
		backing:  make([]byte, capacity*slotSize),
		slotSize: slotSize,
		slots:    make([]Slot, capacity),
		free:     make(chan int, capacity),
	}
	for i := range p.slots {
		start := i * slotSize
		end := start + slotSize
		p.slots[i].pool = p
		p.slots[i].index = i
		// full slice expression keeps appends from spilling into the next slot
		p.slots[i].buf = p.backing[start:end:end]
		p.free <- i
	}

	logrus.WithFields(logrus.Fields{
		"function":  "pool.New",
		"capacity":  capacity,
		"slot_size": slotSize,
		"total":     len(p.backing),
	}).Debug("Payload pool allocated")

	return p, nil
}

// Acquire returns a free slot with its length reset to zero, or false when
// every slot is held. It never blocks and never allocates.
func (p *Pool) Acquire() (*Slot, bool) {
	select {
	case i := <-p.free:
		s := &p.slots[i]
		s.n = 0
		s.held.Store(true)
		return s, true
	default:
		return nil, false
	}
}

// TryAcquire is Acquire with ErrExhausted in place of the boolean.
func (p *Pool) TryAcquire() (*Slot, error) {
	s, ok := p.Acquire()
	if !ok {
		return nil, ErrExhausted
	}
	return s, nil
}

// Capacity returns the number of slots.
func (p *Pool) Capacity() int { return len(p.slots) }

// SlotSize returns the size in bytes of every slot.
func (p *Pool) SlotSize() int { return p.slotSize }

// Available returns the number of free slots at the time of the call.
func (p *Pool) Available() int { return len(p.free) }

// InUse returns the number of held slots at the time of the call.
func (p *Pool) InUse() int { return len(p.slots) - len(p.free) }

// Release returns the slot to its pool. Releasing a slot that is not held
// panics.
func (s *Slot) Release() {
	if !s.held.CompareAndSwap(true, false) {
		panic(fmt.Sprintf("pool: release of slot %d which is not held", s.index))
	}
	s.pool.free <- s.index
}

// Held reports whether the slot is currently acquired.
func (s *Slot) Held() bool { return s.held.Load() }

// Index returns the slot's position in the pool. Indices are stable for the
// lifetime of the pool and make convenient completion tokens.
func (s *Slot) Index() int { return s.index }

// Bytes returns the full slot region regardless of the used length.
func (s *Slot) Bytes() []byte { return s.buf }

// Len returns the used length set by SetLen.
func (s *Slot) Len() int { return s.n }

// SetLen records how many bytes of the slot hold payload.
func (s *Slot) SetLen(n int) error {
	if n < 0 || n > len(s.buf) {
		return fmt.Errorf("slot length %d out of range [0, %d]", n, len(s.buf))
	}
	s.n = n
	return nil
}

// Payload returns the used portion of the slot.
func (s *Slot) Payload() []byte { return s.buf[:s.n] }
