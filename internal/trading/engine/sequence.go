package engine

import "sync/atomic"

// Sequencer hands out strictly increasing arrival sequence numbers. Time
// priority in the book is decided by these, never by wall clock.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer starts after start, usually the highest persisted sequence.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Advance moves the sequencer forward to at least v.
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.next.Load()
		if cur >= v || s.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
