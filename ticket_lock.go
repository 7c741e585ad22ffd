package phaser

import (
	"sync/atomic"
)

// ticketLock is a fair, FIFO spin-lock guarding the first registration of a
// child phaser with its parent.
//
// Concurrent first registrations of the same child must reach the parent
// exactly once, in arrival order, while arrivals on the child never touch the
// lock. The section it protects is a single upward registration, but that
// registration may itself wait out an advance of the parent, so waiters back
// off with delay instead of pure busy-waiting.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock takes a ticket and waits until it is served.
func (m *ticketLock) Lock() {
	my := m.next.Add(1) - 1
	var spins int
	for m.serving.Load() != my {
		delay(&spins)
	}
}

// Unlock serves the next ticket.
func (m *ticketLock) Unlock() {
	m.serving.Add(1)
}

// queued reports the number of goroutines holding or waiting for the lock.
func (m *ticketLock) queued() int {
	return int(m.next.Load() - m.serving.Load())
}
