package phaser

import (
	"fmt"
	"sync/atomic"
)

// Phaser is a reusable synchronization barrier, similar to java.util.concurrent.Phaser.
// It supports dynamic registration of parties and synchronization in phases.
//
// Concepts:
//   - Phase: An integer generation number, advancing by one (modulo 2^31)
//     each time all registered parties have arrived.
//   - Parties: Number of registered participants, at most 65535 per phaser.
//   - Arrive: A party signals it reached the barrier.
//   - Await: A party waits for others to arrive.
//
// Key Differences from WaitGroup/Barrier:
//   - Dynamic: Parties can be added/removed (Register/ArriveAndDeregister) at any time.
//   - Split-Phase: Arrive() and AwaitAdvance() are separate, allowing "Arrive and Continue" patterns.
//   - Tiering: Phasers may be built into trees (see WithParent) to spread
//     contention over many nodes. A child registers with its parent while it
//     has parties, and only the last arrival of a child reaches the parent.
//
// Every transition of a phaser is a single CAS on one packed state word. A
// child keeps a possibly stale copy of the root's phase that is reconciled
// lazily on access. Waiters park on two lock-free stacks owned by the root,
// selected by phase parity.
//
// Termination: a phaser tree terminates when the advance hook of its root
// reports so (by default, once no parties remain) or on ForceTermination.
// Afterwards every operation returns a negative phase and waiters are
// released.
//
// A Phaser must be created with New.
type Phaser struct {
	_ noCopy

	// state stores (terminated << 63) | (phase << 32) | (parties << 16) | (unarrived << 0)
	// See state.go for the encoding.
	state atomic.Uint64

	parent *Phaser
	root   *Phaser

	// queues are the root's wait stacks, shared by the whole tree.
	queues *waitQueues

	// mu serializes first registrations of this phaser with its parent.
	mu ticketLock

	onAdvance func(phase, registeredParties int) bool
}

// Option configures a Phaser created by New.
type Option func(*Phaser)

// WithParent attaches the new phaser below parent. The phaser registers one
// party with parent whenever its own party count goes from zero to positive,
// and deregisters it when the count drops back to zero.
func WithParent(parent *Phaser) Option {
	return func(p *Phaser) {
		p.parent = parent
	}
}

// WithOnAdvance sets the hook run by the goroutine that completes a phase.
// It receives the phase being completed and the number of parties registered
// for the next one, and returns true to terminate the phaser.
//
// The hook of a root runs exactly once per phase; hooks of non-root phasers
// are never invoked. A panic in the hook leaves the phase un-advanced, the
// triggering arrival unrecorded, and propagates to the arriving goroutine.
//
// The default hook terminates once no parties remain registered.
func WithOnAdvance(fn func(phase, registeredParties int) bool) Option {
	return func(p *Phaser) {
		if fn != nil {
			p.onAdvance = fn
		}
	}
}

func defaultOnAdvance(_, registeredParties int) bool {
	return registeredParties == 0
}

// New creates a Phaser with the given number of unarrived parties.
//
// panic if parties is negative or greater than 65535.
func New(parties int, opts ...Option) *Phaser {
	if parties < 0 {
		panic(ErrNegativeParties)
	}
	if parties > maxParties {
		panic(fmt.Errorf("%w: %d", ErrTooManyParties, parties))
	}
	p := &Phaser{onAdvance: defaultOnAdvance}
	for _, o := range opts {
		o(p)
	}

	var phase uint32
	if p.parent != nil {
		p.root = p.parent.root
		p.queues = p.root.queues
		if parties != 0 {
			phase = uint32(p.parent.doRegister(1))
		}
	} else {
		p.root = p
		p.queues = &waitQueues{}
	}

	if parties == 0 {
		p.state.Store(emptyState)
	} else {
		p.state.Store(packState(phase, countsFor(parties)))
	}
	return p
}

// Register adds a new unarrived party to the phaser.
// If an advance is in progress, it waits for it to complete first.
//
// Returns the phase the registration applies to, or a negative value if the
// phaser is terminated, in which case registration has no effect.
//
// panic if the phaser already has 65535 parties.
func (p *Phaser) Register() int {
	return p.doRegister(1)
}

// BulkRegister adds the given number of unarrived parties. Registering zero
// parties returns the current phase.
//
// panic if parties is negative or the total would exceed 65535.
func (p *Phaser) BulkRegister(parties int) int {
	if parties < 0 {
		panic(ErrNegativeParties)
	}
	if parties == 0 {
		return p.Phase()
	}
	return p.doRegister(parties)
}

// Arrive records the arrival of one party without waiting for the others.
//
// Returns the arrival phase, or a negative value if terminated.
//
// panic if no parties are unarrived in the current phase.
func (p *Phaser) Arrive() int {
	return p.doArrive(oneArrival)
}

// ArriveAndDeregister records the arrival of one party and removes it from
// the phaser. If that leaves the phaser of a tree with no parties, it also
// deregisters from its parent.
//
// Returns the arrival phase, or a negative value if terminated.
//
// panic if no parties are unarrived in the current phase.
func (p *Phaser) ArriveAndDeregister() int {
	return p.doArrive(oneDeregister)
}

// ArriveAndAwaitAdvance is equivalent to AwaitAdvance(Arrive()), without
// re-reading the state in between.
//
// Returns the phase after the advance, or a negative value if terminated.
// This includes the case where this arrival completes the phase and the
// advance hook terminates the tree: the caller then gets the negative phase
// rather than the number of the phase that would have followed.
//
// panic if no parties are unarrived in the current phase.
func (p *Phaser) ArriveAndAwaitAdvance() int {
	root := p.root
	for {
		s := p.loadState()
		phase := phaseOf(s)
		if phase < 0 {
			return phase
		}
		unarrived := unarrivedOf(s)
		if unarrived <= 0 {
			panic(badArrive(s))
		}
		next := s - oneArrival
		if !p.state.CompareAndSwap(s, next) {
			continue
		}
		if unarrived > 1 {
			return root.internalAwaitAdvance(phaseWord(next), nil)
		}
		return p.awaitLastArrival(next)
	}
}

// awaitLastArrival runs after the arrival that produced s left no unarrived
// parties on p, and waits for the phase to advance.
func (p *Phaser) awaitLastArrival(s uint64) (phase int) {
	committed := false
	defer func() {
		if !committed {
			p.state.CompareAndSwap(s, s+oneArrival)
		}
	}()
	if p.root != p {
		phase = p.parent.ArriveAndAwaitAdvance()
	} else {
		phase = phaseOf(p.advance(s))
	}
	committed = true
	return phase
}

func (p *Phaser) doRegister(registrations int) int {
	adjust := countsFor(registrations)
	parent := p.parent
	for {
		var s uint64
		if parent == nil {
			s = p.state.Load()
		} else {
			s = p.reconcileState()
		}
		counts := countsOf(s)
		parties := int(counts >> partiesShift)
		unarrived := int(counts & unarrivedMask)
		if registrations > maxParties-parties {
			panic(badRegister(s))
		}
		phase := phaseOf(s)
		if phase < 0 {
			return phase
		}
		switch {
		case counts != emptyState:
			if parent != nil && p.reconcileState() != s {
				continue
			}
			if unarrived == 0 {
				// Wait out the advance in progress.
				p.root.internalAwaitAdvance(phaseWord(s), nil)
			} else if p.state.CompareAndSwap(s, s+adjust) {
				return phase
			}
		case parent == nil:
			if p.state.CompareAndSwap(s, packState(phaseWord(s), adjust)) {
				return phase
			}
		default:
			if phase, ok := p.registerWithParent(s, adjust); ok {
				return phase
			}
		}
	}
}

// registerWithParent performs the first registration of an empty child with
// state s. It returns false if s changed before the lock was taken.
func (p *Phaser) registerWithParent(s, adjust uint64) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Load() != s {
		return 0, false
	}
	phase := p.parent.doRegister(1)
	if phase < 0 {
		return phase, true
	}
	// The parent now counts this child, so the local update must land even if
	// the tree advances or terminates meanwhile.
	pw := uint32(phase)
	for !p.state.CompareAndSwap(s, packState(pw, adjust)) {
		s = p.state.Load()
		pw = phaseWord(p.root.state.Load())
	}
	return int(int32(pw)), true
}

func (p *Phaser) doArrive(adjust uint64) int {
	for {
		s := p.loadState()
		phase := phaseOf(s)
		if phase < 0 {
			return phase
		}
		unarrived := unarrivedOf(s)
		if unarrived <= 0 {
			panic(badArrive(s))
		}
		next := s - adjust
		if !p.state.CompareAndSwap(s, next) {
			continue
		}
		if unarrived == 1 {
			return p.onLastArrival(next, adjust, phase)
		}
		return phase
	}
}

// onLastArrival runs after the arrival that produced s left no unarrived
// parties on p. At the root it completes the phase, elsewhere it passes a
// single arrival up to the parent.
func (p *Phaser) onLastArrival(s, adjust uint64, phase int) int {
	committed := false
	defer func() {
		if !committed {
			p.state.CompareAndSwap(s, s+adjust)
		}
	}()
	switch {
	case p.root == p:
		p.advance(s)
	case partiesOf(s) == 0:
		// Last party gone: leave the parent too.
		phase = p.parent.doArrive(oneDeregister)
		p.state.CompareAndSwap(s, s|emptyState)
	default:
		phase = p.parent.doArrive(oneArrival)
	}
	committed = true
	return phase
}

// advance completes the phase of the root state s, publishes the next state
// and releases the waiters of the completed phase. It returns the state
// current afterwards.
func (p *Phaser) advance(s uint64) uint64 {
	n := nextState(s, p.onAdvance(phaseOf(s), partiesOf(s)))
	if !p.state.CompareAndSwap(s, n) {
		// Only ForceTermination can change a root while it advances.
		n = p.state.Load()
	}
	p.releaseWaiters(phaseWord(s))
	return n
}

func (p *Phaser) loadState() uint64 {
	if p.root == p {
		return p.state.Load()
	}
	return p.reconcileState()
}

// reconcileState brings the phase of a non-root phaser in line with its root.
// Adopting a new phase resets unarrived to the party count (or to emptyState
// with no parties). A terminated root only propagates its phase word, keeping
// the local counts.
func (p *Phaser) reconcileState() uint64 {
	root := p.root
	s := p.state.Load()
	if root == p {
		return s
	}
	for {
		pw := phaseWord(root.state.Load())
		if pw == phaseWord(s) {
			return s
		}
		var next uint64
		if int32(pw) < 0 {
			next = packState(pw, s)
		} else if parties := partiesOf(s); parties == 0 {
			next = packState(pw, emptyState)
		} else {
			next = packState(pw, s&partiesMask|uint64(parties))
		}
		if p.state.CompareAndSwap(s, next) {
			return next
		}
		s = p.state.Load()
	}
}

// ForceTermination forces the phaser tree into termination and releases all
// waiters. Registered parties are unaffected. Calling it on a terminated
// phaser has no effect.
//
// It is meant for recovery, e.g. after a party failed unexpectedly.
func (p *Phaser) ForceTermination() {
	root := p.root
	for {
		s := root.state.Load()
		if terminatedOf(s) {
			return
		}
		if root.state.CompareAndSwap(s, s|terminationBit) {
			root.releaseWaiters(0)
			root.releaseWaiters(1)
			return
		}
	}
}

// Phase returns the current phase, or a negative value if terminated.
func (p *Phaser) Phase() int {
	return phaseOf(p.root.state.Load())
}

// RegisteredParties returns the number of parties registered at this phaser.
func (p *Phaser) RegisteredParties() int {
	return partiesOf(p.state.Load())
}

// ArrivedParties returns the number of registered parties that have arrived
// at the current phase of this phaser.
func (p *Phaser) ArrivedParties() int {
	return arrivedOf(p.reconcileState())
}

// UnarrivedParties returns the number of registered parties that have not
// yet arrived at the current phase of this phaser.
func (p *Phaser) UnarrivedParties() int {
	return unarrivedOf(p.reconcileState())
}

// Parent returns the parent of this phaser, or nil.
func (p *Phaser) Parent() *Phaser {
	return p.parent
}

// Root returns the root of the tree, which is p itself if it has no parent.
func (p *Phaser) Root() *Phaser {
	return p.root
}

// IsTerminated reports whether the phaser tree has terminated.
func (p *Phaser) IsTerminated() bool {
	return terminatedOf(p.root.state.Load())
}

// String returns a snapshot of the phase and party counts.
// The monitoring accessors above are likewise snapshots, meant for
// diagnostics and not for synchronization.
func (p *Phaser) String() string {
	return "Phaser[" + stateString(p.reconcileState()) + "]"
}
