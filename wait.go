package phaser

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/llxisdsh/phaser/internal/opt"
)

// waitQueues holds the heads of the root's two Treiber stacks of waiters.
// Waiters for phase N park on the stack of parity N%2, so that releasing the
// waiters of a completed phase never contends with goroutines queueing for
// the next one.
type waitQueues struct {
	even atomic.Pointer[qNode]
	_    opt.Pad_
	odd  atomic.Pointer[qNode]
	_    opt.Pad_
}

func (w *waitQueues) head(phase uint32) *atomic.Pointer[qNode] {
	if phase&1 == 0 {
		return &w.even
	}
	return &w.odd
}

// qNode is a goroutine parked on a wait stack. It implements Blocker.
type qNode struct {
	root  *Phaser
	phase uint32

	// waiting is cleared once the node needs no wakeup, either because a
	// releaser claimed it or because the waiter stopped waiting.
	waiting atomic.Bool

	// Uninterruptible untimed waiters sleep on sema; the others select on
	// wake, ctx and timer.
	sema     opt.Sema
	wake     chan struct{}
	ctx      context.Context
	timer    *time.Timer
	deadline time.Time
	expired  bool

	interrupted bool

	// next is written before the node is published by the CAS on a head.
	next *qNode
}

func newQNode(root *Phaser, phase uint32) *qNode {
	q := &qNode{root: root, phase: phase}
	q.waiting.Store(true)
	return q
}

// newCancelableQNode returns a node that stops waiting when ctx is done or,
// if timed, once timeout has elapsed.
func newCancelableQNode(root *Phaser, phase uint32, ctx context.Context, timed bool, timeout time.Duration) *qNode {
	q := newQNode(root, phase)
	q.ctx = ctx
	q.wake = make(chan struct{})
	if timed {
		q.deadline = time.Now().Add(timeout)
		q.timer = time.NewTimer(timeout)
	}
	return q
}

// IsReleasable reports whether the waiter may stop waiting: it was released,
// the phase moved on, its context is done or its deadline passed.
func (q *qNode) IsReleasable() bool {
	if !q.waiting.Load() {
		return true
	}
	if phaseWord(q.root.state.Load()) != q.phase {
		q.waiting.Store(false)
		return true
	}
	if q.ctx != nil && q.ctx.Err() != nil {
		q.interrupted = true
		q.waiting.Store(false)
		return true
	}
	if q.timer != nil && (q.expired || !time.Now().Before(q.deadline)) {
		q.waiting.Store(false)
		return true
	}
	return false
}

// Block parks the goroutine until the node is signaled, its context is done
// or its timer fires.
func (q *qNode) Block() bool {
	if q.wake == nil {
		q.sema.Acquire()
		return true
	}
	var timeout <-chan time.Time
	if q.timer != nil {
		timeout = q.timer.C
	}
	select {
	case <-q.wake:
	case <-q.ctx.Done():
	case <-timeout:
		q.expired = true
	}
	return q.IsReleasable()
}

// signal wakes the waiter unless it already stopped waiting.
func (q *qNode) signal() {
	if !q.waiting.CompareAndSwap(true, false) {
		return
	}
	if q.wake != nil {
		close(q.wake)
	} else {
		q.sema.Release()
	}
}

func (q *qNode) stop() {
	if q.timer != nil {
		q.timer.Stop()
	}
}

// AwaitAdvance waits for the phase to advance from the given phase. It
// returns immediately if the current phase differs from phase or the phaser
// is terminated.
//
// Returns the next phase, or a negative value if terminated.
func (p *Phaser) AwaitAdvance(phase int) int {
	if phase < 0 {
		return phase
	}
	cur := phaseOf(p.loadState())
	if cur == phase {
		return p.root.internalAwaitAdvance(uint32(phase), nil)
	}
	return cur
}

// AwaitAdvanceContext is like AwaitAdvance but stops waiting when ctx is
// done, returning ctx.Err(). Giving up leaves the phaser untouched.
func (p *Phaser) AwaitAdvanceContext(ctx context.Context, phase int) (int, error) {
	if phase < 0 {
		return phase, nil
	}
	cur := phaseOf(p.loadState())
	if cur != phase {
		return cur, nil
	}
	node := newCancelableQNode(p.root, uint32(phase), ctx, false, 0)
	cur = p.root.internalAwaitAdvance(uint32(phase), node)
	if node.interrupted {
		return cur, ctx.Err()
	}
	return cur, nil
}

// AwaitAdvanceTimeout is like AwaitAdvanceContext but also gives up after
// timeout, returning ErrTimeout. Giving up leaves the phaser untouched.
func (p *Phaser) AwaitAdvanceTimeout(ctx context.Context, phase int, timeout time.Duration) (int, error) {
	if phase < 0 {
		return phase, nil
	}
	cur := phaseOf(p.loadState())
	if cur != phase {
		return cur, nil
	}
	node := newCancelableQNode(p.root, uint32(phase), ctx, true, timeout)
	defer node.stop()
	cur = p.root.internalAwaitAdvance(uint32(phase), node)
	if node.interrupted {
		return cur, ctx.Err()
	}
	if cur == phase {
		return cur, ErrTimeout
	}
	return cur, nil
}

// internalAwaitAdvance waits on the root for the phase word to leave phase.
// With a nil node the goroutine spins first and parks uninterruptibly.
//
// Spinning is extended whenever the unarrived count changes while it is
// below GOMAXPROCS, as other parties are then likely to be running and about
// to arrive.
func (p *Phaser) internalAwaitAdvance(phase uint32, node *qNode) int {
	p.releaseWaiters(phase - 1) // ensure old queue clean
	queued := false
	lastUnarrived := 0
	spins := spinsPerArrival
	var pw uint32
	for {
		s := p.state.Load()
		if pw = phaseWord(s); pw != phase {
			break
		}
		if node == nil {
			unarrived := int(countsOf(s) & unarrivedMask)
			if unarrived != lastUnarrived {
				lastUnarrived = unarrived
				if unarrived < ncpu {
					spins += spinsPerArrival
				}
			}
			if spins--; spins < 0 {
				node = newQNode(p, phase)
			} else {
				runtime_doSpin()
			}
		} else if node.IsReleasable() {
			break
		} else if !queued {
			head := p.queues.head(phase)
			q := head.Load()
			if q != nil && q.phase != phase {
				// Waiters of an earlier phase are still being released.
				p.releaseWaiters(phase)
				continue
			}
			node.next = q
			// Avoid stale enqueue onto an already advanced phase.
			if phaseWord(p.state.Load()) == phase {
				queued = head.CompareAndSwap(q, node)
			}
		} else {
			ManagedBlock(node)
		}
	}

	if node != nil {
		node.waiting.Store(false) // no wakeup needed anymore
		if pw == phase {
			if pw = phaseWord(p.state.Load()); pw == phase {
				return p.abortWait(phase)
			}
		}
	}
	p.releaseWaiters(phase)
	return int(int32(pw))
}

// releaseWaiters pops and wakes the waiters on the stack of the given
// phase's parity, stopping at the first one queued for the current phase.
func (p *Phaser) releaseWaiters(phase uint32) {
	head := p.queues.head(phase)
	for {
		q := head.Load()
		if q == nil || q.phase == phaseWord(p.root.state.Load()) {
			return
		}
		if head.CompareAndSwap(q, q.next) {
			q.signal()
		}
	}
}

// abortWait unlinks nodes at the head of the stack that stopped waiting or
// belong to a past phase, after an interrupted or timed out wait. Nodes
// deeper in the stack are left for releaseWaiters.
//
// Returns the current phase.
func (p *Phaser) abortWait(phase uint32) int {
	head := p.queues.head(phase)
	for {
		q := head.Load()
		pw := phaseWord(p.root.state.Load())
		if q == nil || (q.waiting.Load() && q.phase == pw) {
			return int(int32(pw))
		}
		if head.CompareAndSwap(q, q.next) {
			q.signal()
		}
	}
}
