package phaser

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/llxisdsh/phaser/internal/opt"
)

// mustPanic runs fn and fails unless it panics with an error wrapping target.
func mustPanic(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic with %v", target)
		}
		err, ok := r.(error)
		if !ok || !errors.Is(err, target) {
			t.Fatalf("panic = %v, want %v", r, target)
		}
	}()
	fn()
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPhaser_Basic(t *testing.T) {
	p := New(0)
	p.Register() // 1 party (Main)

	// Start a worker
	p.Register() // 2 parties
	go func() {
		// Phase 0
		p.ArriveAndAwaitAdvance()
		// Phase 1
		p.ArriveAndDeregister()
	}()

	// Phase 0
	phase := p.ArriveAndAwaitAdvance()
	if phase != 1 {
		t.Errorf("expected phase 1, got %d", phase)
	}

	// Phase 1: worker deregisters.
	// Only 1 party left (me).
	phase = p.ArriveAndAwaitAdvance()
	if phase != 2 {
		t.Errorf("expected phase 2, got %d", phase)
	}
	if n := p.RegisteredParties(); n != 1 {
		t.Errorf("expected 1 registered party, got %d", n)
	}
}

func TestPhaser_Dynamic(t *testing.T) {
	p := New(1) // Me

	const n = 5
	var passed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for range n {
		p.Register()
		go func() {
			defer wg.Done()
			p.ArriveAndAwaitAdvance()
			passed.Add(1)
		}()
	}

	if got := p.ArriveAndAwaitAdvance(); got != 1 {
		t.Fatalf("phase = %d, want 1", got)
	}
	wg.Wait()
	if passed.Load() != n {
		t.Fatalf("passed = %d, want %d", passed.Load(), n)
	}
}

func TestPhaser_New(t *testing.T) {
	p := New(3)
	if p.Phase() != 0 || p.RegisteredParties() != 3 || p.UnarrivedParties() != 3 || p.ArrivedParties() != 0 {
		t.Fatalf("unexpected initial state %v", p)
	}
	if p.Root() != p || p.Parent() != nil {
		t.Fatal("a phaser without parent must be its own root")
	}
	if p.IsTerminated() {
		t.Fatal("new phaser is terminated")
	}

	e := New(0)
	if e.state.Load() != emptyState {
		t.Fatalf("empty phaser state = %#x, want empty sentinel", e.state.Load())
	}

	mustPanic(t, ErrNegativeParties, func() { New(-1) })
	mustPanic(t, ErrTooManyParties, func() { New(maxParties + 1) })
}

func TestPhaser_ArriveCounts(t *testing.T) {
	p := New(3)
	if got := p.Arrive(); got != 0 {
		t.Fatalf("Arrive = %d, want 0", got)
	}
	if p.ArrivedParties() != 1 || p.UnarrivedParties() != 2 {
		t.Fatalf("after one arrival: %v", p)
	}
	p.Arrive()
	if got := p.Arrive(); got != 0 {
		t.Fatalf("last Arrive = %d, want arrival phase 0", got)
	}
	if p.Phase() != 1 {
		t.Fatalf("phase = %d, want 1", p.Phase())
	}
	if p.UnarrivedParties() != 3 || p.RegisteredParties() != 3 {
		t.Fatalf("after advance: %v", p)
	}
}

func TestPhaser_String(t *testing.T) {
	p := New(2)
	p.Arrive()
	if got, want := p.String(), "Phaser[phase = 0 parties = 2 arrived = 1]"; got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}

func TestPhaser_AdvanceExactlyOncePerRound(t *testing.T) {
	const parties = 8
	rounds := 200
	if opt.Race_ {
		rounds = 20
	}
	var hooks atomic.Int32
	p := New(parties, WithOnAdvance(func(phase, registered int) bool {
		hooks.Add(1)
		if registered != parties {
			t.Errorf("hook saw %d parties, want %d", registered, parties)
		}
		return false
	}))

	var wg sync.WaitGroup
	wg.Add(parties)
	for range parties {
		go func() {
			defer wg.Done()
			for i := range rounds {
				if got := p.ArriveAndAwaitAdvance(); got != i+1 {
					t.Errorf("ArriveAndAwaitAdvance = %d, want %d", got, i+1)
					return
				}
			}
		}()
	}
	wg.Wait()

	if int(hooks.Load()) != rounds {
		t.Fatalf("hook ran %d times, want %d", hooks.Load(), rounds)
	}
	if p.Phase() != rounds {
		t.Fatalf("phase = %d, want %d", p.Phase(), rounds)
	}
	if p.UnarrivedParties() != parties {
		t.Fatalf("unarrived = %d, want %d", p.UnarrivedParties(), parties)
	}
}

func TestPhaser_SplitArriveAwait(t *testing.T) {
	const parties = 4
	p := New(parties)
	var wg sync.WaitGroup
	wg.Add(parties)
	results := make([]int, parties)
	for i := range parties {
		go func() {
			defer wg.Done()
			phase := p.Arrive()
			results[i] = p.AwaitAdvance(phase)
		}()
	}
	wg.Wait()
	for i, r := range results {
		if r != 1 {
			t.Fatalf("party %d: AwaitAdvance = %d, want 1", i, r)
		}
	}
}

func TestPhaser_ScenarioThreeParties(t *testing.T) {
	p := New(3)
	var wg sync.WaitGroup
	wg.Add(3)
	results := make([]int, 3)
	for i := range 3 {
		go func() {
			defer wg.Done()
			results[i] = p.ArriveAndAwaitAdvance()
		}()
	}
	wg.Wait()
	for i, r := range results {
		if r != 1 {
			t.Errorf("caller %d got phase %d, want 1", i, r)
		}
	}
	if p.Phase() != 1 {
		t.Fatalf("phase = %d, want 1", p.Phase())
	}
}

func TestPhaser_LastDeregisterTerminates(t *testing.T) {
	p := New(1)
	if got := p.ArriveAndDeregister(); got != 0 {
		t.Fatalf("ArriveAndDeregister = %d, want 0", got)
	}
	if p.RegisteredParties() != 0 {
		t.Fatalf("registered = %d, want 0", p.RegisteredParties())
	}
	if !p.IsTerminated() {
		t.Fatal("default hook should terminate an empty phaser")
	}
	if p.Phase() >= 0 {
		t.Fatalf("phase = %d, want negative", p.Phase())
	}
	if got := p.Register(); got >= 0 {
		t.Fatalf("Register on terminated = %d, want negative", got)
	}
	if got := p.Arrive(); got >= 0 {
		t.Fatalf("Arrive on terminated = %d, want negative", got)
	}
	if p.RegisteredParties() != 0 {
		t.Fatal("Register on terminated phaser must be a no-op")
	}
}

func TestPhaser_RegisterDeregisterRoundTrip(t *testing.T) {
	p := New(0, WithOnAdvance(func(int, int) bool { return false }))
	const k = 4
	for range k {
		p.Register()
	}
	for range k {
		p.ArriveAndDeregister()
	}
	if p.RegisteredParties() != 0 {
		t.Fatalf("registered = %d, want 0", p.RegisteredParties())
	}
	if countsOf(p.state.Load()) != emptyState {
		t.Fatalf("counts = %#x, want empty sentinel", countsOf(p.state.Load()))
	}
	if p.Phase() != 1 {
		t.Fatalf("phase = %d, want 1", p.Phase())
	}
	// Registration after emptying starts afresh.
	if got := p.Register(); got != 1 {
		t.Fatalf("Register = %d, want 1", got)
	}
	if p.UnarrivedParties() != 1 {
		t.Fatalf("unarrived = %d, want 1", p.UnarrivedParties())
	}

	q := New(2)
	q.BulkRegister(k)
	for range k {
		q.ArriveAndDeregister()
	}
	if q.RegisteredParties() != 2 || q.Phase() != 0 {
		t.Fatalf("after round trip: %v", q)
	}
}

func TestPhaser_BulkRegister(t *testing.T) {
	p := New(1)
	if got := p.BulkRegister(0); got != 0 {
		t.Fatalf("BulkRegister(0) = %d, want 0", got)
	}
	if got := p.BulkRegister(10); got != 0 {
		t.Fatalf("BulkRegister(10) = %d, want 0", got)
	}
	if p.RegisteredParties() != 11 || p.UnarrivedParties() != 11 {
		t.Fatalf("after bulk register: %v", p)
	}
	mustPanic(t, ErrNegativeParties, func() { p.BulkRegister(-1) })
}

func TestPhaser_RegisterLimit(t *testing.T) {
	p := New(maxParties - 1)
	p.Arrive()
	before := p.state.Load()

	mustPanic(t, ErrTooManyParties, func() { p.BulkRegister(2) })
	if p.state.Load() != before {
		t.Fatal("failed registration changed state")
	}

	p.Register()
	if p.RegisteredParties() != maxParties {
		t.Fatalf("registered = %d, want %d", p.RegisteredParties(), maxParties)
	}
	before = p.state.Load()
	mustPanic(t, ErrTooManyParties, func() { p.Register() })
	if p.state.Load() != before {
		t.Fatal("failed registration changed state")
	}
}

func TestPhaser_BadArrive(t *testing.T) {
	p := New(0)
	mustPanic(t, ErrUnarrivedParties, func() { p.Arrive() })
	mustPanic(t, ErrUnarrivedParties, func() { p.ArriveAndDeregister() })
	mustPanic(t, ErrUnarrivedParties, func() { p.ArriveAndAwaitAdvance() })
	if p.state.Load() != emptyState {
		t.Fatal("bad arrival changed state")
	}
}

func TestPhaser_ForceTermination(t *testing.T) {
	p := New(2)
	phase := p.Arrive()

	done := make(chan int)
	go func() {
		done <- p.AwaitAdvance(phase)
	}()
	time.Sleep(20 * time.Millisecond)

	p.ForceTermination()
	select {
	case got := <-done:
		if got >= 0 {
			t.Fatalf("AwaitAdvance = %d, want negative", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ForceTermination did not release waiter")
	}

	s := p.state.Load()
	p.ForceTermination()
	if p.state.Load() != s {
		t.Fatal("second ForceTermination changed state")
	}
	if !p.IsTerminated() {
		t.Fatal("IsTerminated = false after ForceTermination")
	}
	if p.RegisteredParties() != 2 || p.ArrivedParties() != 1 {
		t.Fatalf("termination must preserve counts: %v", p)
	}
	if got := p.ArriveAndAwaitAdvance(); got >= 0 {
		t.Fatalf("ArriveAndAwaitAdvance after termination = %d", got)
	}
}

func TestPhaser_OnAdvanceTerminate(t *testing.T) {
	p := New(2, WithOnAdvance(func(phase, _ int) bool {
		return phase >= 2
	}))
	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		go func() {
			defer wg.Done()
			for p.ArriveAndAwaitAdvance() >= 0 {
			}
		}()
	}
	wg.Wait()
	if !p.IsTerminated() {
		t.Fatal("expected termination")
	}
	if got := p.Phase() & maxPhase; got != 3 {
		t.Fatalf("terminal phase = %d, want 3", got)
	}
}

func TestPhaser_OnAdvancePanicLeavesPhase(t *testing.T) {
	fail := true
	p := New(2, WithOnAdvance(func(int, int) bool {
		if fail {
			panic("hook failed")
		}
		return false
	}))
	p.Arrive()
	before := p.state.Load()

	func() {
		defer func() {
			if r := recover(); r != "hook failed" {
				t.Fatalf("recover = %v, want hook panic", r)
			}
		}()
		p.Arrive()
	}()
	if p.state.Load() != before {
		t.Fatalf("state after hook panic = %s, want %s", stateString(p.state.Load()), stateString(before))
	}

	fail = false
	if got := p.Arrive(); got != 0 {
		t.Fatalf("Arrive = %d, want 0", got)
	}
	if p.Phase() != 1 {
		t.Fatalf("phase = %d, want 1", p.Phase())
	}
}

func TestPhaser_RegisterWaitsOutAdvance(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	p := New(1, WithOnAdvance(func(phase, _ int) bool {
		if phase == 0 {
			close(entered)
			<-release
		}
		return false
	}))

	go p.Arrive()
	<-entered

	registered := make(chan int)
	go func() {
		registered <- p.Register()
	}()
	select {
	case <-registered:
		t.Fatal("Register completed during advance")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case got := <-registered:
		if got != 1 {
			t.Fatalf("Register = %d, want 1", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Register blocked after advance")
	}
	if p.RegisteredParties() != 2 || p.UnarrivedParties() != 2 {
		t.Fatalf("after register: %v", p)
	}
}

func TestPhaser_Churn(t *testing.T) {
	const workers = 6
	rounds := 100
	if opt.Race_ {
		rounds = 10
	}
	p := New(1)

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for range rounds {
				p.Register()
				p.ArriveAndAwaitAdvance()
				p.ArriveAndDeregister()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			if p.RegisteredParties() != 1 {
				t.Fatalf("registered = %d, want 1", p.RegisteredParties())
			}
			return
		default:
			p.ArriveAndAwaitAdvance()
		}
	}
}

func TestPhaser_PhaseWrapsAround(t *testing.T) {
	p := New(2)
	p.state.Store(packState(maxPhase, countsFor(2)))

	for _, want := range []int{0, 1} {
		done := make(chan int)
		go func() {
			done <- p.ArriveAndAwaitAdvance()
		}()
		if got := p.ArriveAndAwaitAdvance(); got != want {
			t.Fatalf("ArriveAndAwaitAdvance = %d, want %d", got, want)
		}
		select {
		case got := <-done:
			if got != want {
				t.Fatalf("peer got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("peer not released")
		}
		if p.Phase() != want || p.IsTerminated() {
			t.Fatalf("after round: %v", p)
		}
		if p.queues.even.Load() != nil || p.queues.odd.Load() != nil {
			t.Fatal("wait stacks not drained")
		}
	}
}
