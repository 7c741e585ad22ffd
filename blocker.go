package phaser

// Blocker is a unit of blocking that can be driven by ManagedBlock.
//
// IsReleasable reports whether blocking is unnecessary, and Block performs
// one possibly blocking step, returning true once no further blocking is
// needed. The wait nodes of a Phaser implement it.
type Blocker interface {
	IsReleasable() bool
	Block() bool
}

// ManagedBlock blocks until b is releasable or its Block reports completion.
//
// The Go scheduler hands the processor of a parked goroutine to other
// runnable goroutines, so unlike a fixed thread pool nothing has to be grown
// to keep parallelism while a phaser party is parked.
func ManagedBlock(b Blocker) {
	for !b.IsReleasable() {
		if b.Block() {
			return
		}
	}
}
