package phaser

import "fmt"

// Packed phaser state, one 64-bit word:
//
//	Bit 63:    Terminated
//	Bit 32-62: Phase
//	Bit 16-31: Parties (registered)
//	Bit 0-15:  Unarrived (parties yet to arrive this phase)
//
// The high 32 bits read as an int32 give the phase, negative once the
// terminated bit is set. The low 32 bits are the "counts".
//
// A phaser with no registered parties would otherwise read as zero parties
// and zero unarrived, which is indistinguishable from a phaser in the middle
// of an advance. The emptyState sentinel (zero parties, one unarrived) marks
// that case instead, and all decoders report it as zero/zero.
const (
	maxParties     = 0xffff
	maxPhase       = 0x7fffffff
	partiesShift   = 16
	phaseShift     = 32
	unarrivedMask  = 0xffff
	partiesMask    = 0xffff0000
	countsMask     = 0xffffffff
	terminationBit = 1 << 63

	oneArrival    = 1
	oneParty      = 1 << partiesShift
	oneDeregister = oneParty | oneArrival
	emptyState    = 1
)

// countsOf returns the low 32 bits of s.
func countsOf(s uint64) uint32 {
	return uint32(s)
}

func unarrivedOf(s uint64) int {
	counts := countsOf(s)
	if counts == emptyState {
		return 0
	}
	return int(counts & unarrivedMask)
}

func partiesOf(s uint64) int {
	return int(countsOf(s) >> partiesShift)
}

func arrivedOf(s uint64) int {
	counts := countsOf(s)
	if counts == emptyState {
		return 0
	}
	return int(counts>>partiesShift) - int(counts&unarrivedMask)
}

// phaseWord returns the high 32 bits of s: the phase with the terminated
// bit on top.
func phaseWord(s uint64) uint32 {
	return uint32(s >> phaseShift)
}

// phaseOf returns the phase of s, negative if terminated.
func phaseOf(s uint64) int {
	return int(int32(phaseWord(s)))
}

func terminatedOf(s uint64) bool {
	return s&terminationBit != 0
}

// packState builds a state word from a phase word and counts.
func packState(phase uint32, counts uint64) uint64 {
	return uint64(phase)<<phaseShift | counts&countsMask
}

// countsFor returns the counts of a freshly registered batch of n parties.
func countsFor(n int) uint64 {
	return uint64(n)<<partiesShift | uint64(n)
}

// nextState computes the state that follows s once its phase completes at
// the root. terminate is the result of the advance hook.
func nextState(s uint64, terminate bool) uint64 {
	n := s & partiesMask
	nextUnarrived := int(n >> partiesShift)
	switch {
	case terminate:
		n |= terminationBit
	case nextUnarrived == 0:
		n |= emptyState
	default:
		n |= uint64(nextUnarrived)
	}
	nextPhase := (phaseWord(s) + 1) & maxPhase
	return n | uint64(nextPhase)<<phaseShift
}

// stateString formats s for diagnostics.
func stateString(s uint64) string {
	return fmt.Sprintf("phase = %d parties = %d arrived = %d",
		phaseOf(s), partiesOf(s), arrivedOf(s))
}
