package phaser

import (
	"errors"
	"fmt"
)

// Misuse of a Phaser panics with an error wrapping one of these, so that
// callers can recover and test it with errors.Is.
var (
	// ErrNegativeParties is raised when registering a negative number of parties.
	ErrNegativeParties = errors.New("phaser: negative number of parties")

	// ErrTooManyParties is raised when a registration would push the party
	// count of a phaser past 65535.
	ErrTooManyParties = errors.New("phaser: too many parties")

	// ErrUnarrivedParties is raised when a party arrives at a phaser that has
	// no unarrived parties left in the current phase.
	ErrUnarrivedParties = errors.New("phaser: attempted arrival of unregistered party")
)

// ErrTimeout is returned by AwaitAdvanceTimeout when the timeout elapses
// before the phase advances.
var ErrTimeout = errors.New("phaser: timed out awaiting phase advance")

func badArrive(s uint64) error {
	return fmt.Errorf("%w for %s", ErrUnarrivedParties, stateString(s))
}

func badRegister(s uint64) error {
	return fmt.Errorf("%w: maximum of %d exceeded for %s", ErrTooManyParties, maxParties, stateString(s))
}
