// Package phaser provides a reusable, dynamically sized, multi-phase
// synchronization barrier.
//
// Parties register with a Phaser, arrive once per phase, and may wait for
// the phase to advance. Unlike a fixed-size barrier, parties can join and
// leave between and during phases, and phasers can be arranged into trees
// that share one root so that large numbers of parties do not contend on a
// single word.
//
// Example:
//
//	p := phaser.New(1) // the coordinator
//	for range workers {
//		p.Register()
//		go func() {
//			defer p.ArriveAndDeregister()
//			for step := range steps {
//				work(step)
//				p.ArriveAndAwaitAdvance()
//			}
//		}()
//	}
//	p.ArriveAndDeregister() // workers no longer wait for the coordinator
package phaser
