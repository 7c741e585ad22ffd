package stress

import (
	"github.com/llxisdsh/phaser"
)

// Tree is a phaser tree built for a workload.
type Tree struct {
	Root   *phaser.Phaser
	Leaves []*phaser.Phaser
	// Nodes is the total number of phasers, root included.
	Nodes int
}

// BuildTree creates the phasers of cfg below a root that runs onAdvance, and
// registers cfg.PartiesPerLeaf parties on every leaf. Interior phasers start
// empty and join their parents as the leaves register.
func BuildTree(cfg Config, onAdvance func(phase, registeredParties int) bool) *Tree {
	root := phaser.New(0, phaser.WithOnAdvance(onAdvance))
	t := &Tree{Root: root, Nodes: 1}

	level := []*phaser.Phaser{root}
	for range cfg.Tiers {
		next := make([]*phaser.Phaser, 0, len(level)*cfg.Fanout)
		for _, parent := range level {
			for range cfg.Fanout {
				next = append(next, phaser.New(0, phaser.WithParent(parent)))
			}
		}
		t.Nodes += len(next)
		level = next
	}
	t.Leaves = level

	for _, leaf := range t.Leaves {
		leaf.BulkRegister(cfg.PartiesPerLeaf)
	}
	return t
}
