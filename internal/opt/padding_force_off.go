//go:build phaser_disable_padding

package opt

// Pad_ follows a pointer-sized hot word to keep it on its own cache line.
// Padding is force-disabled via the phaser_disable_padding build tag.
// Use: go build -tags=phaser_disable_padding
type Pad_ struct{}
