//go:build (amd64 || 386 || arm || mips || mipsle || wasm) && !phaser_disable_padding && !phaser_enable_padding

package opt

// Pad_ follows a pointer-sized hot word to keep it on its own cache line.
// Padding is disabled by default for:
// - amd64
// - 32-bit architectures (386, arm, mips, mipsle, wasm)
type Pad_ struct{}
