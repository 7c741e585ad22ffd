//go:build !(amd64 || 386 || arm || mips || mipsle || wasm) && !phaser_disable_padding && !phaser_enable_padding

package opt

import (
	"unsafe"
)

// Pad_ follows a pointer-sized hot word to keep it on its own cache line.
// Padding is automatically enabled for architectures that are NOT:
// - amd64 (x86_64): Hardware optimizations often make padding less critical
// - 32-bit architectures (386, arm, mips, mipsle, wasm): Smaller cache lines/memory constraints
//
// Enabled for: arm64, s390x, ppc64, ppc64le, riscv64, loong64, mips64, mips64le, etc.
type Pad_ [(CacheLineSize_ - unsafe.Sizeof(uintptr(0))%CacheLineSize_) % CacheLineSize_]byte
