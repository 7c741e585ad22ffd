//go:build phaser_enable_padding

package opt

import (
	"unsafe"
)

// Pad_ follows a pointer-sized hot word to keep it on its own cache line.
// Padding is force-enabled via the phaser_enable_padding build tag.
// Use: go build -tags=phaser_enable_padding
type Pad_ [(CacheLineSize_ - unsafe.Sizeof(uintptr(0))%CacheLineSize_) % CacheLineSize_]byte
