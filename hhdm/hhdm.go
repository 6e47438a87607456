// Package hhdm implements the higher-half direct map: a simple linear
// offset between physical and virtual addresses, plus the simulated
// physical RAM arena that stands in for real DRAM on hosted builds.
package hhdm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// / Pa_t is a physical address, offset into the simulated arena.
type Pa_t uintptr

// / Va_t is a virtual address in the HHDM window.
type Va_t uintptr

const (
	// Vdirect is the fixed HHDM window base of mem/dmap.go's
	// VDIRECT<<39 shape. Hosted builds do not use it: Init sets
	// hhdm_base to the arena's own address so that HHDM addresses
	// can be dereferenced.
	Vdirect = Va_t(0x44 << 39)
)

var (
	mu      sync.Mutex
	arena   []byte
	base    Va_t
	arenaPa Pa_t
)

// / Init allocates the simulated physical RAM arena via an anonymous
// / mmap and records the arena's address as hhdm_base for Va/Pa
// / conversions, so VA(pa) points at pa's bytes. size is rounded
// / up by the caller (mem.Phys_init); npages*PGSIZE is typical.
func Init(size int) error {
	mu.Lock()
	defer mu.Unlock()
	if arena != nil {
		panic("hhdm: already initialized")
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("hhdm: mmap %d bytes: %w", size, err)
	}
	arena = b
	base = Va_t(uintptr(unsafe.Pointer(&b[0])))
	return nil
}

// / Teardown releases the simulated arena. Used by tests between runs.
func Teardown() {
	mu.Lock()
	defer mu.Unlock()
	if arena == nil {
		return
	}
	unix.Munmap(arena)
	arena = nil
}

// / Len reports the arena's size in bytes.
func Len() int {
	mu.Lock()
	defer mu.Unlock()
	return len(arena)
}

// / VA converts a physical address to its HHDM virtual alias:
// / va(pa) = pa + hhdm_base.
func VA(pa Pa_t) Va_t {
	if int(pa) < 0 || int(pa) >= len(arena) {
		panic("hhdm: pa out of range")
	}
	return base + Va_t(pa)
}

// / PA converts an HHDM virtual address back to physical:
// / pa(va) = va - hhdm_base.
func PA(va Va_t) Pa_t {
	if !IsHHDM(va) {
		panic("hhdm: va not in hhdm window")
	}
	pa := Pa_t(va - base)
	if int(pa) >= len(arena) {
		panic("hhdm: va out of range")
	}
	return pa
}

// / IsHHDM reports whether va lies in the direct-map window, matching
// / is_hhdm_virt(va) = va >= hhdm_base.
func IsHHDM(va Va_t) bool {
	return va >= base
}

// / Bytes returns the backing slice for the given physical range,
// / panicking on an out-of-bounds request the way a bad PFN from a
// / valid PTE would be a kernel bug, not a caller error.
func Bytes(pa Pa_t, n int) []byte {
	mu.Lock()
	defer mu.Unlock()
	if int(pa)+n > len(arena) || int(pa) < 0 {
		panic("hhdm: byte range out of arena")
	}
	return arena[pa : int(pa)+n]
}

// / Base returns hhdm_base, exposed for components that need to print
// / or assert on it (bootinfo, diag).
func Base() Va_t { return base }
