package mem

// Virtual address space layout. A native kernel reaches this window via
// a recursive self-mapping slot inspected by its own runtime; here the
// HHDM window (package hhdm) supplies the same direct-map concept over
// the simulated arena, so this file keeps only the address-space
// constants and the index-bit decomposition helpers the page table
// manager (vm/pagetable.go) needs.

/// VREC is the recursive mapping slot used by a native kernel's
/// self-map trick. Kept for documentation of the real layout; this
/// package's page table manager walks Pmap_t trees directly instead.
const VREC int = 0x42

/// VDIRECT is the direct-map slot.
const VDIRECT int = 0x44

/// VEND marks the end of kernel virtual space.
const VEND int = 0x50

/// VUSER is the first user-space slot.
const VUSER int = 0x59

/// USERMIN is the lowest user virtual address.
const USERMIN int = VUSER << 39

/// DMAPLEN is the length of the direct map in bytes.
const DMAPLEN int = 1 << 39

// Pgbits decomposes a virtual address into its four 9-bit page-table
// indices (PML4, PDPT, PD, PT), most significant first.
func Pgbits(v uintptr) (uint, uint, uint, uint) {
	shl := func(c uint) uint { return 12 + 9*c }
	lb := func(c uint) uint { return uint(v>>shl(c)) & 0x1ff }
	return lb(3), lb(2), lb(1), lb(0)
}

/// Kent_t records a kernel page-map entry.
type Kent_t struct {
	Pml4slot int
	Entry    Pa_t
}

/// Zerobpg is a byte representation of the zero page.
var Zerobpg *Bytepg_t

/// P_zeropg is the physical address of Zerobpg.
var P_zeropg Pa_t

/// Kents contains all kernel PML4 entries, recorded so a later sweep
/// can detect an unexpected addition the way a Pml4freeze/Kents pair
/// guards against a runtime-added mapping that was never accounted for.
var Kents = make([]Kent_t, 0, 5)

/// Dmap_init finishes direct-map bookkeeping once Phys_init has built
/// the simulated arena: it takes the first page as the shared zero
/// page, the same Zeropg/P_zeropg setup a native Dmap_init performs.
func Dmap_init() {
	var ok bool
	Zeropg, P_zeropg, ok = Physmem._refpg_new()
	if !ok {
		panic("oom in dmap init")
	}
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	Physmem.Refup(P_zeropg)
	Zerobpg = Pg2bytes(Zeropg)
}

/// Kpmapp caches the kernel's top-level page map.
var Kpmapp *Pmap_t

/// Kpmap returns the kernel's pmap pointer, installed by the boot
/// sequence before any caller reaches for it.
func Kpmap() *Pmap_t {
	if Kpmapp == nil {
		panic("kpmap: no kernel pmap installed")
	}
	return Kpmapp
}

/// SetKpmap installs the kernel's top-level page map. Called once by
/// the boot sequence after allocating the PML4 page.
func SetKpmap(pm *Pmap_t) {
	Kpmapp = pm
}
