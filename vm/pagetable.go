package vm

import (
	"mem"
)

// Page table manager: 4-level PML4/PDPT/PD/PT walk, lazy intermediate
// allocation, 2MiB-leaf splitting, and the boot-time kernel.ro pass.
// Grounded on original_source/kernel/9front-pc64/mmu.c's mmuwalk,
// mmucreate, ptesplit, and kernelro.

const (
	entriesPerTable = 512
	ptshift         = 9
)

// pglsz returns the mapping size a PTE at the given table level
// covers: level 1 = 4KiB (PT leaf), 2 = 2MiB (PD leaf), 3 = 1GiB
// (PDPT leaf), 4 = 512GiB (one PML4 slot).
func pglsz(level int) uintptr {
	return uintptr(1) << (12 + ptshift*uint(level-1))
}

// entriesRemaining reports how many consecutive entries of the table
// at the given level remain from va to the end of that table. This
// is the corrected replacement for mmu.c's ptecount(), whose original
// parenthesization — (1<<PTSHIFT) - (va & PGLSZ(level+1)-1) /
// PGLSZ(level) — computes the wrong quantity whenever va isn't
// aligned to the *next* level up. The right invariant is simpler:
// entries_remaining = ENTRIES_PER_TABLE - (va / PGLSZ(level)) mod
// ENTRIES_PER_TABLE, derived directly from "how many slots are left
// in this table before its index wraps."
func entriesRemaining(va uintptr, level int) int {
	idx := (va / pglsz(level)) % entriesPerTable
	return entriesPerTable - int(idx)
}

// Walk descends the 4-level table rooted at pml4 to the PTE that
// would map va, creating intermediate PDPT/PD/PT pages as needed
// when create is set. It returns nil, false only when create is
// false and an intermediate table is missing, when allocating a
// missing intermediate table fails, or when a higher-level
// PTE is already a large-page leaf that collides with the requested
// walk (matching mmuwalk's "huge page collision" nil return).
func (as *Vm_t) Walk(pml4 *mem.Pmap_t, va uintptr, create bool) (*mem.Pa_t, bool) {
	l4, l3, l2, l1 := mem.Pgbits(va)
	table := pml4

	descend := func(idx uint) (*mem.Pmap_t, bool) {
		pte := &table[idx]
		if *pte&mem.PTE_P == 0 {
			if !create {
				return nil, false
			}
			npg, npa, ok := mem.Physmem.Pmap_new()
			if !ok {
				return nil, false
			}
			*pte = npa | mem.PTE_P | mem.PTE_W | mem.PTE_U
			return npg, true
		}
		if *pte&mem.PTE_PS != 0 {
			return nil, false
		}
		return mem.Pg2pmap(mem.Physmem.Dmap(*pte & mem.PTE_ADDR)), true
	}

	var ok bool
	table, ok = descend(l4)
	if !ok {
		return nil, false
	}
	table, ok = descend(l3)
	if !ok {
		return nil, false
	}
	table, ok = descend(l2)
	if !ok {
		return nil, false
	}
	return &table[l1], true
}

// Split converts a 2MiB leaf PTE covering va into a fresh 4KiB page
// table preserving the original physical range and permission bits,
// matching mmu.c's ptesplit. It panics if the PTE at va is not a
// large-page leaf, since that is a caller bug, not a runtime
// condition.
func (as *Vm_t) Split(pml4 *mem.Pmap_t, va uintptr) {
	l4, l3, l2, _ := mem.Pgbits(va)
	table := pml4
	for _, idx := range []uint{l4, l3} {
		e := table[idx]
		if e&mem.PTE_P == 0 || e&mem.PTE_PS != 0 {
			panic("pagetable: split of unmapped va")
		}
		table = mem.Pg2pmap(mem.Physmem.Dmap(e & mem.PTE_ADDR))
	}
	pte := &table[l2]
	if *pte&mem.PTE_P == 0 {
		panic("pagetable: split of unmapped va")
	}
	if *pte&mem.PTE_PS == 0 {
		panic("pagetable: split of non-leaf pte")
	}
	basepa := *pte & mem.PTE_ADDR
	perm := *pte &^ (mem.PTE_ADDR | mem.PTE_PS)

	npg, npa, ok := mem.Physmem.Pmap_new()
	if !ok {
		panic("pagetable: out of memory splitting leaf")
	}
	for i := 0; i < entriesPerTable; i++ {
		npg[i] = basepa + mem.Pa_t(i)*mem.Pa_t(pglsz(1)) | perm&^mem.PTE_PS
	}
	*pte = npa | mem.PTE_P | mem.PTE_W | (perm & (mem.PTE_U | mem.PTE_G))
}

// MapPage installs a single present 4KiB PTE mapping va to pa with
// the given permission bits (PTE_W/PTE_U/...), allocating any missing
// intermediate tables.
func (as *Vm_t) MapPage(pml4 *mem.Pmap_t, va uintptr, pa mem.Pa_t, perm mem.Pa_t) bool {
	pte, ok := as.Walk(pml4, va, true)
	if !ok {
		return false
	}
	*pte = (pa & mem.PTE_ADDR) | mem.PTE_P | perm
	return true
}

// UnmapPage clears the PTE mapping va, returning the physical address
// it held (for refcount bookkeeping by the caller) and whether it was
// present.
func (as *Vm_t) UnmapPage(pml4 *mem.Pmap_t, va uintptr) (mem.Pa_t, bool) {
	pte, ok := as.Walk(pml4, va, false)
	if !ok || pte == nil || *pte&mem.PTE_P == 0 {
		return 0, false
	}
	pa := *pte & mem.PTE_ADDR
	*pte = 0
	return pa, true
}

// KernelRO marks [rotext, roend) read-only and the remainder of the
// kernel image no-execute, matching mmu.c's kernelro. It is a
// boot-time-only operation: calling it after user mappings exist is
// a caller bug since it walks the raw kernel pml4 without locking.
func (as *Vm_t) KernelRO(pml4 *mem.Pmap_t, rotext, roend, imgend uintptr) {
	for va := rotext; va < roend; va += pglsz(1) {
		pte, ok := as.Walk(pml4, va, false)
		if !ok || pte == nil {
			continue
		}
		*pte &^= mem.PTE_W
	}
	for va := roend; va < imgend; va += pglsz(1) {
		pte, ok := as.Walk(pml4, va, false)
		if !ok || pte == nil {
			continue
		}
		*pte |= mem.PTE_NX
	}
}
