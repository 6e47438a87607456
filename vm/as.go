// Package vm implements the address-space shape used by the page
// ownership table and exchange channel: a locked PML4 pointer plus
// the 4-level page table manager (pagetable.go). A native kernel's
// VFILE/copy-on-write/page-fault machinery is not reproduced here —
// segment and trap handling are out of scope; this package keeps only
// what pageown/exchange need to inspect and mutate PTEs.
package vm

import (
	"sync"

	"mem"
)

/// Vm_t is a process's address space: its top-level page table and
/// the lock serializing PTE mutation, a Vm_t{sync.Mutex, Pmap, P_pmap}
/// shape with the VFILE region list dropped.
type Vm_t struct {
	sync.Mutex
	Pmap   *mem.Pmap_t
	P_pmap mem.Pa_t
}

/// Lock_pmap acquires the address space's PTE-mutation lock.
func (as *Vm_t) Lock_pmap() {
	as.Lock()
}

/// Unlock_pmap releases the address space's PTE-mutation lock.
func (as *Vm_t) Unlock_pmap() {
	as.Unlock()
}

/// Lockassert_pmap is a no-op placeholder for a debug-only lock-held
/// assertion; hosted builds have no cheap way to query sync.Mutex
/// ownership, so this exists only so call sites written in that style
/// compile unchanged.
func (as *Vm_t) Lockassert_pmap() {}

/// NewAs allocates a fresh address space with a new top-level page
/// table, obtaining Pmap/P_pmap from Physmem.Pmap_new at process
/// creation.
func NewAs() (*Vm_t, bool) {
	pmap, p_pmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, false
	}
	mem.Physmem.Refup(p_pmap)
	return &Vm_t{Pmap: pmap, P_pmap: p_pmap}, true
}

/// WalkVA resolves va to its PTE within this address space, allocating
/// intermediate tables when create is set.
func (as *Vm_t) WalkVA(va uintptr, create bool) (*mem.Pa_t, bool) {
	return as.Walk(as.Pmap, va, create)
}

/// Free tears down the address space's top-level table, dropping the
/// reference NewAs took on it. Intermediate tables and per-leaf page
/// refcounts are not touched.
func (as *Vm_t) Free() {
	mem.Physmem.Dec_pmap(as.P_pmap)
}
