// Package pageown implements the page ownership table: one ownership
// record per physical page frame, layering a page-specific field
// (virtual address at acquire time) on top of
// the generic ownership.Owner state machine. Grounded directly on
// original_source/kernel/9front-port/pageown.c.
package pageown

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"defs"
	"mem"
	"ownership"
)

/// Pfn is a physical page frame number (pa >> PGSHIFT).
type Pfn uint64

func pa2pfn(pa mem.Pa_t) Pfn {
	return Pfn(pa >> mem.PGSHIFT)
}

// pageExtra carries the fields pageown.c's PageOwner struct has beyond
// the generic state machine: the virtual address the owner acquired
// the page at, and a slot for a PTE pointer (a plain uintptr). Nothing
// in this module sets or reads ownerPte.
type pageExtra struct {
	ownerVaddr uintptr
	ownerPte   uintptr
}

// / Table is the fixed-size, array-indexed ownership pool for every
// / physical page frame the allocator manages, matching pageownpool's
// / single-array-plus-single-lock design in pageown.c.
type Table struct {
	mu     sync.Mutex
	owners []ownership.Owner[Pfn]
	extra  []pageExtra
	pool   ownership.Pool[Pfn]
}

// maxReasonablePages and maxReasonableBytes mirror pageown.c's
// unreasonably-large-npages and unreasonably-large-allocation guards:
// a page owner table this large signals a bad memory map, not a
// condition worth silently truncating.
const (
	maxReasonablePages = 1024 * 1024
	maxReasonableBytes = 128 * 1024 * 1024
)

// / New builds a Table sized for npages physical frames. It panics if
// / npages would produce an unreasonably large table, matching
// / pageowninit's hard limits (the original degrades to a disabled,
// / zero-capacity table instead; this rewrite treats a memory map that
// / large as a configuration bug worth failing loudly on, since hosted
// / tests always control npages directly).
func New(npages int) *Table {
	if npages > maxReasonablePages {
		panic(fmt.Sprintf("pageown: unreasonably large npages = %d", npages))
	}
	size := npages * 64 // approximate per-record footprint, for the guard only
	if size > maxReasonableBytes {
		panic(fmt.Sprintf("pageown: unreasonably large allocation = %d bytes", size))
	}
	t := &Table{
		owners: make([]ownership.Owner[Pfn], npages),
		extra:  make([]pageExtra, npages),
	}
	for i := range t.owners {
		t.owners[i].Key = Pfn(i)
	}
	return t
}

/// NPages returns the number of physical frames this table covers,
/// for callers that need to bounds-check a handle before calling in
/// (the exchange channel's ENOTEXCHANGE check).
func (t *Table) NPages() int {
	return len(t.owners)
}

func (t *Table) lookup(pa mem.Pa_t) *ownership.Owner[Pfn] {
	pfn := pa2pfn(pa)
	if int(pfn) >= len(t.owners) {
		return nil
	}
	return &t.owners[pfn]
}

/// Acquire claims exclusive ownership of the page at pa for p,
/// recording vaddr as the virtual address it was mapped at.
func (t *Table) Acquire(p ownership.Holder, pa mem.Pa_t, vaddr uintptr) defs.Err_t {
	if p == nil || pa&mem.Pa_t(mem.PGSIZE-1) != 0 {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.Acquire(p); e != 0 {
		return e
	}
	t.extra[own.Key].ownerVaddr = vaddr
	t.pool.Nowned++
	return 0
}

/// Release drops p's exclusive ownership of the page at pa.
func (t *Table) Release(p ownership.Holder, pa mem.Pa_t) defs.Err_t {
	if p == nil {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.Release(p); e != 0 {
		return e
	}
	t.extra[own.Key] = pageExtra{}
	t.pool.Nowned--
	return 0
}

/// Transfer moves ownership of the page at pa from "from" to "to",
/// recording the new virtual address. State remains Exclusive.
func (t *Table) Transfer(from, to ownership.Holder, pa mem.Pa_t, newVaddr uintptr) defs.Err_t {
	if from == nil || to == nil {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.Transfer(from, to); e != 0 {
		return e
	}
	t.extra[own.Key].ownerVaddr = newVaddr
	return 0
}

/// BorrowShared adds borrower to the page's shared-reader set.
func (t *Table) BorrowShared(owner, borrower ownership.Holder, pa mem.Pa_t, vaddr uintptr) defs.Err_t {
	if owner == nil || borrower == nil {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	wasShared := own.SharedCount > 0
	if e := own.BorrowShared(owner, borrower); e != 0 {
		return e
	}
	if !wasShared {
		t.pool.Nshared++
	}
	return 0
}

/// BorrowMut installs borrower as the page's sole mutable borrower.
func (t *Table) BorrowMut(owner, borrower ownership.Holder, pa mem.Pa_t, vaddr uintptr) defs.Err_t {
	if owner == nil || borrower == nil {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.BorrowMut(owner, borrower); e != 0 {
		return e
	}
	t.pool.Nmut++
	return 0
}

/// ReturnShared removes borrower from the page's shared-reader set.
func (t *Table) ReturnShared(borrower ownership.Holder, pa mem.Pa_t) defs.Err_t {
	if borrower == nil {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.ReturnShared(borrower); e != 0 {
		return e
	}
	if own.SharedCount == 0 {
		t.pool.Nshared--
	}
	return 0
}

/// ReturnMut clears the page's mutable borrow.
func (t *Table) ReturnMut(borrower ownership.Holder, pa mem.Pa_t) defs.Err_t {
	if borrower == nil {
		return defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	if e := own.ReturnMut(borrower); e != 0 {
		return e
	}
	t.pool.Nmut--
	return 0
}

/// IsOwned reports whether the page at pa is in any state but Free.
func (t *Table) IsOwned(pa mem.Pa_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	return own != nil && own.State != ownership.Free
}

/// GetOwner returns the current owner of the page at pa, or nil.
func (t *Table) GetOwner(pa mem.Pa_t) ownership.Holder {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return nil
	}
	return own.OwnerHolder
}

/// GetState returns the page's current ownership state (Free for an
/// out-of-range address).
func (t *Table) GetState(pa mem.Pa_t) ownership.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return ownership.Free
	}
	return own.State
}

/// Info returns a page's full ownership snapshot in one locked read:
/// state, owner, shared-borrower count, and mutable borrower (if any).
/// Used by the vmowninfo syscall bridge, which would
/// otherwise need four separate locked calls to assemble the same
/// picture.
func (t *Table) Info(pa mem.Pa_t) (state ownership.State, owner ownership.Holder, sharedCount int, mutBorrower ownership.Holder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return ownership.Free, nil, 0, nil
	}
	return own.State, own.OwnerHolder, own.SharedCount, own.MutBorrower
}

/// CanBorrowShared reports whether the page could accept a new shared
/// borrow right now.
func (t *Table) CanBorrowShared(pa mem.Pa_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	return own != nil && own.CanBorrowShared()
}

/// CanBorrowMut reports whether the page could accept a mutable
/// borrow right now.
func (t *Table) CanBorrowMut(pa mem.Pa_t) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	return own != nil && own.CanBorrowMut()
}

/// SetBorrowDeadline records the deadline (in nanoseconds, caller's
/// clock) by which an outstanding borrow on pa must be returned. The
/// core itself never enforces this -- it is reaper's job.
func (t *Table) SetBorrowDeadline(pa mem.Pa_t, deadlineNs int64) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	own.BorrowDeadlineNs = deadlineNs
	return 0
}

/// ExpiredBorrows returns every page frame whose outstanding borrow's
/// deadline has passed nowNs, for reaper's sweep.
func (t *Table) ExpiredBorrows(nowNs int64) []mem.Pa_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []mem.Pa_t
	for i := range t.owners {
		o := &t.owners[i]
		if o.BorrowDeadlineNs > 0 && o.BorrowDeadlineNs < nowNs && (o.MutBorrower != nil || o.SharedCount > 0) {
			out = append(out, mem.Pa_t(o.Key)<<mem.PGSHIFT)
		}
	}
	return out
}

/// ForceReturn clears whatever borrow (shared or mutable) is
/// outstanding on pa, regardless of which process holds it -- reaper's
/// enforcement action once a deadline has passed.
func (t *Table) ForceReturn(pa mem.Pa_t) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return defs.EINVAL
	}
	switch {
	case own.MutBorrower != nil:
		own.MutBorrower = nil
		own.State = ownership.Exclusive
		own.BorrowDeadlineNs = 0
		t.pool.Nmut--
		return 0
	case own.SharedCount > 0:
		for i := range own.SharedBorrowers {
			own.SharedBorrowers[i] = nil
		}
		own.SharedCount = 0
		own.State = ownership.Exclusive
		own.BorrowDeadlineNs = 0
		t.pool.Nshared--
		return 0
	default:
		return defs.ENOTFOUND
	}
}

/// CleanupProcess force-releases every page p owns or borrows,
/// implementing drop semantics for a dying process. Returns the
/// number of records touched, matching pageown_cleanup_process's
/// "cleaned" counter.
func (t *Table) CleanupProcess(p ownership.Holder) int {
	if p == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cleaned := 0
	for i := range t.owners {
		own := &t.owners[i]
		owned, mutB, sharedB := own.CleanupHolder(p)
		if owned {
			t.extra[i] = pageExtra{}
			t.pool.Nowned--
			cleaned++
		}
		if mutB {
			t.pool.Nmut--
			if !owned {
				cleaned++
			}
		}
		if sharedB {
			if own.SharedCount == 0 {
				t.pool.Nshared--
			}
			if !owned {
				cleaned++
			}
		}
	}
	return cleaned
}

/// OwnedPages returns, sorted ascending, every page frame p currently
/// owns.
func (t *Table) OwnedPages(p ownership.Holder) []Pfn {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Pfn
	for i := range t.owners {
		if t.owners[i].OwnerHolder == p {
			out = append(out, t.owners[i].Key)
		}
	}
	slices.Sort(out)
	return out
}

/// Stats reports the table's live owned/shared/mut counters, matching
/// pageown_stats's three running totals.
func (t *Table) Stats() (nowned, nshared, nmut int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.Nowned, t.pool.Nshared, t.pool.Nmut
}

/// DumpPage renders one page's ownership record as text, matching
/// pageown_dump_page's state-name-plus-counts format.
func (t *Table) DumpPage(pa mem.Pa_t) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	own := t.lookup(pa)
	if own == nil {
		return fmt.Sprintf("pfn %#x: out of range", pa2pfn(pa))
	}
	return fmt.Sprintf("pfn %#x: state=%s owner=%v shared=%d mut=%v transfers=%d borrows=%d",
		own.Key, own.State, own.OwnerHolder, own.SharedCount, own.MutBorrower,
		own.TransferCount, own.BorrowCount)
}
