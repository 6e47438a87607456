// Package exchange implements the exchange channel: prepare/accept/
// cancel/transfer operations that move a page between two address
// spaces while keeping the page ownership table authoritative.
// Grounded on original_source/kernel/9front-port/exchange.c.
package exchange

import (
	"sync"

	"borrowlock"
	"borrowreg"
	"defs"
	"lockdag"
	"mem"
	"ownership"
	"pageown"
	"vm"
)

// / Handle identifies a prepared page; the physical address doubles as
// / the handle, matching exchange.c's "pa as handle" convention.
type Handle = mem.Pa_t

// preparedPage mirrors struct PreparedPage: the handle, the virtual
// address it was unmapped from, and the process that prepared it.
type preparedPage struct {
	handle        Handle
	originalVaddr uintptr
	owner         borrowlock.Process
	next          *preparedPage
}

// defaultProt is the permission set Cancel reinstalls a page under:
// present, writable, user, matching exchange_cancel's userpmap call.
const defaultProt = mem.PTE_P | mem.PTE_U | mem.PTE_W

// / Channel is the exchange subsystem: the owning page table and the
// / prepared-page list guarded by a BorrowLock, so the lock-order DAG
// / sees exchange-prepared nesting the same way the original's
// / prepared_lock does.
type Channel struct {
	owns *pageown.Table

	listKey  uintptr
	lock     *borrowlock.Lock
	mu       sync.Mutex
	prepared *preparedPage
}

// / New builds a Channel over owns, registering the "exchange-prepared"
// / lock-DAG node and the BorrowLock guarding the prepared list exactly
// / as exchangeinit() does.
func New(owns *pageown.Table, reg *borrowreg.Registry) *Channel {
	c := &Channel{owns: owns, listKey: uintptr(0xe11a19e)}
	node := lockdag.NamedNode("exchange-prepared")
	c.lock = borrowlock.New(c.listKey, node, reg)
	return c
}

func pa2pfn(pa mem.Pa_t) int { return int(pa >> mem.PGSHIFT) }

// / Prepare removes the page mapped at vaddr in as from owner and
// / makes it available for another address space to Accept. owner must
// / currently hold the page exclusively, with no active borrows.
func (c *Channel) Prepare(as *vm.Vm_t, owner borrowlock.Process, vaddr uintptr) (Handle, defs.Err_t) {
	if vaddr&uintptr(mem.PGSIZE-1) != 0 {
		return 0, defs.EINVAL
	}
	pte, ok := as.WalkVA(vaddr, false)
	if !ok || pte == nil || *pte&mem.PTE_P == 0 {
		return 0, defs.EFAULT
	}
	pa := *pte & mem.PTE_ADDR

	if !c.owns.IsOwned(pa) || c.owns.GetOwner(pa) != ownership.Holder(owner) {
		return 0, defs.ENOTOWNER
	}
	if c.owns.GetState(pa) != ownership.Exclusive {
		return 0, defs.EBORROWED
	}

	*pte = 0

	pp := &preparedPage{handle: pa, originalVaddr: vaddr, owner: owner}
	c.lock.Lock(owner)
	pp.next = c.prepared
	c.prepared = pp
	c.lock.Unlock(owner)

	return pa, 0
}

func (c *Channel) unlinkPrepared(owner borrowlock.Process, handle Handle) *preparedPage {
	c.lock.Lock(owner)
	defer c.lock.Unlock(owner)
	var prev *preparedPage
	for pp := c.prepared; pp != nil; pp = pp.next {
		if pp.handle == handle {
			if prev == nil {
				c.prepared = pp.next
			} else {
				prev.next = pp.next
			}
			return pp
		}
		prev = pp
	}
	return nil
}

// / Accept installs handle's page into as at destVaddr with perm and
// / transfers its ownership from the process that prepared it to
// / acceptor. A handle with no outstanding prepare (already accepted,
// / cancelled, or never prepared) fails with EALREADY. On transfer
// / failure the just-installed PTE is rolled back and EALREADY
// / returned, matching exchange_accept's rollback path.
func (c *Channel) Accept(as *vm.Vm_t, acceptor borrowlock.Process, handle Handle, destVaddr uintptr, perm mem.Pa_t) defs.Err_t {
	if handle == 0 || destVaddr&uintptr(mem.PGSIZE-1) != 0 {
		return defs.EINVAL
	}
	if pa2pfn(handle) >= c.owns.NPages() {
		return defs.ENOTEXCHANGE
	}

	pp := c.unlinkPrepared(acceptor, handle)
	if pp == nil {
		return defs.EALREADY
	}

	if !as.MapPage(as.Pmap, destVaddr, handle, perm) {
		return defs.ENOMEM
	}
	if e := c.owns.Transfer(pp.owner, acceptor, handle, destVaddr); e != 0 {
		as.UnmapPage(as.Pmap, destVaddr)
		return defs.EALREADY
	}
	return 0
}

// / Cancel reinstalls handle's page at its original virtual address,
// / undoing a Prepare that was never accepted.
func (c *Channel) Cancel(owner borrowlock.Process, as *vm.Vm_t, handle Handle) defs.Err_t {
	if handle == 0 {
		return defs.EINVAL
	}
	pp := c.unlinkPrepared(owner, handle)
	if pp == nil {
		return defs.EINVAL
	}
	if !as.MapPage(as.Pmap, pp.originalVaddr, pp.handle, defaultProt&^mem.PTE_P) {
		return defs.ENOMEM
	}
	return 0
}

// / Transfer moves an already-owned page directly from one process's
// / address space to another's, without an intervening Prepare/Accept
// / round trip.
func (c *Channel) Transfer(toAs *vm.Vm_t, from, to borrowlock.Process, handle Handle, toVaddr uintptr) defs.Err_t {
	if from == nil || to == nil || handle == 0 || toVaddr&uintptr(mem.PGSIZE-1) != 0 {
		return defs.EINVAL
	}
	if e := c.owns.Transfer(from, to, handle, toVaddr); e != 0 {
		switch e {
		case defs.ENOTOWNER, defs.EBORROWED:
			return e
		default:
			return defs.EINVAL
		}
	}
	if !toAs.MapPage(toAs.Pmap, toVaddr, handle, defaultProt) {
		return defs.ENOMEM
	}
	return 0
}

// / IsValid reports whether handle names a currently-owned page.
func (c *Channel) IsValid(handle Handle) bool {
	return handle != 0 && c.owns.IsOwned(handle)
}

// / GetOwner returns the current owner of handle's page.
func (c *Channel) GetOwner(handle Handle) borrowlock.Process {
	if handle == 0 {
		return nil
	}
	h, _ := c.owns.GetOwner(handle).(borrowlock.Process)
	return h
}

// / PrepareRange prepares every page in [vaddr, vaddr+length) for
// / exchange, all-or-nothing: on the first failure it cancels every
// / page already prepared in this call and returns the error.
func (c *Channel) PrepareRange(as *vm.Vm_t, owner borrowlock.Process, vaddr uintptr, length int) ([]Handle, defs.Err_t) {
	if vaddr&uintptr(mem.PGSIZE-1) != 0 || length <= 0 || length > 1<<30 {
		return nil, defs.EINVAL
	}
	var handles []Handle
	for off := 0; off < length; off += mem.PGSIZE {
		h, e := c.Prepare(as, owner, vaddr+uintptr(off))
		if e != 0 {
			for _, ph := range handles {
				c.Cancel(owner, as, ph)
			}
			return nil, e
		}
		handles = append(handles, h)
	}
	return handles, 0
}
