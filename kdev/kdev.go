// Package kdev implements the device surface and syscall bridge
// exposed for user control: /dev/exchange's text command protocol,
// a pageown stat readback, and the vmexchange/vmlend_shared/
// vmlend_mut/vmreturn/vmowninfo/exchange_* syscall bridge functions.
// Grounded on original_source/kernel/9front-port/devexchange.c for
// the wire command grammar; the 9P Chan/Dirtab framework itself is
// out of scope, so this package speaks directly in strings rather
// than modeling a Chan.
package kdev

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"defs"
	"exchange"
	"mem"
	"ownership"
	"pageown"
	"proc"
)

// trackedPrepare mirrors exchctl.prepared[]: the bookkeeping devexchange.c
// keeps purely for its own /dev/exchange read-back table, independent
// of exchange.Channel's own PreparedPage list.
type trackedPrepare struct {
	handle   exchange.Handle
	vaddr    uintptr
	ownerPid int64
	at       time.Time
}

// / Bridge wires the device surface and syscall bridge to the core
// / subsystems: the ownership table, the exchange channel, and the
// / process registry the target_pid arguments resolve through.
type Bridge struct {
	owns  *pageown.Table
	ch    *exchange.Channel
	procs *proc.Registry

	mu       sync.Mutex
	prepared []trackedPrepare
}

const maxTracked = 1024

// / NewBridge builds a Bridge over the given subsystems.
func NewBridge(owns *pageown.Table, ch *exchange.Channel, procs *proc.Registry) *Bridge {
	return &Bridge{owns: owns, ch: ch, procs: procs}
}

// / WriteExchange parses and executes one /dev/exchange write command:
// / "prepare <vaddr>", "accept <handle> <vaddr> <prot>", or
// / "cancel <handle>", matching exchwrite's command grammar.
func (b *Bridge) WriteExchange(caller *proc.Proc_t, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "prepare "):
		vaddr, err := parseAddr(strings.TrimPrefix(line, "prepare "))
		if err != nil {
			return err
		}
		h, e := b.ch.Prepare(caller.As, caller, vaddr)
		if e != 0 || h == 0 {
			return fmt.Errorf("exchange_prepare failed: %v", e)
		}
		b.track(h, vaddr, caller.Pid)
		return nil

	case strings.HasPrefix(line, "accept "):
		fields := strings.Fields(strings.TrimPrefix(line, "accept "))
		if len(fields) != 3 {
			return fmt.Errorf("invalid parameters")
		}
		handle, err := parseAddr(fields[0])
		if err != nil {
			return err
		}
		destVaddr, err := parseAddr(fields[1])
		if err != nil {
			return err
		}
		prot, err := strconv.ParseInt(fields[2], 0, 64)
		if err != nil {
			return fmt.Errorf("invalid parameters")
		}
		if e := b.ch.Accept(caller.As, caller, exchange.Handle(handle), destVaddr, mem.Pa_t(prot)); e != 0 {
			return fmt.Errorf("exchange_accept failed: %v", e)
		}
		b.untrack(exchange.Handle(handle))
		return nil

	case strings.HasPrefix(line, "cancel "):
		handle, err := parseAddr(strings.TrimPrefix(line, "cancel "))
		if err != nil {
			return err
		}
		if e := b.ch.Cancel(caller, caller.As, exchange.Handle(handle)); e != 0 {
			return fmt.Errorf("exchange_cancel failed: %v", e)
		}
		b.untrack(exchange.Handle(handle))
		return nil

	default:
		return fmt.Errorf("unknown command")
	}
}

func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid virtual address")
	}
	return uintptr(v), nil
}

func (b *Bridge) track(h exchange.Handle, vaddr uintptr, pid int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.prepared) < maxTracked {
		b.prepared = append(b.prepared, trackedPrepare{handle: h, vaddr: vaddr, ownerPid: pid, at: time.Now()})
	}
}

func (b *Bridge) untrack(h exchange.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.prepared {
		if p.handle == h {
			b.prepared = append(b.prepared[:i], b.prepared[i+1:]...)
			return
		}
	}
}

// / ReadExchange renders the tabular dump of outstanding prepared
// / pages, matching exchread's Qexchange format.
func (b *Bridge) ReadExchange() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("Page Exchange System\n")
	fmt.Fprintf(&sb, "Prepared pages: %d\n", len(b.prepared))
	sb.WriteString("Owner PID   Handle           Original VAddr\n")
	sb.WriteString("----------  ---------------  ---------------\n")
	for _, p := range b.prepared {
		fmt.Fprintf(&sb, "%-10d  %#016x  %#016x\n", p.ownerPid, uint64(p.handle), uint64(p.vaddr))
	}
	return sb.String()
}

// / ReadPageownStat renders the population counts devexchange.c's
// / Qstat endpoint reports: {npages, nowned, nshared, nmut}.
func (b *Bridge) ReadPageownStat() string {
	nowned, nshared, nmut := b.owns.Stats()
	return fmt.Sprintf("npages=%d nowned=%d nshared=%d nmut=%d\n", b.owns.NPages(), nowned, nshared, nmut)
}

// pagesOf returns the page-aligned [vaddr, vaddr+length) range as a
// slice of page-start addresses, rejecting misalignment or an
// over-budget length the way every syscall in this bridge does.
func pagesOf(vaddr uintptr, length int) ([]uintptr, defs.Err_t) {
	if vaddr&uintptr(mem.PGSIZE-1) != 0 || length <= 0 || length > 1<<30 || length%mem.PGSIZE != 0 {
		return nil, defs.EBADARG
	}
	var out []uintptr
	for off := 0; off < length; off += mem.PGSIZE {
		out = append(out, vaddr+uintptr(off))
	}
	return out, 0
}

// / Vmexchange transfers every page in [vaddr, vaddr+length) from
// / caller to the process named by targetPid, mapping each into the
// / target's address space at the same virtual address.
func (b *Bridge) Vmexchange(caller *proc.Proc_t, targetPid int64, vaddr uintptr, length int) (int, defs.Err_t) {
	target := b.procs.Find(targetPid)
	if target == nil {
		return 0, defs.EINVAL
	}
	pages, e := pagesOf(vaddr, length)
	if e != 0 {
		return 0, e
	}
	n := 0
	for _, va := range pages {
		pte, ok := caller.As.WalkVA(va, false)
		if !ok || pte == nil || *pte&mem.PTE_P == 0 {
			break
		}
		pa := *pte & mem.PTE_ADDR
		if e := b.owns.Transfer(caller, target, pa, va); e != 0 {
			break
		}
		*pte = 0
		if !target.As.MapPage(target.As.Pmap, va, pa, mem.PTE_W|mem.PTE_U) {
			break
		}
		n++
	}
	if n == 0 {
		return 0, defs.ENOTOWNER
	}
	return n, 0
}

// / VmlendShared lends every page in [vaddr, vaddr+length) to target
// / as a shared borrow, stripping write permission from the owner's
// / own PTE (the owner keeps its mapping, read-only).
func (b *Bridge) VmlendShared(caller *proc.Proc_t, targetPid int64, vaddr uintptr, length int) (int, defs.Err_t) {
	target := b.procs.Find(targetPid)
	if target == nil {
		return 0, defs.EINVAL
	}
	pages, e := pagesOf(vaddr, length)
	if e != 0 {
		return 0, e
	}
	n := 0
	for _, va := range pages {
		pte, ok := caller.As.WalkVA(va, false)
		if !ok || pte == nil || *pte&mem.PTE_P == 0 {
			break
		}
		pa := *pte & mem.PTE_ADDR
		if e := b.owns.BorrowShared(caller, target, pa, va); e != 0 {
			break
		}
		*pte &^= mem.PTE_W
		n++
	}
	return n, 0
}

// / VmlendMut lends every page in [vaddr, vaddr+length) to target as a
// / mutable borrow, unmapping the owner's own PTE for the duration of
// / the loan.
func (b *Bridge) VmlendMut(caller *proc.Proc_t, targetPid int64, vaddr uintptr, length int) (int, defs.Err_t) {
	target := b.procs.Find(targetPid)
	if target == nil {
		return 0, defs.EINVAL
	}
	pages, e := pagesOf(vaddr, length)
	if e != 0 {
		return 0, e
	}
	n := 0
	for _, va := range pages {
		pte, ok := caller.As.WalkVA(va, false)
		if !ok || pte == nil || *pte&mem.PTE_P == 0 {
			break
		}
		pa := *pte & mem.PTE_ADDR
		if e := b.owns.BorrowMut(caller, target, pa, va); e != 0 {
			break
		}
		*pte = 0
		n++
	}
	return n, 0
}

// / Vmreturn returns every borrowed page mapped at [vaddr,
// / vaddr+length) in caller's own address space, trying a shared
// / return first and falling back to a mutable return.
func (b *Bridge) Vmreturn(caller *proc.Proc_t, vaddr uintptr, length int) (int, defs.Err_t) {
	pages, e := pagesOf(vaddr, length)
	if e != 0 {
		return 0, e
	}
	n := 0
	for _, va := range pages {
		pte, ok := caller.As.WalkVA(va, false)
		if !ok || pte == nil {
			break
		}
		pa := *pte & mem.PTE_ADDR
		if e := b.owns.ReturnShared(caller, pa); e == 0 {
			*pte |= mem.PTE_W
			n++
			continue
		}
		if e := b.owns.ReturnMut(caller, pa); e == 0 {
			n++
			continue
		}
		break
	}
	return n, 0
}

// / Owninfo is the {owner_pid, state, shared_count, mut_borrower_pid}
// / tuple vmowninfo fills.
type Owninfo struct {
	OwnerPid       int64
	State          ownership.State
	SharedCount    int
	MutBorrowerPid int64
}

func pidOf(h ownership.Holder) int64 {
	if p, ok := h.(*proc.Proc_t); ok && p != nil {
		return p.Pid
	}
	return -1
}

// / Vmowninfo resolves vaddr in caller's address space and reports the
// / owning page's ownership record.
func (b *Bridge) Vmowninfo(caller *proc.Proc_t, vaddr uintptr) (Owninfo, defs.Err_t) {
	pte, ok := caller.As.WalkVA(vaddr, false)
	if !ok || pte == nil || *pte&mem.PTE_P == 0 {
		return Owninfo{}, defs.EFAULT
	}
	pa := *pte & mem.PTE_ADDR
	state, owner, sharedCount, mutBorrower := b.owns.Info(pa)
	return Owninfo{
		OwnerPid:       pidOf(owner),
		State:          state,
		SharedCount:    sharedCount,
		MutBorrowerPid: pidOf(mutBorrower),
	}, 0
}

// / ExchangePrepare is the syscall-bridge form of exchange_prepare.
func (b *Bridge) ExchangePrepare(caller *proc.Proc_t, vaddr uintptr) (exchange.Handle, defs.Err_t) {
	return b.ch.Prepare(caller.As, caller, vaddr)
}

// / ExchangeAccept is the syscall-bridge form of exchange_accept.
func (b *Bridge) ExchangeAccept(caller *proc.Proc_t, handle exchange.Handle, destVaddr uintptr, prot mem.Pa_t) defs.Err_t {
	return b.ch.Accept(caller.As, caller, handle, destVaddr, prot)
}

// / ExchangeCancel is the syscall-bridge form of exchange_cancel.
func (b *Bridge) ExchangeCancel(caller *proc.Proc_t, handle exchange.Handle) defs.Err_t {
	return b.ch.Cancel(caller, caller.As, handle)
}

// / ExchangePrepareRange is the syscall-bridge form of
// / exchange_prepare_range.
func (b *Bridge) ExchangePrepareRange(caller *proc.Proc_t, vaddr uintptr, length int) ([]exchange.Handle, defs.Err_t) {
	return b.ch.PrepareRange(caller.As, caller, vaddr, length)
}
