package exchange

import (
	"os"
	"testing"

	"borrowreg"
	"lockdag"
	"mem"
	"pageown"
	"vm"
)

type testProc struct {
	name string
	key  uintptr
	dag  lockdag.Context
}

func (p *testProc) WaitKey() uintptr         { return p.key }
func (p *testProc) SetWaitKey(k uintptr)     { p.key = k }
func (p *testProc) DagCtx() *lockdag.Context { return &p.dag }

func TestMain(m *testing.M) {
	mem.Phys_init(256)
	os.Exit(m.Run())
}

func newFixture(t *testing.T) (*Channel, *pageown.Table, *vm.Vm_t) {
	t.Helper()
	owns := pageown.New(256)
	reg := borrowreg.New(0)
	ch := New(owns, reg)
	as, ok := vm.NewAs()
	if !ok {
		t.Fatalf("vm.NewAs failed")
	}
	return ch, owns, as
}

func mapOwnedPage(t *testing.T, owns *pageown.Table, as *vm.Vm_t, owner *testProc, va uintptr) mem.Pa_t {
	t.Helper()
	_, leafPa, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatalf("Refpg_new failed")
	}
	if !as.MapPage(as.Pmap, va, leafPa, mem.PTE_W|mem.PTE_U) {
		t.Fatalf("MapPage failed")
	}
	if e := owns.Acquire(owner, leafPa, va); e != 0 {
		t.Fatalf("Acquire: %v", e)
	}
	return leafPa
}

func TestPrepareRemovesMapping(t *testing.T) {
	ch, owns, as := newFixture(t)
	owner := &testProc{name: "owner"}
	const va = uintptr(0x10000)
	leafPa := mapOwnedPage(t, owns, as, owner, va)

	handle, e := ch.Prepare(as, owner, va)
	if e != 0 {
		t.Fatalf("Prepare: %v", e)
	}
	if handle != leafPa {
		t.Errorf("Prepare handle = %#x, want %#x", handle, leafPa)
	}
	if pte, ok := as.WalkVA(va, false); !ok || pte == nil || *pte&mem.PTE_P != 0 {
		t.Errorf("page should be unmapped from owner's address space after Prepare")
	}
}

func TestPrepareRejectsNonOwner(t *testing.T) {
	ch, owns, as := newFixture(t)
	owner := &testProc{name: "owner"}
	other := &testProc{name: "other"}
	const va = uintptr(0x20000)
	mapOwnedPage(t, owns, as, owner, va)

	if _, e := ch.Prepare(as, other, va); e == 0 {
		t.Errorf("Prepare by a non-owner should fail")
	}
}

func TestPrepareRejectsBorrowedPage(t *testing.T) {
	ch, owns, as := newFixture(t)
	owner := &testProc{name: "owner"}
	reader := &testProc{name: "reader"}
	const va = uintptr(0x30000)
	leafPa := mapOwnedPage(t, owns, as, owner, va)
	owns.BorrowShared(owner, reader, leafPa, 0)

	if _, e := ch.Prepare(as, owner, va); e == 0 {
		t.Errorf("Prepare on a borrowed page should fail")
	}
}

func TestPrepareAcceptHandsOffOwnership(t *testing.T) {
	ch, owns, as := newFixture(t)
	owner := &testProc{name: "owner"}
	acceptor := &testProc{name: "acceptor"}
	const srcVa = uintptr(0x40000)
	const dstVa = uintptr(0x41000)
	mapOwnedPage(t, owns, as, owner, srcVa)

	handle, e := ch.Prepare(as, owner, srcVa)
	if e != 0 {
		t.Fatalf("Prepare: %v", e)
	}

	acceptAs, ok := vm.NewAs()
	if !ok {
		t.Fatalf("vm.NewAs for acceptor failed")
	}
	if e := ch.Accept(acceptAs, acceptor, handle, dstVa, mem.PTE_W|mem.PTE_U); e != 0 {
		t.Fatalf("Accept: %v", e)
	}
	if owns.GetOwner(handle) != acceptor {
		t.Errorf("owner after Accept should be the acceptor")
	}
	pte, ok := acceptAs.WalkVA(dstVa, false)
	if !ok || pte == nil || *pte&mem.PTE_P == 0 {
		t.Errorf("acceptor's address space should have the page mapped after Accept")
	}
}

func TestCancelReinstallsOriginalMapping(t *testing.T) {
	ch, owns, as := newFixture(t)
	owner := &testProc{name: "owner"}
	const va = uintptr(0x50000)
	mapOwnedPage(t, owns, as, owner, va)

	handle, e := ch.Prepare(as, owner, va)
	if e != 0 {
		t.Fatalf("Prepare: %v", e)
	}
	if e := ch.Cancel(owner, as, handle); e != 0 {
		t.Fatalf("Cancel: %v", e)
	}
	if pte, ok := as.WalkVA(va, false); !ok || pte == nil || *pte&mem.PTE_ADDR != handle&mem.PTE_ADDR {
		t.Errorf("Cancel should reinstall the page at its original virtual address")
	}
	if !ch.IsValid(handle) {
		t.Errorf("owner should still own the page after a cancelled prepare")
	}
}

func TestPrepareRangeAllOrNothingRollback(t *testing.T) {
	ch, owns, as := newFixture(t)
	owner := &testProc{name: "owner"}
	const base = uintptr(0x60000)
	mapOwnedPage(t, owns, as, owner, base)
	// Second page in the range is deliberately left unmapped, so
	// PrepareRange must fail partway through and roll back the first.

	_, e := ch.PrepareRange(as, owner, base, 2*mem.PGSIZE)
	if e == 0 {
		t.Fatalf("PrepareRange over a partially-unmapped range should fail")
	}
	if pte, ok := as.WalkVA(base, false); !ok || pte == nil || *pte&mem.PTE_P == 0 {
		t.Errorf("the first page should have been restored after rollback")
	}
}

func TestGetOwnerAndIsValid(t *testing.T) {
	ch, owns, as := newFixture(t)
	owner := &testProc{name: "owner"}
	const va = uintptr(0x70000)
	leafPa := mapOwnedPage(t, owns, as, owner, va)

	if !ch.IsValid(leafPa) {
		t.Errorf("IsValid should report true for an owned page")
	}
	if ch.GetOwner(leafPa) != owner {
		t.Errorf("GetOwner should return the current owner")
	}
	if ch.IsValid(0xdeadbeef) {
		t.Errorf("IsValid should report false for an unowned handle")
	}
}
